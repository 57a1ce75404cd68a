package market

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"agora/core/events"
	"agora/core/types"
	"agora/native/escrow"
)

var (
	errNilState  = errors.New("market engine: state not configured")
	errNilEscrow = errors.New("market engine: escrow engine not configured")
)

type engineState interface {
	ListingNextID() (uint64, error)
	ListingPut(*Listing) error
	ListingGet(id uint64) (*Listing, bool)
	ListingsBySeller(addr []byte) ([]uint64, error)
	RatingPut(*Rating) error
	RatingGet(entryID uint64, rater []byte) (*Rating, bool)
	RatingsByEntry(entryID uint64) ([]*Rating, error)
	ReputationGet(addr []byte) (*ReputationRecord, error)
	ReputationPut(addr []byte, record *ReputationRecord) error
}

// EscrowEngine is the slice of the escrow engine the marketplace depends on.
// Purchases route their fund custody through it and ratings consult it for
// entry status and party identities.
type EscrowEngine interface {
	CreatePurchase(payer, payee [20]byte, amount *big.Int, memo string, listingID, quantity uint64) (*escrow.Entry, error)
	Get(id uint64) (*escrow.Entry, error)
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine implements listings, purchases and reputation on top of the escrow
// entry ledger. It owns listing and rating state exclusively; fund movement
// is delegated to the escrow engine so the custody invariant has a single
// owner.
type Engine struct {
	state   engineState
	escrow  EscrowEngine
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a marketplace engine with a no-op emitter. Callers attach
// state and the escrow engine via the setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEscrowEngine configures the escrow engine purchases settle through.
func (e *Engine) SetEscrowEngine(esc EscrowEngine) { e.escrow = esc }

// SetNowFunc overrides the wall-clock source used for listing and rating
// timestamps. Primarily intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) loadListing(id uint64) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	listing, ok := e.state.ListingGet(id)
	if !ok || listing == nil {
		return nil, ErrListingNotFound
	}
	return listing, nil
}

// ensureReputation persists a zeroed aggregate for addresses seen for the
// first time so read paths always find a record.
func (e *Engine) ensureReputation(addr [20]byte) error {
	record, err := e.state.ReputationGet(addr[:])
	if err != nil {
		return err
	}
	return e.state.ReputationPut(addr[:], record)
}

// CreateListing stores a new active listing owned by the seller and returns
// it. Listing identifiers count sequentially from 1, independent of escrow
// entry identifiers.
func (e *Engine) CreateListing(seller [20]byte, price *big.Int, quantity uint64, memo string) (*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	if len(memo) > MemoMaxLength {
		return nil, ErrMemoTooLong
	}
	id, err := e.state.ListingNextID()
	if err != nil {
		return nil, err
	}
	listing := &Listing{
		ID:        id,
		Seller:    seller,
		Price:     new(big.Int).Set(price),
		Quantity:  quantity,
		Memo:      memo,
		CreatedAt: e.now(),
		Status:    ListingStatusActive,
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	if err := e.ensureReputation(seller); err != nil {
		return nil, err
	}
	e.emit(NewListingCreatedEvent(listing))
	return listing.Clone(), nil
}

// UpdateListing lets the seller replace the price, stock and status of a
// listing. Completed listings are retired and reject every update; setting
// status Completed is how a seller retires a listing. An active status with
// zero stock is normalized to inactive.
func (e *Engine) UpdateListing(seller [20]byte, id uint64, price *big.Int, quantity uint64, status ListingStatus) (*Listing, error) {
	listing, err := e.loadListing(id)
	if err != nil {
		return nil, err
	}
	if listing.Seller != seller {
		return nil, fmt.Errorf("%w: only the seller may update a listing", ErrUnauthorized)
	}
	if listing.Status == ListingStatusCompleted {
		return nil, fmt.Errorf("%w: listing is retired", ErrInvalidState)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if !status.Valid() {
		return nil, fmt.Errorf("market: invalid listing status %d", status)
	}
	listing.Price = new(big.Int).Set(price)
	listing.Quantity = quantity
	listing.Status = status
	if listing.Status == ListingStatusActive && listing.Quantity == 0 {
		listing.Status = ListingStatusInactive
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	e.emit(NewListingUpdatedEvent(listing))
	return listing.Clone(), nil
}

// Purchase buys quantity units from an active listing. The total price moves
// from the buyer into escrow custody atomically with entry creation; the
// listing's stock decrements and the listing goes inactive when it reaches
// zero. Both parties' reputation counters record the trade.
func (e *Engine) Purchase(buyer [20]byte, listingID uint64, quantity uint64, memo string) (*escrow.Entry, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.escrow == nil {
		return nil, errNilEscrow
	}
	listing, err := e.loadListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingStatusActive {
		return nil, fmt.Errorf("%w: listing is %s", ErrListingInactive, listing.Status)
	}
	if quantity == 0 {
		return nil, ErrInvalidQuantity
	}
	if quantity > listing.Quantity {
		return nil, fmt.Errorf("%w: %d requested, %d available", ErrInsufficientQuantity, quantity, listing.Quantity)
	}
	total := new(big.Int).Mul(listing.Price, new(big.Int).SetUint64(quantity))
	entry, err := e.escrow.CreatePurchase(buyer, listing.Seller, total, memo, listing.ID, quantity)
	if err != nil {
		return nil, err
	}
	listing.Quantity -= quantity
	if listing.Quantity == 0 {
		listing.Status = ListingStatusInactive
	}
	if err := e.state.ListingPut(listing); err != nil {
		return nil, err
	}
	if err := e.bumpTradeCounters(buyer, listing.Seller); err != nil {
		return nil, err
	}
	e.emit(NewPurchaseEvent(entry, listing))
	return entry, nil
}

func (e *Engine) bumpTradeCounters(buyer, seller [20]byte) error {
	buyerRecord, err := e.state.ReputationGet(buyer[:])
	if err != nil {
		return err
	}
	buyerRecord.TotalPurchases++
	if err := e.state.ReputationPut(buyer[:], buyerRecord); err != nil {
		return err
	}
	sellerRecord, err := e.state.ReputationGet(seller[:])
	if err != nil {
		return err
	}
	sellerRecord.TotalSales++
	return e.state.ReputationPut(seller[:], sellerRecord)
}

// RateSeller records the buyer's score for the seller of a completed entry.
func (e *Engine) RateSeller(entryID uint64, rater [20]byte, score uint8, comment string) (*Rating, error) {
	return e.rate(entryID, rater, RatingRoleSeller, score, comment)
}

// RateBuyer records the seller's score for the buyer of a completed entry.
func (e *Engine) RateBuyer(entryID uint64, rater [20]byte, score uint8, comment string) (*Rating, error) {
	return e.rate(entryID, rater, RatingRoleBuyer, score, comment)
}

func (e *Engine) rate(entryID uint64, rater [20]byte, role RatingRole, score uint8, comment string) (*Rating, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if e.escrow == nil {
		return nil, errNilEscrow
	}
	entry, err := e.escrow.Get(entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != escrow.StatusCompleted {
		return nil, fmt.Errorf("%w: cannot rate %s entry", ErrInvalidState, entry.Status)
	}
	var subject [20]byte
	switch role {
	case RatingRoleSeller:
		if rater != entry.Payer {
			return nil, fmt.Errorf("%w: only the buyer may rate the seller", ErrUnauthorized)
		}
		subject = entry.Payee
	case RatingRoleBuyer:
		if rater != entry.Payee {
			return nil, fmt.Errorf("%w: only the seller may rate the buyer", ErrUnauthorized)
		}
		subject = entry.Payer
	default:
		return nil, fmt.Errorf("market: invalid rating role %d", role)
	}
	if score < RatingMin || score > RatingMax {
		return nil, ErrInvalidRating
	}
	if len(comment) > MemoMaxLength {
		return nil, ErrMemoTooLong
	}
	if _, exists := e.state.RatingGet(entryID, rater[:]); exists {
		return nil, ErrAlreadyRated
	}
	rating := &Rating{
		EntryID:   entryID,
		Rater:     rater,
		Subject:   subject,
		Role:      role,
		Score:     score,
		Comment:   comment,
		CreatedAt: e.now(),
	}
	if err := e.state.RatingPut(rating); err != nil {
		return nil, err
	}
	record, err := e.state.ReputationGet(subject[:])
	if err != nil {
		return nil, err
	}
	switch role {
	case RatingRoleSeller:
		record.SellerRatingSum += uint64(score)
		record.SellerRatingCount++
	case RatingRoleBuyer:
		record.BuyerRatingSum += uint64(score)
		record.BuyerRatingCount++
	}
	if err := e.state.ReputationPut(subject[:], record); err != nil {
		return nil, err
	}
	e.emit(NewRatingEvent(rating))
	return rating.Clone(), nil
}

// GetListing returns a copy of the listing stored under id.
func (e *Engine) GetListing(id uint64) (*Listing, error) {
	listing, err := e.loadListing(id)
	if err != nil {
		return nil, err
	}
	return listing.Clone(), nil
}

// ListingsBySeller returns every listing the seller has created, in creation
// order.
func (e *Engine) ListingsBySeller(seller [20]byte) ([]*Listing, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	ids, err := e.state.ListingsBySeller(seller[:])
	if err != nil {
		return nil, err
	}
	listings := make([]*Listing, 0, len(ids))
	for _, id := range ids {
		listing, ok := e.state.ListingGet(id)
		if !ok {
			return nil, fmt.Errorf("market: indexed listing %d missing", id)
		}
		listings = append(listings, listing)
	}
	return listings, nil
}

// Reputation returns the aggregate record for an address. Unknown addresses
// yield a zeroed record.
func (e *Engine) Reputation(addr [20]byte) (*ReputationRecord, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	record, err := e.state.ReputationGet(addr[:])
	if err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

// SellerRating returns the floor average of scores the address received as a
// seller, 0 when unrated.
func (e *Engine) SellerRating(addr [20]byte) (uint64, error) {
	record, err := e.Reputation(addr)
	if err != nil {
		return 0, err
	}
	return record.SellerAverage(), nil
}

// BuyerRating returns the floor average of scores the address received as a
// buyer, 0 when unrated.
func (e *Engine) BuyerRating(addr [20]byte) (uint64, error) {
	record, err := e.Reputation(addr)
	if err != nil {
		return 0, err
	}
	return record.BuyerAverage(), nil
}

// EntryRatings returns the ratings recorded for an entry. Completed entries
// carry at most one per side.
func (e *Engine) EntryRatings(entryID uint64) ([]*Rating, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.RatingsByEntry(entryID)
}
