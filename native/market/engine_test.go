package market

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"testing"

	"agora/core/events"
	"agora/core/types"
	"agora/native/escrow"
)

type mockState struct {
	listings    map[uint64]*Listing
	sellerIndex map[[20]byte][]uint64
	ratings     map[string]*Rating
	entryRaters map[uint64][][20]byte
	reputation  map[[20]byte]*ReputationRecord
	nextID      uint64
}

func newMockState() *mockState {
	return &mockState{
		listings:    make(map[uint64]*Listing),
		sellerIndex: make(map[[20]byte][]uint64),
		ratings:     make(map[string]*Rating),
		entryRaters: make(map[uint64][][20]byte),
		reputation:  make(map[[20]byte]*ReputationRecord),
	}
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func ratingKey(entryID uint64, rater []byte) string {
	return fmt.Sprintf("%d:%x", entryID, rater)
}

func (m *mockState) ListingNextID() (uint64, error) {
	m.nextID++
	return m.nextID, nil
}

func (m *mockState) ListingPut(l *Listing) error {
	sanitized, err := SanitizeListing(l)
	if err != nil {
		return err
	}
	if _, exists := m.listings[sanitized.ID]; !exists {
		m.sellerIndex[sanitized.Seller] = append(m.sellerIndex[sanitized.Seller], sanitized.ID)
	}
	m.listings[sanitized.ID] = sanitized.Clone()
	return nil
}

func (m *mockState) ListingGet(id uint64) (*Listing, bool) {
	listing, ok := m.listings[id]
	if !ok {
		return nil, false
	}
	return listing.Clone(), true
}

func (m *mockState) ListingsBySeller(addr []byte) ([]uint64, error) {
	var key [20]byte
	copy(key[:], addr)
	return append([]uint64(nil), m.sellerIndex[key]...), nil
}

func (m *mockState) RatingPut(r *Rating) error {
	sanitized, err := SanitizeRating(r)
	if err != nil {
		return err
	}
	key := ratingKey(sanitized.EntryID, sanitized.Rater[:])
	if _, exists := m.ratings[key]; !exists {
		m.entryRaters[sanitized.EntryID] = append(m.entryRaters[sanitized.EntryID], sanitized.Rater)
	}
	m.ratings[key] = sanitized.Clone()
	return nil
}

func (m *mockState) RatingGet(entryID uint64, rater []byte) (*Rating, bool) {
	rating, ok := m.ratings[ratingKey(entryID, rater)]
	if !ok {
		return nil, false
	}
	return rating.Clone(), true
}

func (m *mockState) RatingsByEntry(entryID uint64) ([]*Rating, error) {
	raters := m.entryRaters[entryID]
	ratings := make([]*Rating, 0, len(raters))
	for _, rater := range raters {
		rating, ok := m.RatingGet(entryID, rater[:])
		if !ok {
			return nil, fmt.Errorf("indexed rating missing")
		}
		ratings = append(ratings, rating)
	}
	return ratings, nil
}

func (m *mockState) ReputationGet(addr []byte) (*ReputationRecord, error) {
	var key [20]byte
	copy(key[:], addr)
	if record, ok := m.reputation[key]; ok {
		return record.Clone(), nil
	}
	return &ReputationRecord{}, nil
}

func (m *mockState) ReputationPut(addr []byte, record *ReputationRecord) error {
	var key [20]byte
	copy(key[:], addr)
	m.reputation[key] = record.Clone()
	return nil
}

type purchaseCall struct {
	payer     [20]byte
	payee     [20]byte
	amount    *big.Int
	listingID uint64
	quantity  uint64
}

type stubEscrow struct {
	entries map[uint64]*escrow.Entry
	calls   []purchaseCall
	nextID  uint64
	fail    error
}

func newStubEscrow() *stubEscrow {
	return &stubEscrow{entries: make(map[uint64]*escrow.Entry)}
}

func (s *stubEscrow) CreatePurchase(payer, payee [20]byte, amount *big.Int, memo string, listingID, quantity uint64) (*escrow.Entry, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.calls = append(s.calls, purchaseCall{payer: payer, payee: payee, amount: new(big.Int).Set(amount), listingID: listingID, quantity: quantity})
	s.nextID++
	entry := &escrow.Entry{
		ID:        s.nextID,
		Payer:     payer,
		Payee:     payee,
		Amount:    new(big.Int).Set(amount),
		Memo:      memo,
		ListingID: listingID,
		Quantity:  quantity,
		CreatedAt: 1_700_000_000,
		Status:    escrow.StatusActive,
	}
	s.entries[entry.ID] = entry
	return entry.Clone(), nil
}

func (s *stubEscrow) Get(id uint64) (*escrow.Entry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return nil, escrow.ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *stubEscrow) seedCompleted(id uint64, buyer, seller [20]byte, amount int64) {
	s.entries[id] = &escrow.Entry{
		ID:          id,
		Payer:       buyer,
		Payee:       seller,
		Amount:      big.NewInt(amount),
		ListingID:   1,
		Quantity:    1,
		CreatedAt:   1_700_000_000,
		ConfirmedAt: 1_700_000_600,
		Status:      escrow.StatusCompleted,
	}
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	c.events = append(c.events, evt)
}

func (c *capturingEmitter) typesEvents() []*types.Event {
	out := make([]*types.Event, 0, len(c.events))
	for _, evt := range c.events {
		if wrapper, ok := evt.(marketEvent); ok && wrapper.evt != nil {
			clone := &types.Event{Type: wrapper.evt.Type, Attributes: map[string]string{}}
			keys := make([]string, 0, len(wrapper.evt.Attributes))
			for k := range wrapper.evt.Attributes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				clone.Attributes[k] = wrapper.evt.Attributes[k]
			}
			out = append(out, clone)
		}
	}
	return out
}

func newTestEngine(state *mockState, esc *stubEscrow) *Engine {
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEscrowEngine(esc)
	engine.SetNowFunc(func() int64 { return 1_700_000_000 })
	return engine
}

func TestCreateListingValidations(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newStubEscrow())
	seller := newTestAddress(0x01)
	longMemo := string(bytes.Repeat([]byte{'m'}, MemoMaxLength+1))

	cases := []struct {
		name     string
		price    *big.Int
		quantity uint64
		memo     string
		wantErr  error
	}{
		{"nil price", nil, 1, "", ErrInvalidPrice},
		{"zero price", big.NewInt(0), 1, "", ErrInvalidPrice},
		{"negative price", big.NewInt(-10), 1, "", ErrInvalidPrice},
		{"zero quantity", big.NewInt(10), 0, "", ErrInvalidQuantity},
		{"memo too long", big.NewInt(10), 1, longMemo, ErrMemoTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.CreateListing(seller, tc.price, tc.quantity, tc.memo)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
	if state.nextID != 0 {
		t.Fatalf("expected counter untouched by failed creates, got %d", state.nextID)
	}
}

func TestCreateListingAssignsSequentialIDs(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newStubEscrow())
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	seller := newTestAddress(0x01)

	first, err := engine.CreateListing(seller, big.NewInt(100), 5, "widgets")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if first.ID != 1 || first.Status != ListingStatusActive {
		t.Fatalf("unexpected first listing: %+v", first)
	}
	if first.CreatedAt != 1_700_000_000 {
		t.Fatalf("unexpected createdAt: %d", first.CreatedAt)
	}
	second, err := engine.CreateListing(seller, big.NewInt(20), 1, "")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if second.ID != 2 {
		t.Fatalf("expected sequential id 2, got %d", second.ID)
	}

	if _, ok := state.reputation[seller]; !ok {
		t.Fatalf("expected reputation record ensured for seller")
	}
	ids, err := engine.ListingsBySeller(seller)
	if err != nil || len(ids) != 2 {
		t.Fatalf("expected two indexed listings, got %v %v", ids, err)
	}

	evts := emitter.typesEvents()
	if len(evts) != 2 || evts[0].Type != EventTypeListingCreated {
		t.Fatalf("expected listing created events, got %v", evts)
	}
	if evts[0].Attributes["listingId"] != "1" || evts[0].Attributes["price"] != "100" {
		t.Fatalf("unexpected event attributes: %v", evts[0].Attributes)
	}
}

func TestUpdateListingRules(t *testing.T) {
	state := newMockState()
	engine := newTestEngine(state, newStubEscrow())
	seller := newTestAddress(0x01)
	stranger := newTestAddress(0x02)

	listing, err := engine.CreateListing(seller, big.NewInt(100), 5, "")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}

	if _, err := engine.UpdateListing(stranger, listing.ID, big.NewInt(100), 5, ListingStatusActive); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized update, got %v", err)
	}
	if _, err := engine.UpdateListing(seller, listing.ID, big.NewInt(0), 5, ListingStatusActive); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price, got %v", err)
	}

	normalized, err := engine.UpdateListing(seller, listing.ID, big.NewInt(100), 0, ListingStatusActive)
	if err != nil {
		t.Fatalf("update to zero stock: %v", err)
	}
	if normalized.Status != ListingStatusInactive {
		t.Fatalf("expected zero stock normalized to inactive, got %s", normalized.Status)
	}

	restocked, err := engine.UpdateListing(seller, listing.ID, big.NewInt(120), 3, ListingStatusActive)
	if err != nil {
		t.Fatalf("restock: %v", err)
	}
	if restocked.Status != ListingStatusActive || restocked.Quantity != 3 {
		t.Fatalf("expected restocked active listing, got %+v", restocked)
	}
	if restocked.Price.String() != "120" {
		t.Fatalf("expected price updated, got %s", restocked.Price)
	}

	retired, err := engine.UpdateListing(seller, listing.ID, big.NewInt(120), 3, ListingStatusCompleted)
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	if retired.Status != ListingStatusCompleted {
		t.Fatalf("expected completed listing, got %s", retired.Status)
	}
	if _, err := engine.UpdateListing(seller, listing.ID, big.NewInt(120), 3, ListingStatusActive); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected retired listing to reject updates, got %v", err)
	}
	if _, err := engine.UpdateListing(seller, 99, big.NewInt(10), 1, ListingStatusActive); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPurchaseSettlesThroughEscrow(t *testing.T) {
	state := newMockState()
	esc := newStubEscrow()
	engine := newTestEngine(state, esc)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)

	listing, err := engine.CreateListing(seller, big.NewInt(100), 5, "widgets")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	entry, err := engine.Purchase(buyer, listing.ID, 2, "order")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if entry.ID != 1 || entry.ListingID != listing.ID || entry.Quantity != 2 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if len(esc.calls) != 1 {
		t.Fatalf("expected one escrow call, got %d", len(esc.calls))
	}
	call := esc.calls[0]
	if call.amount.String() != "200" {
		t.Fatalf("expected total 200, got %s", call.amount)
	}
	if call.payer != buyer || call.payee != seller {
		t.Fatalf("unexpected escrow parties")
	}

	updated, err := engine.GetListing(listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if updated.Quantity != 3 || updated.Status != ListingStatusActive {
		t.Fatalf("expected stock decremented to 3, got %+v", updated)
	}

	buyerRep, _ := engine.Reputation(buyer)
	sellerRep, _ := engine.Reputation(seller)
	if buyerRep.TotalPurchases != 1 || sellerRep.TotalSales != 1 {
		t.Fatalf("expected trade counters bumped, got %+v / %+v", buyerRep, sellerRep)
	}

	evts := emitter.typesEvents()
	last := evts[len(evts)-1]
	if last.Type != EventTypePurchase {
		t.Fatalf("expected purchase event, got %s", last.Type)
	}
	if last.Attributes["total"] != "200" || last.Attributes["remaining"] != "3" {
		t.Fatalf("unexpected purchase attributes: %v", last.Attributes)
	}
}

func TestPurchaseExhaustsListing(t *testing.T) {
	state := newMockState()
	esc := newStubEscrow()
	engine := newTestEngine(state, esc)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)

	listing, err := engine.CreateListing(seller, big.NewInt(50), 2, "")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := engine.Purchase(buyer, listing.ID, 2, ""); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	drained, err := engine.GetListing(listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if drained.Quantity != 0 || drained.Status != ListingStatusInactive {
		t.Fatalf("expected drained inactive listing, got %+v", drained)
	}
	if _, err := engine.Purchase(buyer, listing.ID, 1, ""); !errors.Is(err, ErrListingInactive) {
		t.Fatalf("expected inactive listing rejection, got %v", err)
	}
}

func TestPurchaseValidations(t *testing.T) {
	state := newMockState()
	esc := newStubEscrow()
	engine := newTestEngine(state, esc)
	seller := newTestAddress(0x01)
	buyer := newTestAddress(0x02)

	listing, err := engine.CreateListing(seller, big.NewInt(100), 3, "")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if _, err := engine.Purchase(buyer, 99, 1, ""); !errors.Is(err, ErrListingNotFound) {
		t.Fatalf("expected listing not found, got %v", err)
	}
	if _, err := engine.Purchase(buyer, listing.ID, 0, ""); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
	if _, err := engine.Purchase(buyer, listing.ID, 4, ""); !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("expected insufficient quantity, got %v", err)
	}

	esc.fail = escrow.ErrInsufficientFunds
	if _, err := engine.Purchase(buyer, listing.ID, 1, ""); !errors.Is(err, escrow.ErrInsufficientFunds) {
		t.Fatalf("expected escrow failure to propagate, got %v", err)
	}
	unchanged, err := engine.GetListing(listing.ID)
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if unchanged.Quantity != 3 {
		t.Fatalf("failed purchase must leave stock, got %d", unchanged.Quantity)
	}
	buyerRep, _ := engine.Reputation(buyer)
	if buyerRep.TotalPurchases != 0 {
		t.Fatalf("failed purchase must not bump counters, got %+v", buyerRep)
	}
}

func TestRatingFlow(t *testing.T) {
	state := newMockState()
	esc := newStubEscrow()
	engine := newTestEngine(state, esc)
	emitter := &capturingEmitter{}
	engine.SetEmitter(emitter)
	buyer := newTestAddress(0x02)
	seller := newTestAddress(0x01)
	esc.seedCompleted(7, buyer, seller, 100)

	if _, err := engine.RateSeller(99, buyer, 5, ""); !errors.Is(err, escrow.ErrNotFound) {
		t.Fatalf("expected entry not found, got %v", err)
	}
	if _, err := engine.RateSeller(7, seller, 5, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected only buyer to rate seller, got %v", err)
	}
	if _, err := engine.RateSeller(7, buyer, 0, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected score 0 rejected, got %v", err)
	}
	if _, err := engine.RateSeller(7, buyer, 6, ""); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected score 6 rejected, got %v", err)
	}

	rating, err := engine.RateSeller(7, buyer, 5, "great seller")
	if err != nil {
		t.Fatalf("rate seller: %v", err)
	}
	if rating.Role != RatingRoleSeller || rating.Subject != seller {
		t.Fatalf("unexpected rating: %+v", rating)
	}
	if _, err := engine.RateSeller(7, buyer, 4, ""); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected duplicate rating rejected, got %v", err)
	}

	if _, err := engine.RateBuyer(7, buyer, 4, ""); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected only seller to rate buyer, got %v", err)
	}
	if _, err := engine.RateBuyer(7, seller, 4, "smooth trade"); err != nil {
		t.Fatalf("rate buyer: %v", err)
	}

	sellerRep, _ := engine.Reputation(seller)
	if sellerRep.SellerRatingSum != 5 || sellerRep.SellerRatingCount != 1 {
		t.Fatalf("unexpected seller aggregates: %+v", sellerRep)
	}
	buyerRep, _ := engine.Reputation(buyer)
	if buyerRep.BuyerRatingSum != 4 || buyerRep.BuyerRatingCount != 1 {
		t.Fatalf("unexpected buyer aggregates: %+v", buyerRep)
	}

	ratings, err := engine.EntryRatings(7)
	if err != nil || len(ratings) != 2 {
		t.Fatalf("expected two ratings, got %v %v", ratings, err)
	}

	evts := emitter.typesEvents()
	last := evts[len(evts)-1]
	if last.Type != EventTypeRating || last.Attributes["role"] != "buyer" {
		t.Fatalf("unexpected rating event: %v", last)
	}
}

func TestRatingRequiresCompletedEntry(t *testing.T) {
	state := newMockState()
	esc := newStubEscrow()
	engine := newTestEngine(state, esc)
	buyer := newTestAddress(0x02)
	seller := newTestAddress(0x01)
	esc.entries[3] = &escrow.Entry{
		ID:        3,
		Payer:     buyer,
		Payee:     seller,
		Amount:    big.NewInt(100),
		CreatedAt: 1_700_000_000,
		Status:    escrow.StatusActive,
	}
	if _, err := engine.RateSeller(3, buyer, 5, ""); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected invalid state for active entry, got %v", err)
	}
}

func TestRatingAverages(t *testing.T) {
	state := newMockState()
	esc := newStubEscrow()
	engine := newTestEngine(state, esc)
	seller := newTestAddress(0x01)
	buyerA := newTestAddress(0x02)
	buyerB := newTestAddress(0x03)
	esc.seedCompleted(1, buyerA, seller, 100)
	esc.seedCompleted(2, buyerB, seller, 100)

	if got, _ := engine.SellerRating(seller); got != 0 {
		t.Fatalf("expected zero average before ratings, got %d", got)
	}
	if _, err := engine.RateSeller(1, buyerA, 5, ""); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if _, err := engine.RateSeller(2, buyerB, 3, ""); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if got, _ := engine.SellerRating(seller); got != 4 {
		t.Fatalf("expected floor average 4 for {5,3}, got %d", got)
	}
	if got, _ := engine.BuyerRating(seller); got != 0 {
		t.Fatalf("expected zero buyer average, got %d", got)
	}
}
