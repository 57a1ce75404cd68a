package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"agora/native/market"
)

type storedListing struct {
	ID        uint64
	Seller    [20]byte
	Price     *big.Int
	Quantity  uint64
	Memo      string
	CreatedAt uint64
	Status    uint8
}

type storedRating struct {
	EntryID   uint64
	Rater     [20]byte
	Subject   [20]byte
	Role      uint8
	Score     uint8
	Comment   string
	CreatedAt uint64
}

func toStoredListing(l *market.Listing) *storedListing {
	stored := &storedListing{
		ID:       l.ID,
		Seller:   l.Seller,
		Price:    new(big.Int).Set(l.Price),
		Quantity: l.Quantity,
		Memo:     l.Memo,
		Status:   uint8(l.Status),
	}
	if l.CreatedAt > 0 {
		stored.CreatedAt = uint64(l.CreatedAt)
	}
	return stored
}

func fromStoredListing(sl *storedListing) *market.Listing {
	return &market.Listing{
		ID:        sl.ID,
		Seller:    sl.Seller,
		Price:     new(big.Int).Set(sl.Price),
		Quantity:  sl.Quantity,
		Memo:      sl.Memo,
		CreatedAt: int64(sl.CreatedAt),
		Status:    market.ListingStatus(sl.Status),
	}
}

func toStoredRating(r *market.Rating) *storedRating {
	stored := &storedRating{
		EntryID: r.EntryID,
		Rater:   r.Rater,
		Subject: r.Subject,
		Role:    uint8(r.Role),
		Score:   r.Score,
		Comment: r.Comment,
	}
	if r.CreatedAt > 0 {
		stored.CreatedAt = uint64(r.CreatedAt)
	}
	return stored
}

func fromStoredRating(sr *storedRating) *market.Rating {
	return &market.Rating{
		EntryID:   sr.EntryID,
		Rater:     sr.Rater,
		Subject:   sr.Subject,
		Role:      market.RatingRole(sr.Role),
		Score:     sr.Score,
		Comment:   sr.Comment,
		CreatedAt: int64(sr.CreatedAt),
	}
}

// ListingNextID reserves and returns the next sequential listing identifier.
// Listings count from 1 on a counter independent of escrow entries.
func (m *Manager) ListingNextID() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(marketListingSeqKeyBytes, &counter); err != nil {
		return 0, err
	}
	counter++
	if err := m.KVPut(marketListingSeqKeyBytes, counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// ListingPut validates and persists the provided listing, indexing it under
// its seller.
func (m *Manager) ListingPut(l *market.Listing) error {
	sanitized, err := market.SanitizeListing(l)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredListing(sanitized))
	if err != nil {
		return err
	}
	if err := m.write(marketListingKey(sanitized.ID), encoded); err != nil {
		return err
	}
	idSuffix := uint64Suffix(sanitized.ID)
	return m.KVAppend(marketMerchantKey(sanitized.Seller[:]), idSuffix[:])
}

// ListingGet loads the listing stored under the provided identifier.
func (m *Manager) ListingGet(id uint64) (*market.Listing, bool) {
	data, err := m.load(marketListingKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedListing)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return fromStoredListing(stored), true
}

// ListingsBySeller returns the identifiers of all listings created by the
// address, in creation order.
func (m *Manager) ListingsBySeller(addr []byte) ([]uint64, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	var raw [][]byte
	if err := m.KVGetList(marketMerchantKey(addr), &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, item := range raw {
		if len(item) != 8 {
			return nil, fmt.Errorf("market: malformed seller index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(item))
	}
	return ids, nil
}

// RatingPut persists a rating and records the rater in the entry's index. The
// caller is responsible for rejecting duplicates via RatingGet first.
func (m *Manager) RatingPut(r *market.Rating) error {
	sanitized, err := market.SanitizeRating(r)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredRating(sanitized))
	if err != nil {
		return err
	}
	if err := m.write(marketRatingKey(sanitized.EntryID, sanitized.Rater[:]), encoded); err != nil {
		return err
	}
	return m.KVAppend(marketEntryRatersKey(sanitized.EntryID), sanitized.Rater[:])
}

// RatingGet loads the rating submitted by the given rater for the entry.
func (m *Manager) RatingGet(entryID uint64, rater []byte) (*market.Rating, bool) {
	data, err := m.load(marketRatingKey(entryID, rater))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedRating)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return fromStoredRating(stored), true
}

// RatingsByEntry returns every rating recorded for the entry in submission
// order. Entries carry at most one buyer and one seller rating.
func (m *Manager) RatingsByEntry(entryID uint64) ([]*market.Rating, error) {
	var raters [][]byte
	if err := m.KVGetList(marketEntryRatersKey(entryID), &raters); err != nil {
		return nil, err
	}
	ratings := make([]*market.Rating, 0, len(raters))
	for _, rater := range raters {
		rating, ok := m.RatingGet(entryID, rater)
		if !ok {
			return nil, fmt.Errorf("market: indexed rating missing for entry %d", entryID)
		}
		ratings = append(ratings, rating)
	}
	return ratings, nil
}

// ReputationGet loads the aggregate reputation record for an address. Missing
// records yield a zeroed aggregate.
func (m *Manager) ReputationGet(addr []byte) (*market.ReputationRecord, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	data, err := m.load(marketReputationKey(addr))
	if err != nil {
		return nil, err
	}
	record := new(market.ReputationRecord)
	if len(data) == 0 {
		return record, nil
	}
	if err := rlp.DecodeBytes(data, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ReputationPut persists the aggregate reputation record for an address.
func (m *Manager) ReputationPut(addr []byte, record *market.ReputationRecord) error {
	if len(addr) == 0 {
		return fmt.Errorf("address must not be empty")
	}
	if record == nil {
		return fmt.Errorf("nil reputation record")
	}
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return err
	}
	return m.write(marketReputationKey(addr), encoded)
}
