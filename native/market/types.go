package market

import (
	"fmt"
	"math/big"

	"agora/native/escrow"
)

// MemoMaxLength bounds listing memos and rating comments. It matches the
// escrow entry memo bound so every free-text field on the ledger shares one
// limit.
const MemoMaxLength = escrow.MemoMaxLength

// Rating scores are integers on a fixed five point scale.
const (
	RatingMin uint8 = 1
	RatingMax uint8 = 5
)

// ListingStatus captures the lifecycle of a seller's inventory record.
// Inactive listings reject purchases but can be restocked; Completed listings
// are retired by the seller and permanently immutable.
type ListingStatus uint8

const (
	ListingStatusInactive ListingStatus = iota
	ListingStatusActive
	ListingStatusCompleted
)

// String returns the canonical lowercase name used in events and RPC
// responses.
func (s ListingStatus) String() string {
	switch s {
	case ListingStatusInactive:
		return "inactive"
	case ListingStatusActive:
		return "active"
	case ListingStatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s ListingStatus) Valid() bool {
	switch s {
	case ListingStatusInactive, ListingStatusActive, ListingStatusCompleted:
		return true
	default:
		return false
	}
}

// RatingRole names which side of a purchase a rating scores.
type RatingRole uint8

const (
	// RatingRoleSeller marks a rating of the selling party, submitted by the
	// buyer.
	RatingRoleSeller RatingRole = iota
	// RatingRoleBuyer marks a rating of the buying party, submitted by the
	// seller.
	RatingRoleBuyer
)

// String returns the canonical lowercase role name.
func (r RatingRole) String() string {
	switch r {
	case RatingRoleSeller:
		return "seller"
	case RatingRoleBuyer:
		return "buyer"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Valid reports whether the role value is within the supported range.
func (r RatingRole) Valid() bool {
	return r == RatingRoleSeller || r == RatingRoleBuyer
}

// Listing is a seller-owned inventory record. One listing may back any number
// of purchase entries; each purchase decrements Quantity and the listing goes
// Inactive when stock reaches zero.
type Listing struct {
	ID        uint64
	Seller    [20]byte
	Price     *big.Int
	Quantity  uint64
	Memo      string
	CreatedAt int64
	Status    ListingStatus
}

// Clone returns a deep copy of the listing.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Price != nil {
		clone.Price = new(big.Int).Set(l.Price)
	}
	return &clone
}

// SanitizeListing validates the listing and returns a defensive copy safe to
// persist.
func SanitizeListing(l *Listing) (*Listing, error) {
	if l == nil {
		return nil, fmt.Errorf("market: nil listing")
	}
	sanitized := l.Clone()
	if sanitized.Price == nil || sanitized.Price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	if len(sanitized.Memo) > MemoMaxLength {
		return nil, ErrMemoTooLong
	}
	if !sanitized.Status.Valid() {
		return nil, fmt.Errorf("market: invalid listing status %d", sanitized.Status)
	}
	if sanitized.Status == ListingStatusActive && sanitized.Quantity == 0 {
		return nil, fmt.Errorf("%w: active listing requires stock", ErrInvalidQuantity)
	}
	return sanitized, nil
}

// Rating is a single score left by one party of a completed purchase about
// the other. At most one rating exists per (entry, rater) pair.
type Rating struct {
	EntryID   uint64
	Rater     [20]byte
	Subject   [20]byte
	Role      RatingRole
	Score     uint8
	Comment   string
	CreatedAt int64
}

// Clone returns a copy of the rating.
func (r *Rating) Clone() *Rating {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// SanitizeRating validates the rating and returns a defensive copy safe to
// persist.
func SanitizeRating(r *Rating) (*Rating, error) {
	if r == nil {
		return nil, fmt.Errorf("market: nil rating")
	}
	sanitized := r.Clone()
	if sanitized.EntryID == 0 {
		return nil, fmt.Errorf("market: rating requires an entry id")
	}
	if !sanitized.Role.Valid() {
		return nil, fmt.Errorf("market: invalid rating role %d", sanitized.Role)
	}
	if sanitized.Score < RatingMin || sanitized.Score > RatingMax {
		return nil, ErrInvalidRating
	}
	if len(sanitized.Comment) > MemoMaxLength {
		return nil, ErrMemoTooLong
	}
	if sanitized.Rater == sanitized.Subject {
		return nil, fmt.Errorf("market: rater and subject must differ")
	}
	return sanitized, nil
}

// ReputationRecord aggregates a principal's marketplace activity. Records are
// created lazily on first interaction and never deleted; sums and counts only
// grow.
type ReputationRecord struct {
	TotalSales        uint64
	TotalPurchases    uint64
	SellerRatingSum   uint64
	SellerRatingCount uint64
	BuyerRatingSum    uint64
	BuyerRatingCount  uint64
}

// Clone returns a copy of the record.
func (r *ReputationRecord) Clone() *ReputationRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// SellerAverage returns the floor of the mean seller rating, or 0 when the
// principal has not been rated as a seller.
func (r *ReputationRecord) SellerAverage() uint64 {
	if r == nil || r.SellerRatingCount == 0 {
		return 0
	}
	return r.SellerRatingSum / r.SellerRatingCount
}

// BuyerAverage returns the floor of the mean buyer rating, or 0 when the
// principal has not been rated as a buyer.
func (r *ReputationRecord) BuyerAverage() uint64 {
	if r == nil || r.BuyerRatingCount == 0 {
		return 0
	}
	return r.BuyerRatingSum / r.BuyerRatingCount
}
