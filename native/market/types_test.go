package market

import (
	"errors"
	"math/big"
	"strings"
	"testing"
)

func stubListing() *Listing {
	return &Listing{
		ID:        1,
		Seller:    newTestAddress(0x01),
		Price:     big.NewInt(100),
		Quantity:  5,
		Memo:      "widgets",
		CreatedAt: 1_700_000_000,
		Status:    ListingStatusActive,
	}
}

func stubRating() *Rating {
	return &Rating{
		EntryID:   1,
		Rater:     newTestAddress(0x02),
		Subject:   newTestAddress(0x01),
		Role:      RatingRoleSeller,
		Score:     5,
		Comment:   "prompt shipping",
		CreatedAt: 1_700_000_000,
	}
}

func TestSanitizeListingValidation(t *testing.T) {
	valid := stubListing()
	if _, err := SanitizeListing(valid); err != nil {
		t.Fatalf("unexpected error for valid listing: %v", err)
	}
	nilPrice := valid.Clone()
	nilPrice.Price = nil
	if _, err := SanitizeListing(nilPrice); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price for nil, got %v", err)
	}
	zeroPrice := valid.Clone()
	zeroPrice.Price = big.NewInt(0)
	if _, err := SanitizeListing(zeroPrice); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected invalid price for zero, got %v", err)
	}
	longMemo := valid.Clone()
	longMemo.Memo = strings.Repeat("a", MemoMaxLength+1)
	if _, err := SanitizeListing(longMemo); !errors.Is(err, ErrMemoTooLong) {
		t.Fatalf("expected memo length error, got %v", err)
	}
	badStatus := valid.Clone()
	badStatus.Status = ListingStatus(9)
	if _, err := SanitizeListing(badStatus); err == nil {
		t.Fatalf("expected invalid status error")
	}
	activeNoStock := valid.Clone()
	activeNoStock.Quantity = 0
	if _, err := SanitizeListing(activeNoStock); !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("expected stock requirement for active listing, got %v", err)
	}
	drained := valid.Clone()
	drained.Quantity = 0
	drained.Status = ListingStatusInactive
	if _, err := SanitizeListing(drained); err != nil {
		t.Fatalf("inactive listing may hold zero stock: %v", err)
	}
}

func TestSanitizeListingReturnsClone(t *testing.T) {
	original := stubListing()
	sanitized, err := SanitizeListing(original)
	if err != nil {
		t.Fatalf("sanitize: %v", err)
	}
	sanitized.Price.SetInt64(1)
	if original.Price.String() != "100" {
		t.Fatalf("sanitize must not share price with caller")
	}
}

func TestSanitizeRatingValidation(t *testing.T) {
	valid := stubRating()
	if _, err := SanitizeRating(valid); err != nil {
		t.Fatalf("unexpected error for valid rating: %v", err)
	}
	noEntry := valid.Clone()
	noEntry.EntryID = 0
	if _, err := SanitizeRating(noEntry); err == nil {
		t.Fatalf("expected entry id requirement")
	}
	lowScore := valid.Clone()
	lowScore.Score = 0
	if _, err := SanitizeRating(lowScore); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected score 0 rejected, got %v", err)
	}
	highScore := valid.Clone()
	highScore.Score = 6
	if _, err := SanitizeRating(highScore); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected score 6 rejected, got %v", err)
	}
	longComment := valid.Clone()
	longComment.Comment = strings.Repeat("a", MemoMaxLength+1)
	if _, err := SanitizeRating(longComment); !errors.Is(err, ErrMemoTooLong) {
		t.Fatalf("expected comment length error, got %v", err)
	}
	selfRating := valid.Clone()
	selfRating.Subject = selfRating.Rater
	if _, err := SanitizeRating(selfRating); err == nil {
		t.Fatalf("expected self rating rejected")
	}
	badRole := valid.Clone()
	badRole.Role = RatingRole(9)
	if _, err := SanitizeRating(badRole); err == nil {
		t.Fatalf("expected invalid role rejected")
	}
}

func TestReputationAverages(t *testing.T) {
	var nilRecord *ReputationRecord
	if nilRecord.SellerAverage() != 0 || nilRecord.BuyerAverage() != 0 {
		t.Fatalf("nil record must average zero")
	}
	record := &ReputationRecord{}
	if record.SellerAverage() != 0 {
		t.Fatalf("empty record must average zero")
	}
	record.SellerRatingSum = 8
	record.SellerRatingCount = 2
	if got := record.SellerAverage(); got != 4 {
		t.Fatalf("expected floor average 4, got %d", got)
	}
	record.BuyerRatingSum = 7
	record.BuyerRatingCount = 2
	if got := record.BuyerAverage(); got != 3 {
		t.Fatalf("expected floor average 3, got %d", got)
	}
}

func TestListingStatusStrings(t *testing.T) {
	cases := []struct {
		status ListingStatus
		name   string
		valid  bool
	}{
		{ListingStatusInactive, "inactive", true},
		{ListingStatusActive, "active", true},
		{ListingStatusCompleted, "completed", true},
		{ListingStatus(7), "unknown(7)", false},
	}
	for _, tc := range cases {
		if got := tc.status.String(); got != tc.name {
			t.Fatalf("status %d: expected %q, got %q", tc.status, tc.name, got)
		}
		if got := tc.status.Valid(); got != tc.valid {
			t.Fatalf("status %s: expected valid=%v", tc.name, tc.valid)
		}
	}
	if RatingRoleSeller.String() != "seller" || RatingRoleBuyer.String() != "buyer" {
		t.Fatalf("unexpected role names")
	}
	if RatingRole(9).Valid() {
		t.Fatalf("expected role 9 invalid")
	}
}
