package market

import "errors"

var (
	// ErrListingNotFound indicates the referenced listing identifier is not
	// present in state.
	ErrListingNotFound = errors.New("market: listing not found")
	// ErrListingInactive indicates the listing is not accepting purchases.
	ErrListingInactive = errors.New("market: listing not active")
	// ErrInsufficientQuantity indicates the listing holds less stock than the
	// purchase requested.
	ErrInsufficientQuantity = errors.New("market: insufficient listing quantity")
	// ErrInvalidPrice indicates a listing price that is nil, zero or negative.
	ErrInvalidPrice = errors.New("market: price must be positive")
	// ErrInvalidQuantity indicates a zero quantity where at least one unit is
	// required.
	ErrInvalidQuantity = errors.New("market: quantity must be positive")
	// ErrInvalidRating indicates a rating score outside the 1..5 range.
	ErrInvalidRating = errors.New("market: rating outside allowed range")
	// ErrAlreadyRated indicates the caller already rated the entry.
	ErrAlreadyRated = errors.New("market: entry already rated by caller")
	// ErrUnauthorized indicates the caller does not hold the role the
	// operation requires.
	ErrUnauthorized = errors.New("market: unauthorized caller")
	// ErrInvalidState indicates the listing or entry status does not permit
	// the operation.
	ErrInvalidState = errors.New("market: invalid status for operation")
	// ErrMemoTooLong indicates listing memo or rating comment text exceeding
	// the configured bound.
	ErrMemoTooLong = errors.New("market: memo exceeds maximum length")
)
