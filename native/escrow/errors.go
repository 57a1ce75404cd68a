package escrow

import "errors"

var (
	ErrNotFound             = errors.New("escrow: entry not found")
	ErrUnauthorized         = errors.New("escrow: unauthorized caller")
	ErrInvalidState         = errors.New("escrow: invalid status for operation")
	ErrInsufficientFunds    = errors.New("escrow: insufficient balance")
	ErrInvalidAmount        = errors.New("escrow: amount must be positive")
	ErrSelfDeal             = errors.New("escrow: payer and payee must differ")
	ErrMemoTooLong          = errors.New("escrow: memo exceeds maximum length")
	ErrDisputeWindowExpired = errors.New("escrow: dispute resolution window expired")
)
