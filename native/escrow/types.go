package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of an escrow entry. Completed and
// Refunded are terminal; Disputed must resolve to one of them before the
// resolution window closes.
type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusDisputed
	StatusCompleted
	StatusRefunded
)

// ResolutionWindow is the number of ledger heights after a dispute opens
// during which it can still be resolved. Once the window closes the entry
// stays Disputed and its funds remain in custody.
const ResolutionWindow uint64 = 144

// MemoMaxLength bounds the free-text memo attached to entries and listings.
const MemoMaxLength = 256

// String returns the canonical lowercase name used in events and RPC
// responses.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusActive:
		return "active"
	case StatusDisputed:
		return "disputed"
	case StatusCompleted:
		return "completed"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusDisputed, StatusCompleted, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// ResolutionPolicy selects which principal may settle a disputed entry.
type ResolutionPolicy uint8

const (
	// ResolutionPolicyArbiter grants resolution to addresses holding the
	// arbiter role. This is the default.
	ResolutionPolicyArbiter ResolutionPolicy = iota
	// ResolutionPolicyPayee grants resolution to the entry's payee.
	ResolutionPolicyPayee
	// ResolutionPolicyPayer grants resolution to the entry's payer.
	ResolutionPolicyPayer
)

// String returns the configuration name of the policy.
func (p ResolutionPolicy) String() string {
	switch p {
	case ResolutionPolicyArbiter:
		return "arbiter"
	case ResolutionPolicyPayee:
		return "payee"
	case ResolutionPolicyPayer:
		return "payer"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ParseResolutionPolicy maps a configuration string onto a policy value.
func ParseResolutionPolicy(value string) (ResolutionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "arbiter":
		return ResolutionPolicyArbiter, nil
	case "payee":
		return ResolutionPolicyPayee, nil
	case "payer":
		return ResolutionPolicyPayer, nil
	default:
		return ResolutionPolicyArbiter, fmt.Errorf("unknown resolution policy: %s", value)
	}
}

// DisputeDetails records why and when an entry entered arbitration. OpenedAt
// is the ledger height the dispute was raised at; the resolution window is
// measured from it.
type DisputeDetails struct {
	Reason       string
	EvidenceHash [32]byte
	OpenedAt     uint64
}

// Clone returns a copy of the dispute details.
func (d *DisputeDetails) Clone() *DisputeDetails {
	if d == nil {
		return nil
	}
	clone := *d
	return &clone
}

// Entry captures one escrow-backed transaction between a payer and a payee.
// ListingID and Quantity are zero for direct escrows and populated when the
// entry was created through a marketplace purchase.
type Entry struct {
	ID          uint64
	Payer       [20]byte
	Payee       [20]byte
	Amount      *big.Int
	Memo        string
	ListingID   uint64
	Quantity    uint64
	CreatedAt   int64
	ConfirmedAt int64
	Status      Status
	Dispute     *DisputeDetails
}

// Clone returns a deep copy of the entry so callers can safely mutate the
// copy without affecting the stored instance.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Amount != nil {
		clone.Amount = new(big.Int).Set(e.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.Dispute = e.Dispute.Clone()
	return &clone
}

// SanitizeEntry validates the supplied entry and returns a cloned instance
// with a non-nil amount. The original value is not mutated.
func SanitizeEntry(e *Entry) (*Entry, error) {
	if e == nil {
		return nil, fmt.Errorf("nil entry")
	}
	clone := e.Clone()
	if clone.Amount == nil {
		clone.Amount = big.NewInt(0)
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("entry amount must be non-negative")
	}
	if len(clone.Memo) > MemoMaxLength {
		return nil, ErrMemoTooLong
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid entry status: %d", clone.Status)
	}
	if clone.Payer == clone.Payee {
		return nil, ErrSelfDeal
	}
	if clone.Status == StatusDisputed && clone.Dispute == nil {
		return nil, fmt.Errorf("disputed entry missing dispute details")
	}
	return clone, nil
}
