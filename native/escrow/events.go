package escrow

import (
	"encoding/hex"
	"strconv"
	"strings"

	"agora/core/types"
)

const (
	EventTypeEntryCreated   = "escrow.created"
	EventTypeEntryOpened    = "escrow.opened"
	EventTypeEntryFunded    = "escrow.funded"
	EventTypeEntryConfirmed = "escrow.confirmed"
	EventTypeEntryDisputed  = "escrow.disputed"
	EventTypeEntryResolved  = "escrow.resolved"
)

// NewCreatedEvent returns the canonical payload for an entry created and
// funded in a single step.
func NewCreatedEvent(e *Entry) *types.Event { return newEntryEvent(EventTypeEntryCreated, e, "") }

// NewOpenedEvent returns the canonical payload for a Pending entry awaiting
// funding.
func NewOpenedEvent(e *Entry) *types.Event { return newEntryEvent(EventTypeEntryOpened, e, "") }

// NewFundedEvent returns the canonical payload emitted when a Pending entry
// takes custody of its amount.
func NewFundedEvent(e *Entry) *types.Event { return newEntryEvent(EventTypeEntryFunded, e, "") }

// NewConfirmedEvent returns the canonical payload emitted when the payee
// confirms and custody is released to them.
func NewConfirmedEvent(e *Entry) *types.Event { return newEntryEvent(EventTypeEntryConfirmed, e, "") }

// NewDisputedEvent returns the canonical payload emitted when an entry moves
// into arbitration.
func NewDisputedEvent(e *Entry) *types.Event { return newEntryEvent(EventTypeEntryDisputed, e, "") }

// NewResolvedEvent returns the canonical payload emitted when a dispute is
// settled, carrying the resolution outcome.
func NewResolvedEvent(e *Entry, outcome string) *types.Event {
	return newEntryEvent(EventTypeEntryResolved, e, outcome)
}

func newEntryEvent(eventType string, e *Entry, outcome string) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	sanitized, err := SanitizeEntry(e)
	if err != nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(sanitized.ID, 10)
	attrs["payer"] = hex.EncodeToString(sanitized.Payer[:])
	attrs["payee"] = hex.EncodeToString(sanitized.Payee[:])
	attrs["amount"] = sanitized.Amount.String()
	attrs["status"] = sanitized.Status.String()
	attrs["createdAt"] = strconv.FormatInt(sanitized.CreatedAt, 10)
	if sanitized.ListingID != 0 {
		attrs["listingId"] = strconv.FormatUint(sanitized.ListingID, 10)
		attrs["quantity"] = strconv.FormatUint(sanitized.Quantity, 10)
	}
	if sanitized.ConfirmedAt != 0 {
		attrs["confirmedAt"] = strconv.FormatInt(sanitized.ConfirmedAt, 10)
	}
	if sanitized.Dispute != nil {
		attrs["disputeReason"] = sanitized.Dispute.Reason
		attrs["disputeOpenedAt"] = strconv.FormatUint(sanitized.Dispute.OpenedAt, 10)
		if sanitized.Dispute.EvidenceHash != ([32]byte{}) {
			attrs["disputeEvidence"] = hex.EncodeToString(sanitized.Dispute.EvidenceHash[:])
		}
	}
	if strings.TrimSpace(outcome) != "" {
		attrs["outcome"] = outcome
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
