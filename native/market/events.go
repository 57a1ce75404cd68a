package market

import (
	"encoding/hex"
	"strconv"

	"agora/core/types"
	"agora/native/escrow"
)

const (
	EventTypeListingCreated = "market.listing.created"
	EventTypeListingUpdated = "market.listing.updated"
	EventTypePurchase       = "market.purchase"
	EventTypeRating         = "market.rating"
)

// NewListingCreatedEvent returns the canonical payload for a freshly stored
// listing.
func NewListingCreatedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingCreated, l)
}

// NewListingUpdatedEvent returns the canonical payload emitted after a seller
// changes a listing's terms or status.
func NewListingUpdatedEvent(l *Listing) *types.Event {
	return newListingEvent(EventTypeListingUpdated, l)
}

func newListingEvent(eventType string, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if l == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["listingId"] = strconv.FormatUint(l.ID, 10)
	attrs["seller"] = hex.EncodeToString(l.Seller[:])
	if l.Price != nil {
		attrs["price"] = l.Price.String()
	}
	attrs["quantity"] = strconv.FormatUint(l.Quantity, 10)
	attrs["status"] = l.Status.String()
	attrs["createdAt"] = strconv.FormatInt(l.CreatedAt, 10)
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewPurchaseEvent returns the canonical payload for a settled purchase. It
// links the escrow entry that holds custody with the listing it drew stock
// from.
func NewPurchaseEvent(entry *escrow.Entry, l *Listing) *types.Event {
	attrs := make(map[string]string)
	if entry != nil {
		attrs["entryId"] = strconv.FormatUint(entry.ID, 10)
		attrs["buyer"] = hex.EncodeToString(entry.Payer[:])
		attrs["seller"] = hex.EncodeToString(entry.Payee[:])
		if entry.Amount != nil {
			attrs["total"] = entry.Amount.String()
		}
		attrs["quantity"] = strconv.FormatUint(entry.Quantity, 10)
	}
	if l != nil {
		attrs["listingId"] = strconv.FormatUint(l.ID, 10)
		attrs["remaining"] = strconv.FormatUint(l.Quantity, 10)
		attrs["listingStatus"] = l.Status.String()
	}
	return &types.Event{Type: EventTypePurchase, Attributes: attrs}
}

// NewRatingEvent returns the canonical payload for a recorded rating.
func NewRatingEvent(r *Rating) *types.Event {
	attrs := make(map[string]string)
	if r == nil {
		return &types.Event{Type: EventTypeRating, Attributes: attrs}
	}
	attrs["entryId"] = strconv.FormatUint(r.EntryID, 10)
	attrs["rater"] = hex.EncodeToString(r.Rater[:])
	attrs["subject"] = hex.EncodeToString(r.Subject[:])
	attrs["role"] = r.Role.String()
	attrs["score"] = strconv.FormatUint(uint64(r.Score), 10)
	if r.Comment != "" {
		attrs["comment"] = r.Comment
	}
	return &types.Event{Type: EventTypeRating, Attributes: attrs}
}
