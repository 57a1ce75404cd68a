package rpc

import (
	"net/http/httptest"
	"testing"
)

// The market fixtures reuse the escrow parties: the funded payer buys, the
// payee sells.
func (env *testEnv) createListing(t testing.TB, price string, quantity uint64) listingJSON {
	t.Helper()
	recorder := httptest.NewRecorder()
	env.server.handleMarketCreateListing(recorder, env.newRequest(), escrowRequest(t, listingCreateParams{
		Seller:   bech(env.payee),
		Price:    price,
		Quantity: quantity,
	}))
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("create listing: %+v", rpcErr)
	}
	var listing listingJSON
	decodeResultInto(t, result, &listing)
	return listing
}

func (env *testEnv) purchase(t testing.TB, listingID, quantity uint64) entryJSON {
	t.Helper()
	recorder := httptest.NewRecorder()
	env.server.handleMarketPurchase(recorder, env.newRequest(), escrowRequest(t, purchaseParams{
		Buyer:     bech(env.payer),
		ListingID: listingID,
		Quantity:  quantity,
	}))
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("purchase: %+v", rpcErr)
	}
	var entry entryJSON
	decodeResultInto(t, result, &entry)
	return entry
}

func (env *testEnv) confirmEntry(t testing.TB, entryID uint64) {
	t.Helper()
	recorder := httptest.NewRecorder()
	env.server.handleEscrowConfirm(recorder, env.newRequest(), escrowRequest(t, escrowActorParams{
		ID:     entryID,
		Caller: bech(env.payee),
	}))
	if _, rpcErr := decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("confirm entry %d: %+v", entryID, rpcErr)
	}
}

func TestMarketCreateListingValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name   string
		params listingCreateParams
	}{
		{"bad seller", listingCreateParams{Seller: "bogus", Price: "10", Quantity: 1}},
		{"bad price", listingCreateParams{Seller: bech(env.payee), Price: "cheap", Quantity: 1}},
		{"zero price", listingCreateParams{Seller: bech(env.payee), Price: "0", Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			recorder := httptest.NewRecorder()
			env.server.handleMarketCreateListing(recorder, env.newRequest(), escrowRequest(t, tc.params))
			_, rpcErr := decodeRPCResponse(t, recorder)
			if rpcErr == nil || rpcErr.Code != codeMarketInvalidParams {
				t.Fatalf("expected invalid params, got %+v", rpcErr)
			}
		})
	}
}

func TestMarketCreateListingStockDrivesStatus(t *testing.T) {
	env := newTestEnv(t)

	listing := env.createListing(t, "100", 5)
	if listing.ID != 1 {
		t.Fatalf("expected first listing id 1, got %d", listing.ID)
	}
	if listing.Status != "active" {
		t.Fatalf("expected active listing, got %s", listing.Status)
	}

	empty := env.createListing(t, "100", 0)
	if empty.Status != "inactive" {
		t.Fatalf("expected zero-stock listing to start inactive, got %s", empty.Status)
	}
}

func TestMarketUpdateListingStatus(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "100", 5)

	recorder := httptest.NewRecorder()
	env.server.handleMarketUpdateListing(recorder, env.newRequest(), escrowRequest(t, listingUpdateParams{
		Seller:   bech(env.payee),
		ID:       listing.ID,
		Price:    "120",
		Quantity: 5,
		Status:   "oracle",
	}))
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketInvalidParams {
		t.Fatalf("expected status parse rejection, got %+v", rpcErr)
	}

	recorder = httptest.NewRecorder()
	env.server.handleMarketUpdateListing(recorder, env.newRequest(), escrowRequest(t, listingUpdateParams{
		Seller:   bech(env.payee),
		ID:       listing.ID,
		Price:    "120",
		Quantity: 5,
		Status:   "completed",
	}))
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("retire listing: %+v", rpcErr)
	}
	decodeResultInto(t, result, &listing)
	if listing.Status != "completed" {
		t.Fatalf("expected completed listing, got %s", listing.Status)
	}

	// Retired listings no longer sell.
	recorder = httptest.NewRecorder()
	env.server.handleMarketPurchase(recorder, env.newRequest(), escrowRequest(t, purchaseParams{
		Buyer:     bech(env.payer),
		ListingID: listing.ID,
		Quantity:  1,
	}))
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketConflict {
		t.Fatalf("expected conflict buying a retired listing, got %+v", rpcErr)
	}
}

func TestMarketUpdateListingByStrangerForbidden(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "100", 5)

	recorder := httptest.NewRecorder()
	env.server.handleMarketUpdateListing(recorder, env.newRequest(), escrowRequest(t, listingUpdateParams{
		Seller:   bech(env.arbiter),
		ID:       listing.ID,
		Price:    "120",
		Quantity: 5,
		Status:   "active",
	}))
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketForbidden {
		t.Fatalf("expected forbidden, got %+v", rpcErr)
	}
}

func TestMarketPurchaseEscrowsTotalAndDecrementsStock(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "100", 5)

	entry := env.purchase(t, listing.ID, 2)
	if entry.Amount != "200" {
		t.Fatalf("expected escrowed total 200, got %s", entry.Amount)
	}
	if entry.ListingID != listing.ID || entry.Quantity != 2 {
		t.Fatalf("expected listing linkage on entry, got %+v", entry)
	}
	if entry.Status != "active" {
		t.Fatalf("expected active entry, got %s", entry.Status)
	}

	balance, err := env.node.Balance(env.payer)
	if err != nil {
		t.Fatalf("buyer balance: %v", err)
	}
	if balance.String() != "999800" {
		t.Fatalf("expected buyer debited to 999800, got %s", balance)
	}

	recorder := httptest.NewRecorder()
	env.server.handleMarketGetListing(recorder, env.newRequest(), escrowRequest(t, listingIDParams{ID: listing.ID}))
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("get listing: %+v", rpcErr)
	}
	decodeResultInto(t, result, &listing)
	if listing.Quantity != 3 {
		t.Fatalf("expected stock 3 after sale, got %d", listing.Quantity)
	}
}

func TestMarketPurchaseOverStockConflicts(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "100", 5)

	recorder := httptest.NewRecorder()
	env.server.handleMarketPurchase(recorder, env.newRequest(), escrowRequest(t, purchaseParams{
		Buyer:     bech(env.payer),
		ListingID: listing.ID,
		Quantity:  10,
	}))
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketConflict {
		t.Fatalf("expected conflict, got %+v", rpcErr)
	}
}

func TestMarketPurchaseUnknownListing(t *testing.T) {
	env := newTestEnv(t)

	recorder := httptest.NewRecorder()
	env.server.handleMarketPurchase(recorder, env.newRequest(), escrowRequest(t, purchaseParams{
		Buyer:     bech(env.payer),
		ListingID: 77,
		Quantity:  1,
	}))
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketNotFound {
		t.Fatalf("expected not found, got %+v", rpcErr)
	}
	if recorder.Code != 404 {
		t.Fatalf("expected HTTP 404, got %d", recorder.Code)
	}
}

func TestMarketRatingLifecycle(t *testing.T) {
	env := newTestEnv(t)
	listing := env.createListing(t, "50", 4)
	entry := env.purchase(t, listing.ID, 1)

	// Ratings wait for settlement.
	recorder := httptest.NewRecorder()
	env.server.handleMarketRateSeller(recorder, env.newRequest(), escrowRequest(t, rateParams{
		EntryID: entry.ID,
		Rater:   bech(env.payer),
		Score:   5,
	}))
	_, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketConflict {
		t.Fatalf("expected conflict rating an unsettled trade, got %+v", rpcErr)
	}

	env.confirmEntry(t, entry.ID)

	recorder = httptest.NewRecorder()
	env.server.handleMarketRateSeller(recorder, env.newRequest(), escrowRequest(t, rateParams{
		EntryID: entry.ID,
		Rater:   bech(env.payer),
		Score:   6,
	}))
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketInvalidParams {
		t.Fatalf("expected score range rejection, got %+v", rpcErr)
	}

	recorder = httptest.NewRecorder()
	env.server.handleMarketRateSeller(recorder, env.newRequest(), escrowRequest(t, rateParams{
		EntryID: entry.ID,
		Rater:   bech(env.payer),
		Score:   5,
		Comment: "fast shipping",
	}))
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("rate seller: %+v", rpcErr)
	}
	var rating ratingJSON
	decodeResultInto(t, result, &rating)
	if rating.Role != "seller" {
		t.Fatalf("expected seller role, got %s", rating.Role)
	}
	if rating.Subject != bech(env.payee) {
		t.Fatalf("expected the seller as subject, got %s", rating.Subject)
	}

	// One rating per side per trade.
	recorder = httptest.NewRecorder()
	env.server.handleMarketRateSeller(recorder, env.newRequest(), escrowRequest(t, rateParams{
		EntryID: entry.ID,
		Rater:   bech(env.payer),
		Score:   4,
	}))
	_, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr == nil || rpcErr.Code != codeMarketConflict {
		t.Fatalf("expected duplicate rating conflict, got %+v", rpcErr)
	}

	recorder = httptest.NewRecorder()
	env.server.handleMarketRateBuyer(recorder, env.newRequest(), escrowRequest(t, rateParams{
		EntryID: entry.ID,
		Rater:   bech(env.payee),
		Score:   4,
	}))
	if _, rpcErr = decodeRPCResponse(t, recorder); rpcErr != nil {
		t.Fatalf("rate buyer: %+v", rpcErr)
	}

	recorder = httptest.NewRecorder()
	env.server.handleMarketReputation(recorder, env.newRequest(), escrowRequest(t, marketAddressParams{
		Address: bech(env.payee),
	}))
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("reputation: %+v", rpcErr)
	}
	var rep reputationJSON
	decodeResultInto(t, result, &rep)
	if rep.TotalSales != 1 {
		t.Fatalf("expected one sale, got %d", rep.TotalSales)
	}
	if rep.SellerRatingCount != 1 || rep.SellerAverage != 5 {
		t.Fatalf("unexpected seller reputation %+v", rep)
	}
	if rep.BuyerRatingCount != 0 {
		t.Fatalf("seller record should not carry buyer ratings, got %+v", rep)
	}

	recorder = httptest.NewRecorder()
	env.server.handleMarketSellerRating(recorder, env.newRequest(), escrowRequest(t, marketAddressParams{
		Address: bech(env.payee),
	}))
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("seller rating: %+v", rpcErr)
	}
	var score uint64
	decodeResultInto(t, result, &score)
	if score != 5 {
		t.Fatalf("expected seller rating 5, got %d", score)
	}

	recorder = httptest.NewRecorder()
	env.server.handleMarketEntryRatings(recorder, env.newRequest(), escrowRequest(t, entryIDParams{EntryID: entry.ID}))
	result, rpcErr = decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("entry ratings: %+v", rpcErr)
	}
	var ratings []ratingJSON
	decodeResultInto(t, result, &ratings)
	if len(ratings) != 2 {
		t.Fatalf("expected both trade ratings, got %d", len(ratings))
	}
}

func TestMarketListingsBySeller(t *testing.T) {
	env := newTestEnv(t)
	env.createListing(t, "10", 1)
	env.createListing(t, "20", 2)

	recorder := httptest.NewRecorder()
	env.server.handleMarketListingsBySeller(recorder, env.newRequest(), escrowRequest(t, marketAddressParams{
		Address: bech(env.payee),
	}))
	result, rpcErr := decodeRPCResponse(t, recorder)
	if rpcErr != nil {
		t.Fatalf("listings by seller: %+v", rpcErr)
	}
	var listings []listingJSON
	decodeResultInto(t, result, &listings)
	if len(listings) != 2 {
		t.Fatalf("expected two listings, got %d", len(listings))
	}
}
