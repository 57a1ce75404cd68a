package rpc

import (
	"errors"
	"net/http"
	"strings"

	"agora/native/escrow"
	"agora/native/market"
)

const (
	codeMarketInvalidParams = -32031
	codeMarketNotFound      = -32032
	codeMarketForbidden     = -32033
	codeMarketConflict      = -32034
	codeMarketInternal      = -32035
)

type listingCreateParams struct {
	Seller   string `json:"seller"`
	Price    string `json:"price"`
	Quantity uint64 `json:"quantity"`
	Memo     string `json:"memo,omitempty"`
}

type listingUpdateParams struct {
	Seller   string `json:"seller"`
	ID       uint64 `json:"id"`
	Price    string `json:"price"`
	Quantity uint64 `json:"quantity"`
	Status   string `json:"status"`
}

type purchaseParams struct {
	Buyer     string `json:"buyer"`
	ListingID uint64 `json:"listingId"`
	Quantity  uint64 `json:"quantity"`
	Memo      string `json:"memo,omitempty"`
}

type rateParams struct {
	EntryID uint64 `json:"entryId"`
	Rater   string `json:"rater"`
	Score   uint8  `json:"score"`
	Comment string `json:"comment,omitempty"`
}

type listingIDParams struct {
	ID uint64 `json:"id"`
}

type marketAddressParams struct {
	Address string `json:"address"`
}

type entryIDParams struct {
	EntryID uint64 `json:"entryId"`
}

type listingJSON struct {
	ID        uint64 `json:"id"`
	Seller    string `json:"seller"`
	Price     string `json:"price"`
	Quantity  uint64 `json:"quantity"`
	Memo      string `json:"memo,omitempty"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

type ratingJSON struct {
	EntryID   uint64 `json:"entryId"`
	Rater     string `json:"rater"`
	Subject   string `json:"subject"`
	Role      string `json:"role"`
	Score     uint8  `json:"score"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

type reputationJSON struct {
	Address           string `json:"address"`
	TotalSales        uint64 `json:"totalSales"`
	TotalPurchases    uint64 `json:"totalPurchases"`
	SellerRatingCount uint64 `json:"sellerRatingCount"`
	SellerAverage     uint64 `json:"sellerAverage"`
	BuyerRatingCount  uint64 `json:"buyerRatingCount"`
	BuyerAverage      uint64 `json:"buyerAverage"`
}

func (s *Server) handleMarketCreateListing(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listingCreateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.node.MarketCreateListing(seller, price, params.Quantity, params.Memo)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingJSON(listing))
}

func (s *Server) handleMarketUpdateListing(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listingUpdateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseBech32Address(params.Seller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "id required")
		return
	}
	price, err := parsePositiveBigInt(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	status, err := parseListingStatus(params.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	listing, err := s.node.MarketUpdateListing(seller, params.ID, price, params.Quantity, status)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingJSON(listing))
}

func (s *Server) handleMarketPurchase(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params purchaseParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	buyer, err := parseBech32Address(params.Buyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	if params.ListingID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "listingId required")
		return
	}
	entry, err := s.node.MarketPurchase(buyer, params.ListingID, params.Quantity, params.Memo)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatEntryJSON(entry))
}

func (s *Server) handleMarketRateSeller(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMarketRate(w, req, s.node.MarketRateSeller)
}

func (s *Server) handleMarketRateBuyer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMarketRate(w, req, s.node.MarketRateBuyer)
}

func (s *Server) handleMarketRate(w http.ResponseWriter, req *RPCRequest, fn func(uint64, [20]byte, uint8, string) (*market.Rating, error)) {
	var params rateParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	if params.EntryID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "entryId required")
		return
	}
	rater, err := parseBech32Address(params.Rater)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	rating, err := fn(params.EntryID, rater, params.Score, params.Comment)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatRatingJSON(rating))
}

func (s *Server) handleMarketGetListing(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params listingIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	listing, err := s.node.MarketGetListing(params.ID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatListingJSON(listing))
}

func (s *Server) handleMarketListingsBySeller(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params marketAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	seller, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	listings, err := s.node.MarketListingsBySeller(seller)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	out := make([]listingJSON, len(listings))
	for i, listing := range listings {
		out[i] = formatListingJSON(listing)
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleMarketReputation(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params marketAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.MarketReputation(addr)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, reputationJSON{
		Address:           formatAddress(addr),
		TotalSales:        record.TotalSales,
		TotalPurchases:    record.TotalPurchases,
		SellerRatingCount: record.SellerRatingCount,
		SellerAverage:     record.SellerAverage(),
		BuyerRatingCount:  record.BuyerRatingCount,
		BuyerAverage:      record.BuyerAverage(),
	})
}

func (s *Server) handleMarketSellerRating(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMarketScore(w, req, s.node.MarketSellerRating)
}

func (s *Server) handleMarketBuyerRating(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleMarketScore(w, req, s.node.MarketBuyerRating)
}

func (s *Server) handleMarketScore(w http.ResponseWriter, req *RPCRequest, fn func([20]byte) (uint64, error)) {
	var params marketAddressParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", err.Error())
		return
	}
	score, err := fn(addr)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, score)
}

func (s *Server) handleMarketEntryRatings(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params entryIDParams
	if !decodeSingleParam(w, req, &params) {
		return
	}
	if params.EntryID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeMarketInvalidParams, "invalid_params", "entryId required")
		return
	}
	ratings, err := s.node.MarketEntryRatings(params.EntryID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	out := make([]ratingJSON, len(ratings))
	for i, rating := range ratings {
		out[i] = formatRatingJSON(rating)
	}
	writeResult(w, req.ID, out)
}

func parseListingStatus(value string) (market.ListingStatus, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "inactive":
		return market.ListingStatusInactive, nil
	case "active":
		return market.ListingStatusActive, nil
	case "completed":
		return market.ListingStatusCompleted, nil
	default:
		return 0, errors.New("status must be inactive, active or completed")
	}
}

func formatListingJSON(listing *market.Listing) listingJSON {
	price := "0"
	if listing.Price != nil {
		price = listing.Price.String()
	}
	return listingJSON{
		ID:        listing.ID,
		Seller:    formatAddress(listing.Seller),
		Price:     price,
		Quantity:  listing.Quantity,
		Memo:      listing.Memo,
		Status:    listing.Status.String(),
		CreatedAt: listing.CreatedAt,
	}
}

func formatRatingJSON(rating *market.Rating) ratingJSON {
	return ratingJSON{
		EntryID:   rating.EntryID,
		Rater:     formatAddress(rating.Rater),
		Subject:   formatAddress(rating.Subject),
		Role:      rating.Role.String(),
		Score:     rating.Score,
		Comment:   rating.Comment,
		CreatedAt: rating.CreatedAt,
	}
}

func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeMarketInternal
	message := "internal_error"
	switch {
	case errors.Is(err, market.ErrListingNotFound), errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
		code = codeMarketNotFound
		message = "not_found"
	case errors.Is(err, market.ErrUnauthorized), errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = codeMarketForbidden
		message = "forbidden"
	case errors.Is(err, market.ErrListingInactive),
		errors.Is(err, market.ErrInsufficientQuantity),
		errors.Is(err, market.ErrAlreadyRated),
		errors.Is(err, market.ErrInvalidState),
		errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrInsufficientFunds):
		status = http.StatusConflict
		code = codeMarketConflict
		message = "conflict"
	case errors.Is(err, market.ErrInvalidPrice),
		errors.Is(err, market.ErrInvalidQuantity),
		errors.Is(err, market.ErrInvalidRating),
		errors.Is(err, market.ErrMemoTooLong),
		errors.Is(err, escrow.ErrInvalidAmount),
		errors.Is(err, escrow.ErrSelfDeal),
		errors.Is(err, escrow.ErrMemoTooLong):
		status = http.StatusBadRequest
		code = codeMarketInvalidParams
		message = "invalid_params"
	}
	writeError(w, status, id, code, message, err.Error())
}
