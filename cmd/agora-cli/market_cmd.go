package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

func runMarketCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, marketUsage())
		return 1
	}

	switch args[0] {
	case "create-listing":
		return runMarketCreateListing(args[1:], stdout, stderr)
	case "update-listing":
		return runMarketUpdateListing(args[1:], stdout, stderr)
	case "purchase":
		return runMarketPurchase(args[1:], stdout, stderr)
	case "rate-seller":
		return runMarketRate(args[1:], "market rate-seller", "market_rateSeller", stdout, stderr)
	case "rate-buyer":
		return runMarketRate(args[1:], "market rate-buyer", "market_rateBuyer", stdout, stderr)
	case "get-listing":
		return runMarketGetListing(args[1:], stdout, stderr)
	case "listings":
		return runMarketAddressQuery(args[1:], "market listings", "market_listingsBySeller", stdout, stderr)
	case "reputation":
		return runMarketAddressQuery(args[1:], "market reputation", "market_reputation", stdout, stderr)
	case "seller-rating":
		return runMarketAddressQuery(args[1:], "market seller-rating", "market_sellerRating", stdout, stderr)
	case "buyer-rating":
		return runMarketAddressQuery(args[1:], "market buyer-rating", "market_buyerRating", stdout, stderr)
	case "ratings":
		return runMarketEntryRatings(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown market subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, marketUsage())
		return 1
	}
}

func runMarketCreateListing(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("market create-listing", stderr, marketUsage)
	var (
		seller      string
		priceStr    string
		quantityStr string
		memo        string
	)
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&priceStr, "price", "", "unit price (supports 100e18 shorthand)")
	fs.StringVar(&quantityStr, "quantity", "", "units offered")
	fs.StringVar(&memo, "memo", "", "optional memo")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if seller == "" {
		return printCommandError(stderr, "--seller is required")
	}
	if priceStr == "" {
		return printCommandError(stderr, "--price is required")
	}
	price, err := normalizeAmount(priceStr)
	if err != nil {
		return printCommandError(stderr, strings.ReplaceAll(err.Error(), "--amount", "--price"))
	}
	quantity, err := parseQuantity(quantityStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"seller":   seller,
		"price":    price,
		"quantity": quantity,
	}
	if strings.TrimSpace(memo) != "" {
		params["memo"] = memo
	}

	result, rpcErr, err := rpcCall("market_createListing", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	recordReceipt("market_createListing", result, stderr)
	writeRPCResult(stdout, result)
	return 0
}

func runMarketUpdateListing(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("market update-listing", stderr, marketUsage)
	var (
		idStr       string
		seller      string
		priceStr    string
		quantityStr string
		status      string
	)
	fs.StringVar(&idStr, "id", "", "listing identifier")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&priceStr, "price", "", "unit price (supports 100e18 shorthand)")
	fs.StringVar(&quantityStr, "quantity", "", "units offered")
	fs.StringVar(&status, "status", "", "listing status (active or inactive)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseListingID(idStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if seller == "" {
		return printCommandError(stderr, "--seller is required")
	}
	if priceStr == "" {
		return printCommandError(stderr, "--price is required")
	}
	price, err := normalizeAmount(priceStr)
	if err != nil {
		return printCommandError(stderr, strings.ReplaceAll(err.Error(), "--amount", "--price"))
	}
	quantity, err := parseQuantity(quantityStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	if normalizedStatus != "active" && normalizedStatus != "inactive" {
		return printCommandError(stderr, "--status must be active or inactive")
	}

	params := map[string]interface{}{
		"id":       id,
		"seller":   seller,
		"price":    price,
		"quantity": quantity,
		"status":   normalizedStatus,
	}
	result, rpcErr, err := rpcCall("market_updateListing", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	recordReceipt("market_updateListing", result, stderr)
	writeRPCResult(stdout, result)
	return 0
}

func runMarketPurchase(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("market purchase", stderr, marketUsage)
	var (
		listingStr  string
		buyer       string
		quantityStr string
		memo        string
	)
	fs.StringVar(&listingStr, "listing", "", "listing identifier")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address")
	fs.StringVar(&quantityStr, "quantity", "", "units to buy")
	fs.StringVar(&memo, "memo", "", "optional memo")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	listingID, err := parseListingID(listingStr)
	if err != nil {
		return printCommandError(stderr, strings.ReplaceAll(err.Error(), "--id", "--listing"))
	}
	if buyer == "" {
		return printCommandError(stderr, "--buyer is required")
	}
	quantity, err := parseQuantity(quantityStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"listingId": listingID,
		"buyer":     buyer,
		"quantity":  quantity,
	}
	if strings.TrimSpace(memo) != "" {
		params["memo"] = memo
	}

	result, rpcErr, err := rpcCall("market_purchase", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	recordReceipt("market_purchase", result, stderr)
	writeRPCResult(stdout, result)
	return 0
}

func runMarketRate(args []string, name, method string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet(name, stderr, marketUsage)
	var (
		entryStr string
		rater    string
		scoreStr string
		comment  string
	)
	fs.StringVar(&entryStr, "entry", "", "completed entry identifier")
	fs.StringVar(&rater, "rater", "", "rater bech32 address")
	fs.StringVar(&scoreStr, "score", "", "score from 1 to 5")
	fs.StringVar(&comment, "comment", "", "optional comment")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	entryID, err := parseEntryID(entryStr)
	if err != nil {
		return printCommandError(stderr, strings.ReplaceAll(err.Error(), "--id", "--entry"))
	}
	if rater == "" {
		return printCommandError(stderr, "--rater is required")
	}
	score, err := strconv.ParseUint(strings.TrimSpace(scoreStr), 10, 8)
	if err != nil || score < 1 || score > 5 {
		return printCommandError(stderr, "--score must be between 1 and 5")
	}

	params := map[string]interface{}{
		"entryId": entryID,
		"rater":   rater,
		"score":   score,
	}
	if strings.TrimSpace(comment) != "" {
		params["comment"] = comment
	}

	result, rpcErr, err := rpcCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	recordReceipt(method, result, stderr)
	writeRPCResult(stdout, result)
	return 0
}

func runMarketGetListing(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("market get-listing", stderr, marketUsage)
	var idStr string
	fs.StringVar(&idStr, "id", "", "listing identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseListingID(idStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("market_getListing", map[string]interface{}{"id": id}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMarketAddressQuery(args []string, name, method string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet(name, stderr, marketUsage)
	var address string
	fs.StringVar(&address, "address", "", "bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if address == "" {
		return printCommandError(stderr, "--address is required")
	}
	result, rpcErr, err := rpcCall(method, map[string]interface{}{"address": address}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMarketEntryRatings(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("market ratings", stderr, marketUsage)
	var entryStr string
	fs.StringVar(&entryStr, "entry", "", "entry identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	entryID, err := parseEntryID(entryStr)
	if err != nil {
		return printCommandError(stderr, strings.ReplaceAll(err.Error(), "--id", "--entry"))
	}
	result, rpcErr, err := rpcCall("market_entryRatings", map[string]interface{}{"entryId": entryID}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func marketUsage() string {
	return strings.TrimSpace(`Usage:
  agora-cli market <command> [flags]

Commands:
  create-listing  Publish a listing
  update-listing  Reprice, restock, or deactivate a listing
  purchase        Buy from a listing (funds go into escrow)
  rate-seller     Rate the seller of a completed purchase
  rate-buyer      Rate the buyer of a completed purchase
  get-listing     Fetch listing details by id
  listings        List listing ids for a seller
  reputation      Fetch the full reputation record for an address
  seller-rating   Fetch the seller-side average rating
  buyer-rating    Fetch the buyer-side average rating
  ratings         Fetch both ratings recorded for an entry
`)
}

func parseListingID(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--id is required")
	}
	id, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("--id must be a positive integer")
	}
	return id, nil
}

func parseQuantity(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("--quantity is required")
	}
	quantity, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || quantity == 0 {
		return 0, fmt.Errorf("--quantity must be a positive integer")
	}
	return quantity, nil
}
