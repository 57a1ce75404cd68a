package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], "escrow_create", stdout, stderr)
	case "open":
		return runEscrowCreate(args[1:], "escrow_open", stdout, stderr)
	case "fund":
		return runEscrowAction(args[1:], "escrow fund", "escrow_fund", stdout, stderr)
	case "confirm":
		return runEscrowAction(args[1:], "escrow confirm", "escrow_confirm", stdout, stderr)
	case "dispute":
		return runEscrowDispute(args[1:], stdout, stderr)
	case "resolve":
		return runEscrowResolve(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "active":
		return runEscrowDisputeActive(args[1:], stdout, stderr)
	case "list":
		return runEscrowList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

func runEscrowCreate(args []string, method string, stdout, stderr io.Writer) int {
	name := "escrow create"
	if method == "escrow_open" {
		name = "escrow open"
	}
	fs := newCommandFlagSet(name, stderr, escrowUsage)
	var (
		payer     string
		payee     string
		amountStr string
		memo      string
	)
	fs.StringVar(&payer, "payer", "", "payer bech32 address")
	fs.StringVar(&payee, "payee", "", "payee bech32 address")
	fs.StringVar(&amountStr, "amount", "", "escrow amount (supports 100e18 shorthand)")
	fs.StringVar(&memo, "memo", "", "optional memo")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if payer == "" {
		return printCommandError(stderr, "--payer is required")
	}
	if payee == "" {
		return printCommandError(stderr, "--payee is required")
	}
	if amountStr == "" {
		return printCommandError(stderr, "--amount is required")
	}
	normalizedAmount, err := normalizeAmount(amountStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"payer":  payer,
		"payee":  payee,
		"amount": normalizedAmount,
	}
	if strings.TrimSpace(memo) != "" {
		params["memo"] = memo
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

// runEscrowAction covers the id+caller write methods that share a parameter
// shape.
func runEscrowAction(args []string, name, method string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet(name, stderr, escrowUsage)
	var (
		idStr  string
		caller string
	)
	fs.StringVar(&idStr, "id", "", "entry identifier")
	fs.StringVar(&caller, "caller", "", "caller bech32 address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEntryID(idStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}

	params := map[string]interface{}{"id": id, "caller": caller}
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

func runEscrowDispute(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("escrow dispute", stderr, escrowUsage)
	var (
		idStr        string
		caller       string
		reason       string
		evidenceFile string
	)
	fs.StringVar(&idStr, "id", "", "entry identifier")
	fs.StringVar(&caller, "caller", "", "caller bech32 address")
	fs.StringVar(&reason, "reason", "", "optional dispute reason")
	fs.StringVar(&evidenceFile, "evidence-file", "", "optional evidence payload to hash on the ledger")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEntryID(idStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}

	params := map[string]interface{}{"id": id, "caller": caller}
	if strings.TrimSpace(reason) != "" {
		params["reason"] = reason
	}
	if strings.TrimSpace(evidenceFile) != "" {
		payload, err := os.ReadFile(evidenceFile)
		if err != nil {
			return printCommandError(stderr, fmt.Sprintf("failed to read evidence file: %v", err))
		}
		if len(payload) == 0 {
			return printCommandError(stderr, "evidence file is empty")
		}
		params["evidence"] = "0x" + hex.EncodeToString(payload)
	}

	result, rpcErr, err := rpcCall("escrow_dispute", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	recordReceipt("escrow_dispute", result, stderr)
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowResolve(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("escrow resolve", stderr, escrowUsage)
	var (
		idStr   string
		caller  string
		outcome string
	)
	fs.StringVar(&idStr, "id", "", "entry identifier")
	fs.StringVar(&caller, "caller", "", "caller bech32 address")
	fs.StringVar(&outcome, "outcome", "", "settlement outcome (refund or release)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEntryID(idStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if caller == "" {
		return printCommandError(stderr, "--caller is required")
	}
	normalizedOutcome := strings.ToLower(strings.TrimSpace(outcome))
	if normalizedOutcome != "refund" && normalizedOutcome != "release" {
		return printCommandError(stderr, "--outcome must be refund or release")
	}

	params := map[string]interface{}{"id": id, "caller": caller, "outcome": normalizedOutcome}
	result, rpcErr, err := rpcCall("escrow_resolve", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	recordReceipt("escrow_resolve", result, stderr)
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("escrow get", stderr, escrowUsage)
	var idStr string
	fs.StringVar(&idStr, "id", "", "entry identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEntryID(idStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("escrow_get", map[string]interface{}{"id": id}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowDisputeActive(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("escrow active", stderr, escrowUsage)
	var idStr string
	fs.StringVar(&idStr, "id", "", "entry identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	id, err := parseEntryID(idStr)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	result, rpcErr, err := rpcCall("escrow_disputeActive", map[string]interface{}{"id": id}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runEscrowList(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("escrow list", stderr, escrowUsage)
	var address string
	fs.StringVar(&address, "address", "", "party bech32 address")
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
	result, rpcErr, err := rpcCall("escrow_listByParty", map[string]interface{}{"address": address}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  agora-cli escrow <command> [flags]

Commands:
  create   Create an entry in custody (payer is debited immediately)
  open     Open a pending entry to fund later
  fund     Move a pending entry into custody
  confirm  Release custody to the payee
  dispute  Freeze an entry for arbitration
  resolve  Settle a disputed entry (refund or release)
  get      Fetch entry details by id
  active   Report whether a dispute window is still open
  list     List entry ids involving an address
`)
}

func parseEntryID(value string) (uint64, error) {
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

// normalizeAmount canonicalizes the amount shorthand into a base-unit decimal
// string. 1.5e2 and 150 both become "150"; fractional results are rejected.
func normalizeAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return "", fmt.Errorf("invalid amount format")
	}
	if !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	if fracLen > 0 {
		for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
			digits = digits[:len(digits)-1]
			fracLen--
		}
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("--amount must be an integer")
	}
	if digits == "" {
		return "", fmt.Errorf("--amount must be positive")
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
