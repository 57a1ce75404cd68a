package main

import (
	"fmt"
	"io"
	"strings"
)

func runLedgerCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, ledgerUsage())
		return 1
	}

	switch args[0] {
	case "balance":
		return runLedgerBalance(args[1:], stdout, stderr)
	case "height":
		return runLedgerHeight(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown ledger subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, ledgerUsage())
		return 1
	}
}

func runLedgerBalance(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("ledger balance", stderr, ledgerUsage)
	var address string
	fs.StringVar(&address, "address", "", "account bech32 address")
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
	result, rpcErr, err := rpcCall("ledger_balance", map[string]interface{}{"address": address}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runLedgerHeight(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("ledger height", stderr, ledgerUsage)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	result, rpcErr, err := rpcCall("ledger_height", nil, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func ledgerUsage() string {
	return strings.TrimSpace(`Usage:
  agora-cli ledger <command> [flags]

Commands:
  balance  Fetch an account balance and nonce
  height   Fetch the current chain height
`)
}
