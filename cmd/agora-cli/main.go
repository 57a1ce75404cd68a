package main

import (
	"fmt"
	"os"
	"strings"
)

var (
	rpcEndpoint  = defaultRPCEndpoint()
	rpcAuthToken = os.Getenv("AGORA_RPC_TOKEN")
	receiptsPath = defaultReceiptsPath()
)

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(args) < 1 {
		printUsage()
		return
	}

	var code int
	switch args[0] {
	case "key":
		code = runKeyCommand(args[1:], os.Stdout, os.Stderr)
	case "escrow":
		code = runEscrowCommand(args[1:], os.Stdout, os.Stderr)
	case "market":
		code = runMarketCommand(args[1:], os.Stdout, os.Stderr)
	case "ledger":
		code = runLedgerCommand(args[1:], os.Stdout, os.Stderr)
	case "events":
		code = runEventsCommand(args[1:], os.Stdout, os.Stderr)
	case "receipts":
		code = runReceiptsCommand(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("AGORA_RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// applyGlobalFlags strips flags that apply to every command and returns the
// remaining arguments untouched.
func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--rpc":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
		case strings.HasPrefix(arg, "--rpc="):
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
		case arg == "--receipts":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --receipts")
			}
			receiptsPath = args[i+1]
			i++
		case strings.HasPrefix(arg, "--receipts="):
			receiptsPath = strings.TrimPrefix(arg, "--receipts=")
		default:
			out = append(out, arg)
		}
	}
	return out, nil
}

func printUsage() {
	fmt.Println(strings.TrimSpace(`Usage:
  agora-cli [--rpc <url>] [--receipts <path>] <command> [flags]

Commands:
  key       Manage local keystores (new, address)
  escrow    Create and settle escrow entries
  market    Manage listings, purchases, and ratings
  ledger    Query balances and the chain height
  events    List or stream the ledger event journal
  receipts  Inspect locally recorded operation receipts

Environment:
  AGORA_RPC_URL        RPC endpoint (default http://localhost:8080)
  AGORA_RPC_TOKEN      Bearer token for write methods
  AGORA_KEYSTORE_PASS  Keystore passphrase (prompted when unset)
  AGORA_RECEIPTS_DB    Receipt cache path (default ~/.agora/receipts.db)`))
}
