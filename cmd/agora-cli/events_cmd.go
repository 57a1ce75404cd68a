package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"nhooyr.io/websocket"
)

func runEventsCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}

	switch args[0] {
	case "list":
		return runEventsList(args[1:], stdout, stderr)
	case "watch":
		return runEventsWatch(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown events subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, eventsUsage())
		return 1
	}
}

func runEventsList(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("events list", stderr, eventsUsage)
	var (
		after uint64
		limit int
	)
	fs.Uint64Var(&after, "after", 0, "return events with a sequence greater than this")
	fs.IntVar(&limit, "limit", 100, "maximum events to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit <= 0 {
		return printCommandError(stderr, "--limit must be a positive integer")
	}
	params := map[string]interface{}{"after": after, "limit": limit}
	result, rpcErr, err := rpcCall("events_list", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

// runEventsWatch tails the journal over the node's WebSocket stream, printing
// one JSON event per line until interrupted.
func runEventsWatch(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("events watch", stderr, eventsUsage)
	var cursor uint64
	fs.Uint64Var(&cursor, "cursor", 0, "replay events after this sequence before going live")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}

	wsURL, err := eventsStreamURL(rpcEndpoint, cursor)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to connect to %s: %v\n", wsURL, err)
		return 1
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	conn.SetReadLimit(1 << 20)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return 0
			}
			fmt.Fprintf(stderr, "Stream closed: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
	}
}

func eventsStreamURL(endpoint string, cursor uint64) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("invalid RPC endpoint: %v", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported RPC endpoint scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws/events"
	if cursor > 0 {
		query := parsed.Query()
		query.Set("cursor", strconv.FormatUint(cursor, 10))
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func eventsUsage() string {
	return strings.TrimSpace(`Usage:
  agora-cli events <command> [flags]

Commands:
  list   Fetch a page of journal events over RPC
  watch  Stream journal events over the WebSocket endpoint
`)
}
