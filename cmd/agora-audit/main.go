package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

const rpcURLEnv = "AGORA_RPC_URL"

func main() {
	rpcURL := flag.String("rpc", defaultRPCURL(), "Node RPC endpoint")
	outDir := flag.String("out", "./agora-audit", "Directory for settlement exports")
	day := flag.String("day", "", "Export a single UTC day (YYYY-MM-DD, default yesterday)")
	from := flag.String("from", "", "Window start (YYYY-MM-DD, inclusive)")
	to := flag.String("to", "", "Window end (YYYY-MM-DD, exclusive)")
	dryRun := flag.Bool("dry-run", false, "Compute the report without writing files")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	start, end, err := resolveWindow(*day, *from, *to, time.Now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid window: %v\n", err)
		os.Exit(1)
	}

	exporter, err := NewExporter(Config{
		Client:    NewRPCClient(*rpcURL, 0),
		OutputDir: *outDir,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise exporter: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := exporter.Run(ctx, Options{Start: start, End: end, DryRun: *dryRun})
	if err != nil {
		fmt.Fprintf(os.Stderr, "export failed: %v\n", err)
		os.Exit(1)
	}

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}

func defaultRPCURL() string {
	if v := strings.TrimSpace(os.Getenv(rpcURLEnv)); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// resolveWindow turns the -day or -from/-to flags into a half-open UTC
// window. With no flags the window is yesterday.
func resolveWindow(day, from, to string, now func() time.Time) (time.Time, time.Time, error) {
	day = strings.TrimSpace(day)
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)

	if day != "" && (from != "" || to != "") {
		return time.Time{}, time.Time{}, fmt.Errorf("-day cannot be combined with -from/-to")
	}
	if (from == "") != (to == "") {
		return time.Time{}, time.Time{}, fmt.Errorf("-from and -to must be provided together")
	}

	if from != "" {
		start, err := parseDay(from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("-from: %w", err)
		}
		end, err := parseDay(to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("-to: %w", err)
		}
		if !end.After(start) {
			return time.Time{}, time.Time{}, fmt.Errorf("-to must be after -from")
		}
		return start, end, nil
	}

	if day == "" {
		yesterday := now().UTC().AddDate(0, 0, -1)
		day = yesterday.Format("2006-01-02")
	}
	start, err := parseDay(day)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("-day: %w", err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

func parseDay(value string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected YYYY-MM-DD, got %q", value)
	}
	return t.UTC(), nil
}
