package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

const (
	eventTypeConfirmed = "escrow.confirmed"
	eventTypeResolved  = "escrow.resolved"

	eventPageSize = 500
)

// Config captures the dependencies required to construct an Exporter.
type Config struct {
	Client    Client
	OutputDir string
	Now       func() time.Time
	Logger    *slog.Logger
}

// Options selects the settlement window for a run.
type Options struct {
	Start  time.Time
	End    time.Time
	DryRun bool
}

// SettlementRow is one settled entry in the report.
type SettlementRow struct {
	EntryID            uint64
	Payer              string
	Payee              string
	Amount             string
	Outcome            string
	Status             string
	ListingID          uint64
	Quantity           uint64
	Memo               string
	CreatedAt          time.Time
	SettledAt          time.Time
	SettledAtEstimated bool
	SettlementHeight   uint64
	SettlementSequence uint64
	Disputed           bool
	DisputeReason      string
	EvidenceHash       string
}

// Report summarises an export run.
type Report struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Rows          int       `json:"rows"`
	Released      int       `json:"released"`
	Refunded      int       `json:"refunded"`
	TotalReleased string    `json:"totalReleased"`
	TotalRefunded string    `json:"totalRefunded"`
	CSVPath       string    `json:"csvPath,omitempty"`
	ParquetPath   string    `json:"parquetPath,omitempty"`
}

// Exporter materialises settlement reports by joining the event journal with
// entry state over RPC.
type Exporter struct {
	client    Client
	outputDir string
	now       func() time.Time
	log       *slog.Logger
}

func NewExporter(cfg Config) (*Exporter, error) {
	if cfg.Client == nil {
		return nil, errors.New("audit: client is required")
	}
	outputDir := strings.TrimSpace(cfg.OutputDir)
	if outputDir == "" {
		outputDir = "./agora-audit"
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		client:    cfg.Client,
		outputDir: outputDir,
		now:       nowFn,
		log:       logger,
	}, nil
}

// settlement is a terminal journal event for one entry.
type settlement struct {
	sequence uint64
	height   uint64
	outcome  string
}

// Run exports every entry settled inside the window. Confirmations count as
// releases; resolutions carry their recorded outcome.
func (e *Exporter) Run(ctx context.Context, opts Options) (*Report, error) {
	start := opts.Start.UTC()
	end := opts.End.UTC()
	if end.Before(start) {
		return nil, fmt.Errorf("audit: end before start")
	}

	settlements, err := e.collectSettlements(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]*SettlementRow, 0, len(settlements))
	totalReleased := new(big.Int)
	totalRefunded := new(big.Int)
	released := 0
	refunded := 0

	for entryID, st := range settlements {
		entry, err := e.client.Entry(ctx, entryID)
		if err != nil {
			return nil, fmt.Errorf("audit: fetch entry %d: %w", entryID, err)
		}
		row := buildRow(entry, st)
		if row.SettledAt.Before(start) || !row.SettledAt.Before(end) {
			continue
		}
		rows = append(rows, row)

		amount := new(big.Int)
		if _, ok := amount.SetString(entry.Amount, 10); !ok {
			return nil, fmt.Errorf("audit: entry %d has malformed amount %q", entryID, entry.Amount)
		}
		if row.Outcome == "refund" {
			refunded++
			totalRefunded.Add(totalRefunded, amount)
		} else {
			released++
			totalReleased.Add(totalReleased, amount)
		}
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].SettlementSequence < rows[j].SettlementSequence })

	report := &Report{
		Start:         start,
		End:           end,
		Rows:          len(rows),
		Released:      released,
		Refunded:      refunded,
		TotalReleased: totalReleased.String(),
		TotalRefunded: totalRefunded.String(),
	}

	if opts.DryRun {
		return report, nil
	}

	runDir := filepath.Join(e.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "settlements.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, "settlements.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	e.log.Info("settlement report written", "csv", csvPath, "parquet", parquetPath, "rows", len(rows))
	report.CSVPath = csvPath
	report.ParquetPath = parquetPath
	return report, nil
}

// collectSettlements walks the whole journal and keeps the terminal event per
// entry. Confirm and resolve are both terminal, so each entry appears once.
func (e *Exporter) collectSettlements(ctx context.Context) (map[uint64]settlement, error) {
	settlements := make(map[uint64]settlement)
	var after uint64
	for {
		batch, err := e.client.Events(ctx, after, eventPageSize)
		if err != nil {
			return nil, fmt.Errorf("audit: list events after %d: %w", after, err)
		}
		for _, event := range batch {
			after = event.Sequence
			if event.Type != eventTypeConfirmed && event.Type != eventTypeResolved {
				continue
			}
			entryID, err := strconv.ParseUint(strings.TrimSpace(event.Attributes["id"]), 10, 64)
			if err != nil || entryID == 0 {
				e.log.Warn("settlement event without entry id", "sequence", event.Sequence, "type", event.Type)
				continue
			}
			outcome := "release"
			if event.Type == eventTypeResolved {
				outcome = strings.TrimSpace(event.Attributes["outcome"])
				if outcome == "" {
					outcome = "release"
				}
			}
			settlements[entryID] = settlement{
				sequence: event.Sequence,
				height:   event.Height,
				outcome:  outcome,
			}
		}
		if len(batch) < eventPageSize {
			return settlements, nil
		}
	}
}

// buildRow joins entry state with its settlement event. Entries settled by
// dispute resolution have no confirmation timestamp, so creation time stands
// in and the row is marked estimated.
func buildRow(entry *Entry, st settlement) *SettlementRow {
	row := &SettlementRow{
		EntryID:            entry.ID,
		Payer:              entry.Payer,
		Payee:              entry.Payee,
		Amount:             entry.Amount,
		Outcome:            st.outcome,
		Status:             entry.Status,
		ListingID:          entry.ListingID,
		Quantity:           entry.Quantity,
		Memo:               entry.Memo,
		CreatedAt:          time.Unix(entry.CreatedAt, 0).UTC(),
		SettlementHeight:   st.height,
		SettlementSequence: st.sequence,
	}
	if entry.ConfirmedAt > 0 {
		row.SettledAt = time.Unix(entry.ConfirmedAt, 0).UTC()
	} else {
		row.SettledAt = row.CreatedAt
		row.SettledAtEstimated = true
	}
	if entry.Dispute != nil {
		row.Disputed = true
		row.DisputeReason = entry.Dispute.Reason
		row.EvidenceHash = entry.Dispute.EvidenceHash
	}
	return row
}

func writeCSV(path string, rows []*SettlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"entry_id", "payer", "payee", "amount", "outcome", "status", "listing_id", "quantity", "memo",
		"created_at", "settled_at", "settled_at_estimated", "settlement_height", "settlement_sequence",
		"disputed", "dispute_reason", "evidence_hash",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			strconv.FormatUint(row.EntryID, 10),
			row.Payer,
			row.Payee,
			row.Amount,
			row.Outcome,
			row.Status,
			strconv.FormatUint(row.ListingID, 10),
			strconv.FormatUint(row.Quantity, 10),
			row.Memo,
			row.CreatedAt.Format(time.RFC3339),
			row.SettledAt.Format(time.RFC3339),
			boolString(row.SettledAtEstimated),
			strconv.FormatUint(row.SettlementHeight, 10),
			strconv.FormatUint(row.SettlementSequence, 10),
			boolString(row.Disputed),
			row.DisputeReason,
			row.EvidenceHash,
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	EntryID            int64  `parquet:"name=entry_id, type=INT64"`
	Payer              string `parquet:"name=payer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Payee              string `parquet:"name=payee, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount             string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Outcome            string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status             string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	ListingID          int64  `parquet:"name=listing_id, type=INT64"`
	Quantity           int64  `parquet:"name=quantity, type=INT64"`
	Memo               string `parquet:"name=memo, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt          string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAt          string `parquet:"name=settled_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SettledAtEstimated bool   `parquet:"name=settled_at_estimated, type=BOOLEAN"`
	SettlementHeight   int64  `parquet:"name=settlement_height, type=INT64"`
	SettlementSequence int64  `parquet:"name=settlement_sequence, type=INT64"`
	Disputed           bool   `parquet:"name=disputed, type=BOOLEAN"`
	DisputeReason      string `parquet:"name=dispute_reason, type=BYTE_ARRAY, convertedtype=UTF8"`
	EvidenceHash       string `parquet:"name=evidence_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []*SettlementRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			EntryID:            int64(row.EntryID),
			Payer:              row.Payer,
			Payee:              row.Payee,
			Amount:             row.Amount,
			Outcome:            row.Outcome,
			Status:             row.Status,
			ListingID:          int64(row.ListingID),
			Quantity:           int64(row.Quantity),
			Memo:               row.Memo,
			CreatedAt:          row.CreatedAt.Format(time.RFC3339),
			SettledAt:          row.SettledAt.Format(time.RFC3339),
			SettledAtEstimated: row.SettledAtEstimated,
			SettlementHeight:   int64(row.SettlementHeight),
			SettlementSequence: int64(row.SettlementSequence),
			Disputed:           row.Disputed,
			DisputeReason:      row.DisputeReason,
			EvidenceHash:       row.EvidenceHash,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
