package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketReceipts = []byte("receipts")

// Receipt is the locally cached outcome of a write method, kept so operators
// can reconcile what they submitted without asking the node.
type Receipt struct {
	Sequence   uint64          `json:"sequence"`
	Method     string          `json:"method"`
	EntryID    uint64          `json:"entryId,omitempty"`
	Result     json.RawMessage `json:"result"`
	RecordedAt time.Time       `json:"recordedAt"`
}

// recordReceipt is swapped out in tests.
var recordReceipt = persistReceipt

// persistReceipt appends the result of a successful write method to the local
// cache. Failures are reported but never fail the command; the ledger already
// holds the authoritative record.
func persistReceipt(method string, result json.RawMessage, stderr io.Writer) {
	if err := appendReceipt(receiptsPath, method, result); err != nil {
		fmt.Fprintf(stderr, "Warning: failed to record receipt: %v\n", err)
	}
}

func appendReceipt(path, method string, result json.RawMessage) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("receipt cache path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketReceipts)
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		receipt := Receipt{
			Sequence:   seq,
			Method:     method,
			EntryID:    extractEntryID(result),
			Result:     result,
			RecordedAt: time.Now().UTC(),
		}
		encoded, err := json.Marshal(receipt)
		if err != nil {
			return err
		}
		return bucket.Put(receiptKey(seq), encoded)
	})
}

func receiptKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// extractEntryID pulls the id field out of an entry or listing result so
// receipts can be scanned without decoding the full payload.
func extractEntryID(result json.RawMessage) uint64 {
	if len(result) == 0 {
		return 0
	}
	var probe struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return 0
	}
	return probe.ID
}

func defaultReceiptsPath() string {
	if v := strings.TrimSpace(os.Getenv("AGORA_RECEIPTS_DB")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./receipts.db"
	}
	return filepath.Join(home, ".agora", "receipts.db")
}

func runReceiptsCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, receiptsUsage())
		return 1
	}

	switch args[0] {
	case "list":
		return runReceiptsList(args[1:], stdout, stderr)
	case "show":
		return runReceiptsShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown receipts subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, receiptsUsage())
		return 1
	}
}

func runReceiptsList(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("receipts list", stderr, receiptsUsage)
	var limit int
	fs.IntVar(&limit, "limit", 20, "maximum receipts to list, newest first")
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

	receipts, err := loadReceipts(receiptsPath, limit)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	if len(receipts) == 0 {
		fmt.Fprintln(stdout, "No receipts recorded.")
		return 0
	}
	for _, receipt := range receipts {
		line := fmt.Sprintf("%d\t%s\t%s", receipt.Sequence, receipt.RecordedAt.Format(time.RFC3339), receipt.Method)
		if receipt.EntryID != 0 {
			line += fmt.Sprintf("\tid=%d", receipt.EntryID)
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func runReceiptsShow(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("receipts show", stderr, receiptsUsage)
	var seqStr string
	fs.StringVar(&seqStr, "seq", "", "receipt sequence number")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	seq, err := strconv.ParseUint(strings.TrimSpace(seqStr), 10, 64)
	if err != nil || seq == 0 {
		return printCommandError(stderr, "--seq must be a positive integer")
	}

	receipt, err := loadReceipt(receiptsPath, seq)
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	encoded, err := json.MarshalIndent(receipt, "", "  ")
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, string(encoded))
	return 0
}

func loadReceipts(path string, limit int) ([]Receipt, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var receipts []Receipt
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.Last(); key != nil && len(receipts) < limit; key, value = cursor.Prev() {
			var receipt Receipt
			if err := json.Unmarshal(value, &receipt); err != nil {
				return fmt.Errorf("corrupt receipt at sequence %d: %w", binary.BigEndian.Uint64(key), err)
			}
			receipts = append(receipts, receipt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func loadReceipt(path string, seq uint64) (*Receipt, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("receipt %d not found", seq)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second, ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var receipt Receipt
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketReceipts)
		if bucket == nil {
			return fmt.Errorf("receipt %d not found", seq)
		}
		raw := bucket.Get(receiptKey(seq))
		if raw == nil {
			return fmt.Errorf("receipt %d not found", seq)
		}
		return json.Unmarshal(raw, &receipt)
	})
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func receiptsUsage() string {
	return strings.TrimSpace(`Usage:
  agora-cli receipts <command> [flags]

Commands:
  list  List recorded receipts, newest first
  show  Print one receipt with its full RPC result
`)
}
