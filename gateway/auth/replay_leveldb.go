package auth

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Two keyspaces: replay/ maps the composite record to its observation time,
// seen/ orders composites by observation time so pruning and hydration can
// range-scan without touching every record.
const (
	replayPrefix = "replay/"
	seenPrefix   = "seen/"
)

// LevelDBReplayStore is a ReplayStore backed by a local LevelDB database.
type LevelDBReplayStore struct {
	db *leveldb.DB
}

// OpenLevelDBReplayStore opens (creating if needed) the replay database at path.
func OpenLevelDBReplayStore(path string) (*LevelDBReplayStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errors.New("replay store path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve replay store path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open replay store: %w", err)
	}
	return &LevelDBReplayStore{db: db}, nil
}

// Close releases the underlying database.
func (s *LevelDBReplayStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Register stores the record unless an identical triple already exists.
func (s *LevelDBReplayStore) Register(ctx context.Context, rec ReplayRecord) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("replay store not configured")
	}
	composite, err := compositeOf(rec)
	if err != nil {
		return false, err
	}
	observed := rec.ObservedAt.UTC()
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	recordKey := []byte(replayPrefix + composite)
	_, err = s.db.Get(recordKey, nil)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		return false, fmt.Errorf("load replay record: %w", err)
	}

	nanos := observed.UnixNano()
	batch := new(leveldb.Batch)
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, uint64(nanos))
	batch.Put(recordKey, value)
	batch.Put(seenKey(nanos, composite), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("record replay record: %w", err)
	}
	return false, nil
}

// Recent returns records observed at or after cutoff, oldest first.
func (s *LevelDBReplayStore) Recent(ctx context.Context, cutoff time.Time) ([]ReplayRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("replay store not configured")
	}
	start := seenKey(cutoff.UTC().UnixNano(), "")
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenPrefix)), nil)
	defer iter.Release()

	var records []ReplayRecord
	for ok := iter.Seek(start); ok; ok = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, ok := decodeSeenKey(iter.Key())
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate replay records: %w", err)
	}
	return records, nil
}

// Prune removes records observed before cutoff.
func (s *LevelDBReplayStore) Prune(ctx context.Context, cutoff time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("replay store not configured")
	}
	limit := seenKey(cutoff.UTC().UnixNano(), "")
	iter := s.db.NewIterator(util.BytesPrefix([]byte(seenPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if bytes.Compare(iter.Key(), limit) >= 0 {
			break
		}
		rec, ok := decodeSeenKey(iter.Key())
		if !ok {
			continue
		}
		composite, err := compositeOf(rec)
		if err != nil {
			continue
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(replayPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate replay records: %w", err)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("prune replay records: %w", err)
	}
	return nil
}

func compositeOf(rec ReplayRecord) (string, error) {
	apiKey := strings.TrimSpace(rec.APIKey)
	ts := strings.TrimSpace(rec.Timestamp)
	nonce := strings.TrimSpace(rec.Nonce)
	if apiKey == "" || ts == "" || nonce == "" {
		return "", errors.New("replay record incomplete")
	}
	return apiKey + "|" + ts + "|" + nonce, nil
}

func seenKey(nanos int64, composite string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", seenPrefix, nanos, composite))
}

func decodeSeenKey(key []byte) (ReplayRecord, bool) {
	raw := strings.TrimPrefix(string(key), seenPrefix)
	sep := strings.IndexByte(raw, ':')
	if sep < 0 {
		return ReplayRecord{}, false
	}
	nanos, err := strconv.ParseInt(raw[:sep], 10, 64)
	if err != nil {
		return ReplayRecord{}, false
	}
	parts := strings.SplitN(raw[sep+1:], "|", 3)
	if len(parts) != 3 {
		return ReplayRecord{}, false
	}
	return ReplayRecord{
		APIKey:     parts[0],
		Timestamp:  parts[1],
		Nonce:      parts[2],
		ObservedAt: time.Unix(0, nanos).UTC(),
	}, true
}
