package state

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"agora/core/types"
)

// JournalEntry is one persisted event with its position in the journal and
// the ledger height at which it was recorded.
type JournalEntry struct {
	Sequence uint64
	Height   uint64
	Event    *types.Event
}

// eventRecord is the RLP layout for journal events. Attribute maps are
// flattened into parallel key/value slices with a deterministic ordering
// because the encoder does not handle maps.
type eventRecord struct {
	Type   string
	Height uint64
	Keys   []string
	Values []string
}

func toEventRecord(evt *types.Event, height uint64) *eventRecord {
	record := &eventRecord{Type: evt.Type, Height: height}
	keys := make([]string, 0, len(evt.Attributes))
	for key := range evt.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	record.Keys = keys
	record.Values = make([]string, len(keys))
	for i, key := range keys {
		record.Values[i] = evt.Attributes[key]
	}
	return record
}

func fromEventRecord(record *eventRecord) (*types.Event, error) {
	if len(record.Keys) != len(record.Values) {
		return nil, fmt.Errorf("journal: malformed event record")
	}
	attrs := make(map[string]string, len(record.Keys))
	for i, key := range record.Keys {
		attrs[key] = record.Values[i]
	}
	return &types.Event{Type: record.Type, Attributes: attrs}, nil
}

// EventAppend persists the event at the next journal position, stamped with
// the current ledger height, and returns the assigned sequence number.
func (m *Manager) EventAppend(evt *types.Event) (uint64, error) {
	if evt == nil {
		return 0, fmt.Errorf("journal: nil event")
	}
	var seq uint64
	if _, err := m.KVGet(journalSeqKeyBytes, &seq); err != nil {
		return 0, err
	}
	seq++
	if err := m.KVPut(journalSeqKeyBytes, seq); err != nil {
		return 0, err
	}
	height, err := m.HeightGet()
	if err != nil {
		return 0, err
	}
	encoded, err := rlp.EncodeToBytes(toEventRecord(evt, height))
	if err != nil {
		return 0, err
	}
	if err := m.write(journalEventKey(seq), encoded); err != nil {
		return 0, err
	}
	return seq, nil
}

// EventCount returns the sequence number of the most recent journal entry.
// Zero means the journal is empty.
func (m *Manager) EventCount() (uint64, error) {
	var seq uint64
	if _, err := m.KVGet(journalSeqKeyBytes, &seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// EventsSince returns up to limit journal entries with sequence numbers
// strictly greater than after, in journal order.
func (m *Manager) EventsSince(after uint64, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		return []JournalEntry{}, nil
	}
	head, err := m.EventCount()
	if err != nil {
		return nil, err
	}
	entries := make([]JournalEntry, 0, limit)
	for seq := after + 1; seq <= head && len(entries) < limit; seq++ {
		data, err := m.load(journalEventKey(seq))
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("journal: missing entry %d", seq)
		}
		record := new(eventRecord)
		if err := rlp.DecodeBytes(data, record); err != nil {
			return nil, err
		}
		evt, err := fromEventRecord(record)
		if err != nil {
			return nil, err
		}
		entries = append(entries, JournalEntry{Sequence: seq, Height: record.Height, Event: evt})
	}
	return entries, nil
}
