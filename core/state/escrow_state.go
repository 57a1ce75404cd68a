package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"agora/native/escrow"
)

var escrowVaultSeed = []byte("agora/escrow/vault")

// storedEntry is the RLP layout for escrow entries. Signed timestamps and the
// optional dispute block are flattened into encoder-friendly fields; the
// domain type is reassembled on load.
type storedEntry struct {
	ID              uint64
	Payer           [20]byte
	Payee           [20]byte
	Amount          *big.Int
	Memo            string
	ListingID       uint64
	Quantity        uint64
	CreatedAt       uint64
	ConfirmedAt     uint64
	Status          uint8
	Disputed        bool
	DisputeReason   string
	DisputeEvidence [32]byte
	DisputeOpenedAt uint64
}

func toStoredEntry(e *escrow.Entry) *storedEntry {
	stored := &storedEntry{
		ID:        e.ID,
		Payer:     e.Payer,
		Payee:     e.Payee,
		Amount:    new(big.Int).Set(e.Amount),
		Memo:      e.Memo,
		ListingID: e.ListingID,
		Quantity:  e.Quantity,
		Status:    uint8(e.Status),
	}
	if e.CreatedAt > 0 {
		stored.CreatedAt = uint64(e.CreatedAt)
	}
	if e.ConfirmedAt > 0 {
		stored.ConfirmedAt = uint64(e.ConfirmedAt)
	}
	if e.Dispute != nil {
		stored.Disputed = true
		stored.DisputeReason = e.Dispute.Reason
		stored.DisputeEvidence = e.Dispute.EvidenceHash
		stored.DisputeOpenedAt = e.Dispute.OpenedAt
	}
	return stored
}

func fromStoredEntry(se *storedEntry) *escrow.Entry {
	entry := &escrow.Entry{
		ID:          se.ID,
		Payer:       se.Payer,
		Payee:       se.Payee,
		Amount:      new(big.Int).Set(se.Amount),
		Memo:        se.Memo,
		ListingID:   se.ListingID,
		Quantity:    se.Quantity,
		CreatedAt:   int64(se.CreatedAt),
		ConfirmedAt: int64(se.ConfirmedAt),
		Status:      escrow.Status(se.Status),
	}
	if se.Disputed {
		entry.Dispute = &escrow.DisputeDetails{
			Reason:       se.DisputeReason,
			EvidenceHash: se.DisputeEvidence,
			OpenedAt:     se.DisputeOpenedAt,
		}
	}
	return entry
}

// EscrowNextID reserves and returns the next sequential entry identifier.
// Identifiers start at 1 and are never reused.
func (m *Manager) EscrowNextID() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(escrowSeqKeyBytes, &counter); err != nil {
		return 0, err
	}
	counter++
	if err := m.KVPut(escrowSeqKeyBytes, counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// EscrowPut validates and persists the provided entry, indexing it for both
// participants.
func (m *Manager) EscrowPut(e *escrow.Entry) error {
	sanitized, err := escrow.SanitizeEntry(e)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredEntry(sanitized))
	if err != nil {
		return err
	}
	if err := m.write(escrowEntryKey(sanitized.ID), encoded); err != nil {
		return err
	}
	idSuffix := uint64Suffix(sanitized.ID)
	if err := m.KVAppend(escrowPartyKey(sanitized.Payer[:]), idSuffix[:]); err != nil {
		return err
	}
	return m.KVAppend(escrowPartyKey(sanitized.Payee[:]), idSuffix[:])
}

// EscrowGet loads the entry stored under the provided identifier. The boolean
// result reports whether the entry exists.
func (m *Manager) EscrowGet(id uint64) (*escrow.Entry, bool) {
	data, err := m.load(escrowEntryKey(id))
	if err != nil || len(data) == 0 {
		return nil, false
	}
	stored := new(storedEntry)
	if err := rlp.DecodeBytes(data, stored); err != nil {
		return nil, false
	}
	return fromStoredEntry(stored), true
}

// EscrowsByParty returns the identifiers of all entries the address
// participates in, as payer or payee, in creation order.
func (m *Manager) EscrowsByParty(addr []byte) ([]uint64, error) {
	if len(addr) == 0 {
		return nil, fmt.Errorf("address must not be empty")
	}
	var raw [][]byte
	if err := m.KVGetList(escrowPartyKey(addr), &raw); err != nil {
		return nil, err
	}
	ids := make([]uint64, 0, len(raw))
	for _, item := range raw {
		if len(item) != 8 {
			return nil, fmt.Errorf("escrow: malformed party index entry")
		}
		ids = append(ids, binary.BigEndian.Uint64(item))
	}
	return ids, nil
}

// EscrowVaultAddress returns the module account that holds funds in custody.
// The address is derived from a fixed seed so it has no known private key.
func (m *Manager) EscrowVaultAddress() ([20]byte, error) {
	hash := ethcrypto.Keccak256(escrowVaultSeed)
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return addr, nil
}

// EscrowCredit records funds entering custody for the given entry.
func (m *Manager) EscrowCredit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("escrow: credit amount must be positive")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	balance = new(big.Int).Add(balance, amt)
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return m.write(escrowFundsKey(id), encoded)
}

// EscrowDebit records funds leaving custody for the given entry. Debiting
// more than the recorded balance is rejected to keep the custody ledger an
// invariant over the vault account.
func (m *Manager) EscrowDebit(id uint64, amt *big.Int) error {
	if amt == nil || amt.Sign() <= 0 {
		return fmt.Errorf("escrow: debit amount must be positive")
	}
	balance, err := m.EscrowBalance(id)
	if err != nil {
		return err
	}
	if balance.Cmp(amt) < 0 {
		return fmt.Errorf("escrow: custody balance underflow for entry %d", id)
	}
	balance = new(big.Int).Sub(balance, amt)
	encoded, err := rlp.EncodeToBytes(balance)
	if err != nil {
		return err
	}
	return m.write(escrowFundsKey(id), encoded)
}

// EscrowBalance reports the funds currently held in custody for the entry.
func (m *Manager) EscrowBalance(id uint64) (*big.Int, error) {
	data, err := m.load(escrowFundsKey(id))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	balance := new(big.Int)
	if err := rlp.DecodeBytes(data, balance); err != nil {
		return nil, err
	}
	return balance, nil
}
