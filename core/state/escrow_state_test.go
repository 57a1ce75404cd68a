package state

import (
	"bytes"
	"math/big"
	"testing"

	"agora/native/escrow"
	"agora/storage"
)

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func TestEscrowNextIDSequential(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	for want := uint64(1); want <= 3; want++ {
		id, err := mgr.EscrowNextID()
		if err != nil {
			t.Fatalf("next id: %v", err)
		}
		if id != want {
			t.Fatalf("expected id %d, got %d", want, id)
		}
	}

	listingID, err := mgr.ListingNextID()
	if err != nil {
		t.Fatalf("listing next id: %v", err)
	}
	if listingID != 1 {
		t.Fatalf("listing counter must be independent, got %d", listingID)
	}
}

func TestEscrowEntryRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	entry := &escrow.Entry{
		ID:          1,
		Payer:       testAddr(0x01),
		Payee:       testAddr(0x02),
		Amount:      big.NewInt(1_000_000),
		Memo:        "digital goods",
		ListingID:   4,
		Quantity:    2,
		CreatedAt:   1_700_000_000,
		ConfirmedAt: 1_700_000_600,
		Status:      escrow.StatusCompleted,
	}
	if err := mgr.EscrowPut(entry); err != nil {
		t.Fatalf("escrow put: %v", err)
	}
	loaded, ok := mgr.EscrowGet(1)
	if !ok {
		t.Fatalf("expected entry present")
	}
	if loaded.ID != entry.ID || loaded.Payer != entry.Payer || loaded.Payee != entry.Payee {
		t.Fatalf("identity fields mismatch: %+v", loaded)
	}
	if loaded.Amount.Cmp(entry.Amount) != 0 {
		t.Fatalf("amount mismatch: %s", loaded.Amount)
	}
	if loaded.Memo != entry.Memo || loaded.ListingID != 4 || loaded.Quantity != 2 {
		t.Fatalf("metadata mismatch: %+v", loaded)
	}
	if loaded.CreatedAt != entry.CreatedAt || loaded.ConfirmedAt != entry.ConfirmedAt {
		t.Fatalf("timestamp mismatch: %+v", loaded)
	}
	if loaded.Status != escrow.StatusCompleted {
		t.Fatalf("status mismatch: %s", loaded.Status)
	}
	if loaded.Dispute != nil {
		t.Fatalf("expected no dispute details on undisputed entry")
	}

	if _, ok := mgr.EscrowGet(99); ok {
		t.Fatalf("expected unknown id to report missing")
	}
}

func TestEscrowEntryRoundTripWithDispute(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	var evidence [32]byte
	evidence[0] = 0xAB
	entry := &escrow.Entry{
		ID:        2,
		Payer:     testAddr(0x01),
		Payee:     testAddr(0x02),
		Amount:    big.NewInt(500),
		CreatedAt: 1_700_000_000,
		Status:    escrow.StatusDisputed,
		Dispute: &escrow.DisputeDetails{
			Reason:       "item not received",
			EvidenceHash: evidence,
			OpenedAt:     250,
		},
	}
	if err := mgr.EscrowPut(entry); err != nil {
		t.Fatalf("escrow put: %v", err)
	}
	loaded, ok := mgr.EscrowGet(2)
	if !ok {
		t.Fatalf("expected entry present")
	}
	if loaded.Dispute == nil {
		t.Fatalf("expected dispute details restored")
	}
	if loaded.Dispute.Reason != "item not received" || loaded.Dispute.OpenedAt != 250 {
		t.Fatalf("dispute fields mismatch: %+v", loaded.Dispute)
	}
	if loaded.Dispute.EvidenceHash != evidence {
		t.Fatalf("evidence hash mismatch")
	}
}

func TestEscrowsByParty(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	alice := testAddr(0x01)
	bob := testAddr(0x02)
	carol := testAddr(0x03)

	first := &escrow.Entry{ID: 1, Payer: alice, Payee: bob, Amount: big.NewInt(10), CreatedAt: 1, Status: escrow.StatusActive}
	second := &escrow.Entry{ID: 2, Payer: alice, Payee: carol, Amount: big.NewInt(20), CreatedAt: 2, Status: escrow.StatusActive}
	if err := mgr.EscrowPut(first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := mgr.EscrowPut(second); err != nil {
		t.Fatalf("put second: %v", err)
	}
	// Status rewrites must not duplicate the party index.
	first.Status = escrow.StatusCompleted
	if err := mgr.EscrowPut(first); err != nil {
		t.Fatalf("rewrite first: %v", err)
	}

	aliceIDs, err := mgr.EscrowsByParty(alice[:])
	if err != nil {
		t.Fatalf("by party: %v", err)
	}
	if len(aliceIDs) != 2 || aliceIDs[0] != 1 || aliceIDs[1] != 2 {
		t.Fatalf("unexpected payer index: %v", aliceIDs)
	}
	bobIDs, err := mgr.EscrowsByParty(bob[:])
	if err != nil {
		t.Fatalf("by party: %v", err)
	}
	if len(bobIDs) != 1 || bobIDs[0] != 1 {
		t.Fatalf("unexpected payee index: %v", bobIDs)
	}
	carolIDs, err := mgr.EscrowsByParty(carol[:])
	if err != nil {
		t.Fatalf("by party: %v", err)
	}
	if len(carolIDs) != 1 || carolIDs[0] != 2 {
		t.Fatalf("unexpected payee index: %v", carolIDs)
	}
}

func TestEscrowCustodyLedger(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	if err := mgr.EscrowCredit(1, big.NewInt(500)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := mgr.EscrowDebit(1, big.NewInt(200)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	balance, err := mgr.EscrowBalance(1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.String() != "300" {
		t.Fatalf("unexpected custody balance: %s", balance)
	}

	if err := mgr.EscrowDebit(1, big.NewInt(400)); err == nil {
		t.Fatalf("expected underflow rejection")
	}
	balance, err = mgr.EscrowBalance(1)
	if err != nil {
		t.Fatalf("balance after rejected debit: %v", err)
	}
	if balance.String() != "300" {
		t.Fatalf("rejected debit must not change balance, got %s", balance)
	}

	if err := mgr.EscrowCredit(1, big.NewInt(0)); err == nil {
		t.Fatalf("expected zero credit rejection")
	}
	if err := mgr.EscrowDebit(1, nil); err == nil {
		t.Fatalf("expected nil debit rejection")
	}

	other, err := mgr.EscrowBalance(2)
	if err != nil {
		t.Fatalf("balance unknown entry: %v", err)
	}
	if other.Sign() != 0 {
		t.Fatalf("unknown entry must hold zero custody, got %s", other)
	}
}

func TestEscrowVaultAddressStable(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	first, err := mgr.EscrowVaultAddress()
	if err != nil {
		t.Fatalf("vault address: %v", err)
	}
	second, err := mgr.EscrowVaultAddress()
	if err != nil {
		t.Fatalf("vault address again: %v", err)
	}
	if first != second {
		t.Fatalf("vault address must be deterministic")
	}
	if first == ([20]byte{}) {
		t.Fatalf("vault address must not be zero")
	}
}
