package core

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"agora/core/types"
	"agora/crypto"
	"agora/native/escrow"
	"agora/storage"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	node, err := NewNode(db, "", true)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func testAddr(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func seedBalance(t *testing.T, node *Node, addr [20]byte, amount int64) {
	t.Helper()
	account, err := node.manager.GetAccount(addr[:])
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	account.BalanceAGO = big.NewInt(amount)
	if err := node.manager.PutAccount(addr[:], account); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
}

func TestNodeRequiresGenesis(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	if _, err := NewNode(db, "", false); err == nil {
		t.Fatalf("expected uninitialized ledger rejection")
	}
}

func TestNodeBootstrapFromGenesisFile(t *testing.T) {
	alice := testAddr(0x01)
	arbiter := testAddr(0x02)
	aliceBech := crypto.NewAddress(crypto.AGOPrefix, alice[:]).String()
	arbiterBech := crypto.NewAddress(crypto.AGOPrefix, arbiter[:]).String()

	dir := t.TempDir()
	path := filepath.Join(dir, "genesis.json")
	doc := fmt.Sprintf(`{
		"genesisTime": "2024-01-01T00:00:00Z",
		"chainId": 99,
		"alloc": {%q: "5000"},
		"roles": {"ROLE_ARBITER": [%q]}
	}`, aliceBech, arbiterBech)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write genesis: %v", err)
	}

	db := storage.NewMemDB()
	defer db.Close()
	node, err := NewNode(db, path, false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	balance, err := node.Balance(alice)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.String() != "5000" {
		t.Fatalf("unexpected allocated balance: %s", balance)
	}
	if !node.HasRole(escrow.RoleArbiter, arbiter[:]) {
		t.Fatalf("expected arbiter role from genesis")
	}
	chainID, ok := node.ChainID()
	if !ok || chainID != 99 {
		t.Fatalf("unexpected chain id: %d %v", chainID, ok)
	}
	genesisTime, ok := node.GenesisTime()
	if !ok || genesisTime.Year() != 2024 {
		t.Fatalf("unexpected genesis time: %v %v", genesisTime, ok)
	}

	// Reopening over the same database must not reapply allocations.
	reopened, err := NewNode(db, path, false)
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	balance, err = reopened.Balance(alice)
	if err != nil {
		t.Fatalf("balance after reopen: %v", err)
	}
	if balance.String() != "5000" {
		t.Fatalf("balance changed on reopen: %s", balance)
	}
}

func TestNodePurchaseLifecycle(t *testing.T) {
	node := newTestNode(t)
	buyer := testAddr(0x01)
	seller := testAddr(0x02)
	seedBalance(t, node, buyer, 1_000)

	listing, err := node.MarketCreateListing(seller, big.NewInt(100), 5, "ceramic mug")
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	entry, err := node.MarketPurchase(buyer, listing.ID, 2, "two mugs")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if entry.Status != escrow.StatusActive {
		t.Fatalf("unexpected entry status: %v", entry.Status)
	}

	vault, err := node.EscrowVaultAddress()
	if err != nil {
		t.Fatalf("vault address: %v", err)
	}
	vaultBalance, err := node.Balance(vault)
	if err != nil {
		t.Fatalf("vault balance: %v", err)
	}
	if vaultBalance.String() != "200" {
		t.Fatalf("unexpected vault balance: %s", vaultBalance)
	}

	if _, err := node.EscrowConfirm(entry.ID, seller); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	sellerBalance, err := node.Balance(seller)
	if err != nil {
		t.Fatalf("seller balance: %v", err)
	}
	if sellerBalance.String() != "200" {
		t.Fatalf("unexpected seller payout: %s", sellerBalance)
	}

	if _, err := node.MarketRateSeller(entry.ID, buyer, 5, "great mugs"); err != nil {
		t.Fatalf("rate seller: %v", err)
	}
	if _, err := node.MarketRateBuyer(entry.ID, seller, 4, ""); err != nil {
		t.Fatalf("rate buyer: %v", err)
	}
	sellerScore, err := node.MarketSellerRating(seller)
	if err != nil {
		t.Fatalf("seller rating: %v", err)
	}
	if sellerScore != 5 {
		t.Fatalf("unexpected seller rating: %d", sellerScore)
	}

	ids, err := node.EscrowsByParty(buyer)
	if err != nil {
		t.Fatalf("escrows by party: %v", err)
	}
	if len(ids) != 1 || ids[0] != entry.ID {
		t.Fatalf("unexpected party index: %v", ids)
	}

	ratings, err := node.MarketEntryRatings(entry.ID)
	if err != nil {
		t.Fatalf("entry ratings: %v", err)
	}
	if len(ratings) != 2 {
		t.Fatalf("expected both ratings recorded, got %d", len(ratings))
	}
}

func TestNodeDisputeWindowAgainstChainClock(t *testing.T) {
	node := newTestNode(t)
	payer := testAddr(0x01)
	payee := testAddr(0x02)
	arbiter := testAddr(0x03)
	seedBalance(t, node, payer, 500)
	if err := node.manager.SetRole(escrow.RoleArbiter, arbiter[:]); err != nil {
		t.Fatalf("grant role: %v", err)
	}
	if err := node.manager.HeightSet(10); err != nil {
		t.Fatalf("set height: %v", err)
	}

	entry, err := node.EscrowCreate(payer, payee, big.NewInt(500), "bench order")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := node.EscrowDispute(entry.ID, payer, "never shipped", nil); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	active, err := node.EscrowDisputeActive(entry.ID)
	if err != nil || !active {
		t.Fatalf("expected active dispute: %v %v", active, err)
	}

	// Advance the chain clock past the resolution window.
	if err := node.manager.HeightSet(10 + escrow.ResolutionWindow); err != nil {
		t.Fatalf("advance height: %v", err)
	}
	active, err = node.EscrowDisputeActive(entry.ID)
	if err != nil || active {
		t.Fatalf("expected closed window: %v %v", active, err)
	}
	if _, err := node.EscrowResolve(entry.ID, arbiter, "refund"); err != escrow.ErrDisputeWindowExpired {
		t.Fatalf("expected window expiry, got %v", err)
	}
}

func TestNodeEventJournalAndSubscriptions(t *testing.T) {
	node := newTestNode(t)
	payer := testAddr(0x01)
	payee := testAddr(0x02)
	seedBalance(t, node, payer, 300)

	subID, feed := node.SubscribeEvents(4)
	defer node.UnsubscribeEvents(subID)

	entry, err := node.EscrowCreate(payer, payee, big.NewInt(300), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	select {
	case got := <-feed:
		if got.Event.Type != escrow.EventTypeEntryCreated {
			t.Fatalf("unexpected event type: %s", got.Event.Type)
		}
		if got.Event.Attributes["id"] != fmt.Sprintf("%d", entry.ID) {
			t.Fatalf("unexpected event id attr: %v", got.Event.Attributes)
		}
	default:
		t.Fatalf("expected live event delivery")
	}

	entries, err := node.Events(0, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(entries) != 1 || entries[0].Sequence != 1 {
		t.Fatalf("unexpected journal: %+v", entries)
	}
	count, err := node.EventCount()
	if err != nil || count != 1 {
		t.Fatalf("unexpected journal head: %d %v", count, err)
	}
}

func TestNodeStartStopWithoutClock(t *testing.T) {
	node := newTestNode(t)
	node.Start()
	node.Stop()
}

func TestNodeResolutionPolicyConfigurable(t *testing.T) {
	node := newTestNode(t)
	payer := testAddr(0x01)
	payee := testAddr(0x02)
	seedBalance(t, node, payer, 100)
	node.SetResolutionPolicy(escrow.ResolutionPolicyPayee)

	entry, err := node.EscrowCreate(payer, payee, big.NewInt(100), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := node.EscrowDispute(entry.ID, payer, "damaged", nil); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := node.EscrowResolve(entry.ID, payee, "release"); err != nil {
		t.Fatalf("payee resolve under payee policy: %v", err)
	}
	got, err := node.EscrowGet(entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != escrow.StatusCompleted {
		t.Fatalf("unexpected status after release: %v", got.Status)
	}
	balance, err := node.Balance(payee)
	if err != nil {
		t.Fatalf("payee balance: %v", err)
	}
	if balance.String() != "100" {
		t.Fatalf("unexpected payee balance: %s", balance)
	}
	if _, ok := node.GenesisTime(); !ok {
		t.Fatalf("expected autogenesis timestamp recorded")
	}
	if _, ok := node.ChainID(); ok {
		t.Fatalf("autogenesis must not set a chain id")
	}
	var account *types.Account
	account, err = node.GetAccount(payer[:])
	if err != nil {
		t.Fatalf("payer account: %v", err)
	}
	if account.BalanceAGO.Sign() != 0 {
		t.Fatalf("unexpected payer remainder: %s", account.BalanceAGO)
	}
}
