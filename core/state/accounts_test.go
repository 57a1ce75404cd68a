package state

import (
	"bytes"
	"math/big"
	"testing"

	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"agora/core/types"
	"agora/storage"
)

func TestGetAccountMissingReturnsZeroed(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	account, err := mgr.GetAccount(bytes.Repeat([]byte{0x01}, 20))
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.BalanceAGO.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", account.BalanceAGO)
	}
	if account.Nonce != 0 {
		t.Fatalf("expected zero nonce, got %d", account.Nonce)
	}
	if !bytes.Equal(account.CodeHash, gethtypes.EmptyCodeHash.Bytes()) {
		t.Fatalf("expected empty code hash, got %x", account.CodeHash)
	}
	if !bytes.Equal(account.StorageRoot, gethtypes.EmptyRootHash.Bytes()) {
		t.Fatalf("expected empty storage root, got %x", account.StorageRoot)
	}
}

func TestAccountRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	addr := bytes.Repeat([]byte{0x02}, 20)
	if err := mgr.PutAccount(addr, &types.Account{Nonce: 3, BalanceAGO: big.NewInt(12345)}); err != nil {
		t.Fatalf("put account: %v", err)
	}
	account, err := mgr.GetAccount(addr)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.BalanceAGO.String() != "12345" {
		t.Fatalf("unexpected balance: %s", account.BalanceAGO)
	}
	if account.Nonce != 3 {
		t.Fatalf("unexpected nonce: %d", account.Nonce)
	}

	account.BalanceAGO = big.NewInt(999)
	account.Nonce = 4
	if err := mgr.PutAccount(addr, account); err != nil {
		t.Fatalf("update account: %v", err)
	}
	reloaded, err := mgr.GetAccount(addr)
	if err != nil {
		t.Fatalf("reload account: %v", err)
	}
	if reloaded.BalanceAGO.String() != "999" || reloaded.Nonce != 4 {
		t.Fatalf("unexpected reloaded account: %+v", reloaded)
	}
}

func TestPutAccountRejectsOverflow(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	huge := new(big.Int).Lsh(big.NewInt(1), 260)
	err := mgr.PutAccount(bytes.Repeat([]byte{0x03}, 20), &types.Account{BalanceAGO: huge})
	if err == nil {
		t.Fatalf("expected overflow rejection for 2^260 balance")
	}
}

func TestPutAccountValidatesArguments(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	if err := mgr.PutAccount(nil, &types.Account{}); err == nil {
		t.Fatalf("expected empty address rejection")
	}
	if err := mgr.PutAccount(bytes.Repeat([]byte{0x04}, 20), nil); err == nil {
		t.Fatalf("expected nil account rejection")
	}
	if _, err := mgr.GetAccount(nil); err == nil {
		t.Fatalf("expected empty address rejection on read")
	}
}
