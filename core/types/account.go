package types

import "math/big"

// Account is the on-ledger record for a single address. Balances are
// denominated in base units of the native AGO asset and never go negative.
type Account struct {
	Nonce       uint64   `json:"nonce"`
	BalanceAGO  *big.Int `json:"balanceAGO"`
	CodeHash    []byte   `json:"codeHash"`
	StorageRoot []byte   `json:"storageRoot"`
}
