package main

import (
	"fmt"
	"net/url"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agora/crypto"
)

// escrowVaultSeed matches the seed the ledger state manager derives the
// custody account from. The gateway recomputes the address locally so funding
// instructions never depend on a node round trip.
const escrowVaultSeed = "agora/escrow/vault"

// nativeAsset is the only asset the ledger settles.
const nativeAsset = "AGO"

// FundingIntent carries the instructions a wallet needs to fund a deferred
// escrow entry: the custody vault, the amount and a memo tying the transfer
// back to the entry.
type FundingIntent struct {
	EntryID uint64 `json:"entryId"`
	Vault   string `json:"vault"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Memo    string `json:"memo"`
	QR      string `json:"qr"`
}

// FundingIntentBuilder builds funding intents for escrow deposits.
type FundingIntentBuilder struct {
	vault string
}

func NewFundingIntentBuilder() *FundingIntentBuilder {
	hash := ethcrypto.Keccak256([]byte(escrowVaultSeed))
	var addr [20]byte
	copy(addr[:], hash[len(hash)-20:])
	return &FundingIntentBuilder{vault: crypto.NewAddress(crypto.AGOPrefix, addr[:]).String()}
}

// Build constructs the funding intent for one escrow entry.
func (b *FundingIntentBuilder) Build(entryID uint64, amount string) FundingIntent {
	memo := fmt.Sprintf("ESCROW:%d", entryID)
	return FundingIntent{
		EntryID: entryID,
		Vault:   b.vault,
		Asset:   nativeAsset,
		Amount:  amount,
		Memo:    memo,
		QR:      buildQRString(b.vault, amount, memo),
	}
}

func buildQRString(vault, amount, memo string) string {
	values := url.Values{}
	values.Set("asset", nativeAsset)
	if amount != "" {
		values.Set("amount", amount)
	}
	if memo != "" {
		values.Set("memo", memo)
	}
	return fmt.Sprintf("ago:%s?%s", vault, values.Encode())
}
