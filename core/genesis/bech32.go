package genesis

import (
	"fmt"

	"agora/crypto"
)

// ParseBech32Account decodes a bech32 account string from a genesis document
// into its raw 20-byte form. Decoding is delegated to the crypto package so
// genesis files accept exactly the addresses the rest of the node does.
func ParseBech32Account(addr string) ([20]byte, error) {
	var out [20]byte
	decoded, err := crypto.DecodeAddress(addr)
	if err != nil {
		return out, fmt.Errorf("decode bech32 account: %w", err)
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}
