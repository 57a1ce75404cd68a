package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable part of a bech32 address.
type AddressPrefix string

// AGOPrefix is the prefix carried by every account address on the ledger.
const AGOPrefix AddressPrefix = "ago"

// AddressLength is the raw account address size in bytes.
const AddressLength = 20

// Address is a fixed 20-byte account address plus its bech32 prefix. The raw
// bytes are held by value, so an Address never aliases a caller's buffer.
type Address struct {
	prefix AddressPrefix
	raw    [AddressLength]byte
}

// NewAddress builds an Address from raw bytes. The input must be exactly 20
// bytes; anything else indicates a programming error.
func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic(fmt.Sprintf("address must be %d bytes long", AddressLength))
	}
	addr := Address{prefix: prefix}
	copy(addr.raw[:], b)
	return addr
}

// String renders the bech32 form of the address.
func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.raw[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns a copy of the raw 20-byte address.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.raw[:]...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// DecodeAddress parses a bech32 account address. Only the ago prefix is
// accepted.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if AddressPrefix(prefix) != AGOPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	if len(conv) != AddressLength {
		return Address{}, fmt.Errorf("address payload must be %d bytes, got %d", AddressLength, len(conv))
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// PrivateKey wraps an secp256k1 ECDSA private key.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// PublicKey wraps the corresponding public key.
type PublicKey struct {
	*ecdsa.PublicKey
}

// GeneratePrivateKey creates a fresh secp256k1 key from crypto/rand.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

// PubKey returns the public half of the key.
func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the ago account address for the public key.
func (k *PublicKey) Address() Address {
	return NewAddress(AGOPrefix, crypto.PubkeyToAddress(*k.PublicKey).Bytes())
}

// PrivateKeyFromBytes rehydrates a private key from its raw byte form.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
