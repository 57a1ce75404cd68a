package state

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	escrowEntryPrefix        = []byte("escrow/entry/")
	escrowFundsPrefix        = []byte("escrow/custody/")
	escrowPartyPrefix        = []byte("escrow/party/")
	escrowSeqKeyBytes        = []byte("escrow/seq")
	marketListingPrefix      = []byte("market/listing/")
	marketMerchantPrefix     = []byte("market/merchant/")
	marketRatingPrefix       = []byte("market/rating/")
	marketEntryRatersPrefix  = []byte("market/entry-raters/")
	marketReputationPrefix   = []byte("market/reputation/")
	marketListingSeqKeyBytes = []byte("market/listing-seq")
	journalSeqKeyBytes       = []byte("journal/seq")
	journalEventPrefix       = []byte("journal/event/")
	heightKeyBytes           = []byte("ledger/height")
)

func uint64Suffix(id uint64) [8]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return buf
}

// Record keys are hashed here because the values are written through the raw
// load/write helpers. Index keys stay unhashed: they flow through the KV
// helpers, which hash on their own.

func hashedIDKey(prefix []byte, id uint64) []byte {
	suffix := uint64Suffix(id)
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix[:])
	return ethcrypto.Keccak256(buf)
}

func hashedAddrKey(prefix []byte, addr []byte) []byte {
	buf := make([]byte, len(prefix)+len(addr))
	copy(buf, prefix)
	copy(buf[len(prefix):], addr)
	return ethcrypto.Keccak256(buf)
}

func rawAddrKey(prefix []byte, addr []byte) []byte {
	buf := make([]byte, len(prefix)+len(addr))
	copy(buf, prefix)
	copy(buf[len(prefix):], addr)
	return buf
}

func rawIDKey(prefix []byte, id uint64) []byte {
	suffix := uint64Suffix(id)
	buf := make([]byte, len(prefix)+len(suffix))
	copy(buf, prefix)
	copy(buf[len(prefix):], suffix[:])
	return buf
}

func escrowEntryKey(id uint64) []byte { return hashedIDKey(escrowEntryPrefix, id) }

func escrowFundsKey(id uint64) []byte { return hashedIDKey(escrowFundsPrefix, id) }

func escrowPartyKey(addr []byte) []byte { return rawAddrKey(escrowPartyPrefix, addr) }

func marketListingKey(id uint64) []byte { return hashedIDKey(marketListingPrefix, id) }

func marketMerchantKey(addr []byte) []byte { return rawAddrKey(marketMerchantPrefix, addr) }

func marketReputationKey(addr []byte) []byte { return hashedAddrKey(marketReputationPrefix, addr) }

func marketEntryRatersKey(entryID uint64) []byte {
	return rawIDKey(marketEntryRatersPrefix, entryID)
}

// marketRatingKey scopes a rating to the entry it belongs to and the address
// that submitted it, so a second submission from the same rater lands on the
// same slot and can be rejected.
func marketRatingKey(entryID uint64, rater []byte) []byte {
	suffix := uint64Suffix(entryID)
	buf := make([]byte, len(marketRatingPrefix)+len(suffix)+1+len(rater))
	copy(buf, marketRatingPrefix)
	copy(buf[len(marketRatingPrefix):], suffix[:])
	buf[len(marketRatingPrefix)+len(suffix)] = ':'
	copy(buf[len(marketRatingPrefix)+len(suffix)+1:], rater)
	return ethcrypto.Keccak256(buf)
}

func journalEventKey(seq uint64) []byte { return hashedIDKey(journalEventPrefix, seq) }
