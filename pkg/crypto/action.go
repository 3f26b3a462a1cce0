package crypto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/sha3"
)

// ActionHash computes the digest the exchange re-derives to verify an action
// signature: msgpack(action) || nonce (8 bytes big-endian) || vault flag.
// The vault flag is a single 0x00 byte when no vault address is used, or
// 0x01 followed by the 20-byte address.
//
// Actions must be the typed wire structs so that msgpack field order matches
// the exchange's canonical layout. Untyped map actions fall back to
// lexicographically sorted keys; that matches the exchange only for shapes it
// also sorts, so typed structs are strongly preferred.
func ActionHash(action any, vault *common.Address, nonce uint64) (common.Hash, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(action); err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode action: %w", err)
	}

	data := buf.Bytes()

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	data = append(data, nonceBytes[:]...)

	if vault == nil {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, vault.Bytes()...)
	}

	return keccak256(data), nil
}

// keccak256 is the legacy (pre-NIST) Keccak the exchange uses, not SHA3-256.
func keccak256(data []byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	var out common.Hash
	copy(out[:], h.Sum(nil))
	return out
}
