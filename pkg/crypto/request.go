package crypto

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// domainTag separates request signatures from any other keccak preimage a
// key might sign.
var domainTag = []byte("delayswap/request/v1")

// RequestDigest binds a signed API request to a method, a caller, a nonce
// and the canonical JSON payload. The nonce stops replay: the server
// tracks the highest nonce seen per address and rejects anything at or
// below it.
func RequestDigest(method string, caller common.Address, nonce uint64, payload []byte) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(
		domainTag,
		[]byte(method),
		caller.Bytes(),
		n[:],
		payload,
	)
}
