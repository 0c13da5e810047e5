package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema for Pebble storage:
//
//   oh:<8-byte id>              → order content digest
//   cur                         → lastProcessed || newest cursor pair
//   cx:<8-byte id>              → canceled marker
//   rp:<8-byte id>              → refund-pending record (gob)
//   bal:<token>:<holder>        → vault balance (big-endian bytes)
const (
	prefixDigest   = "oh:"
	prefixCanceled = "cx:"
	prefixRefund   = "rp:"
	prefixBalance  = "bal:"
)

func idKey(prefix string, id uint64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], id)
	return k
}

func digestKey(id uint64) []byte   { return idKey(prefixDigest, id) }
func canceledKey(id uint64) []byte { return idKey(prefixCanceled, id) }
func refundKey(id uint64) []byte   { return idKey(prefixRefund, id) }
func cursorKey() []byte            { return []byte("cur") }

// balanceKey returns the key for one holder's balance of one token.
// Format: "bal:{token}:{holder}"
func balanceKey(token, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, token.Hex(), holder.Hex()))
}

// balancePrefix returns the prefix for all balances of a token.
func balancePrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixBalance, token.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

func idFromKey(prefix string, key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefix):])
}
