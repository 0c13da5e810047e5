package order

import (
	"bytes"
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Type tags the union of queued user intents.
type Type uint8

const (
	Empty Type = iota
	Deposit
	Withdraw
	Sell
	Buy
)

func (t Type) String() string {
	switch t {
	case Empty:
		return "Empty"
	case Deposit:
		return "Deposit"
	case Withdraw:
		return "Withdraw"
	case Sell:
		return "Sell"
	case Buy:
		return "Buy"
	default:
		return "Unknown"
	}
}

// Order is a queued user intent awaiting delayed execution.
//
// The ledger stores only the keccak digest of the full record; callers must
// resupply the order at execution/cancel/retry time and it is verified
// against the stored digest before anything acts on it.
type Order struct {
	ID   uint64
	Type Type

	// ValidAfter is the earliest unix time (seconds) the order may execute.
	ValidAfter uint32

	// Oracle snapshot captured at enqueue, bounds price staleness.
	PriceAccumulator *uint256.Int
	Timestamp        uint32

	// Owner escrows funds; To receives proceeds/refunds.
	Owner common.Address
	To    common.Address

	GasLimit uint64
	GasPrice *big.Int

	// Type-specific payload:
	//   Deposit:  Amount0/Amount1 token amounts in
	//   Withdraw: Liquidity burned, AmountLimit0/1 minimum amounts out
	//   Buy:      Amount1 exact out, AmountLimit0 = amountInMax
	//   Sell:     Amount0 exact in, AmountLimit1 = amountOutMin
	Amount0      *big.Int
	Amount1      *big.Int
	Liquidity    *big.Int
	AmountLimit0 *big.Int
	AmountLimit1 *big.Int

	// Inverted flips trade direction: Buy with Inverted buys token0 for
	// token1; without, token1 for token0. Sell symmetric.
	Inverted bool

	// Unwrap delivers the chain-native asset instead of its wrapped token.
	Unwrap bool

	// Swap enables deposit auto-balancing via an internal swap first.
	Swap bool

	// PairID is the 4-byte fingerprint of the target pool address.
	PairID uint32
}

// Hash computes the content digest stored in the ledger.
// Fixed-width big-endian field concatenation keeps it deterministic.
func (o *Order) Hash() common.Hash {
	var buf bytes.Buffer

	writeU64 := func(v uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], v)
		buf.Write(b[:])
	}
	writeU32 := func(v uint32) {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	writeBig := func(v *big.Int) {
		var word [32]byte
		if v != nil {
			v.FillBytes(word[:])
		}
		buf.Write(word[:])
	}
	writeBool := func(v bool) {
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}

	writeU64(o.ID)
	buf.WriteByte(byte(o.Type))
	writeU32(o.ValidAfter)
	acc := o.PriceAccumulator
	if acc == nil {
		acc = uint256.NewInt(0)
	}
	accBytes := acc.Bytes32()
	buf.Write(accBytes[:])
	writeU32(o.Timestamp)
	buf.Write(o.Owner.Bytes())
	buf.Write(o.To.Bytes())
	writeU64(o.GasLimit)
	writeBig(o.GasPrice)
	writeBig(o.Amount0)
	writeBig(o.Amount1)
	writeBig(o.Liquidity)
	writeBig(o.AmountLimit0)
	writeBig(o.AmountLimit1)
	writeBool(o.Inverted)
	writeBool(o.Unwrap)
	writeBool(o.Swap)
	writeU32(o.PairID)

	return crypto.Keccak256Hash(buf.Bytes())
}

// PairFingerprint derives the compact 4-byte pair id from a pool address.
// Collisions are detected at pool registration, not here.
func PairFingerprint(pool common.Address) uint32 {
	h := crypto.Keccak256Hash(pool.Bytes())
	return binary.BigEndian.Uint32(h[:4])
}

// SortTokens returns the pair's tokens in canonical order (ascending by
// address bytes) so token0/token1 identity never depends on the caller.
func SortTokens(a, b common.Address) (token0, token1 common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}
