package order

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

func sampleOrder() *Order {
	return &Order{
		ID:               7,
		Type:             Buy,
		ValidAfter:       1_700_000_300,
		PriceAccumulator: uint256.NewInt(123456789),
		Timestamp:        1_700_000_000,
		Owner:            common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:               common.HexToAddress("0x2222222222222222222222222222222222222222"),
		GasLimit:         400_000,
		GasPrice:         big.NewInt(20_000_000_000),
		Amount1:          big.NewInt(5_000),
		AmountLimit0:     big.NewInt(6_000),
		PairID:           0xdeadbeef,
	}
}

func TestHashDeterministic(t *testing.T) {
	a := sampleOrder()
	b := sampleOrder()
	if a.Hash() != b.Hash() {
		t.Fatalf("identical orders hash differently: %s vs %s", a.Hash(), b.Hash())
	}
}

func TestHashSensitiveToEveryField(t *testing.T) {
	base := sampleOrder().Hash()

	mutations := map[string]func(*Order){
		"id":         func(o *Order) { o.ID++ },
		"type":       func(o *Order) { o.Type = Sell },
		"validAfter": func(o *Order) { o.ValidAfter++ },
		"acc":        func(o *Order) { o.PriceAccumulator = uint256.NewInt(1) },
		"timestamp":  func(o *Order) { o.Timestamp++ },
		"to":         func(o *Order) { o.To = common.HexToAddress("0x3333333333333333333333333333333333333333") },
		"gasLimit":   func(o *Order) { o.GasLimit++ },
		"gasPrice":   func(o *Order) { o.GasPrice = big.NewInt(1) },
		"amount1":    func(o *Order) { o.Amount1 = big.NewInt(1) },
		"limit0":     func(o *Order) { o.AmountLimit0 = big.NewInt(1) },
		"inverted":   func(o *Order) { o.Inverted = true },
		"unwrap":     func(o *Order) { o.Unwrap = true },
		"swap":       func(o *Order) { o.Swap = true },
		"pairID":     func(o *Order) { o.PairID++ },
	}

	for name, mutate := range mutations {
		o := sampleOrder()
		mutate(o)
		if o.Hash() == base {
			t.Errorf("mutating %s did not change the digest", name)
		}
	}
}

func TestHashNilAmountEqualsZero(t *testing.T) {
	a := sampleOrder()
	a.Amount0 = nil
	b := sampleOrder()
	b.Amount0 = big.NewInt(0)
	if a.Hash() != b.Hash() {
		t.Fatalf("nil amount should hash like zero")
	}
}

func TestSortTokens(t *testing.T) {
	lo := common.HexToAddress("0x0000000000000000000000000000000000000001")
	hi := common.HexToAddress("0x0000000000000000000000000000000000000002")

	t0, t1 := SortTokens(hi, lo)
	if t0 != lo || t1 != hi {
		t.Fatalf("tokens not canonicalized: got %s, %s", t0.Hex(), t1.Hex())
	}
	t0, t1 = SortTokens(lo, hi)
	if t0 != lo || t1 != hi {
		t.Fatalf("already-ordered tokens changed: got %s, %s", t0.Hex(), t1.Hex())
	}
}

func TestPairFingerprintStable(t *testing.T) {
	pool := common.HexToAddress("0x4444444444444444444444444444444444444444")
	if PairFingerprint(pool) != PairFingerprint(pool) {
		t.Fatal("fingerprint is not stable")
	}
	other := common.HexToAddress("0x5555555555555555555555555555555555555555")
	if PairFingerprint(pool) == PairFingerprint(other) {
		t.Fatal("distinct pools collided in test fixture")
	}
}
