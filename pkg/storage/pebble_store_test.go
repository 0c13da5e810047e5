package storage

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/pkg/core/ledger"
)

func openTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDigestRoundTrip(t *testing.T) {
	s := openTestStore(t)

	h := common.HexToHash("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if err := s.SaveDigest(7, h); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveDigest(9, common.HexToHash("0x01")); err != nil {
		t.Fatalf("save: %v", err)
	}

	digests, err := s.LoadDigests()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(digests) != 2 || digests[7] != h {
		t.Fatalf("digests: %v", digests)
	}

	if err := s.DeleteDigest(7); err != nil {
		t.Fatalf("delete: %v", err)
	}
	digests, _ = s.LoadDigests()
	if _, ok := digests[7]; ok {
		t.Fatal("deleted digest still present")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)

	if _, _, ok, err := s.LoadCursor(); err != nil || ok {
		t.Fatalf("empty cursor: ok=%v err=%v", ok, err)
	}
	if err := s.SaveCursor(3, 11); err != nil {
		t.Fatalf("save: %v", err)
	}
	last, newest, ok, err := s.LoadCursor()
	if err != nil || !ok || last != 3 || newest != 11 {
		t.Fatalf("cursor: last=%d newest=%d ok=%v err=%v", last, newest, ok, err)
	}
}

func TestCanceledAndRefundRecords(t *testing.T) {
	s := openTestStore(t)

	_ = s.SaveCanceled(4)
	canceled, err := s.LoadCanceled()
	if err != nil {
		t.Fatalf("load canceled: %v", err)
	}
	if _, ok := canceled[4]; !ok {
		t.Fatal("canceled id missing")
	}

	rec := ledger.RefundRecord{
		ID:       4,
		To:       common.HexToAddress("0x1000000000000000000000000000000000000001"),
		FailedAt: 1_700_000_500,
		Reason:   []byte("transfer disabled"),
		Tokens: []ledger.TokenAmount{
			{Token: common.HexToAddress("0x01"), Amount: big.NewInt(12345)},
		},
		Native: big.NewInt(777),
	}
	if err := s.SaveRefundRecord(rec); err != nil {
		t.Fatalf("save refund record: %v", err)
	}
	records, err := s.LoadRefundRecords()
	if err != nil {
		t.Fatalf("load refund records: %v", err)
	}
	got, ok := records[4]
	if !ok || got.FailedAt != rec.FailedAt || string(got.Reason) != string(rec.Reason) {
		t.Fatalf("refund record: %+v", got)
	}
	if len(got.Tokens) != 1 || got.Tokens[0].Amount.Cmp(rec.Tokens[0].Amount) != 0 {
		t.Fatalf("refund token legs: %+v", got.Tokens)
	}
	if got.Native == nil || got.Native.Cmp(rec.Native) != 0 {
		t.Fatalf("refund native leg: %v", got.Native)
	}

	if err := s.DeleteRefundRecord(4); err != nil {
		t.Fatalf("delete refund record: %v", err)
	}
	records, _ = s.LoadRefundRecords()
	if len(records) != 0 {
		t.Fatal("deleted record still present")
	}
}

func TestBalancePersistence(t *testing.T) {
	s := openTestStore(t)

	tok := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	other := common.HexToAddress("0xbbbb000000000000000000000000000000000001")
	holder := common.HexToAddress("0x1000000000000000000000000000000000000001")

	if err := s.SaveBalance(tok, holder, big.NewInt(12345)); err != nil {
		t.Fatalf("save balance: %v", err)
	}
	if err := s.SaveBalance(other, holder, big.NewInt(999)); err != nil {
		t.Fatalf("save balance: %v", err)
	}

	balances, err := s.LoadBalances(tok)
	if err != nil {
		t.Fatalf("load balances: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("prefix scan leaked across tokens: %v", balances)
	}
	if got := balances[holder]; got == nil || got.Cmp(big.NewInt(12345)) != 0 {
		t.Fatalf("balance: %v", got)
	}
}
