package token

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	tokenAddr = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	alice     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	bob       = common.HexToAddress("0x1000000000000000000000000000000000000002")
)

func TestVaultTransfer(t *testing.T) {
	v, err := NewVault(tokenAddr, 18, nil)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if err := v.Mint(alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := v.Transfer(alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := v.BalanceOf(alice); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("alice balance: want 60, got %s", got)
	}
	if got := v.BalanceOf(bob); got.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("bob balance: want 40, got %s", got)
	}
}

func TestVaultTransferInsufficient(t *testing.T) {
	v, _ := NewVault(tokenAddr, 18, nil)
	_ = v.Mint(alice, big.NewInt(10))

	err := v.Transfer(alice, bob, big.NewInt(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	if got := v.BalanceOf(alice); got.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("failed transfer must not move funds: got %s", got)
	}
}

func TestBankSendRejectedByHook(t *testing.T) {
	b := NewBank()
	_ = b.Credit(alice, big.NewInt(100))
	b.SetReceiveHook(bob, func(*big.Int) error {
		return errors.New("no native accepted")
	})

	if err := b.Send(alice, bob, big.NewInt(50)); err == nil {
		t.Fatal("hook rejection should fail the send")
	}
	if got := b.BalanceOf(alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("rejected send must not move value: got %s", got)
	}
	if got := b.BalanceOf(bob); got.Sign() != 0 {
		t.Fatalf("rejected recipient must not be credited: got %s", got)
	}

	b.SetReceiveHook(bob, nil)
	if err := b.Send(alice, bob, big.NewInt(50)); err != nil {
		t.Fatalf("send after hook cleared: %v", err)
	}
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	b := NewBank()
	wethAddr := common.HexToAddress("0xaaaa000000000000000000000000000000000002")
	w, err := NewWrapped(wethAddr, b, nil)
	if err != nil {
		t.Fatalf("new wrapped: %v", err)
	}
	_ = b.Credit(alice, big.NewInt(100))

	if err := w.Wrap(alice, big.NewInt(70)); err != nil {
		t.Fatalf("wrap: %v", err)
	}
	if got := w.BalanceOf(alice); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("wrapped balance: want 70, got %s", got)
	}
	if got := b.BalanceOf(alice); got.Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("native balance: want 30, got %s", got)
	}

	if err := w.Unwrap(alice, bob, big.NewInt(70)); err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if got := b.BalanceOf(bob); got.Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("unwrap recipient: want 70, got %s", got)
	}
}

func TestUnwrapRejectedRestoresWrapped(t *testing.T) {
	b := NewBank()
	wethAddr := common.HexToAddress("0xaaaa000000000000000000000000000000000002")
	w, _ := NewWrapped(wethAddr, b, nil)
	_ = b.Credit(alice, big.NewInt(100))
	_ = w.Wrap(alice, big.NewInt(100))

	b.SetReceiveHook(bob, func(*big.Int) error { return errors.New("reject") })

	if err := w.Unwrap(alice, bob, big.NewInt(100)); err == nil {
		t.Fatal("unwrap to rejecting recipient should fail")
	}
	if got := w.BalanceOf(alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("failed unwrap must restore wrapped balance: got %s", got)
	}
}
