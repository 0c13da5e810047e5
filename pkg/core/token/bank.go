package token

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ReceiveHook runs when an address is credited native value. A non-nil
// error rejects the transfer, modeling recipients that refuse native
// receipt. Tests install hooks; production addresses have none.
type ReceiveHook func(amount *big.Int) error

// Bank holds native-asset balances. Sends consult the recipient's receive
// hook, so a hostile recipient makes the send fail without moving value.
type Bank struct {
	mu       sync.RWMutex
	balances map[common.Address]*big.Int
	hooks    map[common.Address]ReceiveHook
}

func NewBank() *Bank {
	return &Bank{
		balances: make(map[common.Address]*big.Int),
		hooks:    make(map[common.Address]ReceiveHook),
	}
}

func (b *Bank) BalanceOf(addr common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Credit mints native value to an address. Genesis/test funding.
func (b *Bank) Credit(addr common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credit(addr, amount)
	return nil
}

// Send moves native value. The recipient's receive hook, if any, runs
// before the balances move; its error aborts the send with funds intact.
func (b *Bank) Send(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	bal, ok := b.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: native sender %s", ErrInsufficientBalance, from.Hex())
	}

	if hook, ok := b.hooks[to]; ok && hook != nil {
		if err := hook(amount); err != nil {
			return fmt.Errorf("recipient %s rejected native transfer: %w", to.Hex(), err)
		}
	}

	bal.Sub(bal, amount)
	b.credit(to, amount)
	return nil
}

// SetReceiveHook installs or clears (nil) a recipient hook.
func (b *Bank) SetReceiveHook(addr common.Address, hook ReceiveHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		delete(b.hooks, addr)
		return
	}
	b.hooks[addr] = hook
}

func (b *Bank) credit(addr common.Address, amount *big.Int) {
	bal, ok := b.balances[addr]
	if !ok {
		bal = new(big.Int)
		b.balances[addr] = bal
	}
	bal.Add(bal, amount)
}

// Wrapped is the wrapped-native token: a vault whose supply is backed
// one-to-one by native value held at its own address in the bank.
type Wrapped struct {
	*Vault
	bank *Bank
}

func NewWrapped(addr common.Address, bank *Bank, store BalanceStore) (*Wrapped, error) {
	v, err := NewVault(addr, 18, store)
	if err != nil {
		return nil, err
	}
	return &Wrapped{Vault: v, bank: bank}, nil
}

// Wrap converts native value into wrapped tokens.
func (w *Wrapped) Wrap(holder common.Address, amount *big.Int) error {
	if err := w.bank.Send(holder, w.Addr(), amount); err != nil {
		return fmt.Errorf("wrap: %w", err)
	}
	return w.Mint(holder, amount)
}

// Unwrap burns wrapped tokens and sends native value to the recipient.
// The native send runs last so a rejecting recipient leaves the holder's
// wrapped balance untouched.
func (w *Wrapped) Unwrap(holder, to common.Address, amount *big.Int) error {
	if err := w.Burn(holder, amount); err != nil {
		return fmt.Errorf("unwrap: %w", err)
	}
	if err := w.bank.Send(w.Addr(), to, amount); err != nil {
		// Restore the burned balance; the unwrap never happened.
		_ = w.Mint(holder, amount)
		return fmt.Errorf("unwrap: %w", err)
	}
	return nil
}
