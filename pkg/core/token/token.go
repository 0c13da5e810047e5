package token

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrNegativeAmount      = errors.New("token: negative amount")
)

// Token is the minimal surface the engine needs from any token. Production
// balances live in a Vault; tests substitute hostile implementations that
// revert, panic, or grief on transfer.
type Token interface {
	Addr() common.Address
	Decimals() uint8
	BalanceOf(holder common.Address) *big.Int
	Transfer(from, to common.Address, amount *big.Int) error
}

// BalanceStore persists vault balances. Nil disables persistence.
type BalanceStore interface {
	SaveBalance(token, holder common.Address, amount *big.Int) error
	LoadBalances(token common.Address) (map[common.Address]*big.Int, error)
}

// Vault is an in-process token ledger: an address-keyed balance table
// guarded by a RWMutex, with optional write-through persistence.
type Vault struct {
	mu       sync.RWMutex
	addr     common.Address
	decimals uint8
	balances map[common.Address]*big.Int
	store    BalanceStore
}

func NewVault(addr common.Address, decimals uint8, store BalanceStore) (*Vault, error) {
	v := &Vault{
		addr:     addr,
		decimals: decimals,
		balances: make(map[common.Address]*big.Int),
		store:    store,
	}
	if store != nil {
		loaded, err := store.LoadBalances(addr)
		if err != nil {
			return nil, fmt.Errorf("load balances for %s: %w", addr.Hex(), err)
		}
		for holder, bal := range loaded {
			v.balances[holder] = bal
		}
	}
	return v, nil
}

func (v *Vault) Addr() common.Address { return v.addr }
func (v *Vault) Decimals() uint8      { return v.decimals }

func (v *Vault) BalanceOf(holder common.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if bal, ok := v.balances[holder]; ok {
		return new(big.Int).Set(bal)
	}
	return new(big.Int)
}

// Mint credits a holder. Used at genesis and by the wrapped-native token.
func (v *Vault) Mint(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(holder, amount)
	return v.persist(holder)
}

// Burn debits a holder.
func (v *Vault) Burn(holder common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.debit(holder, amount); err != nil {
		return err
	}
	return v.persist(holder)
}

func (v *Vault) Transfer(from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	if amount.Sign() == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.debit(from, amount); err != nil {
		return err
	}
	v.credit(to, amount)

	if err := v.persist(from); err != nil {
		return err
	}
	return v.persist(to)
}

func (v *Vault) credit(holder common.Address, amount *big.Int) {
	bal, ok := v.balances[holder]
	if !ok {
		bal = new(big.Int)
		v.balances[holder] = bal
	}
	bal.Add(bal, amount)
}

func (v *Vault) debit(holder common.Address, amount *big.Int) error {
	bal, ok := v.balances[holder]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: token %s holder %s", ErrInsufficientBalance, v.addr.Hex(), holder.Hex())
	}
	bal.Sub(bal, amount)
	return nil
}

func (v *Vault) persist(holder common.Address) error {
	if v.store == nil {
		return nil
	}
	return v.store.SaveBalance(v.addr, holder, v.balances[holder])
}
