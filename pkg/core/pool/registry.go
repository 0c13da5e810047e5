package pool

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/delayswap/delayswap/pkg/core/oracle"
	"github.com/delayswap/delayswap/pkg/core/order"
	"github.com/delayswap/delayswap/pkg/core/token"
	"github.com/delayswap/delayswap/pkg/util"
)

// Registry resolves token pairs to pools and owns fee administration.
// Pair ids are 4-byte fingerprints of the pool address; collisions are
// rejected at creation so the compact id stays a safe key everywhere else.
type Registry struct {
	mu    sync.RWMutex
	owner common.Address

	pairs         map[common.Address]*ReservePool // pool address -> pool
	byTokens      map[[2]common.Address]common.Address
	byFingerprint map[uint32]common.Address
}

func NewRegistry(owner common.Address) *Registry {
	return &Registry{
		owner:         owner,
		pairs:         make(map[common.Address]*ReservePool),
		byTokens:      make(map[[2]common.Address]common.Address),
		byFingerprint: make(map[uint32]common.Address),
	}
}

func (r *Registry) Owner() common.Address { return r.owner }

// PoolAddress derives a deterministic synthetic address for a token pair.
func PoolAddress(token0, token1 common.Address) common.Address {
	h := crypto.Keccak256(token0.Bytes(), token1.Bytes())
	return common.BytesToAddress(h[12:])
}

// Create registers a pool for a canonical token pair. Tokens are
// canonicalized internally; a fingerprint collision or an existing pair is
// an error.
func (r *Registry) Create(a, b token.Token, clock util.Clock) (*ReservePool, error) {
	addr0, addr1 := order.SortTokens(a.Addr(), b.Addr())
	token0, token1 := a, b
	if addr0 != a.Addr() {
		token0, token1 = b, a
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]common.Address{addr0, addr1}
	if _, exists := r.byTokens[key]; exists {
		return nil, fmt.Errorf("registry: pair %s/%s already exists", addr0.Hex(), addr1.Hex())
	}

	poolAddr := PoolAddress(addr0, addr1)
	fp := order.PairFingerprint(poolAddr)
	if prior, collides := r.byFingerprint[fp]; collides {
		return nil, fmt.Errorf("registry: pair id %08x collides with pool %s", fp, prior.Hex())
	}

	orcl, err := oracle.New(token0.Decimals(), token1.Decimals(), clock)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	p := NewReservePool(poolAddr, token0, token1, orcl)
	r.pairs[poolAddr] = p
	r.byTokens[key] = poolAddr
	r.byFingerprint[fp] = poolAddr
	return p, nil
}

// Lookup resolves a token pair (any order) to its pool.
func (r *Registry) Lookup(a, b common.Address) (*ReservePool, bool) {
	addr0, addr1 := order.SortTokens(a, b)

	r.mu.RLock()
	defer r.mu.RUnlock()

	poolAddr, ok := r.byTokens[[2]common.Address{addr0, addr1}]
	if !ok {
		return nil, false
	}
	return r.pairs[poolAddr], true
}

// ByFingerprint resolves a compact pair id to its pool.
func (r *Registry) ByFingerprint(id uint32) (*ReservePool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	poolAddr, ok := r.byFingerprint[id]
	if !ok {
		return nil, false
	}
	return r.pairs[poolAddr], true
}

// List returns all registered pools.
func (r *Registry) List() []*ReservePool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ReservePool, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// SetFees updates a pool's fee schedule. Owner only.
func (r *Registry) SetFees(caller common.Address, poolAddr common.Address, swapBps, mintBps, burnBps int64) error {
	if caller != r.owner {
		return fmt.Errorf("registry: caller %s is not owner", caller.Hex())
	}
	if swapBps < 0 || mintBps < 0 || burnBps < 0 || swapBps >= 10_000 || mintBps >= 10_000 || burnBps >= 10_000 {
		return fmt.Errorf("registry: fee out of range")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pairs[poolAddr]
	if !ok {
		return fmt.Errorf("registry: pool %s not found", poolAddr.Hex())
	}
	p.mu.Lock()
	p.swapFeeBps, p.mintFeeBps, p.burnFeeBps = swapBps, mintBps, burnBps
	p.mu.Unlock()
	return nil
}

// Collect drains a pool's accumulated protocol fees. Owner only.
func (r *Registry) Collect(caller common.Address, poolAddr, to common.Address) error {
	if caller != r.owner {
		return fmt.Errorf("registry: caller %s is not owner", caller.Hex())
	}

	r.mu.RLock()
	p, ok := r.pairs[poolAddr]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: pool %s not found", poolAddr.Hex())
	}

	_, _, err := p.CollectFees(to)
	return err
}
