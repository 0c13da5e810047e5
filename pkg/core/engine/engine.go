package engine

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/delayswap/delayswap/params"
	"github.com/delayswap/delayswap/pkg/core/gas"
	"github.com/delayswap/delayswap/pkg/core/ledger"
	"github.com/delayswap/delayswap/pkg/core/pool"
	"github.com/delayswap/delayswap/pkg/core/token"
	"github.com/delayswap/delayswap/pkg/storage"
	"github.com/delayswap/delayswap/pkg/util"
)

// EscrowAddress is the synthetic address holding all order escrow: token
// principals, liquidity pending withdrawal, and native gas prepayments.
var EscrowAddress = common.BytesToAddress(crypto.Keccak256([]byte("delayswap/engine/escrow"))[12:])

// Deps bundles the engine's collaborators. Clock, Log, and Journal are
// optional and default to the real clock, a nop logger, and no journal.
type Deps struct {
	Clock    util.Clock
	Log      *zap.SugaredLogger
	Journal  storage.Journal
	Registry *pool.Registry
	Ledger   *ledger.Ledger
	Bank     *token.Bank
	Wrapped  *token.Wrapped
	Costs    *gas.CostTable
}

// Engine owns the delayed-execution pipeline: enqueue escrows funds and
// records a digest, Execute resolves pending orders in FIFO order against
// time-weighted average prices, and the cancel/retry/sweep paths recover
// escrow when execution cannot.
//
// All entry points serialize on one mutex. Orders resolve one at a time
// and nothing observes intermediate state, the in-process analogue of a
// single-threaded transaction machine.
type Engine struct {
	mu sync.Mutex

	engineCfg params.Engine
	gasCfg    params.Gas

	clock   util.Clock
	log     *zap.SugaredLogger
	journal storage.Journal

	addr  common.Address
	owner common.Address
	bot   common.Address

	registry *pool.Registry
	book     *ledger.Ledger
	bank     *token.Bank
	wrapped  *token.Wrapped
	acct     *gas.Accountant

	// gasPrice is the snapshot applied to orders enqueued with a zero
	// price. The owner refreshes it as conditions move.
	gasPrice *big.Int

	// tolerance caps post-trade price impact per pair, in basis points
	// of the average price. Zero disables the check for that pair.
	tolerance map[uint32]int64

	subs []Subscriber
}

func New(cfg params.Config, owner common.Address, d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = util.RealClock{}
	}
	if d.Log == nil {
		d.Log = zap.NewNop().Sugar()
	}
	if d.Journal == nil {
		d.Journal = storage.NewNopJournal()
	}
	return &Engine{
		engineCfg: cfg.Engine,
		gasCfg:    cfg.Gas,
		clock:     d.Clock,
		log:       d.Log,
		journal:   d.Journal,
		addr:      EscrowAddress,
		owner:     owner,
		registry:  d.Registry,
		book:      d.Ledger,
		bank:      d.Bank,
		wrapped:   d.Wrapped,
		acct:      gas.NewAccountant(cfg.Gas.BaseOverhead, d.Costs, d.Bank, d.Wrapped),
		gasPrice:  big.NewInt(1_000_000_000), // 1 gwei until the owner sets one
		tolerance: make(map[uint32]int64),
	}
}

func (e *Engine) Addr() common.Address  { return e.addr }
func (e *Engine) Owner() common.Address { return e.owner }
func (e *Engine) Ledger() *ledger.Ledger { return e.book }

func (e *Engine) Bot() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bot
}

// SetBot registers the privileged executor. The zero address makes
// execution permissionless immediately.
func (e *Engine) SetBot(caller, bot common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	e.bot = bot
	return nil
}

// SetOwner transfers administration.
func (e *Engine) SetOwner(caller, owner common.Address) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	e.owner = owner
	return nil
}

// SetGasPrice refreshes the snapshot applied to zero-priced orders.
func (e *Engine) SetGasPrice(caller common.Address, price *big.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	if price == nil || price.Sign() <= 0 {
		return fmt.Errorf("engine: gas price must be positive")
	}
	e.gasPrice = new(big.Int).Set(price)
	return nil
}

func (e *Engine) GasPriceSnapshot() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.gasPrice)
}

// SetTolerance caps a pair's post-trade price deviation from the average
// price, in basis points. Zero removes the cap.
func (e *Engine) SetTolerance(caller common.Address, pairID uint32, bps int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	if bps < 0 || bps >= 10_000 {
		return fmt.Errorf("engine: tolerance %d bps out of range", bps)
	}
	if bps == 0 {
		delete(e.tolerance, pairID)
		return nil
	}
	e.tolerance[pairID] = bps
	return nil
}

// SetTransferCost overrides the metered gas cost of one token's transfers.
func (e *Engine) SetTransferCost(caller, tok common.Address, cost uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return ErrNotOwner
	}
	e.acct.Costs().SetOverride(tok, cost)
	return nil
}

// tokenByAddr resolves a token address to its implementation by checking
// the wrapped-native token and then every registered pool.
func (e *Engine) tokenByAddr(addr common.Address) (token.Token, bool) {
	if e.wrapped != nil && addr == e.wrapped.Addr() {
		return e.wrapped, true
	}
	for _, p := range e.registry.List() {
		if p.Token0().Addr() == addr {
			return p.Token0(), true
		}
		if p.Token1().Addr() == addr {
			return p.Token1(), true
		}
	}
	return nil, false
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func mulDiv(a, b, den *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Div(r, den)
}

func mulDivCeil(a, b, den *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	q, m := new(big.Int).QuoRem(r, den, new(big.Int))
	if m.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
