package tests

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/delayswap/delayswap/params"
	"github.com/delayswap/delayswap/pkg/core/engine"
	"github.com/delayswap/delayswap/pkg/core/gas"
	"github.com/delayswap/delayswap/pkg/core/ledger"
	"github.com/delayswap/delayswap/pkg/core/order"
	"github.com/delayswap/delayswap/pkg/core/pool"
	"github.com/delayswap/delayswap/pkg/core/token"
	"github.com/delayswap/delayswap/pkg/storage"
	"github.com/delayswap/delayswap/pkg/util"
)

var (
	e2eOwner    = common.HexToAddress("0xaa")
	e2eAlice    = common.HexToAddress("0xa1")
	e2eBob      = common.HexToAddress("0xb0")
	e2eExecutor = common.HexToAddress("0xe0")
	e2eSeeder   = common.HexToAddress("0x5eed")

	e2eTokenX = common.HexToAddress("0x01")
	e2eTokenY = common.HexToAddress("0x02")
	e2eWeth   = common.HexToAddress("0x03")
)

const e2eGasLimit = uint64(500_000)

var e2eGasPrice = big.NewInt(1_000_000_000)

func eth(n int64) *big.Int {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), one)
}

func prepay() *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(e2eGasLimit), e2eGasPrice)
}

type stack struct {
	clock *util.FakeClock
	store *storage.PebbleStore
	bank  *token.Bank
	x, y  *token.Vault
	pool  *pool.ReservePool
	book  *ledger.Ledger
	eng   *engine.Engine
}

// buildStack assembles a node the way cmd/node does, but on a FakeClock
// and a throwaway pebble directory.
func buildStack(t *testing.T, dir string) *stack {
	t.Helper()

	store, err := storage.NewPebbleStore(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("pebble: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	bank := token.NewBank()
	weth, err := token.NewWrapped(e2eWeth, bank, nil)
	if err != nil {
		t.Fatalf("wrapped: %v", err)
	}
	x, err := token.NewVault(e2eTokenX, 18, store)
	if err != nil {
		t.Fatalf("vault x: %v", err)
	}
	y, err := token.NewVault(e2eTokenY, 18, store)
	if err != nil {
		t.Fatalf("vault y: %v", err)
	}

	reg := pool.NewRegistry(e2eOwner)
	p, err := reg.Create(x, y, clock)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}

	book, err := ledger.New(store)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}

	cfg := params.Default()
	eng := engine.New(cfg, e2eOwner, engine.Deps{
		Clock:    clock,
		Registry: reg,
		Ledger:   book,
		Bank:     bank,
		Wrapped:  weth,
		Costs:    gas.NewCostTable(cfg.Gas.DefaultTransferCost),
	})

	return &stack{clock: clock, store: store, bank: bank, x: x, y: y, pool: p, book: book, eng: eng}
}

func (s *stack) fund(t *testing.T, addr common.Address) {
	t.Helper()
	if err := s.x.Mint(addr, eth(1_000_000)); err != nil {
		t.Fatalf("mint x: %v", err)
	}
	if err := s.y.Mint(addr, eth(1_000_000)); err != nil {
		t.Fatalf("mint y: %v", err)
	}
	if err := s.bank.Credit(addr, eth(1000)); err != nil {
		t.Fatalf("credit: %v", err)
	}
}

func (s *stack) execute(t *testing.T, orders ...*order.Order) *engine.Receipt {
	t.Helper()
	receipt, err := s.eng.Execute(e2eExecutor, orders)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return receipt
}

// TestDepositTradeWithdrawLifecycle walks the whole pipeline: liquidity in,
// both trade directions at the time-weighted average price, liquidity out.
func TestDepositTradeWithdrawLifecycle(t *testing.T) {
	s := buildStack(t, t.TempDir())
	s.fund(t, e2eSeeder)
	s.fund(t, e2eAlice)
	s.fund(t, e2eBob)

	if _, err := s.pool.Mint(e2eSeeder, e2eSeeder, eth(1000), eth(2000)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	dep, err := s.eng.EnqueueDeposit(e2eAlice, engine.DepositRequest{
		TokenA: e2eTokenX, TokenB: e2eTokenY,
		AmountA: eth(100), AmountB: eth(200),
		GasLimit: e2eGasLimit, GasPrice: e2eGasPrice, Value: prepay(),
	})
	if err != nil {
		t.Fatalf("enqueue deposit: %v", err)
	}
	sell, err := s.eng.EnqueueSell(e2eBob, engine.SellRequest{
		TokenIn: e2eTokenX, TokenOut: e2eTokenY,
		AmountIn: eth(100), AmountOutMin: eth(190),
		GasLimit: e2eGasLimit, GasPrice: e2eGasPrice, Value: prepay(),
	})
	if err != nil {
		t.Fatalf("enqueue sell: %v", err)
	}
	buy, err := s.eng.EnqueueBuy(e2eBob, engine.BuyRequest{
		TokenIn: e2eTokenX, TokenOut: e2eTokenY,
		AmountOut: eth(10), AmountInMax: eth(50),
		GasLimit: e2eGasLimit, GasPrice: e2eGasPrice, Value: prepay(),
	})
	if err != nil {
		t.Fatalf("enqueue buy: %v", err)
	}

	s.clock.Advance(6 * time.Minute)
	receipt := s.execute(t, dep, sell, buy)
	if receipt.LastProcessed != 3 {
		t.Fatalf("lastProcessed = %d, want 3", receipt.LastProcessed)
	}
	for _, res := range receipt.Results {
		if res.Status != engine.StatusSucceeded {
			t.Fatalf("order %d: status %s reason %s", res.ID, res.Status, res.Reason)
		}
	}

	lp := s.pool.LiquidityOf(e2eAlice)
	if lp.Sign() <= 0 {
		t.Fatal("deposit minted no liquidity")
	}

	// Sell of 100 x at the 2.0 average pays exactly 200 y. The buy of
	// 10 y costs 5 x and refunds the unused 45 of the 50 escrowed.
	wantY := new(big.Int).Add(eth(1_000_000), eth(210))
	if got := s.y.BalanceOf(e2eBob); got.Cmp(wantY) != 0 {
		t.Fatalf("bob y = %s, want %s", got, wantY)
	}
	wantX := new(big.Int).Sub(eth(1_000_000), eth(105))
	if got := s.x.BalanceOf(e2eBob); got.Cmp(wantX) != 0 {
		t.Fatalf("bob x = %s, want %s", got, wantX)
	}

	// Withdraw everything alice minted. Expected proceeds are her
	// pro-rata share of reserves at execution time.
	r0, r1 := s.pool.Reserves()
	ts := s.pool.TotalSupply()
	want0 := new(big.Int).Div(new(big.Int).Mul(lp, r0), ts)
	want1 := new(big.Int).Div(new(big.Int).Mul(lp, r1), ts)

	x0, y0 := s.x.BalanceOf(e2eAlice), s.y.BalanceOf(e2eAlice)

	wd, err := s.eng.EnqueueWithdraw(e2eAlice, engine.WithdrawRequest{
		TokenA: e2eTokenX, TokenB: e2eTokenY,
		Liquidity: lp,
		GasLimit:  e2eGasLimit, GasPrice: e2eGasPrice, Value: prepay(),
	})
	if err != nil {
		t.Fatalf("enqueue withdraw: %v", err)
	}

	s.clock.Advance(6 * time.Minute)
	receipt = s.execute(t, wd)
	if receipt.LastProcessed != 4 {
		t.Fatalf("lastProcessed = %d, want 4", receipt.LastProcessed)
	}

	gotX := new(big.Int).Sub(s.x.BalanceOf(e2eAlice), x0)
	gotY := new(big.Int).Sub(s.y.BalanceOf(e2eAlice), y0)
	if gotX.Cmp(want0) != 0 || gotY.Cmp(want1) != 0 {
		t.Fatalf("withdraw proceeds = %s/%s, want %s/%s", gotX, gotY, want0, want1)
	}
	if s.pool.LiquidityOf(e2eAlice).Sign() != 0 {
		t.Fatal("liquidity not fully burned")
	}
}

// TestLedgerSurvivesRestart reopens the pebble-backed ledger and checks
// that digests, the cursor, and refund records come back intact.
func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := buildStack(t, dir)
	s.fund(t, e2eSeeder)
	s.fund(t, e2eAlice)
	if _, err := s.pool.Mint(e2eSeeder, e2eSeeder, eth(1000), eth(2000)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mkSell := func() *order.Order {
		o, err := s.eng.EnqueueSell(e2eAlice, engine.SellRequest{
			TokenIn: e2eTokenX, TokenOut: e2eTokenY,
			AmountIn: eth(10),
			GasLimit: e2eGasLimit, GasPrice: e2eGasPrice, Value: prepay(),
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		return o
	}

	o1 := mkSell()
	s.clock.Advance(6 * time.Minute)
	s.execute(t, o1)
	o2 := mkSell() // stays pending

	// Force a refund failure so a refund record lands in the store: the
	// recipient rejects the executor reimbursement path's native refund.
	grief := common.HexToAddress("0x9f")
	s.fund(t, grief)
	s.bank.SetReceiveHook(grief, func(*big.Int) error { panic("no thanks") })
	o3, err := s.eng.EnqueueSell(grief, engine.SellRequest{
		TokenIn: e2eTokenX, TokenOut: e2eTokenY,
		AmountIn: eth(10), AmountOutMin: eth(1_000_000), // min-out cannot be met
		GasLimit: e2eGasLimit, GasPrice: e2eGasPrice, Value: prepay(),
	})
	if err != nil {
		t.Fatalf("enqueue grief: %v", err)
	}
	s.clock.Advance(6 * time.Minute)
	receipt := s.execute(t, o2, o3)
	if receipt.Results[len(receipt.Results)-1].Status != engine.StatusStuck {
		t.Fatalf("expected stuck refund, got %+v", receipt.Results)
	}

	// Reopen the ledger from the same store.
	if err := s.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}
	store2, err := storage.NewPebbleStore(filepath.Join(dir, "db"))
	if err != nil {
		t.Fatalf("reopen pebble: %v", err)
	}
	defer store2.Close()

	book2, err := ledger.New(store2)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}

	if got := book2.LastProcessed(); got != 2 {
		t.Fatalf("lastProcessed after restart = %d, want 2", got)
	}
	if got := book2.Newest(); got != 3 {
		t.Fatalf("newest after restart = %d, want 3", got)
	}
	if !book2.Verify(o3) {
		t.Fatal("stuck order digest lost across restart")
	}
	rec, ok := book2.RefundPending(o3.ID)
	if !ok {
		t.Fatal("refund record lost across restart")
	}
	if rec.To != grief || !rec.Outstanding() {
		t.Fatalf("unexpected refund record: %+v", rec)
	}
	// The token escrow went back through the vault; only the native
	// remainder is still owed.
	if len(rec.Tokens) != 0 {
		t.Fatalf("unexpected token legs: %+v", rec.Tokens)
	}
	if rec.Native == nil || rec.Native.Sign() <= 0 {
		t.Fatalf("native leg missing: %+v", rec)
	}
}
