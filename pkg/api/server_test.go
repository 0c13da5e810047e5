package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/delayswap/delayswap/params"
	"github.com/delayswap/delayswap/pkg/core/engine"
	"github.com/delayswap/delayswap/pkg/core/gas"
	"github.com/delayswap/delayswap/pkg/core/ledger"
	"github.com/delayswap/delayswap/pkg/core/pool"
	"github.com/delayswap/delayswap/pkg/core/token"
	dscrypto "github.com/delayswap/delayswap/pkg/crypto"
	"github.com/delayswap/delayswap/pkg/util"
)

var (
	ownerAddr  = common.HexToAddress("0xaa")
	seederAddr = common.HexToAddress("0x5eed")
	tokenXAddr = common.HexToAddress("0x01")
	tokenYAddr = common.HexToAddress("0x02")
	wethAddr   = common.HexToAddress("0x03")
)

const testGasLimit = uint64(500_000)

var (
	testGasPrice = big.NewInt(1_000_000_000)
	oneEth       = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

func bigEth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneEth)
}

type apiRig struct {
	t      *testing.T
	clock  *util.FakeClock
	srv    *Server
	eng    *engine.Engine
	bank   *token.Bank
	x, y   *token.Vault
	pool   *pool.ReservePool
	signer *dscrypto.Signer
	nonce  uint64
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	bank := token.NewBank()
	weth, err := token.NewWrapped(wethAddr, bank, nil)
	if err != nil {
		t.Fatalf("new wrapped: %v", err)
	}
	x, err := token.NewVault(tokenXAddr, 18, nil)
	if err != nil {
		t.Fatalf("new vault x: %v", err)
	}
	y, err := token.NewVault(tokenYAddr, 18, nil)
	if err != nil {
		t.Fatalf("new vault y: %v", err)
	}

	reg := pool.NewRegistry(ownerAddr)
	p, err := reg.Create(x, y, clock)
	if err != nil {
		t.Fatalf("create pool: %v", err)
	}
	book, err := ledger.New(nil)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}

	cfg := params.Default()
	eng := engine.New(cfg, ownerAddr, engine.Deps{
		Clock:    clock,
		Registry: reg,
		Ledger:   book,
		Bank:     bank,
		Wrapped:  weth,
		Costs:    gas.NewCostTable(cfg.Gas.DefaultTransferCost),
	})

	signer, err := dscrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// Seed the pool and fund the signer.
	for _, addr := range []common.Address{seederAddr, signer.Address()} {
		if err := x.Mint(addr, bigEth(1_000_000)); err != nil {
			t.Fatalf("mint x: %v", err)
		}
		if err := y.Mint(addr, bigEth(1_000_000)); err != nil {
			t.Fatalf("mint y: %v", err)
		}
		if err := bank.Credit(addr, bigEth(1000)); err != nil {
			t.Fatalf("credit native: %v", err)
		}
	}
	if _, err := p.Mint(seederAddr, seederAddr, bigEth(1000), bigEth(2000)); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	srv := NewServer(eng, reg, bank, cfg, zap.NewNop().Sugar())
	return &apiRig{
		t: t, clock: clock, srv: srv, eng: eng, bank: bank,
		x: x, y: y, pool: p, signer: signer,
	}
}

// signedBody builds a SignedRequest envelope for method with the rig's
// signer, advancing the nonce.
func (r *apiRig) signedBody(method string, payload interface{}) []byte {
	r.t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		r.t.Fatalf("marshal payload: %v", err)
	}
	r.nonce++
	digest := dscrypto.RequestDigest(method, r.signer.Address(), r.nonce, raw)
	sig, err := r.signer.Sign(digest.Bytes())
	if err != nil {
		r.t.Fatalf("sign: %v", err)
	}
	body, err := json.Marshal(SignedRequest{
		Caller:    r.signer.Address().Hex(),
		Nonce:     r.nonce,
		Signature: hex.EncodeToString(sig),
		Payload:   raw,
	})
	if err != nil {
		r.t.Fatalf("marshal envelope: %v", err)
	}
	return body
}

func (r *apiRig) post(path string, body []byte) *httptest.ResponseRecorder {
	r.t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (r *apiRig) get(path string) *httptest.ResponseRecorder {
	r.t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	r.srv.Router().ServeHTTP(rec, req)
	return rec
}

func (r *apiRig) sellPayload(amountIn, minOut *big.Int) SellPayload {
	prepay := new(big.Int).Mul(new(big.Int).SetUint64(testGasLimit), testGasPrice)
	minOutStr := ""
	if minOut != nil {
		minOutStr = minOut.String()
	}
	return SellPayload{
		TokenIn:      tokenXAddr.Hex(),
		TokenOut:     tokenYAddr.Hex(),
		AmountIn:     amountIn.String(),
		AmountOutMin: minOutStr,
		GasLimit:     testGasLimit,
		GasPrice:     testGasPrice.String(),
		Value:        prepay.String(),
	}
}

func TestHealthEndpoint(t *testing.T) {
	r := newAPIRig(t)
	rec := r.get("/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
}

func TestSubmitSellAndExecute(t *testing.T) {
	r := newAPIRig(t)

	rec := r.post("/api/v1/orders/sell", r.signedBody("sell", r.sellPayload(bigEth(100), bigEth(190))))
	if rec.Code != http.StatusOK {
		t.Fatalf("sell status = %d body = %s", rec.Code, rec.Body.String())
	}
	var info OrderInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if info.ID != 1 || info.Type != "Sell" || info.Status != "pending" {
		t.Fatalf("unexpected order info: %+v", info)
	}

	r.clock.Advance(6 * time.Minute)

	rec = r.post("/api/v1/execute", r.signedBody("execute", ExecutePayload{}))
	if rec.Code != http.StatusOK {
		t.Fatalf("execute status = %d body = %s", rec.Code, rec.Body.String())
	}
	var receipt engine.Receipt
	if err := json.Unmarshal(rec.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if receipt.LastProcessed != 1 {
		t.Fatalf("lastProcessed = %d, want 1", receipt.LastProcessed)
	}

	rec = r.get("/api/v1/orders/1")
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if info.Status != "executed" {
		t.Fatalf("status = %s, want executed", info.Status)
	}

	// Proceeds at the 2.0 average price.
	got := r.y.BalanceOf(r.signer.Address())
	want := new(big.Int).Add(bigEth(1_000_000), bigEth(200))
	if got.Cmp(want) != 0 {
		t.Fatalf("y balance = %s, want %s", got, want)
	}
}

func TestRejectsBadSignature(t *testing.T) {
	r := newAPIRig(t)

	body := r.signedBody("sell", r.sellPayload(bigEth(100), bigEth(190)))

	// Claim a different caller than the one who signed.
	var env SignedRequest
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	env.Caller = common.HexToAddress("0xdead").Hex()
	tampered, _ := json.Marshal(env)

	rec := r.post("/api/v1/orders/sell", tampered)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if r.eng.Ledger().Newest() != 0 {
		t.Fatal("tampered request reached the ledger")
	}
}

func TestRejectsReplayedNonce(t *testing.T) {
	r := newAPIRig(t)

	body := r.signedBody("sell", r.sellPayload(bigEth(100), nil))
	if rec := r.post("/api/v1/orders/sell", body); rec.Code != http.StatusOK {
		t.Fatalf("first submit status = %d body = %s", rec.Code, rec.Body.String())
	}
	// Identical envelope again: same nonce, same signature.
	if rec := r.post("/api/v1/orders/sell", body); rec.Code != http.StatusUnauthorized {
		t.Fatalf("replay status = %d, want 401", rec.Code)
	}
	if r.eng.Ledger().Newest() != 1 {
		t.Fatalf("newest = %d, want 1", r.eng.Ledger().Newest())
	}
}

func TestCancelThroughAPI(t *testing.T) {
	r := newAPIRig(t)

	rec := r.post("/api/v1/orders/sell", r.signedBody("sell", r.sellPayload(bigEth(100), nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("sell status = %d body = %s", rec.Code, rec.Body.String())
	}

	// Too early to cancel.
	rec = r.post("/api/v1/orders/cancel", r.signedBody("cancel", CancelPayload{OrderID: 1}))
	if rec.Code != http.StatusConflict {
		t.Fatalf("early cancel status = %d, want 409", rec.Code)
	}

	r.clock.Advance(16 * time.Minute)
	rec = r.post("/api/v1/orders/cancel", r.signedBody("cancel", CancelPayload{OrderID: 1}))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d body = %s", rec.Code, rec.Body.String())
	}

	rec = r.get("/api/v1/orders/1")
	var info OrderInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatalf("decode order: %v", err)
	}
	if info.Status != "canceled" {
		t.Fatalf("status = %s, want canceled", info.Status)
	}
}

func TestPairsAndPriceEndpoints(t *testing.T) {
	r := newAPIRig(t)

	rec := r.get("/api/v1/pairs")
	if rec.Code != http.StatusOK {
		t.Fatalf("pairs status = %d", rec.Code)
	}
	var pairs []PairInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &pairs); err != nil {
		t.Fatalf("decode pairs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("pairs = %d, want 1", len(pairs))
	}
	if pairs[0].Reserve0Raw != bigEth(1000).String() || pairs[0].Reserve1Raw != bigEth(2000).String() {
		t.Fatalf("unexpected reserves: %+v", pairs[0])
	}

	rec = r.get(fmt.Sprintf("/api/v1/pairs/%s/price", pairs[0].PairID))
	if rec.Code != http.StatusOK {
		t.Fatalf("price status = %d body = %s", rec.Code, rec.Body.String())
	}
	var price PriceInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &price); err != nil {
		t.Fatalf("decode price: %v", err)
	}
	if price.Spot.String() != "2" {
		t.Fatalf("spot = %s, want 2", price.Spot)
	}
}

func TestAccountEndpoint(t *testing.T) {
	r := newAPIRig(t)

	rec := r.get("/api/v1/accounts/" + r.signer.Address().Hex())
	if rec.Code != http.StatusOK {
		t.Fatalf("account status = %d", rec.Code)
	}
	var acct AccountInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &acct); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if acct.Native != bigEth(1000).String() {
		t.Fatalf("native = %s", acct.Native)
	}
	if acct.Balances[tokenXAddr.Hex()] != bigEth(1_000_000).String() {
		t.Fatalf("x balance = %s", acct.Balances[tokenXAddr.Hex()])
	}
}

func TestQueueEndpoint(t *testing.T) {
	r := newAPIRig(t)

	rec := r.post("/api/v1/orders/sell", r.signedBody("sell", r.sellPayload(bigEth(10), nil)))
	if rec.Code != http.StatusOK {
		t.Fatalf("sell status = %d", rec.Code)
	}

	rec = r.get("/api/v1/queue")
	var q QueueStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if q.Newest != 1 || q.LastProcessed != 0 || q.Pending != 1 {
		t.Fatalf("unexpected queue status: %+v", q)
	}
}
