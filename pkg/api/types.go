package api

import (
	"encoding/json"
	"math/big"

	"github.com/shopspring/decimal"
)

// Request envelope and response types for the REST surface.

// SignedRequest wraps every state-changing request. The signature covers
// the method name, caller, nonce, and raw payload; the server recovers
// the signer and rejects addresses that do not match. Nonces must be
// strictly increasing per caller.
type SignedRequest struct {
	Caller    string          `json:"caller"`
	Nonce     uint64          `json:"nonce"`
	Signature string          `json:"signature"` // hex, 65 bytes
	Payload   json.RawMessage `json:"payload"`
}

// DepositPayload adds liquidity. Amounts are base-unit integers encoded
// as decimal strings.
type DepositPayload struct {
	TokenA      string `json:"tokenA"`
	TokenB      string `json:"tokenB"`
	AmountA     string `json:"amountA"`
	AmountB     string `json:"amountB"`
	SwapBalance bool   `json:"swapBalance,omitempty"`
	Wrap        bool   `json:"wrap,omitempty"`
	To          string `json:"to,omitempty"`
	GasLimit    uint64 `json:"gasLimit"`
	GasPrice    string `json:"gasPrice,omitempty"` // empty adopts the node's snapshot
	Value       string `json:"value"`
}

type WithdrawPayload struct {
	TokenA     string `json:"tokenA"`
	TokenB     string `json:"tokenB"`
	Liquidity  string `json:"liquidity"`
	MinAmountA string `json:"minAmountA,omitempty"`
	MinAmountB string `json:"minAmountB,omitempty"`
	Unwrap     bool   `json:"unwrap,omitempty"`
	To         string `json:"to,omitempty"`
	GasLimit   uint64 `json:"gasLimit"`
	GasPrice   string `json:"gasPrice,omitempty"`
	Value      string `json:"value"`
}

type SellPayload struct {
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	AmountOutMin string `json:"amountOutMin,omitempty"`
	Wrap         bool   `json:"wrap,omitempty"`
	Unwrap       bool   `json:"unwrap,omitempty"`
	To           string `json:"to,omitempty"`
	GasLimit     uint64 `json:"gasLimit"`
	GasPrice     string `json:"gasPrice,omitempty"`
	Value        string `json:"value"`
}

type BuyPayload struct {
	TokenIn     string `json:"tokenIn"`
	TokenOut    string `json:"tokenOut"`
	AmountOut   string `json:"amountOut"`
	AmountInMax string `json:"amountInMax"`
	Wrap        bool   `json:"wrap,omitempty"`
	Unwrap      bool   `json:"unwrap,omitempty"`
	To          string `json:"to,omitempty"`
	GasLimit    uint64 `json:"gasLimit"`
	GasPrice    string `json:"gasPrice,omitempty"`
	Value       string `json:"value"`
}

type CancelPayload struct {
	OrderID uint64 `json:"orderId"`
}

type RetryPayload struct {
	OrderID uint64 `json:"orderId"`
}

type SweepPayload struct {
	OrderID uint64 `json:"orderId"`
	To      string `json:"to"`
}

type ExecutePayload struct {
	// OrderIDs limits the batch; empty executes everything due, in order.
	OrderIDs []uint64 `json:"orderIds,omitempty"`
}

// OrderInfo is the client view of a queued order.
type OrderInfo struct {
	ID            uint64 `json:"id"`
	Type          string `json:"type"`
	Status        string `json:"status"` // pending, executed, canceled, refundPending
	PairID        string `json:"pairId"` // 8 hex chars
	Owner         string `json:"owner"`
	To            string `json:"to"`
	ValidAfter    uint32 `json:"validAfter"`
	ExpiresAt     uint32 `json:"expiresAt"`
	GasLimit      uint64 `json:"gasLimit"`
	GasPrice      string `json:"gasPrice"`
	Amount0       string `json:"amount0,omitempty"`
	Amount1       string `json:"amount1,omitempty"`
	Liquidity     string `json:"liquidity,omitempty"`
	AmountLimit0  string `json:"amountLimit0,omitempty"`
	AmountLimit1  string `json:"amountLimit1,omitempty"`
	Inverted      bool   `json:"inverted,omitempty"`
	Unwrap        bool   `json:"unwrap,omitempty"`
	SwapBalance   bool   `json:"swapBalance,omitempty"`
	RefundPending bool   `json:"refundPending,omitempty"`
}

// PairInfo is a pool's public state. Reserve fields are human-readable
// decimals scaled by token decimals; raw fields are base units.
type PairInfo struct {
	PairID      string          `json:"pairId"`
	Address     string          `json:"address"`
	Token0      string          `json:"token0"`
	Token1      string          `json:"token1"`
	Reserve0    decimal.Decimal `json:"reserve0"`
	Reserve1    decimal.Decimal `json:"reserve1"`
	Reserve0Raw string          `json:"reserve0Raw"`
	Reserve1Raw string          `json:"reserve1Raw"`
	SwapFeeBps  int64           `json:"swapFeeBps"`
	MintFeeBps  int64           `json:"mintFeeBps"`
	BurnFeeBps  int64           `json:"burnFeeBps"`
}

// PriceInfo reports a pair's current spot price as a decimal.
type PriceInfo struct {
	PairID    string          `json:"pairId"`
	Spot      decimal.Decimal `json:"spot"`
	Timestamp uint32          `json:"timestamp"`
}

// AccountInfo reports balances for one address across the native asset
// and every registered token.
type AccountInfo struct {
	Address  string            `json:"address"`
	Native   string            `json:"native"`
	Balances map[string]string `json:"balances"` // token address -> base units
}

type QueueStatus struct {
	LastProcessed uint64 `json:"lastProcessed"`
	Newest        uint64 `json:"newest"`
	Pending       uint64 `json:"pending"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// WSSubscribeRequest is the client->server subscription control message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// displayAmount renders base units at the token's decimal scale.
func displayAmount(v *big.Int, decimals uint8) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -int32(decimals))
}
