package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Engine holds the delay/expiry policy constants for the execution engine.
type Engine struct {
	// DelayInterval is added to the enqueue time to produce
	// validAfterTimestamp: the earliest moment an order may execute.
	DelayInterval time.Duration

	// MaxOrderLifetime after validAfterTimestamp; past it an order fails
	// deterministically with Expired and goes straight to refund.
	MaxOrderLifetime time.Duration

	// BotGracePeriod after validAfterTimestamp during which only the
	// registered bot may execute. Afterwards execution is permissionless.
	BotGracePeriod time.Duration

	// CancelDelay after validAfterTimestamp before anyone may cancel a
	// still-pending order.
	CancelDelay time.Duration

	// SweepDormancy is how long a refund-failed order must sit before the
	// owner may force-sweep its escrow to a fallback recipient.
	// Policy constant, roughly one year.
	SweepDormancy time.Duration
}

// Gas holds the abstract gas accounting constants.
type Gas struct {
	// BaseOverhead is added to metered handler gas when computing the
	// executor's reimbursement, covering dispatch bookkeeping.
	BaseOverhead uint64

	// DefaultTransferCost is charged per token transfer unless the engine
	// carries a per-token override.
	DefaultTransferCost uint64

	// RefundFloor is the minimum gas that must remain after a handler
	// failure so the refund attempt itself can run.
	RefundFloor uint64
}

type Node struct {
	ListenAddr string
	DataDir    string
}

type Config struct {
	Engine Engine
	Gas    Gas
	Node   Node
}

func Default() Config {
	return Config{
		Engine: Engine{
			DelayInterval:    5 * time.Minute,
			MaxOrderLifetime: 48 * time.Hour,
			BotGracePeriod:   20 * time.Minute,
			CancelDelay:      10 * time.Minute,
			SweepDormancy:    365 * 24 * time.Hour,
		},
		Gas: Gas{
			BaseOverhead:        60_000,
			DefaultTransferCost: 30_000,
			RefundFloor:         40_000,
		},
		Node: Node{
			ListenAddr: ":8080",
			DataDir:    "data",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	loadDurationMS("ENGINE_DELAY_MS", &cfg.Engine.DelayInterval)
	loadDurationMS("ENGINE_ORDER_LIFETIME_MS", &cfg.Engine.MaxOrderLifetime)
	loadDurationMS("ENGINE_BOT_GRACE_MS", &cfg.Engine.BotGracePeriod)
	loadDurationMS("ENGINE_CANCEL_DELAY_MS", &cfg.Engine.CancelDelay)
	loadDurationMS("ENGINE_SWEEP_DORMANCY_MS", &cfg.Engine.SweepDormancy)

	loadUint64("GAS_BASE_OVERHEAD", &cfg.Gas.BaseOverhead)
	loadUint64("GAS_DEFAULT_TRANSFER_COST", &cfg.Gas.DefaultTransferCost)
	loadUint64("GAS_REFUND_FLOOR", &cfg.Gas.RefundFloor)

	if addr := os.Getenv("API_LISTEN"); addr != "" {
		cfg.Node.ListenAddr = addr
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Node.DataDir = dir
	}

	return cfg
}

func loadDurationMS(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

func loadUint64(key string, dst *uint64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
