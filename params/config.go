package params

import (
	"os"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Protocol constants. These mirror the on-ledger fixed-point scales and are
// not configurable at runtime: changing them changes the meaning of every
// stored balance and index.
const (
	// RatioOne is the denominator for haircut, margin and utilization ratios.
	// A haircut of 150 means 15%.
	RatioOne = 1_000

	// RateOne is the denominator for per-second interest rates and for the
	// pool borrow/lend indexes. Indexes start at RateOne and only grow.
	RateOne = 1_000_000_000_000 // 10^12

	// PriceScale is the rescale factor applied to normalized oracle prices.
	PriceScale = 1_000_000_000 // 10^9

	// MaxFeesDivisor caps settlement fees: fee <= fill / MaxFeesDivisor.
	MaxFeesDivisor = 40
)

// Iteration bounds. Caller-supplied baskets and order lists are checked
// against these before any loop runs.
const (
	MaxInstruments   = 256
	MaxBasketLen     = 64
	MaxOrdersPerCall = 64
)

type Node struct {
	// DataDir holds the Pebble ledger database.
	DataDir string
	// ListenAddr is the REST/WebSocket bind address.
	ListenAddr string
	// GenesisTime is the unix time the ledger's relative clock starts at.
	// All instrument last-update timestamps are stored relative to it.
	GenesisTime int64
}

type Ledger struct {
	// Owner may rotate the role addresses below.
	Owner common.Address
	// FeeTarget receives settlement and withdrawal fees.
	FeeTarget common.Address
	// QuantAddress may update instruments and liquidation factors.
	QuantAddress common.Address
	// OperatorAddress may settle matched orders.
	OperatorAddress common.Address
}

type Config struct {
	Node   Node
	Ledger Ledger
}

func Default() Config {
	return Config{
		Node: Node{
			DataDir:     "./data/ledger.db",
			ListenAddr:  ":8420",
			GenesisTime: 0,
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if dir := os.Getenv("LENDEX_DATA_DIR"); dir != "" {
		cfg.Node.DataDir = dir
	}
	if addr := os.Getenv("LENDEX_LISTEN_ADDR"); addr != "" {
		cfg.Node.ListenAddr = addr
	}
	if gen := os.Getenv("LENDEX_GENESIS_TIME"); gen != "" {
		if ts, err := strconv.ParseInt(gen, 10, 64); err == nil {
			cfg.Node.GenesisTime = ts
		}
	}
	if owner := os.Getenv("LENDEX_OWNER_ADDRESS"); common.IsHexAddress(owner) {
		cfg.Ledger.Owner = common.HexToAddress(owner)
	}
	if fee := os.Getenv("LENDEX_FEE_TARGET"); common.IsHexAddress(fee) {
		cfg.Ledger.FeeTarget = common.HexToAddress(fee)
	}
	if quant := os.Getenv("LENDEX_QUANT_ADDRESS"); common.IsHexAddress(quant) {
		cfg.Ledger.QuantAddress = common.HexToAddress(quant)
	}
	if op := os.Getenv("LENDEX_OPERATOR_ADDRESS"); common.IsHexAddress(op) {
		cfg.Ledger.OperatorAddress = common.HexToAddress(op)
	}

	return cfg
}
