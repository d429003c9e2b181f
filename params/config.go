package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Engine holds the round-clock and fee parameters. Interval and GenesisTime
// are fixed per deployment: a 60s engine and a 3600s engine are different
// deployments of the same binary, never a runtime switch.
type Engine struct {
	IntervalSeconds int64
	GenesisTime     int64 // unix seconds of epoch 0 start, must sit on an interval boundary by definition
	CommissionBps   int64 // protocol fee on the losing side, capped at MaxCommissionBps
	Operator        string
	// Products maps product symbol -> oracle price id.
	Products map[string]string
}

type Node struct {
	DBPath  string
	APIAddr string
	LogFile string
	// DriveRounds enables the internal ticker that calls OpenAndCloseRound on
	// every interval boundary. Disable when an external keeper drives rounds.
	DriveRounds bool
}

type Oracle struct {
	// FeedURL is the websocket price stream. Empty means static prices only
	// (dev mode); live deployments always set it.
	FeedURL string
	// StaleAfter bounds how old a cached feed price may be before
	// VerifyAndFetch refuses to vouch for it.
	StaleAfter time.Duration
}

type Config struct {
	Engine Engine
	Node   Node
	Oracle Oracle
}

func Default() Config {
	return Config{
		Engine: Engine{
			IntervalSeconds: 60,
			GenesisTime:     1704067200, // 2024-01-01T00:00:00Z
			CommissionBps:   100,
			Products:        map[string]string{"BTC-USD": "btc-usd"},
		},
		Node: Node{
			DBPath:      "data/engine",
			APIAddr:     ":8080",
			LogFile:     "data/engine.log",
			DriveRounds: true,
		},
		Oracle: Oracle{
			StaleAfter: 30 * time.Second,
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

	if v := os.Getenv("ENGINE_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Engine.IntervalSeconds = n
		}
	}
	if v := os.Getenv("ENGINE_GENESIS_TIME"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.GenesisTime = n
		}
	}
	if v := os.Getenv("ENGINE_COMMISSION_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Engine.CommissionBps = n
		}
	}
	if v := os.Getenv("ENGINE_OPERATOR"); v != "" {
		cfg.Engine.Operator = v
	}

	// Products from comma-separated "SYMBOL=priceID" pairs.
	// Example: ENGINE_PRODUCTS="BTC-USD=btc-usd,ETH-USD=eth-usd"
	if v := os.Getenv("ENGINE_PRODUCTS"); v != "" {
		products := make(map[string]string)
		for _, pair := range strings.Split(v, ",") {
			sym, id, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if ok && sym != "" && id != "" {
				products[sym] = id
			}
		}
		if len(products) > 0 {
			cfg.Engine.Products = products
		}
	}

	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("DRIVE_ROUNDS"); v != "" {
		cfg.Node.DriveRounds = v == "true"
	}

	if v := os.Getenv("ORACLE_FEED_URL"); v != "" {
		cfg.Oracle.FeedURL = v
	}
	if v := os.Getenv("ORACLE_STALE_AFTER_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Oracle.StaleAfter = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}
