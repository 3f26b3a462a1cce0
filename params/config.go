package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Exchange holds the endpoints and signing identity for the exchange connection.
type Exchange struct {
	APIURL       string // JSON-over-HTTPS read/mutation endpoint base
	StreamURL    string // websocket endpoint
	Mainnet      bool   // selects the phantom-agent source ("a" vs "b")
	PrivateKey   string // hex secp256k1 key; empty means read-only mode
	VaultAddress string // optional vault/sub-account address for signed actions
	Timeout      time.Duration
}

// Health holds the connection-health supervisor timers.
type Health struct {
	CheckInterval     time.Duration // REST probe cadence
	CheckTimeout      time.Duration // per-probe deadline
	FailureThreshold  int           // consecutive failures before disconnected
	HeartbeatInterval time.Duration // stream ping cadence
	HeartbeatTimeout  time.Duration // ack deadline per ping
	InitialDelay      time.Duration // reconnect backoff base
	Multiplier        float64
	MaxDelay          time.Duration
	MaxAttempts       int
}

type Trading struct {
	Slippage float64 // market-order slippage bound, e.g. 0.03 = 3%
}

type Config struct {
	Exchange Exchange
	Health   Health
	Trading  Trading
}

func Default() Config {
	return Config{
		Exchange: Exchange{
			APIURL:    "https://api.hyperliquid.xyz",
			StreamURL: "wss://api.hyperliquid.xyz/ws",
			Mainnet:   true,
			Timeout:   10 * time.Second,
		},
		Health: Health{
			CheckInterval:     30 * time.Second,
			CheckTimeout:      10 * time.Second,
			FailureThreshold:  3,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  5 * time.Second,
			InitialDelay:      1000 * time.Millisecond,
			Multiplier:        2,
			MaxDelay:          30 * time.Second,
			MaxAttempts:       10,
		},
		Trading: Trading{
			Slippage: 0.03,
		},
	}
}

// Testnet returns the default config pointed at the testnet endpoints.
func Testnet() Config {
	cfg := Default()
	cfg.Exchange.APIURL = "https://api.hyperliquid-testnet.xyz"
	cfg.Exchange.StreamURL = "wss://api.hyperliquid-testnet.xyz/ws"
	cfg.Exchange.Mainnet = false
	return cfg
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg := Default()
	if os.Getenv("HL_TESTNET") == "true" {
		cfg = Testnet()
	}

	if v := os.Getenv("HL_API_URL"); v != "" {
		cfg.Exchange.APIURL = v
	}
	if v := os.Getenv("HL_STREAM_URL"); v != "" {
		cfg.Exchange.StreamURL = v
	}
	if v := os.Getenv("HL_PRIVATE_KEY"); v != "" {
		cfg.Exchange.PrivateKey = v
	}
	if v := os.Getenv("HL_VAULT_ADDRESS"); v != "" {
		cfg.Exchange.VaultAddress = v
	}
	if v := os.Getenv("HL_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HEALTH_CHECK_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Health.CheckInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("HEALTH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Health.MaxAttempts = n
		}
	}
	if v := os.Getenv("TRADING_SLIPPAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Trading.Slippage = f
		}
	}

	return cfg
}
