package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Chain struct {
	RPCURL          string
	WSURL           string // log subscriptions need a streaming endpoint; defaults to RPCURL
	ChainID         int64
	ContractAddress string
	PrivateKey      string // empty = no signing identity (read-only session)
}

type Game struct {
	// MinStake/MaxStake are decimal strings in the native asset. They only bound
	// bets until the ledger limits have been read.
	MinStake         string
	MaxStake         string
	WinMultiplier    int64
	PlacementTimeout time.Duration
	ResyncInterval   time.Duration // ledger reconciliation while a bet is open
}

type Quote struct {
	ProviderTimeout  time.Duration // per-tier attempt bound
	FallbackPrice    string
	CMCAPIKey        string
	CMCBaseURL       string
	CoinGeckoBaseURL string
	CoinGeckoIDs     []string
	ZeroXBaseURL     string
	ZeroXAPIKey      string
	RateLimitRPS     float64
	RateLimitBurst   int
	CacheTTL         time.Duration
	RedisAddr        string // empty = no shared price cache
}

type Swap struct {
	Router         string // "0x" or "transfer"
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	QuoteTTL       time.Duration
	GasLimit       uint64
}

type Node struct {
	Env            string
	APIAddr        string
	MetricsAddr    string
	LogFile        string
	RoundStorePath string // empty = in-memory journal
	KafkaBrokers   string // empty = settled rounds are not published
	KafkaTopic     string
	CORSOrigins    []string
}

type Config struct {
	Chain Chain
	Game  Game
	Quote Quote
	Swap  Swap
	Node  Node
}

func Default() Config {
	return Config{
		Chain: Chain{
			RPCURL:          "https://testnet-rpc.monad.xyz",
			ChainID:         10143, // Monad testnet
			ContractAddress: "0x3BA83Df250ebFDCEF55D05B148282F84C38949A5",
		},
		Game: Game{
			MinStake:         "0.001",
			MaxStake:         "1.0",
			WinMultiplier:    2,
			PlacementTimeout: 60 * time.Second,
			ResyncInterval:   10 * time.Second,
		},
		Quote: Quote{
			ProviderTimeout:  2500 * time.Millisecond,
			FallbackPrice:    "0.0024",
			CMCBaseURL:       "https://pro-api.coinmarketcap.com",
			CoinGeckoBaseURL: "https://api.coingecko.com",
			CoinGeckoIDs:     []string{"monad", "monad-protocol", "monad-coin"},
			ZeroXBaseURL:     "https://api.0x.org",
			RateLimitRPS:     2,
			RateLimitBurst:   4,
			CacheTTL:         10 * time.Second,
		},
		Swap: Swap{
			Router:         "0x",
			ConfirmTimeout: 2 * time.Minute,
			PollInterval:   1500 * time.Millisecond,
			QuoteTTL:       30 * time.Minute,
			GasLimit:       200000,
		},
		Node: Node{
			Env:         "local",
			APIAddr:     ":8080",
			MetricsAddr: ":9095",
			LogFile:     "",
			KafkaTopic:  "dice_rounds_settled",
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Chain.RPCURL = getEnv("CHAIN_RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.WSURL = getEnv("CHAIN_WS_URL", cfg.Chain.RPCURL)
	cfg.Chain.ChainID = getInt("CHAIN_ID", cfg.Chain.ChainID)
	cfg.Chain.ContractAddress = getEnv("DICE_CONTRACT_ADDRESS", cfg.Chain.ContractAddress)
	cfg.Chain.PrivateKey = getEnv("PLAYER_PRIVATE_KEY", "")

	cfg.Game.MinStake = getEnv("GAME_MIN_STAKE", cfg.Game.MinStake)
	cfg.Game.MaxStake = getEnv("GAME_MAX_STAKE", cfg.Game.MaxStake)
	cfg.Game.WinMultiplier = getInt("GAME_WIN_MULTIPLIER", cfg.Game.WinMultiplier)
	cfg.Game.PlacementTimeout = getMillis("GAME_PLACEMENT_TIMEOUT_MS", cfg.Game.PlacementTimeout)
	cfg.Game.ResyncInterval = getMillis("GAME_RESYNC_INTERVAL_MS", cfg.Game.ResyncInterval)

	cfg.Quote.ProviderTimeout = getMillis("QUOTE_PROVIDER_TIMEOUT_MS", cfg.Quote.ProviderTimeout)
	cfg.Quote.FallbackPrice = getEnv("QUOTE_FALLBACK_PRICE", cfg.Quote.FallbackPrice)
	cfg.Quote.CMCAPIKey = getEnv("CMC_API_KEY", "")
	cfg.Quote.CMCBaseURL = getEnv("CMC_BASE_URL", cfg.Quote.CMCBaseURL)
	cfg.Quote.CoinGeckoBaseURL = getEnv("COINGECKO_BASE_URL", cfg.Quote.CoinGeckoBaseURL)
	if ids := os.Getenv("COINGECKO_IDS"); ids != "" {
		cfg.Quote.CoinGeckoIDs = splitList(ids)
	}
	cfg.Quote.ZeroXBaseURL = getEnv("ZEROX_BASE_URL", cfg.Quote.ZeroXBaseURL)
	cfg.Quote.ZeroXAPIKey = getEnv("ZEROX_API_KEY", "")
	if rps := os.Getenv("QUOTE_RATE_LIMIT_RPS"); rps != "" {
		if v, err := strconv.ParseFloat(rps, 64); err == nil {
			cfg.Quote.RateLimitRPS = v
		}
	}
	cfg.Quote.RateLimitBurst = int(getInt("QUOTE_RATE_LIMIT_BURST", int64(cfg.Quote.RateLimitBurst)))
	cfg.Quote.CacheTTL = getMillis("QUOTE_CACHE_TTL_MS", cfg.Quote.CacheTTL)
	cfg.Quote.RedisAddr = getEnv("REDIS_ADDR", "")

	cfg.Swap.Router = getEnv("SWAP_ROUTER", cfg.Swap.Router)
	cfg.Swap.ConfirmTimeout = getMillis("SWAP_CONFIRM_TIMEOUT_MS", cfg.Swap.ConfirmTimeout)
	cfg.Swap.PollInterval = getMillis("SWAP_POLL_INTERVAL_MS", cfg.Swap.PollInterval)
	cfg.Swap.QuoteTTL = getMillis("SWAP_QUOTE_TTL_MS", cfg.Swap.QuoteTTL)
	cfg.Swap.GasLimit = uint64(getInt("SWAP_GAS_LIMIT", int64(cfg.Swap.GasLimit)))

	cfg.Node.Env = getEnv("ENV", cfg.Node.Env)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.MetricsAddr = getEnv("METRICS_ADDR", cfg.Node.MetricsAddr)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.RoundStorePath = getEnv("ROUND_STORE_PATH", "")
	cfg.Node.KafkaBrokers = getEnv("KAFKA_BROKERS", "")
	cfg.Node.KafkaTopic = getEnv("KAFKA_TOPIC_ROUNDS", cfg.Node.KafkaTopic)
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Node.CORSOrigins = splitList(origins)
	}

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
