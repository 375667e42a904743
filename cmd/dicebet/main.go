package main

import (
	"context"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/dicebet/params"
	"github.com/uhyunpark/dicebet/pkg/api"
	"github.com/uhyunpark/dicebet/pkg/bet"
	"github.com/uhyunpark/dicebet/pkg/chain"
	"github.com/uhyunpark/dicebet/pkg/crypto"
	"github.com/uhyunpark/dicebet/pkg/metrics"
	"github.com/uhyunpark/dicebet/pkg/notify"
	"github.com/uhyunpark/dicebet/pkg/quote"
	"github.com/uhyunpark/dicebet/pkg/session"
	"github.com/uhyunpark/dicebet/pkg/storage"
	"github.com/uhyunpark/dicebet/pkg/swap"
	"github.com/uhyunpark/dicebet/pkg/units"
	"github.com/uhyunpark/dicebet/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Node.LogFile != "" {
		logger, err = util.NewLoggerWithFile("dicebet", cfg.Node.Env, cfg.Node.LogFile)
	} else {
		logger, err = util.NewLogger("dicebet", cfg.Node.Env)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Identity ----
	var identity chain.Identity
	var player common.Address
	if cfg.Chain.PrivateKey != "" {
		signer, err := crypto.FromPrivateKeyHex(cfg.Chain.PrivateKey)
		if err != nil {
			sugar.Fatalw("invalid_private_key", "err", err)
		}
		identity = signer
		player = signer.Address()
	} else {
		sugar.Warn("no PLAYER_PRIVATE_KEY set; session is read-only")
	}

	// ---- Chain ----
	if !common.IsHexAddress(cfg.Chain.ContractAddress) {
		sugar.Fatalw("invalid_contract_address", "addr", cfg.Chain.ContractAddress)
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, 15*time.Second)
	gw, err := chain.DialEthGateway(dialCtx, chain.EthConfig{
		RPCURL:   cfg.Chain.RPCURL,
		WSURL:    cfg.Chain.WSURL,
		Contract: common.HexToAddress(cfg.Chain.ContractAddress),
		ChainID:  big.NewInt(cfg.Chain.ChainID),
	}, identity, sugar)
	cancelDial()
	if err != nil {
		sugar.Fatalw("chain_dial_failed", "rpc", cfg.Chain.RPCURL, "err", err)
	}
	defer gw.Close()
	dice := chain.NewDiceContract(gw)

	// ---- Betting ----
	minStake, err := units.ParseUnits(cfg.Game.MinStake, units.MON.Decimals)
	if err != nil {
		sugar.Fatalw("invalid_min_stake", "value", cfg.Game.MinStake, "err", err)
	}
	maxStake, err := units.ParseUnits(cfg.Game.MaxStake, units.MON.Decimals)
	if err != nil {
		sugar.Fatalw("invalid_max_stake", "value", cfg.Game.MaxStake, "err", err)
	}
	coord := bet.NewCoordinator(bet.Config{
		Player:           player,
		Limits:           bet.Limits{MinStake: minStake, MaxStake: maxStake},
		WinMultiplier:    cfg.Game.WinMultiplier,
		PlacementTimeout: cfg.Game.PlacementTimeout,
		ReceiptPoll:      cfg.Swap.PollInterval,
		ResyncInterval:   cfg.Game.ResyncInterval,
	}, bet.Deps{
		Ledger:   dice,
		Receipts: gw,
		Balances: gw,
		Logger:   sugar.Named("bet"),
	})

	// ---- Quotes ----
	fallback, err := quote.NewFixed(cfg.Quote.FallbackPrice)
	if err != nil {
		sugar.Fatalw("invalid_fallback_price", "value", cfg.Quote.FallbackPrice, "err", err)
	}
	realTime := quote.Provider(quote.NewCoinMarketCap(cfg.Quote.CMCBaseURL, cfg.Quote.CMCAPIKey))
	gecko := quote.Provider(quote.NewCoinGecko(cfg.Quote.CoinGeckoBaseURL, cfg.Quote.CoinGeckoIDs))
	if cfg.Quote.RedisAddr != "" {
		cache, err := quote.ConnectRedis(ctx, cfg.Quote.RedisAddr)
		if err != nil {
			sugar.Warnw("price_cache_disabled", "addr", cfg.Quote.RedisAddr, "err", err)
		} else {
			defer cache.Close()
			realTime = quote.Cached(realTime, cache, cfg.Quote.CacheTTL, sugar)
			gecko = quote.Cached(gecko, cache, cfg.Quote.CacheTTL, sugar)
		}
	}
	tiers := []quote.Provider{realTime, gecko}
	if cfg.Quote.ZeroXAPIKey != "" {
		tiers = append(tiers, quote.NewZeroX(cfg.Quote.ZeroXBaseURL, cfg.Quote.ZeroXAPIKey, cfg.Chain.ChainID))
	}
	agg := quote.NewAggregator(quote.Config{
		Sell:            units.MON,
		Buy:             units.USDC,
		ProviderTimeout: cfg.Quote.ProviderTimeout,
		RateLimitRPS:    cfg.Quote.RateLimitRPS,
		RateLimitBurst:  cfg.Quote.RateLimitBurst,
	}, tiers, fallback, nil, sugar.Named("quote"))

	// ---- Swaps ----
	var router swap.Router = swap.TransferRouter{GasLimit: cfg.Swap.GasLimit}
	if cfg.Swap.Router == "0x" {
		router = swap.NewZeroExRouter(cfg.Quote.ZeroXBaseURL, cfg.Quote.ZeroXAPIKey, cfg.Chain.ChainID)
	}
	exec := swap.NewExecutor(swap.Config{
		ConfirmTimeout: cfg.Swap.ConfirmTimeout,
		PollInterval:   cfg.Swap.PollInterval,
	}, swap.Deps{
		Transactor: gw,
		Receipts:   gw,
		Router:     router,
		Identity:   identity,
		Logger:     sugar.Named("swap"),
	})

	// ---- Journal + publisher ----
	store, err := storage.NewPebbleStore(cfg.Node.RoundStorePath)
	if err != nil {
		sugar.Fatalw("round_store_open_failed", "path", cfg.Node.RoundStorePath, "err", err)
	}
	defer store.Close()

	var publisher notify.Publisher = notify.Nop{}
	if cfg.Node.KafkaBrokers != "" {
		publisher = notify.NewKafkaPublisher(notify.NewWriter(cfg.Node.KafkaBrokers, cfg.Node.KafkaTopic))
		sugar.Infow("round_publisher_enabled", "brokers", cfg.Node.KafkaBrokers, "topic", cfg.Node.KafkaTopic)
	}

	sess := session.New(session.Deps{
		Coordinator: coord,
		Quotes:      agg,
		Swaps:       exec,
		Rounds:      store,
		Publisher:   publisher,
		QuoteTTL:    cfg.Swap.QuoteTTL,
		Sell:        units.MON,
		Buy:         units.USDC,
		Logger:      sugar.Named("session"),
	})

	server := api.NewServer(sess, api.Info{
		ChainID:       cfg.Chain.ChainID,
		Contract:      cfg.Chain.ContractAddress,
		WinMultiplier: cfg.Game.WinMultiplier,
		QuoteTiers:    agg.Tiers(),
		SwapRouter:    router.Name(),
		Sell:          units.MON,
		Buy:           units.USDC,
		CORSOrigins:   cfg.Node.CORSOrigins,
	}, sugar.Named("api"))

	if err := sess.Start(ctx); err != nil {
		sugar.Fatalw("session_start_failed", "err", err)
	}
	defer sess.Close()

	metricsSrv := metrics.StartServer(cfg.Node.MetricsAddr, func(ctx context.Context) error {
		_, err := dice.ContractBalance(ctx)
		return err
	})

	sugar.Infow("dicebet_starting",
		"player", player.Hex(),
		"chain_id", cfg.Chain.ChainID,
		"contract", cfg.Chain.ContractAddress,
		"quote_tiers", agg.Tiers(),
		"swap_router", router.Name(),
		"api_addr", cfg.Node.APIAddr,
		"metrics_addr", cfg.Node.MetricsAddr,
	)

	if err := server.Start(ctx, cfg.Node.APIAddr); err != nil {
		sugar.Errorw("api_server_failed", "err", err)
		stop()
	}

	<-ctx.Done()
	sugar.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
