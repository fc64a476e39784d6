package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/polclau/relayer-node/internal/alert"
	"github.com/polclau/relayer-node/internal/chain"
	"github.com/polclau/relayer-node/internal/chain/ratelimit"
	"github.com/polclau/relayer-node/internal/chain/uniswap"
	"github.com/polclau/relayer-node/internal/circuitbreaker"
	"github.com/polclau/relayer-node/internal/config"
	"github.com/polclau/relayer-node/internal/pipeline/executor"
	"github.com/polclau/relayer-node/internal/pipeline/indexer"
	"github.com/polclau/relayer-node/internal/store/postgres"
	redispkg "github.com/polclau/relayer-node/internal/store/redis"
	"github.com/polclau/relayer-node/internal/tracing"
)

const migrationsDir = "internal/store/postgres/migrations"

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting relayer-node",
		"factory", cfg.Chain.FactoryAddress,
		"vault", cfg.Chain.VaultAddress,
		"start_block", cfg.Keeper.StartBlock,
		"confirmations", cfg.Chain.Confirmations,
		"poll_interval", cfg.Keeper.PollInterval,
		"denylist_tokens", len(cfg.Keeper.Denylist),
		"executor_enabled", cfg.Chain.RelayerKey != "",
	)

	shutdownTracing, err := tracing.Init(context.Background(), "relayer-node",
		cfg.Trace.OTLPEndpoint, cfg.Trace.SampleRatio, true)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	orderRepo := postgres.NewOrderRepo(db)
	cursorRepo := postgres.NewCursorRepo(db)

	// Chain client with rate limiting and a circuit breaker
	eth, err := ethclient.Dial(cfg.Chain.RPCURL)
	if err != nil {
		logger.Error("failed to dial rpc", "error", err)
		os.Exit(1)
	}
	defer eth.Close()

	breaker := circuitbreaker.New(circuitbreaker.Config{}, logger)
	limiter := ratelimit.NewLimiter(cfg.Chain.RateLimitRPS, cfg.Chain.RateLimitBurst)
	client := chain.NewClient(eth, limiter, breaker, logger)

	factoryAddr := common.HexToAddress(cfg.Chain.FactoryAddress)
	vaultAddr := common.HexToAddress(cfg.Chain.VaultAddress)

	heuristic, err := uniswap.NewCalldataHeuristic(cfg.Keeper.TransferSelector, cfg.Keeper.OrderCalldataLen)
	if err != nil {
		logger.Error("invalid calldata heuristic config", "error", err)
		os.Exit(1)
	}

	scanner := chain.NewScanner(client, cfg.Keeper.ScanAttempts, logger)
	factory := uniswap.NewFactory(client, factoryAddr)

	ix := indexer.New(indexer.Config{
		Vault:          vaultAddr,
		StartBlock:     cfg.Keeper.StartBlock,
		PoolBatchSize:  cfg.Keeper.PoolBatchSize,
		EventBatchSize: cfg.Keeper.EventBatchSize,
		BatchAttempts:  cfg.Keeper.BatchAttempts,
		Denylist:       cfg.DenylistSet(),
	}, scanner, client, factory, orderRepo, cursorRepo, heuristic, logger)

	if err := ix.Bootstrap(context.Background()); err != nil {
		logger.Error("failed to bootstrap cursor", "error", err)
		os.Exit(1)
	}

	alerter := buildAlerter(cfg, logger)

	// Executor, only when a signing key is configured
	var exec *executor.Executor
	if cfg.Chain.RelayerKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.Chain.RelayerKey, "0x"))
		if err != nil {
			logger.Error("invalid relayer private key", "error", err)
			os.Exit(1)
		}
		chainID, err := client.ChainID(context.Background())
		if err != nil {
			logger.Error("failed to fetch chain id", "error", err)
			os.Exit(1)
		}
		relayer := uniswap.NewSigningRelayer(client, vaultAddr, key, chainID, logger)
		book := uniswap.NewVaultBook(client, vaultAddr)
		exec = executor.New(executor.Config{
			CheckAttempts: cfg.Keeper.CheckAttempts,
			FillAttempts:  cfg.Keeper.FillAttempts,
		}, book, relayer, orderRepo, alerter, logger)
		logger.Info("executor enabled", "signer", crypto.PubkeyToAddress(key.PublicKey).Hex())
	}

	// Optional stream publication for the external decoder
	var publisher *redispkg.Publisher
	if cfg.Redis.URL != "" {
		publisher, err = redispkg.NewPublisher(cfg.Redis.URL, cfg.Redis.Stream)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		logger.Info("order stream publication enabled", "stream", cfg.Redis.Stream)
	}

	onRawOrder := func(ctx context.Context, raw indexer.RawOrder) error {
		order := raw.Model()
		inserted, err := orderRepo.Save(ctx, order)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		logger.Info("order discovered",
			"order", order.ID, "tx", order.TxHash, "block", order.BlockNumber, "source_token", order.SourceToken)
		if publisher != nil {
			// The order is already durable; a publish failure is an
			// operational warning, not a reason to fail the pass.
			if err := publisher.PublishOrder(ctx, order); err != nil {
				logger.Warn("order publish failed", "order", order.ID, "error", err)
			}
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHealthServer(gCtx, cfg.Server.HealthPort, logger)
	})

	g.Go(func() error {
		return runKeeperLoop(gCtx, cfg, client, ix, exec, onRawOrder, alerter, logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("relayer-node exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("relayer-node shut down gracefully")
}

// runKeeperLoop alternates discovery passes and execution rounds at the poll
// interval. A failed pass logs and leaves the cursor where it was; the next
// tick rescans the same range.
func runKeeperLoop(ctx context.Context, cfg *config.Config, client *chain.Client,
	ix *indexer.Indexer, exec *executor.Executor, onRawOrder indexer.OnRawOrder,
	alerter alert.Alerter, logger *slog.Logger) error {
	ticker := time.NewTicker(cfg.Keeper.PollInterval)
	defer ticker.Stop()

	// A pass must land within stallAfter or the scan counts as stalled. The
	// alerter's cooldown keeps the repeat rate sane.
	stallAfter := 10 * cfg.Keeper.PollInterval
	lastPass := time.Now()

	for {
		head, err := client.BlockNumber(ctx)
		if err != nil {
			logger.Error("failed to fetch head block", "error", err)
		} else if head > cfg.Chain.Confirmations {
			toBlock := head - cfg.Chain.Confirmations
			if err := ix.GetOrders(ctx, toBlock, onRawOrder); err != nil {
				logger.Error("discovery pass failed", "to_block", toBlock, "error", err)
			} else {
				lastPass = time.Now()
			}
		}

		if stalled := time.Since(lastPass); stalled > stallAfter {
			logger.Warn("scan stalled", "since_last_pass", stalled)
			if err := alerter.Send(ctx, alert.Alert{
				Type:      alert.AlertTypeScanStalled,
				Component: "indexer",
				Title:     "Scan stalled",
				Message:   fmt.Sprintf("no successful discovery pass for %s", stalled.Round(time.Second)),
				Fields:    map[string]string{"last_monitored": fmt.Sprintf("%d", ix.LastMonitored())},
			}); err != nil {
				logger.Warn("alert send failed", "error", err)
			}
		}

		if exec != nil {
			if err := exec.WatchRound(ctx); err != nil && ctx.Err() == nil {
				logger.Error("execution round failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func setupLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func runHealthServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server shutdown error", "error", err)
		}
	}()

	logger.Info("health server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
