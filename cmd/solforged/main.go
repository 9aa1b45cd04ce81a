// Command solforged runs the program deployment service: it verifies inbound
// payments, deploys programs from the staging network to production out of a
// pooled treasury, and reconciles the pool on a schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/solforge-labs/solforge/internal/chain"
	"github.com/solforge-labs/solforge/internal/config"
	"github.com/solforge-labs/solforge/internal/deploy"
	"github.com/solforge-labs/solforge/internal/loader"
	"github.com/solforge-labs/solforge/internal/metrics"
	"github.com/solforge-labs/solforge/internal/store"
	"github.com/solforge-labs/solforge/internal/treasury"
	"github.com/solforge-labs/solforge/internal/verifier"
	"github.com/solforge-labs/solforge/internal/wallet"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	operator, err := solana.PrivateKeyFromBase58(cfg.OperatorKey)
	if err != nil {
		return fmt.Errorf("operator key: %w", err)
	}
	platformAuthority, err := solana.PrivateKeyFromBase58(cfg.PlatformAuthorityKey)
	if err != nil {
		return fmt.Errorf("platform authority key: %w", err)
	}
	programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
	if err != nil {
		return fmt.Errorf("program id: %w", err)
	}
	pools, err := chain.DerivePoolAddresses(programID)
	if err != nil {
		return fmt.Errorf("derive pool addresses: %w", err)
	}

	staging, err := chain.NewClient(chain.Config{
		Endpoint:   cfg.StagingRPC,
		Timeout:    cfg.RPCTimeout,
		MaxRetries: cfg.MaxRetries,
		RateQPS:    cfg.RPCRateQPS,
	}, log)
	if err != nil {
		return err
	}
	production, err := chain.NewClient(chain.Config{
		Endpoint:   cfg.ProductionRPC,
		Timeout:    cfg.RPCTimeout,
		MaxRetries: cfg.MaxRetries,
		RateQPS:    cfg.RPCRateQPS,
	}, log)
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgres(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		defer pg.Close()
		st = pg
		log.Infow("using postgres store")
	} else {
		st = store.NewMemory()
		log.Warnw("using in-memory store, state will not survive a restart")
	}

	engine := treasury.New(st, production, treasury.Config{
		Admin:         operator.PublicKey(),
		Pools:         pools,
		FeeReserveBps: cfg.PlatformFeeBps,
	}, log)

	wallets, err := wallet.NewManager(st, production, engine, wallet.Config{
		KeystoreDir: cfg.KeystoreDir,
		OperatorKey: operator,
	}, log)
	if err != nil {
		return err
	}

	var guard deploy.ReplayGuard
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		defer rdb.Close()
		guard = deploy.NewRedisGuard(rdb, 0)
		log.Infow("payment replay guard enabled", "addr", cfg.RedisAddr)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	svc := deploy.New(
		st,
		staging,
		production,
		verifier.New(production, verifier.Config{
			ToleranceLamports: cfg.ToleranceLamports,
			AllowAggregate:    cfg.AllowAggregateMatch,
		}, log),
		engine,
		wallets,
		loader.NewDeployer(production, cfg.WriteChunkSize, log),
		guard,
		m,
		deploy.Config{
			Pools:             pools,
			PlatformAuthority: platformAuthority,
			TreasuryWallet:    operator.PublicKey(),
			ServiceFeeBps:     cfg.ServiceFeeBps,
			PlatformFeeBps:    cfg.PlatformFeeBps,
			MonthlyFeeBps:     cfg.MonthlyFeeBps,
			SweepReserve:      cfg.SweepReserveLamports,
			CloseFeeFloat:     2 * cfg.SweepReserveLamports,
		},
		log,
	)

	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.RebalanceSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.RPCTimeout)
		defer cancel()
		if err := engine.Rebalance(ctx); err != nil {
			log.Errorw("scheduled rebalance", "err", err)
			return
		}
		if pool, err := engine.Pool(ctx); err == nil {
			m.ObservePool(pool.LiquidBalance, pool.Reserved, pool.RewardPool)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule rebalance: %w", err)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("metrics server", "err", err)
		}
	}()

	log.Infow("solforged started",
		"staging", cfg.StagingRPC,
		"production", cfg.ProductionRPC,
		"metrics", cfg.MetricsAddr,
		"pools", fmt.Sprintf("%s/%s/%s", pools.Treasury, pools.Reward, pools.Platform),
	)

	// the HTTP API in front of svc lives in a separate service; this process
	// keeps the pipelines, scheduler and metrics running until signalled
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Infow("shutting down, draining pipelines")
	<-scheduler.Stop().Done()
	svc.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("metrics server shutdown", "err", err)
	}
	log.Infow("stopped")
	return nil
}
