package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/xusdc-facilitator/internal/api"
	"github.com/0gfoundation/xusdc-facilitator/internal/authority"
	"github.com/0gfoundation/xusdc-facilitator/internal/config"
	"github.com/0gfoundation/xusdc-facilitator/internal/gc"
	"github.com/0gfoundation/xusdc-facilitator/internal/metrics"
	"github.com/0gfoundation/xusdc-facilitator/internal/nonce"
	"github.com/0gfoundation/xusdc-facilitator/internal/pda"
	"github.com/0gfoundation/xusdc-facilitator/internal/rent"
	"github.com/0gfoundation/xusdc-facilitator/internal/rentpool"
	"github.com/0gfoundation/xusdc-facilitator/internal/settlement"
	"github.com/0gfoundation/xusdc-facilitator/internal/settler"
	"github.com/0gfoundation/xusdc-facilitator/internal/store"
	badgerstore "github.com/0gfoundation/xusdc-facilitator/internal/store/badger"
	"github.com/0gfoundation/xusdc-facilitator/internal/store/memory"
	redisstore "github.com/0gfoundation/xusdc-facilitator/internal/store/redis"
	"github.com/0gfoundation/xusdc-facilitator/internal/token"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Ledger store ──────────────────────────────────────────────────────────
	s, err := openStore(cfg, rdb, log)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer s.Close()

	// ── Transfer authority ────────────────────────────────────────────────────
	delegate, err := authority.Load(authority.Source{
		PrivateKey:  cfg.Authority.PrivateKey,
		KeypairPath: cfg.Authority.KeypairPath,
	})
	if err != nil {
		log.Fatal("transfer authority load failed", zap.Error(err))
	}
	a, err := newApp(cfg, s, rdb, delegate, log)
	if err != nil {
		log.Fatal("facilitator init failed", zap.Error(err))
	}

	// ── Goroutines ────────────────────────────────────────────────────────────
	go a.collector.RunSweeper(ctx, cfg.GC.Interval(), cfg.GC.BatchSize)
	if cfg.Settler.Enabled {
		go settler.Run(ctx, rdb, a.engine, a.settlerOpts, a.metrics.ObserveDeadLetter, log)
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	a.handler.Register(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// app is the wired facilitator minus its goroutines and listener.
type app struct {
	tokens      *token.Ledger
	pool        *rentpool.Ledger
	nonces      *nonce.Registry
	engine      *settlement.Engine
	collector   *gc.Collector
	metrics     *metrics.Metrics
	handler     *api.Handler
	settlerOpts settler.Options
}

func newApp(cfg *config.Config, s store.Store, rdb *redis.Client, delegate *authority.Delegate, log *zap.Logger, opts ...appOption) (*app, error) {
	admins, err := parseIdentities(cfg.Authority.AdminKeys)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_KEYS: %w", err)
	}
	programID := pda.DefaultProgramID
	if cfg.Program.ID != "" {
		if programID, err = solana.PublicKeyFromBase58(cfg.Program.ID); err != nil {
			return nil, fmt.Errorf("invalid PROGRAM_ID: %w", err)
		}
	}
	o := appOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	d := pda.New(programID)
	calc := rent.Calculator{
		AccountOverhead:     cfg.Rent.AccountOverhead,
		LamportsPerByteYear: cfg.Rent.LamportsPerByteYear,
		ExemptionYears:      cfg.Rent.ExemptionYears,
	}
	a := &app{metrics: metrics.New()}
	a.tokens = token.NewLedger(d, delegate.Identity())
	a.pool = rentpool.New(d, a.tokens)
	a.nonces = nonce.NewRegistry(d, a.pool, a.tokens, calc)
	a.engine = settlement.New(s, a.tokens, a.nonces, a.pool, delegate, log,
		settlement.WithMetrics(a.metrics), settlement.WithClock(o.now))
	a.collector = gc.New(s, a.nonces, a.pool, log,
		gc.WithMetrics(a.metrics), gc.WithClock(o.now))
	a.settlerOpts = settler.Options{
		QueueKey:  cfg.Settler.QueueKey,
		DLQKey:    cfg.Settler.DLQKey,
		BatchSize: cfg.Settler.BatchSize,
	}
	a.handler = api.NewHandler(api.Deps{
		Store:          s,
		Redis:          rdb,
		Tokens:         a.tokens,
		Pool:           a.pool,
		Nonces:         a.nonces,
		Engine:         a.engine,
		Collector:      a.collector,
		Metrics:        a.metrics,
		Admins:         admins,
		QueueKey:       cfg.Settler.QueueKey,
		RateLimitRPS:   cfg.RateLimit.RPS,
		RateLimitBurst: cfg.RateLimit.Burst,
	}, log)

	log.Info("facilitator configured",
		zap.String("program_id", programID.String()),
		zap.String("authority", delegate.Identity().String()),
		zap.String("store", cfg.Store.Backend),
		zap.Uint64("nonce_storage_cost", a.nonces.StorageCost()),
		zap.Int("admins", len(admins)),
	)
	return a, nil
}

type appOptions struct {
	now func() time.Time
}

type appOption func(*appOptions)

// withClock replaces time.Now for settlement and collection.
func withClock(now func() time.Time) appOption {
	return func(o *appOptions) { o.now = now }
}

// openStore selects the ledger backend named by STORE_BACKEND.
func openStore(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		log.Warn("using in-memory ledger store; all state is lost on exit")
		return memory.New(), nil
	case "badger":
		return badgerstore.Open(cfg.Store.BadgerPath, log)
	case "redis":
		return redisstore.New(rdb, cfg.Store.KeyPrefix, log), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func parseIdentities(in []string) ([]solana.PublicKey, error) {
	out := make([]solana.PublicKey, 0, len(in))
	for _, s := range in {
		pk, err := solana.PublicKeyFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out = append(out, pk)
	}
	return out, nil
}
