// Command walletrelay-server starts the custody gRPC API, the admin HTTP server and the queue sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/and161185/walletrelay/internal/config"
	pkgcrypto "github.com/and161185/walletrelay/internal/crypto"
	"github.com/and161185/walletrelay/internal/crypto/vault"
	"github.com/and161185/walletrelay/internal/events"
	"github.com/and161185/walletrelay/internal/limiter"
	"github.com/and161185/walletrelay/internal/metrics"
	"github.com/and161185/walletrelay/internal/migrate"
	"github.com/and161185/walletrelay/internal/otp"
	"github.com/and161185/walletrelay/internal/relay"
	"github.com/and161185/walletrelay/internal/repository"
	"github.com/and161185/walletrelay/internal/repository/memory"
	"github.com/and161185/walletrelay/internal/repository/postgres"
	"github.com/and161185/walletrelay/internal/scheduler"
	"github.com/and161185/walletrelay/internal/server/admin"
	grpcserver "github.com/and161185/walletrelay/internal/server/grpc"
	"github.com/and161185/walletrelay/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// stores groups the storage backends chosen at startup.
type stores struct {
	creds repository.CredentialRepository
	queue repository.QueueRepository
	lock  limiter.Lockout
	ready func(context.Context) error
	close func()
}

// main loads configuration, prepares storage and serves until SIGINT/SIGTERM.
func main() {
	configDir := flag.String("config", ".", "directory holding an optional .env file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configDir)
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("grpc", cfg.GRPCAddr),
		zap.String("admin", cfg.AdminAddr),
		zap.Uint64("chain_id", cfg.ChainID),
	)

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage", zap.Error(err))
	}
	defer st.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	pub := openPublisher(cfg, logger)
	defer pub.Close()

	resetGate, closeReset := openResetGate(ctx, cfg, pub, logger)
	defer closeReset()

	// Services
	pool := pkgcrypto.NewPool(cfg.KDFConcurrency)
	pins := service.NewPinGateway(st.creds, st.lock, pkgcrypto.NewHasher(pool), vault.New(pool), service.PinConfig{
		MaxAttempts: cfg.PinMaxAttempts,
		Metrics:     m,
		Log:         logger,
	})
	relayer := relay.NewRateLimited(relay.NewHTTPClient(cfg.RelayURL, cfg.RelayAPIKey, cfg.RelayTimeout), cfg.RelayRPS, cfg.RelayBurst)
	dispatcher := service.NewDispatcher(st.queue, relayer, pub, m, logger, service.DispatcherConfig{
		ChainID:          cfg.ChainID,
		SubmitTimeout:    cfg.RelayTimeout,
		PollInterval:     cfg.RelayPollInterval,
		RetryBase:        cfg.RetryBase,
		RetryMax:         cfg.RetryMax,
		MaxAttempts:      cfg.MaxAttempts,
		StuckAfter:       cfg.StuckAfter,
		DrainConcurrency: cfg.DrainConcurrency,
	})
	txs := service.NewTransactionService(pins, st.queue, dispatcher, service.TransactionConfig{
		ChainID:        cfg.ChainID,
		DefaultToken:   cfg.TokenAddress,
		InlineDispatch: cfg.InlineDispatch,
	}, logger)

	sweeper := scheduler.New(dispatcher, logger, cfg.SweepSchedule, cfg.RecoverySchedule)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("sweeper", zap.Error(err))
	}

	// gRPC server with interceptors
	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(logger),
			grpcserver.LoggingUnary(logger),
			grpcserver.AuthUnary([]byte(cfg.JWTKey)),
		),
	}
	if cfg.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			logger.Fatal("failed to load TLS cert/key", zap.Error(err))
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled; serving plaintext gRPC")
	}
	s := grpc.NewServer(opts...)
	grpcserver.RegisterCustodyServer(s, grpcserver.New(pins, txs, resetGate, []byte(cfg.JWTKey), logger))

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if cfg.DevReflection {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	adminSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           admin.NewRouter(st.queue, logger, admin.Options{APIKey: cfg.AdminAPIKey, Gatherer: reg, Ready: st.ready}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("listening (gRPC)", zap.String("addr", cfg.GRPCAddr))
		errCh <- s.Serve(lis)
	}()
	go func() {
		logger.Info("listening (admin)", zap.String("addr", cfg.AdminAddr))
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for stop
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		shutdown(s, adminSrv, sweeper, hs)
		os.Exit(1)
	}
	shutdown(s, adminSrv, sweeper, hs)
	logger.Info("shutdown complete")
}

// shutdown drains gRPC, admin HTTP and the sweeper within five seconds.
func shutdown(s *grpc.Server, adminSrv *http.Server, sweeper *scheduler.Sweeper, hs *health.Server) {
	hs.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-sctx.Done():
		s.Stop()
	}
	_ = adminSrv.Shutdown(sctx)
	select {
	case <-sweeper.Stop().Done():
	case <-sctx.Done():
	}
}

// openStores picks Postgres when DATABASE_URL is set and process memory otherwise.
func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.DevMode() {
		logger.Warn("DATABASE_URL not set: using in-memory storage, data is lost on exit")
		return &stores{
			creds: memory.NewCredentials(nil),
			queue: memory.NewQueue(nil),
			lock:  limiter.NewMemory(cfg.PinMaxAttempts, cfg.PinLockout),
			close: func() {},
		}, nil
	}

	ver, err := migrate.Up(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("migrations applied", zap.Int64("version", ver))

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &stores{
		creds: postgres.NewCredentialRepo(db, nil),
		queue: postgres.NewQueueRepo(db, nil),
		lock:  limiter.NewPG(db.Raw(), cfg.PinMaxAttempts, cfg.PinLockout),
		ready: func(ctx context.Context) error { return db.Raw().Ping(ctx) },
		close: db.Close,
	}, nil
}

// openPublisher connects to RabbitMQ, falling back to a logging no-op publisher.
func openPublisher(cfg config.Config, logger *zap.Logger) events.Publisher {
	if cfg.RabbitMQURL == "" {
		logger.Warn("RABBITMQ_URL not set: events are dropped")
		return &events.Fallback{Log: logger}
	}
	p, err := events.NewProducer(cfg.RabbitMQURL, cfg.EventsExchange, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable: events are dropped", zap.Error(err))
		return &events.Fallback{Log: logger}
	}
	return p
}

// openResetGate connects the OTP store to Redis, or keeps codes in memory in dev mode.
func openResetGate(ctx context.Context, cfg config.Config, pub events.Publisher, logger *zap.Logger) (*otp.Gate, func()) {
	if cfg.RedisURL == "" {
		logger.Warn("REDIS_URL not set: reset codes kept in process memory")
		return otp.NewMemory(pub, logger), func() {}
	}
	rdb, err := otp.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping failed; reset codes may be unavailable", zap.Error(err))
	}
	return otp.New(rdb, pub, logger), func() { _ = rdb.Close() }
}
