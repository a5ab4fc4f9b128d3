package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nhblend/core/events"
	"nhblend/core/state"
	"nhblend/native/lending"
	"nhblend/observability"
	"nhblend/observability/logging"
	"nhblend/observability/metrics"
	telemetry "nhblend/observability/otel"
	"nhblend/services/lending/audit"
	"nhblend/services/lending/middleware"
	lendingserver "nhblend/services/lending/server"
	"nhblend/services/lendingd/config"
	"nhblend/services/oracle"
	oraclestore "nhblend/services/oracle/storage"
	"nhblend/state/bank"
	"nhblend/storage"
)

var genesisKey = []byte("lendingd/genesis-applied")

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("lendingd: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	env := cfg.Log.Env
	if env == "" {
		env = strings.TrimSpace(os.Getenv("NHB_ENV"))
	}
	logger, logCloser := logging.Setup("lendingd", env,
		logging.WithLevel(logging.ParseLevel(cfg.Log.Level)),
		logging.WithFile(cfg.Log.File),
	)
	defer logCloser.Close()
	logger.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		"state", cfg.State.Backend,
		logging.MaskField("jwt_secret", cfg.Auth.JWTSecret),
	)

	telemetryCfg := telemetry.Config{
		ServiceName: "lendingd",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	telemetryCfg.ApplyEnv()
	shutdownTelemetry, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	params, err := lending.LoadParams(cfg.ParamsPath)
	if err != nil {
		return fmt.Errorf("load params: %w", err)
	}

	db, err := openState(cfg.State)
	if err != nil {
		return err
	}
	defer db.Close()
	mgr := state.NewManager(db)
	ledger := bank.NewLedger(cfg.CustodyAddress())
	if err := applyGenesis(mgr, ledger, cfg, logger); err != nil {
		return err
	}

	feed := oracle.NewFeed()
	oracleDone, err := startOracle(ctx, cfg.Oracle, feed, logger)
	if err != nil {
		return err
	}

	auditDB, err := audit.Open(cfg.Audit.DSN)
	if err != nil {
		return err
	}
	journal, err := audit.NewJournal(auditDB, audit.WithLogger(logger))
	if err != nil {
		return err
	}

	registry := prometheus.DefaultRegisterer
	lendingMetrics, err := observability.NewLendingMetrics(registry)
	if err != nil {
		return err
	}
	bus := events.NewBus(256)
	engine, err := lending.NewEngine(mgr, ledger, feed, params,
		lending.WithLogger(logger),
		lending.WithObserver(lendingMetrics),
		lending.WithEmitter(events.MultiEmitter{bus, journal, lendingMetrics}),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	obs, err := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "lendingd",
		LogRequests: cfg.Log.Requests,
	}, registry, logger)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	opts := []lendingserver.Option{
		lendingserver.WithLogger(logger),
		lendingserver.WithEventBus(bus),
		lendingserver.WithJournal(journal),
		lendingserver.WithObservability(obs),
		lendingserver.WithIdempotency(middleware.NewIdempotency(auditDB, logger)),
		lendingserver.WithMetricsHandler(promhttp.Handler()),
		lendingserver.WithExportDir(cfg.Audit.ExportDir),
		lendingserver.WithAllowedOrigins(cfg.Events.AllowedOrigins...),
		lendingserver.WithAuthenticator(middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    cfg.Auth.Enabled,
			HMACSecret: cfg.Auth.JWTSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			ScopeClaim: cfg.Auth.ScopeClaim,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		}, logger)),
	}
	if cfg.RateLimit.RequestsPerMinute > 0 {
		opts = append(opts, lendingserver.WithRateLimiter(middleware.NewRateLimiter(middleware.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		})))
	}
	srv := lendingserver.New(engine, opts...)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure && cfg.TLS.CertPath == "" {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			listener.Close()
			return fmt.Errorf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}
	tlsCfg, err := loadServerTLS(cfg.TLS)
	if err != nil {
		listener.Close()
		return fmt.Errorf("configure tls: %w", err)
	}
	if tlsCfg != nil {
		listener = tls.NewListener(listener, tlsCfg)
	}

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("lendingd listening", "addr", listener.Addr().String(), "tls", tlsCfg != nil, "mtls", cfg.TLS.MTLSEnabled())
		serverErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", "error", err)
			_ = httpServer.Close()
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
	}
	<-oracleDone
	return nil
}

func openState(cfg config.StateConfig) (storage.Database, error) {
	switch cfg.Backend {
	case "leveldb":
		db, err := storage.NewLevelDB(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb state: %w", err)
		}
		return db, nil
	case "bolt":
		db, err := storage.NewBoltDB(cfg.Path, nil)
		if err != nil {
			return nil, fmt.Errorf("open bolt state: %w", err)
		}
		return db, nil
	default:
		return storage.NewMemDB(), nil
	}
}

// applyGenesis credits the configured balances once per state directory.
func applyGenesis(mgr *state.Manager, ledger *bank.Ledger, cfg config.Config, logger *slog.Logger) error {
	credits, err := cfg.Credits()
	if err != nil || len(credits) == 0 {
		return err
	}
	applied := false
	err = mgr.Update(func(kv state.KV) error {
		var marker uint64
		ok, err := kv.KVGet(genesisKey, &marker)
		if err != nil {
			return err
		}
		if ok && marker == 1 {
			return nil
		}
		for _, credit := range credits {
			if err := ledger.Credit(kv, credit.Asset, credit.Address, credit.Amount); err != nil {
				return fmt.Errorf("credit %s to %s: %w", credit.Asset, credit.Address.Hex(), err)
			}
		}
		applied = true
		return kv.KVPut(genesisKey, uint64(1))
	})
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	if applied {
		logger.Info("genesis balances applied", "credits", len(credits))
	}
	return nil
}

// startOracle runs the aggregation loop until ctx ends. The returned channel
// closes once the loop and its store are released.
func startOracle(ctx context.Context, cfg config.OracleConfig, feed *oracle.Feed, logger *slog.Logger) (<-chan struct{}, error) {
	done := make(chan struct{})
	if len(cfg.Sources) == 0 {
		logger.Warn("no oracle sources configured; prices must be published externally")
		close(done)
		return done, nil
	}
	registry := oracle.NewRegistry()
	sources := make([]oracle.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := registry.Build(sc)
		if err != nil {
			return nil, fmt.Errorf("oracle source: %w", err)
		}
		sources = append(sources, src)
	}
	var store *oraclestore.Storage
	if cfg.SnapshotPath != "" {
		dsn, err := oraclestore.FileDSN(cfg.SnapshotPath)
		if err != nil {
			return nil, err
		}
		if store, err = oraclestore.Open(dsn); err != nil {
			return nil, fmt.Errorf("open oracle store: %w", err)
		}
	}
	mgr, err := oracle.New(store, sources, cfg.Assets, cfg.Interval.Duration, cfg.MaxAge.Duration, cfg.MinFeeds,
		oracle.WithLogger(logger.With("component", "oracle")),
		oracle.WithPublisher(feed),
		oracle.WithMetrics(metrics.Oracle()),
	)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("oracle manager: %w", err)
	}
	go func() {
		defer close(done)
		if store != nil {
			defer store.Close()
		}
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("oracle manager stopped", "error", err)
		}
	}()
	return done, nil
}

func loadServerTLS(cfg config.TLSConfig) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		if cfg.AllowInsecure {
			return nil, nil
		}
		return nil, fmt.Errorf("tls credentials are required")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"http/1.1"},
	}
	if cfg.ClientCAPath != "" {
		pem, err := os.ReadFile(cfg.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsCfg.ClientAuth = tls.NoClientCert
	}
	return tlsCfg, nil
}
