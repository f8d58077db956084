package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ILLUVRSE/driftguard/internal/alert"
	"github.com/ILLUVRSE/driftguard/internal/audit"
	"github.com/ILLUVRSE/driftguard/internal/baseline"
	"github.com/ILLUVRSE/driftguard/internal/compliance"
	"github.com/ILLUVRSE/driftguard/internal/config"
	"github.com/ILLUVRSE/driftguard/internal/drift"
	"github.com/ILLUVRSE/driftguard/internal/httpserver"
	"github.com/ILLUVRSE/driftguard/internal/monitor"
	"github.com/ILLUVRSE/driftguard/internal/signer"
	"github.com/ILLUVRSE/driftguard/internal/snapshot"
	"github.com/ILLUVRSE/driftguard/internal/tlsutil"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("driftguard stopped", zap.Error(err))
	}
	logger.Info("driftguard stopped")
}

func newLogger(level, format string) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return err
	}

	sig, err := newSigner(cfg)
	if err != nil {
		return err
	}
	keys := signer.NewKeyring()
	if err := keys.AddSigner(sig); err != nil {
		return fmt.Errorf("register signer: %w", err)
	}

	// Audit store: Postgres when configured, otherwise daily-partitioned files.
	var (
		db    *sql.DB
		store audit.Store
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		pg := audit.NewPGStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		store = pg
		logger.Info("audit store: postgres")
	} else {
		fs, err := audit.NewFileStore(cfg.AuditDir)
		if err != nil {
			return err
		}
		store = fs
		logger.Info("audit store: files", zap.String("dir", cfg.AuditDir))
	}

	var wg sync.WaitGroup
	bg := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background task exited", zap.String("task", name), zap.Error(err))
			}
		}()
	}

	ledgerOpts := []audit.Option{
		audit.WithKeyring(keys),
		audit.WithFailureHandler(func(err error, pending []*audit.Entry) {
			logger.Error("AUDIT LEDGER WRITE FAILED",
				zap.Int("pending", len(pending)),
				zap.Error(err))
		}),
	}
	// The streamer outlives the signal context so the ledger's final flush
	// is still published; it is stopped after the ledger closes.
	streamCtx, stopStream := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStream()
	streamDone := make(chan struct{})
	if streamer, err := newStreamer(ctx, cfg, logger); err != nil {
		return err
	} else if streamer != nil {
		ledgerOpts = append(ledgerOpts, audit.WithPublisher(streamer))
		go func() {
			defer close(streamDone)
			if err := streamer.Run(streamCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("background task exited", zap.String("task", "audit.streamer"), zap.Error(err))
			}
		}()
	} else {
		close(streamDone)
	}

	ledger, err := audit.Open(ctx, sig, store, audit.Config{
		BatchSize:     cfg.LedgerBatchSize,
		FlushInterval: cfg.LedgerFlushInterval,
		HistoryCap:    cfg.LedgerHistoryCap,
	}, logger, ledgerOpts...)
	if err != nil {
		return err
	}

	baselines, closeBaselines, err := newBaselineStore(cfg)
	if err != nil {
		return err
	}
	defer closeBaselines()

	capturer := snapshot.NewCapturer(
		cfg.EnvSource(),
		cfg.WatchFiles,
		snapshot.StaticServices(rules.Services),
		snapshot.DeclaredSecrets(rules.Secrets),
		logger,
	)
	driftSvc := drift.NewService(capturer, baselines, ledger, cfg.DriftHistoryCap, logger)

	alerts := alert.NewManager(ledger, logger,
		alert.WithExecutor(alert.NewRegistry(alert.LoggingExecutor{Logger: logger.Named("alert.executor")})),
		alert.WithActionTimeout(rules.ActionTimeout))

	webhook := alert.NewWebhookTransport(&http.Client{}, nil)
	logTransport := alert.LogTransport{Logger: logger.Named("alert.notify")}
	router, err := alert.NewRouter(rules.Channels, map[string]alert.Transport{
		"webhook": webhook,
		"chat":    webhook,
		"email":   logTransport,
		"pager":   logTransport,
		"log":     logTransport,
	}, nil, logger)
	if err != nil {
		return err
	}
	correlation, err := alert.NewCorrelationEngine(alerts, rules.Correlation, logger)
	if err != nil {
		return err
	}
	escalation, err := alert.NewEscalationScheduler(alerts, rules.Escalation, router, logger)
	if err != nil {
		return err
	}
	defer escalation.Stop()

	// Correlation runs first so routed alerts already carry their correlation id.
	alerts.Subscribe(correlation.OnAlert)
	alerts.Subscribe(escalation.OnAlert)
	alerts.Subscribe(router.OnAlert)
	driftSvc.Subscribe(monitor.NewDriftAlerter(alerts, logger).OnResult)

	var changes monitor.ChangeSource
	if len(cfg.WatchFiles) > 0 {
		w, err := snapshot.NewWatcher(cfg.WatchFiles, cfg.WatchDebounce, logger)
		if err != nil {
			return err
		}
		changes = w
	}
	runner := monitor.NewRunner(monitor.Config{
		Environment:    cfg.Environment,
		ScanInterval:   cfg.ScanInterval,
		SweepInterval:  cfg.SweepInterval,
		VerifyInterval: cfg.VerifyInterval,
	}, driftSvc, correlation, monitor.NewIntegrityGuard(ledger, alerts, cfg.Environment, logger), changes, logger)
	bg("monitor", runner.Run)

	srv := httpserver.New(httpserver.Deps{
		Drift:       driftSvc,
		Alerts:      alerts,
		Incidents:   correlation,
		Audit:       ledger,
		Compliance:  compliance.NewReporter(ledger, alerts, driftSvc, ledger, logger),
		Keys:        keys.StatusHandler(),
		Ready:       store.Ping,
		Environment: cfg.Environment,
	}, httpserver.AuthConfig{
		JWTSecret:   cfg.JWTSecret,
		Issuer:      cfg.JWTIssuer,
		RequireMTLS: cfg.RequireMTLS,
		Disabled:    cfg.AuthDisabled,
	}, logger)
	if cfg.AuthDisabled {
		logger.Warn("authentication disabled; every request is treated as admin")
	}

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := tlsutil.NewServerConfig(cfg.TLSCertFile, cfg.TLSKeyFile, cfg.TLSClientCAFile, cfg.RequireMTLS)
		if err != nil {
			return err
		}
		httpSrv.TLSConfig = tlsCfg
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting driftguard",
			zap.String("addr", cfg.ListenAddr),
			zap.String("environment", cfg.Environment),
			zap.Bool("tls", cfg.TLSEnabled()))
		var err error
		if cfg.TLSEnabled() {
			err = httpSrv.ListenAndServeTLS("", "")
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			escalation.Stop()
			_ = ledger.Close(context.Background())
			stopStream()
			<-streamDone
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	stop()
	wg.Wait()
	escalation.Stop()
	if err := ledger.Close(shutdownCtx); err != nil {
		logger.Error("closing audit ledger", zap.Error(err))
	}
	stopStream()
	<-streamDone
	return nil
}

func newSigner(cfg *config.Config) (signer.Signer, error) {
	switch cfg.SignerAlg {
	case config.SignerEd25519:
		return signer.NewEd25519Signer(cfg.SignerID, cfg.Ed25519Seed)
	default:
		return signer.NewHMACSigner(cfg.SignerID, cfg.HMACSecret)
	}
}

// newStreamer returns nil when neither Kafka nor S3 is configured.
func newStreamer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*audit.Streamer, error) {
	var (
		producer audit.Producer
		archiver audit.Archiver
	)
	if len(cfg.KafkaBrokers) > 0 {
		p, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers:     cfg.KafkaBrokers,
			Topic:       cfg.KafkaTopic,
			MaxAttempts: 3,
		})
		if err != nil {
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		producer = p
		logger.Info("kafka producer initialized",
			zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}
	if cfg.S3Bucket != "" {
		a, err := audit.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("s3 archiver: %w", err)
		}
		archiver = a
		logger.Info("s3 archiver initialized",
			zap.String("bucket", cfg.S3Bucket), zap.String("prefix", cfg.S3Prefix))
	}
	if producer == nil && archiver == nil {
		logger.Info("audit streaming disabled: no kafka brokers or s3 bucket configured")
		return nil, nil
	}
	return audit.NewStreamer(producer, archiver, audit.StreamerConfig{QueueSize: cfg.StreamQueue}, logger), nil
}

func newBaselineStore(cfg *config.Config) (baseline.Store, func(), error) {
	switch cfg.BaselineStore {
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opts)
		return baseline.NewRedisStore(client, cfg.RedisKeyPrefix, cfg.BaselineKeep), func() { _ = client.Close() }, nil
	case config.BackendMemory:
		return baseline.NewMemoryStore(cfg.BaselineKeep), func() {}, nil
	default:
		fs, err := baseline.NewFileStore(cfg.BaselineDir, cfg.BaselineKeep)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	}
}
