package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/attest/pkg/alert"
	"github.com/Mindburn-Labs/attest/pkg/artifacts"
	"github.com/Mindburn-Labs/attest/pkg/collector"
	"github.com/Mindburn-Labs/attest/pkg/config"
	"github.com/Mindburn-Labs/attest/pkg/controls"
	"github.com/Mindburn-Labs/attest/pkg/crypto"
	"github.com/Mindburn-Labs/attest/pkg/ledger"
	"github.com/Mindburn-Labs/attest/pkg/metrics"
	"github.com/Mindburn-Labs/attest/pkg/observability"
	"github.com/Mindburn-Labs/attest/pkg/query"
	"github.com/Mindburn-Labs/attest/pkg/reconcile"
	"github.com/Mindburn-Labs/attest/pkg/scheduler"
)

// app is the wired service graph shared by serve and the one-shot commands.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      artifacts.Store
	ledger     *ledger.Ledger
	registry   *controls.Registry
	collector  *collector.Collector
	query      *query.Service
	reconciler *reconcile.Reconciler
	scheduler  *scheduler.Scheduler
	metrics    *metrics.Metrics
	prom       *prometheus.Registry
	telemetry  *observability.Provider
	alerter    alert.Alerter
	signer     crypto.Signer

	closers []func(context.Context) error
}

// newApp opens storage and the ledger and wires every service. The caller
// must call close.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := a.wire(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	var err error

	a.telemetry, err = observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, a.telemetry.Shutdown)

	a.metrics = metrics.New()
	a.prom = prometheus.NewRegistry()
	a.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.metrics.Register(a.prom); err != nil {
		return err
	}

	alerters := alert.Multi{alert.NewLogAlerter(logger)}
	if cfg.AlertWebhookURL != "" {
		alerters = append(alerters, alert.NewWebhookAlerter(alert.WebhookConfig{URL: cfg.AlertWebhookURL}))
	}
	a.alerter = alerters

	if err := a.openStore(ctx); err != nil {
		return err
	}
	if err := a.openLedger(ctx); err != nil {
		return err
	}
	if err := a.openSigner(); err != nil {
		return err
	}

	a.registry = controls.NewRegistry(cfg.ControlsFile, logger)
	snap, err := a.registry.Reload(ctx)
	if err != nil {
		return fmt.Errorf("load control mapping: %w", err)
	}
	if _, err := collector.RecordMapping(ctx, a.ledger, snap); err != nil {
		return fmt.Errorf("record control mapping: %w", err)
	}
	a.registry.OnReload(collector.RegistryReloadHook(a.ledger))

	policy, err := cfg.RetentionPolicy()
	if err != nil {
		return err
	}
	a.collector = collector.New(a.registry, a.store, a.ledger,
		collector.WithPolicy(policy),
		collector.WithLogger(logger),
		collector.WithMetrics(a.metrics),
		collector.WithTelemetry(a.telemetry),
	)
	a.query = query.New(a.ledger, a.store,
		query.WithVerifyOnRead(cfg.VerifyOnRead),
		query.WithVerifyAfter(cfg.VerifyAfterDuration()),
		query.WithControls(func() query.ControlSet { return a.registry.Snapshot() }),
		query.WithAlerter(a.alerter),
		query.WithMetrics(a.metrics),
		query.WithTelemetry(a.telemetry),
		query.WithLogger(logger),
	)
	a.reconciler = reconcile.New(a.store, a.ledger, a.query,
		reconcile.WithAlerter(a.alerter),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithLogger(logger),
	)
	a.scheduler = scheduler.New(
		scheduler.WithTimeout(cfg.JobTimeout),
		scheduler.WithMaxConcurrent(cfg.MaxConcurrentJobs),
		scheduler.WithAlerter(a.alerter),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithTelemetry(a.telemetry),
		scheduler.WithLogger(logger),
	)
	a.closers = append(a.closers, a.scheduler.Stop)
	if err := a.reconciler.Register(a.scheduler, cfg.Intervals()); err != nil {
		return err
	}

	head, err := a.ledger.Head(ctx)
	if err != nil {
		return fmt.Errorf("read ledger head: %w", err)
	}
	a.metrics.SetLedgerHead(head.Shard, head.Sequence)
	a.ledger.OnAppend(func(e ledger.Entry) { a.metrics.SetLedgerHead(e.Shard, e.Sequence) })
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	raw, err := artifacts.NewStore(ctx, a.cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open evidence store: %w", err)
	}
	a.store = artifacts.NewRetryingStore(raw, artifacts.DefaultRetryPolicy, a.logger)
	return nil
}

func (a *app) openLedger(ctx context.Context) error {
	opts := []ledger.Option{ledger.WithShard(a.cfg.LedgerShard), ledger.WithLogger(a.logger)}
	if a.cfg.RedisAddr != "" {
		lk := ledger.NewRedisLockerFromAddr(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB, 0)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := lk.Ping(pingCtx); err != nil {
			return fmt.Errorf("connect redis %s: %w", a.cfg.RedisAddr, err)
		}
		opts = append(opts, ledger.WithLocker(lk))
	}

	var backend ledger.Backend
	switch {
	case a.cfg.LedgerBackend == "file":
		if err := os.MkdirAll(a.cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		fb, err := ledger.OpenFileBackend(filepath.Join(a.cfg.DataDir, "ledger.jsonl"), a.logger)
		if err != nil {
			return err
		}
		backend = fb
	case a.cfg.LiteMode():
		if err := os.MkdirAll(a.cfg.DataDir, 0o750); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		path := filepath.Join(a.cfg.DataDir, "attest.db")
		a.logger.Info("lite mode: using sqlite ledger", "path", path)
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		db.SetMaxOpenConns(1)
		sb := ledger.NewSQLiteBackend(db)
		if err := sb.Init(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("init sqlite ledger: %w", err)
		}
		backend = sb
	default:
		db, err := sql.Open("postgres", a.cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("connect postgres: %w", err)
		}
		sb := ledger.NewSQLBackend(db)
		if err := sb.Init(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("init postgres ledger: %w", err)
		}
		backend = sb
	}

	a.ledger = ledger.New(backend, opts...)
	a.closers = append(a.closers, func(context.Context) error { return a.ledger.Close() })
	return nil
}

// openSigner picks the export signing key: an explicit key file, a key
// derived from the shared secret, or in lite mode a generated key kept in
// the data dir. Otherwise export is disabled.
func (a *app) openSigner() error {
	switch {
	case a.cfg.SigningKeyFile != "":
		s, _, err := crypto.LoadOrGenerateSigner(a.cfg.SigningKeyFile, false)
		if err != nil {
			return err
		}
		a.signer = s
	case a.cfg.SigningSecret != "":
		s, err := crypto.DeriveSigner([]byte(a.cfg.SigningSecret), a.cfg.LedgerShard)
		if err != nil {
			return err
		}
		a.signer = s
	case a.cfg.LiteMode() || a.cfg.LedgerBackend == "file":
		path := filepath.Join(a.cfg.DataDir, "export.key")
		s, created, err := crypto.LoadOrGenerateSigner(path, true)
		if err != nil {
			return err
		}
		if created {
			a.logger.Warn("generated export signing key; distribute the public key to auditors",
				"path", path, "public_key", s.PublicKey())
		}
		a.signer = s
	default:
		a.logger.Warn("no signing_key_file or signing_secret configured; manifest export disabled")
	}
	return nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
