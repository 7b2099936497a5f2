package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/attest/pkg/api"
	"github.com/Mindburn-Labs/attest/pkg/controls"
)

const shutdownTimeout = 30 * time.Second

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := configFlag(fs)
	watch := fs.Bool("watch", true, "Reload the control mapping when its file changes")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, ok := loadConfig(*configPath, stderr)
	if !ok {
		return 2
	}
	logger := newLogger(cfg, stderr)
	logger.Info("starting attestd", "version", version, "config", cfg.LogSummary())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 2
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	// SIGHUP reloads the control mapping, like a config-map update would.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if _, err := a.registry.Reload(ctx); err != nil {
					logger.Error("control mapping reload rejected; previous mapping stays active", "error", err)
				}
			}
		}
	}()

	if *watch {
		w, err := controls.NewWatcher(a.registry, 0)
		if err != nil {
			logger.Warn("control mapping watcher disabled", "error", err)
		} else {
			go func() { _ = w.Run(ctx) }()
			defer func() {
				stop()
				<-w.Done()
			}()
		}
	}

	if err := a.scheduler.Start(); err != nil {
		logger.Error("scheduler start failed", "error", err)
		return 2
	}

	srv := api.New(api.Deps{
		Collector: a.collector,
		Query:     a.query,
		Ledger:    a.ledger,
		Chain:     a.reconciler,
		Signer:    a.signer,
		Purger:    a.reconciler,
		Registry:  a.registry,
		Jobs:      a.scheduler,
		Gatherer:  a.prom,
	},
		api.WithAuthenticator(api.NewAuthenticator(cfg.JWTSecret)),
		api.WithRateLimiter(api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
		api.WithLogger(logger),
		api.WithVersion(version),
	)
	if cfg.JWTSecret == "" {
		logger.Warn("jwt_secret not set; API authentication disabled")
	}

	httpSrv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			return 2
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(stderr, "http shutdown: %v\n", err)
	}
	_, _ = fmt.Fprintln(stdout, "attestd stopped")
	return 0
}
