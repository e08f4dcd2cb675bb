package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/AlexKimmel/ratewindow/internal/auth"
	"github.com/AlexKimmel/ratewindow/internal/config"
	"github.com/AlexKimmel/ratewindow/internal/gateway"
	"github.com/AlexKimmel/ratewindow/internal/obs"
	"github.com/AlexKimmel/ratewindow/internal/proxy"
	"github.com/AlexKimmel/ratewindow/internal/ratelimit/memory"
)

var configFile = flag.String("config", "./config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		bootLogger := obs.SetupLogger("info", os.Stderr)
		bootLogger.Fatal().Err(err).Str("path", *configFile).Msg("load config")
	}

	logger := obs.SetupLogger(cfg.Observability.LogLevel, os.Stdout)

	upstream, err := url.Parse(cfg.Server.Upstream)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse upstream")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	lim := memory.New(memory.WithCleanup(cfg.Limits.CleanupEvery()))
	defer lim.Close()

	// ops endpoints bypass the limiter
	skip := map[string]struct{}{"/health": {}}
	skip[cfg.Observability.MetricsPath] = struct{}{}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.Handle(cfg.Observability.MetricsPath, metrics.Handler())
	mux.Handle("/", proxy.Handler(upstream, proxy.NewHTTPTransport(), cfg.Server.UpstreamTimeout()))

	var authn gateway.Middleware
	if cfg.Auth.Enabled() {
		authn = auth.NewStatic(cfg.Auth.Header, cfg.Auth.Pairs()).Middleware(skip)
	}

	policies := gateway.NewPolicies(cfg.Limits.Policy(), cfg.Limits.OverridePolicies())
	handler := gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		authn,
		gateway.Throttle(lim, policies, gateway.ThrottleOptions{
			Reject:         cfg.Limits.Default.Mode == config.ModeReject,
			MaxWait:        cfg.Limits.MaxWait(),
			TrustedProxies: cfg.Server.TrustedProxyPrefixes(),
			SkipPaths:      skip,
			OnDecision:     metrics.ObserveDecision,
			OnError:        metrics.ObserveError,
		}),
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the quotas; everything else needs a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errCh := make(chan error, 1)
	go func() {
		def := policies.Default()
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", upstream.String()).
			Int("limit", def.Limit).
			Dur("period", def.Period).
			Int("overrides", len(cfg.Limits.Overrides)).
			Bool("auth", cfg.Auth.Enabled()).
			Str("mode", cfg.Limits.Default.Mode).
			Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutdown signal received")
			break loop
		case <-hup:
			reloadPolicies(logger, policies)
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("server error")
				return
			}
			break loop
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}

func reloadPolicies(logger zerolog.Logger, policies *gateway.Policies) {
	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error().Err(err).Str("path", *configFile).Msg("reload config; keeping current quotas")
		return
	}
	def := cfg.Limits.Policy()
	policies.Store(def, cfg.Limits.OverridePolicies())
	logger.Info().
		Int("limit", def.Limit).
		Dur("period", def.Period).
		Int("overrides", len(cfg.Limits.Overrides)).
		Msg("quotas reloaded")
}
