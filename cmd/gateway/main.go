// Command gateway is the unified market-data gateway process: it loads
// configuration, wires the subscription router to the binance and okx
// venue decoders, starts the local subscription endpoint, and serves
// health/readiness/metrics over HTTP.
//
// Process wiring and graceful shutdown are grounded on
// go-server-3/cmd/odin-ws/main.go's signal.NotifyContext + Start/Stop +
// background metrics-http-server shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	_ "go.uber.org/automaxprocs"

	"github.com/candlegate/gateway/internal/config"
	"github.com/candlegate/gateway/internal/decoder/binance"
	"github.com/candlegate/gateway/internal/decoder/okx"
	"github.com/candlegate/gateway/internal/endpoint"
	"github.com/candlegate/gateway/internal/logging"
	"github.com/candlegate/gateway/internal/metrics"
	"github.com/candlegate/gateway/internal/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	reg := metrics.NewRegistry()

	rt := router.New(cfg.RouterConfig(), reg, logger)
	registerVenues(rt, cfg)

	srv := endpoint.NewServer(cfg.EndpointConfig(), rt, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("subscription endpoint failed to start")
	}

	httpErrCh := make(chan error, 1)
	go func() {
		httpErrCh <- runHealthServer(ctx, cfg, rt, reg, logger)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			logger.Error().Err(err).Msg("health/metrics server error")
		}
		stop()
	}

	srv.Stop()
	logger.Info().Msg("subscription endpoint stopped")
}

// registerVenues wires every supported venue's decoder factory into the
// router. Each factory gets its own REST client and token-bucket limiter
// so one venue's backfill traffic never starves another's.
func registerVenues(rt *router.Router, cfg *config.Config) {
	rt.RegisterVenue("binance", &binance.Factory{
		WSHost:               cfg.BinanceWSHost,
		RESTHost:             cfg.BinanceRESTHost,
		Interval:             cfg.DefaultInterval,
		MaxSymbolsPerSession: cfg.MaxSymbolsPerSession,
		HTTPClient:           &http.Client{Timeout: cfg.RestTimeout},
		Limiter:              newRestLimiter(cfg.RestPoolConnections, cfg.RestPoolMaxSize),
	})
	rt.RegisterVenue("okx", &okx.Factory{
		WSHost:               cfg.OKXWSHost,
		RESTHost:             cfg.OKXRESTHost,
		Interval:             cfg.DefaultInterval,
		MaxSymbolsPerSession: cfg.MaxSymbolsPerSession,
		HTTPClient:           &http.Client{Timeout: cfg.RestTimeout},
		Limiter:              newRestLimiter(cfg.RestPoolConnections, cfg.RestPoolMaxSize),
	})
}

func newRestLimiter(connections, maxSize int) *rate.Limiter {
	burst := maxSize
	if burst < 1 {
		burst = 1
	}
	ratePerSec := connections
	if ratePerSec < 1 {
		ratePerSec = 1
	}
	return rate.NewLimiter(rate.Limit(ratePerSec), burst)
}

// runHealthServer serves /health, /ready, and /metrics until ctx is
// cancelled, shutting down gracefully rather than dropping in-flight
// scrapes.
func runHealthServer(ctx context.Context, cfg *config.Config, rt *router.Router, reg *metrics.Registry, logger zerolog.Logger) error {
	if !cfg.HealthCheckEnabled {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		active := rt.ActiveSessionCount()
		status := http.StatusServiceUnavailable
		state := "not_ready"
		if active > 0 {
			status = http.StatusOK
			state = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":          state,
			"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
			"active_sessions": active,
		})
	})
	mux.Handle("/metrics", reg.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HealthCheckPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("health/metrics server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("health/metrics server shutdown error")
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
