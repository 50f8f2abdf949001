package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AlexKimmel/cellgate/internal/auth"
	"github.com/AlexKimmel/cellgate/internal/config"
	"github.com/AlexKimmel/cellgate/internal/gateway"
	"github.com/AlexKimmel/cellgate/internal/obs"
	"github.com/AlexKimmel/cellgate/internal/proxy"
	"github.com/AlexKimmel/cellgate/internal/ratelimit"
	"github.com/AlexKimmel/cellgate/internal/routing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg)
}

func init() {
	// assigned here rather than in the literal to break the
	// serveCmd -> loadConfig -> initConfig -> serveCmd initialization cycle
	serveCmd.RunE = runServe
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	serveCmd.Flags().String("store", "", "store backend: memory or sqlite (overrides store.backend)")
	serveCmd.Flags().String("log-level", "", "log level (overrides observability.log_level)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Root) error {
	logger := obs.SetupLogger(cfg.Observability.LogLevel)
	logger.Info().Str("store", cfg.Store.Backend).Msg("starting")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(reg)

	be, err := openBackend(cfg.Store)
	if err != nil {
		return err
	}
	ctx, stopSweepers := context.WithCancel(ctx)
	// deferred calls run in reverse: stop the sweepers, then close
	defer be.close()
	defer stopSweepers()
	be.startSweeper(ctx, cfg.Store.SweepInterval.Std(), cfg.Store.IdleTTL.Std(), logger)
	go trackKeys(ctx, be, metrics, cfg.Store.SweepInterval.Std())

	handler, err := newHandler(cfg, be.store, metrics, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout(),
		IdleTimeout:       cfg.Server.IdleTimeout(),
		ReadTimeout:       cfg.Server.ReadTimeout(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}
	logger.Info().Msg("bye")
	return nil
}

// newHandler assembles the middleware chain around the proxy.
func newHandler(cfg *config.Root, store ratelimit.Store, metrics *obs.Metrics, logger zerolog.Logger) (http.Handler, error) {
	specs, err := cfg.Limits.Specs()
	if err != nil {
		return nil, err
	}

	sinks := ratelimit.MultiSink{metrics.Sink()}
	if cfg.Observability.LogDecisions {
		sinks = append(sinks, obs.DecisionLogger(logger))
	}
	lim := ratelimit.New(store,
		ratelimit.WithSink(sinks),
		ratelimit.WithMaxAttempts(cfg.Store.MaxAttempts),
	)

	router, err := routing.FromConfig(cfg.Routes)
	if err != nil {
		return nil, err
	}

	keys := make([]auth.Key, 0, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys = append(keys, auth.Key{ID: k.ID, Secret: k.Secret, Hash: k.SecretHash})
	}
	authStore := auth.NewStatic(cfg.Auth.Header, cfg.Auth.Required, keys)

	ips, err := gateway.NewClientIP(cfg.Limits.TrustedProxies)
	if err != nil {
		return nil, err
	}
	keyFunc := gateway.ByClientIP(ips)
	if cfg.Limits.KeySource == "api_key" {
		keyFunc = gateway.ByAPIKey(keyFunc)
	}

	skip := map[string]struct{}{"/health": {}, "/version": {}}
	skip[cfg.Observability.PrometheusPath] = struct{}{}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(Version))
	})
	mux.Handle(cfg.Observability.PrometheusPath, metrics.Handler())
	mux.Handle("/", proxy.Handler(proxy.NewHTTPTransport()))

	return gateway.Chain(
		mux,
		obs.Logger(logger),
		metrics.Middleware(skip),
		gateway.BodyLimit(cfg.Server.MaxBody()),
		authStore.Middleware(skip),
		gateway.RouteMatcher(router, skip),
		obs.CaptureRoute(),
		gateway.RateLimit(lim, gateway.RateLimitOptions{
			Classes:   specs,
			KeyFunc:   keyFunc,
			FailOpen:  cfg.Limits.OnStoreError == "allow",
			Skip:      skip,
			OnLimited: metrics.OnLimited,
			OnError:   metrics.OnError,
		}),
	), nil
}

func trackKeys(ctx context.Context, be *backend, metrics *obs.Metrics, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := be.count(ctx); err == nil {
				metrics.TrackedKeys.Set(float64(n))
			}
		}
	}
}
