package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/doorman/api"
	"github.com/jmcleod/doorman/config"
	"github.com/jmcleod/doorman/identity"
	"github.com/jmcleod/doorman/identity/discord"
	"github.com/jmcleod/doorman/session"
	"github.com/jmcleod/doorman/storage"
)

const rateLimitSweepInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the authentication gate",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := cfg.Log.NewLogger()
		slog.SetDefault(logger)

		store, err := openStore(cmd.Context(), cfg.Storage)
		if err != nil {
			return err
		}
		defer store.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		a, err := newGate(cfg, store, logger, reg)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           newRouter(a, reg, cfg.Metrics.Enabled),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
			IdleTimeout:       cfg.HTTP.IdleTimeout,
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go sweepRateLimits(ctx, a)

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if cfg.HTTP.TLSCert != "" {
				err = server.ListenAndServeTLS(cfg.HTTP.TLSCert, cfg.HTTP.TLSKey)
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner(cmd.OutOrStdout())
		logger.Info("listening",
			slog.String("addr", cfg.HTTP.Addr),
			slog.String("storage", cfg.Storage.Driver),
			slog.Bool("tls", cfg.HTTP.TLSCert != ""))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

// newGate wires the session manager, the Discord broker and the HTTP API
// over store.
func newGate(cfg *config.Config, store storage.Store, logger *slog.Logger, reg prometheus.Registerer) (*api.API, error) {
	sessions, err := session.NewManager(store,
		session.WithLifetime(cfg.Session.Lifetime),
		session.WithRenewWindow(cfg.Session.RenewWindow),
		session.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	key, err := cfg.Credentials.Key()
	if err != nil {
		return nil, err
	}
	sealer, err := storage.NewSealer(key)
	if err != nil {
		return nil, err
	}

	provider := discord.New(discord.Config{
		ClientID:     cfg.Discord.ClientID,
		ClientSecret: cfg.Discord.ClientSecret,
		RedirectURL:  cfg.Discord.RedirectURL,
		Scopes:       cfg.Discord.Scopes,
	})

	trusted, err := api.ParseTrustedProxies(cfg.HTTP.TrustedProxies)
	if err != nil {
		return nil, err
	}

	// The broker reports refreshes to the API, which is built after it.
	var a *api.API
	broker := identity.NewBroker(provider, store, sessions, sealer,
		identity.WithProviderTimeout(cfg.Discord.Timeout),
		identity.WithLogger(logger),
		identity.WithRefreshObserver(func(ctx context.Context, userID string, err error) {
			a.RefreshObserver()(ctx, userID, err)
		}),
	)

	a = api.New(sessions, broker,
		api.WithLogger(logger),
		api.WithRegisterer(reg),
		api.WithTrustedProxies(trusted),
		api.WithAlertFunc(func(e api.AlertEvent) {
			logger.Warn("security alert",
				slog.String("type", string(e.Type)),
				slog.String("message", e.Message),
				slog.Int("count", e.Count),
				slog.Int("threshold", e.Threshold))
		}),
	)
	return a, nil
}

func newRouter(a *api.API, gatherer prometheus.Gatherer, metrics bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	if metrics {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Mount("/", a.Handler())
	return r
}

func sweepRateLimits(ctx context.Context, a *api.API) {
	t := time.NewTicker(rateLimitSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.SweepRateLimits()
		}
	}
}
