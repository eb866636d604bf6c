package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ventrelay/ventrelay/internal/config"
	errwrap "github.com/ventrelay/ventrelay/internal/errors"
	"github.com/ventrelay/ventrelay/internal/metrics"
	"github.com/ventrelay/ventrelay/internal/observability"
	"github.com/ventrelay/ventrelay/internal/relay"
	"github.com/ventrelay/ventrelay/internal/server"
	"github.com/ventrelay/ventrelay/internal/upstream"
	"github.com/ventrelay/ventrelay/internal/upstream/openai"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay HTTP server",
	Long: `Start the relay HTTP server with graceful shutdown support.

The server refuses to start without OPENAI_API_KEY.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file and log the result (restart to apply)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig(ctx)
		if err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Failed to load configuration", err)
			return err
		}
		if err := cfg.Validate(); err != nil {
			ExitWithCode(observability.CLILogger, foundry.ExitConfigInvalid, "Invalid configuration", err)
			return err
		}

		observability.InitServerLogger(cfg.Logging.Level, cfg.Logging.Profile)
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		tracer := openTracer()
		svc := newRelayService(cfg, tracer)
		srv := server.New(cfg, svc)

		logger.Info("Initializing server",
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.String("model", svc.Model()),
			zap.Bool("secret_required", cfg.Auth.AppSecret != ""),
			zap.Strings("cors_origins", cfg.CORS.Origins()),
			zap.Int("rate_limit_requests", cfg.RateLimit.Requests),
			zap.Duration("rate_limit_window", cfg.RateLimit.Window),
			zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
			zap.Int("metrics_port", observability.GetMetricsPort()))

		sweepCtx, stopSweep := context.WithCancel(context.Background())
		go svc.Limiter().Run(sweepCtx, cfg.RateLimit.SweepInterval, func(removed, remaining int) {
			metrics.RecordRateLimitSweep(removed)
			metrics.SetRateLimitKeys(remaining)
			if removed > 0 {
				logger.Debug("Swept idle rate limit keys",
					zap.Int("removed", removed),
					zap.Int("remaining", remaining))
			}
		})

		lc := newLifecycle()
		lc.doubleTap = &signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}
		registerShutdownHandlers(lc, srv, cfg.Server.ShutdownTimeout, stopSweep, tracer)
		registerReloadHandler(lc)
		lc.armDetached(signals.GetDefaultManager())

		metrics.SetServerStartTime(time.Now().Unix())

		errChan := make(chan error, 2)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()

		go func() {
			if err := lc.Listen(ctx); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		select {
		case err := <-errChan:
			return errwrap.WrapInternal(ctx, err, "server error")
		case <-lc.Done():
			if err := lc.Err(); err != nil {
				return errwrap.WrapInternal(ctx, err, "shutdown failed")
			}
			return nil
		}
	},
}

// newRelayService wires the OpenAI driver and limiter described by cfg.
func newRelayService(cfg *config.Config, tracer *upstream.Tracer) *relay.Service {
	client := openai.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey)
	client.Timeout = cfg.Upstream.Timeout
	client.HTTPClient = &http.Client{}
	client.Tracer = tracer

	temperature := cfg.Upstream.Temperature
	limiter := relay.NewLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)

	return relay.NewService(client, limiter, relay.Options{
		Secret:      cfg.Auth.AppSecret,
		Model:       cfg.Upstream.Model,
		MaxTokens:   cfg.Upstream.MaxTokens,
		Temperature: &temperature,
	})
}

// registerShutdownHandlers registers cleanup in LIFO order: the HTTP server
// stops first, the logger is flushed last.
func registerShutdownHandlers(lc *lifecycle, srv *server.Server, timeout time.Duration, stopSweep context.CancelFunc, tracer *upstream.Tracer) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	lc.OnShutdown(func(ctx context.Context) error {
		observability.ServerLogger.Info("Flushing logger...")
		if err := observability.ServerLogger.Sync(); err != nil {
			// stdout/stderr may already be closed
			observability.ServerLogger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	lc.OnShutdown(func(ctx context.Context) error {
		stopSweep()
		if err := tracer.Close(); err != nil {
			observability.ServerLogger.Warn("Failed to close trace file", zap.Error(err))
		}
		if err := observability.StopMetrics(); err != nil {
			observability.ServerLogger.Warn("Failed to stop metrics exporter", zap.Error(err))
		}
		return nil
	})

	lc.OnShutdown(func(ctx context.Context) error {
		observability.ServerLogger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}

		observability.ServerLogger.Info("HTTP server stopped gracefully")
		return nil
	})
}

// registerReloadHandler re-reads configuration on SIGHUP. The running relay
// keeps its settings; the result is logged so operators can confirm the file
// parses before restarting.
func registerReloadHandler(lc *lifecycle) {
	lc.OnReload(func(ctx context.Context) error {
		logger := observability.ServerLogger
		logger.Info("Received SIGHUP: re-reading configuration")

		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
			}
		}

		cfg, err := loadConfig(ctx)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			logger.Error("Reloaded configuration is invalid", zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}

		logger.Info("Configuration re-read; restart to apply changes",
			zap.String("file", viper.ConfigFileUsed()),
			zap.String("model", cfg.Upstream.Model),
			zap.Int("port", cfg.Server.Port))
		return nil
	})
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "0.0.0.0", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 10000, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
