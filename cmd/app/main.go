package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Harvey-AU/crawl-admission/internal/app"
	"github.com/Harvey-AU/crawl-admission/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const serviceName = "crawl-admission"

func main() {
	config, err := app.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	setupLogging(config)

	// Initialise Sentry for error tracking
	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              config.SentryDSN,
			Environment:      config.Env,
			TracesSampleRate: tracesSampleRate(config.Env),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	var obsProviders *observability.Providers
	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(context.Background(), observability.Config{
			Enabled:        true,
			ServiceName:    serviceName,
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    app.ParseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if metricsSrv := startMetricsServer(config.MetricsAddr, obsProviders.MetricsHandler); metricsSrv != nil {
				defer shutdownServer(metricsSrv, 5*time.Second, "metrics")
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := app.New(ctx, config)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect coordination dependencies")
	}
	services.Start(ctx)

	var server *http.Server
	if config.APIEnabled {
		server = &http.Server{
			Addr:              ":" + config.Port,
			Handler:           observability.WrapHandler(services.Handler(), obsProviders),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("port", config.Port).Msg("Starting server")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sentry.CaptureException(err)
				log.Error().Err(err).Msg("Server error")
				cancel()
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	case <-ctx.Done():
		log.Warn().Msg("Shutting down after server failure")
	}

	if server != nil {
		shutdownServer(server, 30*time.Second, "api")
	}
	if err := services.Shutdown(30 * time.Second); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Services did not shut down cleanly")
	}
	cancel()

	log.Info().Msg("Stopped")
}

func tracesSampleRate(env string) float64 {
	if env == "production" {
		return 0.1
	}
	return 1.0
}

func startMetricsServer(addr string, handler http.Handler) *http.Server {
	if handler == nil || addr == "" {
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server, timeout time.Duration, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warn().Err(err).Str("server", name).Msg("Graceful shutdown failed")
	}
}

// setupLogging configures the logging system
func setupLogging(config *app.Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		return
	}
	log.Logger = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", serviceName).
		Logger()
}
