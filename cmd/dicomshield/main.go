package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caio-sobreiro/dicomnet/server"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/dicomshield/internal/config"
	"github.com/otcheredev/dicomshield/internal/handlers"
	"github.com/otcheredev/dicomshield/internal/metrics"
	"github.com/otcheredev/dicomshield/internal/middleware"
	"github.com/otcheredev/dicomshield/internal/proxy"
	"github.com/otcheredev/dicomshield/internal/pseudonym"
	"github.com/otcheredev/dicomshield/internal/relay"
	"github.com/otcheredev/dicomshield/internal/shield"
	"github.com/otcheredev/dicomshield/pkg/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML configuration")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Initialize logger
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting DicomShield")

	m := metrics.New(prometheus.DefaultRegisterer)

	// Pseudonymization service client
	pseudoClient, err := pseudonym.New(cfg.Pseudonym, cfg.Timeouts.HTTP, logger.With("pseudonym"), m.PseudonymDuration)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build pseudonymization client")
	}

	sh := shield.New(pseudoClient, logger.With("shield"))

	// Upstream dialer; the proxy presents its own ingress AE title.
	upstream := relay.NewUpstream(cfg.Upstream, cfg.Ingress.AET, cfg.Timeouts.Association, logger.With("relay"))

	// Both dependencies must answer before the listeners open.
	bootCtx, cancelBoot := context.WithTimeout(context.Background(), cfg.Timeouts.Association)
	if err := upstream.Echo(bootCtx); err != nil {
		log.Fatal().Err(err).Str("upstream", cfg.Upstream.Addr()).Msg("Upstream PACS verification failed")
	}
	if err := pseudoClient.Probe(bootCtx); err != nil {
		log.Fatal().Err(err).Str("endpoint", cfg.Pseudonym.EndpointURL).Msg("Pseudonymization service probe failed")
	}
	cancelBoot()
	log.Info().Msg("Upstream PACS and pseudonymization service verified")

	sink := relay.NewSink(relay.DefaultQueueDepth, logger.With("sink"))
	sink.OnDiscard(func(n int) { m.QueueDiscards.Add(float64(n)) })
	receiver := proxy.NewReceiver(sh, sink, m, logger.With("receiver"))
	handler := proxy.New(cfg, proxy.NewRelayDialer(upstream), sh, sink, m, logger.With("proxy"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 2)

	// Internal C-STORE endpoint: the AE upstream C-MOVEs are redirected to.
	go func() {
		log.Info().
			Str("addr", cfg.CStoreEndpoint.Addr()).
			Str("ae_title", cfg.CStoreEndpoint.AET).
			Msg("Internal store endpoint starting")
		errCh <- server.ListenAndServe(ctx, cfg.CStoreEndpoint.Addr(), cfg.CStoreEndpoint.AET, receiver,
			server.WithLogger(logger.Slog(logger.With("store_listener"))))
	}()

	// Public DICOM listener
	go func() {
		log.Info().
			Str("addr", cfg.Ingress.Addr()).
			Str("ae_title", cfg.Ingress.AET).
			Msg("DICOM listener starting")
		errCh <- server.ListenAndServe(ctx, cfg.Ingress.Addr(), cfg.Ingress.AET, handler,
			server.WithLogger(logger.Slog(logger.With("listener"))))
	}()

	// Admin HTTP surface
	healthHandler := handlers.NewHealthHandler(cfg.Timeouts.HTTP,
		handlers.ProbeFunc{ProbeName: "upstream_pacs", Fn: upstream.Echo},
		handlers.ProbeFunc{ProbeName: "pseudonym_service", Fn: pseudoClient.Probe},
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		MaxAge:         300,
	}))
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Admin server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt signal or listener failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down...")
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Listener failed")
		}
	}

	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Admin server forced to shutdown")
	}

	log.Info().Msg("DicomShield stopped")
}
