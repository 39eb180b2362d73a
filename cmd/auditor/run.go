package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosight/gosight/auditor/internal/auditor"
	"github.com/gosight/gosight/auditor/internal/browser"
	"github.com/gosight/gosight/auditor/internal/browser/cdp"
	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/handler"
	"github.com/gosight/gosight/auditor/internal/logger"
	"github.com/gosight/gosight/auditor/internal/processor"
	"github.com/gosight/gosight/auditor/internal/producer"
	"github.com/gosight/gosight/auditor/internal/relay"
	"github.com/gosight/gosight/auditor/internal/session"
	"github.com/gosight/gosight/auditor/internal/settings"
	"github.com/gosight/gosight/auditor/internal/storage"
	"github.com/gosight/gosight/auditor/internal/telemetry"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the auditor daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runDaemon(cfg)
		},
	}
}

// openSettings returns the configured settings store and a close func.
func openSettings(cfg *config.Config) (settings.Store, func() error, error) {
	switch cfg.Settings.Backend {
	case "memory":
		return settings.NewMemory(), func() error { return nil }, nil
	case "redis":
		rs := settings.NewRedis(cfg.Redis, cfg.Settings.Key)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, nil, err
		}
		return rs, rs.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown settings backend %q", cfg.Settings.Backend)
}

func runDaemon(cfg *config.Config) error {
	logger.Init(cfg.Log)
	log.Info().Str("version", cfg.Relay.Version).Msg("Starting auditor...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openSettings(cfg)
	if err != nil {
		return fmt.Errorf("settings store: %w", err)
	}
	defer closeStore()
	log.Info().Str("backend", cfg.Settings.Backend).Msg("Settings store initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sess := relay.NewSession(cfg.Relay, store, relay.NewMetrics(reg))

	var (
		exec     browser.Executor
		lister   browser.PageLister
		devtools *cdp.Client
	)
	if cfg.Browser.Mode == "cdp" {
		devtools = cdp.New(cfg.Browser.DevToolsURL)
		exec, lister = devtools, devtools
	}

	tracker := telemetry.NewTracker(cfg.Telemetry, exec, lister, sess)
	aud := auditor.New(cfg.Telemetry, sess, tracker, exec)

	if cfg.Kafka.Enabled {
		kafkaProducer, err := producer.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer kafkaProducer.Close()
		sess.Subscribe(kafkaProducer)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("Kafka producer initialized")
	}

	if cfg.ClickHouse.Enabled {
		ch, err := storage.NewClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			return err
		}

		pages := session.NewAggregator(ch, cfg.Redis)
		defer pages.Close()
		archiver := processor.NewArchiver(ch, pages, cfg.Batch)
		sess.Subscribe(archiver)
		aud.SetPageFlusher(pages)
		defer func() {
			archiver.Stop()
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer flushCancel()
			if err := pages.FlushAllPages(flushCtx); err != nil {
				log.Error().Err(err).Msg("Failed to flush page summaries")
			}
		}()
		log.Info().Str("addr", cfg.ClickHouse.Addr).Msg("ClickHouse archiver initialized")
	}

	go func() {
		if err := sess.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Relay stopped")
		}
	}()
	go aud.Run(ctx)
	if devtools != nil {
		go func() {
			if err := devtools.Run(ctx, aud); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("DevTools feed stopped")
			}
		}()
		log.Info().Str("endpoint", cfg.Browser.DevToolsURL).Msg("DevTools feed started")
	}

	httpHandler := handler.NewHTTPHandler(sess, aud)
	httpServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler: handler.Router(httpHandler, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), cfg.Server.AllowedOrigins),
	}

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to serve HTTP")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down auditor...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Info().Msg("Auditor stopped")
	return nil
}
