package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosight/gosight/auditor/internal/consumer"
	"github.com/gosight/gosight/auditor/internal/logger"
	"github.com/gosight/gosight/auditor/internal/processor"
	"github.com/gosight/gosight/auditor/internal/session"
	"github.com/gosight/gosight/auditor/internal/storage"
)

func newArchiveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "archive",
		Short: "Consume the mirrored Kafka topics into ClickHouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log)

			log.Info().
				Strs("kafka_brokers", cfg.Kafka.Brokers).
				Str("clickhouse_addr", cfg.ClickHouse.Addr).
				Str("redis_addr", cfg.Redis.Addr).
				Int("batch_size", cfg.Batch.Size).
				Dur("flush_interval", cfg.Batch.FlushInterval).
				Msg("Configuration loaded")

			ch, err := storage.NewClickHouse(cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse: %w", err)
			}
			defer ch.Close()
			if err := ch.EnsureSchema(context.Background()); err != nil {
				return err
			}
			log.Info().Msg("Connected to ClickHouse")

			var pages *session.Aggregator
			var agg processor.PageAggregator
			if cfg.Redis.Addr != "" {
				pages = session.NewAggregator(ch, cfg.Redis)
				defer pages.Close()
				agg = pages
				log.Info().Msg("Page aggregator initialized")
			}

			archiver := processor.NewArchiver(ch, agg, cfg.Batch)

			kafkaConsumer, err := consumer.NewKafkaConsumer(cfg.Kafka, archiver)
			if err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			go kafkaConsumer.Start(ctx)
			log.Info().Msg("Archiver started")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Info().Msg("Shutting down...")
			cancel()
			kafkaConsumer.Close()
			archiver.Stop()

			if pages != nil {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer flushCancel()
				if err := pages.FlushAllPages(flushCtx); err != nil {
					log.Error().Err(err).Msg("Failed to flush page summaries")
				}
			}

			log.Info().Msg("Shutdown complete")
			return nil
		},
	}
}
