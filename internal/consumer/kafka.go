// Package consumer reads mirrored records back from Kafka, for archiving
// from a process other than the one attached to the browser.
package consumer

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/producer"
	"github.com/gosight/gosight/auditor/internal/relay"
)

// RecordSink receives decoded records; the archiver implements it.
type RecordSink interface {
	OnEvent(out event.Outbound)
	OnReport(frame relay.ReportFrame)
	Flush()
}

// KafkaConsumer consumes the events and reports topics
type KafkaConsumer struct {
	reader *kafka.Reader
	kinds  map[string]string // topic -> producer topic key
	sink   RecordSink
}

func NewKafkaConsumer(cfg config.KafkaConfig, sink RecordSink) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.ConsumerGroup == "" {
		return nil, errors.New("kafka: consumer group required")
	}
	kinds := make(map[string]string)
	var topics []string
	for _, key := range []string{producer.TopicEvents, producer.TopicReports} {
		if topic := cfg.Topics[key]; topic != "" {
			kinds[topic] = key
			topics = append(topics, topic)
		}
	}
	if len(topics) == 0 {
		return nil, errors.New("kafka: no topics configured")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		GroupTopics:    topics,
		MinBytes:       1e3,  // 1KB
		MaxBytes:       10e6, // 10MB
		CommitInterval: 1000,
		StartOffset:    kafka.LastOffset,
	})

	return &KafkaConsumer{
		reader: reader,
		kinds:  kinds,
		sink:   sink,
	}, nil
}

// Start consumes until ctx is done.
func (c *KafkaConsumer) Start(ctx context.Context) {
	log.Info().
		Strs("topics", c.reader.Config().GroupTopics).
		Str("group", c.reader.Config().GroupID).
		Msg("Starting Kafka consumer")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Kafka consumer stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		if err := c.handle(msg); err != nil {
			log.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("Failed to decode message")
		}

		// Undecodable messages are committed too, so one bad record cannot
		// stall the group.
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Msg("Failed to commit message")
		}
	}
}

func (c *KafkaConsumer) handle(msg kafka.Message) error {
	switch c.kinds[msg.Topic] {
	case producer.TopicEvents:
		var out event.Outbound
		if err := json.Unmarshal(msg.Value, &out); err != nil {
			return err
		}
		if out.NormalizedEvent == nil {
			return errors.New("empty event")
		}
		c.sink.OnEvent(out)
	case producer.TopicReports:
		var frame relay.ReportFrame
		if err := json.Unmarshal(msg.Value, &frame); err != nil {
			return err
		}
		if frame.Report == nil {
			return errors.New("empty report")
		}
		c.sink.OnReport(frame)
	default:
		return fmt.Errorf("unexpected topic %q", msg.Topic)
	}
	return nil
}

// Close flushes the sink and closes the reader.
func (c *KafkaConsumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	c.sink.Flush()
	return c.reader.Close()
}
