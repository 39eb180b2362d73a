// Package producer mirrors relayed records onto Kafka topics.
package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/relay"
)

// Topic names, as keys of config.KafkaConfig.Topics.
const (
	TopicEvents  = "events"
	TopicReports = "reports"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer is a relay observer. Writers are asynchronous, so producing
// never holds up the relay.
type KafkaProducer struct {
	writers map[string]messageWriter
	topics  map[string]string
	timeout time.Duration
}

func NewKafkaProducer(cfg config.KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	writers := make(map[string]messageWriter)

	for name, topic := range cfg.Topics {
		writers[name] = &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchSize:    100,
			BatchTimeout: time.Millisecond * 100,
			Async:        true,
		}
	}

	return &KafkaProducer{
		writers: writers,
		topics:  cfg.Topics,
		timeout: 5 * time.Second,
	}, nil
}

// OnStatus is part of relay.Observer; status changes are not mirrored.
func (p *KafkaProducer) OnStatus(relay.Status) {}

func (p *KafkaProducer) OnEvent(out event.Outbound) {
	key := ""
	if out.NormalizedEvent != nil {
		key = out.Platform
	}
	if err := p.produce(TopicEvents, key, out); err != nil {
		log.Warn().Err(err).Str("audit_id", out.AuditID).Msg("Failed to produce event")
	}
}

func (p *KafkaProducer) OnReport(frame relay.ReportFrame) {
	key := ""
	if frame.Report != nil {
		key = frame.PageURL
	}
	if err := p.produce(TopicReports, key, frame); err != nil {
		log.Warn().Err(err).Str("audit_id", frame.AuditID).Msg("Failed to produce report")
	}
}

func (p *KafkaProducer) produce(topic, key string, v interface{}) error {
	w, ok := p.writers[topic]
	if !ok {
		return fmt.Errorf("kafka: no writer for topic %q", topic)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
}

func (p *KafkaProducer) Close() error {
	for _, w := range p.writers {
		w.Close()
	}
	return nil
}
