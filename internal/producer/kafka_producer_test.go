package producer

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/relay"
	"github.com/gosight/gosight/auditor/internal/scanner"
)

type memWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error {
	w.closed = true
	return nil
}

func TestNewKafkaProducer(t *testing.T) {
	_, err := NewKafkaProducer(config.KafkaConfig{})
	assert.Error(t, err)

	p, err := NewKafkaProducer(config.KafkaConfig{
		Brokers: []string{"127.0.0.1:9092"},
		Topics:  map[string]string{TopicEvents: "auditor.events"},
	})
	require.NoError(t, err)
	assert.Contains(t, p.writers, TopicEvents)
	require.NoError(t, p.Close())
}

func TestKafkaProducer_Mirrors(t *testing.T) {
	events, reports := &memWriter{}, &memWriter{}
	p := &KafkaProducer{
		writers: map[string]messageWriter{TopicEvents: events, TopicReports: reports},
		timeout: time.Second,
	}

	out := event.Stamp(&event.NormalizedEvent{Platform: "GA4", Name: "purchase"}, time.Now())
	p.OnEvent(out)
	p.OnReport(relay.ReportFrame{Report: &scanner.Report{PageURL: "https://shop.com/"}, AuditID: "r-1"})
	p.OnStatus(relay.Status{})

	require.Len(t, events.msgs, 1)
	assert.Equal(t, "GA4", string(events.msgs[0].Key))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(events.msgs[0].Value, &decoded))
	assert.Equal(t, "purchase", decoded["event"])
	assert.Equal(t, out.AuditID, decoded["auditId"])

	require.Len(t, reports.msgs, 1)
	assert.Equal(t, "https://shop.com/", string(reports.msgs[0].Key))

	require.NoError(t, p.Close())
	assert.True(t, events.closed)
	assert.True(t, reports.closed)
}

func TestKafkaProducer_MissingTopic(t *testing.T) {
	p := &KafkaProducer{writers: map[string]messageWriter{}, timeout: time.Second}
	assert.Error(t, p.produce(TopicReports, "", map[string]string{}))
}
