package consumer

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/relay"
)

type sink struct {
	events  []event.Outbound
	reports []relay.ReportFrame
	flushes int
}

func (s *sink) OnEvent(out event.Outbound)       { s.events = append(s.events, out) }
func (s *sink) OnReport(frame relay.ReportFrame) { s.reports = append(s.reports, frame) }
func (s *sink) Flush()                           { s.flushes++ }

func newTestConsumer(s *sink) *KafkaConsumer {
	return &KafkaConsumer{
		kinds: map[string]string{"auditor.events": "events", "auditor.reports": "reports"},
		sink:  s,
	}
}

func TestNewKafkaConsumer(t *testing.T) {
	_, err := NewKafkaConsumer(config.KafkaConfig{}, &sink{})
	assert.Error(t, err)

	_, err = NewKafkaConsumer(config.KafkaConfig{Brokers: []string{"127.0.0.1:9092"}, ConsumerGroup: "g"}, &sink{})
	assert.Error(t, err)

	c, err := NewKafkaConsumer(config.KafkaConfig{
		Brokers:       []string{"127.0.0.1:9092"},
		Topics:        map[string]string{"events": "auditor.events"},
		ConsumerGroup: "g",
	}, &sink{})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"auditor.events": "events"}, c.kinds)
	require.NoError(t, c.reader.Close())
}

func TestHandle(t *testing.T) {
	s := &sink{}
	c := newTestConsumer(s)

	require.NoError(t, c.handle(kafka.Message{
		Topic: "auditor.events",
		Value: []byte(`{"platformFamily":"web_analytics","platform":"GA4","event":"purchase","auditId":"a-1","timestamp":"2026-01-02T03:04:05Z"}`),
	}))
	require.NoError(t, c.handle(kafka.Message{
		Topic: "auditor.reports",
		Value: []byte(`{"type":"hardcoded-tags","detections":{"gtm":[{"containerId":"GTM-A"}]},"hasGTM":true,"pageUrl":"https://shop.com/","auditId":"r-1"}`),
	}))

	require.Len(t, s.events, 1)
	assert.Equal(t, "purchase", s.events[0].Name)
	assert.Equal(t, "a-1", s.events[0].AuditID)
	require.Len(t, s.reports, 1)
	assert.Equal(t, "GTM-A", s.reports[0].Detections.GTM[0].ContainerID)

	assert.Error(t, c.handle(kafka.Message{Topic: "auditor.events", Value: []byte(`nope`)}))
	assert.Error(t, c.handle(kafka.Message{Topic: "auditor.reports", Value: []byte(`null`)}))
	assert.Error(t, c.handle(kafka.Message{Topic: "other", Value: []byte(`{}`)}))
}
