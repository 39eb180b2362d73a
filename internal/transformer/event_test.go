package transformer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/relay"
	"github.com/gosight/gosight/auditor/internal/scanner"
)

func TestTransformEvent(t *testing.T) {
	ev := &event.NormalizedEvent{
		Family:       event.FamilySocialPixel,
		Type:         "meta-event",
		Platform:     "Meta Pixel",
		Name:         "Purchase",
		PageLocation: "https://www.shop.com/thanks",
		Value:        event.NewAmount("49.90"),
		Currency:     "EUR",
		ServerSide:   &event.ServerSide{DedupIDPresent: true, InferredServerSideConfigured: true},
		Source:       event.SourceNetwork,
	}
	ev.SetID(event.IDPixel, "123")

	out := event.Outbound{NormalizedEvent: ev, AuditID: "a-1", Timestamp: "2026-01-02T03:04:05.678Z"}
	row, err := TransformEvent(out)
	require.NoError(t, err)

	assert.Equal(t, "a-1", row.AuditID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 678000000, time.UTC), row.Timestamp)
	assert.Equal(t, "social_pixel", row.Family)
	assert.Equal(t, "www.shop.com", row.PageHost)
	require.NotNil(t, row.Value)
	assert.InDelta(t, 49.9, *row.Value, 1e-9)
	assert.Equal(t, "123", row.Identifiers[event.IDPixel])
	assert.Equal(t, uint8(1), row.ServerSideConfigured)
	assert.Equal(t, uint8(1), row.DedupIDPresent)
	assert.Equal(t, uint8(0), row.IsFirstParty)
	assert.Contains(t, row.Payload, `"auditId":"a-1"`)
}

func TestTransformEvent_Fallbacks(t *testing.T) {
	ts := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ev := &event.NormalizedEvent{
		Name:      "page_view",
		Initiator: "https://shop.com/",
		Value:     event.NewAmount("free"),
		Timestamp: ts,
	}
	row, err := TransformEvent(event.Outbound{NormalizedEvent: ev})
	require.NoError(t, err)
	assert.Equal(t, "https://shop.com/", row.PageURL)
	assert.Nil(t, row.Value)
	assert.Equal(t, ts, row.Timestamp)
	assert.NotNil(t, row.Identifiers)

	_, err = TransformEvent(event.Outbound{})
	assert.Error(t, err)
}

func TestTransformReport(t *testing.T) {
	r := &scanner.Report{
		Type:      scanner.ReportType,
		HasGTM:    true,
		PageURL:   "https://shop.com/",
		PageTitle: "Shop",
		Detections: scanner.Detections{
			GTM:  []scanner.GTMContainer{{ContainerID: "GTM-ABC"}},
			Meta: []scanner.Pixel{{PixelID: "1"}, {PixelID: "2"}},
		},
	}
	row, err := TransformReport(relay.ReportFrame{Report: r, AuditID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), row.HasGTM)
	assert.Equal(t, uint32(3), row.TagCount)
	assert.Equal(t, "shop.com", row.PageHost)
	assert.Contains(t, row.Detections, "GTM-ABC")
}
