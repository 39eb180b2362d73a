// Package transformer maps relayed records onto archive rows.
package transformer

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gosight/gosight/auditor/internal/domain"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/relay"
	"github.com/gosight/gosight/auditor/internal/storage"
)

var errNoEvent = errors.New("transformer: record has no payload")

// TransformEvent builds the audit_events row for an outbound record. The
// payload column keeps the full wire form.
func TransformEvent(out event.Outbound) (storage.EventRow, error) {
	ev := out.NormalizedEvent
	if ev == nil {
		return storage.EventRow{}, errNoEvent
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return storage.EventRow{}, err
	}

	page := ev.BestPageURL()
	host, _ := domain.Hostname(page)
	row := storage.EventRow{
		AuditID:     out.AuditID,
		Timestamp:   parseTimestamp(out.Timestamp, ev.Timestamp),
		Type:        ev.Type,
		Family:      string(ev.Family),
		Platform:    ev.Platform,
		EventName:   ev.Name,
		Source:      string(ev.Source),
		PageURL:     page,
		PageHost:    host,
		Initiator:   ev.Initiator,
		Currency:    ev.Currency,
		Identifiers: ev.Identifiers,
		Payload:     string(payload),
	}
	if row.Identifiers == nil {
		row.Identifiers = map[string]string{}
	}
	if f, ok := ev.Value.Float(); ok {
		row.Value = &f
	}
	if ss := ev.ServerSide; ss != nil {
		row.IsFirstParty = flag(ss.IsFirstParty)
		row.ServerSideConfigured = flag(ss.InferredServerSideConfigured)
		row.DedupIDPresent = flag(ss.DedupIDPresent)
	}
	return row, nil
}

// TransformReport builds the audit_reports row for a scanner report.
func TransformReport(frame relay.ReportFrame) (storage.ReportRow, error) {
	r := frame.Report
	if r == nil {
		return storage.ReportRow{}, errNoEvent
	}

	detections, err := json.Marshal(r.Detections)
	if err != nil {
		return storage.ReportRow{}, err
	}

	host, _ := domain.Hostname(r.PageURL)
	d := r.Detections
	return storage.ReportRow{
		AuditID:    frame.AuditID,
		Timestamp:  parseTimestamp(frame.Timestamp, r.Timestamp),
		PageURL:    r.PageURL,
		PageHost:   host,
		PageTitle:  r.PageTitle,
		HasGTM:     flag(r.HasGTM),
		TagCount:   uint32(len(d.Gtag) + len(d.GTM) + len(d.Meta) + len(d.TikTok) + len(d.GAds)),
		Detections: string(detections),
	}, nil
}

func parseTimestamp(wire string, fallback time.Time) time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, wire); err == nil {
		return ts
	}
	if !fallback.IsZero() {
		return fallback
	}
	return time.Now()
}

func flag(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
