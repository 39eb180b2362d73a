package parser

import (
	"github.com/gosight/gosight/auditor/internal/event"
)

// metaEnrichmentEvent is the pixel's internal advanced-matching signal. It
// is not a user event and is never reported.
const metaEnrichmentEvent = "EnrichAM"

// ParseMeta normalizes a Meta pixel hit. Query and urlencoded body are
// merged. Returns nil for the enrichment signal.
func ParseMeta(rawURL, body string) *event.NormalizedEvent {
	p := params{}
	p.mergeURL(rawURL)
	if body != "" {
		p.mergeQuery(body)
	}

	name, hasName := p.lookup("ev")
	if name == metaEnrichmentEvent {
		return nil
	}
	if !hasName {
		name = "PageView"
	}

	ev := &event.NormalizedEvent{
		Family:       event.FamilySocialPixel,
		Type:         "meta-event",
		Platform:     "Meta Pixel",
		Name:         name,
		PageLocation: p.firstOf("dl"),
		Value:        event.NewAmount(p.firstOf("value", "cd[value]")),
		Currency:     p.firstOf("currency", "cd[currency]", "cd_currency"),
		Raw:          p.raw(),
	}
	ev.SetID(event.IDPixel, p.firstOf("id"))

	// The event id is what lets Meta reconcile browser and Conversions API
	// copies of the same event, so its presence is the dedup signal.
	eventID := p.firstOf("eid", "eventID", "event_id")
	externalID := p.firstOf("external_id", "extern_id")
	ev.SetID(event.IDEvent, eventID)
	ev.SetID(event.IDExternal, externalID)

	ev.ServerSide = &event.ServerSide{
		DedupIDPresent:               eventID != "",
		InferredServerSideConfigured: eventID != "",
		HasExternalID:                externalID != "",
	}
	return ev
}
