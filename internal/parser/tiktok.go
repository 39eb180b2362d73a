package parser

import (
	"github.com/gosight/gosight/auditor/internal/event"
)

// ParseTikTok normalizes a TikTok pixel hit. The identity lives in the JSON
// body; the query only carries the SDK id, which the body's pixel code
// overrides.
func ParseTikTok(rawURL, body string) *event.NormalizedEvent {
	p := params{}
	p.mergeURL(rawURL)
	payload := decodeObject(body)

	pixelID := p.firstOf("sdkid")
	if code := stringAt(payload, "context", "pixel", "code"); code != "" {
		pixelID = code
	}

	name := stringAt(payload, "event")
	if name == "" {
		name = "PageView"
	}

	eventID := stringAt(payload, "event_id")
	if eventID == "" {
		eventID = stringAt(payload, "properties", "event_id")
	}

	raw := p.raw()
	raw["body"] = payload

	ev := &event.NormalizedEvent{
		Family:       event.FamilyShortVideoPixel,
		Type:         "tiktok-event",
		Platform:     "TikTok Pixel",
		Name:         name,
		PageLocation: stringAt(payload, "context", "page", "url"),
		Value:        event.NewAmount(stringAt(payload, "properties", "value")),
		Currency:     stringAt(payload, "properties", "currency"),
		ServerSide: &event.ServerSide{
			DedupIDPresent:               eventID != "",
			InferredServerSideConfigured: eventID != "",
		},
		Raw: raw,
	}
	ev.SetID(event.IDPixel, pixelID)
	ev.SetID(event.IDEvent, eventID)
	return ev
}
