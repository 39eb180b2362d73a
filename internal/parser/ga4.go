package parser

import (
	"strings"

	"github.com/gosight/gosight/auditor/internal/domain"
	"github.com/gosight/gosight/auditor/internal/event"
)

// ParseGA4 normalizes a GA4 collection hit. The POST body carries one or
// more newline-separated query strings (batched hits); their keys are merged
// over the URL query in order, last write wins.
//
// firstParty comes from the classifier. A transport_url pointing at a
// non-Google host means the tag relays through a server-side container.
func ParseGA4(rawURL, body string, firstParty bool) *event.NormalizedEvent {
	p := params{}
	p.mergeURL(rawURL)

	for _, line := range strings.Split(body, "\n") {
		if strings.Contains(line, "=") {
			p.mergeQuery(strings.TrimSpace(line))
		}
	}

	ev := &event.NormalizedEvent{
		Family:       event.FamilyWebAnalytics,
		Type:         "ga4-event",
		Platform:     "GA4",
		Name:         "page_view",
		PageLocation: p.firstOf("dl"),
		Value:        event.NewAmount(p.firstOf("epn.value", "value")),
		Currency:     p.firstOf("cu"),
		Raw:          p.raw(),
	}
	if name, ok := p.lookup("en"); ok {
		ev.Name = name
	}
	ev.SetID(event.IDMeasurement, p.firstOf("tid"))
	ev.SetID(event.IDTransaction, p.firstOf("ep.transaction_id"))

	ss := &event.ServerSide{IsFirstParty: firstParty}
	if firstParty {
		ss.Endpoint, _ = domain.EndpointHost(rawURL)
	}
	serverSideGTM := false
	if transport, ok := p.lookup("transport_url"); ok {
		ss.TransportURL = transport
		serverSideGTM = domain.IsFirstParty(transport, domain.GoogleDomains)
	}
	ss.InferredServerSideConfigured = firstParty || serverSideGTM
	ev.ServerSide = ss
	ev.SetDetail("serverSideGTM", serverSideGTM)

	return ev
}
