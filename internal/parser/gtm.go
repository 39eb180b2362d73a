package parser

import (
	"github.com/gosight/gosight/auditor/internal/domain"
	"github.com/gosight/gosight/auditor/internal/event"
)

// ParseGTM records a container load. A gtm.js served from the site's own
// domain is taken as a server-side container.
func ParseGTM(rawURL string, firstParty bool) *event.NormalizedEvent {
	p := params{}
	if p.mergeURL(rawURL) == nil {
		return nil
	}

	host, _ := domain.EndpointHost(rawURL)
	ev := &event.NormalizedEvent{
		Family:   event.FamilyTagManager,
		Type:     "gtm-event",
		Platform: "GTM",
		Name:     "container_load",
		Raw: map[string]interface{}{
			"id":       p.firstOf("id"),
			"endpoint": host,
		},
	}
	ev.SetID(event.IDContainer, p.firstOf("id"))

	ss := &event.ServerSide{
		IsFirstParty:                 firstParty,
		InferredServerSideConfigured: firstParty,
	}
	if firstParty {
		ss.Endpoint = host
	}
	ev.ServerSide = ss
	return ev
}
