// Package parser turns classified tracking requests into normalized events.
// Parsers never fail loudly: malformed input yields partial events or nil.
package parser

import (
	"github.com/gosight/gosight/auditor/internal/classifier"
	"github.com/gosight/gosight/auditor/internal/event"
)

// Parse dispatches on the classifier tag. The returned event carries
// SourceNetwork; nil means the request is not a reportable event.
func Parse(tag classifier.Tag, rawURL, body string) *event.NormalizedEvent {
	var ev *event.NormalizedEvent
	switch tag {
	case classifier.TagGA4, classifier.TagGA4FirstParty:
		ev = ParseGA4(rawURL, body, tag.FirstParty())
	case classifier.TagMeta:
		ev = ParseMeta(rawURL, body)
	case classifier.TagGoogleAds:
		ev = ParseGoogleAds(rawURL)
	case classifier.TagTikTok:
		ev = ParseTikTok(rawURL, body)
	case classifier.TagGTM, classifier.TagGTMFirstParty:
		ev = ParseGTM(rawURL, tag.FirstParty())
	default:
		return nil
	}
	if ev == nil {
		return nil
	}
	ev.Source = event.SourceNetwork
	return ev
}
