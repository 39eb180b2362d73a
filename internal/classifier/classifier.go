// Package classifier maps raw request URLs to the tracking platform that
// sent them.
package classifier

import (
	"strings"

	"github.com/gosight/gosight/auditor/internal/event"
)

// Tag identifies a platform and, where it matters, its delivery mode.
type Tag string

const (
	TagNone          Tag = ""
	TagGA4           Tag = "ga4"
	TagGA4FirstParty Tag = "ga4-firstparty"
	TagMeta          Tag = "meta"
	TagGoogleAds     Tag = "gads"
	TagTikTok        Tag = "tiktok"
	TagGTM           Tag = "gtm"
	TagGTMFirstParty Tag = "gtm-firstparty"
)

// FirstParty reports whether the tag was assigned to a hit served from a
// non-canonical host.
func (t Tag) FirstParty() bool {
	return t == TagGA4FirstParty || t == TagGTMFirstParty
}

// Family maps a tag to its event family. TagNone maps to "".
func (t Tag) Family() event.Family {
	switch t {
	case TagGA4, TagGA4FirstParty:
		return event.FamilyWebAnalytics
	case TagMeta:
		return event.FamilySocialPixel
	case TagGoogleAds:
		return event.FamilyAdConversion
	case TagTikTok:
		return event.FamilyShortVideoPixel
	case TagGTM, TagGTMFirstParty:
		return event.FamilyTagManager
	}
	return ""
}

type rule struct {
	tag   Tag
	match func(lower string) bool
}

func containsAny(fragments ...string) func(string) bool {
	return func(s string) bool {
		for _, f := range fragments {
			if strings.Contains(s, f) {
				return true
			}
		}
		return false
	}
}

func containsAll(fragments ...string) func(string) bool {
	return func(s string) bool {
		for _, f := range fragments {
			if !strings.Contains(s, f) {
				return false
			}
		}
		return true
	}
}

// adsConversionPaths is the allowlist of Google Ads conversion endpoints.
// Other ad-serving traffic on the same hosts is not a conversion.
var adsConversionPaths = []string{
	"googleadservices.com/pagead/conversion",
	"googleads.g.doubleclick.net/pagead/conversion",
	"doubleclick.net/pagead/conversion",
	"google.com/pagead/conversion",
	"google.com/pagead/1p-conversion",
	"googlesyndication.com/pagead/conversion",
	"googleads.g.doubleclick.net/pagead/viewthroughconversion",
}

// rules is evaluated top to bottom and the first match wins. The order is
// part of the contract: the canonical GA4 and GTM rules must stay ahead of
// their first-party fallbacks, which match a superset of the same URLs.
var rules = []rule{
	{TagGA4, containsAny("google-analytics.com/g/collect", "analytics.google.com/g/collect")},
	{TagGA4FirstParty, containsAny("/g/collect")},
	{TagMeta, containsAny("facebook.com/tr", "facebook.net/tr")},
	{TagGoogleAds, containsAny(adsConversionPaths...)},
	{TagTikTok, containsAny("analytics.tiktok.com/api/v2/pixel")},
	{TagGTM, containsAny("googletagmanager.com/gtm.js")},
	{TagGTMFirstParty, containsAll("/gtm.js", "id=gtm-")},
}

// Classify returns the tag of the first matching rule, or TagNone.
func Classify(rawURL string) Tag {
	lower := strings.ToLower(rawURL)
	for _, r := range rules {
		if r.match(lower) {
			return r.tag
		}
	}
	return TagNone
}
