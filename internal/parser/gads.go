package parser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/gosight/gosight/auditor/internal/event"
)

// conversionPathPatterns are tried in order; the first match supplies the
// conversion id.
var conversionPathPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/conversion/(\d+)`),
	regexp.MustCompile(`/viewthroughconversion/(\d+)`),
	regexp.MustCompile(`/1p-conversion/(\d+)`),
	regexp.MustCompile(`/1p-user-list/(\d+)`),
}

func conversionIDFromPath(rawURL string) string {
	for _, re := range conversionPathPatterns {
		if m := re.FindStringSubmatch(rawURL); m != nil {
			return m[1]
		}
	}
	return ""
}

// ParseGoogleAds normalizes a Google Ads conversion hit. Everything is read
// from the URL; each field has a list of legacy parameter aliases tried in
// order. The conversion label, not the id, tells conversion actions apart,
// so it goes into the event name.
func ParseGoogleAds(rawURL string) *event.NormalizedEvent {
	p := params{}
	if p.mergeURL(rawURL) == nil {
		return nil
	}

	conversionID := conversionIDFromPath(rawURL)
	if conversionID == "" {
		conversionID = p.firstOf("id", "awid")
	}
	label := p.firstOf("label", "l")

	name := "Conversion"
	if label != "" {
		name = "Conversion: " + label
	}

	ev := &event.NormalizedEvent{
		Family:       event.FamilyAdConversion,
		Type:         "gads-event",
		Platform:     "Google Ads",
		Name:         name,
		PageLocation: p.firstOf("url", "ref", "dl"),
		Value:        event.NumericAmount(p.firstOf("value", "v", "pv")),
		Currency:     p.firstOf("currency_code", "currency", "c"),
		ServerSide:   &event.ServerSide{},
		Raw:          p.raw(),
	}
	ev.SetID(event.IDConversion, conversionID)
	ev.SetID(event.IDConversionLabel, label)
	ev.SetID(event.IDTransaction, p.firstOf("oid", "order_id", "transaction_id", "tid"))

	conversionType := "Conversion"
	if strings.Contains(strings.ToLower(rawURL), "1p-conversion") {
		conversionType = "1P Conversion"
	}
	ev.SetDetail("conversionType", conversionType)
	ev.SetDetail("businessType", p.firstOf("bttype"))
	ev.SetDetail("pageTitle", pageTitle(p.firstOf("tiba")))
	ev.SetDetail("rawUrl", rawURL)

	return ev
}

// pageTitle undoes the second round of form encoding some tags apply to tiba.
func pageTitle(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "+", " ")
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}

// ParseGtagConversion normalizes a conversion the page reported itself (a
// gtag('event', 'conversion', ...) call captured in the page and forwarded
// as a message). send_to carries "AW-<id>/<label>".
func ParseGtagConversion(payload map[string]interface{}, pageURL string) *event.NormalizedEvent {
	sendTo := stringAt(payload, "send_to")
	if sendTo == "" {
		sendTo = stringAt(payload, "params", "send_to")
	}
	if sendTo == "" {
		return nil
	}

	id, label, _ := strings.Cut(sendTo, "/")
	id = strings.TrimPrefix(strings.TrimPrefix(id, "AW-"), "aw-")

	name := "Conversion"
	if label != "" {
		name = "Conversion: " + label
	}

	value := stringAt(payload, "value")
	if value == "" {
		value = stringAt(payload, "params", "value")
	}
	currency := stringAt(payload, "currency")
	if currency == "" {
		currency = stringAt(payload, "params", "currency")
	}
	location := stringAt(payload, "pageLocation")
	if location == "" {
		location = pageURL
	}

	ev := &event.NormalizedEvent{
		Family:       event.FamilyAdConversion,
		Type:         "gads-event",
		Platform:     "Google Ads",
		Name:         name,
		PageLocation: location,
		Value:        event.NumericAmount(value),
		Currency:     currency,
		ServerSide:   &event.ServerSide{},
		Raw:          payload,
		Source:       event.SourceInPage,
	}
	ev.SetID(event.IDConversion, id)
	ev.SetID(event.IDConversionLabel, label)
	txn := stringAt(payload, "transaction_id")
	if txn == "" {
		txn = stringAt(payload, "params", "transaction_id")
	}
	ev.SetID(event.IDTransaction, txn)
	ev.SetDetail("conversionType", "gtag Conversion")
	return ev
}
