package classifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosight/gosight/auditor/internal/event"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		url  string
		want Tag
	}{
		{"https://www.google-analytics.com/g/collect?v=2&tid=G-ABC&en=page_view", TagGA4},
		{"https://region1.analytics.google.com/g/collect?v=2", TagGA4},
		{"https://sgtm.shop.com/g/collect?v=2&tid=G-ABC", TagGA4FirstParty},
		{"https://www.facebook.com/tr/?id=123&ev=PageView", TagMeta},
		{"https://connect.facebook.net/tr?id=1", TagMeta},
		{"https://www.googleadservices.com/pagead/conversion/123456/?label=abc", TagGoogleAds},
		{"https://googleads.g.doubleclick.net/pagead/viewthroughconversion/12345/?random=1", TagGoogleAds},
		{"https://www.google.com/pagead/1p-conversion/123/?label=x", TagGoogleAds},
		{"https://www.google.com/pagead/1p-user-list/123/?random=1", TagNone},
		{"https://googleads.g.doubleclick.net/pagead/ads?client=ca-pub", TagNone},
		{"https://analytics.tiktok.com/api/v2/pixel?sdkid=C123", TagTikTok},
		{"https://www.googletagmanager.com/gtm.js?id=GTM-ABC123", TagGTM},
		{"https://metrics.shop.com/gtm.js?id=GTM-ABC123", TagGTMFirstParty},
		{"https://cdn.shop.com/gtm.js?v=3", TagNone},
		{"https://cdn.shop.com/app.js", TagNone},
		{"https://www.googletagmanager.com/gtag/js?id=G-ABC", TagNone},
		{"", TagNone},
	}

	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.url))
		})
	}
}

func TestClassifyCanonicalBeforeFirstParty(t *testing.T) {
	url := "https://www.google-analytics.com/g/collect?v=2"
	// Both the canonical and the generic /g/collect rule match this URL.
	assert.True(t, rules[1].match(url))
	assert.Equal(t, TagGA4, Classify(url))

	gtm := "https://www.googletagmanager.com/gtm.js?id=GTM-XYZ"
	assert.True(t, rules[len(rules)-1].match(strings.ToLower(gtm)))
	assert.Equal(t, TagGTM, Classify(gtm))
}

func TestClassifyIsCaseInsensitive(t *testing.T) {
	assert.Equal(t, TagGA4, Classify("HTTPS://WWW.GOOGLE-ANALYTICS.COM/G/COLLECT?V=2"))
	assert.Equal(t, TagGTMFirstParty, Classify("https://shop.com/GTM.js?ID=GTM-AAA"))
}

func TestClassifyDeterministic(t *testing.T) {
	url := "https://sgtm.shop.com/g/collect?v=2"
	first := Classify(url)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(url))
	}
}

func TestTagFamily(t *testing.T) {
	assert.Equal(t, event.FamilyWebAnalytics, TagGA4FirstParty.Family())
	assert.Equal(t, event.FamilyAdConversion, TagGoogleAds.Family())
	assert.Equal(t, event.Family(""), TagNone.Family())
	assert.True(t, TagGTMFirstParty.FirstParty())
	assert.False(t, TagGTM.FirstParty())
}
