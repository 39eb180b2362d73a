package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		target string
		want   bool
	}{
		{"exact", "https://shop.com/cart", "shop.com", true},
		{"subdomain", "https://eu.shop.com/", "shop.com", true},
		{"www on host", "https://www.shop.com/", "shop.com", true},
		{"www on target", "https://shop.com/", "www.shop.com", true},
		{"case insensitive", "https://WWW.Shop.COM/x", "SHOP.com", true},
		{"suffix without dot", "https://notshop.com/", "shop.com", false},
		{"other host", "https://example.org/", "shop.com", false},
		{"target is a subdomain", "https://shop.com/", "eu.shop.com", false},
		{"empty target", "https://shop.com/", "", false},
		{"relative url", "/cart", "shop.com", false},
		{"garbage", "%%%", "shop.com", false},
		{"empty url", "", "shop.com", false},
		{"port is ignored", "http://shop.com:8080/x", "shop.com", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(tc.url, tc.target))
		})
	}
}

func TestIsFirstParty(t *testing.T) {
	assert.False(t, IsFirstParty("https://www.google-analytics.com/g/collect", GoogleDomains))
	assert.False(t, IsFirstParty("https://region1.analytics.google.com/g/collect", GoogleDomains))
	assert.True(t, IsFirstParty("https://sgtm.shop.com/g/collect", GoogleDomains))
	assert.False(t, IsFirstParty("not a url", GoogleDomains))
	assert.True(t, IsFirstParty("https://connect.shop.com/tr", MetaDomains))
}

func TestEndpointHost(t *testing.T) {
	host, ok := EndpointHost("https://Metrics.Shop.com/g/collect?v=2")
	assert.True(t, ok)
	assert.Equal(t, "metrics.shop.com", host)

	_, ok = EndpointHost("::bad")
	assert.False(t, ok)
}
