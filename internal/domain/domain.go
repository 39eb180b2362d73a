// Package domain holds the host predicates shared by the classifier, the
// parsers and the relay filter. Every function is total: malformed input
// yields false or "".
package domain

import (
	"net/url"
	"strings"
)

// Canonical hosts of each platform. A tracking hit served from anywhere else
// is first-party (proxied through a domain the site owns).
var (
	GoogleDomains = []string{
		"google-analytics.com",
		"analytics.google.com",
		"googletagmanager.com",
		"googleadservices.com",
		"googlesyndication.com",
		"doubleclick.net",
		"google.com",
	}

	MetaDomains = []string{
		"facebook.com",
		"facebook.net",
		"fb.com",
	}

	TikTokDomains = []string{
		"tiktok.com",
		"analytics.tiktok.com",
	}
)

// Hostname returns the lowercased host of an absolute URL.
func Hostname(rawURL string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}

// EndpointHost returns the host of rawURL as written (no www stripping).
func EndpointHost(rawURL string) (string, bool) {
	return Hostname(rawURL)
}

func normalize(host string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(host)), "www.")
}

// Matches reports whether the host of rawURL is target or a subdomain of it.
// A leading "www." is ignored on both sides and the comparison is
// case-insensitive.
func Matches(rawURL, target string) bool {
	target = normalize(target)
	if target == "" {
		return false
	}
	host, ok := Hostname(rawURL)
	if !ok {
		return false
	}
	host = normalize(host)
	return host == target || strings.HasSuffix(host, "."+target)
}

// IsFirstParty reports whether rawURL is served from a host outside the
// canonical list. Malformed URLs are not first-party.
func IsFirstParty(rawURL string, canonical []string) bool {
	host, ok := Hostname(rawURL)
	if !ok {
		return false
	}
	for _, d := range canonical {
		if host == d || strings.HasSuffix(host, "."+d) {
			return false
		}
	}
	return true
}
