// Package scanner finds tracking tags that are hardcoded in a page's markup,
// as opposed to tags that only show up on the wire.
package scanner

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/event"
)

const ReportType = "hardcoded-tags"

// Page is a loaded document as seen by the scanner.
type Page struct {
	URL   string
	Title string
	HTML  string
}

type GTMContainer struct {
	ContainerID  string `json:"containerId"`
	Endpoint     string `json:"endpoint,omitempty"`
	IsFirstParty *bool  `json:"isFirstParty,omitempty"`
}

// GtagConfig is a gtag('config', ...) call or a gtag.js loader reference.
type GtagConfig struct {
	TagID               string `json:"tagId"`
	Type                string `json:"type"`
	Raw                 string `json:"raw,omitempty"`
	ServerContainerURL  string `json:"serverContainerUrl,omitempty"`
	IsServerSide        bool   `json:"isServerSide,omitempty"`
	EnhancedConversions *bool  `json:"enhancedConversions,omitempty"`
	SendPageView        *bool  `json:"sendPageView,omitempty"`
	ScriptEndpoint      string `json:"scriptEndpoint,omitempty"`
	IsFirstParty        *bool  `json:"isFirstParty,omitempty"`
}

type Pixel struct {
	PixelID string `json:"pixelId"`
	Raw     string `json:"raw,omitempty"`
}

type AdsConversion struct {
	ConversionID    string `json:"conversionId"`
	ConversionLabel string `json:"conversionLabel,omitempty"`
}

type Detections struct {
	Gtag   []GtagConfig    `json:"gtag"`
	GTM    []GTMContainer  `json:"gtm"`
	Meta   []Pixel         `json:"meta"`
	TikTok []Pixel         `json:"tiktok"`
	GAds   []AdsConversion `json:"gads"`
}

// Exclusive returns d with every non-container list emptied when a container
// was found. Nil lists come back empty.
func (d Detections) Exclusive() Detections {
	out := Detections{
		Gtag:   []GtagConfig{},
		GTM:    []GTMContainer{},
		Meta:   []Pixel{},
		TikTok: []Pixel{},
		GAds:   []AdsConversion{},
	}
	if len(d.GTM) > 0 {
		out.GTM = d.GTM
		return out
	}
	if d.Gtag != nil {
		out.Gtag = d.Gtag
	}
	if d.Meta != nil {
		out.Meta = d.Meta
	}
	if d.TikTok != nil {
		out.TikTok = d.TikTok
	}
	if d.GAds != nil {
		out.GAds = d.GAds
	}
	return out
}

// Empty reports whether nothing was detected.
func (d Detections) Empty() bool {
	return d.empty()
}

func (d Detections) empty() bool {
	return len(d.Gtag) == 0 && len(d.GTM) == 0 && len(d.Meta) == 0 &&
		len(d.TikTok) == 0 && len(d.GAds) == 0
}

// Report is the per-page scan result.
type Report struct {
	Type       string       `json:"type"`
	Detections Detections   `json:"detections"`
	HasGTM     bool         `json:"hasGTM"`
	PageURL    string       `json:"pageUrl"`
	PageTitle  string       `json:"pageTitle"`
	Source     event.Source `json:"source"`
	Timestamp  time.Time    `json:"-"`
}

var (
	gtmIDRe = regexp.MustCompile(`(?i)GTM-[A-Z0-9]+`)

	gtagConfigRe = regexp.MustCompile(`(?i)gtag\s*\(\s*['"]config['"]\s*,\s*['"]([A-Z0-9-]+)['"]\s*(?:,\s*(\{[^}]*\}))?\s*\)`)
	gtagLoaderRe = regexp.MustCompile(`(?i)(googletagmanager\.com|[a-z0-9.-]+)/gtag/js\?id=([A-Z0-9-]+)`)

	serverContainerRe = regexp.MustCompile(`(?i)['"]?server_container_url['"]?\s*:\s*['"]([^'"]+)['"]`)
	enhancedRe        = regexp.MustCompile(`(?i)['"]?allow_enhanced_conversions['"]?\s*:\s*(true|false)`)
	sendPageViewRe    = regexp.MustCompile(`(?i)['"]?send_page_view['"]?\s*:\s*(true|false)`)

	fbqInitRe = regexp.MustCompile(`(?i)fbq\s*\(\s*['"]init['"]\s*,\s*['"](\d+)['"]`)
	fbqPushRe = regexp.MustCompile(`(?i)(?:fbq|_fbq)\s*\.\s*push\s*\(\s*\[\s*['"]init['"]\s*,\s*['"](\d+)['"]`)

	ttqLoadRe     = regexp.MustCompile(`(?i)ttq\.load\s*\(\s*['"]([A-Z0-9]+)['"]`)
	ttqInstanceRe = regexp.MustCompile(`(?i)ttq\.instance\s*\(\s*['"]([A-Z0-9]+)['"]`)

	awIDRe = regexp.MustCompile(`(?i)AW-\d+`)
)

// Scan inspects a page and returns nil when no tag was found.
//
// Containers are searched first. When at least one is present every other
// detection is skipped: the container may have injected those tags itself,
// so they cannot be called hardcoded.
func Scan(page Page) *Report {
	scripts, title := extract(page.HTML)
	if page.Title == "" {
		page.Title = title
	}

	d := Detections{
		Gtag:   []GtagConfig{},
		GTM:    detectGTM(page.HTML),
		Meta:   []Pixel{},
		TikTok: []Pixel{},
		GAds:   []AdsConversion{},
	}
	hasGTM := len(d.GTM) > 0
	if !hasGTM {
		d.Gtag = detectGtag(scripts, page.HTML)
		d.Meta = detectPixels(scripts, fbqInitRe, fbqPushRe)
		d.TikTok = detectPixels(scripts, ttqLoadRe, ttqInstanceRe)
		d.GAds = detectAds(scripts)
	}

	if d.empty() {
		return nil
	}
	log.Debug().
		Str("page", page.URL).
		Bool("has_gtm", hasGTM).
		Int("gtm", len(d.GTM)).
		Int("gtag", len(d.Gtag)).
		Int("meta", len(d.Meta)).
		Int("tiktok", len(d.TikTok)).
		Int("gads", len(d.GAds)).
		Msg("hardcoded tags detected")

	return &Report{
		Type:       ReportType,
		Detections: d,
		HasGTM:     hasGTM,
		PageURL:    page.URL,
		PageTitle:  page.Title,
		Source:     event.SourceInPage,
		Timestamp:  time.Now(),
	}
}

// extract returns the concatenated inline script text and the document title.
func extract(html string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		log.Debug().Err(err).Msg("scanner: parse html")
		return "", ""
	}
	var b strings.Builder
	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if text := s.Text(); text != "" {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	})
	return b.String(), strings.TrimSpace(doc.Find("title").First().Text())
}

func detectGTM(markup string) []GTMContainer {
	out := []GTMContainer{}
	seen := map[string]bool{}
	for _, id := range gtmIDRe.FindAllString(markup, -1) {
		if seen[id] {
			continue
		}
		seen[id] = true

		c := GTMContainer{ContainerID: id}
		loader := regexp.MustCompile(fmt.Sprintf(`(?i)([a-z0-9.-]+)/gtm\.js\?[^"']*id=%s`, regexp.QuoteMeta(id)))
		if m := loader.FindStringSubmatch(markup); m != nil {
			c.Endpoint = m[1]
			c.IsFirstParty = boolPtr(!strings.Contains(m[1], "googletagmanager.com"))
		}
		out = append(out, c)
	}
	return out
}

func detectGtag(scripts, markup string) []GtagConfig {
	out := []GtagConfig{}
	for _, m := range gtagConfigRe.FindAllStringSubmatch(scripts, -1) {
		c := GtagConfig{TagID: m[1], Type: TagType(m[1]), Raw: m[0]}
		options := m[2]
		if sm := serverContainerRe.FindStringSubmatch(options); sm != nil {
			c.ServerContainerURL = sm[1]
			c.IsServerSide = true
		}
		if em := enhancedRe.FindStringSubmatch(options); em != nil {
			c.EnhancedConversions = boolPtr(em[1] == "true")
		}
		if pm := sendPageViewRe.FindStringSubmatch(options); pm != nil {
			c.SendPageView = boolPtr(pm[1] == "true")
		}
		out = append(out, c)
	}

	for _, m := range gtagLoaderRe.FindAllStringSubmatch(markup, -1) {
		endpoint, tagID := m[1], m[2]
		firstParty := !strings.Contains(m[0], "googletagmanager.com")

		merged := false
		for i := range out {
			if out[i].TagID == tagID {
				out[i].ScriptEndpoint = endpoint
				out[i].IsFirstParty = boolPtr(firstParty)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, GtagConfig{
				TagID:          tagID,
				Type:           TagType(tagID),
				ScriptEndpoint: endpoint,
				IsFirstParty:   boolPtr(firstParty),
			})
		}
	}
	return out
}

// detectPixels runs the call-form patterns in order and keeps the first
// occurrence of each pixel id.
func detectPixels(scripts string, forms ...*regexp.Regexp) []Pixel {
	out := []Pixel{}
	seen := map[string]bool{}
	for _, re := range forms {
		for _, m := range re.FindAllStringSubmatch(scripts, -1) {
			if seen[m[1]] {
				continue
			}
			seen[m[1]] = true
			out = append(out, Pixel{PixelID: m[1], Raw: m[0]})
		}
	}
	return out
}

func detectAds(scripts string) []AdsConversion {
	out := []AdsConversion{}
	seen := map[string]bool{}
	for _, id := range awIDRe.FindAllString(scripts, -1) {
		if seen[id] {
			continue
		}
		seen[id] = true

		c := AdsConversion{ConversionID: id}
		label := regexp.MustCompile(fmt.Sprintf(`(?i)['"]?%s['"]?\s*[,/]\s*['"]?([A-Za-z0-9_-]+)['"]?`, regexp.QuoteMeta(id)))
		if m := label.FindStringSubmatch(scripts); m != nil && m[1] != id {
			c.ConversionLabel = m[1]
		}
		out = append(out, c)
	}
	return out
}

// TagType names the Google product a tag id belongs to.
func TagType(id string) string {
	switch {
	case strings.HasPrefix(id, "G-"):
		return "GA4"
	case strings.HasPrefix(id, "AW-"):
		return "Google Ads"
	case strings.HasPrefix(id, "DC-"):
		return "Floodlight"
	case strings.HasPrefix(id, "GT-"):
		return "Google Tag"
	case strings.HasPrefix(id, "GTM-"):
		return "GTM"
	}
	return "Unknown"
}

func boolPtr(b bool) *bool { return &b }
