// Package auditor wires the browser feed to the relay: it classifies and
// parses outgoing requests, routes page messages, and scans loaded pages
// for hardcoded tags.
package auditor

import (
	"bytes"
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/browser"
	"github.com/gosight/gosight/auditor/internal/classifier"
	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/domain"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/parser"
	"github.com/gosight/gosight/auditor/internal/scanner"
	"github.com/gosight/gosight/auditor/internal/telemetry"
)

// documentScript captures what the tag scanner needs from a loaded page.
const documentScript = `(() => ({
  url: window.location.href,
  title: document.title,
  html: document.documentElement ? document.documentElement.outerHTML : ''
}))()`

// Relay is the relay session as seen by the pipeline.
type Relay interface {
	telemetry.Relay
	SendEvent(ev *event.NormalizedEvent) bool
	SendReport(r *scanner.Report) bool
}

// PageFlusher is told when a page closes so per-page summaries can be
// written out.
type PageFlusher interface {
	FlushPage(ctx context.Context, pageURL string) error
}

// Auditor implements browser.Listener.
type Auditor struct {
	cfg     config.TelemetryConfig
	relay   Relay
	tracker *telemetry.Tracker
	exec    browser.Executor
	flusher PageFlusher
	now     func() time.Time

	mu    sync.Mutex
	ctx   context.Context
	pages map[string]string // page id -> last known URL
	scans map[string]*time.Timer
}

// New returns an auditor. exec may be nil, in which case loaded pages are
// not scanned.
func New(cfg config.TelemetryConfig, relay Relay, tracker *telemetry.Tracker, exec browser.Executor) *Auditor {
	return &Auditor{
		cfg:     cfg,
		relay:   relay,
		tracker: tracker,
		exec:    exec,
		now:     time.Now,
		ctx:     context.Background(),
		pages:   make(map[string]string),
		scans:   make(map[string]*time.Timer),
	}
}

// SetPageFlusher registers f to be called for every closed page.
func (a *Auditor) SetPageFlusher(f PageFlusher) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flusher = f
}

// Run drives the page telemetry until ctx ends. Callbacks arriving before
// Run use a background context.
func (a *Auditor) Run(ctx context.Context) {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	a.tracker.Run(ctx)

	a.mu.Lock()
	for id, tm := range a.scans {
		tm.Stop()
		delete(a.scans, id)
	}
	a.mu.Unlock()
}

func (a *Auditor) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// OnRequest classifies and parses one outgoing request and offers the
// result to the relay. An admitted event triggers a dataLayer poll, since
// tags usually fire right after a push.
func (a *Auditor) OnRequest(obs browser.Observation) {
	tag := classifier.Classify(obs.URL)
	if tag == classifier.TagNone {
		return
	}
	ev := parser.Parse(tag, obs.URL, obs.BodyText())
	if ev == nil {
		log.Debug().Str("tag", string(tag)).Str("url", obs.URL).Msg("Request not reportable")
		return
	}
	ev.Initiator = obs.Initiator
	if ev.Initiator == "" && obs.PageID != "" {
		ev.Initiator = a.pageURL(obs.PageID)
	}

	if a.relay.SendEvent(ev) {
		log.Debug().Str("platform", ev.Platform).Str("event", ev.Name).Msg("Forwarded")
		a.tracker.TriggerPoll()
	}
}

func (a *Auditor) OnPageLoaded(page browser.Page) {
	ctx := a.context()

	a.mu.Lock()
	a.pages[page.ID] = page.URL
	if tm, ok := a.scans[page.ID]; ok {
		tm.Stop()
	}
	if a.exec != nil {
		a.scans[page.ID] = time.AfterFunc(a.cfg.ScanDelay, func() {
			if ctx.Err() == nil {
				a.scan(ctx, page)
			}
		})
	}
	a.mu.Unlock()

	a.tracker.OnPageLoaded(ctx, page)
}

func (a *Auditor) OnPageClosed(pageID string) {
	a.tracker.Forget(pageID)

	a.mu.Lock()
	if tm, ok := a.scans[pageID]; ok {
		tm.Stop()
		delete(a.scans, pageID)
	}
	pageURL := a.pages[pageID]
	delete(a.pages, pageID)
	flusher := a.flusher
	ctx := a.ctx
	a.mu.Unlock()

	if flusher != nil && pageURL != "" {
		go func() {
			if err := flusher.FlushPage(ctx, pageURL); err != nil {
				log.Warn().Err(err).Str("page", pageURL).Msg("Failed to flush page summary")
			}
		}()
	}
}

// OnPageMessage routes a message posted from a page context.
func (a *Auditor) OnPageMessage(msg browser.PageMessage) {
	ctx := a.context()
	if msg.PageLocation == "" && msg.PageID != "" {
		msg.PageLocation = a.pageURL(msg.PageID)
	}

	switch msg.Type {
	case browser.MessageUserAction:
		a.tracker.HandleUserAction(ctx, msg)
	case browser.MessageDataLayer:
		a.tracker.HandleDataLayerPush(msg)
	case browser.MessageGtagAds:
		a.handleGtagConversion(msg)
	case browser.MessageHardcodedTags:
		a.handleHardcodedTags(msg)
	case browser.MessagePageLoaded:
		a.OnPageLoaded(browser.Page{ID: msg.PageID, URL: msg.PageLocation})
	case browser.MessagePageClosed:
		a.OnPageClosed(msg.PageID)
	default:
		log.Debug().Str("type", msg.Type).Msg("Unknown page message")
	}
}

func (a *Auditor) handleGtagConversion(msg browser.PageMessage) {
	payload := decodeObject(msg.Event)
	if payload == nil {
		payload = decodeObject(msg.Data)
	}
	if payload == nil {
		return
	}
	ev := parser.ParseGtagConversion(payload, msg.PageLocation)
	if ev == nil {
		return
	}
	ev.Initiator = msg.PageLocation
	if a.relay.SendEvent(ev) {
		a.tracker.TriggerPoll()
	}
}

// handleHardcodedTags accepts either a finished report or the page's markup
// to scan.
func (a *Auditor) handleHardcodedTags(msg browser.PageMessage) {
	if !a.targetMatches(msg.PageLocation) {
		return
	}

	var report *scanner.Report
	var body struct {
		Detections *scanner.Detections `json:"detections"`
		PageTitle  string              `json:"pageTitle"`
		HTML       string              `json:"html"`
		Title      string              `json:"title"`
	}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &body); err != nil {
			log.Debug().Err(err).Msg("Malformed hardcoded-tags message")
			return
		}
	}

	switch {
	case body.Detections != nil:
		d := body.Detections.Exclusive()
		if d.Empty() {
			return
		}
		report = &scanner.Report{
			Type:       scanner.ReportType,
			Detections: d,
			HasGTM:     len(d.GTM) > 0,
			PageURL:    msg.PageLocation,
			PageTitle:  body.PageTitle,
			Source:     event.SourceInPage,
		}
	case body.HTML != "":
		report = scanner.Scan(scanner.Page{URL: msg.PageLocation, Title: body.Title, HTML: body.HTML})
	}
	if report == nil {
		return
	}
	if msg.Timestamp > 0 {
		report.Timestamp = time.UnixMilli(msg.Timestamp)
	}
	a.relay.SendReport(report)
}

// scan reads the loaded document and reports the tags hardcoded in it.
func (a *Auditor) scan(ctx context.Context, page browser.Page) {
	a.mu.Lock()
	delete(a.scans, page.ID)
	a.mu.Unlock()

	if !a.targetMatches(page.URL) {
		return
	}

	cctx := ctx
	if a.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()
	}
	raw, err := a.exec.Execute(cctx, page.ID, browser.WorldMain, documentScript)
	if err != nil {
		log.Debug().Err(err).Str("page", page.URL).Msg("Document not available for scan")
		return
	}

	var doc struct {
		URL   string `json:"url"`
		Title string `json:"title"`
		HTML  string `json:"html"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return
	}
	if doc.URL == "" {
		doc.URL = page.URL
	}

	report := scanner.Scan(scanner.Page{URL: doc.URL, Title: doc.Title, HTML: doc.HTML})
	if report == nil {
		return
	}
	report.Timestamp = a.now()
	if a.relay.SendReport(report) {
		log.Debug().Str("page", doc.URL).Msg("Hardcoded tags reported")
	}
}

func (a *Auditor) targetMatches(pageURL string) bool {
	target := a.relay.TargetDomain()
	return target != "" && domain.Matches(pageURL, target)
}

func (a *Auditor) pageURL(pageID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[pageID]
}

// decodeObject returns nil unless raw is a JSON object.
func decodeObject(raw json.RawMessage) map[string]interface{} {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil
	}
	return m
}
