// Package telemetry collects what a page reports about itself: new
// window.dataLayer entries and the user interactions captured by injected
// listeners. It only looks at pages that match the current target domain.
package telemetry

import (
	"bytes"
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/browser"
	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/domain"
	"github.com/gosight/gosight/auditor/internal/event"
)

// Relay is the part of the relay session the tracker talks to.
type Relay interface {
	TargetDomain() string
	SendPageTelemetry(ev *event.NormalizedEvent) bool
}

type Tracker struct {
	cfg   config.TelemetryConfig
	exec  browser.Executor
	pages browser.PageLister
	relay Relay
	now   func() time.Time
	kick  chan struct{}

	mu       sync.Mutex
	lengths  map[string]int // last dataLayer length seen, by page id
	injected map[string]bool
	timers   map[string][]*time.Timer
	locks    map[string]*sync.Mutex
}

// NewTracker returns a tracker. exec and pages may be nil when the browser
// feed cannot run script; every poll is then a no-op.
func NewTracker(cfg config.TelemetryConfig, exec browser.Executor, pages browser.PageLister, relay Relay) *Tracker {
	return &Tracker{
		cfg:      cfg,
		exec:     exec,
		pages:    pages,
		relay:    relay,
		now:      time.Now,
		kick:     make(chan struct{}, 1),
		lengths:  make(map[string]int),
		injected: make(map[string]bool),
		timers:   make(map[string][]*time.Timer),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Run polls every matching page on the configured interval, and whenever
// TriggerPoll asks for it, until ctx ends.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.stopTimers()
			return
		case <-ticker.C:
		case <-t.kick:
		}
		t.PollAll(ctx)
	}
}

// TriggerPoll schedules a poll of all matching pages. Requests made while
// one is already pending are merged.
func (t *Tracker) TriggerPoll() {
	select {
	case t.kick <- struct{}{}:
	default:
	}
}

// PollAll polls every open page whose URL matches the target domain. With
// no target set nothing is polled.
func (t *Tracker) PollAll(ctx context.Context) {
	target := t.relay.TargetDomain()
	if target == "" || t.exec == nil || t.pages == nil {
		return
	}
	pages, err := t.pages.Pages(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("List pages")
		return
	}
	for _, p := range pages {
		if domain.Matches(p.URL, target) {
			t.PollPage(ctx, p)
		}
	}
}

// PollPage reads the page's dataLayer and forwards the entries added since
// the last poll. It returns the number of records sent.
func (t *Tracker) PollPage(ctx context.Context, page browser.Page) int {
	if t.exec == nil {
		return 0
	}
	lk := t.pageLock(page.ID)
	lk.Lock()
	defer lk.Unlock()

	cctx, cancel := t.callContext(ctx)
	raw, err := t.exec.Execute(cctx, page.ID, browser.WorldMain, dataLayerScript)
	cancel()
	if err != nil {
		log.Debug().Err(err).Str("page", page.ID).Msg("dataLayer poll failed")
		return 0
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return 0
	}

	t.mu.Lock()
	last := t.lengths[page.ID]
	t.mu.Unlock()
	if len(items) <= last {
		return 0
	}

	sent := 0
	now := t.now()
	for _, item := range items[last:] {
		ev := DataLayerEvent(item, page.URL, now)
		if ev != nil && t.relay.SendPageTelemetry(ev) {
			sent++
		}
	}

	t.mu.Lock()
	t.lengths[page.ID] = len(items)
	t.mu.Unlock()

	if sent > 0 {
		log.Debug().Int("count", sent).Str("page", page.URL).Msg("Forwarded dataLayer events")
	}
	return sent
}

// OnPageLoaded resets the page's dataLayer cache, schedules the post-load
// polls and arms user-action tracking. Pages that do not match the target
// are ignored.
func (t *Tracker) OnPageLoaded(ctx context.Context, page browser.Page) {
	target := t.relay.TargetDomain()
	if target == "" || !domain.Matches(page.URL, target) {
		return
	}

	t.mu.Lock()
	delete(t.lengths, page.ID)
	delete(t.injected, page.ID)
	for _, tm := range t.timers[page.ID] {
		tm.Stop()
	}
	timers := make([]*time.Timer, 0, len(t.cfg.LoadDelays))
	for _, d := range t.cfg.LoadDelays {
		timers = append(timers, time.AfterFunc(d, func() {
			if ctx.Err() == nil {
				t.PollPage(ctx, page)
			}
		}))
	}
	t.timers[page.ID] = timers
	t.mu.Unlock()

	if t.cfg.NoUserActions {
		return
	}
	if err := t.Inject(ctx, page); err != nil {
		log.Debug().Err(err).Str("page", page.URL).Msg("User action tracking not injected")
	}
}

// Inject installs the interaction listeners in the page's main world and the
// forwarder in its isolated world. A page already armed is left alone.
func (t *Tracker) Inject(ctx context.Context, page browser.Page) error {
	if t.exec == nil {
		return nil
	}
	t.mu.Lock()
	done := t.injected[page.ID]
	t.mu.Unlock()
	if done {
		return nil
	}

	cctx, cancel := t.callContext(ctx)
	defer cancel()
	if _, err := t.exec.Execute(cctx, page.ID, browser.WorldIsolated, forwarderScript); err != nil {
		return err
	}
	if _, err := t.exec.Execute(cctx, page.ID, browser.WorldMain, userActionScript); err != nil {
		return err
	}

	t.mu.Lock()
	t.injected[page.ID] = true
	t.mu.Unlock()
	log.Debug().Str("page", page.URL).Msg("User action tracking injected")
	return nil
}

// Forget drops everything kept for a closed page. A poll still running for
// it finishes first.
func (t *Tracker) Forget(pageID string) {
	lk := t.pageLock(pageID)
	lk.Lock()
	defer lk.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tm := range t.timers[pageID] {
		tm.Stop()
	}
	delete(t.timers, pageID)
	delete(t.lengths, pageID)
	delete(t.injected, pageID)
	delete(t.locks, pageID)
}

// HandleUserAction forwards a user-action message from a page, then polls
// the dataLayer since interactions usually push to it.
func (t *Tracker) HandleUserAction(ctx context.Context, msg browser.PageMessage) bool {
	ev := UserActionEvent(msg, t.now())
	if ev == nil {
		return false
	}
	ok := t.relay.SendPageTelemetry(ev)
	t.TriggerPoll()
	return ok
}

// HandleDataLayerPush forwards a dataLayer push a page reported directly.
func (t *Tracker) HandleDataLayerPush(msg browser.PageMessage) bool {
	ev := DataLayerMessageEvent(msg, t.now())
	if ev == nil {
		return false
	}
	return t.relay.SendPageTelemetry(ev)
}

func (t *Tracker) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.CallTimeout)
}

func (t *Tracker) pageLock(pageID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	lk, ok := t.locks[pageID]
	if !ok {
		lk = &sync.Mutex{}
		t.locks[pageID] = lk
	}
	return lk
}

func (t *Tracker) stopTimers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timers := range t.timers {
		for _, tm := range timers {
			tm.Stop()
		}
		delete(t.timers, id)
	}
}

// decodeValue decodes JSON keeping numbers as json.Number.
func decodeValue(raw []byte) (interface{}, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	return v, true
}
