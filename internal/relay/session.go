// Package relay owns the connection to the portal. It decides which records
// leave the process: only the primary connection forwards, and only events
// whose page matches the target domain the portal asked for.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/config"
	"github.com/gosight/gosight/auditor/internal/domain"
	"github.com/gosight/gosight/auditor/internal/event"
	"github.com/gosight/gosight/auditor/internal/scanner"
	"github.com/gosight/gosight/auditor/internal/settings"
)

// ErrNotConnected is returned by writes while no connection is open.
var ErrNotConnected = errors.New("relay: not connected")

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "disconnected"
}

// Rank is the portal's view of this client among all connected ones.
type Rank struct {
	IsPrimary bool
	Total     int
}

// Status is the snapshot handed to observers and the status endpoint.
type Status struct {
	Connected       bool   `json:"connected"`
	State           string `json:"state"`
	TargetDomain    string `json:"targetDomain,omitempty"`
	ConnectionCount int    `json:"connectionCount"`
	IsPrimary       bool   `json:"isPrimaryConnection"`
}

// Observer receives every admitted event and every status change.
type Observer interface {
	OnStatus(Status)
	OnEvent(event.Outbound)
}

// ReportObserver is implemented by observers that also want scanner reports.
type ReportObserver interface {
	OnReport(ReportFrame)
}

// ReportFrame is a scanner report as written to the portal.
type ReportFrame struct {
	*scanner.Report
	AuditID   string `json:"auditId"`
	Timestamp string `json:"timestamp"`
}

type versionMessage struct {
	Type    string `json:"type"`
	Version string `json:"version"`
}

// Session is the portal connection plus the filter state the portal
// controls. Create one per process with NewSession and drive it with Run.
type Session struct {
	cfg     config.RelayConfig
	store   settings.Store
	metrics *Metrics
	dialer  *websocket.Dialer
	now     func() time.Time

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	target    string
	rank      Rank
	observers []Observer

	writeMu   sync.Mutex
	connectCh chan struct{}
}

func NewSession(cfg config.RelayConfig, store settings.Store, metrics *Metrics) *Session {
	if store == nil {
		store = settings.NewMemory()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Session{
		cfg:       cfg,
		store:     store,
		metrics:   metrics,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		now:       time.Now,
		rank:      Rank{IsPrimary: true, Total: 1},
		connectCh: make(chan struct{}, 1),
	}
}

// Subscribe registers o for status changes and admitted records.
func (s *Session) Subscribe(o Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	return Status{
		Connected:       s.state == Connected,
		State:           s.state.String(),
		TargetDomain:    s.target,
		ConnectionCount: s.rank.Total,
		IsPrimary:       s.rank.IsPrimary,
	}
}

// TargetDomain returns the current target, "" when none is set.
func (s *Session) TargetDomain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Connect asks Run to skip the remaining reconnect delay. It is a no-op
// while connected.
func (s *Session) Connect() {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Connected {
		return
	}
	select {
	case s.connectCh <- struct{}{}:
	default:
	}
}

// Run keeps the session connected until ctx is done. The first attempt is
// immediate; after a failure or a close it waits ReconnectDelay, or less if
// Connect is called. The delay does not grow.
func (s *Session) Run(ctx context.Context) error {
	for {
		if err := s.serve(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("url", s.cfg.URL).Dur("retry_in", s.cfg.ReconnectDelay).Msg("Portal connection lost")
		}

		timer := time.NewTimer(s.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.connectCh:
			timer.Stop()
		}
	}
}

// serve runs one connection from dial to close.
func (s *Session) serve(ctx context.Context) error {
	s.setState(Connecting)
	s.metrics.reconnects.Inc()

	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		s.setState(Disconnected)
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}

	// The version announcement goes out before the connection is published,
	// so it is always the first frame.
	hello, _ := json.Marshal(versionMessage{Type: "extension-version", Version: s.cfg.Version})
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		conn.Close()
		s.setState(Disconnected)
		return fmt.Errorf("announce version: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = Connected
	st := s.statusLocked()
	s.mu.Unlock()

	// A Connect() issued before we got here is satisfied.
	select {
	case <-s.connectCh:
	default:
	}

	s.metrics.connected.Set(1)
	s.persist(ctx, func(c context.Context) error { return s.store.SetConnected(c, true) })
	s.broadcast(st)
	log.Info().Str("url", s.cfg.URL).Msg("Connected to portal")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(250*time.Millisecond))
			s.writeMu.Unlock()
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.drop(conn)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.handleControl(data)
	}
}

// drop tears down conn if it is still the current connection.
func (s *Session) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = Disconnected
	st := s.statusLocked()
	s.mu.Unlock()

	_ = conn.Close()
	s.metrics.connected.Set(0)
	s.persist(context.Background(), func(c context.Context) error { return s.store.SetConnected(c, false) })
	s.broadcast(st)
	log.Info().Str("url", s.cfg.URL).Msg("Disconnected from portal")
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// SendEvent applies the admission filter to a network or in-page event and
// writes it when a connection is open. The filter reads the current state on
// every call. The result reports admission, not delivery: an admitted event
// is still fanned out to observers while disconnected.
func (s *Session) SendEvent(ev *event.NormalizedEvent) bool {
	if ev == nil {
		return false
	}
	s.mu.Lock()
	primary, target := s.rank.IsPrimary, s.target
	s.mu.Unlock()

	switch {
	case !primary:
		s.metrics.dropped.WithLabelValues("secondary").Inc()
		log.Debug().Str("platform", ev.Platform).Msg("Blocked: secondary connection")
		return false
	case target == "":
		s.metrics.dropped.WithLabelValues("no_target").Inc()
		return false
	case !domain.Matches(ev.BestPageURL(), target):
		s.metrics.dropped.WithLabelValues("domain_mismatch").Inc()
		log.Debug().Str("page", ev.BestPageURL()).Str("target", target).Msg("Filtered: domain mismatch")
		return false
	}

	if ev.Source == "" {
		ev.Source = event.SourceNetwork
	}
	s.emit("event", ev)
	return true
}

// SendPageTelemetry forwards a dataLayer push or user action. These come
// from pages that were already matched against the target, so there is no
// domain check; a secondary connection still stays silent.
func (s *Session) SendPageTelemetry(ev *event.NormalizedEvent) bool {
	if ev == nil {
		return false
	}
	if !s.isPrimary() {
		s.metrics.dropped.WithLabelValues("secondary").Inc()
		return false
	}
	s.emit("telemetry", ev)
	return true
}

// SendReport forwards a scanner report on the page-scoped path.
func (s *Session) SendReport(r *scanner.Report) bool {
	if r == nil {
		return false
	}
	if !s.isPrimary() {
		s.metrics.dropped.WithLabelValues("secondary").Inc()
		return false
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	frame := ReportFrame{
		Report:    r,
		AuditID:   uuid.New().String(),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
	if err := s.write(frame); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Warn().Err(err).Msg("Failed to write report")
	}
	s.metrics.forwarded.WithLabelValues("report", "scanner").Inc()

	for _, o := range s.snapshotObservers() {
		if ro, ok := o.(ReportObserver); ok {
			ro.OnReport(frame)
		}
	}
	return true
}

func (s *Session) emit(kind string, ev *event.NormalizedEvent) {
	out := event.Stamp(ev, s.now())
	if err := s.write(out); err != nil && !errors.Is(err, ErrNotConnected) {
		log.Warn().Err(err).Str("platform", ev.Platform).Msg("Failed to write event")
	}
	s.metrics.forwarded.WithLabelValues(kind, ev.Platform).Inc()
	for _, o := range s.snapshotObservers() {
		o.OnEvent(out)
	}
}

func (s *Session) isPrimary() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rank.IsPrimary
}

// write sends one JSON text frame on the current connection.
func (s *Session) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) snapshotObservers() []Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Observer(nil), s.observers...)
}

func (s *Session) broadcast(st Status) {
	for _, o := range s.snapshotObservers() {
		o.OnStatus(st)
	}
}

// persist writes through to the settings store. Failures are logged only:
// the in-memory state stays authoritative.
func (s *Session) persist(ctx context.Context, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to persist relay settings")
	}
}
