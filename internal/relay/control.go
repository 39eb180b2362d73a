package relay

import (
	"context"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Inbound control message types.
const (
	msgSetTarget       = "set-target-domain"
	msgClearTarget     = "clear-target-domain"
	msgConnectionCount = "connection-count"

	actionStart = "start"
	actionStop  = "stop"
)

// handleControl applies one portal message. Anything that is not a JSON
// object, or has no recognized type or action, is ignored.
func (s *Session) handleControl(data []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("Ignoring malformed portal message")
		return
	}

	typ, _ := msg["type"].(string)
	action, _ := msg["action"].(string)

	switch typ {
	case msgSetTarget:
		s.metrics.controls.WithLabelValues(typ).Inc()
		s.setTarget(domainField(msg))
	case msgClearTarget:
		s.metrics.controls.WithLabelValues(typ).Inc()
		s.setTarget("")
	case msgConnectionCount:
		s.metrics.controls.WithLabelValues(typ).Inc()
		s.setRank(rankFromMessage(msg))
	}

	// Legacy form, still sent by older portals.
	switch action {
	case actionStart:
		s.metrics.controls.WithLabelValues("action-start").Inc()
		s.setTarget(domainField(msg))
	case actionStop:
		s.metrics.controls.WithLabelValues("action-stop").Inc()
		s.setTarget("")
	}
}

func domainField(msg map[string]interface{}) string {
	d, _ := msg["domain"].(string)
	return strings.TrimSpace(d)
}

// rankFromMessage reads connection-count. A missing or zero count means 1;
// only an explicit false demotes this connection.
func rankFromMessage(msg map[string]interface{}) Rank {
	r := Rank{IsPrimary: true, Total: 1}
	if n, ok := msg["count"].(float64); ok && n >= 1 {
		r.Total = int(n)
	}
	if p, ok := msg["isPrimary"].(bool); ok && !p {
		r.IsPrimary = false
	}
	return r
}

func (s *Session) setTarget(target string) {
	s.mu.Lock()
	s.target = target
	st := s.statusLocked()
	s.mu.Unlock()

	if target == "" {
		log.Info().Msg("Target domain cleared")
	} else {
		log.Info().Str("domain", target).Msg("Target domain set")
	}
	s.persist(context.Background(), func(c context.Context) error { return s.store.SetTargetDomain(c, target) })
	s.broadcast(st)
}

func (s *Session) setRank(r Rank) {
	s.mu.Lock()
	s.rank = r
	st := s.statusLocked()
	s.mu.Unlock()

	log.Info().Int("count", r.Total).Bool("primary", r.IsPrimary).Msg("Connection rank updated")
	s.persist(context.Background(), func(c context.Context) error {
		return s.store.SetConnectionRank(c, r.Total, r.IsPrimary)
	})
	s.broadcast(st)
}
