// Package handler serves the HTTP side of the auditor: the observation feed
// for browsers without a DevTools connection, the status and connect calls,
// and metrics.
package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/browser"
	"github.com/gosight/gosight/auditor/internal/relay"
)

// maxBody caps feed request bodies. Observations carry tracking payloads,
// page messages may carry a full document.
const maxBody = 16 << 20

// RelayControl is the part of the relay session the HTTP API exposes.
type RelayControl interface {
	Status() relay.Status
	Connect()
}

type HTTPHandler struct {
	relay    RelayControl
	listener browser.Listener
}

func NewHTTPHandler(r RelayControl, l browser.Listener) *HTTPHandler {
	return &HTTPHandler{
		relay:    r,
		listener: l,
	}
}

// ObservationBatch is the body of POST /v1/requests. A bare observation
// object is accepted too.
type ObservationBatch struct {
	Observations []browser.Observation `json:"observations"`
}

type FeedResponse struct {
	Success       bool     `json:"success"`
	AcceptedCount int      `json:"accepted_count"`
	RejectedCount int      `json:"rejected_count"`
	Errors        []string `json:"errors,omitempty"`
}

// Router builds the chi router. metrics may be nil. Browser requests are
// only served for the listed origins; "*" allows any.
func Router(h *HTTPHandler, metrics http.Handler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(CORSMiddleware(allowedOrigins))

	r.Get("/health", HealthCheck)
	r.Get("/v1/status", h.HandleStatus)
	r.Post("/v1/connect", h.HandleConnect)
	r.Post("/v1/requests", h.HandleRequests)
	r.Post("/v1/page-messages", h.HandlePageMessages)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	return r
}

func (h *HTTPHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.relay.Status())
}

// HandleConnect asks the relay for an immediate connection attempt and
// returns the status as it stands.
func (h *HTTPHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	h.relay.Connect()
	writeJSON(w, http.StatusAccepted, h.relay.Status())
}

func (h *HTTPHandler) HandleRequests(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var batch ObservationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if batch.Observations == nil {
		var single browser.Observation
		if err := json.Unmarshal(body, &single); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		batch.Observations = []browser.Observation{single}
	}

	resp := FeedResponse{}
	for _, obs := range batch.Observations {
		if obs.URL == "" {
			resp.RejectedCount++
			resp.Errors = append(resp.Errors, "missing url")
			continue
		}
		h.listener.OnRequest(obs)
		resp.AcceptedCount++
	}
	resp.Success = resp.RejectedCount == 0
	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) HandlePageMessages(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	var msg browser.PageMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, FeedResponse{
			RejectedCount: 1,
			Errors:        []string{"missing type"},
		})
		return
	}

	h.listener.OnPageMessage(msg)
	writeJSON(w, http.StatusOK, FeedResponse{Success: true, AcceptedCount: 1})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// CORSMiddleware rejects requests whose Origin is not allowed. Requests
// without an Origin (local tools, extension background pages) pass.
func CORSMiddleware(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				if !originAllowed(origin, allowed) {
					log.Warn().Str("origin", origin).Str("path", r.URL.Path).Msg("Rejected cross-origin request")
					http.Error(w, "origin not allowed", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
