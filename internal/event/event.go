package event

import (
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Family groups events by the kind of platform that produced them.
type Family string

const (
	FamilyWebAnalytics    Family = "web_analytics"
	FamilySocialPixel     Family = "social_pixel"
	FamilyAdConversion    Family = "ad_conversion"
	FamilyShortVideoPixel Family = "short_video_pixel"
	FamilyTagManager      Family = "tag_manager"
	FamilyDataLayerPush   Family = "datalayer_push"
	FamilyUserAction      Family = "user_action"
)

// Source tells where an event was observed.
type Source string

const (
	SourceNetwork   Source = "network-request"
	SourceInPage    Source = "in-page-script"
	SourceDataLayer Source = "datalayer"
	SourceUser      Source = "user-action"
)

// Identifier roles used in NormalizedEvent.Identifiers.
const (
	IDMeasurement     = "measurementId"
	IDPixel           = "pixelId"
	IDConversion      = "conversionId"
	IDConversionLabel = "conversionLabel"
	IDContainer       = "containerId"
	IDTransaction     = "transactionId"
	IDEvent           = "eventId"
	IDExternal        = "externalId"
)

// ServerSide is the heuristic delivery-mode verdict for an event. None of
// these fields are verified against the platform.
type ServerSide struct {
	IsFirstParty                 bool   `json:"isFirstParty"`
	Endpoint                     string `json:"endpoint,omitempty"`
	DedupIDPresent               bool   `json:"dedupIdPresent"`
	InferredServerSideConfigured bool   `json:"inferredServerSideConfigured"`
	TransportURL                 string `json:"transportUrl,omitempty"`
	HasExternalID                bool   `json:"hasExternalId,omitempty"`
}

// Amount is a monetary value as the platform reported it.
type Amount struct {
	Text   string
	Number *float64
}

// NewAmount keeps text as-is and parses it when it looks numeric. Empty text
// yields nil. NaN and infinities stay text only.
func NewAmount(text string) *Amount {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	a := &Amount{Text: text}
	if f, err := strconv.ParseFloat(text, 64); err == nil && finite(f) {
		a.Number = &f
	}
	return a
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// NumericAmount returns nil unless text parses as a float.
func NumericAmount(text string) *Amount {
	a := NewAmount(text)
	if a == nil || a.Number == nil {
		return nil
	}
	return a
}

// FloatAmount wraps an already numeric value.
func FloatAmount(f float64) *Amount {
	a := &Amount{Text: strconv.FormatFloat(f, 'f', -1, 64)}
	if finite(f) {
		a.Number = &f
	}
	return a
}

// Float returns the parsed value if there is one.
func (a *Amount) Float() (float64, bool) {
	if a == nil || a.Number == nil {
		return 0, false
	}
	return *a.Number, true
}

func (a Amount) MarshalJSON() ([]byte, error) {
	if a.Number != nil {
		return json.Marshal(*a.Number)
	}
	return json.Marshal(a.Text)
}

// UnmarshalJSON accepts the wire form: a number or a string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		if f, err := n.Float64(); err == nil {
			*a = Amount{Text: n.String(), Number: &f}
			return nil
		}
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if parsed := NewAmount(s); parsed != nil {
		*a = *parsed
		return nil
	}
	*a = Amount{Text: s}
	return nil
}

// NormalizedEvent is the canonical record produced by the parsers and the
// page telemetry, and relayed to the portal.
type NormalizedEvent struct {
	Family       Family                 `json:"platformFamily"`
	Type         string                 `json:"type"`
	Platform     string                 `json:"platform"`
	Name         string                 `json:"event"`
	Identifiers  map[string]string      `json:"identifiers,omitempty"`
	PageLocation string                 `json:"pageLocation,omitempty"`
	Value        *Amount                `json:"value,omitempty"`
	Currency     string                 `json:"currency,omitempty"`
	ServerSide   *ServerSide            `json:"serverSide,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Raw          map[string]interface{} `json:"raw,omitempty"`

	Initiator string    `json:"initiator"`
	Timestamp time.Time `json:"-"`
	Source    Source    `json:"source"`
}

// SetID records an identifier; empty values are ignored.
func (e *NormalizedEvent) SetID(role, value string) {
	if value == "" {
		return
	}
	if e.Identifiers == nil {
		e.Identifiers = make(map[string]string)
	}
	e.Identifiers[role] = value
}

// ID returns the identifier for role or "".
func (e *NormalizedEvent) ID(role string) string {
	if e.Identifiers == nil {
		return ""
	}
	return e.Identifiers[role]
}

// SetDetail records a family-specific extra; nil and empty strings are
// ignored.
func (e *NormalizedEvent) SetDetail(key string, value interface{}) {
	if value == nil {
		return
	}
	if s, ok := value.(string); ok && s == "" {
		return
	}
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
}

// BestPageURL is the URL used for domain filtering: the event's own page
// location when known, otherwise the initiator.
func (e *NormalizedEvent) BestPageURL() string {
	if e.PageLocation != "" {
		return e.PageLocation
	}
	return e.Initiator
}

// Outbound is a record ready for the wire: the event plus the relay-assigned
// audit id and ISO-8601 timestamp.
type Outbound struct {
	*NormalizedEvent
	AuditID   string `json:"auditId"`
	Timestamp string `json:"timestamp"`
}

// Stamp prepares ev for sending. A zero event timestamp is replaced by now.
func Stamp(ev *NormalizedEvent, now time.Time) Outbound {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = now
	}
	return Outbound{
		NormalizedEvent: ev,
		AuditID:         uuid.New().String(),
		Timestamp:       ts.UTC().Format(time.RFC3339Nano),
	}
}
