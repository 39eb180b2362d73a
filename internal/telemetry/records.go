package telemetry

import (
	"bytes"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/gosight/gosight/auditor/internal/browser"
	"github.com/gosight/gosight/auditor/internal/event"
)

// DataLayerEvent turns one dataLayer entry into a record. Entries that are
// not objects, GTM's own gtm.* pushes and entries carrying neither an event
// nor ecommerce data yield nil.
func DataLayerEvent(item json.RawMessage, pageURL string, now time.Time) *event.NormalizedEvent {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	v, ok := decodeValue(trimmed)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}

	name, hasEvent := eventName(m["event"])
	if strings.HasPrefix(name, "gtm.") {
		return nil
	}
	ecommerce := m["ecommerce"]
	if !hasEvent && !truthy(ecommerce) {
		return nil
	}
	if !hasEvent {
		var fields struct {
			Ecommerce json.RawMessage `json:"ecommerce"`
		}
		_ = json.Unmarshal(trimmed, &fields)
		key := firstKey(fields.Ecommerce)
		if key == "" {
			key = "data"
		}
		name = "ecommerce_" + key
	}

	ev := &event.NormalizedEvent{
		Family:       event.FamilyDataLayerPush,
		Type:         "datalayer-event",
		Platform:     "DataLayer",
		Name:         name,
		PageLocation: pageURL,
		Raw:          m,
		Source:       event.SourceDataLayer,
		Timestamp:    now,
	}
	withEcommerce(ev, ecommerce)
	return ev
}

// DataLayerMessageEvent builds a record from a datalayer-event page message.
// The push itself is under the message's event field.
func DataLayerMessageEvent(msg browser.PageMessage, now time.Time) *event.NormalizedEvent {
	raw := msg.Event
	if len(raw) == 0 {
		raw = msg.Data
	}
	v, ok := decodeValue(raw)
	if !ok {
		return nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}

	name, ok := eventName(m["event"])
	if !ok {
		name = "push"
	}
	payload := m
	if inner, ok := m["data"].(map[string]interface{}); ok {
		payload = inner
	}

	ev := &event.NormalizedEvent{
		Family:       event.FamilyDataLayerPush,
		Type:         "datalayer-event",
		Platform:     "DataLayer",
		Name:         name,
		PageLocation: msg.PageLocation,
		Raw:          payload,
		Source:       event.SourceDataLayer,
		Timestamp:    messageTime(msg, now),
	}
	withEcommerce(ev, m["ecommerce"])
	return ev
}

// UserActionEvent builds a record from a user-action page message. Messages
// without an action yield nil.
func UserActionEvent(msg browser.PageMessage, now time.Time) *event.NormalizedEvent {
	action := msg.Action
	data := map[string]interface{}{}
	if v, ok := decodeValue(msg.Data); ok {
		if m, ok := v.(map[string]interface{}); ok {
			data = m
		}
	}
	if action == "" {
		action = text(data["action"])
	}
	if action == "" {
		return nil
	}

	get := func(key string) string { return text(data[key]) }
	details := data

	var name string
	switch action {
	case "click":
		name = "click: " + firstNonEmpty(get("text"), get("id"), firstClass(data["classes"]), get("tagName"), "element")
	case "form_submit":
		name = "form_submit: " + firstNonEmpty(get("formId"), get("formName"), get("element"), "form")
	case "input_change":
		name = "input_change: " + firstNonEmpty(get("inputName"), get("inputId"), get("inputType"), "input")
	case "navigation":
		name = "navigation: " + get("type")
		details = map[string]interface{}{
			"navigationType": data["type"],
			"url":            data["url"],
		}
	case "scroll_depth":
		name = "scroll_depth: " + get("percent") + "%"
	case "page_view":
		name = "page_view: " + firstNonEmpty(get("title"), "page")
	case "visibility_change":
		name = "visibility: " + get("state")
	default:
		name = action
	}

	ev := &event.NormalizedEvent{
		Family:       event.FamilyUserAction,
		Type:         "user-action",
		Platform:     "User Action",
		Name:         name,
		PageLocation: msg.PageLocation,
		Source:       event.SourceUser,
		Timestamp:    messageTime(msg, now),
	}
	ev.SetDetail("action", action)
	ev.SetDetail("element", firstNonEmpty(get("element"), get("tagName")))
	ev.SetDetail("text", get("text"))
	ev.SetDetail("href", get("href"))
	if len(details) > 0 {
		ev.SetDetail("details", details)
	}
	return ev
}

func withEcommerce(ev *event.NormalizedEvent, ecommerce interface{}) {
	if !truthy(ecommerce) {
		return
	}
	ev.SetDetail("ecommerce", ecommerce)
	m, ok := ecommerce.(map[string]interface{})
	if !ok {
		return
	}
	ev.Value = event.NewAmount(text(m["value"]))
	ev.Currency = text(m["currency"])
	ev.SetID(event.IDTransaction, text(m["transaction_id"]))
}

func messageTime(msg browser.PageMessage, now time.Time) time.Time {
	if msg.Timestamp > 0 {
		return time.UnixMilli(msg.Timestamp)
	}
	return now
}

// eventName reports the entry's event as text and whether it was truthy.
func eventName(v interface{}) (string, bool) {
	if !truthy(v) {
		return "", false
	}
	if s := text(v); s != "" {
		return s, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// truthy follows script truthiness for decoded JSON values.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case json.Number:
		f, err := t.Float64()
		return err != nil || f != 0
	case float64:
		return t != 0
	}
	return true
}

func text(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstClass(v interface{}) string {
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return ""
	}
	return text(list[0])
}

// firstKey returns the first property name of a JSON object in script
// enumeration order: integer-like keys ascending, then the rest as written.
func firstKey(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if _, err := dec.Token(); err != nil {
		return ""
	}

	var keys []string
	var indexes []uint64
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		key, ok := tok.(string)
		if !ok {
			break
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			break
		}
		if n, ok := arrayIndex(key); ok {
			indexes = append(indexes, n)
			continue
		}
		keys = append(keys, key)
	}

	if len(indexes) > 0 {
		sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
		return strconv.FormatUint(indexes[0], 10)
	}
	if len(keys) > 0 {
		return keys[0]
	}
	return ""
}

func arrayIndex(key string) (uint64, bool) {
	if key == "" || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == 1<<32-1 {
		return 0, false
	}
	return n, true
}
