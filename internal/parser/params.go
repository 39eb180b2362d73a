package parser

import (
	"bytes"
	"net/url"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// params is a flat key/value view of query strings and form bodies. Later
// writes for the same key replace earlier ones.
type params map[string]string

// mergeQuery parses s with the same leniency a browser applies to
// application/x-www-form-urlencoded text: bad escapes are kept verbatim
// instead of failing the whole string.
func (p params) mergeQuery(s string) {
	s = strings.TrimPrefix(s, "?")
	for _, pair := range strings.Split(s, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		p[decodeComponent(key)] = decodeComponent(value)
	}
}

// mergeURL adds the query parameters of rawURL and returns the parsed URL.
// A URL that is not absolute leaves p untouched and returns nil.
func (p params) mergeURL(rawURL string) *url.URL {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	p.mergeQuery(u.RawQuery)
	return u
}

func decodeComponent(s string) string {
	s = strings.ReplaceAll(s, "+", " ")
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}

// lookup returns the value for key when it is present and non-empty.
func (p params) lookup(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// firstOf returns the first non-empty value among keys, in order.
func (p params) firstOf(keys ...string) string {
	for _, k := range keys {
		if v, ok := p.lookup(k); ok {
			return v
		}
	}
	return ""
}

func (p params) raw() map[string]interface{} {
	out := make(map[string]interface{}, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// decodeObject decodes a JSON object body. Anything else, including invalid
// JSON, yields an empty object.
func decodeObject(body string) map[string]interface{} {
	out := map[string]interface{}{}
	if strings.TrimSpace(body) == "" {
		return out
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return out
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return out
}

// path walks nested objects. Any missing or non-object hop yields false.
func path(m map[string]interface{}, keys ...string) (interface{}, bool) {
	var cur interface{} = m
	for _, k := range keys {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = obj[k]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// stringAt reads a scalar at the given path as text. Empty strings count as
// absent.
func stringAt(m map[string]interface{}, keys ...string) string {
	v, ok := path(m, keys...)
	if !ok {
		return ""
	}
	return scalarText(v)
}

func scalarText(v interface{}) string {
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
