// Package browser describes what the auditor needs from a browser: a feed of
// outgoing requests and page lifecycle events, and a way to run script in a
// page. Adapters live in subpackages and in the HTTP feed.
package browser

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// Names shared by the page scripts and the adapters that run them. The
// isolated-world forwarder reports to the auditor by calling BindingName.
const (
	BindingName       = "__gosightAuditor"
	IsolatedWorldName = "gosight-auditor"
)

// ErrPageGone is returned by executors when the page closed or never existed.
var ErrPageGone = errors.New("browser: page not available")

// World selects the script context a page script runs in.
type World int

const (
	// WorldMain shares globals with the page's own scripts.
	WorldMain World = iota
	// WorldIsolated sees the DOM but not the page's globals.
	WorldIsolated
)

func (w World) String() string {
	if w == WorldIsolated {
		return "isolated"
	}
	return "main"
}

type Page struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Observation is one outgoing request as the browser reported it.
type Observation struct {
	URL       string              `json:"url"`
	Method    string              `json:"method,omitempty"`
	Body      []byte              `json:"body,omitempty"`
	FormData  map[string][]string `json:"formData,omitempty"`
	Initiator string              `json:"initiator,omitempty"`
	PageID    string              `json:"pageId,omitempty"`
}

// BodyText returns the request body as text. Raw bytes are decoded as UTF-8
// with invalid sequences replaced; form fields are re-encoded as a query
// string in key order.
func (o Observation) BodyText() string {
	if len(o.Body) > 0 {
		if utf8.Valid(o.Body) {
			return string(o.Body)
		}
		return strings.ToValidUTF8(string(o.Body), "�")
	}
	if len(o.FormData) == 0 {
		return ""
	}
	keys := make([]string, 0, len(o.FormData))
	for k := range o.FormData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	v := url.Values{}
	for _, k := range keys {
		for _, val := range o.FormData[k] {
			v.Add(k, val)
		}
	}
	return v.Encode()
}

// Page message types.
const (
	MessageUserAction    = "user-action"
	MessageDataLayer     = "datalayer-event"
	MessageGtagAds       = "gtag-gads-event"
	MessageHardcodedTags = "hardcoded-tags"
	MessagePageLoaded    = "page-loaded"
	MessagePageClosed    = "page-closed"
)

// PageMessage is a message posted from a page context to the auditor.
type PageMessage struct {
	Type         string          `json:"type"`
	PageID       string          `json:"pageId,omitempty"`
	PageLocation string          `json:"pageLocation,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Action       string          `json:"action,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Event        json.RawMessage `json:"event,omitempty"`
}

// Executor runs script in a page and returns its JSON result.
type Executor interface {
	Execute(ctx context.Context, pageID string, world World, script string) (json.RawMessage, error)
}

// PageLister enumerates the open pages.
type PageLister interface {
	Pages(ctx context.Context) ([]Page, error)
}

// Listener consumes the browser feed. Callbacks may be invoked from any
// goroutine and must not block for long.
type Listener interface {
	OnRequest(obs Observation)
	OnPageLoaded(page Page)
	OnPageClosed(pageID string)
	OnPageMessage(msg PageMessage)
}
