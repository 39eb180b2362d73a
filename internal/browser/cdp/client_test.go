package cdp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/auditor/internal/browser"
)

// fakeChrome answers the handful of commands the client issues and, once a
// page session is fully enabled, emits a request and a binding call.
type fakeChrome struct {
	t     *testing.T
	srv   *httptest.Server
	flood int

	mu      sync.Mutex
	methods []string
}

func newFakeChrome(t *testing.T) *fakeChrome {
	return newFloodingChrome(t, 0)
}

// newFloodingChrome queues flood request events ahead of every evaluate
// reply and fires a load event for the page once it is enabled.
func newFloodingChrome(t *testing.T, flood int) *fakeChrome {
	f := &fakeChrome{t: t, flood: flood}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"webSocketDebuggerUrl": "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/devtools/browser/x",
		})
	})
	mux.HandleFunc("/devtools/browser/x", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChrome) seen(method string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.methods {
		if m == method {
			return true
		}
	}
	return false
}

func (f *fakeChrome) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()

	send := func(v interface{}) {
		data, _ := json.Marshal(v)
		_ = conn.Write(ctx, websocket.MessageText, data)
	}
	request := func(id string) map[string]interface{} {
		return map[string]interface{}{
			"method":    "Network.requestWillBeSent",
			"sessionId": "S1",
			"params": map[string]interface{}{
				"requestId":   id,
				"documentURL": "https://shop.com/",
				"request": map[string]interface{}{
					"url":      "https://www.google-analytics.com/g/collect?tid=G-1",
					"method":   "POST",
					"postData": "en=purchase",
				},
			},
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			ID        int64                  `json:"id"`
			Method    string                 `json:"method"`
			Params    map[string]interface{} `json:"params"`
			SessionID string                 `json:"sessionId"`
		}
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		f.mu.Lock()
		f.methods = append(f.methods, cmd.Method)
		f.mu.Unlock()

		result := map[string]interface{}{}
		switch cmd.Method {
		case "Target.getTargets":
			result["targetInfos"] = []map[string]string{
				{"targetId": "T1", "type": "page", "url": "https://shop.com/"},
				{"targetId": "W1", "type": "service_worker", "url": "https://shop.com/sw.js"},
			}
		case "Target.attachToTarget":
			result["sessionId"] = "S1"
		case "Page.createIsolatedWorld":
			result["executionContextId"] = 7
		case "Runtime.evaluate":
			expr, _ := cmd.Params["expression"].(string)
			switch {
			case expr == "throw":
				result["result"] = map[string]interface{}{"type": "object"}
				result["exceptionDetails"] = map[string]interface{}{"text": "Uncaught"}
			case cmd.Params["contextId"] != nil:
				result["result"] = map[string]interface{}{"type": "string", "value": "isolated"}
			default:
				result["result"] = map[string]interface{}{"type": "number", "value": 42}
			}
		}
		if cmd.Method == "Runtime.evaluate" {
			for i := 0; i < f.flood; i++ {
				send(request("flood"))
			}
		}
		send(map[string]interface{}{"id": cmd.ID, "result": result})

		if cmd.Method == "Runtime.enable" && cmd.SessionID == "S1" && f.flood > 0 {
			send(map[string]interface{}{
				"method":    "Page.frameNavigated",
				"sessionId": "S1",
				"params": map[string]interface{}{
					"frame": map[string]interface{}{"id": "F1", "url": "https://shop.com/loaded"},
				},
			})
			send(map[string]interface{}{"method": "Page.loadEventFired", "sessionId": "S1", "params": map[string]interface{}{}})
			continue
		}
		if cmd.Method == "Runtime.enable" && cmd.SessionID == "S1" {
			send(request("1"))
			send(map[string]interface{}{
				"method":    "Runtime.bindingCalled",
				"sessionId": "S1",
				"params": map[string]interface{}{
					"name":    browser.BindingName,
					"payload": `{"type":"user-action","action":"click","data":{"text":"Buy"}}`,
				},
			})
		}
	}
}

type feed struct {
	requests chan browser.Observation
	loaded   chan browser.Page
	closed   chan string
	messages chan browser.PageMessage
}

func newFeed() *feed {
	return &feed{
		requests: make(chan browser.Observation, 8),
		loaded:   make(chan browser.Page, 8),
		closed:   make(chan string, 8),
		messages: make(chan browser.PageMessage, 8),
	}
}

func (f *feed) OnRequest(o browser.Observation) { f.requests <- o }

func (f *feed) OnPageLoaded(p browser.Page) { f.loaded <- p }

func (f *feed) OnPageClosed(id string) { f.closed <- id }

func (f *feed) OnPageMessage(m browser.PageMessage) { f.messages <- m }

func TestClient_FeedAndExecute(t *testing.T) {
	chrome := newFakeChrome(t)
	c := New(chrome.srv.URL)
	fd := newFeed()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, fd)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case obs := <-fd.requests:
		assert.Equal(t, "https://www.google-analytics.com/g/collect?tid=G-1", obs.URL)
		assert.Equal(t, "https://shop.com/", obs.Initiator)
		assert.Equal(t, "T1", obs.PageID)
		assert.Equal(t, "en=purchase", obs.BodyText())
	case <-time.After(3 * time.Second):
		t.Fatal("no request observed")
	}

	select {
	case m := <-fd.messages:
		assert.Equal(t, browser.MessageUserAction, m.Type)
		assert.Equal(t, "click", m.Action)
		assert.Equal(t, "T1", m.PageID)
		assert.Equal(t, "https://shop.com/", m.PageLocation)
	case <-time.After(3 * time.Second):
		t.Fatal("no page message")
	}

	select {
	case p := <-fd.loaded:
		assert.Equal(t, browser.Page{ID: "T1", URL: "https://shop.com/"}, p)
	case <-time.After(3 * time.Second):
		t.Fatal("existing page not reported as loaded")
	}

	pages, err := c.Pages(ctx)
	require.NoError(t, err)
	assert.Equal(t, []browser.Page{{ID: "T1", URL: "https://shop.com/"}}, pages)

	out, err := c.Execute(ctx, "T1", browser.WorldMain, "6*7")
	require.NoError(t, err)
	assert.JSONEq(t, "42", string(out))

	out, err = c.Execute(ctx, "T1", browser.WorldIsolated, "'x'")
	require.NoError(t, err)
	assert.JSONEq(t, `"isolated"`, string(out))
	assert.True(t, chrome.seen("Page.createIsolatedWorld"))

	_, err = c.Execute(ctx, "T1", browser.WorldMain, "throw")
	assert.Error(t, err)

	_, err = c.Execute(ctx, "nope", browser.WorldMain, "1")
	assert.True(t, errors.Is(err, browser.ErrPageGone))
}

// executingListener evaluates a script from inside the load callback, the
// way the telemetry tracker injects its scripts.
type executingListener struct {
	c        *Client
	requests atomic.Int64
	results  chan error
}

func (l *executingListener) OnRequest(browser.Observation) { l.requests.Add(1) }

func (l *executingListener) OnPageLoaded(p browser.Page) {
	if p.URL != "https://shop.com/loaded" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := l.c.Execute(ctx, p.ID, browser.WorldMain, "6*7")
	l.results <- err
}

func (l *executingListener) OnPageClosed(string) {}

func (l *executingListener) OnPageMessage(browser.PageMessage) {}

func TestClient_ExecuteFromLoadUnderEventPressure(t *testing.T) {
	chrome := newFloodingChrome(t, 2*mailboxSize)
	c := New(chrome.srv.URL)
	l := &executingListener{c: c, results: make(chan error, 4)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx, l)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case err := <-l.results:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("load callback never finished")
	}
	assert.Eventually(t, func() bool { return l.requests.Load() >= int64(2*mailboxSize) },
		3*time.Second, 10*time.Millisecond)
}

func TestClient_ResolveRejectsUnknownScheme(t *testing.T) {
	c := New("ftp://127.0.0.1:9222")
	_, err := c.resolve(context.Background())
	assert.Error(t, err)

	c = New("ws://127.0.0.1:9222/devtools/browser/abc")
	u, err := c.resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", u)
}

func TestPostBody(t *testing.T) {
	assert.Equal(t, []byte("a=1"), postBody("a=1", nil))
	entries := []struct {
		Bytes string `json:"bytes"`
	}{{Bytes: "YT0x"}, {Bytes: "JmI9Mg=="}, {Bytes: "!!"}}
	assert.Equal(t, []byte("a=1&b=2"), postBody("", entries))
}
