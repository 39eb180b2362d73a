package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/auditor/internal/browser"
	"github.com/gosight/gosight/auditor/internal/relay"
)

type fakeRelay struct {
	connects int
}

func (f *fakeRelay) Status() relay.Status {
	return relay.Status{Connected: true, State: "connected", TargetDomain: "shop.com", ConnectionCount: 1, IsPrimary: true}
}

func (f *fakeRelay) Connect() { f.connects++ }

type feed struct {
	mu       sync.Mutex
	requests []browser.Observation
	messages []browser.PageMessage
}

func (f *feed) OnRequest(obs browser.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, obs)
}

func (f *feed) OnPageLoaded(browser.Page) {}
func (f *feed) OnPageClosed(string) {}

func (f *feed) OnPageMessage(msg browser.PageMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

const extensionOrigin = "chrome-extension://auditor"

func newServer(t *testing.T) (*httptest.Server, *fakeRelay, *feed) {
	r, l := &fakeRelay{}, &feed{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("# metrics"))
	})
	srv := httptest.NewServer(Router(NewHTTPHandler(r, l), metrics, []string{extensionOrigin}))
	t.Cleanup(srv.Close)
	return srv, r, l
}

func post(t *testing.T, url, body string) (*http.Response, FeedResponse) {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out FeedResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusAndConnect(t *testing.T) {
	srv, r, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/v1/status")
	require.NoError(t, err)
	var st map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, true, st["connected"])
	assert.Equal(t, "shop.com", st["targetDomain"])
	assert.Equal(t, true, st["isPrimaryConnection"])

	resp, err = http.Post(srv.URL+"/v1/connect", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, r.connects)
}

func TestRequests(t *testing.T) {
	srv, _, l := newServer(t)

	resp, out := post(t, srv.URL+"/v1/requests",
		`{"observations":[{"url":"https://www.facebook.com/tr/?id=1","initiator":"https://shop.com"},{"method":"GET"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, out.AcceptedCount)
	assert.Equal(t, 1, out.RejectedCount)
	assert.False(t, out.Success)

	resp, out = post(t, srv.URL+"/v1/requests", `{"url":"https://analytics.tiktok.com/api/v2/pixel","body":"e30="}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)

	require.Len(t, l.requests, 2)
	assert.Equal(t, "https://shop.com", l.requests[0].Initiator)
	assert.Equal(t, "{}", l.requests[1].BodyText())

	resp, _ = post(t, srv.URL+"/v1/requests", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPageMessages(t *testing.T) {
	srv, _, l := newServer(t)

	resp, out := post(t, srv.URL+"/v1/page-messages",
		`{"type":"user-action","action":"click","data":{"text":"Buy"},"pageLocation":"https://shop.com/"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	require.Len(t, l.messages, 1)
	assert.Equal(t, "click", l.messages[0].Action)
	assert.JSONEq(t, `{"text":"Buy"}`, string(l.messages[0].Data))

	resp, _ = post(t, srv.URL+"/v1/page-messages", `{"action":"click"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, l.messages, 1)
}

func TestCORSPreflight(t *testing.T) {
	srv, _, _ := newServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/v1/requests", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", extensionOrigin)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "GET, POST, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, extensionOrigin, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestForeignOriginRejected(t *testing.T) {
	srv, r, l := newServer(t)

	for _, path := range []string{"/v1/page-messages", "/v1/requests", "/v1/connect"} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path,
			strings.NewReader(`{"type":"user-action","action":"click","url":"https://www.facebook.com/tr/?id=1"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "text/plain")
		req.Header.Set("Origin", "https://evil.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"), path)
	}
	assert.Empty(t, l.messages)
	assert.Empty(t, l.requests)
	assert.Zero(t, r.connects)
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed("https://a.test", []string{"*"}))
	assert.True(t, originAllowed("Chrome-Extension://X", []string{"chrome-extension://x"}))
	assert.False(t, originAllowed("https://a.test", nil))
}
