// Package cdp feeds the auditor from a Chrome DevTools endpoint. It attaches
// to every page target, reports outgoing requests and page lifecycle, and
// runs page scripts through Runtime.evaluate.
package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/browser"
)

var (
	// ErrPageNotFound is returned by Execute for unknown or closed pages.
	ErrPageNotFound = fmt.Errorf("cdp: page not found: %w", browser.ErrPageGone)
	// ErrClosed is returned by calls in flight when the connection drops.
	ErrClosed = errors.New("cdp: connection closed")
)

const (
	readLimit    = 64 << 20
	mailboxSize  = 256
	defaultRetry = 2 * time.Second
)

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// message is any frame on the DevTools socket: a command, its response, or
// an event.
type message struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type command struct {
	ID        int64       `json:"id"`
	Method    string      `json:"method"`
	Params    interface{} `json:"params,omitempty"`
	SessionID string      `json:"sessionId,omitempty"`
}

type targetInfo struct {
	TargetID string `json:"targetId"`
	Type     string `json:"type"`
	URL      string `json:"url"`
}

type page struct {
	targetID   string
	sessionID  string
	url        string
	isolatedID int64
}

// Client is a reconnecting DevTools connection. It implements
// browser.Executor and browser.PageLister; both fail with ErrPageNotFound
// while disconnected.
type Client struct {
	endpoint string
	retry    time.Duration
	http     *http.Client
	nextID   atomic.Int64

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	pending  map[int64]chan message
	pages    map[string]*page // by target id
	sessions map[string]*page // by session id
	listener browser.Listener
}

// New creates a client for endpoint, which is either the browser websocket
// URL or the http DevTools address (resolved through /json/version).
func New(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		retry:    defaultRetry,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

// Run connects and feeds l until ctx is done, reconnecting after failures.
func (c *Client) Run(ctx context.Context, l browser.Listener) error {
	for {
		err := c.session(ctx, l)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("endpoint", c.endpoint).Dur("retry_in", c.retry).Msg("DevTools connection lost")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

func (c *Client) session(ctx context.Context, l browser.Listener) error {
	wsURL, err := c.resolve(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial devtools: %w", err)
	}
	conn.SetReadLimit(readLimit)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.pending = make(map[int64]chan message)
	c.pages = make(map[string]*page)
	c.sessions = make(map[string]*page)
	c.listener = l
	c.mu.Unlock()

	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		c.mu.Lock()
		closed := make([]string, 0, len(c.pages))
		for id := range c.pages {
			closed = append(closed, id)
		}
		c.conn = nil
		c.pages = nil
		c.sessions = nil
		c.pending = nil
		close(done)
		c.mu.Unlock()
		for _, id := range closed {
			l.OnPageClosed(id)
		}
	}()

	log.Info().Str("endpoint", wsURL).Msg("Connected to DevTools")

	mailbox := make(chan message, mailboxSize)
	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(connCtx, conn, mailbox) }()
	go c.bootstrap(connCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case msg := <-mailbox:
			c.dispatch(connCtx, msg)
		}
	}
}

// readLoop routes responses to their callers and events to the mailbox.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, mailbox chan<- message) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read devtools: %w", err)
		}
		var msg message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug().Err(err).Msg("Ignoring malformed DevTools frame")
			continue
		}
		if msg.ID != 0 {
			c.mu.Lock()
			ch := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- msg
			}
			continue
		}
		select {
		case mailbox <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// call sends one command and waits for its response.
func (c *Client) call(ctx context.Context, sessionID, method string, params interface{}) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan message, 1)

	c.mu.Lock()
	conn, done := c.conn, c.done
	if conn == nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(command{ID: id, Method: method, Params: params, SessionID: sessionID})
	if err != nil {
		c.forgetCall(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.forgetCall(id)
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("%s: %s (%d)", method, msg.Error.Message, msg.Error.Code)
		}
		return msg.Result, nil
	case <-ctx.Done():
		c.forgetCall(id)
		return nil, ctx.Err()
	case <-done:
		return nil, ErrClosed
	}
}

func (c *Client) forgetCall(id int64) {
	c.mu.Lock()
	if c.pending != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) bootstrap(ctx context.Context) {
	if _, err := c.call(ctx, "", "Target.setDiscoverTargets", map[string]interface{}{"discover": true}); err != nil {
		log.Error().Err(err).Msg("Failed to enable target discovery")
		return
	}
	res, err := c.call(ctx, "", "Target.getTargets", nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list targets")
		return
	}
	var targets struct {
		TargetInfos []targetInfo `json:"targetInfos"`
	}
	if err := json.Unmarshal(res, &targets); err != nil {
		log.Error().Err(err).Msg("Failed to decode targets")
		return
	}
	for _, ti := range targets.TargetInfos {
		if ti.Type == "page" {
			go c.attach(ctx, ti, true)
		}
	}
}

// attach opens a flat session on a page target and enables the domains the
// feed needs. Pages that were already open get a synthetic load so they are
// scanned and instrumented like fresh ones.
func (c *Client) attach(ctx context.Context, ti targetInfo, existing bool) {
	c.mu.Lock()
	if c.pages == nil {
		c.mu.Unlock()
		return
	}
	if _, ok := c.pages[ti.TargetID]; ok {
		c.mu.Unlock()
		return
	}
	p := &page{targetID: ti.TargetID, url: ti.URL}
	c.pages[ti.TargetID] = p
	c.mu.Unlock()

	res, err := c.call(ctx, "", "Target.attachToTarget", map[string]interface{}{
		"targetId": ti.TargetID,
		"flatten":  true,
	})
	if err != nil {
		log.Debug().Err(err).Str("target", ti.TargetID).Msg("Failed to attach to page")
		c.forgetPage(ti.TargetID)
		return
	}
	var attached struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(res, &attached); err != nil || attached.SessionID == "" {
		log.Debug().Str("target", ti.TargetID).Msg("No session id in attach response")
		c.forgetPage(ti.TargetID)
		return
	}

	c.mu.Lock()
	p.sessionID = attached.SessionID
	if c.sessions != nil {
		c.sessions[attached.SessionID] = p
	}
	l := c.listener
	c.mu.Unlock()

	steps := []struct {
		method string
		params interface{}
	}{
		{"Runtime.addBinding", map[string]interface{}{
			"name":                 browser.BindingName,
			"executionContextName": browser.IsolatedWorldName,
		}},
		{"Network.enable", map[string]interface{}{}},
		{"Page.enable", nil},
		{"Runtime.enable", nil},
	}
	for _, s := range steps {
		if _, err := c.call(ctx, attached.SessionID, s.method, s.params); err != nil {
			log.Debug().Err(err).Str("target", ti.TargetID).Str("method", s.method).Msg("Page setup failed")
			return
		}
	}
	log.Debug().Str("target", ti.TargetID).Str("url", ti.URL).Msg("Attached to page")

	if existing && l != nil {
		l.OnPageLoaded(browser.Page{ID: ti.TargetID, URL: c.pageURL(ti.TargetID)})
	}
}

func (c *Client) forgetPage(targetID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[targetID]
	if !ok {
		return false
	}
	delete(c.pages, targetID)
	if p.sessionID != "" {
		delete(c.sessions, p.sessionID)
	}
	return true
}

func (c *Client) pageURL(targetID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pages[targetID]; ok {
		return p.url
	}
	return ""
}

func (c *Client) bySession(sessionID string) (page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.sessions[sessionID]
	if !ok {
		return page{}, false
	}
	return *p, true
}

// Pages lists the attached pages.
func (c *Client) Pages(_ context.Context) ([]browser.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]browser.Page, 0, len(c.pages))
	for _, p := range c.pages {
		if p.sessionID == "" {
			continue
		}
		out = append(out, browser.Page{ID: p.targetID, URL: p.url})
	}
	return out, nil
}

// Execute evaluates script in the page and returns its value as JSON.
// Promises are awaited.
func (c *Client) Execute(ctx context.Context, pageID string, world browser.World, script string) (json.RawMessage, error) {
	c.mu.Lock()
	p, ok := c.pages[pageID]
	var sessionID string
	if ok {
		sessionID = p.sessionID
	}
	c.mu.Unlock()
	if !ok || sessionID == "" {
		return nil, ErrPageNotFound
	}

	params := map[string]interface{}{
		"expression":    script,
		"returnByValue": true,
		"awaitPromise":  true,
	}
	if world == browser.WorldIsolated {
		ctxID, err := c.isolatedContext(ctx, pageID, sessionID)
		if err != nil {
			return nil, err
		}
		params["contextId"] = ctxID
	}

	res, err := c.call(ctx, sessionID, "Runtime.evaluate", params)
	if err != nil {
		return nil, err
	}
	var out struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(res, &out); err != nil {
		return nil, fmt.Errorf("decode evaluate result: %w", err)
	}
	if out.ExceptionDetails != nil {
		return nil, fmt.Errorf("page script: %s", out.ExceptionDetails.Text)
	}
	if len(out.Result.Value) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Result.Value, nil
}

// isolatedContext returns the page's isolated world, creating it on first
// use after each navigation.
func (c *Client) isolatedContext(ctx context.Context, pageID, sessionID string) (int64, error) {
	c.mu.Lock()
	p, ok := c.pages[pageID]
	if !ok {
		c.mu.Unlock()
		return 0, ErrPageNotFound
	}
	if p.isolatedID != 0 {
		id := p.isolatedID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	res, err := c.call(ctx, sessionID, "Page.createIsolatedWorld", map[string]interface{}{
		"frameId":   pageID,
		"worldName": browser.IsolatedWorldName,
	})
	if err != nil {
		return 0, err
	}
	var world struct {
		ExecutionContextID int64 `json:"executionContextId"`
	}
	if err := json.Unmarshal(res, &world); err != nil {
		return 0, fmt.Errorf("decode isolated world: %w", err)
	}

	c.mu.Lock()
	if p, ok := c.pages[pageID]; ok {
		p.isolatedID = world.ExecutionContextID
	}
	c.mu.Unlock()
	return world.ExecutionContextID, nil
}

// resolve turns the configured endpoint into the browser websocket URL.
func (c *Client) resolve(ctx context.Context) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse devtools url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return c.endpoint, nil
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported devtools url %q", c.endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.endpoint, "/")+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("devtools version: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("devtools version: %s", resp.Status)
	}
	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", fmt.Errorf("decode devtools version: %w", err)
	}
	if v.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools version: no webSocketDebuggerUrl")
	}
	return v.WebSocketDebuggerURL, nil
}

// postBody joins the request body parts Chrome reports.
func postBody(postData string, entries []struct {
	Bytes string `json:"bytes"`
}) []byte {
	if postData != "" {
		return []byte(postData)
	}
	var b []byte
	for _, e := range entries {
		part, err := base64.StdEncoding.DecodeString(e.Bytes)
		if err != nil {
			continue
		}
		b = append(b, part...)
	}
	return b
}
