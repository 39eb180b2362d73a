package cdp

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/auditor/internal/browser"
)

type requestWillBeSent struct {
	RequestID   string `json:"requestId"`
	DocumentURL string `json:"documentURL"`
	Request     struct {
		URL             string `json:"url"`
		Method          string `json:"method"`
		PostData        string `json:"postData"`
		PostDataEntries []struct {
			Bytes string `json:"bytes"`
		} `json:"postDataEntries"`
	} `json:"request"`
	Initiator struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"initiator"`
}

type frameNavigated struct {
	Frame struct {
		ID       string `json:"id"`
		ParentID string `json:"parentId"`
		URL      string `json:"url"`
	} `json:"frame"`
}

type bindingCalled struct {
	Name    string `json:"name"`
	Payload string `json:"payload"`
}

// dispatch handles one event. It runs on the session goroutine, so anything
// that issues commands is started on its own goroutine.
func (c *Client) dispatch(ctx context.Context, msg message) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()

	switch msg.Method {
	case "Target.targetCreated":
		var p struct {
			TargetInfo targetInfo `json:"targetInfo"`
		}
		if json.Unmarshal(msg.Params, &p) == nil && p.TargetInfo.Type == "page" {
			go c.attach(ctx, p.TargetInfo, false)
		}

	case "Target.targetInfoChanged":
		var p struct {
			TargetInfo targetInfo `json:"targetInfo"`
		}
		if json.Unmarshal(msg.Params, &p) == nil {
			c.setURL(p.TargetInfo.TargetID, p.TargetInfo.URL)
		}

	case "Target.targetDestroyed", "Target.detachedFromTarget":
		var p struct {
			TargetID  string `json:"targetId"`
			SessionID string `json:"sessionId"`
		}
		if json.Unmarshal(msg.Params, &p) != nil {
			return
		}
		id := p.TargetID
		if id == "" {
			if pg, ok := c.bySession(p.SessionID); ok {
				id = pg.targetID
			}
		}
		if id != "" && c.forgetPage(id) {
			l.OnPageClosed(id)
		}

	case "Network.requestWillBeSent":
		pg, ok := c.bySession(msg.SessionID)
		if !ok {
			return
		}
		var p requestWillBeSent
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			log.Debug().Err(err).Msg("Bad requestWillBeSent")
			return
		}
		initiator := p.DocumentURL
		if initiator == "" {
			initiator = pg.url
		}
		l.OnRequest(browser.Observation{
			URL:       p.Request.URL,
			Method:    p.Request.Method,
			Body:      postBody(p.Request.PostData, p.Request.PostDataEntries),
			Initiator: initiator,
			PageID:    pg.targetID,
		})

	case "Page.frameNavigated":
		pg, ok := c.bySession(msg.SessionID)
		if !ok {
			return
		}
		var p frameNavigated
		if json.Unmarshal(msg.Params, &p) == nil && p.Frame.ParentID == "" {
			c.setURL(pg.targetID, p.Frame.URL)
		}

	case "Page.loadEventFired":
		pg, ok := c.bySession(msg.SessionID)
		if !ok {
			return
		}
		go l.OnPageLoaded(browser.Page{ID: pg.targetID, URL: pg.url})

	case "Runtime.executionContextsCleared":
		if pg, ok := c.bySession(msg.SessionID); ok {
			c.mu.Lock()
			if p, ok := c.pages[pg.targetID]; ok {
				p.isolatedID = 0
			}
			c.mu.Unlock()
		}

	case "Runtime.bindingCalled":
		pg, ok := c.bySession(msg.SessionID)
		if !ok {
			return
		}
		var p bindingCalled
		if json.Unmarshal(msg.Params, &p) != nil || p.Name != browser.BindingName {
			return
		}
		var pm browser.PageMessage
		if err := json.Unmarshal([]byte(p.Payload), &pm); err != nil {
			log.Debug().Err(err).Str("page", pg.targetID).Msg("Bad page message")
			return
		}
		pm.PageID = pg.targetID
		if pm.PageLocation == "" {
			pm.PageLocation = pg.url
		}
		if pm.Type == browser.MessagePageLoaded {
			go l.OnPageMessage(pm)
			return
		}
		l.OnPageMessage(pm)
	}
}

func (c *Client) setURL(targetID, url string) {
	if targetID == "" || url == "" {
		return
	}
	c.mu.Lock()
	if p, ok := c.pages[targetID]; ok {
		p.url = url
	}
	c.mu.Unlock()
}
