package telemetry

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosight/gosight/auditor/internal/browser"
	"github.com/gosight/gosight/auditor/internal/event"
)

func TestDataLayerEvent_Naming(t *testing.T) {
	now := time.Now()
	cases := []struct {
		item string
		want string
	}{
		{`{"event":"purchase"}`, "purchase"},
		{`{"ecommerce":{"add":{"products":[]}}}`, "ecommerce_add"},
		{`{"ecommerce":{"z":1,"2":0,"1":0}}`, "ecommerce_1"},
		{`{"ecommerce":{"b":1,"a":2}}`, "ecommerce_b"},
		{`{"ecommerce":{}}`, "ecommerce_data"},
		{`{"ecommerce":"yes"}`, "ecommerce_data"},
		{`{"event":42}`, "42"},
	}
	for _, tc := range cases {
		t.Run(tc.item, func(t *testing.T) {
			ev := DataLayerEvent(json.RawMessage(tc.item), "https://shop.com/", now)
			require.NotNil(t, ev)
			assert.Equal(t, tc.want, ev.Name)
		})
	}
}

func TestDataLayerEvent_Skipped(t *testing.T) {
	for _, item := range []string{
		`{"event":"gtm.dom"}`,
		`{"event":"gtm.load","ecommerce":{"x":1}}`,
		`{"event":"","ecommerce":null}`,
		`{"foo":"bar"}`,
		`["event","purchase"]`,
		`"purchase"`,
		`null`,
		`{"event":`,
	} {
		assert.Nil(t, DataLayerEvent(json.RawMessage(item), "https://shop.com/", time.Now()), item)
	}
}

func TestDataLayerEvent_Circular(t *testing.T) {
	ev := DataLayerEvent(json.RawMessage(`{"event":"unknown","error":"circular"}`), "https://shop.com/", time.Now())
	require.NotNil(t, ev)
	assert.Equal(t, "circular", ev.Raw["error"])
}

func TestDataLayerEvent_Ecommerce(t *testing.T) {
	ev := DataLayerEvent(json.RawMessage(
		`{"event":"purchase","ecommerce":{"transaction_id":"T-9","value":"42.50","currency":"USD"}}`),
		"https://shop.com/thanks", time.Now())
	require.NotNil(t, ev)
	assert.Equal(t, "T-9", ev.ID(event.IDTransaction))
	assert.Equal(t, "USD", ev.Currency)
	assert.Equal(t, "42.50", ev.Value.Text)
	assert.Contains(t, ev.Details, "ecommerce")
}

func TestUserActionEvent_Naming(t *testing.T) {
	cases := []struct {
		action string
		data   string
		want   string
	}{
		{"click", `{"tagName":"A","text":"Checkout"}`, "click: Checkout"},
		{"click", `{"tagName":"BUTTON","text":"","id":"buy"}`, "click: buy"},
		{"click", `{"tagName":"DIV","classes":["card","big"]}`, "click: card"},
		{"click", `{"tagName":"SPAN","classes":[]}`, "click: SPAN"},
		{"click", `{}`, "click: element"},
		{"form_submit", `{"formId":"login","element":"form#login"}`, "form_submit: login"},
		{"form_submit", `{"formName":"signup"}`, "form_submit: signup"},
		{"form_submit", `{}`, "form_submit: form"},
		{"input_change", `{"inputName":"email","inputType":"email"}`, "input_change: email"},
		{"input_change", `{"inputId":"qty","inputType":"number"}`, "input_change: qty"},
		{"navigation", `{"type":"pushState","url":"https://shop.com/p/1"}`, "navigation: pushState"},
		{"scroll_depth", `{"percent":75}`, "scroll_depth: 75%"},
		{"page_view", `{"title":"Cart","referrer":""}`, "page_view: Cart"},
		{"page_view", `{"title":""}`, "page_view: page"},
		{"visibility_change", `{"state":"hidden"}`, "visibility: hidden"},
		{"custom", `{}`, "custom"},
	}
	for _, tc := range cases {
		t.Run(tc.want, func(t *testing.T) {
			ev := UserActionEvent(browser.PageMessage{
				Action:       tc.action,
				Data:         json.RawMessage(tc.data),
				PageLocation: "https://shop.com/",
			}, time.Now())
			require.NotNil(t, ev)
			assert.Equal(t, tc.want, ev.Name)
			assert.Equal(t, event.FamilyUserAction, ev.Family)
			assert.Equal(t, "User Action", ev.Platform)
			assert.Equal(t, event.SourceUser, ev.Source)
		})
	}
}

func TestUserActionEvent_Details(t *testing.T) {
	ev := UserActionEvent(browser.PageMessage{
		Action: "navigation",
		Data:   json.RawMessage(`{"type":"popstate","url":"https://shop.com/a"}`),
	}, time.Now())
	require.NotNil(t, ev)
	assert.Equal(t, map[string]interface{}{
		"navigationType": "popstate",
		"url":            "https://shop.com/a",
	}, ev.Details["details"])

	click := UserActionEvent(browser.PageMessage{
		Action: "click",
		Data:   json.RawMessage(`{"tagName":"A","text":"Go","href":"https://shop.com/go"}`),
	}, time.Now())
	require.NotNil(t, click)
	assert.Equal(t, "A", click.Details["element"])
	assert.Equal(t, "https://shop.com/go", click.Details["href"])
}

func TestUserActionEvent_NoAction(t *testing.T) {
	assert.Nil(t, UserActionEvent(browser.PageMessage{Data: json.RawMessage(`{"x":1}`)}, time.Now()))
	assert.Nil(t, UserActionEvent(browser.PageMessage{}, time.Now()))
}
