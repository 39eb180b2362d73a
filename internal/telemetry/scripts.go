package telemetry

import (
	"strings"

	"github.com/gosight/gosight/auditor/internal/browser"
)

// dataLayerScript returns a JSON-safe copy of window.dataLayer, or null when
// the page has none. Entries that cannot be serialized are replaced by a stub
// so positions stay aligned with the page's array.
const dataLayerScript = `(() => {
  if (!window.dataLayer || !Array.isArray(window.dataLayer)) return null;
  return window.dataLayer.map((item) => {
    try {
      return JSON.parse(JSON.stringify(item));
    } catch (e) {
      return { event: (item && item.event) || 'unknown', error: 'circular' };
    }
  });
})()`

// userActionMessage tags window messages posted by the main-world listeners.
const userActionMessage = "GOSIGHT_USER_ACTION"

// userActionScript installs the main-world interaction listeners. It is
// guarded by a window flag so a second injection into the same document
// does nothing.
var userActionScript = strings.ReplaceAll(`(() => {
  if (window.__gosightUserActions) return false;
  window.__gosightUserActions = true;

  function selector(el) {
    if (!el) return '';
    if (el.id) return '#' + el.id;
    if (el.className && typeof el.className === 'string') {
      return el.tagName.toLowerCase() + '.' + el.className.split(' ').filter((c) => c).join('.');
    }
    return el.tagName ? el.tagName.toLowerCase() : '';
  }

  function textOf(el) {
    const text = (el && (el.innerText || el.textContent)) || '';
    return text.trim().substring(0, 100);
  }

  function xpath(el) {
    if (!el || el.nodeType !== 1) return '';
    if (el.id) return '//*[@id="' + el.id + '"]';
    if (el === document.body) return '/html/body';
    let ix = 0;
    const siblings = el.parentNode ? el.parentNode.childNodes : [];
    for (let i = 0; i < siblings.length; i++) {
      const sibling = siblings[i];
      if (sibling === el) {
        return xpath(el.parentNode) + '/' + el.tagName.toLowerCase() + '[' + (ix + 1) + ']';
      }
      if (sibling.nodeType === 1 && sibling.tagName === el.tagName) ix++;
    }
    return '';
  }

  function send(action, data) {
    window.postMessage({
      type: '@MESSAGE@',
      action: action,
      data: data,
      url: window.location.href,
      timestamp: Date.now()
    }, '*');
  }

  document.addEventListener('click', (e) => {
    const base = e.target instanceof Element ? e.target : null;
    if (!base) return;
    const target = base.closest('a, button, [onclick], [role="button"], input[type="submit"]') || base;
    const classes = target.className && typeof target.className === 'string'
      ? target.className.split(' ').filter((c) => c.trim())
      : [];
    const dataAttrs = {};
    if (target.dataset) {
      for (const [key, value] of Object.entries(target.dataset)) dataAttrs['data-' + key] = value;
    }
    send('click', {
      tagName: target.tagName,
      id: target.id || null,
      classes: classes,
      text: textOf(target),
      href: target.href || null,
      name: target.name || null,
      type: target.type || null,
      value: target.tagName === 'INPUT' && target.type === 'submit' ? target.value : null,
      role: target.getAttribute('role') || null,
      ariaLabel: target.getAttribute('aria-label') || null,
      title: target.title || null,
      dataAttributes: Object.keys(dataAttrs).length > 0 ? dataAttrs : null,
      xpath: xpath(target)
    });
  }, true);

  document.addEventListener('submit', (e) => {
    const form = e.target;
    send('form_submit', {
      element: selector(form),
      action: form.action || null,
      method: form.method || 'GET',
      formId: form.id || null,
      formName: form.name || null
    });
  }, true);

  document.addEventListener('change', (e) => {
    const input = e.target;
    if (['INPUT', 'SELECT', 'TEXTAREA'].includes(input.tagName)) {
      send('input_change', {
        element: selector(input),
        inputType: input.type || input.tagName.toLowerCase(),
        inputName: input.name || null,
        inputId: input.id || null
      });
    }
  }, true);

  const pushState = history.pushState;
  history.pushState = function () {
    pushState.apply(this, arguments);
    send('navigation', { type: 'pushState', url: window.location.href });
  };
  const replaceState = history.replaceState;
  history.replaceState = function () {
    replaceState.apply(this, arguments);
    send('navigation', { type: 'replaceState', url: window.location.href });
  };
  window.addEventListener('popstate', () => {
    send('navigation', { type: 'popstate', url: window.location.href });
  });

  document.addEventListener('visibilitychange', () => {
    send('visibility_change', { state: document.visibilityState });
  });

  let maxScroll = 0;
  let scrollTimer;
  window.addEventListener('scroll', () => {
    clearTimeout(scrollTimer);
    scrollTimer = setTimeout(() => {
      const range = document.body.scrollHeight - window.innerHeight;
      if (range <= 0) return;
      const percent = Math.round((window.scrollY / range) * 100);
      if (percent > maxScroll && percent % 25 === 0) {
        maxScroll = percent;
        send('scroll_depth', { percent: percent });
      }
    }, 500);
  }, { passive: true });

  send('page_view', { title: document.title, referrer: document.referrer });
  return true;
})()`, "@MESSAGE@", userActionMessage)

// forwarderScript runs in the isolated world and relays the main-world
// messages to the auditor binding.
var forwarderScript = strings.NewReplacer(
	"@MESSAGE@", userActionMessage,
	"@BINDING@", browser.BindingName,
).Replace(`(() => {
  if (window.__gosightForwarder) return false;
  window.__gosightForwarder = true;
  window.addEventListener('message', (event) => {
    if (event.source !== window) return;
    const msg = event.data;
    if (!msg || msg.type !== '@MESSAGE@') return;
    if (typeof window['@BINDING@'] !== 'function') return;
    window['@BINDING@'](JSON.stringify({
      type: 'user-action',
      action: msg.action,
      data: msg.data,
      pageLocation: msg.url,
      timestamp: msg.timestamp
    }));
  });
  return true;
})()`)
