package dom

import (
	"encoding/json"
	"fmt"
)

// extractionJS returns a script that walks the page (or the subtree at
// selector) and returns a JSON string with url, title, elements and a
// truncated flag. Elements are interactive controls, landmarks and nodes
// carrying test ids.
func extractionJS(selector string, limit int) string {
	root := "document.body"
	if selector != "" {
		sel, _ := json.Marshal(selector)
		root = fmt.Sprintf("document.querySelector(%s)", sel)
	}
	return fmt.Sprintf(`(function() {
  var LIMIT = %d;
  var root = %s;
  var out = {url: location.href, title: document.title, elements: [], truncated: false};
  if (!root) return JSON.stringify(out);

  var MATCH = 'a[href], button, input, select, textarea, label, summary, [role], [data-testid], [data-test], [data-cy], [contenteditable="true"], h1, h2, h3';
  var KEEP = ['type', 'name', 'placeholder', 'href', 'value', 'aria-label', 'title', 'alt', 'for', 'data-testid', 'data-test', 'data-cy'];

  function xpath(el) {
    if (el.id) return '//*[@id="' + el.id + '"]';
    var parts = [];
    while (el && el.nodeType === 1) {
      var idx = 1, sib = el.previousElementSibling;
      while (sib) { if (sib.tagName === el.tagName) idx++; sib = sib.previousElementSibling; }
      parts.unshift(el.tagName.toLowerCase() + '[' + idx + ']');
      el = el.parentElement;
    }
    return '/' + parts.join('/');
  }

  function css(el) {
    if (el.id) return '#' + CSS.escape(el.id);
    var path = [];
    while (el && el.nodeType === 1) {
      if (el.id) { path.unshift('#' + CSS.escape(el.id)); break; }
      var sel = el.tagName.toLowerCase();
      var nth = 1, sib = el;
      while ((sib = sib.previousElementSibling)) { if (sib.tagName === el.tagName) nth++; }
      var more = false; sib = el;
      while ((sib = sib.nextElementSibling)) { if (sib.tagName === el.tagName) { more = true; break; } }
      if (nth > 1 || more) sel += ':nth-of-type(' + nth + ')';
      path.unshift(sel);
      el = el.parentElement;
    }
    return path.join(' > ');
  }

  function visible(el) {
    var r = el.getBoundingClientRect();
    var s = getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
  }

  var nodes = root.querySelectorAll(MATCH);
  for (var i = 0; i < nodes.length; i++) {
    var el = nodes[i];
    if (!visible(el)) continue;
    if (out.elements.length >= LIMIT) { out.truncated = true; break; }
    var attrs = {};
    for (var k = 0; k < KEEP.length; k++) {
      var v = el.getAttribute(KEEP[k]);
      if (v !== null && v !== '') attrs[KEEP[k]] = v.slice(0, 200);
    }
    var text = (el.innerText || el.value || '').replace(/\s+/g, ' ').trim().slice(0, 160);
    out.elements.push({
      tag: el.tagName.toLowerCase(),
      id: el.id || undefined,
      role: el.getAttribute('role') || undefined,
      name: el.getAttribute('aria-label') || el.getAttribute('name') || undefined,
      text: text || undefined,
      xpath: xpath(el),
      css: css(el),
      attributes: Object.keys(attrs).length ? attrs : undefined
    });
  }
  return JSON.stringify(out);
})()`, limit, root)
}
