// Package dom produces and recognises DOM extraction documents: JSON
// files carrying the dom_insp_extr_data_json marker that the chat
// prompt treats as persistent reference data.
package dom

import (
	"strings"

	"github.com/tidwall/gjson"

	"testscribe/internal/domain"
)

// Marker is the top-level key that flags a JSON file as DOM extraction
// data. Only the boolean true counts.
const Marker = "dom_insp_extr_data_json"

// Document is the shape written by the extractor.
type Document struct {
	Marker      bool      `json:"dom_insp_extr_data_json"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	ExtractedAt string    `json:"extractedAt"`
	Selector    string    `json:"selector,omitempty"`
	Elements    []Element `json:"elements"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// Element is one interactive or labelled node of the page.
type Element struct {
	Tag        string            `json:"tag"`
	ID         string            `json:"id,omitempty"`
	Role       string            `json:"role,omitempty"`
	Name       string            `json:"name,omitempty"`
	Text       string            `json:"text,omitempty"`
	XPath      string            `json:"xpath"`
	CSS        string            `json:"css"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsExtraction reports whether data is a JSON object whose marker is
// the literal true.
func IsExtraction(data []byte) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return false
	}
	return root.Get(Marker).Type == gjson.True
}

// Minify strips insignificant whitespace. Invalid JSON is returned
// unchanged.
func Minify(data []byte) []byte {
	if !gjson.ValidBytes(data) {
		return data
	}
	return []byte(gjson.GetBytes(data, "@ugly").Raw)
}

// Summary is a short description of an extraction document.
type Summary struct {
	URL      string
	Title    string
	Elements int
}

// Summarize reads the headline fields without decoding the whole file.
func Summarize(data []byte) Summary {
	r := gjson.GetManyBytes(data, "url", "title", "elements.#")
	return Summary{
		URL:      r[0].String(),
		Title:    r[1].String(),
		Elements: int(r[2].Int()),
	}
}

// PrepareAttachment builds the metadata sent for a user file. JSON files
// that are extraction documents are minified and carried inline; every
// other file is sent as metadata only.
func PrepareAttachment(name, mimeType string, data []byte) domain.AttachmentMeta {
	meta := domain.AttachmentMeta{Name: name, Size: int64(len(data)), Type: mimeType}
	if mimeType != "application/json" && !strings.HasSuffix(strings.ToLower(name), ".json") {
		return meta
	}
	if IsExtraction(data) {
		meta.Content = string(Minify(data))
		meta.DomInspExtractData = true
	}
	return meta
}
