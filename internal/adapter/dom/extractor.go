package dom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"testscribe/internal/infra/config"
)

const (
	defaultTimeout = 45 * time.Second
	maxElements    = 2000
)

// Extractor loads a page in Chrome and captures its interactive elements
// with XPath and CSS locators.
type Extractor struct {
	headless  bool
	remoteURL string
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewExtractor creates an extractor. Chrome is started per extraction and
// torn down afterwards.
func NewExtractor(cfg config.BrowserConfig, logger *slog.Logger) *Extractor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Extractor{
		headless:  cfg.Headless,
		remoteURL: cfg.RemoteURL,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

// allocator returns a browser allocator context. A remote URL attaches to
// an already running Chrome; otherwise a local one is launched.
func (e *Extractor) allocator(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.remoteURL != "" {
		e.logger.Debug("chromedp connecting to remote browser", "url", e.remoteURL)
		return chromedp.NewRemoteAllocator(ctx, e.remoteURL)
	}
	opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
	copy(opts, chromedp.DefaultExecAllocatorOptions[:])
	opts = append(opts,
		chromedp.Flag("headless", e.headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 720),
	)
	return chromedp.NewExecAllocator(ctx, opts...)
}

type pageResult struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Elements  []Element `json:"elements"`
	Truncated bool      `json:"truncated"`
}

// Extract navigates to url and returns the extraction document as
// indented JSON. selector narrows the scan to one subtree.
func (e *Extractor) Extract(ctx context.Context, url, selector string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "file://") {
		return nil, fmt.Errorf("extract: unsupported url %q", url)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	allocCtx, allocCancel := e.allocator(ctx)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var raw string
	start := time.Now()
	err := chromedp.Run(browserCtx,
		emulation.SetDeviceMetricsOverride(1280, 720, 1, false),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.Evaluate(extractionJS(selector, maxElements), &raw),
	)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", url, err)
	}

	var page pageResult
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return nil, fmt.Errorf("decode extraction result: %w", err)
	}
	e.logger.Info("dom extracted",
		"url", page.URL,
		"elements", len(page.Elements),
		"truncated", page.Truncated,
		"duration", time.Since(start),
	)

	doc := Document{
		Marker:      true,
		URL:         page.URL,
		Title:       page.Title,
		ExtractedAt: e.now().UTC().Format(time.RFC3339),
		Selector:    selector,
		Elements:    page.Elements,
		Truncated:   page.Truncated,
	}
	if doc.Elements == nil {
		doc.Elements = []Element{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

// FileName derives an attachment file name from a page URL.
func FileName(pageURL string) string {
	s := pageURL
	for _, p := range []string{"https://", "http://", "file://"} {
		s = strings.TrimPrefix(s, p)
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_.")
	if name == "" {
		name = "page"
	}
	if len(name) > 80 {
		name = name[:80]
	}
	return name + ".dom.json"
}
