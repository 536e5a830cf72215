// Package fetch downloads web pages and reduces them to readable text
// for the web_fetch tool.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/zhishimianbao/tripmind/internal/buildinfo"
	"github.com/zhishimianbao/tripmind/internal/httpkit"
)

// Defaults for Options.
const (
	DefaultTimeout        = 20 * time.Second
	DefaultMaxBytes int64 = 5 << 20
	DefaultMaxChars       = 8000
)

// Result is the extracted content of one page.
type Result struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	StatusCode  int    `json:"status_code"`
}

// StatusError reports a non-2xx answer from the page's server.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.Status)
}

// Options configures a Fetcher. Zero values pick the defaults.
type Options struct {
	Timeout  time.Duration
	MaxBytes int64
	MaxChars int
	Client   *http.Client
}

// Fetcher downloads pages and extracts their text.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.Client == nil {
		opts.Client = httpkit.NewClient(
			httpkit.WithTimeout(opts.Timeout),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
		)
	}
	return &Fetcher{client: opts.Client, maxBytes: opts.MaxBytes, maxChars: opts.MaxChars}
}

// Fetch downloads rawURL and returns its readable text, cut to maxChars
// runes (the Fetcher default when maxChars <= 0). A missing scheme
// means https.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	u, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	if maxChars <= 0 || maxChars > f.maxChars {
		maxChars = f.maxChars
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: u, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u, err)
	}

	res := &Result{URL: u, ContentType: resp.Header.Get("Content-Type"), StatusCode: resp.StatusCode}
	switch {
	case isHTML(res.ContentType):
		res.Title, res.Content = extractHTML(string(body))
	case utf8.Valid(body):
		res.Content = strings.TrimSpace(string(body))
	default:
		res.Content = fmt.Sprintf("[binary content: %s, %d bytes]", res.ContentType, len(body))
		return res, nil
	}

	if utf8.RuneCountInString(res.Content) > maxChars {
		res.Content = truncateRunes(res.Content, maxChars)
		res.Truncated = true
	}
	return res, nil
}

func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is empty")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host: %s", raw)
	}
	return u.String(), nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
