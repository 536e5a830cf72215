package tools

import "time"

// RegisterWebFetch registers web_fetch backed by h, which receives a
// validated url and optional max_chars.
func RegisterWebFetch(r *Registry, h Handler) error {
	return r.Register(&Tool{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text, e.g. opening hours or ticket prices from an official site.",
		Params: []Param{
			{Name: "url", Type: String, Description: "Page URL; https:// is assumed when no scheme is given", Required: true},
			{Name: "max_chars", Type: Integer, Description: "Maximum characters of text to return (optional)"},
		},
		Handler:   h,
		Cacheable: true,
		Timeout:   30 * time.Second,
	})
}
