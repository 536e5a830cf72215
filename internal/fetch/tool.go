package fetch

import (
	"context"
	"fmt"
	"strings"
)

// ToolHandler adapts f to the tool handler signature. Arguments are
// url (string) and an optional max_chars (int). The result is plain
// text with the title on the first line.
func ToolHandler(f *Fetcher) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		u, _ := args["url"].(string)
		maxChars, _ := args["max_chars"].(int)

		res, err := f.Fetch(ctx, u, maxChars)
		if err != nil {
			return "", err
		}

		var b strings.Builder
		if res.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", res.Title)
		}
		fmt.Fprintf(&b, "URL: %s\n\n%s", res.URL, res.Content)
		if res.Truncated {
			b.WriteString("\n\n[... truncated ...]")
		}
		return b.String(), nil
	}
}
