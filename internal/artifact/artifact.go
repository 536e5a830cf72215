// Package artifact turns the model output of the HTML stage into a
// well-formed page and names the file it is saved to.
//
// Models asked for HTML sometimes wrap it in a markdown code fence and
// sometimes answer in markdown outright. Normalize handles both: fences
// are stripped, markdown is rendered with goldmark, and the result is
// parsed with x/net/html to confirm it is a document.
package artifact

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/yuin/goldmark"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrEmpty is returned when the model produced no usable content.
var ErrEmpty = errors.New("artifact: empty html content")

// Page is a normalized HTML document.
type Page struct {
	HTML  string
	Title string
	// FromMarkdown reports that the content was markdown and has been
	// rendered into a page.
	FromMarkdown bool
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[a-zA-Z]*[ \\t]*\\r?\\n(.*?)\\r?\\n?```\\s*$")

// StripFences removes a single markdown code fence wrapping s.
func StripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return strings.TrimSpace(s)
}

// looksLikeHTML reports whether s starts with a tag or doctype.
func looksLikeHTML(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "<!doctype") ||
		strings.HasPrefix(s, "<html") ||
		strings.HasPrefix(s, "<head") ||
		strings.HasPrefix(s, "<body") ||
		(strings.HasPrefix(s, "<") && strings.Contains(s, "</"))
}

// Normalize cleans raw model output into a page. fallbackTitle is used
// when the document has no <title>.
func Normalize(raw, fallbackTitle string) (*Page, error) {
	body := StripFences(raw)
	if body == "" {
		return nil, ErrEmpty
	}

	p := &Page{}
	if !looksLikeHTML(body) {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(body), &buf); err != nil {
			return nil, fmt.Errorf("render markdown: %w", err)
		}
		body = wrap(fallbackTitle, buf.String())
		p.FromMarkdown = true
	}

	doc, err := xhtml.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if b := find(doc, atom.Body); b == nil || (strings.TrimSpace(textOf(b)) == "" && !hasElements(b)) {
		return nil, ErrEmpty
	}

	p.Title = strings.TrimSpace(textOf(find(doc, atom.Title)))
	if p.Title == "" {
		p.Title = fallbackTitle
	}
	p.HTML = body
	return p, nil
}

func wrap(title, content string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; line-height: 1.6; max-width: 960px; margin: 0 auto; padding: 1em;">
%s
</body></html>`, html.EscapeString(title), content)
}

func find(n *xhtml.Node, a atom.Atom) *xhtml.Node {
	if n == nil {
		return nil
	}
	if n.Type == xhtml.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if f := find(c, a); f != nil {
			return f
		}
	}
	return nil
}

func textOf(n *xhtml.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*xhtml.Node)
	walk = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

// hasElements reports whether n has any element children, so a page
// that is only a map <div> still counts as content.
func hasElements(n *xhtml.Node) bool {
	if n == nil {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xhtml.ElementNode {
			return true
		}
	}
	return false
}

var wsRe = regexp.MustCompile(`\s+`)

// Filename returns travel_plan_<destination>_<unix millis>.html with
// whitespace in the destination replaced by underscores. Path
// separators are replaced too so the name stays in one directory.
func Filename(destination string, t time.Time) string {
	d := wsRe.ReplaceAllString(strings.TrimSpace(destination), "_")
	d = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(d)
	return fmt.Sprintf("travel_plan_%s_%d.html", d, t.UnixMilli())
}

// PublicURL joins base and name. It returns "" when base is empty.
func PublicURL(base, name string) string {
	if base == "" {
		return ""
	}
	u, err := url.JoinPath(base, name)
	if err != nil {
		return ""
	}
	return u
}

// EmbedQR inserts a QR code image linking to target just before
// </body>. The page is returned unchanged when target is empty.
func EmbedQR(page, target string) (string, error) {
	if target == "" {
		return page, nil
	}
	png, err := qrcode.Encode(target, qrcode.Medium, 192)
	if err != nil {
		return page, fmt.Errorf("encode qr code: %w", err)
	}
	img := fmt.Sprintf(`<div class="tripmind-qr" style="text-align:center;margin:2em 0;"><img alt="%s" src="data:image/png;base64,%s"></div>`,
		html.EscapeString(target), base64.StdEncoding.EncodeToString(png))

	if i := strings.LastIndex(strings.ToLower(page), "</body>"); i >= 0 {
		return page[:i] + img + "\n" + page[i:], nil
	}
	return page + "\n" + img, nil
}
