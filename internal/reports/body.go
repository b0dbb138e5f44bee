package reports

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/phd-nexus/nexus/internal/annotation"
	"github.com/phd-nexus/nexus/internal/shared"
)

// anchorAttr marks the span a comment is anchored to.
const anchorAttr = "data-anchor-id"

var (
	anchorIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)
	classPattern    = regexp.MustCompile(`^[A-Za-z0-9 _-]{1,200}$`)

	bodyPolicy = newBodyPolicy()
)

// newBodyPolicy allows prose markup and anchor spans. Nothing that makes the
// PDF renderer fetch a resource survives.
func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"p", "br", "hr", "h2", "h3", "h4", "h5", "h6",
		"blockquote", "pre", "code", "em", "strong", "b", "i", "u", "s",
		"sub", "sup", "small", "mark", "ul", "ol", "li", "dl", "dt", "dd",
		"table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption",
		"figure", "figcaption", "section", "div", "span",
	)
	p.AllowAttrs(anchorAttr).Matching(anchorIDPattern).OnElements("span")
	p.AllowAttrs("class").Matching(classPattern).Globally()
	p.AllowAttrs("colspan", "rowspan").Matching(bluemonday.Integer).OnElements("td", "th")
	p.AllowAttrs("href").OnElements("a")
	p.AllowStandardURLs()
	p.RequireNoFollowOnLinks(true)
	return p
}

// SanitizeBody strips markup a report body may not carry.
func SanitizeBody(body string) string {
	return bodyPolicy.Sanitize(body)
}

// ValidAnchorID reports whether id may name a comment anchor. Surface ids are
// reserved for layout geometry.
func ValidAnchorID(id string) bool {
	return anchorIDPattern.MatchString(id) && !annotation.IsSurfaceID(id)
}

func parseBody(body string) (*html.Node, error) {
	root := &html.Node{Type: html.ElementNode, Data: "article", DataAtom: atom.Article}
	nodes, err := html.ParseFragment(strings.NewReader(body), root)
	if err != nil {
		return nil, fmt.Errorf("reports: parse body: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	return root, nil
}

// HasAnchor reports whether body carries a span anchored under anchorID.
func HasAnchor(body, anchorID string) bool {
	if !strings.Contains(body, anchorID) {
		return false
	}
	root, err := parseBody(body)
	if err != nil {
		return false
	}
	return findAnchor(root, anchorID)
}

func findAnchor(n *html.Node, anchorID string) bool {
	if n.Type == html.ElementNode {
		for _, a := range n.Attr {
			if a.Key == anchorAttr && a.Val == anchorID {
				return true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if findAnchor(c, anchorID) {
			return true
		}
	}
	return false
}

// AnchorQuote wraps one occurrence of quote in body with an anchor span.
// Occurrences are counted in document order inside single text nodes and
// may overlap, matching how the browser counts them for a selection.
func AnchorQuote(body, anchorID, quote string, occurrence int) (string, error) {
	if quote == "" || occurrence < 0 {
		return "", fmt.Errorf("%w: empty quote", shared.ErrInvalidInput)
	}
	root, err := parseBody(body)
	if err != nil {
		return "", err
	}
	seen := 0
	if !wrapOccurrence(root, anchorID, quote, occurrence, &seen) {
		return "", fmt.Errorf("%w: quote not found in report", shared.ErrInvalidInput)
	}
	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", fmt.Errorf("reports: render body: %w", err)
		}
	}
	return buf.String(), nil
}

func wrapOccurrence(n *html.Node, anchorID, quote string, occurrence int, seen *int) bool {
	if n.Type == html.TextNode {
		for from := 0; from < len(n.Data); {
			i := strings.Index(n.Data[from:], quote)
			if i < 0 {
				return false
			}
			at := from + i
			if *seen == occurrence {
				splitText(n, at, len(quote), anchorID)
				return true
			}
			*seen++
			from = at + 1
		}
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if wrapOccurrence(c, anchorID, quote, occurrence, seen) {
			return true
		}
	}
	return false
}

func splitText(n *html.Node, at, size int, anchorID string) {
	parent := n.Parent
	before, match, after := n.Data[:at], n.Data[at:at+size], n.Data[at+size:]
	span := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr:     []html.Attribute{{Key: "class", Val: "anchor"}, {Key: anchorAttr, Val: anchorID}},
	}
	span.AppendChild(&html.Node{Type: html.TextNode, Data: match})
	if before != "" {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: before}, n)
	}
	parent.InsertBefore(span, n)
	if after != "" {
		parent.InsertBefore(&html.Node{Type: html.TextNode, Data: after}, n)
	}
	parent.RemoveChild(n)
}
