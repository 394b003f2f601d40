package extract

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	xhtml "golang.org/x/net/html"
)

// Document is a fetched page parsed exactly once and shared by every
// selector engine: goquery selections for CSS, the html.Node tree for XPath,
// the raw source for regex fields and embedded script JSON for json_path
// fields.
type Document struct {
	// URL is the page URL relative references resolve against
	URL string
	// Source is the raw document text regex fields are matched on
	Source string

	root *xhtml.Node
	doc  *goquery.Document

	jsonOnce  sync.Once
	jsonBlock interface{}
	jsonOK    bool
}

// ParseDocument parses the page body once for all selector engines.
func ParseDocument(pageURL, body string) (*Document, error) {
	root, err := xhtml.Parse(strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	return &Document{
		URL:    pageURL,
		Source: body,
		root:   root,
		doc:    goquery.NewDocumentFromNode(root),
	}, nil
}

// Root returns the underlying parse tree root.
func (d *Document) Root() *xhtml.Node {
	return d.root
}

// Wrap returns a selection rooted at node so CSS matchers can search its
// subtree. The node stays attached to the original tree, so positional
// pseudo-classes still see its siblings.
func (d *Document) Wrap(node *xhtml.Node) *goquery.Selection {
	if node == d.root {
		return d.doc.Selection
	}
	return goquery.NewDocumentFromNode(node).Selection
}

// JSONBlock returns the first successfully parsed
// <script type="application/json"> or application/ld+json block.
// Later blocks are ignored even when the path would resolve in them.
func (d *Document) JSONBlock() (interface{}, bool) {
	d.jsonOnce.Do(func() {
		d.doc.Find(`script[type="application/json"], script[type="application/ld+json"]`).
			EachWithBreak(func(_ int, s *goquery.Selection) bool {
				var parsed interface{}
				if err := json.Unmarshal([]byte(s.Text()), &parsed); err != nil {
					return true
				}
				d.jsonBlock = parsed
				d.jsonOK = true
				return false
			})
	})
	return d.jsonBlock, d.jsonOK
}

// nodeText returns the whitespace-trimmed deep text of a node.
func nodeText(n *xhtml.Node) string {
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
	return strings.TrimSpace(b.String())
}

// nodeAttr reads an attribute verbatim; ok is false when absent.
func nodeAttr(n *xhtml.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// stringifyJSON renders a json_path result as the extraction string value.
// Scalars keep their natural text form; composites re-serialize compactly.
func stringifyJSON(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(raw), true
	}
}
