package extract

import (
	"strconv"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	xhtml "golang.org/x/net/html"

	"github.com/ternarybob/excerpo/internal/models"
)

// recordRoots locates the subtrees records are extracted from. Without an
// item_container the document root is the sole record root.
func (cs *CompiledSchema) recordRoots(doc *Document) []*xhtml.Node {
	if !cs.hasContainer {
		return []*xhtml.Node{doc.root}
	}
	if cs.containerMethod == models.MethodXPath {
		return htmlquery.QuerySelectorAll(doc.root, cs.container.xp)
	}
	return doc.Wrap(doc.root).FindMatcher(cs.container.css).Nodes
}

// resolveProgram evaluates one compiled selector against a record root.
// A nil return means the selector yielded nothing. wantList collects every
// match; otherwise only the first match is read.
func resolveProgram(doc *Document, root *xhtml.Node, method models.SelectorMethod, prog selectorProgram, attribute string, wantList bool) []string {
	switch method {
	case models.MethodCSS, "":
		return resolveCSS(doc, root, prog, attribute, wantList)
	case models.MethodXPath:
		return resolveXPath(root, prog, attribute, wantList)
	case models.MethodRegex:
		return resolveRegex(doc, prog, wantList)
	case models.MethodJSONPath:
		return resolveJSONPath(doc, prog, wantList)
	default:
		return nil
	}
}

func resolveCSS(doc *Document, root *xhtml.Node, prog selectorProgram, attribute string, wantList bool) []string {
	sel := doc.Wrap(root).FindMatcher(prog.css)
	nodes := sel.Nodes
	if len(nodes) == 0 {
		return nil
	}
	if !wantList {
		nodes = nodes[:1]
	}

	items := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if attribute != "" {
			// Attribute values are read verbatim; a node without the
			// attribute reads as empty.
			val, _ := nodeAttr(n, attribute)
			items = append(items, val)
			continue
		}
		items = append(items, nodeText(n))
	}
	return items
}

func resolveXPath(root *xhtml.Node, prog selectorProgram, attribute string, wantList bool) []string {
	result := prog.xp.Evaluate(htmlquery.CreateXPathNavigator(root))

	switch v := result.(type) {
	case *xpath.NodeIterator:
		var items []string
		for v.MoveNext() {
			nav := v.Current()
			switch nav.NodeType() {
			case xpath.AttributeNode, xpath.TextNode:
				items = append(items, strings.TrimSpace(nav.Value()))
			default:
				hn, ok := nav.(*htmlquery.NodeNavigator)
				if !ok {
					continue
				}
				n := hn.Current()
				if attribute != "" {
					val, _ := nodeAttr(n, attribute)
					items = append(items, val)
				} else {
					items = append(items, nodeText(n))
				}
			}
			if !wantList && len(items) > 0 {
				break
			}
		}
		if len(items) == 0 {
			return nil
		}
		return items

	case string:
		// Expression results (string(...), concat(...)) come back as-is.
		return []string{v}
	case float64:
		return []string{strconv.FormatFloat(v, 'f', -1, 64)}
	case bool:
		return []string{strconv.FormatBool(v)}
	default:
		return nil
	}
}

// resolveRegex matches against the whole document source regardless of the
// record root. Capture group 1 wins when present, otherwise group 0.
func resolveRegex(doc *Document, prog selectorProgram, wantList bool) []string {
	if wantList {
		matches := prog.re.FindAllStringSubmatch(doc.Source, -1)
		if len(matches) == 0 {
			return nil
		}
		items := make([]string, 0, len(matches))
		for _, m := range matches {
			items = append(items, regexGroup(m))
		}
		return items
	}

	m := prog.re.FindStringSubmatch(doc.Source)
	if m == nil {
		return nil
	}
	return []string{regexGroup(m)}
}

func regexGroup(match []string) string {
	if len(match) > 1 {
		return match[1]
	}
	return match[0]
}

// resolveJSONPath evaluates against the document's first parsed JSON script
// block; json_path fields are document-scoped like regex fields.
func resolveJSONPath(doc *Document, prog selectorProgram, wantList bool) []string {
	block, ok := doc.JSONBlock()
	if !ok {
		return nil
	}
	value, ok := evalJSONPath(block, prog.jp)
	if !ok {
		return nil
	}

	if wantList {
		if arr, isArr := value.([]interface{}); isArr {
			items := make([]string, 0, len(arr))
			for _, el := range arr {
				if s, ok := stringifyJSON(el); ok {
					items = append(items, s)
				}
			}
			if len(items) == 0 {
				return nil
			}
			return items
		}
	}

	s, ok := stringifyJSON(value)
	if !ok {
		return nil
	}
	return []string{s}
}
