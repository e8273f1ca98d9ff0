package fedclient

import (
	"encoding/json"
	"fmt"
	"strings"

	xhtml "golang.org/x/net/html"
)

// wireObj is a loosely typed view over a decoded activity document.
// Remote servers disagree wildly on shape; lookups tolerate missing and
// mistyped fields instead of failing the whole payload.
type wireObj struct {
	data map[string]any
}

func loadWireObj(body []byte) (*wireObj, error) {
	var data map[string]any
	err := json.Unmarshal(body, &data)
	if err != nil {
		return nil, err
	}
	return &wireObj{data}, nil
}

func (w *wireObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = w.data
	for _, k := range keys {
		if value == nil {
			return nil, false
		}
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (w *wireObj) getObj(key string) (*wireObj, bool) {
	value, ok := w.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &wireObj{m}, true
}

func (w *wireObj) getString(key string) (string, bool) {
	value, ok := w.get(key)
	if !ok {
		return "", false
	}
	str, ok := value.(string)
	return str, ok
}

func (w *wireObj) mustGetString(key string) string {
	str, _ := w.getString(key)
	return str
}

// getStringSlice accepts both a bare string and an array of strings,
// both of which occur in the wild for to/cc.
func (w *wireObj) getStringSlice(key string) []string {
	value, ok := w.get(key)
	if !ok {
		return nil
	}
	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (w *wireObj) getObjSlice(key string) []*wireObj {
	value, ok := w.get(key)
	if !ok {
		return nil
	}
	items, ok := value.([]any)
	if !ok {
		if m, ok := value.(map[string]any); ok {
			return []*wireObj{{m}}
		}
		return nil
	}
	out := make([]*wireObj, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, &wireObj{m})
		}
	}
	return out
}

// htmlToMarkdown flattens an HTML body to markdown-ish plain text.
// Anchors become links, paragraphs and breaks become newlines,
// everything else is unwrapped.
func htmlToMarkdown(body string) (string, error) {
	doc, err := xhtml.Parse(strings.NewReader(body))
	if err != nil {
		return "", err
	}

	var traverse func(n *xhtml.Node) string
	traverse = func(n *xhtml.Node) string {
		var result strings.Builder

		switch n.Type {
		case xhtml.TextNode:
			result.WriteString(n.Data)
		case xhtml.ElementNode:
			switch n.Data {
			case "a":
				var href string
				for _, attr := range n.Attr {
					if attr.Key == "href" {
						href = attr.Val
						break
					}
				}
				result.WriteString("[")
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
				result.WriteString(fmt.Sprintf("](%s)", href))
			case "p":
				result.WriteString("\n\n")
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
			case "br":
				result.WriteString("\n")
			default:
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					result.WriteString(traverse(c))
				}
			}
		default:
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				result.WriteString(traverse(c))
			}
		}
		return result.String()
	}

	return strings.TrimSpace(traverse(doc)), nil
}
