package epubreader

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Chapter content comes from an untrusted uploaded file, so every body
// handed to the UI goes through sanitizeTree: active content is removed
// outright, unknown tags are unwrapped to their children, event handlers are
// dropped, and URI attributes are checked against the scheme policy below.

// droppedTags are removed together with their entire subtree.
var droppedTags = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Iframe: true,
	atom.Object: true, atom.Embed: true, atom.Form: true, atom.Input: true,
	atom.Button: true, atom.Select: true, atom.Textarea: true,
	atom.Link: true, atom.Meta: true, atom.Base: true,
}

// allowedTags is the structural/text whitelist kept verbatim in output.
var allowedTags = map[atom.Atom]bool{
	atom.A: true, atom.Img: true, atom.Image: true, atom.Svg: true,
	atom.P: true, atom.Div: true, atom.Span: true, atom.Br: true, atom.Hr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Em: true, atom.Strong: true, atom.I: true, atom.B: true, atom.U: true,
	atom.S: true, atom.Small: true, atom.Sub: true, atom.Sup: true, atom.Q: true,
	atom.Cite: true, atom.Code: true, atom.Pre: true, atom.Blockquote: true,
	atom.Ul: true, atom.Ol: true, atom.Li: true, atom.Dl: true, atom.Dt: true, atom.Dd: true,
	atom.Table: true, atom.Thead: true, atom.Tbody: true, atom.Tfoot: true,
	atom.Tr: true, atom.Td: true, atom.Th: true, atom.Caption: true,
	atom.Figure: true, atom.Figcaption: true, atom.Section: true, atom.Article: true,
	atom.Aside: true, atom.Header: true, atom.Footer: true, atom.Main: true,
}

// resourceHandleScheme is the URI scheme of materialized resource handles.
const resourceHandleScheme = "res"

// sanitizeTree cleans the subtree rooted at n in place.
func sanitizeTree(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if c.Type != html.ElementNode {
			if c.Type == html.CommentNode {
				n.RemoveChild(c)
			}
			continue
		}
		if droppedTags[c.DataAtom] {
			n.RemoveChild(c)
			continue
		}
		sanitizeTree(c)
		if allowedTags[c.DataAtom] {
			scrubAttributes(c)
			continue
		}
		// Unknown tag: splice its (already sanitized) children in place.
		next = unwrapNode(n, c)
	}
}

// unwrapNode replaces c with its children and returns the first spliced
// child (or c's former successor) so iteration continues correctly.
func unwrapNode(parent, c *html.Node) *html.Node {
	after := c.NextSibling
	first := c.FirstChild
	for child := c.FirstChild; child != nil; {
		nextChild := child.NextSibling
		c.RemoveChild(child)
		parent.InsertBefore(child, c)
		child = nextChild
	}
	parent.RemoveChild(c)
	if first != nil {
		return first
	}
	return after
}

// scrubAttributes drops event handlers and URI attributes with disallowed
// schemes.
func scrubAttributes(n *html.Node) {
	kept := n.Attr[:0]
	for _, attr := range n.Attr {
		key := strings.ToLower(attr.Key)
		if strings.HasPrefix(key, "on") {
			continue
		}
		if key == "style" {
			continue
		}
		if isURIAttr(attr) && !isAllowedURI(attr.Val) {
			continue
		}
		kept = append(kept, attr)
	}
	n.Attr = kept
}

// isURIAttr reports whether attr can carry a URL and must pass the scheme
// policy.
func isURIAttr(attr html.Attribute) bool {
	switch attr.Key {
	case "href", "src", "poster":
		return true
	}
	return attr.Namespace == "xlink" && attr.Key == "href" || attr.Key == "xlink:href"
}

// isAllowedURI applies the scheme policy for chapter content:
// fragments and scheme-less archive-relative references pass through
// (in-content navigation depends on them), res: handles produced by the
// materializer pass, http(s)/mailto/tel pass, and data: is admitted for
// images only. Everything else (javascript:, file:, vbscript:, blob:) is
// rejected.
func isAllowedURI(raw string) bool {
	v := strings.TrimSpace(raw)
	if v == "" {
		return true
	}
	if strings.HasPrefix(v, "#") || strings.HasPrefix(v, "?") ||
		strings.HasPrefix(v, "./") || strings.HasPrefix(v, "../") {
		return true
	}

	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "":
		return !strings.HasPrefix(v, "//") // no scheme-relative URLs
	case "http", "https", "mailto", "tel", resourceHandleScheme:
		return true
	case "data":
		return isAllowedDataURI(v)
	default:
		return false
	}
}

// isAllowedDataURI admits data: URIs for raster/vector image MIME types only.
func isAllowedDataURI(v string) bool {
	rest, ok := strings.CutPrefix(strings.ToLower(v), "data:image/")
	if !ok {
		return false
	}
	mime, _, _ := strings.Cut(rest, ",")
	mime, _, _ = strings.Cut(mime, ";")
	switch mime {
	case "png", "jpeg", "jpg", "gif", "webp", "svg+xml", "bmp", "avif":
		return true
	}
	return false
}

// renderChildren serializes the child nodes of n.
func renderChildren(n *html.Node) (string, error) {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return "", err
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

// SanitizeExcerpt sanitizes an externally supplied markup fragment with the
// same policy applied to chapter bodies. Use it on any excerpt destined for
// markup rendering (search snippets, notes); on parse failure it degrades to
// the escaped plain text of the input.
func SanitizeExcerpt(markup string) string {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(markup), body)
	if err != nil {
		return html.EscapeString(markup)
	}
	for _, n := range nodes {
		body.AppendChild(n)
	}
	sanitizeTree(body)
	out, err := renderChildren(body)
	if err != nil {
		return html.EscapeString(markup)
	}
	return out
}
