package epubreader

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// TOCItem is a single entry in the table of contents tree.
type TOCItem struct {
	// ID is the source element id (NCX navPoint id, nav li/a id), possibly empty.
	ID string

	// Href is the archive path of the target, possibly with a #fragment.
	Href string

	// Title is the display label.
	Title string

	// Level is the nesting depth, 0 for top-level entries.
	Level int

	// Children are nested entries, in reading order.
	Children []TOCItem
}

// loadTOC resolves the table of contents. The EPUB 3 nav document takes
// precedence; the legacy NCX is consulted only when the nav document yields
// zero entries. When both are empty the book simply has no TOC.
func (b *Book) loadTOC() []TOCItem {
	if toc := b.loadNavigationTOC(); len(toc) > 0 {
		return toc
	}
	if toc := b.loadNCXTOC(); len(toc) > 0 {
		return toc
	}
	return []TOCItem{}
}

// --- EPUB 3 nav document ---

// loadNavigationTOC finds the manifest item carrying the "nav" property,
// parses its epub:type="toc" list, and returns the tree. Any failure is
// recorded as a warning and yields nil so the NCX fallback can run.
func (b *Book) loadNavigationTOC() []TOCItem {
	var navHref string
	for _, item := range b.pkg.Manifest.Items {
		for _, prop := range strings.Fields(item.Properties) {
			if prop == "nav" {
				navHref = item.Href
				break
			}
		}
		if navHref != "" {
			break
		}
	}
	if navHref == "" {
		return nil
	}

	navPath := joinOPFPath(b.opfDir, navHref)
	data, err := b.archive.ReadBytes(navPath)
	if err != nil {
		b.warn(fmt.Sprintf("cannot read nav document %s: %v", navPath, err))
		return nil
	}

	toc, err := parseNavigationDoc(data, navPath)
	if err != nil {
		b.warn(fmt.Sprintf("cannot parse nav document %s: %v", navPath, err))
		return nil
	}
	return toc
}

// parseNavigationDoc extracts the toc nav list from an XHTML nav document.
// basePath is the nav document's own archive path, used to resolve hrefs.
func parseNavigationDoc(data []byte, basePath string) ([]TOCItem, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("epubreader: parse nav document: %w", err)
	}

	var tocNav *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if tocNav != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "nav" && hasEpubType(n, "toc") {
			tocNav = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if tocNav == nil {
		return nil, nil
	}

	ol := firstDescendant(tocNav, "ol")
	if ol == nil {
		return nil, nil
	}
	return parseNavList(ol, basePath, 0), nil
}

// parseNavList converts an <ol> into TOC entries, preserving document order.
func parseNavList(ol *html.Node, basePath string, level int) []TOCItem {
	var items []TOCItem
	for c := ol.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "li" {
			items = append(items, parseNavEntry(c, basePath, level))
		}
	}
	return items
}

// parseNavEntry reads a single <li>: the first <a> supplies href and label,
// a <span> supplies a label for unlinked headings, a nested <ol> supplies
// children.
func parseNavEntry(li *html.Node, basePath string, level int) TOCItem {
	item := TOCItem{Level: level, ID: nodeAttr(li, "id")}

	for c := li.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		switch c.Data {
		case "a":
			if item.Href == "" {
				if href := nodeAttr(c, "href"); href != "" {
					item.Href = resolveTOCHref(basePath, href)
				}
				item.Title = strings.TrimSpace(textContent(c))
				if item.ID == "" {
					item.ID = nodeAttr(c, "id")
				}
			}
		case "span":
			if item.Title == "" {
				item.Title = strings.TrimSpace(textContent(c))
			}
		case "ol":
			item.Children = parseNavList(c, basePath, level+1)
		}
	}
	return item
}

// --- EPUB 2 NCX ---

type ncxDocument struct {
	XMLName xml.Name `xml:"ncx"`
	NavMap  struct {
		NavPoints []ncxNavPoint `xml:"navPoint"`
	} `xml:"navMap"`
}

type ncxNavPoint struct {
	ID        string `xml:"id,attr"`
	PlayOrder string `xml:"playOrder,attr"`
	Label     struct {
		Text string `xml:"text"`
	} `xml:"navLabel"`
	Content struct {
		Src string `xml:"src,attr"`
	} `xml:"content"`
	Children []ncxNavPoint `xml:"navPoint"`
}

// loadNCXTOC locates and parses the NCX. EPUBs reference the NCX
// inconsistently, so several locations are tried in order: the spine's toc
// attribute, the manifest NCX media type, conventional file names, and
// finally any entry with a .ncx extension.
func (b *Book) loadNCXTOC() []TOCItem {
	for _, ncxPath := range b.ncxCandidates() {
		data, err := b.archive.ReadBytes(ncxPath)
		if err != nil {
			continue
		}
		toc, err := parseNCX(data, ncxPath)
		if err != nil {
			b.warn(fmt.Sprintf("cannot parse NCX %s: %v", ncxPath, err))
			continue
		}
		if len(toc) > 0 {
			return toc
		}
	}
	return nil
}

// ncxCandidates returns possible NCX archive paths, most authoritative first.
func (b *Book) ncxCandidates() []string {
	var out []string
	byID := manifestByID(b.pkg.Manifest)

	if tocID := b.pkg.Spine.Toc; tocID != "" {
		if item, ok := byID[tocID]; ok && item.Href != "" {
			out = append(out, joinOPFPath(b.opfDir, item.Href))
		}
	}
	for _, item := range b.pkg.Manifest.Items {
		if strings.EqualFold(strings.TrimSpace(item.MediaType), ncxMediaType) && item.Href != "" {
			out = append(out, joinOPFPath(b.opfDir, item.Href))
		}
	}
	out = append(out, joinOPFPath(b.opfDir, "toc.ncx"), "toc.ncx", "OEBPS/toc.ncx")

	for _, name := range b.archive.names {
		if strings.HasSuffix(strings.ToLower(name), ".ncx") {
			out = append(out, name)
		}
	}
	return out
}

// parseNCX decodes NCX data into a TOC tree. Sibling entries are sorted by
// their numeric playOrder at every level: source document order is not
// reliable in real files and must not be trusted.
func parseNCX(data []byte, ncxPath string) ([]TOCItem, error) {
	data = stripBOM(rewriteNamedEntities(data))

	var doc ncxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("epubreader: parse NCX: %w", err)
	}
	return convertNavPoints(doc.NavMap.NavPoints, ncxPath, 0), nil
}

// convertNavPoints recursively converts navPoint elements, sorting each
// sibling list by play order before conversion. Entries without a numeric
// playOrder keep their relative position after numbered ones.
func convertNavPoints(points []ncxNavPoint, ncxPath string, level int) []TOCItem {
	if len(points) == 0 {
		return nil
	}

	sorted := append([]ncxNavPoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool {
		oi, iOK := playOrderValue(sorted[i])
		oj, jOK := playOrderValue(sorted[j])
		if iOK && jOK {
			return oi < oj
		}
		return iOK && !jOK
	})

	items := make([]TOCItem, 0, len(sorted))
	for _, np := range sorted {
		item := TOCItem{
			ID:    np.ID,
			Title: strings.TrimSpace(np.Label.Text),
			Level: level,
		}
		if src := strings.TrimSpace(np.Content.Src); src != "" {
			item.Href = resolveTOCHref(ncxPath, src)
		}
		item.Children = convertNavPoints(np.Children, ncxPath, level+1)
		items = append(items, item)
	}
	return items
}

func playOrderValue(np ncxNavPoint) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(np.PlayOrder))
	return n, err == nil
}

// --- shared helpers ---

// resolveTOCHref resolves a TOC target relative to the document that
// declared it, keeping any #fragment intact.
func resolveTOCHref(basePath, href string) string {
	href = strings.TrimSpace(href)
	if strings.HasPrefix(href, "#") {
		return basePath + href
	}
	filePart, fragment, hasFragment := strings.Cut(href, "#")
	resolved := resolveRelativePath(basePath, filePart)
	if resolved == "" {
		return ""
	}
	if hasFragment {
		return resolved + "#" + fragment
	}
	return resolved
}

// hrefWithoutFragment strips the #fragment from an href.
func hrefWithoutFragment(href string) string {
	if idx := strings.IndexByte(href, '#'); idx >= 0 {
		return href[:idx]
	}
	return href
}

// hasEpubType reports whether n's epub:type attribute contains the given
// space-separated token.
func hasEpubType(n *html.Node, token string) bool {
	for _, t := range strings.Fields(nodeAttr(n, "epub:type")) {
		if t == token {
			return true
		}
	}
	return false
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// firstDescendant depth-first searches for the first element with the tag.
func firstDescendant(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
		if found := firstDescendant(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// textContent collects all text beneath n.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(textContent(c))
	}
	return sb.String()
}

// flattenTOC appends every item in the tree to flat in reading order.
func flattenTOC(flat *[]TOCItem, items []TOCItem) {
	for _, it := range items {
		*flat = append(*flat, it)
		flattenTOC(flat, it.Children)
	}
}
