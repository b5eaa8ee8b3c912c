package epubreader

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ChapterState describes whether a chapter's content has been produced.
type ChapterState int

const (
	// ChapterPending means content has not been loaded yet.
	ChapterPending ChapterState = iota

	// ChapterLoaded means Content holds sanitized, display-ready markup.
	ChapterLoaded

	// ChapterFailed means the source was missing, unreadable, or empty and
	// Content holds human-readable placeholder markup instead. A failed
	// chapter never aborts the book.
	ChapterFailed
)

// Chapter is one entry of a book's reading sequence.
type Chapter struct {
	// Href is the archive path of the chapter document, fragment stripped.
	Href string

	// Title is the display label from the TOC (empty for appended chapters
	// without one).
	Title string

	// Content is sanitized HTML with image references rewritten to res:
	// handles. Empty while State is ChapterPending.
	Content string

	// State reports whether Content is real or placeholder markup.
	State ChapterState
}

// loadChapter runs the full content pipeline for one chapter document:
// locate the entry (with the archive's lookup fallbacks), parse it, find a
// body (or a substitute), materialize embedded resources, and sanitize.
// It always returns a Chapter; every failure mode degrades to a
// ChapterFailed placeholder.
func (b *Book) loadChapter(href, title string) Chapter {
	ch := Chapter{Href: hrefWithoutFragment(href), Title: title}

	entry := b.archive.Entry(ch.Href)
	if entry == nil {
		return failedChapter(ch, fmt.Sprintf("Chapter %q was not found in this book.", displayTitle(ch)))
	}

	data, err := b.archive.readEntry(entry)
	if err != nil {
		b.logger.Warn("cannot read chapter", "href", ch.Href, "error", err)
		return failedChapter(ch, fmt.Sprintf("Chapter %q could not be read.", displayTitle(ch)))
	}

	root, err := html.Parse(bytes.NewReader(stripBOM(data)))
	if err != nil {
		b.logger.Warn("cannot parse chapter", "href", ch.Href, "error", err)
		return failedChapter(ch, fmt.Sprintf("Chapter %q could not be parsed.", displayTitle(ch)))
	}

	// Rewrite resource references on the full document so relative paths
	// still see the chapter's own location.
	doc := goquery.NewDocumentFromNode(root)
	b.materializeResources(doc, ch.Href)

	body := chapterBody(root)
	if body == nil {
		return failedChapter(ch, fmt.Sprintf("Chapter %q has no readable content.", displayTitle(ch)))
	}

	sanitizeTree(body)
	content, err := renderChildren(body)
	if err != nil || content == "" {
		return failedChapter(ch, fmt.Sprintf("Chapter %q is empty.", displayTitle(ch)))
	}

	ch.Content = content
	ch.State = ChapterLoaded
	return ch
}

// LoadChapterByHref runs the content pipeline for a chapter that is not in
// the original TOC, typically the target of an in-chapter hyperlink. It
// does not touch the arena; callers append the result themselves (or use
// Navigate, which does both under the supersession rule). Returns false
// when no archive entry matches the href.
func (b *Book) LoadChapterByHref(href string) (Chapter, bool) {
	file := hrefWithoutFragment(href)
	if b.archive.Entry(file) == nil {
		return Chapter{}, false
	}
	return b.loadChapter(file, b.tocTitleFor(file)), true
}

// chapterBody returns the <body> element, or, for malformed documents that
// omit one, the document element itself as a body substitute. Returns nil
// when the document has no element children at all.
func chapterBody(root *html.Node) *html.Node {
	if body := findElement(root, atom.Body); body != nil && body.FirstChild != nil {
		return body
	}
	// Substitute: the children of the document element, minus <head>.
	docElem := findElement(root, atom.Html)
	if docElem == nil {
		docElem = root
	}
	sub := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	var moved []*html.Node
	for c := docElem.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Head || c.DataAtom == atom.Body) {
			continue
		}
		moved = append(moved, c)
	}
	if len(moved) == 0 {
		return nil
	}
	for _, c := range moved {
		docElem.RemoveChild(c)
		sub.AppendChild(c)
	}
	return sub
}

// findElement depth-first searches for the first element with the given atom.
func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

// failedChapter fills in placeholder content and the failed state.
func failedChapter(ch Chapter, message string) Chapter {
	ch.State = ChapterFailed
	ch.Content = fmt.Sprintf(`<p class="chapter-unavailable">%s</p>`, html.EscapeString(message))
	return ch
}

// displayTitle returns the chapter title, falling back to its href so
// placeholder messages always name something.
func displayTitle(ch Chapter) string {
	if ch.Title != "" {
		return ch.Title
	}
	return ch.Href
}
