// Package epubreader turns an EPUB file into a structured, renderable book:
// metadata, an ordered table of contents, and sanitized chapter content with
// embedded resources resolved to in-memory handles.
//
// The package is the parsing core of a reading application. It is built for
// real-world, frequently non-conformant files: a single missing chapter,
// unreadable image, or malformed navigation document degrades that one piece
// (placeholder content, dropped reference) while the rest of the book loads.
// Only an unopenable container or a DRM-protected file aborts a load.
//
// # Loading a book
//
// Use [Load] for an in-memory file, or [Open] for a path:
//
//	book, err := epubreader.Load(data, epubreader.WithFileName("moby-dick.epub"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer book.Close()
//
// [Book.Metadata] returns the Dublin-Core display fields, [Book.TOC] the
// navigation tree (EPUB 3 nav document, falling back to the EPUB 2 NCX), and
// [Book.Chapters] the chapter arena in reading order.
//
// # Chapters
//
// Chapter content is loaded lazily via [Book.Chapter]. Returned content is
// display-ready: scripts, forms, and event handlers are stripped, URI schemes
// are restricted, and image references are rewritten to res: handles that
// [Book.Resource] maps back to bytes. Multiple chapters may be loaded
// concurrently; [Book.LoadAllChapters] does so with a bounded worker group.
//
// Following an in-content hyperlink goes through [Book.Navigate], which
// appends chapters not present in the original TOC. Indices handed out are
// stable for the life of the book. Navigations are supersession-aware: when
// a newer navigation starts before an older one finishes, the older result
// is discarded and reported as [ErrStaleNavigation].
//
// # Identity and cover
//
// Every load mints a stable identifier from the file name, the load time,
// and a content hash; pass [WithBookID] to reuse a persisted identity when
// re-opening a cached book. [Book.Cover] and [Book.CoverThumbnail] are
// best-effort and return nil rather than failing the load.
package epubreader
