package epubreader

import (
	"crypto/sha256"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/singleflight"
)

// Resource is a materialized archive resource: the bytes behind an image
// reference found in chapter content, addressable through a stable handle.
type Resource struct {
	// Ref is the original reference string as written in the chapter.
	Ref string

	// Handle is the res: URI substituted into the content.
	Handle string

	// MediaType is derived from the file extension, possibly empty.
	MediaType string

	// Data is the raw resource bytes.
	Data []byte
}

// Size returns the resource's byte size.
func (r *Resource) Size() int { return len(r.Data) }

// refKind classifies a reference found inside chapter content.
type refKind int

const (
	refArchive  refKind = iota // relative path into the archive
	refFragment                // #fragment, passed through
	refExternal                // absolute http(s)/mailto/tel URL, passed through
	refData                    // data: URI, validated but never materialized
	refBlocked                 // disallowed scheme, dropped
)

// classifyReference decides how a reference is handled during
// materialization.
func classifyReference(ref string) refKind {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "" || strings.HasPrefix(ref, "#"):
		return refFragment
	case strings.HasPrefix(strings.ToLower(ref), "data:"):
		return refData
	}
	if scheme, _, ok := strings.Cut(ref, ":"); ok && isURIScheme(scheme) {
		switch strings.ToLower(scheme) {
		case "http", "https", "mailto", "tel":
			return refExternal
		case resourceHandleScheme:
			return refExternal // already materialized
		default:
			return refBlocked
		}
	}
	return refArchive
}

// isURIScheme reports whether s is a syntactically valid URI scheme
// (RFC 3986: ALPHA *( ALPHA / DIGIT / "+" / "-" / "." )), at least two
// characters so Windows-style "C:" paths are not mistaken for schemes.
func isURIScheme(s string) bool {
	if len(s) < 2 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

// resolveArchiveRef resolves an archive-relative reference. References
// resolve against the chapter's own directory; when the chapter path is
// unknown (ad-hoc excerpts) the package base directory is used instead.
// ".." segments are normalized; escapes of the archive root yield "".
func resolveArchiveRef(ref, chapterPath, opfDir string) string {
	if chapterPath != "" {
		return resolveRelativePath(chapterPath, ref)
	}
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "/") {
		return ""
	}
	if decoded, err := url.PathUnescape(ref); err == nil {
		ref = decoded
	}
	joined := path.Clean(ref)
	if opfDir != "" && opfDir != "." {
		joined = path.Clean(path.Join(opfDir, ref))
	}
	if !isSafePath(joined) {
		return ""
	}
	return joined
}

// resourceCache materializes archive resources at most once per original
// reference string, under concurrent chapter loads. All entries are
// released in bulk when the owning book is unloaded.
type resourceCache struct {
	group singleflight.Group

	mu       sync.RWMutex
	byRef    map[string]*Resource
	byHandle map[string]*Resource
}

func newResourceCache() *resourceCache {
	return &resourceCache{
		byRef:    make(map[string]*Resource),
		byHandle: make(map[string]*Resource),
	}
}

// getOrCreate returns the cached resource for ref, invoking load exactly
// once per reference even under concurrent access.
func (c *resourceCache) getOrCreate(ref string, load func() (*Resource, error)) (*Resource, error) {
	c.mu.RLock()
	res, ok := c.byRef[ref]
	c.mu.RUnlock()
	if ok {
		return res, nil
	}

	v, err, _ := c.group.Do(ref, func() (any, error) {
		c.mu.RLock()
		cached, hit := c.byRef[ref]
		c.mu.RUnlock()
		if hit {
			return cached, nil
		}
		res, err := load()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.byRef[ref] = res
		c.byHandle[res.Handle] = res
		c.mu.Unlock()
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resource), nil
}

// lookup resolves a res: handle back to its resource.
func (c *resourceCache) lookup(handle string) *Resource {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byHandle[handle]
}

// release drops every materialized entry.
func (c *resourceCache) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRef = make(map[string]*Resource)
	c.byHandle = make(map[string]*Resource)
}

func (c *resourceCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byRef)
}

// resourceHandle derives the content-addressed handle for resource bytes.
func resourceHandle(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%s:%x", resourceHandleScheme, sum[:6])
}

// imageSelector matches the elements whose references are materialized:
// HTML images and SVG image elements. Attribute presence is checked per
// element because SVG images use href or xlink:href interchangeably.
const imageSelector = "img, image"

// materializeResources rewrites image references in doc. Archive-relative
// references are loaded and replaced with res: handles; data: URIs are
// validated in place; references that are missing, unreadable, or carry a
// blocked scheme have the attribute removed so nothing in the output points
// at an inaccessible or unsafe location.
func (b *Book) materializeResources(doc *goquery.Document, chapterPath string) {
	doc.Find(imageSelector).Each(func(_ int, s *goquery.Selection) {
		for _, attr := range [...]string{"src", "href", "xlink:href"} {
			ref, ok := s.Attr(attr)
			if !ok {
				continue
			}
			switch classifyReference(ref) {
			case refFragment, refExternal:
				// Passed through unchanged.
			case refData:
				if !isAllowedDataURI(ref) {
					s.RemoveAttr(attr)
					b.logger.Warn("dropped data URI with disallowed media type", "chapter", chapterPath)
				}
			case refBlocked:
				s.RemoveAttr(attr)
				b.logger.Warn("dropped resource with disallowed scheme", "chapter", chapterPath, "ref", ref)
			case refArchive:
				res, err := b.materialize(ref, chapterPath)
				if err != nil {
					s.RemoveAttr(attr)
					b.logger.Warn("dropped unresolvable resource", "chapter", chapterPath, "ref", ref, "error", err)
					continue
				}
				s.SetAttr(attr, res.Handle)
			}
		}
	})
}

// materialize loads the bytes behind an archive-relative reference,
// caching by the original reference string so repeated references across
// chapters share one materialized copy.
func (b *Book) materialize(ref, chapterPath string) (*Resource, error) {
	return b.resources.getOrCreate(ref, func() (*Resource, error) {
		target := resolveArchiveRef(hrefWithoutFragment(ref), chapterPath, b.opfDir)
		if target == "" {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, ref)
		}
		data, err := b.archive.ReadBytes(target)
		if err != nil {
			return nil, err
		}
		return &Resource{
			Ref:       ref,
			Handle:    resourceHandle(data),
			MediaType: mime.TypeByExtension(path.Ext(target)),
			Data:      data,
		}, nil
	})
}

// Resource resolves a res: handle found in chapter content back to the
// materialized bytes, or nil if the handle is unknown.
func (b *Book) Resource(handle string) *Resource {
	return b.resources.lookup(handle)
}
