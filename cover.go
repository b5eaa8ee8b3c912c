package epubreader

import (
	"bytes"
	"mime"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// CoverImage holds a detected cover image.
type CoverImage struct {
	// Path is the archive path of the image file.
	Path string

	// MediaType is the image MIME type.
	MediaType string

	// Data is the raw image bytes.
	Data []byte
}

// Cover detects and returns the cover image, or nil when none can be found
// or read. A missing cover never blocks a book load, so no error is
// surfaced. Strategies, in priority order:
//
//  1. EPUB 3 manifest item with properties="cover-image"
//  2. EPUB 2 <meta name="cover" content="ID"/> manifest lookup
//  3. <guide> reference type="cover" pointing at an XHTML page: first image
//  4. manifest image whose ID or href contains "cover"
//  5. first spine document's first image
func (b *Book) Cover() *CoverImage {
	for _, detect := range []func() string{
		b.coverFromManifestProperty,
		b.coverFromMetaName,
		b.coverFromGuide,
		b.coverFromManifestHeuristic,
		b.coverFromFirstSpine,
	} {
		imgPath := detect()
		if imgPath == "" {
			continue
		}
		data, err := b.archive.ReadBytes(imgPath)
		if err != nil {
			b.logger.Warn("cannot read cover candidate", "path", imgPath, "error", err)
			continue
		}
		mediaType := b.manifestMediaType(imgPath)
		if mediaType == "" {
			mediaType = mime.TypeByExtension(path.Ext(imgPath))
		}
		return &CoverImage{Path: imgPath, MediaType: mediaType, Data: data}
	}
	return nil
}

// CoverThumbnail returns the cover downscaled to at most maxWidth pixels
// wide, re-encoded as JPEG. Covers already narrower are re-encoded without
// resizing. Best-effort: nil when no cover exists or decoding fails.
func (b *Book) CoverThumbnail(maxWidth int) *CoverImage {
	cover := b.Cover()
	if cover == nil || maxWidth <= 0 {
		return cover
	}
	img, err := imaging.Decode(bytes.NewReader(cover.Data))
	if err != nil {
		b.logger.Warn("cannot decode cover for thumbnail", "path", cover.Path, "error", err)
		return nil
	}
	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		b.logger.Warn("cannot encode cover thumbnail", "path", cover.Path, "error", err)
		return nil
	}
	return &CoverImage{Path: cover.Path, MediaType: "image/jpeg", Data: buf.Bytes()}
}

// coverFromManifestProperty finds the EPUB 3 cover-image manifest item,
// scanning in document order.
func (b *Book) coverFromManifestProperty() string {
	for _, item := range b.pkg.Manifest.Items {
		for _, prop := range strings.Fields(item.Properties) {
			if strings.EqualFold(prop, "cover-image") {
				return joinOPFPath(b.opfDir, item.Href)
			}
		}
	}
	return ""
}

// coverFromMetaName resolves the EPUB 2 <meta name="cover"> pointer. The
// content attribute usually names a manifest ID; some books put an href
// there instead, and some point at an XHTML cover page.
func (b *Book) coverFromMetaName() string {
	byID := manifestByID(b.pkg.Manifest)
	for _, m := range b.pkg.Metadata.Metas {
		if !strings.EqualFold(m.Name, "cover") || m.Content == "" {
			continue
		}
		item, ok := byID[m.Content]
		if !ok {
			// Some EPUBs put the href directly in content.
			if p := joinOPFPath(b.opfDir, m.Content); isImagePath(p) && b.archive.Entry(p) != nil {
				return p
			}
			continue
		}
		imgPath := joinOPFPath(b.opfDir, item.Href)
		if isImageMediaType(item.MediaType) || isImagePath(imgPath) {
			return imgPath
		}
		// XHTML cover page: use its first image.
		if p := b.firstImageIn(imgPath); p != "" {
			return p
		}
	}
	return ""
}

// coverFromGuide follows <guide> type="cover" references into their XHTML
// page and extracts the first image.
func (b *Book) coverFromGuide() string {
	for _, ref := range b.pkg.Guide.References {
		if !strings.EqualFold(ref.Type, "cover") {
			continue
		}
		target := joinOPFPath(b.opfDir, hrefWithoutFragment(ref.Href))
		if target == "" {
			continue
		}
		if isImagePath(target) {
			return target
		}
		if p := b.firstImageIn(target); p != "" {
			return p
		}
	}
	return ""
}

// coverFromManifestHeuristic picks the first manifest image whose ID or
// href mentions "cover".
func (b *Book) coverFromManifestHeuristic() string {
	for _, item := range b.pkg.Manifest.Items {
		if !isImageMediaType(item.MediaType) {
			continue
		}
		if containsFold(item.ID, "cover") || containsFold(item.Href, "cover") {
			return joinOPFPath(b.opfDir, item.Href)
		}
	}
	return ""
}

// coverFromFirstSpine uses the first image of the first spine document.
func (b *Book) coverFromFirstSpine() string {
	if len(b.spine) == 0 {
		return ""
	}
	return b.firstImageIn(b.spine[0])
}

// firstImageIn parses the XHTML document at docPath and returns the archive
// path of its first img/image reference, or "".
func (b *Book) firstImageIn(docPath string) string {
	data, err := b.archive.ReadBytes(docPath)
	if err != nil {
		return ""
	}
	ref := firstImageRef(data)
	if ref == "" {
		return ""
	}
	return resolveRelativePath(docPath, hrefWithoutFragment(ref))
}

// firstImageRef tokenizes markup and returns the first img src or SVG image
// href value, unresolved.
func firstImageRef(markup []byte) string {
	tz := html.NewTokenizer(bytes.NewReader(markup))
	for {
		switch tz.Next() {
		case html.ErrorToken:
			return ""
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tz.TagName()
			a := atom.Lookup(name)
			if !hasAttr || (a != atom.Img && a != atom.Image) {
				continue
			}
			for {
				key, val, more := tz.TagAttr()
				k := string(key)
				if string(val) != "" &&
					((a == atom.Img && k == "src") ||
						(a == atom.Image && (k == "href" || k == "xlink:href"))) {
					return string(val)
				}
				if !more {
					break
				}
			}
		}
	}
}

// manifestMediaType returns the declared media type of the manifest item at
// the given archive path, or "".
func (b *Book) manifestMediaType(archivePath string) string {
	for _, item := range b.pkg.Manifest.Items {
		if strings.EqualFold(joinOPFPath(b.opfDir, item.Href), archivePath) {
			return strings.TrimSpace(item.MediaType)
		}
	}
	return ""
}

func isImageMediaType(mediaType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "image/")
}

func isImagePath(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".bmp":
		return true
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
