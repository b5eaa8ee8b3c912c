package epubreader

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
)

// Archive is an opened EPUB (OCF) container. It indexes every ZIP entry for
// exact, case-insensitive, and suffix-match lookup, because real EPUBs mix
// path separators, casing, and directory prefixes between the package
// document and the actual entry names.
//
// An Archive is owned by exactly one loaded Book and is discarded when the
// book is unloaded. Reads are safe for concurrent use.
type Archive struct {
	zr    *zip.Reader
	exact map[string]*zip.File
	lower map[string]*zip.File
	names []string // entry paths in archive order

	// readLimit bounds the decompressed size of a single entry. Zero means
	// unlimited; callers needing zip-bomb protection set WithReadLimit.
	readLimit int64
}

// openArchive indexes a ZIP container held in memory.
func openArchive(data []byte, readLimit int64) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	a := &Archive{
		zr:        zr,
		exact:     make(map[string]*zip.File, len(zr.File)),
		lower:     make(map[string]*zip.File, len(zr.File)),
		names:     make([]string, 0, len(zr.File)),
		readLimit: readLimit,
	}
	for _, f := range zr.File {
		name := normalizeEntryPath(f.Name)
		a.names = append(a.names, name)
		if _, ok := a.exact[name]; !ok {
			a.exact[name] = f // first match wins
		}
		low := strings.ToLower(name)
		if _, ok := a.lower[low]; !ok {
			a.lower[low] = f
		}
	}
	return a, nil
}

// normalizeEntryPath converts backslashes to forward slashes and strips any
// leading slash, the two separator quirks seen in the wild.
func normalizeEntryPath(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.TrimPrefix(name, "/")
}

// Names returns the entry paths in archive order.
func (a *Archive) Names() []string {
	return append([]string(nil), a.names...)
}

// Entry looks up a ZIP entry by path. Lookup order: exact match,
// case-insensitive match, then a suffix-match scan across all entry names
// (a TOC-declared "ch1.xhtml" must find "OEBPS/ch1.xhtml"). Returns nil if
// nothing matches.
func (a *Archive) Entry(name string) *zip.File {
	name = normalizeEntryPath(strings.TrimSpace(name))
	if name == "" {
		return nil
	}
	if f, ok := a.exact[name]; ok {
		return f
	}
	low := strings.ToLower(name)
	if f, ok := a.lower[low]; ok {
		return f
	}
	// Suffix scan, first entry wins.
	suffix := "/" + low
	for _, n := range a.names {
		if strings.HasSuffix(strings.ToLower(n), suffix) {
			return a.exact[n]
		}
	}
	return nil
}

// ReadBytes reads the full decompressed contents of the entry at name.
func (a *Archive) ReadBytes(name string) ([]byte, error) {
	f := a.Entry(name)
	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return a.readEntry(f)
}

// ReadText reads an entry as text with any leading UTF-8 BOM removed.
func (a *Archive) ReadText(name string) (string, error) {
	data, err := a.ReadBytes(name)
	if err != nil {
		return "", err
	}
	return string(stripBOM(data)), nil
}

// readEntry decompresses a single entry, rejecting path-traversal names and
// enforcing the configured read limit. The limit check reads limit+1 bytes
// because the declared size of a forged entry cannot be trusted.
func (a *Archive) readEntry(f *zip.File) ([]byte, error) {
	if !isSafePath(f.Name) {
		return nil, fmt.Errorf("epubreader: unsafe zip entry path: %s", f.Name)
	}

	limit := a.readLimit
	if limit > 0 && f.UncompressedSize64 > uint64(limit) {
		return nil, fmt.Errorf("epubreader: zip entry %s too large: %d bytes (max %d)", f.Name, f.UncompressedSize64, limit)
	}

	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("epubreader: open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("epubreader: read zip entry %s: %w", f.Name, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("epubreader: zip entry %s decompressed size exceeds limit (%d bytes)", f.Name, limit)
	}
	return data, nil
}

// resolveRelativePath resolves href relative to the directory of basePath.
// Both are archive-internal, forward-slash paths. The result is cleaned and
// must stay inside the archive root; otherwise an empty string is returned.
func resolveRelativePath(basePath, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "/") {
		return ""
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	cleaned := path.Clean(path.Join(path.Dir(basePath), href))
	if !isSafePath(cleaned) {
		return ""
	}
	return cleaned
}

// isSafePath reports whether p stays inside the archive root (no absolute
// paths, no ".." escape).
func isSafePath(p string) bool {
	cleaned := path.Clean(p)
	if strings.HasPrefix(cleaned, "/") {
		return false
	}
	return cleaned != ".." && !strings.HasPrefix(cleaned, "../")
}

// stripBOM removes a leading UTF-8 BOM (0xEF 0xBB 0xBF), if present.
func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}
