package epubreader

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// GenerateBookID derives a stable identifier for a loaded file:
// a filesystem-safe slug of the file name, the load time in unix
// milliseconds, and a short prefix of the SHA-256 content digest.
//
// The hash segment is deterministic for identical bytes, so two files with
// the same name never collide, while loading the same file twice mints
// distinct ids (timestamp) unless the caller reuses a persisted id via
// WithBookID.
func GenerateBookID(fileName string, data []byte) string {
	return fmt.Sprintf("%s-%d-%s", slugify(fileName), time.Now().UnixMilli(), contentHashSegment(data))
}

// contentHashSegment returns the 12-hex-digit SHA-256 prefix of data.
func contentHashSegment(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum[:6])
}

// slugify reduces a file name to lowercase ASCII letters, digits, and
// hyphens. Unicode is NFKD-decomposed first so accented names keep their
// base letters rather than collapsing entirely.
func slugify(name string) string {
	name = strings.TrimSuffix(name, ".epub")
	name = norm.NFKD.String(name)

	var sb strings.Builder
	lastHyphen := true // suppress leading hyphens
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastHyphen = false
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(unicode.ToLower(r))
			lastHyphen = false
		case unicode.Is(unicode.Mn, r):
			// Combining mark left over from decomposition: drop silently.
		default:
			if !lastHyphen {
				sb.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	slug := strings.TrimSuffix(sb.String(), "-")
	if slug == "" {
		return "book"
	}
	if len(slug) > 48 {
		slug = strings.TrimSuffix(slug[:48], "-")
	}
	return slug
}
