package epubreader

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// namedEntities maps the HTML named entities commonly found in OPF and NCX
// files to numeric character references. encoding/xml only understands the
// five XML predefined entities, so everything else is rewritten before
// unmarshalling.
var namedEntities = map[string]string{
	"nbsp": "&#160;", "shy": "&#173;",
	"mdash": "&#8212;", "ndash": "&#8211;", "hellip": "&#8230;",
	"lsquo": "&#8216;", "rsquo": "&#8217;", "ldquo": "&#8220;", "rdquo": "&#8221;",
	"laquo": "&#171;", "raquo": "&#187;",
	"copy": "&#169;", "reg": "&#174;", "trade": "&#8482;",
	"bull": "&#8226;", "middot": "&#183;", "sect": "&#167;", "para": "&#182;",
	"deg": "&#176;", "times": "&#215;", "divide": "&#247;",
	"iexcl": "&#161;", "iquest": "&#191;",
	"agrave": "&#224;", "aacute": "&#225;", "acirc": "&#226;", "auml": "&#228;",
	"egrave": "&#232;", "eacute": "&#233;", "ecirc": "&#234;", "euml": "&#235;",
	"igrave": "&#236;", "iacute": "&#237;", "icirc": "&#238;", "iuml": "&#239;",
	"ograve": "&#242;", "oacute": "&#243;", "ocirc": "&#244;", "ouml": "&#246;",
	"ugrave": "&#249;", "uacute": "&#250;", "ucirc": "&#251;", "uuml": "&#252;",
	"ntilde": "&#241;", "ccedil": "&#231;",
}

var namedEntityPattern = regexp.MustCompile(`(?i)&([a-z]{2,8});`)

// rewriteNamedEntities replaces known HTML named entities with numeric
// references, case-insensitively. Unknown names are left alone so a genuine
// XML error still surfaces as one.
func rewriteNamedEntities(data []byte) []byte {
	if !bytes.ContainsRune(data, '&') {
		return data
	}
	return namedEntityPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := strings.ToLower(string(match[1 : len(match)-1]))
		if repl, ok := namedEntities[name]; ok {
			return []byte(repl)
		}
		return match
	})
}

// lineBreakTags produce a newline during plain-text extraction.
var lineBreakTags = map[atom.Atom]bool{
	atom.P: true, atom.Br: true, atom.Div: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true,
	atom.H6: true, atom.Blockquote: true, atom.Hr: true,
}

// silentTags have their content skipped entirely.
var silentTags = map[atom.Atom]bool{
	atom.Script: true,
	atom.Style:  true,
}

// extractPlainText tokenizes markup and returns its readable text, with
// block-level boundaries rendered as newlines and whitespace runs collapsed.
// Used for UI excerpt snippets, never for rendering.
func extractPlainText(markup []byte) (string, error) {
	tz := html.NewTokenizer(bytes.NewReader(markup))

	var buf strings.Builder
	silent := 0
	atLineStart := true

	breakLine := func() {
		if buf.Len() > 0 && !atLineStart {
			buf.WriteByte('\n')
			atLineStart = true
		}
	}

	for {
		switch tz.Next() {
		case html.ErrorToken:
			if errors.Is(tz.Err(), io.EOF) {
				return strings.TrimSpace(buf.String()), nil
			}
			return "", tz.Err()

		case html.StartTagToken:
			name, _ := tz.TagName()
			a := atom.Lookup(name)
			if silentTags[a] {
				silent++
				continue
			}
			if silent == 0 && lineBreakTags[a] {
				breakLine()
			}

		case html.SelfClosingTagToken:
			name, _ := tz.TagName()
			if silent == 0 && lineBreakTags[atom.Lookup(name)] {
				breakLine()
			}

		case html.EndTagToken:
			name, _ := tz.TagName()
			if silentTags[atom.Lookup(name)] && silent > 0 {
				silent--
			}

		case html.TextToken:
			if silent > 0 {
				continue
			}
			if text := collapseSpaces(string(tz.Text())); text != "" {
				buf.WriteString(text)
				atLineStart = false
			}
		}
	}
}

// collapseSpaces reduces whitespace runs to single spaces, keeping one
// leading/trailing space so inline elements keep their separation. Returns
// "" for all-whitespace input.
func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	out := strings.Join(fields, " ")
	if isSpaceByte(s[0]) {
		out = " " + out
	}
	if isSpaceByte(s[len(s)-1]) {
		out += " "
	}
	return out
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
