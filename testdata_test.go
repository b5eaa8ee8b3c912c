package epubreader

import (
	"archive/zip"
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"testing"
)

// buildEPUB assembles an in-memory EPUB (ZIP) from the files map. The
// mimetype entry is written first when present, as the OCF spec requires.
// It calls t.Fatal on any error.
func buildEPUB(t *testing.T, files map[string]string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	zw := zip.NewWriter(buf)

	write := func(name, content string) {
		fw, err := zw.Create(name)
		if err != nil {
			t.Fatalf("buildEPUB: create %s: %v", name, err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("buildEPUB: write %s: %v", name, err)
		}
	}

	if mt, ok := files["mimetype"]; ok {
		write("mimetype", mt)
	}
	for name, content := range files {
		if name != "mimetype" {
			write(name, content)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("buildEPUB: close writer: %v", err)
	}
	return buf.Bytes()
}

// loadEPUB builds and loads an EPUB, failing the test on load error.
func loadEPUB(t *testing.T, files map[string]string) *Book {
	t.Helper()
	b, err := Load(buildEPUB(t, files), WithFileName("test.epub"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

// quietLogger discards log output so expected degradations don't clutter
// test runs.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pngBytes encodes a solid-color PNG of the given size.
func pngBytes(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("pngBytes: %v", err)
	}
	return buf.String()
}

const testContainer = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0" xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="OEBPS/content.opf" media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>`

// testOPF returns an EPUB 3 package with a nav document, an NCX, two
// chapters, and a cover image.
const testOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="uid">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>A Test Book</dc:title>
    <dc:creator>Jane Roe</dc:creator>
    <dc:creator>John Doe</dc:creator>
    <dc:language>en</dc:language>
    <dc:identifier id="uid">urn:uuid:test-0001</dc:identifier>
    <dc:publisher>Example House</dc:publisher>
    <dc:date>2021-06-01</dc:date>
    <dc:description>A book for tests.</dc:description>
  </metadata>
  <manifest>
    <item id="nav" href="nav.xhtml" media-type="application/xhtml+xml" properties="nav"/>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="ch1" href="ch1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="ch2.xhtml" media-type="application/xhtml+xml"/>
    <item id="cov" href="images/cover.png" media-type="image/png" properties="cover-image"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
  </spine>
</package>`

const testNav = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml" xmlns:epub="http://www.idpf.org/2007/ops">
<head><title>Contents</title></head>
<body>
  <nav epub:type="toc">
    <ol>
      <li><a href="ch1.xhtml">Chapter One</a></li>
      <li><a href="ch2.xhtml">Chapter Two</a></li>
    </ol>
  </nav>
</body>
</html>`

const testNCX = `<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap>
    <navPoint id="np1" playOrder="1">
      <navLabel><text>Chapter One</text></navLabel>
      <content src="ch1.xhtml"/>
    </navPoint>
    <navPoint id="np2" playOrder="2">
      <navLabel><text>Chapter Two</text></navLabel>
      <content src="ch2.xhtml"/>
    </navPoint>
  </navMap>
</ncx>`

const testCh1 = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Chapter One</title></head>
<body>
<h1>Chapter One</h1>
<p>It was a <strong>dark</strong> and stormy night.</p>
<p><img src="images/cover.png" alt="cover"/></p>
<p><a href="ch2.xhtml">continue</a></p>
</body>
</html>`

const testCh2 = `<?xml version="1.0" encoding="UTF-8"?>
<html xmlns="http://www.w3.org/1999/xhtml">
<head><title>Chapter Two</title></head>
<body>
<h1>Chapter Two</h1>
<p>The <em>same</em> image again: <img src="images/cover.png" alt="cover"/></p>
</body>
</html>`

// testBookFiles assembles the standard two-chapter fixture.
func testBookFiles(t *testing.T) map[string]string {
	t.Helper()
	return map[string]string{
		"mimetype":               "application/epub+zip",
		"META-INF/container.xml": testContainer,
		"OEBPS/content.opf":      testOPF,
		"OEBPS/nav.xhtml":        testNav,
		"OEBPS/toc.ncx":          testNCX,
		"OEBPS/ch1.xhtml":        testCh1,
		"OEBPS/ch2.xhtml":        testCh2,
		"OEBPS/images/cover.png": pngBytes(t, 8, 8),
	}
}
