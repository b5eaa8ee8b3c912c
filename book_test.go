package epubreader

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLoad_Garbage(t *testing.T) {
	_, err := Load([]byte("not an epub at all"))
	if !errors.Is(err, ErrCorruptArchive) {
		t.Fatalf("err = %v, want ErrCorruptArchive", err)
	}
}

func TestLoad_BookID(t *testing.T) {
	data := buildEPUB(t, testBookFiles(t))

	b, err := Load(data, WithFileName("test.epub"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer b.Close()
	if !strings.HasPrefix(b.ID(), "test-") {
		t.Errorf("id = %q, want test- prefix", b.ID())
	}

	// A persisted id is reused verbatim.
	b2, err := Load(data, WithBookID("test-123-abc"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer b2.Close()
	if b2.ID() != "test-123-abc" {
		t.Errorf("id = %q, want test-123-abc", b2.ID())
	}
}

func TestLoad_MimetypeWarnings(t *testing.T) {
	files := testBookFiles(t)
	files["mimetype"] = "application/zip"
	b := loadEPUB(t, files)
	if !warningsContain(b.Warnings(), "unexpected mimetype") {
		t.Errorf("warnings = %v, want unexpected mimetype", b.Warnings())
	}

	files = testBookFiles(t)
	delete(files, "mimetype")
	b2 := loadEPUB(t, files)
	if !warningsContain(b2.Warnings(), "mimetype") {
		t.Errorf("warnings = %v, want missing mimetype note", b2.Warnings())
	}
}

func TestLoad_DRMProtected(t *testing.T) {
	files := testBookFiles(t)
	files["META-INF/encryption.xml"] = `<?xml version="1.0"?>
<encryption xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <EncryptedData xmlns="http://www.w3.org/2001/04/xmlenc#">
    <EncryptionMethod Algorithm="http://www.w3.org/2001/04/xmlenc#aes128-cbc"/>
  </EncryptedData>
</encryption>`
	_, err := Load(buildEPUB(t, files), WithLogger(quietLogger()))
	if !errors.Is(err, ErrDRMProtected) {
		t.Fatalf("err = %v, want ErrDRMProtected", err)
	}
}

func TestLoad_FairPlayMarker(t *testing.T) {
	files := testBookFiles(t)
	files["META-INF/sinf.xml"] = `<fairplay/>`
	_, err := Load(buildEPUB(t, files), WithLogger(quietLogger()))
	if !errors.Is(err, ErrDRMProtected) {
		t.Fatalf("err = %v, want ErrDRMProtected", err)
	}
}

// An encryption descriptor that cannot even be read is treated as DRM, the
// same as an unparseable one.
func TestLoad_UnreadableEncryptionDescriptor(t *testing.T) {
	files := testBookFiles(t)
	files["META-INF/encryption.xml"] = strings.Repeat(" ", 4096)
	_, err := Load(buildEPUB(t, files), WithLogger(quietLogger()), WithReadLimit(1024))
	if !errors.Is(err, ErrDRMProtected) {
		t.Fatalf("err = %v, want ErrDRMProtected", err)
	}
}

// Font obfuscation is not DRM: the book loads with a warning.
func TestLoad_FontObfuscationWarns(t *testing.T) {
	files := testBookFiles(t)
	files["META-INF/encryption.xml"] = `<?xml version="1.0"?>
<encryption xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <EncryptedData xmlns="http://www.w3.org/2001/04/xmlenc#">
    <EncryptionMethod Algorithm="http://www.idpf.org/2008/embedding"/>
  </EncryptedData>
</encryption>`
	b := loadEPUB(t, files)
	if !warningsContain(b.Warnings(), "font obfuscation") {
		t.Errorf("warnings = %v, want font obfuscation note", b.Warnings())
	}
}

func TestNavigate_KnownTarget(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))
	ctx := context.Background()

	if got := b.CurrentChapter(); got != -1 {
		t.Fatalf("initial current = %d, want -1", got)
	}

	idx, err := b.Navigate(ctx, "OEBPS/ch2.xhtml")
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
	if got := b.CurrentChapter(); got != 1 {
		t.Errorf("current = %d, want 1", got)
	}
	if got := len(b.Chapters()); got != 2 {
		t.Errorf("arena grew to %d on known-target navigation", got)
	}
}

// Hyperlinks inside a chapter are relative to that chapter's location.
func TestNavigate_RelativeToCurrent(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))
	ctx := context.Background()

	if _, err := b.Navigate(ctx, "OEBPS/ch1.xhtml"); err != nil {
		t.Fatalf("Navigate ch1: %v", err)
	}
	idx, err := b.Navigate(ctx, "ch2.xhtml")
	if err != nil {
		t.Fatalf("Navigate ch2: %v", err)
	}
	if idx != 1 {
		t.Errorf("idx = %d, want 1", idx)
	}
}

func TestNavigate_FragmentOnly(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))
	ctx := context.Background()

	// No current chapter yet: a bare fragment has nothing to stay within.
	if _, err := b.Navigate(ctx, "#top"); !errors.Is(err, ErrInvalidChapter) {
		t.Fatalf("err = %v, want ErrInvalidChapter", err)
	}

	if _, err := b.Navigate(ctx, "OEBPS/ch1.xhtml"); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	idx, err := b.Navigate(ctx, "#section3")
	if err != nil {
		t.Fatalf("Navigate fragment: %v", err)
	}
	if idx != 0 {
		t.Errorf("idx = %d, want 0 (stay in current chapter)", idx)
	}
}

// A target outside the TOC is loaded and appended; existing indices do not
// move, and navigating there again reuses the appended slot.
func TestNavigate_AppendsUnknownTarget(t *testing.T) {
	files := testBookFiles(t)
	files["OEBPS/notes.xhtml"] = `<html><body><p>endnotes</p></body></html>`
	b := loadEPUB(t, files)
	ctx := context.Background()

	before := b.Chapters()

	idx, err := b.Navigate(ctx, "OEBPS/notes.xhtml")
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if idx != 2 {
		t.Errorf("idx = %d, want 2 (appended)", idx)
	}

	after := b.Chapters()
	if len(after) != 3 {
		t.Fatalf("arena = %d entries, want 3", len(after))
	}
	for i := range before {
		if after[i].Href != before[i].Href {
			t.Errorf("entry %d moved: %q → %q", i, before[i].Href, after[i].Href)
		}
	}
	if after[2].State != ChapterLoaded || !strings.Contains(after[2].Content, "endnotes") {
		t.Errorf("appended chapter = %+v", after[2])
	}

	again, err := b.Navigate(ctx, "OEBPS/notes.xhtml")
	if err != nil {
		t.Fatalf("Navigate again: %v", err)
	}
	if again != 2 || len(b.Chapters()) != 3 {
		t.Errorf("repeat navigation: idx = %d, arena = %d; want 2, 3", again, len(b.Chapters()))
	}
}

// Case or directory-prefix variants of an href resolve to the archive's
// canonical entry name, so they reuse the existing arena slot instead of
// appending a duplicate.
func TestNavigate_VariantHrefsShareSlot(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))
	ctx := context.Background()

	if _, err := b.Navigate(ctx, "OEBPS/ch1.xhtml"); err != nil {
		t.Fatalf("Navigate ch1: %v", err)
	}

	for _, href := range []string{"Ch2.XHTML", "oebps/ch2.xhtml", "ch2.xhtml"} {
		idx, err := b.Navigate(ctx, href)
		if err != nil {
			t.Fatalf("Navigate(%q): %v", href, err)
		}
		if idx != 1 {
			t.Errorf("Navigate(%q) = %d, want 1", href, idx)
		}
	}
	chapters := b.Chapters()
	if len(chapters) != 2 {
		t.Fatalf("arena = %d entries, want 2", len(chapters))
	}
	if chapters[1].Href != "OEBPS/ch2.xhtml" {
		t.Errorf("arena href = %q, want canonical OEBPS/ch2.xhtml", chapters[1].Href)
	}
}

func TestNavigate_MissingTargetAppendsPlaceholder(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))
	ctx := context.Background()

	idx, err := b.Navigate(ctx, "OEBPS/ghost.xhtml")
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	ch, err := b.Chapter(ctx, idx)
	if err != nil {
		t.Fatalf("Chapter: %v", err)
	}
	if ch.State != ChapterFailed {
		t.Errorf("state = %v, want failed placeholder", ch.State)
	}
}

// A navigation that finishes after a newer one started must not win.
func TestNavigate_Superseded(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))

	gen := b.navGen.Add(1)
	b.navGen.Add(1) // a newer navigation has begun

	_, err := b.commitNavigation(gen, 0, nil)
	if !errors.Is(err, ErrStaleNavigation) {
		t.Fatalf("err = %v, want ErrStaleNavigation", err)
	}
	if got := b.CurrentChapter(); got != -1 {
		t.Errorf("stale commit changed current to %d", got)
	}

	// A stale append must not touch the arena either.
	loaded := Chapter{Href: "OEBPS/late.xhtml", Content: "<p>late</p>", State: ChapterLoaded}
	if _, err := b.commitNavigation(gen, -1, &loaded); !errors.Is(err, ErrStaleNavigation) {
		t.Fatalf("err = %v, want ErrStaleNavigation", err)
	}
	if got := len(b.Chapters()); got != 2 {
		t.Errorf("stale commit appended: arena = %d, want 2", got)
	}
}

func TestBook_Close(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))
	ctx := context.Background()

	if _, err := b.Chapter(ctx, 0); err != nil {
		t.Fatalf("Chapter before close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := b.Chapter(ctx, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Chapter after close: %v, want ErrClosed", err)
	}
	if _, err := b.Navigate(ctx, "OEBPS/ch2.xhtml"); !errors.Is(err, ErrClosed) {
		t.Errorf("Navigate after close: %v, want ErrClosed", err)
	}
	if b.resources.len() != 0 {
		t.Errorf("resource cache not released: %d entries", b.resources.len())
	}
}

func TestLoadAllChapters(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))

	if err := b.LoadAllChapters(context.Background()); err != nil {
		t.Fatalf("LoadAllChapters: %v", err)
	}
	for i, ch := range b.Chapters() {
		if ch.State == ChapterPending {
			t.Errorf("chapter %d still pending", i)
		}
	}
}

func TestLoadAllChapters_Cancelled(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.LoadAllChapters(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPlainText(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))

	text, err := b.PlainText(context.Background(), 0)
	if err != nil {
		t.Fatalf("PlainText: %v", err)
	}
	if !strings.Contains(text, "It was a dark and stormy night.") {
		t.Errorf("text = %q", text)
	}
	if strings.Contains(text, "<") {
		t.Errorf("markup leaked into plain text: %q", text)
	}
}

func TestChapter_InvalidIndex(t *testing.T) {
	b := loadEPUB(t, testBookFiles(t))
	ctx := context.Background()

	if _, err := b.Chapter(ctx, -1); !errors.Is(err, ErrInvalidChapter) {
		t.Errorf("Chapter(-1): %v, want ErrInvalidChapter", err)
	}
	if _, err := b.Chapter(ctx, 99); !errors.Is(err, ErrInvalidChapter) {
		t.Errorf("Chapter(99): %v, want ErrInvalidChapter", err)
	}
}

func warningsContain(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}
