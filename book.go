package epubreader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// expectedMimetype is the required content of the OCF "mimetype" entry.
const expectedMimetype = "application/epub+zip"

// chapterLoadConcurrency bounds the worker group in LoadAllChapters.
const chapterLoadConcurrency = 4

// Book is a loaded EPUB: metadata, TOC, and a chapter arena over a single
// exclusively-owned Archive. Chapters load lazily and may load concurrently;
// the arena is append-only, so indices handed out stay valid until Close.
type Book struct {
	archive *Archive
	id      string
	opfPath string
	opfDir  string
	pkg     *opfPackage

	metadata  Metadata
	toc       []TOCItem
	spine     []string
	resources *resourceCache
	logger    *slog.Logger

	navGen atomic.Int64 // navigation generation, see Navigate

	mu       sync.Mutex
	chapters []*chapterSlot
	byHref   map[string]int // fragment-stripped href → arena index
	current  int
	warnings []string
	closed   bool
}

// chapterSlot is one arena entry. once guards the load so concurrent reads
// of the same slot materialize content exactly once.
type chapterSlot struct {
	once sync.Once
	ch   Chapter
}

// Option configures a book load.
type Option func(*loadConfig)

type loadConfig struct {
	logger    *slog.Logger
	fileName  string
	bookID    string
	readLimit int64
}

// WithLogger sets the logger used for recoverable degradations.
// Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *loadConfig) { c.logger = l }
}

// WithFileName supplies the original file name used in the generated book
// id. Load defaults to "book"; Open uses the path's base name.
func WithFileName(name string) Option {
	return func(c *loadConfig) { c.fileName = name }
}

// WithBookID reuses a previously persisted identity instead of minting a
// new one, for re-opening a cached book.
func WithBookID(id string) Option {
	return func(c *loadConfig) { c.bookID = id }
}

// WithReadLimit bounds the decompressed size of any single archive entry,
// guarding against zip bombs. Zero (the default) means unlimited.
func WithReadLimit(limit int64) Option {
	return func(c *loadConfig) { c.readLimit = limit }
}

// Load opens an EPUB held in memory and runs the load sequence:
// container → package document → metadata → TOC. Chapter content stays
// unloaded until requested.
//
// Only an unopenable container or a DRM-protected file returns an error;
// every other defect degrades the affected piece and is recorded in
// Warnings.
func Load(data []byte, opts ...Option) (*Book, error) {
	cfg := loadConfig{fileName: "book"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	archive, err := openArchive(data, cfg.readLimit)
	if err != nil {
		return nil, err
	}

	b := &Book{
		archive:   archive,
		resources: newResourceCache(),
		logger:    cfg.logger,
		byHref:    make(map[string]int),
		current:   -1,
	}

	b.validateMimetype()

	fontObfuscation, err := checkDRM(archive)
	if err != nil {
		return nil, err
	}
	if fontObfuscation {
		b.warn("font obfuscation detected; obfuscated fonts may not render correctly")
	}

	opfPath, err := locatePackageDoc(archive)
	if err != nil {
		return nil, err
	}
	b.opfPath = opfPath
	b.opfDir = path.Dir(opfPath)

	opfData, err := archive.ReadBytes(opfPath)
	if err != nil {
		return nil, fmt.Errorf("epubreader: read OPF %s: %w", opfPath, err)
	}
	pkg, err := parsePackageDoc(opfData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}
	b.pkg = pkg
	b.metadata = extractMetadata(pkg)
	b.spine = spineHrefs(pkg, manifestByID(pkg.Manifest), b.opfDir)
	b.toc = b.loadTOC()

	if cfg.bookID != "" {
		b.id = cfg.bookID
	} else {
		b.id = GenerateBookID(cfg.fileName, data)
	}

	b.seedChapters()
	return b, nil
}

// Open loads an EPUB file from disk, naming the book id after the file.
func Open(name string, opts ...Option) (*Book, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("epubreader: open %s: %w", name, err)
	}
	return Load(data, append([]Option{WithFileName(filepath.Base(name))}, opts...)...)
}

// NewReader loads an EPUB from an io.ReaderAt with the given size.
func NewReader(r io.ReaderAt, size int64, opts ...Option) (*Book, error) {
	data, err := io.ReadAll(io.NewSectionReader(r, 0, size))
	if err != nil {
		return nil, fmt.Errorf("epubreader: read input: %w", err)
	}
	return Load(data, opts...)
}

// seedChapters builds the initial arena from the TOC in reading order, one
// chapter per distinct target file. Books without any TOC fall back to the
// spine so they still expose their content.
func (b *Book) seedChapters() {
	var flat []TOCItem
	flattenTOC(&flat, b.toc)

	add := func(href, title string) {
		file := hrefWithoutFragment(href)
		if file == "" {
			return
		}
		if _, seen := b.byHref[file]; seen {
			return
		}
		b.byHref[file] = len(b.chapters)
		b.chapters = append(b.chapters, &chapterSlot{ch: Chapter{Href: file, Title: title}})
	}

	for _, item := range flat {
		add(item.Href, item.Title)
	}
	if len(b.chapters) == 0 {
		for _, href := range b.spine {
			add(href, "")
		}
	}
}

// validateMimetype records deviations from the OCF mimetype rules as
// warnings; none of them are worth failing a load over.
func (b *Book) validateMimetype() {
	names := b.archive.names
	if len(names) == 0 {
		b.warn("empty archive; mimetype entry missing")
		return
	}
	if names[0] != "mimetype" {
		b.warn(`first archive entry is not "mimetype"`)
		return
	}
	content, err := b.archive.ReadText("mimetype")
	if err != nil {
		b.warn(fmt.Sprintf("cannot read mimetype entry: %v", err))
		return
	}
	if strings.TrimSpace(content) != expectedMimetype {
		b.warn(fmt.Sprintf("unexpected mimetype: %q", content))
	}
}

// warn records and logs a non-fatal degradation.
func (b *Book) warn(msg string) {
	b.logger.Warn(msg)
	b.mu.Lock()
	b.warnings = append(b.warnings, msg)
	b.mu.Unlock()
}

// ID returns the book's stable identifier.
func (b *Book) ID() string { return b.id }

// Metadata returns the display metadata.
func (b *Book) Metadata() Metadata { return b.metadata }

// TOC returns the table of contents tree. Empty for books without one;
// callers must tolerate a book with chapters but no TOC.
func (b *Book) TOC() []TOCItem { return b.toc }

// HasTOC reports whether the book has a table of contents.
func (b *Book) HasTOC() bool { return len(b.toc) > 0 }

// Warnings returns the non-fatal problems recorded so far.
func (b *Book) Warnings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.warnings...)
}

// Chapters returns a snapshot of the arena. Entries still pending have
// empty content; their indices are nonetheless stable.
func (b *Book) Chapters() []Chapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chapter, len(b.chapters))
	for i, slot := range b.chapters {
		out[i] = slot.ch
	}
	return out
}

// Chapter returns arena entry i, loading its content on first access.
// Concurrent calls for different indices proceed in parallel; concurrent
// calls for the same index load once.
func (b *Book) Chapter(ctx context.Context, i int) (Chapter, error) {
	slot, err := b.slot(i)
	if err != nil {
		return Chapter{}, err
	}
	if err := ctx.Err(); err != nil {
		return Chapter{}, err
	}
	slot.once.Do(func() {
		loaded := b.loadChapter(slot.ch.Href, slot.ch.Title)
		b.mu.Lock()
		slot.ch = loaded
		b.mu.Unlock()
	})
	b.mu.Lock()
	defer b.mu.Unlock()
	return slot.ch, nil
}

// slot bounds-checks an arena index.
func (b *Book) slot(i int) (*chapterSlot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if i < 0 || i >= len(b.chapters) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChapter, i)
	}
	return b.chapters[i], nil
}

// LoadAllChapters eagerly loads every chapter currently in the arena with a
// bounded worker group. Individual chapter failures become placeholders,
// never errors; the returned error reflects only context cancellation.
func (b *Book) LoadAllChapters(ctx context.Context) error {
	b.mu.Lock()
	n := len(b.chapters)
	b.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(chapterLoadConcurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			_, err := b.Chapter(ctx, i)
			return err
		})
	}
	return g.Wait()
}

// PlainText returns the readable text of chapter i, for previews and
// excerpt generation.
func (b *Book) PlainText(ctx context.Context, i int) (string, error) {
	ch, err := b.Chapter(ctx, i)
	if err != nil {
		return "", err
	}
	return extractPlainText([]byte(ch.Content))
}

// CurrentChapter returns the index selected by the most recent successful
// Navigate, or -1.
func (b *Book) CurrentChapter() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Navigate follows an in-content hyperlink. href may be relative to the
// current chapter's location, an archive path, or a bare #fragment (which
// re-selects the current chapter). Targets already in the arena reuse their
// index; new targets are loaded and appended, never replacing existing
// entries.
//
// Navigations are cancelled by supersession: each call takes the next
// generation, and only the call whose generation is still newest when its
// load completes may update the current selection or append to the arena.
// A superseded call finishes its load silently and returns
// ErrStaleNavigation.
func (b *Book) Navigate(ctx context.Context, href string) (int, error) {
	gen := b.navGen.Add(1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, ErrClosed
	}
	base := ""
	if b.current >= 0 && b.current < len(b.chapters) {
		base = b.chapters[b.current].ch.Href
	}
	cur := b.current
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Fragment-only targets stay within the current chapter.
	if strings.HasPrefix(strings.TrimSpace(href), "#") {
		if cur < 0 {
			return 0, fmt.Errorf("%w: fragment link with no current chapter", ErrInvalidChapter)
		}
		return b.commitNavigation(gen, cur, nil)
	}

	// An href may be relative to the current chapter or already an archive
	// path; try the base-relative resolution first, then the raw form.
	raw := hrefWithoutFragment(strings.TrimSpace(href))
	candidates := []string{raw}
	if base != "" {
		if resolved := resolveRelativePath(base, raw); resolved != "" && resolved != raw {
			candidates = []string{resolved, raw}
		}
	}

	// Canonicalize to the archive's own entry name so case or directory
	// prefix variants of one file always share one arena slot. Targets with
	// no archive entry keep the most plausible candidate so a failed load
	// names it.
	target := candidates[0]
	for _, c := range candidates {
		if f := b.archive.Entry(c); f != nil {
			target = normalizeEntryPath(f.Name)
			break
		}
	}
	lookup := candidates
	if target != candidates[0] {
		lookup = append([]string{target}, candidates...)
	}

	// Known target: fill its slot if still pending, then re-select. The
	// content fill itself is generation-independent (slots are append-only
	// and idempotent); only the selection commit is guarded.
	b.mu.Lock()
	idx, known := -1, false
	for _, c := range lookup {
		if i, ok := b.byHref[c]; ok {
			idx, known = i, true
			break
		}
	}
	b.mu.Unlock()
	if known {
		if _, err := b.Chapter(ctx, idx); err != nil {
			return 0, err
		}
		return b.commitNavigation(gen, idx, nil)
	}

	// Unknown target: load outside the lock, then append if still current.
	loaded := b.loadChapter(target, b.tocTitleFor(target))
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.commitNavigation(gen, -1, &loaded)
}

// commitNavigation applies a finished navigation if its generation is still
// the newest. idx >= 0 re-selects an existing arena entry; otherwise loaded
// is appended (unless a concurrent navigation appended the same href first).
func (b *Book) commitNavigation(gen int64, idx int, loaded *Chapter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if b.navGen.Load() != gen {
		return 0, ErrStaleNavigation
	}
	if idx < 0 {
		if existing, ok := b.byHref[loaded.Href]; ok {
			idx = existing
		} else {
			idx = len(b.chapters)
			slot := &chapterSlot{ch: *loaded}
			slot.once.Do(func() {}) // content already present
			b.chapters = append(b.chapters, slot)
			b.byHref[loaded.Href] = idx
		}
	}
	b.current = idx
	return idx, nil
}

// tocTitleFor finds the TOC label for an archive path, if any.
func (b *Book) tocTitleFor(href string) string {
	var flat []TOCItem
	flattenTOC(&flat, b.toc)
	for _, item := range flat {
		if hrefWithoutFragment(item.Href) == href {
			return item.Title
		}
	}
	return ""
}

// Close unloads the book: the resource cache is released in bulk and the
// archive is discarded. Close is idempotent; subsequent chapter access
// fails with ErrClosed.
func (b *Book) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.resources.release()
	return nil
}
