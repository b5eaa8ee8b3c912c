package epubreader

import "errors"

// Sentinel errors returned by the epubreader package.
var (
	// ErrCorruptArchive indicates the container cannot be opened as a ZIP
	// archive at all. This is the only condition (besides DRM) that aborts
	// a book load.
	ErrCorruptArchive = errors.New("epubreader: corrupt archive")

	// ErrDRMProtected indicates the file is protected by DRM
	// (e.g., Adobe ADEPT, Apple FairPlay, Readium LCP) and cannot be read.
	ErrDRMProtected = errors.New("epubreader: file is DRM protected")

	// ErrFileNotFound indicates the requested entry does not exist in the
	// archive, even after case-insensitive and suffix-match fallbacks.
	ErrFileNotFound = errors.New("epubreader: file not found in archive")

	// ErrInvalidChapter indicates a chapter index outside the arena.
	ErrInvalidChapter = errors.New("epubreader: invalid chapter index")

	// ErrStaleNavigation indicates a navigation completed after a newer one
	// had already been initiated; its result was discarded.
	ErrStaleNavigation = errors.New("epubreader: navigation superseded")

	// ErrClosed indicates the book has been unloaded.
	ErrClosed = errors.New("epubreader: book is closed")
)
