package epubreader

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// ocfContainer models META-INF/container.xml, which points at the OPF.
type ocfContainer struct {
	XMLName   xml.Name `xml:"container"`
	RootFiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

const (
	containerPath   = "META-INF/container.xml"
	packageMimetype = "application/oebps-package+xml"
)

// locatePackageDoc returns the archive path of the OPF package document.
//
// The OCF rootfile pointer is authoritative when present; a missing or empty
// container.xml falls back to scanning the archive for the first ".opf"
// entry, since quite a few EPUBs ship a broken container.
func locatePackageDoc(a *Archive) (string, error) {
	if a.Entry(containerPath) != nil {
		if p, err := packagePathFromContainer(a); err == nil {
			return p, nil
		}
	}
	for _, name := range a.names {
		if strings.HasSuffix(strings.ToLower(name), ".opf") {
			return name, nil
		}
	}
	return "", fmt.Errorf("epubreader: no OPF package document found: %w", ErrCorruptArchive)
}

// packagePathFromContainer decodes container.xml and picks the rootfile with
// the OPF media type, falling back to the first non-empty full-path.
func packagePathFromContainer(a *Archive) (string, error) {
	data, err := a.ReadBytes(containerPath)
	if err != nil {
		return "", fmt.Errorf("epubreader: read container.xml: %w", err)
	}

	var c ocfContainer
	if err := xml.Unmarshal(stripBOM(data), &c); err != nil {
		return "", fmt.Errorf("epubreader: parse container.xml: %w", err)
	}

	var fallback string
	for _, rf := range c.RootFiles {
		full := normalizeEntryPath(strings.TrimSpace(rf.FullPath))
		if full == "" {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(rf.MediaType), packageMimetype) {
			return full, nil
		}
		if fallback == "" {
			fallback = full
		}
	}
	if fallback == "" {
		return "", fmt.Errorf("epubreader: container.xml has no usable rootfile: %w", ErrCorruptArchive)
	}
	return fallback, nil
}
