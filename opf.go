package epubreader

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"path"
	"strings"
)

// opfPackage represents the root <package> element of the OPF document.
type opfPackage struct {
	XMLName          xml.Name    `xml:"package"`
	Version          string      `xml:"version,attr"`
	UniqueIdentifier string      `xml:"unique-identifier,attr"`
	Metadata         opfMetadata `xml:"metadata"`
	Manifest         opfManifest `xml:"manifest"`
	Spine            opfSpine    `xml:"spine"`
	Guide            opfGuide    `xml:"guide"`
}

// opfMetadata holds the raw Dublin Core elements. EPUB 2 expresses roles and
// schemes as opf:* attributes; EPUB 3 uses <meta refines="..."> elements.
type opfMetadata struct {
	Titles       []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ title"`
	Creators     []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ creator"`
	Languages    []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ language"`
	Identifiers  []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ identifier"`
	Publishers   []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ publisher"`
	Dates        []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ date"`
	Descriptions []opfDCElement `xml:"http://purl.org/dc/elements/1.1/ description"`
	Metas        []opfMeta      `xml:"meta"`
}

type opfDCElement struct {
	Value  string `xml:",chardata"`
	ID     string `xml:"id,attr"`
	Scheme string `xml:"scheme,attr"`
}

// opfMeta covers both the EPUB 2 name/content form and the EPUB 3
// property/refines form.
type opfMeta struct {
	Name     string `xml:"name,attr"`
	Content  string `xml:"content,attr"`
	Property string `xml:"property,attr"`
	Refines  string `xml:"refines,attr"`
	Value    string `xml:",chardata"`
}

type opfManifest struct {
	Items []opfManifestItem `xml:"item"`
}

type opfManifestItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type opfSpine struct {
	Toc      string `xml:"toc,attr"`
	ItemRefs []struct {
		IDRef  string `xml:"idref,attr"`
		Linear string `xml:"linear,attr"`
	} `xml:"itemref"`
}

type opfGuide struct {
	References []struct {
		Type  string `xml:"type,attr"`
		Title string `xml:"title,attr"`
		Href  string `xml:"href,attr"`
	} `xml:"reference"`
}

// ncxMediaType is the manifest media type of the legacy NCX document.
const ncxMediaType = "application/x-dtbncx+xml"

// parsePackageDoc decodes the OPF data. HTML named entities are converted to
// numeric references first, since encoding/xml does not know them.
func parsePackageDoc(data []byte) (*opfPackage, error) {
	data = stripBOM(rewriteNamedEntities(data))

	var pkg opfPackage
	if err := xml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("epubreader: parse OPF: %w", err)
	}
	if pkg.Version == "" {
		pkg.Version = "2.0"
	}
	return &pkg, nil
}

// manifestByID builds an ID lookup over the manifest, preserving the item
// slice itself for document-order scans.
func manifestByID(m opfManifest) map[string]opfManifestItem {
	byID := make(map[string]opfManifestItem, len(m.Items))
	for _, item := range m.Items {
		byID[item.ID] = item
	}
	return byID
}

// joinOPFPath resolves a manifest href (relative to the OPF document's
// directory) to an archive path.
func joinOPFPath(opfDir, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if decoded, err := url.PathUnescape(href); err == nil {
		href = decoded
	}
	if idx := strings.IndexByte(href, '#'); idx >= 0 {
		href = href[:idx]
	}
	if opfDir == "" || opfDir == "." {
		return path.Clean(href)
	}
	return path.Clean(path.Join(opfDir, href))
}

// spineHrefs resolves the spine reading order to archive paths.
func spineHrefs(pkg *opfPackage, byID map[string]opfManifestItem, opfDir string) []string {
	hrefs := make([]string, 0, len(pkg.Spine.ItemRefs))
	for _, ref := range pkg.Spine.ItemRefs {
		if item, ok := byID[ref.IDRef]; ok && item.Href != "" {
			hrefs = append(hrefs, joinOPFPath(opfDir, item.Href))
		}
	}
	return hrefs
}
