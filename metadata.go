package epubreader

import (
	"strings"

	"github.com/google/uuid"
)

// Metadata holds the display fields of a loaded book. Fields missing from
// the package document are empty strings, never errors: the UI layer renders
// whatever is present.
type Metadata struct {
	// Title is the primary dc:title.
	Title string

	// Authors lists the dc:creator display names in document order.
	Authors []string

	// Description is the first non-empty dc:description.
	Description string

	// Publisher is the first non-empty dc:publisher.
	Publisher string

	// Date is the raw publication date string (dc:date).
	Date string

	// Language is the first dc:language tag (BCP 47).
	Language string

	// Identifier is the package's declared unique identifier, or a minted
	// UUID when the OPF declares none.
	Identifier string
}

// extractMetadata flattens the raw OPF metadata into display fields.
func extractMetadata(pkg *opfPackage) Metadata {
	om := &pkg.Metadata
	md := Metadata{
		Title:       firstValue(om.Titles),
		Description: firstValue(om.Descriptions),
		Publisher:   firstValue(om.Publishers),
		Date:        firstValue(om.Dates),
		Language:    firstValue(om.Languages),
	}

	for _, c := range om.Creators {
		if name := strings.TrimSpace(c.Value); name != "" {
			md.Authors = append(md.Authors, name)
		}
	}

	md.Identifier = packageIdentifier(pkg)
	return md
}

// packageIdentifier picks the dc:identifier named by the package's
// unique-identifier attribute, then any non-empty identifier, then mints a
// UUID so the field is never empty.
func packageIdentifier(pkg *opfPackage) string {
	if pkg.UniqueIdentifier != "" {
		for _, id := range pkg.Metadata.Identifiers {
			if id.ID == pkg.UniqueIdentifier {
				if v := strings.TrimSpace(id.Value); v != "" {
					return v
				}
			}
		}
	}
	if v := firstValue(pkg.Metadata.Identifiers); v != "" {
		return v
	}
	return uuid.NewString()
}

// firstValue returns the first non-empty, trimmed element value.
func firstValue(elems []opfDCElement) string {
	for _, e := range elems {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}
