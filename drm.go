package epubreader

import (
	"encoding/xml"
	"fmt"
)

// DRM is checked up front: a protected book cannot yield readable chapters,
// so it is rejected at load rather than producing a book of placeholders.
// Font obfuscation is not DRM and only downgrades to a warning.

const (
	encryptionPath = "META-INF/encryption.xml"
	fairPlayPath   = "META-INF/sinf.xml" // Apple FairPlay marker
)

var fontObfuscationAlgos = map[string]bool{
	"http://www.idpf.org/2008/embedding": true,
	"http://ns.adobe.com/pdf/enc#RC":     true,
}

type encryptionDoc struct {
	XMLName       xml.Name `xml:"encryption"`
	EncryptedData []struct {
		Method struct {
			Algorithm string `xml:"Algorithm,attr"`
		} `xml:"EncryptionMethod"`
	} `xml:"EncryptedData"`
}

// checkDRM inspects the OCF encryption descriptors. It returns
// (fontObfuscation, nil) for readable books and (false, ErrDRMProtected)
// for protected ones. An unparseable encryption.xml is treated as DRM: the
// entries it hides would be unreadable either way.
func checkDRM(a *Archive) (fontObfuscation bool, err error) {
	if a.Entry(fairPlayPath) != nil {
		return false, ErrDRMProtected
	}

	f := a.Entry(encryptionPath)
	if f == nil {
		return false, nil
	}
	data, err := a.readEntry(f)
	if err != nil {
		return false, fmt.Errorf("%w: unreadable encryption descriptor: %v", ErrDRMProtected, err)
	}

	var enc encryptionDoc
	if err := xml.Unmarshal(stripBOM(data), &enc); err != nil {
		return false, ErrDRMProtected
	}

	for _, ed := range enc.EncryptedData {
		if fontObfuscationAlgos[ed.Method.Algorithm] {
			fontObfuscation = true
			continue
		}
		// Any non-obfuscation encryption entry (ADEPT, LCP, or an unknown
		// scheme) means the content is locked.
		return false, ErrDRMProtected
	}
	return fontObfuscation, nil
}
