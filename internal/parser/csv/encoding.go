package csv

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names as understood by htmlindex.
const (
	EncodingUTF8        = "utf-8"
	EncodingUTF16LE     = "utf-16le"
	EncodingUTF16BE     = "utf-16be"
	EncodingWindows1252 = "windows-1252"
)

var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// DetectEncoding inspects the leading bytes of a file.
//
// A BOM decides first. Otherwise valid UTF-8 is utf-8 and anything else is
// treated as windows-1252, the usual export charset of spreadsheet tools.
// A multi-byte rune cut at the end of head does not count as invalid.
func DetectEncoding(head []byte) string {
	switch {
	case bytes.HasPrefix(head, bomUTF8):
		return EncodingUTF8
	case bytes.HasPrefix(head, bomUTF16LE):
		return EncodingUTF16LE
	case bytes.HasPrefix(head, bomUTF16BE):
		return EncodingUTF16BE
	}
	if validUTF8Prefix(head) {
		return EncodingUTF8
	}
	return EncodingWindows1252
}

func validUTF8Prefix(b []byte) bool {
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size <= 1 {
			// Truncated rune at the very end of the sample.
			return len(b) < utf8.UTFMax && !utf8.FullRune(b)
		}
		b = b[size:]
	}
	return true
}

// lookupEncoding maps a name to a decoder that also strips a leading BOM.
func lookupEncoding(name string) (encoding.Encoding, error) {
	switch name {
	case "", EncodingUTF8:
		return unicode.UTF8BOM, nil
	case EncodingUTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM), nil
	case EncodingUTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM), nil
	case EncodingWindows1252:
		return charmap.Windows1252, nil
	}
	e, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unsupported encoding %q: %w", name, err)
	}
	return e, nil
}

// NewDecodingReader returns r decoded from the named charset to UTF-8.
func NewDecodingReader(r io.Reader, name string) (io.Reader, error) {
	e, err := lookupEncoding(name)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(r, e.NewDecoder()), nil
}

// CanonicalEncoding returns the htmlindex name for an encoding label such as
// "latin1" or "UTF8".
func CanonicalEncoding(label string) (string, error) {
	e, err := htmlindex.Get(label)
	if err != nil {
		return "", fmt.Errorf("unsupported encoding %q: %w", label, err)
	}
	return htmlindex.Name(e)
}
