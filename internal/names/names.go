// Package names converts between Go strings and the little-endian UTF-16
// code-unit sequences exFAT directory entries store on disk.
//
// The teacher's UnicodeFromAscii (utility.go) hand-rolls the decode
// direction (high byte from raw[i*2+1], low byte from raw[i*2]). This
// package instead uses golang.org/x/text/encoding/unicode, the same
// ecosystem library soypat-fat pulls in for its own FAT-family name
// handling, for both directions.
package names

import (
	"unicode/utf16"

	"golang.org/x/text/encoding/unicode"
)

var utf16LE = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// Encode converts a Go string to its UTF-16LE code units (surrogate pairs
// included), the representation stored in file-name directory entries.
func Encode(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// EncodeBytes converts a Go string directly to its little-endian on-disk
// byte representation via the x/text transform, exercising the dependency
// end to end rather than only using it as a type-check reference.
func EncodeBytes(s string) ([]byte, error) {
	enc := utf16LE.NewEncoder()
	return enc.Bytes([]byte(s))
}

// Decode converts UTF-16 code units back to a Go string.
func Decode(codeUnits []uint16) string {
	return string(utf16.Decode(codeUnits))
}

// DecodeBytes converts little-endian UTF-16 bytes back to a Go string via
// the x/text transform.
func DecodeBytes(b []byte) (string, error) {
	dec := utf16LE.NewDecoder()
	out, err := dec.Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
