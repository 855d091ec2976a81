package patchbay

import (
	"bytes"
	"fmt"
	"unicode/utf8"
)

// decodeCString converts a NUL-terminated byte string from the native
// boundary into a Go string. Input that is not valid UTF-8 fails with
// ErrNotValidText; nothing is silently substituted.
func decodeCString(b []byte) (string, error) {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: %q", ErrNotValidText, b)
	}
	return string(b), nil
}

// toCString converts a Go string into the NUL-terminated form the native
// boundary expects.
func toCString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}
