// Package wire implements the D-Bus type codec: marshalling and
// unmarshalling of values according to a parsed signature, with exact
// byte-level conformance including alignment padding, variant framing, and
// endianness switching. The codec performs no I/O; it only walks a
// caller-supplied byte buffer.
package wire

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/wirebus/busmux/sig"
)

// ObjectPath is a D-Bus object path value ('o').
type ObjectPath string

// Signature is a D-Bus signature value ('g'), a raw signature string
// carried as data, as distinct from the signature that governs a message's
// own framing.
type Signature string

// Variant is a value tagged with its own runtime signature ('v').
type Variant struct {
	Sig   sig.Type
	Value interface{}
}

// DictEntry is one key/value pair of a dict ('a{kv}'). Dicts are represented
// on the Go side as []DictEntry rather than a map so that insertion order,
// which the wire format preserves on read even though it carries no
// semantic weight, round-trips exactly.
type DictEntry struct {
	Key   interface{}
	Value interface{}
}

// Errors returned by the codec. These are never recovered from; a
// marshalling error is fatal to the message being built, and an
// unmarshalling error is fatal to the stream parser that hit it.
var (
	ErrTypeMismatch    = errors.New("dbus: value does not match declared type")
	ErrInvalidBool     = errors.New("dbus: boolean value must be 0 or 1")
	ErrInvalidUTF8     = errors.New("dbus: string is not valid UTF-8")
	ErrInvalidPath     = errors.New("dbus: malformed object path")
	ErrArrayTooLarge   = errors.New("dbus: array exceeds 64 MiB wire size")
	ErrStructArity     = errors.New("dbus: struct value has wrong number of fields")
	ErrShortBuffer     = errors.New("dbus: buffer too short")
	ErrVariantArity    = errors.New("dbus: variant inner signature must be exactly one complete type")
	ErrSignatureTooBig = errors.New("dbus: signature value exceeds 255 bytes")
)

// ValidateObjectPath checks the strict object-path grammar: the root path
// "/" is valid on its own; any other path must be "/seg(/seg)*" where each
// segment matches [A-Za-z0-9_]+. A missing leading slash, a trailing slash
// (other than the lone root) and a doubled slash are rejected.
func ValidateObjectPath(s string) error {
	if s == "/" {
		return nil
	}
	if !strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, s)
		}
		for _, r := range seg {
			if !isPathSegByte(r) {
				return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidPath, r, s)
			}
		}
	}
	return nil
}

func isPathSegByte(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		return true
	}
	return false
}

func validateUTF8(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	return nil
}
