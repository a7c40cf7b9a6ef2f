package wire

import "github.com/wirebus/busmux/sig"

// AlignOf returns the required alignment, in bytes, for a value of the given
// kind, per the D-Bus wire specification. Fixed-width scalars align to their
// own width; strings/arrays/signatures align to their length-prefix width;
// structs, dict-entries, and the message header itself align to 8; variants
// align to 1 (their framing signature is a single length-prefixed byte).
func AlignOf(k sig.Kind) int {
	switch k {
	case sig.KindByte, sig.KindSignature, sig.KindVariant:
		return 1
	case sig.KindInt16, sig.KindUint16:
		return 2
	case sig.KindBool, sig.KindInt32, sig.KindUint32, sig.KindUnixFD,
		sig.KindString, sig.KindObjectPath, sig.KindArray:
		return 4
	case sig.KindInt64, sig.KindUint64, sig.KindDouble,
		sig.KindStruct, sig.KindDictEntry:
		return 8
	}
	return 1
}

// MaxArrayBytes is the largest permitted byte length of a marshalled array.
const MaxArrayBytes = 1 << 26
