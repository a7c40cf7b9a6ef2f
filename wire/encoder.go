package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wirebus/busmux/sig"
)

// Encoder accumulates marshalled bytes for one contiguous section of a
// message (the header-fields array, or the body). Its cursor starts at zero
// and only ever grows; callers that need several sections to share one
// alignment anchor (as the header and body both do, relative to the start
// of the message) must arrange for each section to begin at an offset that
// is already a multiple of 8, which Pad(8) calls between sections guarantee.
type Encoder struct {
	order binary.ByteOrder
	buf   []byte
}

// NewEncoder returns an Encoder that emits multi-byte scalars in order.
func NewEncoder(order binary.ByteOrder) *Encoder {
	return &Encoder{order: order}
}

// Bytes returns the accumulated buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes written so far.
func (e *Encoder) Len() int { return len(e.buf) }

// Pad emits zero bytes until Len() is a multiple of align.
func (e *Encoder) Pad(align int) {
	for len(e.buf)%align != 0 {
		e.buf = append(e.buf, 0)
	}
}

// PutByte appends a single byte with no alignment.
func (e *Encoder) PutByte(b byte) { e.buf = append(e.buf, b) }

// PutRaw appends p verbatim with no alignment.
func (e *Encoder) PutRaw(p []byte) { e.buf = append(e.buf, p...) }

// PutUint16 pads to 2 and appends v.
func (e *Encoder) PutUint16(v uint16) {
	e.Pad(2)
	var b [2]byte
	e.order.PutUint16(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PutUint32 pads to 4 and appends v.
func (e *Encoder) PutUint32(v uint32) {
	e.Pad(4)
	var b [4]byte
	e.order.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// PatchUint32 overwrites the 4 bytes at pos with v, for backfilling a
// length field written as a placeholder earlier in the buffer.
func (e *Encoder) PatchUint32(pos int, v uint32) {
	e.order.PutUint32(e.buf[pos:pos+4], v)
}

// PutUint64 pads to 8 and appends v.
func (e *Encoder) PutUint64(v uint64) {
	e.Pad(8)
	var b [8]byte
	e.order.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

// Encode marshals v according to t, padding and appending to the buffer.
func (e *Encoder) Encode(t sig.Type, v interface{}) error {
	switch t.Kind {
	case sig.KindByte:
		b, ok := v.(byte)
		if !ok {
			return fmt.Errorf("%w: want byte, got %T", ErrTypeMismatch, v)
		}
		e.PutByte(b)
	case sig.KindBool:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: want bool, got %T", ErrTypeMismatch, v)
		}
		if b {
			e.PutUint32(1)
		} else {
			e.PutUint32(0)
		}
	case sig.KindInt16:
		n, ok := v.(int16)
		if !ok {
			return fmt.Errorf("%w: want int16, got %T", ErrTypeMismatch, v)
		}
		e.PutUint16(uint16(n))
	case sig.KindUint16:
		n, ok := v.(uint16)
		if !ok {
			return fmt.Errorf("%w: want uint16, got %T", ErrTypeMismatch, v)
		}
		e.PutUint16(n)
	case sig.KindInt32:
		n, ok := v.(int32)
		if !ok {
			return fmt.Errorf("%w: want int32, got %T", ErrTypeMismatch, v)
		}
		e.PutUint32(uint32(n))
	case sig.KindUint32:
		n, ok := v.(uint32)
		if !ok {
			return fmt.Errorf("%w: want uint32, got %T", ErrTypeMismatch, v)
		}
		e.PutUint32(n)
	case sig.KindUnixFD:
		n, ok := v.(uint32)
		if !ok {
			return fmt.Errorf("%w: want uint32 (unix fd index), got %T", ErrTypeMismatch, v)
		}
		e.PutUint32(n)
	case sig.KindInt64:
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("%w: want int64, got %T", ErrTypeMismatch, v)
		}
		e.PutUint64(uint64(n))
	case sig.KindUint64:
		n, ok := v.(uint64)
		if !ok {
			return fmt.Errorf("%w: want uint64, got %T", ErrTypeMismatch, v)
		}
		e.PutUint64(n)
	case sig.KindDouble:
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%w: want float64, got %T", ErrTypeMismatch, v)
		}
		e.PutUint64(math.Float64bits(f))
	case sig.KindString:
		s, ok := asString(v)
		if !ok {
			return fmt.Errorf("%w: want string, got %T", ErrTypeMismatch, v)
		}
		if err := validateUTF8(s); err != nil {
			return err
		}
		e.putCountedString(s, 4)
	case sig.KindObjectPath:
		var s string
		switch vv := v.(type) {
		case ObjectPath:
			s = string(vv)
		case string:
			s = vv
		default:
			return fmt.Errorf("%w: want ObjectPath, got %T", ErrTypeMismatch, v)
		}
		if err := ValidateObjectPath(s); err != nil {
			return err
		}
		e.putCountedString(s, 4)
	case sig.KindSignature:
		var s string
		switch vv := v.(type) {
		case Signature:
			s = string(vv)
		case string:
			s = vv
		default:
			return fmt.Errorf("%w: want Signature, got %T", ErrTypeMismatch, v)
		}
		if len(s) > sig.MaxSignatureLen {
			return ErrSignatureTooBig
		}
		e.Pad(1)
		e.PutByte(byte(len(s)))
		e.PutRaw([]byte(s))
		e.PutByte(0)
	case sig.KindArray:
		return e.encodeArray(t, v)
	case sig.KindStruct:
		fields, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("%w: want []interface{} struct fields, got %T", ErrTypeMismatch, v)
		}
		if len(fields) != len(t.Fields) {
			return ErrStructArity
		}
		e.Pad(8)
		for i, ft := range t.Fields {
			if err := e.Encode(ft, fields[i]); err != nil {
				return err
			}
		}
	case sig.KindDictEntry:
		de, ok := v.(DictEntry)
		if !ok {
			return fmt.Errorf("%w: want DictEntry, got %T", ErrTypeMismatch, v)
		}
		e.Pad(8)
		if err := e.Encode(t.Fields[0], de.Key); err != nil {
			return err
		}
		if err := e.Encode(t.Fields[1], de.Value); err != nil {
			return err
		}
	case sig.KindVariant:
		vr, ok := v.(Variant)
		if !ok {
			return fmt.Errorf("%w: want Variant, got %T", ErrTypeMismatch, v)
		}
		inner := vr.Sig.String()
		if len(inner) == 0 {
			return ErrVariantArity
		}
		e.Pad(1)
		e.PutByte(byte(len(inner)))
		e.PutRaw([]byte(inner))
		e.PutByte(0)
		if err := e.Encode(vr.Sig, vr.Value); err != nil {
			return err
		}
	default:
		return fmt.Errorf("dbus: unsupported type code %q", byte(t.Kind))
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	}
	return "", false
}

func (e *Encoder) putCountedString(s string, lenAlign int) {
	e.Pad(lenAlign)
	e.PutUint32(uint32(len(s)))
	e.PutRaw([]byte(s))
	e.PutByte(0)
}

func (e *Encoder) encodeArray(t sig.Type, v interface{}) error {
	e.Pad(4)
	lenPos := len(e.buf)
	e.buf = append(e.buf, 0, 0, 0, 0) // placeholder, backfilled below
	// Alignment padding before the first element is mandatory even when the
	// array is empty.
	e.Pad(AlignOf(t.Elem.Kind))
	start := len(e.buf)

	if t.Elem.Kind == sig.KindDictEntry {
		entries, ok := v.([]DictEntry)
		if !ok {
			return fmt.Errorf("%w: want []DictEntry, got %T", ErrTypeMismatch, v)
		}
		for _, ent := range entries {
			e.Pad(8)
			if err := e.Encode(t.Elem.Fields[0], ent.Key); err != nil {
				return err
			}
			if err := e.Encode(t.Elem.Fields[1], ent.Value); err != nil {
				return err
			}
		}
	} else {
		elems, ok := v.([]interface{})
		if !ok {
			return fmt.Errorf("%w: want []interface{}, got %T", ErrTypeMismatch, v)
		}
		for _, el := range elems {
			if err := e.Encode(*t.Elem, el); err != nil {
				return err
			}
		}
	}

	n := len(e.buf) - start
	if n > MaxArrayBytes {
		return ErrArrayTooLarge
	}
	e.order.PutUint32(e.buf[lenPos:lenPos+4], uint32(n))
	return nil
}
