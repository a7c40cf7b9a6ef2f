package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wirebus/busmux/sig"
)

// Decoder unmarshals values out of a byte buffer per a supplied signature,
// mirroring Encoder's layout exactly.
type Decoder struct {
	order binary.ByteOrder
	buf   []byte
	pos   int
}

// NewDecoder returns a Decoder reading buf in the given byte order.
func NewDecoder(buf []byte, order binary.ByteOrder) *Decoder {
	return &Decoder{order: order, buf: buf}
}

// Pos returns the current read offset.
func (d *Decoder) Pos() int { return d.pos }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }

func (d *Decoder) need(n int) error {
	if d.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

// Pad advances past alignment padding, erroring if the buffer runs out.
func (d *Decoder) Pad(align int) error {
	for d.pos%align != 0 {
		if err := d.need(1); err != nil {
			return err
		}
		d.pos++
	}
	return nil
}

func (d *Decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *Decoder) uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := d.order.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := d.order.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := d.order.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

// Uint32 exposes the 4-aligned uint32 read needed for the fixed message
// prefix (body length, serial), which message framing reads before any
// signature is known.
func (d *Decoder) Uint32() (uint32, error) { return d.uint32() }

// Byte exposes a raw single-byte read for the fixed message prefix.
func (d *Decoder) Byte() (byte, error) { return d.byte() }

func (d *Decoder) countedString(lenAlign int) (string, error) {
	if err := d.Pad(lenAlign); err != nil {
		return "", err
	}
	n, err := d.uint32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n) + 1); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n) + 1 // +1 for the trailing NUL
	return s, nil
}

// Decode unmarshals one value of type t, mirroring Encoder.Encode.
func (d *Decoder) Decode(t sig.Type) (interface{}, error) {
	switch t.Kind {
	case sig.KindByte:
		return d.byte()
	case sig.KindBool:
		u, err := d.uint32()
		if err != nil {
			return nil, err
		}
		switch u {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return nil, ErrInvalidBool
		}
	case sig.KindInt16:
		u, err := d.uint16()
		return int16(u), err
	case sig.KindUint16:
		return d.uint16()
	case sig.KindInt32:
		u, err := d.uint32()
		return int32(u), err
	case sig.KindUint32:
		return d.uint32()
	case sig.KindUnixFD:
		return d.uint32()
	case sig.KindInt64:
		u, err := d.uint64()
		return int64(u), err
	case sig.KindUint64:
		return d.uint64()
	case sig.KindDouble:
		u, err := d.uint64()
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(u), nil
	case sig.KindString:
		s, err := d.countedString(4)
		if err != nil {
			return nil, err
		}
		if err := validateUTF8(s); err != nil {
			return nil, err
		}
		return s, nil
	case sig.KindObjectPath:
		s, err := d.countedString(4)
		if err != nil {
			return nil, err
		}
		if err := ValidateObjectPath(s); err != nil {
			return nil, err
		}
		return ObjectPath(s), nil
	case sig.KindSignature:
		if err := d.Pad(1); err != nil {
			return nil, err
		}
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		if err := d.need(int(n) + 1); err != nil {
			return nil, err
		}
		s := string(d.buf[d.pos : d.pos+int(n)])
		d.pos += int(n) + 1
		if _, err := sig.Parse(s); err != nil {
			return nil, err
		}
		return Signature(s), nil
	case sig.KindArray:
		return d.decodeArray(t)
	case sig.KindStruct:
		if err := d.Pad(8); err != nil {
			return nil, err
		}
		fields := make([]interface{}, len(t.Fields))
		for i, ft := range t.Fields {
			v, err := d.Decode(ft)
			if err != nil {
				return nil, err
			}
			fields[i] = v
		}
		return fields, nil
	case sig.KindDictEntry:
		if err := d.Pad(8); err != nil {
			return nil, err
		}
		k, err := d.Decode(t.Fields[0])
		if err != nil {
			return nil, err
		}
		v, err := d.Decode(t.Fields[1])
		if err != nil {
			return nil, err
		}
		return DictEntry{Key: k, Value: v}, nil
	case sig.KindVariant:
		if err := d.Pad(1); err != nil {
			return nil, err
		}
		n, err := d.byte()
		if err != nil {
			return nil, err
		}
		if err := d.need(int(n) + 1); err != nil {
			return nil, err
		}
		innerSig := string(d.buf[d.pos : d.pos+int(n)])
		d.pos += int(n) + 1
		inner, err := sig.ParseOne(innerSig)
		if err != nil {
			return nil, err
		}
		val, err := d.Decode(inner)
		if err != nil {
			return nil, err
		}
		return Variant{Sig: inner, Value: val}, nil
	default:
		return nil, fmt.Errorf("dbus: unsupported type code %q", byte(t.Kind))
	}
}

func (d *Decoder) decodeArray(t sig.Type) (interface{}, error) {
	if err := d.Pad(4); err != nil {
		return nil, err
	}
	n, err := d.uint32()
	if err != nil {
		return nil, err
	}
	if n > MaxArrayBytes {
		return nil, ErrArrayTooLarge
	}
	if err := d.Pad(AlignOf(t.Elem.Kind)); err != nil {
		return nil, err
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	end := d.pos + int(n)

	if t.Elem.Kind == sig.KindDictEntry {
		var entries []DictEntry
		for d.pos < end {
			v, err := d.Decode(*t.Elem)
			if err != nil {
				return nil, err
			}
			entries = append(entries, v.(DictEntry))
		}
		if d.pos != end {
			return nil, fmt.Errorf("dbus: array declared length %d did not match consumed bytes", n)
		}
		return entries, nil
	}

	var elems []interface{}
	for d.pos < end {
		v, err := d.Decode(*t.Elem)
		if err != nil {
			return nil, err
		}
		elems = append(elems, v)
	}
	if d.pos != end {
		return nil, fmt.Errorf("dbus: array declared length %d did not match consumed bytes", n)
	}
	return elems, nil
}
