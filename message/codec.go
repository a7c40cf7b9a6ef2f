package message

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/wirebus/busmux/sig"
	"github.com/wirebus/busmux/wire"
)

// MaxBodyLength is the largest permitted message body, per spec.md §4.C.
const MaxBodyLength = 1 << 27

// Errors fatal to the connection a frame arrived on.
var (
	ErrFrameTooLarge      = errors.New("dbus: message body exceeds 128 MiB cap")
	ErrBodyLengthMismatch = errors.New("dbus: declared body length did not match consumed bytes")
	ErrShortHeader        = errors.New("dbus: incomplete fixed header")
)

func endianByte(order binary.ByteOrder) byte {
	if order == binary.BigEndian {
		return 'B'
	}
	return 'l'
}

// Encode marshals m into a contiguous D-Bus frame. m.Header.Serial must be
// non-zero; Header.Signature must match the element types actually present
// in m.Body. The builders check only that the number of values matches the
// signature; a value of the wrong type is reported by Encode itself.
func Encode(m *Message, order binary.ByteOrder) ([]byte, error) {
	if m.Header.Serial == 0 {
		return nil, ErrZeroSerial
	}
	if err := m.Header.Validate(); err != nil {
		return nil, err
	}
	bodyTypes, err := sig.Parse(m.Header.Signature)
	if err != nil {
		return nil, err
	}
	if len(bodyTypes) != len(m.Body) {
		return nil, fmt.Errorf("dbus: signature %q describes %d values, body has %d", m.Header.Signature, len(bodyTypes), len(m.Body))
	}

	body := wire.NewEncoder(order)
	for i, ty := range bodyTypes {
		if err := body.Encode(ty, m.Body[i]); err != nil {
			return nil, err
		}
	}
	if body.Len() > MaxBodyLength {
		return nil, ErrFrameTooLarge
	}

	head := wire.NewEncoder(order)
	head.PutByte(endianByte(order))
	head.PutByte(byte(m.Header.Type))
	head.PutByte(byte(m.Header.Flags))
	head.PutByte(ProtocolVersion)
	bodyLenPos := head.Len()
	head.PutUint32(0) // backfilled below
	head.PutUint32(m.Header.Serial)
	if err := head.Encode(headerFieldsType, m.Header.fieldEntries()); err != nil {
		return nil, err
	}
	head.Pad(8)
	head.PatchUint32(bodyLenPos, uint32(body.Len()))

	return append(head.Bytes(), body.Bytes()...), nil
}

// StreamParser incrementally assembles whole Messages out of a byte stream
// fed to it as it arrives. Any error it returns is fatal: the caller must
// discard the parser (and, typically, close the connection). The parser
// never partially consumes the bytes belonging to a frame that failed to
// decode.
type StreamParser struct {
	buf []byte
}

// NewStreamParser returns an empty StreamParser.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// Pending returns the number of bytes buffered but not yet part of a
// complete, consumed frame.
func (p *StreamParser) Pending() int { return len(p.buf) }

// Feed appends b to the internal buffer and decodes as many whole frames as
// are now available.
func (p *StreamParser) Feed(b []byte) ([]*Message, error) {
	p.buf = append(p.buf, b...)
	var out []*Message
	for {
		if len(p.buf) < 16 {
			return out, nil
		}
		var order binary.ByteOrder
		switch p.buf[0] {
		case 'l':
			order = binary.LittleEndian
		case 'B':
			order = binary.BigEndian
		default:
			return out, fmt.Errorf("dbus: invalid endianness byte %q", p.buf[0])
		}
		bodyLen := order.Uint32(p.buf[4:8])
		if bodyLen > MaxBodyLength {
			return out, ErrFrameTooLarge
		}
		arrayLen := order.Uint32(p.buf[12:16])
		headerTotal := 16 + int(arrayLen)
		total := padTo8(headerTotal) + int(bodyLen)
		if len(p.buf) < total {
			return out, nil
		}
		frame := p.buf[:total]
		msg, err := decodeFrame(frame, order)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
		p.buf = p.buf[total:]
	}
}

func padTo8(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

func decodeFrame(frame []byte, order binary.ByteOrder) (*Message, error) {
	dec := wire.NewDecoder(frame, order)
	if _, err := dec.Byte(); err != nil { // endianness, already resolved
		return nil, err
	}
	typeByte, err := dec.Byte()
	if err != nil {
		return nil, err
	}
	flagsByte, err := dec.Byte()
	if err != nil {
		return nil, err
	}
	version, err := dec.Byte()
	if err != nil {
		return nil, err
	}
	if version != ProtocolVersion {
		return nil, ErrInvalidVersion
	}
	switch Type(typeByte) {
	case TypeMethodCall, TypeMethodReturn, TypeError, TypeSignal:
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, typeByte)
	}
	if _, err := dec.Uint32(); err != nil { // body length, already resolved
		return nil, err
	}
	serial, err := dec.Uint32()
	if err != nil {
		return nil, err
	}

	rawFields, err := dec.Decode(headerFieldsType)
	if err != nil {
		return nil, err
	}
	header := Header{Type: Type(typeByte), Flags: Flags(flagsByte), Serial: serial}
	if entries, ok := rawFields.([]interface{}); ok {
		for _, rf := range entries {
			entry, ok := rf.([]interface{})
			if !ok || len(entry) != 2 {
				continue
			}
			tag, ok := entry[0].(byte)
			if !ok {
				continue
			}
			v, ok := entry[1].(wire.Variant)
			if !ok {
				continue
			}
			header.applyField(tag, v)
		}
	}
	if err := dec.Pad(8); err != nil {
		return nil, err
	}

	var bodyTypes []sig.Type
	if header.Signature != "" {
		bodyTypes, err = sig.Parse(header.Signature)
		if err != nil {
			return nil, err
		}
	}
	var body []interface{}
	if len(bodyTypes) > 0 {
		body = make([]interface{}, len(bodyTypes))
	}
	for i, ty := range bodyTypes {
		body[i], err = dec.Decode(ty)
		if err != nil {
			return nil, err
		}
	}
	if dec.Remaining() != 0 {
		return nil, ErrBodyLengthMismatch
	}
	if err := header.Validate(); err != nil {
		return nil, err
	}
	return &Message{Header: header, Body: body}, nil
}
