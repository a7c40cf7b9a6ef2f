// Package message builds and parses full D-Bus frames: the fixed header,
// the header-fields array, and the aligned body, on top of the wire type
// codec.
package message

import (
	"errors"
	"fmt"

	"github.com/wirebus/busmux/sig"
	"github.com/wirebus/busmux/wire"
)

// Type identifies which of the four D-Bus message kinds a Message is.
type Type byte

// The four D-Bus message types.
const (
	TypeMethodCall   Type = 1
	TypeMethodReturn Type = 2
	TypeError        Type = 3
	TypeSignal       Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// Flags is the D-Bus message flags bitmask.
type Flags byte

// Flag bits.
const (
	FlagNoReplyExpected               Flags = 0x1
	FlagNoAutoStart                   Flags = 0x2
	FlagAllowInteractiveAuthorization Flags = 0x4
)

// NoReplyExpected reports whether the sender does not want a reply.
func (f Flags) NoReplyExpected() bool { return f&FlagNoReplyExpected != 0 }

// Header-field tags, per the D-Bus specification.
const (
	FieldPath        = 1
	FieldInterface   = 2
	FieldMember      = 3
	FieldErrorName   = 4
	FieldReplySerial = 5
	FieldDestination = 6
	FieldSender      = 7
	FieldSignature   = 8
	FieldUnixFDs     = 9
)

// ProtocolVersion is the only D-Bus protocol version this package speaks.
const ProtocolVersion = 1

// Header holds the fixed fields and the recognised header-fields-array
// entries of a message. Absent optional fields are the empty string (or 0
// for ReplySerial/UnixFDs, which are never legitimately zero when present).
type Header struct {
	Type        Type
	Flags       Flags
	Serial      uint32
	Path        wire.ObjectPath
	Interface   string
	Member      string
	ErrorName   string
	ReplySerial uint32
	Destination string
	Sender      string
	Signature   string
	UnixFDs     uint32
}

// Errors describing malformed headers.
var (
	ErrInvalidVersion = errors.New("dbus: unsupported protocol version")
	ErrInvalidType    = errors.New("dbus: invalid message type")
	ErrMissingField   = errors.New("dbus: message is missing a required header field")
	ErrZeroSerial     = errors.New("dbus: outgoing message must have a non-zero serial")
)

// Validate checks that Header carries the fields its Type requires, per
// spec.md §3: method_call requires Path+Member; signal requires
// Path+Interface+Member; method_return and error require ReplySerial; error
// additionally requires ErrorName.
func (h *Header) Validate() error {
	switch h.Type {
	case TypeMethodCall:
		if h.Path == "" || h.Member == "" {
			return fmt.Errorf("%w: method_call needs path and member", ErrMissingField)
		}
	case TypeSignal:
		if h.Path == "" || h.Interface == "" || h.Member == "" {
			return fmt.Errorf("%w: signal needs path, interface and member", ErrMissingField)
		}
	case TypeMethodReturn:
		if h.ReplySerial == 0 {
			return fmt.Errorf("%w: method_return needs reply_serial", ErrMissingField)
		}
	case TypeError:
		if h.ReplySerial == 0 {
			return fmt.Errorf("%w: error needs reply_serial", ErrMissingField)
		}
		if h.ErrorName == "" {
			return fmt.Errorf("%w: error needs error_name", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %d", ErrInvalidType, h.Type)
	}
	return nil
}

// headerFieldsType is the signature of the header-fields array: a(yv).
var headerFieldsType = sig.Type{
	Kind: sig.KindArray,
	Elem: &sig.Type{
		Kind:   sig.KindStruct,
		Fields: []sig.Type{{Kind: sig.KindByte}, {Kind: sig.KindVariant}},
	},
}

func stringVariant(s string, pathKind bool) wire.Variant {
	if pathKind {
		return wire.Variant{Sig: sig.Type{Kind: sig.KindObjectPath}, Value: wire.ObjectPath(s)}
	}
	return wire.Variant{Sig: sig.Type{Kind: sig.KindString}, Value: s}
}

func (h *Header) fieldEntries() []interface{} {
	var entries []interface{}
	add := func(tag byte, v wire.Variant) {
		entries = append(entries, []interface{}{tag, v})
	}
	if h.Path != "" {
		add(FieldPath, stringVariant(string(h.Path), true))
	}
	if h.Interface != "" {
		add(FieldInterface, stringVariant(h.Interface, false))
	}
	if h.Member != "" {
		add(FieldMember, stringVariant(h.Member, false))
	}
	if h.ErrorName != "" {
		add(FieldErrorName, stringVariant(h.ErrorName, false))
	}
	if h.ReplySerial != 0 {
		add(FieldReplySerial, wire.Variant{Sig: sig.Type{Kind: sig.KindUint32}, Value: h.ReplySerial})
	}
	if h.Destination != "" {
		add(FieldDestination, stringVariant(h.Destination, false))
	}
	if h.Sender != "" {
		add(FieldSender, stringVariant(h.Sender, false))
	}
	if h.Signature != "" {
		add(FieldSignature, wire.Variant{Sig: sig.Type{Kind: sig.KindSignature}, Value: wire.Signature(h.Signature)})
	}
	if h.UnixFDs != 0 {
		add(FieldUnixFDs, wire.Variant{Sig: sig.Type{Kind: sig.KindUint32}, Value: h.UnixFDs})
	}
	return entries
}

func (h *Header) applyField(tag byte, v wire.Variant) {
	switch tag {
	case FieldPath:
		if p, ok := v.Value.(wire.ObjectPath); ok {
			h.Path = p
		}
	case FieldInterface:
		if s, ok := v.Value.(string); ok {
			h.Interface = s
		}
	case FieldMember:
		if s, ok := v.Value.(string); ok {
			h.Member = s
		}
	case FieldErrorName:
		if s, ok := v.Value.(string); ok {
			h.ErrorName = s
		}
	case FieldReplySerial:
		if u, ok := v.Value.(uint32); ok {
			h.ReplySerial = u
		}
	case FieldDestination:
		if s, ok := v.Value.(string); ok {
			h.Destination = s
		}
	case FieldSender:
		if s, ok := v.Value.(string); ok {
			h.Sender = s
		}
	case FieldSignature:
		if s, ok := v.Value.(wire.Signature); ok {
			h.Signature = string(s)
		}
	case FieldUnixFDs:
		if u, ok := v.Value.(uint32); ok {
			h.UnixFDs = u
		}
		// Unrecognised tags are ignored, per the header-fields-array being
		// open-ended; core does not need to round-trip unknown fields.
	}
}
