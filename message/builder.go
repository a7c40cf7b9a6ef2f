package message

import (
	"fmt"

	"github.com/wirebus/busmux/sig"
	"github.com/wirebus/busmux/wire"
)

// DBusAddress names the object a method call targets, or the source object
// of a signal: a required object path, an optional destination bus name
// (omitted for direct peer connections), and an optional interface.
type DBusAddress struct {
	Path      wire.ObjectPath
	BusName   string
	Interface string
}

func checkSignatureArity(signature string, body []interface{}) error {
	if signature == "" {
		if len(body) != 0 {
			return fmt.Errorf("dbus: empty signature but body has %d values", len(body))
		}
		return nil
	}
	types, err := sig.Parse(signature)
	if err != nil {
		return err
	}
	if len(types) != len(body) {
		return fmt.Errorf("dbus: signature %q describes %d values, body has %d", signature, len(types), len(body))
	}
	return nil
}

// NewMethodCall builds a method_call Message. Serial is left at 0; callers
// (normally a Router) assign it at send time.
func NewMethodCall(addr DBusAddress, member, signature string, body []interface{}, flags Flags) (*Message, error) {
	if addr.Path == "" || member == "" {
		return nil, fmt.Errorf("%w: method_call needs path and member", ErrMissingField)
	}
	if err := checkSignatureArity(signature, body); err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			Type:        TypeMethodCall,
			Flags:       flags,
			Path:        addr.Path,
			Interface:   addr.Interface,
			Member:      member,
			Destination: addr.BusName,
			Signature:   signature,
		},
		Body: body,
	}, nil
}

// NewMethodReturn builds a method_return Message replying to parent.
func NewMethodReturn(parent *Message, signature string, body []interface{}) (*Message, error) {
	if parent.Header.Serial == 0 {
		return nil, fmt.Errorf("%w: parent call has no serial to reply to", ErrMissingField)
	}
	if err := checkSignatureArity(signature, body); err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			Type:        TypeMethodReturn,
			ReplySerial: parent.Header.Serial,
			Destination: parent.Header.Sender,
			Signature:   signature,
		},
		Body: body,
	}, nil
}

// NewError builds an error Message replying to parent.
func NewError(parent *Message, errorName, signature string, body []interface{}) (*Message, error) {
	if parent.Header.Serial == 0 {
		return nil, fmt.Errorf("%w: parent call has no serial to reply to", ErrMissingField)
	}
	if errorName == "" {
		return nil, fmt.Errorf("%w: error needs error_name", ErrMissingField)
	}
	if err := checkSignatureArity(signature, body); err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			Type:        TypeError,
			ReplySerial: parent.Header.Serial,
			ErrorName:   errorName,
			Destination: parent.Header.Sender,
			Signature:   signature,
		},
		Body: body,
	}, nil
}

// NewSignal builds a signal Message.
func NewSignal(path wire.ObjectPath, iface, member, signature string, body []interface{}) (*Message, error) {
	if path == "" || iface == "" || member == "" {
		return nil, fmt.Errorf("%w: signal needs path, interface and member", ErrMissingField)
	}
	if err := checkSignatureArity(signature, body); err != nil {
		return nil, err
	}
	return &Message{
		Header: Header{
			Type:      TypeSignal,
			Path:      path,
			Interface: iface,
			Member:    member,
			Signature: signature,
		},
		Body: body,
	}, nil
}
