// Package genmsg builds ready-to-send Messages for an object's methods
// without hand-assembling a DBusAddress and signature string at each call
// site, plus prebuilt generators for the standard interfaces every D-Bus
// object answers: org.freedesktop.DBus.{Peer,Introspectable,Properties} and
// the bus driver interface, org.freedesktop.DBus itself.
package genmsg

import (
	"github.com/wirebus/busmux/message"
	"github.com/wirebus/busmux/wire"
)

// Generator is bound to one object path and interface; its Method factory
// and the named convenience methods below build method_call Messages
// targeting that (path, interface) pair.
type Generator struct {
	Path        wire.ObjectPath
	Interface   string
	Destination string
}

// New returns a Generator with no fixed destination; callers on the
// message bus normally chain WithDestination to target a well-known or
// unique name, while a peer-to-peer connection can leave it empty.
func New(path wire.ObjectPath, iface string) *Generator {
	return &Generator{Path: path, Interface: iface}
}

// WithDestination returns a copy of g bound to the given bus name.
func (g *Generator) WithDestination(dest string) *Generator {
	clone := *g
	clone.Destination = dest
	return &clone
}

// Method returns a factory for method_call Messages named name, whose body
// signature is inSig. The returned func validates arity against inSig via
// message.NewMethodCall.
func (g *Generator) Method(name, inSig string) func(args ...interface{}) (*message.Message, error) {
	return func(args ...interface{}) (*message.Message, error) {
		return message.NewMethodCall(message.DBusAddress{
			Path:      g.Path,
			BusName:   g.Destination,
			Interface: g.Interface,
		}, name, inSig, args, 0)
	}
}

// The standard interface names every D-Bus object implements.
const (
	IfacePeer           = "org.freedesktop.DBus.Peer"
	IfaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	IfaceProperties     = "org.freedesktop.DBus.Properties"
	IfaceBus            = "org.freedesktop.DBus"
)

// Properties returns a Generator for the standard property-access interface
// on the object at path.
func Properties(path wire.ObjectPath) *Generator { return New(path, IfaceProperties) }

// Get builds a Properties.Get(interface_name, property_name) call.
func (g *Generator) Get(iface, property string) (*message.Message, error) {
	return g.Method("Get", "ss")(iface, property)
}

// GetAll builds a Properties.GetAll(interface_name) call.
func (g *Generator) GetAll(iface string) (*message.Message, error) {
	return g.Method("GetAll", "s")(iface)
}

// Set builds a Properties.Set(interface_name, property_name, value) call.
// value must be a wire.Variant; the property's declared signature is
// carried inside it.
func (g *Generator) Set(iface, property string, value wire.Variant) (*message.Message, error) {
	return g.Method("Set", "ssv")(iface, property, value)
}

// Introspectable returns a Generator for the standard introspection
// interface on the object at path.
func Introspectable(path wire.ObjectPath) *Generator { return New(path, IfaceIntrospectable) }

// Introspect builds an Introspectable.Introspect() call.
func (g *Generator) Introspect() (*message.Message, error) {
	return g.Method("Introspect", "")()
}

// Peer returns a Generator for the standard liveness interface on the
// object at path.
func Peer(path wire.ObjectPath) *Generator { return New(path, IfacePeer) }

// Ping builds a Peer.Ping() call.
func (g *Generator) Ping() (*message.Message, error) {
	return g.Method("Ping", "")()
}

// GetMachineID builds a Peer.GetMachineId() call.
func (g *Generator) GetMachineID() (*message.Message, error) {
	return g.Method("GetMachineId", "")()
}

const busPath wire.ObjectPath = "/org/freedesktop/DBus"

// Bus is the Generator bound to the bus driver object; its destination is
// always the well-known name "org.freedesktop.DBus".
var Bus = New(busPath, IfaceBus).WithDestination(IfaceBus)

// Hello builds the Hello() call every client issues once, immediately
// after the SASL handshake completes, to learn its unique bus name.
func Hello() (*message.Message, error) { return Bus.Method("Hello", "")() }

// AddMatch builds an AddMatch(rule) call registering a server-side match
// rule so the bus forwards matching signals/calls to this connection.
func AddMatch(rule string) (*message.Message, error) { return Bus.Method("AddMatch", "s")(rule) }

// RemoveMatch builds a RemoveMatch(rule) call undoing a prior AddMatch.
func RemoveMatch(rule string) (*message.Message, error) {
	return Bus.Method("RemoveMatch", "s")(rule)
}

// RequestName builds a RequestName(name, flags) call.
func RequestName(name string, flags uint32) (*message.Message, error) {
	return Bus.Method("RequestName", "su")(name, flags)
}

// ReleaseName builds a ReleaseName(name) call.
func ReleaseName(name string) (*message.Message, error) {
	return Bus.Method("ReleaseName", "s")(name)
}

// ListNames builds a ListNames() call.
func ListNames() (*message.Message, error) { return Bus.Method("ListNames", "")() }

// GetNameOwner builds a GetNameOwner(name) call.
func GetNameOwner(name string) (*message.Message, error) {
	return Bus.Method("GetNameOwner", "s")(name)
}
