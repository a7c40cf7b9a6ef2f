// Package address parses the canonical D-Bus bus-address string into a list
// of candidate transports. It does not open sockets: concrete transport
// dialing is left to the host I/O layer.
package address

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultSystemBusPath is used when DBUS_SYSTEM_BUS_ADDRESS is unset.
const DefaultSystemBusPath = "/var/run/dbus/system_bus_socket"

// Transport is one semicolon-separated spec from a bus address string:
// "TRANSPORT:key=value,key=value".
type Transport struct {
	Kind   string
	Params map[string]string
}

// List is an ordered sequence of candidate transports; a dialer should try
// them in order until one opens. Unknown transport kinds are kept, not
// rejected: skipping them is the dialer's decision, not this package's.
type List []Transport

// Parse parses a full bus-address string.
func Parse(s string) (List, error) {
	var out List
	for _, spec := range strings.Split(s, ";") {
		if spec == "" {
			continue
		}
		i := strings.IndexByte(spec, ':')
		if i < 0 {
			return nil, fmt.Errorf("dbus: malformed address spec %q: missing ':'", spec)
		}
		kind := spec[:i]
		t := Transport{Kind: kind, Params: map[string]string{}}
		rest := spec[i+1:]
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				j := strings.IndexByte(kv, '=')
				if j < 0 {
					return nil, fmt.Errorf("dbus: malformed address spec %q: bad key=value pair %q", spec, kv)
				}
				key := kv[:j]
				val, err := percentDecode(kv[j+1:])
				if err != nil {
					return nil, fmt.Errorf("dbus: malformed address spec %q: %w", spec, err)
				}
				t.Params[key] = val
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func percentDecode(s string) (string, error) {
	if !strings.ContainsRune(s, '%') {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("truncated %%XX escape in %q", s)
		}
		n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("invalid %%XX escape in %q: %w", s, err)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

// SessionBusAddress reads DBUS_SESSION_BUS_ADDRESS. The bool result is false
// if the variable is unset; there is no portable default for the session
// bus.
func SessionBusAddress() (string, bool) {
	return os.LookupEnv("DBUS_SESSION_BUS_ADDRESS")
}

// SystemBusAddress reads DBUS_SYSTEM_BUS_ADDRESS, falling back to the
// well-known system socket path when unset.
func SystemBusAddress() string {
	if v := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); v != "" {
		return v
	}
	return "unix:path=" + DefaultSystemBusPath
}
