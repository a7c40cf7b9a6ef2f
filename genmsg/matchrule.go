package genmsg

import "strings"

// MatchRule assembles the comma-separated key='value' match-rule string a
// client passes to AddMatch to subscribe to signals (or, with Eavesdrop,
// any message) flowing through the bus. Zero-value fields are omitted from
// the rule rather than matched literally empty.
type MatchRule struct {
	Type          string // "signal", "method_call", "method_return", "error"
	Sender        string
	Interface     string
	Member        string
	Path          string
	PathNamespace string
	Destination   string
	Arg0          string
	Eavesdrop     bool
}

// String renders the rule in the syntax the bus expects.
func (r MatchRule) String() string {
	var parts []string
	add := func(key, value string) {
		if value != "" {
			parts = append(parts, key+"='"+value+"'")
		}
	}
	add("type", r.Type)
	add("sender", r.Sender)
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", r.Path)
	add("path_namespace", r.PathNamespace)
	add("destination", r.Destination)
	add("arg0", r.Arg0)
	if r.Eavesdrop {
		parts = append(parts, "eavesdrop='true'")
	}
	return strings.Join(parts, ",")
}
