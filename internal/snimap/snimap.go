// Package snimap flattens the nested, inheritable config.Config tree
// into an immutable host -> Decision table.
package snimap

import "fmt"

// Kind discriminates the three SNI policies a Decision can carry.
type Kind int

const (
	// Disable presents no server_name in the ClientHello; connect to
	// the origin hostname directly.
	Disable Kind = iota
	// Override presents Name as server_name and connects to Name's
	// resolved address (domain fronting).
	Override
	// Preserve presents Name (equal to the origin hostname) as
	// server_name and connects to the origin's real address.
	Preserve
)

func (k Kind) String() string {
	switch k {
	case Disable:
		return "disable"
	case Override:
		return "override"
	case Preserve:
		return "preserve"
	default:
		return "unknown"
	}
}

// Decision is the flattened SNI policy for one origin hostname.
type Decision struct {
	Kind Kind
	// Name is the server_name to present and the hostname whose
	// address the proxy dials. Empty when Kind is Disable (the origin
	// hostname itself is the connect target in that case).
	Name string
}

func (d Decision) String() string {
	switch d.Kind {
	case Disable:
		return "Disable"
	case Override:
		return fmt.Sprintf("Override(%s)", d.Name)
	case Preserve:
		return fmt.Sprintf("Preserve(%s)", d.Name)
	default:
		return "?"
	}
}

// Map is the immutable, flattened decision table produced by Flatten.
// It is built once at startup and shared read-only by every worker.
type Map struct {
	decisions map[string]Decision
}

// New builds a Map directly from a pre-flattened decision table,
// bypassing Flatten. Used by tests that want to exercise a consumer
// (e.g. the forwarder) against a fixed set of decisions without
// constructing a full config.Config tree.
func New(decisions map[string]Decision) *Map {
	m := make(map[string]Decision, len(decisions))
	for h, d := range decisions {
		m[normalizeHost(h)] = d
	}
	return &Map{decisions: m}
}

// Lookup returns the Decision for host (case-insensitive) and whether
// it is present. An entry exists iff the Mapping's flattened enable
// resolved to true.
func (m *Map) Lookup(host string) (Decision, bool) {
	d, ok := m.decisions[normalizeHost(host)]
	return d, ok
}

// Hostnames returns every enabled origin hostname. This is frozen at
// startup and used to seed the resolver's external-lookup whitelist.
func (m *Map) Hostnames() []string {
	out := make([]string, 0, len(m.decisions))
	for h := range m.decisions {
		out = append(out, h)
	}
	return out
}

// OverriddenSNIs returns every distinct front-domain name that appears
// as the target of an Override decision. These are system-resolvable
// names distinct from the intercepted origins (the hosts file never
// redirects them).
func (m *Map) OverriddenSNIs() []string {
	seen := make(map[string]struct{})
	for _, d := range m.decisions {
		if d.Kind == Override {
			seen[d.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	return out
}

// Len reports the number of entries in the map.
func (m *Map) Len() int {
	return len(m.decisions)
}
