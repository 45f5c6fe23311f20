// Package config loads and represents the three-level, inheritable SNI
// policy configuration: Root, Group, Mapping.
package config

// Config is the root of the configuration tree. Its Enable and
// EnableSNI are inherited by every Group and Mapping beneath it; its SNI
// is decoded but not consulted by snimap.Flatten.
type Config struct {
	Enable    *bool   `toml:"enable"`
	EnableSNI *bool   `toml:"enable_sni"`
	SNI       *string `toml:"sni"`

	Groups []Group `toml:"groups"`

	// Resolver and OutboundHTTP are optional, free-form tuning blocks
	// decoded by their owning packages via internal/tuning (into
	// resolver.Tuning and httpclient.Tuning respectively). An absent
	// table means "use that package's defaults".
	Resolver     map[string]any `toml:"resolver"`
	OutboundHTTP map[string]any `toml:"outbound_http"`
}

// Group is a named collection of Mappings that share the same
// enable/enable_sni/sni overrides.
type Group struct {
	Name string `toml:"name"`

	Enable    *bool   `toml:"enable"`
	EnableSNI *bool   `toml:"enable_sni"`
	SNI       *string `toml:"sni"`

	Mappings []Mapping `toml:"mappings"`
}

// Mapping is a single origin hostname and its per-host overrides.
type Mapping struct {
	Hostname string `toml:"hostname"`

	Enable    *bool   `toml:"enable"`
	EnableSNI *bool   `toml:"enable_sni"`
	SNI       *string `toml:"sni"`
}

// DefaultConfig returns a minimal, valid root config: one group named
// "example" holding a single example.com mapping with no overrides.
// Written to disk verbatim on first launch so the operator has a
// syntactically valid starting point (see Load).
func DefaultConfig() *Config {
	return &Config{
		Groups: []Group{
			{
				Name: "example",
				Mappings: []Mapping{
					{Hostname: "example.com"},
				},
			},
		},
	}
}
