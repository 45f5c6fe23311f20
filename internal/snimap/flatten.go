package snimap

import (
	"strings"

	"golang.org/x/net/idna"

	"github.com/shanmiteko/snimap/internal/config"
)

// normalizeHost lowercases and applies IDNA ToASCII so "Example.COM" and
// punycode/unicode spellings of the same host collapse to one lookup
// key. Hosts that fail IDNA processing (malformed names) fall back to
// a plain lowercase of the input.
func normalizeHost(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

func resolveBool(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

// Flatten walks cfg in document order (Root -> Groups -> Mappings) and
// produces the immutable host -> Decision table used at request time.
//
// Inheritance: enable and enable_sni are each resolved by ANDing down
// the Root -> Group -> Mapping chain, an unset (nil) field counting as
// true. sni is taken from the Group when the Group sets it, otherwise
// from the Mapping; the Root's sni is not consulted. A Mapping whose
// flattened enable is false is omitted from the
// result entirely. Duplicate hostnames across groups resolve to the
// last group that defines them, since groups are visited in order and
// later entries overwrite earlier ones in the destination map.
func Flatten(cfg *config.Config) *Map {
	decisions := make(map[string]Decision)
	if cfg == nil {
		return &Map{decisions: decisions}
	}

	rootEnable := resolveBool(cfg.Enable, true)
	rootEnableSNI := resolveBool(cfg.EnableSNI, true)

	for _, group := range cfg.Groups {
		groupEnable := rootEnable && resolveBool(group.Enable, true)
		if !groupEnable {
			continue
		}
		groupEnableSNI := rootEnableSNI && resolveBool(group.EnableSNI, true)

		for _, mapping := range group.Mappings {
			if mapping.Hostname == "" {
				continue
			}
			hostname := normalizeHost(mapping.Hostname)

			mapEnable := groupEnable && resolveBool(mapping.Enable, true)
			if !mapEnable {
				continue
			}

			mapEnableSNI := groupEnableSNI && resolveBool(mapping.EnableSNI, true)
			if !mapEnableSNI {
				decisions[hostname] = Decision{Kind: Disable}
				continue
			}

			// SNI override precedence: a mapping-level sni applies by
			// default, but a group-level sni (when SNI is still
			// enabled at the group level, as already checked above)
			// overrides it for every mapping in the group; absent
			// both, the decision preserves the origin hostname
			// unchanged.
			var sni *string
			if mapping.SNI != nil {
				sni = mapping.SNI
			}
			if group.SNI != nil {
				sni = group.SNI
			}

			if sni != nil && normalizeHost(*sni) != hostname {
				decisions[hostname] = Decision{Kind: Override, Name: *sni}
			} else {
				decisions[hostname] = Decision{Kind: Preserve, Name: hostname}
			}
		}
	}

	return &Map{decisions: decisions}
}
