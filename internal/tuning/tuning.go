// Package tuning decodes the optional, free-form TOML tuning tables
// ([resolver], [outbound_http], ...) into typed structs: a single
// mapstructure.Decoder wrapper plus a Setter hook for defaults.
package tuning

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Setter lets a target struct fill in defaults after Decode populates
// whatever keys were present in the TOML blob.
type Setter interface {
	ApplyDefaults()
}

// Decode decodes input into c (a pointer to a mapstructure-tagged
// struct), then calls c.ApplyDefaults() if it implements Setter. A nil
// input decodes to a zero-value c before defaults are applied, so
// every tuning section is optional.
func Decode(input map[string]any, c any) error {
	decoderCfg := &mapstructure.DecoderConfig{
		Result:  c,
		TagName: "mapstructure",
	}

	decoder, err := mapstructure.NewDecoder(decoderCfg)
	if err != nil {
		return fmt.Errorf("build tuning decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("decode tuning block: %w", err)
	}

	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}

	return nil
}

// DecodeWithUnused is Decode plus the sorted list of input keys that
// had no matching field in c, so callers can warn on typos instead of
// silently ignoring them.
func DecodeWithUnused(input map[string]any, c any) ([]string, error) {
	var md mapstructure.Metadata
	decoderCfg := &mapstructure.DecoderConfig{
		Metadata: &md,
		Result:   c,
		TagName:  "mapstructure",
	}

	decoder, err := mapstructure.NewDecoder(decoderCfg)
	if err != nil {
		return nil, fmt.Errorf("build tuning decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return nil, fmt.Errorf("decode tuning block: %w", err)
	}

	if s, ok := c.(Setter); ok {
		s.ApplyDefaults()
	}

	unused := md.Unused
	sort.Strings(unused)
	return unused, nil
}
