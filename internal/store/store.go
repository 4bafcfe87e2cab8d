// Package store models the flag configuration document consumed by
// update_state: the top-level metadata mapping and the flag table with
// state, variants, default variant and optional targeting rule.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/open-feature-forking/flagd-evaluator/internal/values"
)

// Flag states.
const (
	StateEnabled  = "ENABLED"
	StateDisabled = "DISABLED"
)

// ErrMalformedDocument is returned when the configuration is not a JSON
// object with the expected shape.
var ErrMalformedDocument = errors.New("malformed configuration document")

// Flag is one entry of the configuration's flag table. Variant values are
// heterogeneous; a flag is conventionally consumed as a single type.
type Flag struct {
	State          string         `json:"state"`
	Variants       map[string]any `json:"variants"`
	DefaultVariant string         `json:"defaultVariant"`
	Targeting      any            `json:"targeting,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// HasTargeting reports whether the flag carries a targeting rule.
func (f Flag) HasTargeting() bool { return f.Targeting != nil }

// Configuration is a full flag configuration document. Every update is a
// complete replacement; there are no partial updates.
type Configuration struct {
	Metadata map[string]any  `json:"metadata,omitempty"`
	Flags    map[string]Flag `json:"flags"`

	// Skipped lists keys of entries under "flags" that were not objects
	// and were dropped by a permissive parse.
	Skipped []string `json:"-"`
}

// ParseConfiguration decodes a configuration document from JSON. Numbers
// keep their integer/double distinction via json.Number normalization.
// In strict mode a non-object entry under "flags" fails the parse; in
// permissive mode such entries are skipped and recorded.
func ParseConfiguration(data []byte, permissive bool) (Configuration, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Configuration{}, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	doc, ok := values.Normalize(raw).(map[string]any)
	if !ok {
		return Configuration{}, fmt.Errorf("%w: top level must be an object", ErrMalformedDocument)
	}
	return FromDocument(doc, permissive)
}

// FromDocument builds a Configuration from an already-decoded document.
// The document must have been normalized into the canonical value model;
// native callers that skip JSON entirely pass their maps through here.
func FromDocument(doc map[string]any, permissive bool) (Configuration, error) {
	cfg := Configuration{}

	if meta, ok := doc["metadata"].(map[string]any); ok {
		cfg.Metadata = meta
	}

	rawFlags, present := doc["flags"]
	if !present {
		return Configuration{}, fmt.Errorf("%w: missing \"flags\"", ErrMalformedDocument)
	}
	flagTable, ok := rawFlags.(map[string]any)
	if !ok {
		return Configuration{}, fmt.Errorf("%w: \"flags\" must be an object", ErrMalformedDocument)
	}

	cfg.Flags = make(map[string]Flag, len(flagTable))
	for key, rawFlag := range flagTable {
		entry, ok := rawFlag.(map[string]any)
		if !ok {
			if permissive {
				cfg.Skipped = append(cfg.Skipped, key)
				continue
			}
			return Configuration{}, fmt.Errorf("%w: flag %q is not an object", ErrMalformedDocument, key)
		}
		cfg.Flags[key] = flagFromEntry(entry)
	}
	return cfg, nil
}

func flagFromEntry(entry map[string]any) Flag {
	flag := Flag{Targeting: entry["targeting"]}
	if s, ok := entry["state"].(string); ok {
		flag.State = s
	}
	if v, ok := entry["variants"].(map[string]any); ok {
		flag.Variants = v
	}
	if d, ok := entry["defaultVariant"].(string); ok {
		flag.DefaultVariant = d
	}
	if m, ok := entry["metadata"].(map[string]any); ok {
		flag.Metadata = m
	}
	return flag
}
