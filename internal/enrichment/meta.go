// Package enrichment provides the built-in enrich_user_data callbacks: one
// copying host user meta into the attribute map, one fetching entity data
// from an HTTP service.
package enrichment

import (
	"context"
	"maps"
	"strings"

	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/model"
)

// DefaultCustomPrefix marks user meta keys that belong in custom_fields.
const DefaultCustomPrefix = "custom_"

// MetaEnricher copies selected profile meta values into the attribute map.
type MetaEnricher struct {
	keys   []string
	prefix string
}

// NewMetaEnricher copies the given meta keys verbatim and collects meta keys
// starting with prefix into custom_fields, with the prefix stripped. Empty
// keys default to the entity keys; an empty prefix disables custom fields.
func NewMetaEnricher(keys []string, prefix string) *MetaEnricher {
	if len(keys) == 0 {
		keys = model.EntityKeys
	}
	return &MetaEnricher{keys: keys, prefix: prefix}
}

// Enrich implements hooks.FilterFunc for enrich_user_data.
func (e *MetaEnricher) Enrich(_ context.Context, m model.AttributeMap, args hooks.UserArgs) (model.AttributeMap, error) {
	meta := args.Profile.Meta
	if len(meta) == 0 {
		return m, nil
	}

	for _, k := range e.keys {
		if v := meta[k]; v != "" {
			m.Set(k, v)
		}
	}

	if e.prefix == "" {
		return m, nil
	}
	var custom map[string]string
	for k, v := range meta {
		name, ok := strings.CutPrefix(k, e.prefix)
		if !ok || name == "" || v == "" {
			continue
		}
		if custom == nil {
			custom = maps.Clone(m.StringMap(model.KeyCustomFields))
			if custom == nil {
				custom = make(map[string]string)
			}
		}
		custom[name] = v
	}
	if custom != nil {
		m.Set(model.KeyCustomFields, custom)
	}
	return m, nil
}
