package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Well-known AttributeMap keys produced from the base profile.
const (
	KeyID              = "id"
	KeyUsername        = "username"
	KeyEmail           = "email"
	KeyDisplayName     = "display_name"
	KeyFirstName       = "first_name"
	KeyLastName        = "last_name"
	KeyRoles           = "roles"
	KeyRoleNames       = "role_names"
	KeyCapabilities    = "capabilities"
	KeyCapabilityNames = "capability_names"
	KeyCustomFields    = "custom_fields"
)

// EntityKeys are the optional entity attributes contributed by enrichers.
// The entity panel section is shown only when at least one is non-empty.
var EntityKeys = []string{
	"entity_type",
	"entity_name",
	"company",
	"company_id",
	"branch",
	"branch_id",
	"department",
	"position",
	"employee_id",
	"phone",
}

// AttributeMap is an insertion-ordered string-keyed map. Values are scalars,
// []string, map[string]string or []CapabilityGrant. Keys may be replaced but
// never removed: there is no Delete.
//
// The zero value is ready to use.
type AttributeMap struct {
	keys   []string
	values map[string]any
}

// NewAttributeMap returns an empty map.
func NewAttributeMap() AttributeMap {
	return AttributeMap{values: make(map[string]any)}
}

// Set adds key or replaces its value. A replaced key keeps its original
// position.
func (m *AttributeMap) Set(key string, value any) {
	if m.values == nil {
		m.values = make(map[string]any)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value stored under key.
func (m AttributeMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m AttributeMap) Has(key string) bool {
	_, ok := m.values[key]
	return ok
}

// Keys returns the keys in insertion order.
func (m AttributeMap) Keys() []string {
	return slices.Clone(m.keys)
}

// Len returns the number of keys.
func (m AttributeMap) Len() int {
	return len(m.keys)
}

// String returns the value under key formatted as a string. Lists are
// joined with ", " and maps become "k: v" pairs sorted by key. Missing keys,
// nil values and empty lists or maps yield "".
func (m AttributeMap) String(key string) string {
	v, ok := m.values[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case float64:
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
	case []string, []any:
		return strings.Join(m.Strings(key), ", ")
	case map[string]string, map[string]any:
		fields := m.StringMap(key)
		pairs := make([]string, 0, len(fields))
		for _, k := range slices.Sorted(maps.Keys(fields)) {
			pairs = append(pairs, k+": "+fields[k])
		}
		return strings.Join(pairs, ", ")
	case []CapabilityGrant:
		return strings.Join(GrantedCapabilities(s), ", ")
	}
	return fmt.Sprint(v)
}

// Strings returns the value under key as a string list. JSON-decoded []any
// values are converted; anything else yields nil.
func (m AttributeMap) Strings(key string) []string {
	switch v := m.values[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// StringMap returns the value under key as a string map. JSON-decoded
// map[string]any values are converted; anything else yields nil.
func (m AttributeMap) StringMap(key string) map[string]string {
	switch v := m.values[key].(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = fmt.Sprint(item)
		}
		return out
	}
	return nil
}

// Grants returns the value under key as an ordered capability grant list.
func (m AttributeMap) Grants(key string) []CapabilityGrant {
	switch v := m.values[key].(type) {
	case []CapabilityGrant:
		return v
	case []any:
		out := make([]CapabilityGrant, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := obj["name"].(string)
			granted, _ := obj["granted"].(bool)
			out = append(out, CapabilityGrant{Name: name, Granted: granted})
		}
		return out
	}
	return nil
}

// Clone returns a copy that shares no mutable list or map values with m.
func (m AttributeMap) Clone() AttributeMap {
	out := AttributeMap{
		keys:   slices.Clone(m.keys),
		values: make(map[string]any, len(m.values)),
	}
	for k, v := range m.values {
		switch tv := v.(type) {
		case []string:
			out.values[k] = slices.Clone(tv)
		case map[string]string:
			out.values[k] = maps.Clone(tv)
		case []CapabilityGrant:
			out.values[k] = slices.Clone(tv)
		default:
			out.values[k] = v
		}
	}
	return out
}

// MarshalJSON encodes the map as a JSON object preserving key order.
func (m AttributeMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(m.values[k])
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping the document's key order.
// Nested values decode to their generic JSON forms; the typed accessors
// convert them back.
func (m *AttributeMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("attribute map: expected object, got %v", tok)
	}

	*m = NewAttributeMap()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("attribute map: expected key, got %v", tok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		m.Set(key, value)
	}
	_, err = dec.Token()
	return err
}
