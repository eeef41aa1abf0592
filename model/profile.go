package model

import (
	"maps"
	"slices"
)

// Identity is the opaque key identifying a user across requests.
type Identity string

// UserProfile is a read-only snapshot of a user as known to the identity
// store. Callers must not mutate the slices or maps it holds; use Clone.
type UserProfile struct {
	Identity     Identity          `json:"id" yaml:"id"`
	Username     string            `json:"username" yaml:"username"`
	Email        string            `json:"email" yaml:"email"`
	DisplayName  string            `json:"display_name" yaml:"display_name"`
	FirstName    string            `json:"first_name" yaml:"first_name"`
	LastName     string            `json:"last_name" yaml:"last_name"`
	Roles        []string          `json:"roles" yaml:"roles"`
	Capabilities []CapabilityGrant `json:"capabilities" yaml:"capabilities"`
	Meta         map[string]string `json:"meta,omitempty" yaml:"meta"`
}

// Clone returns a deep copy of p.
func (p UserProfile) Clone() UserProfile {
	p.Roles = slices.Clone(p.Roles)
	p.Capabilities = slices.Clone(p.Capabilities)
	p.Meta = maps.Clone(p.Meta)
	return p
}

// BaseAttributes builds the initial AttributeMap for p. Role and capability
// display-name lists start empty; they are filled after enrichment.
func (p UserProfile) BaseAttributes() AttributeMap {
	m := NewAttributeMap()
	m.Set(KeyID, string(p.Identity))
	m.Set(KeyUsername, p.Username)
	m.Set(KeyEmail, p.Email)
	m.Set(KeyDisplayName, p.DisplayName)
	m.Set(KeyFirstName, p.FirstName)
	m.Set(KeyLastName, p.LastName)
	m.Set(KeyRoles, slices.Clone(p.Roles))
	m.Set(KeyRoleNames, []string{})
	m.Set(KeyCapabilities, slices.Clone(p.Capabilities))
	m.Set(KeyCapabilityNames, []string{})
	return m
}

// ToolbarNode is a node declaration handed to the host toolbar. A node with
// an empty ParentID is top-level; Href is empty for non-link nodes.
type ToolbarNode struct {
	ID       string `json:"id"`
	ParentID string `json:"parent_id,omitempty"`
	Title    string `json:"title"`
	Href     string `json:"href,omitempty"`
}
