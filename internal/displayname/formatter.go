// Package displayname turns role and capability identifiers into
// human-readable labels.
package displayname

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/model"
)

// excludedCapabilities are structural or legacy capability identifiers that
// never appear in a capability list.
var excludedCapabilities = map[string]bool{
	"read":     true,
	"level_0":  true,
	"level_1":  true,
	"level_2":  true,
	"level_3":  true,
	"level_4":  true,
	"level_5":  true,
	"level_6":  true,
	"level_7":  true,
	"level_8":  true,
	"level_9":  true,
	"level_10": true,
}

// Formatter resolves display names through the override hooks, then the role
// table, then Humanize.
type Formatter struct {
	hooks *hooks.Registry
	roles *RoleTable
}

// NewFormatter creates a Formatter. roles may be nil when the host has no
// canonical role names.
func NewFormatter(reg *hooks.Registry, roles *RoleTable) *Formatter {
	if roles == nil {
		roles = NewRoleTable(nil)
	}
	return &Formatter{hooks: reg, roles: roles}
}

// RoleDisplayName returns the label for a role slug.
func (f *Formatter) RoleDisplayName(ctx context.Context, slug string) string {
	if name, ok := f.hooks.RoleDisplayName.Resolve(ctx, slug); ok {
		return name
	}
	if name, ok := f.roles.Name(slug); ok {
		return name
	}
	return Humanize(slug)
}

// CapabilityDisplayName returns the label for a capability. ok is false for
// identifiers that are roles or structural capabilities; those are rejected
// before any override is consulted.
func (f *Formatter) CapabilityDisplayName(ctx context.Context, capability string) (name string, ok bool) {
	if f.Excluded(capability) {
		return "", false
	}
	if name, ok := f.hooks.CapabilityDisplayName.Resolve(ctx, capability); ok {
		return name, true
	}
	return Humanize(capability), true
}

// Excluded reports whether capability is filtered from capability lists.
func (f *Formatter) Excluded(capability string) bool {
	return excludedCapabilities[capability] || f.roles.IsRole(capability)
}

// RoleNames formats roles, preserving order.
func (f *Formatter) RoleNames(ctx context.Context, roles []string) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, f.RoleDisplayName(ctx, r))
	}
	return names
}

// CapabilityNames formats the granted capabilities in table order. The
// user's own role slugs are excluded alongside the known roles.
func (f *Formatter) CapabilityNames(ctx context.Context, grants []model.CapabilityGrant, userRoles []string) []string {
	own := make(map[string]bool, len(userRoles))
	for _, r := range userRoles {
		own[r] = true
	}

	granted := model.GrantedCapabilities(grants)
	names := make([]string, 0, len(granted))
	for _, c := range granted {
		if own[c] {
			continue
		}
		if name, ok := f.CapabilityDisplayName(ctx, c); ok {
			names = append(names, name)
		}
	}
	return names
}

// Humanize turns an identifier into words: underscores and hyphens become
// spaces and each word is capitalized. "customer_admin" becomes
// "Customer Admin".
func Humanize(slug string) string {
	words := strings.FieldsFunc(slug, func(r rune) bool {
		return r == '_' || r == '-' || unicode.IsSpace(r)
	})
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}
