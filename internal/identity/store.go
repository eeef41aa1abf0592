// Package identity resolves user identities to profile snapshots from a YAML
// user file or PostgreSQL.
package identity

import (
	"context"

	"github.com/pitabwire/userbar/model"
)

// Store resolves identities to profiles. Resolve returns an error matching
// model.ErrIdentityNotFound when the identity is unknown.
type Store interface {
	Resolve(ctx context.Context, id model.Identity) (model.UserProfile, error)
}
