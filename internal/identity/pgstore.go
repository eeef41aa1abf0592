package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/userbar/model"
)

// PgStore resolves profiles from PostgreSQL using pgx/v5. Expected schema:
//
//	users(id text primary key, username, email, display_name, first_name, last_name text)
//	user_roles(user_id text, role text, position int)
//	user_capabilities(user_id text, capability text, granted bool, position int)
//	user_meta(user_id text, meta_key text, meta_value text)
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a store over pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Resolve loads the user row and its roles, capabilities and meta.
func (s *PgStore) Resolve(ctx context.Context, id model.Identity) (model.UserProfile, error) {
	p := model.UserProfile{Identity: id}

	err := s.pool.QueryRow(ctx, `
		SELECT username, email, display_name, first_name, last_name
		FROM users
		WHERE id = $1`,
		string(id),
	).Scan(&p.Username, &p.Email, &p.DisplayName, &p.FirstName, &p.LastName)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.UserProfile{}, fmt.Errorf("identity %q: %w", id, model.ErrIdentityNotFound)
	}
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("query user: %w", err)
	}

	roles, err := s.pool.Query(ctx, `
		SELECT role FROM user_roles
		WHERE user_id = $1
		ORDER BY position, role`,
		string(id),
	)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("query user roles: %w", err)
	}
	p.Roles, err = pgx.CollectRows(roles, pgx.RowTo[string])
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("scan user roles: %w", err)
	}

	caps, err := s.pool.Query(ctx, `
		SELECT capability, granted FROM user_capabilities
		WHERE user_id = $1
		ORDER BY position, capability`,
		string(id),
	)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("query user capabilities: %w", err)
	}
	p.Capabilities, err = pgx.CollectRows(caps, func(row pgx.CollectableRow) (model.CapabilityGrant, error) {
		var g model.CapabilityGrant
		err := row.Scan(&g.Name, &g.Granted)
		return g, err
	})
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("scan user capabilities: %w", err)
	}

	meta, err := s.pool.Query(ctx, `
		SELECT meta_key, meta_value FROM user_meta
		WHERE user_id = $1`,
		string(id),
	)
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("query user meta: %w", err)
	}
	defer meta.Close()
	p.Meta = make(map[string]string)
	for meta.Next() {
		var k, v string
		if err := meta.Scan(&k, &v); err != nil {
			return model.UserProfile{}, fmt.Errorf("scan user meta: %w", err)
		}
		p.Meta[k] = v
	}
	if err := meta.Err(); err != nil {
		return model.UserProfile{}, fmt.Errorf("read user meta: %w", err)
	}

	return p, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
