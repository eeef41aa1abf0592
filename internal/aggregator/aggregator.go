// Package aggregator builds the per-user attribute map: a read-through TTL
// cache in front of the identity store, the enrichment chain and the
// display-name formatter.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/cache"
	"github.com/pitabwire/userbar/internal/displayname"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/internal/identity"
	"github.com/pitabwire/userbar/internal/observability"
	"github.com/pitabwire/userbar/model"
)

// DefaultTTL is the cache lifetime used when the cache_ttl filter does not
// override it.
const DefaultTTL = 300 * time.Second

// Aggregation outcomes recorded by Metrics.
const (
	OutcomeHit      = "hit"
	OutcomeBuilt    = "built"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// Invalidation reasons recorded by Metrics.
const (
	ReasonExplicit       = "explicit"
	ReasonProfileUpdated = "profile_updated"
	ReasonUserRegistered = "user_registered"
)

// Metrics records aggregation outcomes.
type Metrics interface {
	RecordAggregation(outcome string, d time.Duration)
	RecordInvalidation(reason string)
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the fallback logger. Request-scoped loggers in the context
// take precedence.
func WithLogger(l *zap.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock overrides time.Now for duration measurement.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator produces the merged AttributeMap for a user.
type Aggregator struct {
	identities identity.Store
	store      cache.Store
	hooks      *hooks.Registry
	names      *displayname.Formatter
	ttl        time.Duration
	logger     *zap.Logger
	metrics    Metrics
	now        func() time.Time
}

// New creates an Aggregator. The cache_ttl filter is evaluated once here, so
// every cache_ttl callback must be registered before New is called. New also
// subscribes Invalidate to the profile_updated and user_registered actions;
// the registry must therefore not be frozen yet.
func New(identities identity.Store, store cache.Store, reg *hooks.Registry, names *displayname.Formatter, opts ...Option) *Aggregator {
	a := &Aggregator{
		identities: identities,
		store:      store,
		hooks:      reg,
		names:      names,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.ttl = reg.CacheTTL.Apply(context.Background(), DefaultTTL, struct{}{})
	if a.ttl <= 0 {
		a.logger.Warn("cache_ttl filter returned a non-positive ttl, using default",
			zap.Duration("ttl", a.ttl),
			zap.Duration("default", DefaultTTL),
		)
		a.ttl = DefaultTTL
	}

	reg.ProfileUpdated.Add("aggregator.invalidate", func(ctx context.Context, id model.Identity) error {
		return a.invalidate(ctx, id, ReasonProfileUpdated)
	})
	reg.UserRegistered.Add("aggregator.invalidate", func(ctx context.Context, id model.Identity) error {
		return a.invalidate(ctx, id, ReasonUserRegistered)
	})
	return a
}

// TTL returns the cache lifetime fixed at construction.
func (a *Aggregator) TTL() time.Duration { return a.ttl }

// GetUserData returns the attribute map for id. A live cache entry is
// returned verbatim without touching the identity store or enrichers.
// Unknown identities yield an error matching model.ErrIdentityNotFound and
// identity store failures are returned wrapped. Cache failures never fail
// the call: a failed read is treated as a miss and a failed write is logged.
func (a *Aggregator) GetUserData(ctx context.Context, id model.Identity) (model.AttributeMap, error) {
	start := a.now()
	ctx, span := observability.StartSpan(ctx, "userbar.aggregate", observability.AttrIdentity.String(string(id)))
	logger := observability.LoggerFrom(ctx, a.logger.With(zap.String("identity", string(id))))

	data, outcome, err := a.aggregate(ctx, id, logger)
	span.SetAttributes(observability.AttrOutcome.String(outcome), observability.AttrCacheHit.Bool(outcome == OutcomeHit))
	observability.EndSpanWithError(span, err)
	if a.metrics != nil {
		a.metrics.RecordAggregation(outcome, a.now().Sub(start))
	}
	return data, err
}

func (a *Aggregator) aggregate(ctx context.Context, id model.Identity, logger *zap.Logger) (model.AttributeMap, string, error) {
	key := cache.Key(id)

	cached, err := a.store.Get(ctx, key)
	switch {
	case err == nil:
		logger.Debug("user data cache hit")
		return cached, OutcomeHit, nil
	case errors.Is(err, model.ErrCacheMiss):
		logger.Debug("user data cache miss")
	default:
		logger.Warn("user data cache read failed, rebuilding", zap.Error(err))
	}

	profile, err := a.identities.Resolve(ctx, id)
	if errors.Is(err, model.ErrIdentityNotFound) {
		return model.AttributeMap{}, OutcomeNotFound, err
	}
	if err != nil {
		logger.Error("identity store resolve failed", zap.Error(err))
		return model.AttributeMap{}, OutcomeError, fmt.Errorf("resolve identity %q: %w", id, err)
	}

	args := hooks.UserArgs{Identity: id, Profile: profile}
	data := profile.BaseAttributes()
	data = a.hooks.EnrichUserData.Apply(ctx, data, args)

	if len(data.Strings(model.KeyRoleNames)) == 0 {
		if roles := data.Strings(model.KeyRoles); len(roles) > 0 {
			data.Set(model.KeyRoleNames, a.names.RoleNames(ctx, roles))
		}
	}
	if len(data.Strings(model.KeyCapabilityNames)) == 0 {
		if grants := data.Grants(model.KeyCapabilities); len(grants) > 0 {
			data.Set(model.KeyCapabilityNames, a.names.CapabilityNames(ctx, grants, data.Strings(model.KeyRoles)))
		}
	}

	data = a.hooks.FinalUserData.Apply(ctx, data, args)

	if err := a.store.Set(ctx, key, data, a.ttl); err != nil {
		logger.Warn("user data cache write failed", zap.Error(err))
	}
	return data, OutcomeBuilt, nil
}

// Invalidate removes the cached entry for id and fires
// user_data_invalidated. Invalidating an absent entry is not an error.
func (a *Aggregator) Invalidate(ctx context.Context, id model.Identity) error {
	return a.invalidate(ctx, id, ReasonExplicit)
}

func (a *Aggregator) invalidate(ctx context.Context, id model.Identity, reason string) error {
	ctx, span := observability.StartSpan(ctx, "userbar.invalidate",
		observability.AttrIdentity.String(string(id)),
		observability.AttrReason.String(reason),
	)

	err := a.store.Delete(ctx, cache.Key(id))
	if err != nil {
		observability.LoggerFrom(ctx, a.logger).Warn("user data cache delete failed",
			zap.String("identity", string(id)),
			zap.String("reason", reason),
			zap.Error(err),
		)
	} else if a.metrics != nil {
		a.metrics.RecordInvalidation(reason)
	}
	a.hooks.UserDataInvalidated.Fire(ctx, id)

	observability.EndSpanWithError(span, err)
	return err
}
