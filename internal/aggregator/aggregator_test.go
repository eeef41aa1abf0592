package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/pitabwire/userbar/internal/cache"
	"github.com/pitabwire/userbar/internal/displayname"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeIdentities struct {
	calls    atomic.Int32
	profiles map[model.Identity]model.UserProfile
	err      error
}

func (f *fakeIdentities) Resolve(_ context.Context, id model.Identity) (model.UserProfile, error) {
	f.calls.Add(1)
	if f.err != nil {
		return model.UserProfile{}, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return model.UserProfile{}, model.ErrIdentityNotFound
	}
	return p.Clone(), nil
}

func ada() model.UserProfile {
	return model.UserProfile{
		Identity:    "1",
		Username:    "ada",
		Email:       "ada@example.com",
		DisplayName: "Ada Lovelace",
		Roles:       []string{"customer_admin", "editor"},
		Capabilities: []model.CapabilityGrant{
			{Name: "read", Granted: true},
			{Name: "edit_posts", Granted: true},
			{Name: "level_3", Granted: true},
			{Name: "delete_posts", Granted: false},
			{Name: "editor", Granted: true},
			{Name: "upload_files", Granted: true},
		},
	}
}

type fixture struct {
	reg        *hooks.Registry
	identities *fakeIdentities
	store      cache.Store
	clock      *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	store, err := cache.NewMemoryStore(100, cache.WithClock(clock.Now))
	require.NoError(t, err)
	return &fixture{
		reg:        hooks.NewRegistry(),
		identities: &fakeIdentities{profiles: map[model.Identity]model.UserProfile{"1": ada()}},
		store:      store,
		clock:      clock,
	}
}

func (f *fixture) build(opts ...Option) *Aggregator {
	a := New(f.identities, f.store, f.reg, displayname.NewFormatter(f.reg, nil), opts...)
	f.reg.Freeze()
	return a
}

func mustJSON(t *testing.T, m model.AttributeMap) string {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func TestGetUserData_CacheHitShortCircuits(t *testing.T) {
	f := newFixture(t)
	var enrichCalls atomic.Int32
	f.reg.EnrichUserData.Add("count", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		enrichCalls.Add(1)
		m.Set("position", "Analyst")
		return m, nil
	})
	a := f.build()
	ctx := context.Background()

	first, err := a.GetUserData(ctx, "1")
	require.NoError(t, err)
	f.clock.Advance(299 * time.Second)
	second, err := a.GetUserData(ctx, "1")
	require.NoError(t, err)

	assert.Equal(t, mustJSON(t, first), mustJSON(t, second))
	assert.EqualValues(t, 1, f.identities.calls.Load())
	assert.EqualValues(t, 1, enrichCalls.Load())
}

func TestGetUserData_RebuildsAfterTTL(t *testing.T) {
	f := newFixture(t)
	a := f.build()
	ctx := context.Background()

	_, err := a.GetUserData(ctx, "1")
	require.NoError(t, err)
	f.clock.Advance(DefaultTTL)
	_, err = a.GetUserData(ctx, "1")
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.identities.calls.Load())
}

func TestGetUserData_CacheTTLFilterEvaluatedOnce(t *testing.T) {
	f := newFixture(t)
	var ttlCalls int
	f.reg.CacheTTL.Add("short", func(context.Context, time.Duration, struct{}) (time.Duration, error) {
		ttlCalls++
		return time.Minute, nil
	})
	a := f.build()
	ctx := context.Background()
	assert.Equal(t, time.Minute, a.TTL())

	_, _ = a.GetUserData(ctx, "1")
	f.clock.Advance(time.Minute)
	_, _ = a.GetUserData(ctx, "1")

	assert.Equal(t, 1, ttlCalls)
	assert.EqualValues(t, 2, f.identities.calls.Load())
}

func TestNew_NonPositiveTTLFallsBack(t *testing.T) {
	f := newFixture(t)
	f.reg.CacheTTL.Add("zero", func(context.Context, time.Duration, struct{}) (time.Duration, error) {
		return 0, nil
	})
	assert.Equal(t, DefaultTTL, f.build().TTL())
}

func TestInvalidate_ForcesRebuild(t *testing.T) {
	f := newFixture(t)
	var fired []model.Identity
	f.reg.UserDataInvalidated.Add("observer", func(_ context.Context, id model.Identity) error {
		fired = append(fired, id)
		return nil
	})
	a := f.build()
	ctx := context.Background()

	_, _ = a.GetUserData(ctx, "1")
	require.NoError(t, a.Invalidate(ctx, "1"))
	_, _ = a.GetUserData(ctx, "1")

	assert.EqualValues(t, 2, f.identities.calls.Load())
	assert.Equal(t, []model.Identity{"1"}, fired)

	require.NoError(t, a.Invalidate(ctx, "unknown"), "invalidating an absent entry is a no-op")
}

func TestProfileEvents_Invalidate(t *testing.T) {
	f := newFixture(t)
	a := f.build()
	ctx := context.Background()

	_, _ = a.GetUserData(ctx, "1")
	f.reg.ProfileUpdated.Fire(ctx, "1")
	_, _ = a.GetUserData(ctx, "1")
	f.reg.UserRegistered.Fire(ctx, "1")
	_, _ = a.GetUserData(ctx, "1")

	assert.EqualValues(t, 3, f.identities.calls.Load())
}

func TestSpans_IdentityOutcomeAndReason(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	f := newFixture(t)
	a := f.build()
	ctx := context.Background()

	_, _ = a.GetUserData(ctx, "1")
	_, _ = a.GetUserData(ctx, "1")
	f.reg.ProfileUpdated.Fire(ctx, "1")
	_, err := a.GetUserData(ctx, "404")
	require.ErrorIs(t, err, model.ErrIdentityNotFound)

	type span struct{ name, identity, outcome, cacheHit, reason string }
	var got []span
	for _, s := range exp.GetSpans() {
		attrs := map[string]string{}
		for _, kv := range s.Attributes {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		got = append(got, span{s.Name, attrs["userbar.identity"], attrs["userbar.outcome"], attrs["userbar.cache_hit"], attrs["userbar.reason"]})
	}
	assert.Equal(t, []span{
		{"userbar.aggregate", "1", OutcomeBuilt, "false", ""},
		{"userbar.aggregate", "1", OutcomeHit, "true", ""},
		{"userbar.invalidate", "1", "", "", ReasonProfileUpdated},
		{"userbar.aggregate", "404", OutcomeNotFound, "false", ""},
	}, got)
	assert.Equal(t, codes.Error, exp.GetSpans()[3].Status.Code)
}

func TestGetUserData_EnrichmentOrder(t *testing.T) {
	f := newFixture(t)
	f.reg.EnrichUserData.Add("A", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		m.Set("k", "A")
		return m, nil
	})
	f.reg.EnrichUserData.Add("B", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		m.Set("k", "B")
		return m, nil
	})
	a := f.build()

	data, err := a.GetUserData(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "B", data.String("k"))
}

func TestGetUserData_FailingEnricherIsIsolated(t *testing.T) {
	f := newFixture(t)
	var failures []string
	f.reg.OnError(func(_ context.Context, point, callback string, _ error) {
		failures = append(failures, point+"/"+callback)
	})
	f.reg.EnrichUserData.Add("raises", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		m.Set("company", "Leaked Corp")
		panic("entity backend exploded")
	})
	f.reg.EnrichUserData.Add("after", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		m.Set("position", "Analyst")
		return m, nil
	})
	a := f.build()
	ctx := context.Background()

	data, err := a.GetUserData(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Analyst", data.String("position"))
	assert.False(t, data.Has("company"))
	assert.Equal(t, []string{"enrich_user_data/raises"}, failures)

	cached, err := f.store.Get(ctx, cache.Key("1"))
	require.NoError(t, err, "map must be cached despite the failing enricher")
	assert.Equal(t, "Analyst", cached.String("position"))
}

func TestGetUserData_EnricherCannotDropKeys(t *testing.T) {
	f := newFixture(t)
	f.reg.EnrichUserData.Add("fresh-map", func(context.Context, model.AttributeMap, hooks.UserArgs) (model.AttributeMap, error) {
		m := model.NewAttributeMap()
		m.Set("position", "Analyst")
		return m, nil
	})
	a := f.build()
	ctx := context.Background()

	data, err := a.GetUserData(ctx, "1")
	require.NoError(t, err)
	for _, k := range []string{model.KeyID, model.KeyUsername, model.KeyEmail, model.KeyRoles, model.KeyCapabilities} {
		assert.True(t, data.Has(k), "base key %q dropped by enrichment", k)
	}
	assert.Equal(t, "ada", data.String(model.KeyUsername))
	assert.Equal(t, "Analyst", data.String("position"))
	assert.Equal(t, []string{"Customer Admin", "Editor"}, data.Strings(model.KeyRoleNames))

	cached, err := f.store.Get(ctx, cache.Key("1"))
	require.NoError(t, err)
	assert.Equal(t, data.Keys(), cached.Keys())
}

func TestGetUserData_EnrichmentFailureType(t *testing.T) {
	f := newFixture(t)
	var got error
	f.reg.OnError(func(_ context.Context, _, _ string, err error) { got = err })
	f.reg.EnrichUserData.Add("entity_service", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		return m, errors.New("timeout")
	})
	a := f.build()

	_, err := a.GetUserData(context.Background(), "1")
	require.NoError(t, err)

	var enrichErr *model.EnrichmentError
	require.ErrorAs(t, got, &enrichErr)
	assert.Equal(t, "entity_service", enrichErr.Callback)
	assert.EqualError(t, enrichErr.Err, "timeout")
}

func TestGetUserData_NotFound(t *testing.T) {
	f := newFixture(t)
	a := f.build()
	ctx := context.Background()

	_, err := a.GetUserData(ctx, "404")
	require.ErrorIs(t, err, model.ErrIdentityNotFound)

	_, err = f.store.Get(ctx, cache.Key("404"))
	assert.ErrorIs(t, err, model.ErrCacheMiss, "not found must not write the cache")
}

func TestGetUserData_IdentityStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.identities.err = errors.New("connection refused")
	a := f.build()

	_, err := a.GetUserData(context.Background(), "1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, model.ErrIdentityNotFound)
	assert.ErrorContains(t, err, "connection refused")
}

func TestGetUserData_DisplayNames(t *testing.T) {
	f := newFixture(t)
	f.reg.CapabilityDisplayName.Add("claims-all", func(_ context.Context, capability string) (string, bool) {
		if capability == "upload_files" {
			return "Media Uploads", true
		}
		return "Claimed " + capability, true
	})
	a := f.build()

	data, err := a.GetUserData(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Customer Admin", "Editor"}, data.Strings(model.KeyRoleNames))
	assert.Equal(t, []string{"Claimed edit_posts", "Media Uploads"}, data.Strings(model.KeyCapabilityNames))
	assert.Equal(t,
		[]string{"id", "username", "email", "display_name", "first_name", "last_name", "roles", "role_names", "capabilities", "capability_names"},
		data.Keys(),
	)
}

func TestGetUserData_EnricherSuppliedNamesKept(t *testing.T) {
	f := newFixture(t)
	f.reg.EnrichUserData.Add("names", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		m.Set(model.KeyRoleNames, []string{"Custom"})
		m.Set(model.KeyCapabilityNames, []string{"Everything"})
		return m, nil
	})
	a := f.build()

	data, err := a.GetUserData(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Custom"}, data.Strings(model.KeyRoleNames))
	assert.Equal(t, []string{"Everything"}, data.Strings(model.KeyCapabilityNames))
}

func TestGetUserData_NoRolesOrCapabilities(t *testing.T) {
	f := newFixture(t)
	f.identities.profiles["2"] = model.UserProfile{Identity: "2", Username: "guest"}
	a := f.build()

	data, err := a.GetUserData(context.Background(), "2")
	require.NoError(t, err)
	assert.Empty(t, data.Strings(model.KeyRoleNames))
	assert.Empty(t, data.Strings(model.KeyCapabilityNames))
}

func TestGetUserData_FinalFilterRunsBeforeCacheWrite(t *testing.T) {
	f := newFixture(t)
	f.reg.EnrichUserData.Add("entity", func(_ context.Context, m model.AttributeMap, _ hooks.UserArgs) (model.AttributeMap, error) {
		m.Set("department", "R&D")
		return m, nil
	})
	f.reg.FinalUserData.Add("redact-email", func(_ context.Context, m model.AttributeMap, args hooks.UserArgs) (model.AttributeMap, error) {
		assert.Equal(t, "R&D", m.String("department"), "final filter sees enriched map")
		assert.Equal(t, model.Identity("1"), args.Identity)
		m.Set(model.KeyEmail, "")
		return m, nil
	})
	a := f.build()
	ctx := context.Background()

	data, err := a.GetUserData(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, data.String(model.KeyEmail))

	cached, err := f.store.Get(ctx, cache.Key("1"))
	require.NoError(t, err)
	assert.Empty(t, cached.String(model.KeyEmail))
}

type failingStore struct {
	sets atomic.Int32
}

func (s *failingStore) Get(context.Context, string) (model.AttributeMap, error) {
	return model.AttributeMap{}, model.ErrCacheUnavailable
}

func (s *failingStore) Set(context.Context, string, model.AttributeMap, time.Duration) error {
	s.sets.Add(1)
	return model.ErrCacheUnavailable
}

func (s *failingStore) Delete(context.Context, string) error {
	return model.ErrCacheUnavailable
}

func TestGetUserData_CacheUnavailableDegradesToRecompute(t *testing.T) {
	f := newFixture(t)
	store := &failingStore{}
	f.store = store
	a := f.build()
	ctx := context.Background()

	for range 3 {
		data, err := a.GetUserData(ctx, "1")
		require.NoError(t, err)
		assert.Equal(t, "ada", data.String(model.KeyUsername))
	}
	assert.EqualValues(t, 3, f.identities.calls.Load())
	assert.EqualValues(t, 3, store.sets.Load())

	assert.ErrorIs(t, a.Invalidate(ctx, "1"), model.ErrCacheUnavailable)
}

type recordingMetrics struct {
	mu            sync.Mutex
	outcomes      []string
	invalidations []string
}

func (m *recordingMetrics) RecordAggregation(outcome string, _ time.Duration) {
	m.mu.Lock()
	m.outcomes = append(m.outcomes, outcome)
	m.mu.Unlock()
}

func (m *recordingMetrics) RecordInvalidation(reason string) {
	m.mu.Lock()
	m.invalidations = append(m.invalidations, reason)
	m.mu.Unlock()
}

func TestGetUserData_RecordsMetrics(t *testing.T) {
	f := newFixture(t)
	metrics := &recordingMetrics{}
	a := f.build(WithMetrics(metrics), WithClock(f.clock.Now))
	ctx := context.Background()

	_, _ = a.GetUserData(ctx, "1")
	_, _ = a.GetUserData(ctx, "1")
	_, _ = a.GetUserData(ctx, "404")
	_ = a.Invalidate(ctx, "1")
	f.reg.ProfileUpdated.Fire(ctx, "1")

	assert.Equal(t, []string{OutcomeBuilt, OutcomeHit, OutcomeNotFound}, metrics.outcomes)
	assert.Equal(t, []string{ReasonExplicit, ReasonProfileUpdated}, metrics.invalidations)
}

func TestGetUserData_ConcurrentCallers(t *testing.T) {
	f := newFixture(t)
	a := f.build()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := a.GetUserData(ctx, "1")
			assert.NoError(t, err)
			assert.Equal(t, []string{"Customer Admin", "Editor"}, data.Strings(model.KeyRoleNames))
		}()
	}
	wg.Wait()

	calls := f.identities.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(1))
	assert.LessOrEqual(t, calls, int32(16))
}
