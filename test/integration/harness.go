// Package integration provides a reusable test harness for end-to-end
// integration testing of the userbar server. It starts a full HTTP server
// backed by a file identity store, a memory or redis cache, a mock entity
// service, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/userbar/internal/aggregator"
	"github.com/pitabwire/userbar/internal/cache"
	"github.com/pitabwire/userbar/internal/config"
	"github.com/pitabwire/userbar/internal/displayname"
	"github.com/pitabwire/userbar/internal/enrichment"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/internal/identity"
	"github.com/pitabwire/userbar/internal/observability"
	"github.com/pitabwire/userbar/internal/panel"
	"github.com/pitabwire/userbar/internal/transport"
	"github.com/pitabwire/userbar/model"
)

// EventToken is the shared secret the harness accepts on event webhooks.
const EventToken = "test-event-token"

// TestHarness encapsulates a fully wired userbar instance with a mock
// entity service for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Backend    *EntityBackend
	Hooks      *hooks.Registry
	Aggregator *aggregator.Aggregator
	Metrics    *observability.Metrics
	Gatherer   *prometheus.Registry
	Logs       *observer.ObservedLogs
	Redis      *miniredis.Miniredis

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	redis          bool
	handlerTimeout time.Duration
	showForRoles   []string
	capabilityCap  int
	entityService  bool
	entityTimeout  time.Duration
	breakerFails   int
	breakerCool    time.Duration
	extraHooks     []func(*hooks.Registry)
}

// WithRedis backs the cache with an in-process redis server.
func WithRedis() HarnessOption {
	return func(c *harnessConfig) {
		c.redis = true
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithShowForRoles restricts the panel to users holding one of roles.
func WithShowForRoles(roles ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.showForRoles = roles
	}
}

// WithCapabilityCap sets the capability display cap.
func WithCapabilityCap(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.capabilityCap = n
	}
}

// WithoutEntityService disables the HTTP entity enricher.
func WithoutEntityService() HarnessOption {
	return func(c *harnessConfig) {
		c.entityService = false
	}
}

// WithEntityTimeout sets the entity service call timeout.
func WithEntityTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.entityTimeout = d
	}
}

// WithBreaker configures the entity service circuit breaker.
func WithBreaker(failureThreshold int, cooldown time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.breakerFails = failureThreshold
		c.breakerCool = cooldown
	}
}

// WithHooks registers extra callbacks before the registry is frozen.
func WithHooks(fn func(*hooks.Registry)) HarnessOption {
	return func(c *harnessConfig) {
		c.extraHooks = append(c.extraHooks, fn)
	}
}

// NewTestHarness creates and starts a full userbar test instance. The server
// is automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		capabilityCap:  panel.DefaultCapabilityCap,
		entityService:  true,
		entityTimeout:  2 * time.Second,
		breakerFails:   5,
		breakerCool:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()

	h := &TestHarness{
		t:       t,
		Backend: newEntityBackend(t),
	}

	// Step 1: Telemetry on private sinks.
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	h.Logs = logs
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)

	// Step 2: Identity store and role table.
	identities, err := identity.NewFileStore(filepath.Join(testdataDir, "users.yaml"))
	if err != nil {
		t.Fatalf("load users: %v", err)
	}
	roles, err := displayname.LoadRoleTable(filepath.Join(testdataDir, "roles.yaml"))
	if err != nil {
		t.Fatalf("load roles: %v", err)
	}

	// Step 3: Cache.
	var store cache.Store
	if hc.redis {
		h.Redis = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{
			Addr:        h.Redis.Addr(),
			MaxRetries:  -1,
			DialTimeout: 500 * time.Millisecond,
		})
		t.Cleanup(func() { client.Close() })
		store = cache.NewRedisStore(client)
	} else {
		store, err = cache.NewMemoryStore(1000)
		if err != nil {
			t.Fatalf("memory cache: %v", err)
		}
	}
	instrumented := cache.Instrument(store, h.Metrics)

	// Step 4: Extension points.
	h.Hooks = hooks.NewRegistry()
	h.Hooks.OnError(observability.HookErrorHandler(logger, h.Metrics))

	if len(hc.showForRoles) > 0 {
		allowed := hc.showForRoles
		h.Hooks.ShowPanel.Add("test.show_for_roles", func(_ context.Context, visible bool, rctx *model.RequestContext) (bool, error) {
			if !visible || rctx == nil {
				return visible, nil
			}
			return slices.ContainsFunc(rctx.Roles, func(r string) bool {
				return slices.Contains(allowed, r)
			}), nil
		})
	}

	h.Hooks.EnrichUserData.Add("meta", enrichment.NewMetaEnricher(nil, enrichment.DefaultCustomPrefix).Enrich)
	if hc.entityService {
		enricher, err := enrichment.NewHTTPEnricher(enrichment.HTTPConfig{
			BaseURL:          h.Backend.URL(),
			Timeout:          hc.entityTimeout,
			FailureThreshold: hc.breakerFails,
			Cooldown:         hc.breakerCool,
			Headers:          map[string]string{"X-Service": "userbar"},
		}, nil)
		if err != nil {
			t.Fatalf("entity enricher: %v", err)
		}
		metrics := h.Metrics
		enricher.Breaker().OnStateChange(func(_, to enrichment.BreakerState) {
			metrics.SetEnrichmentBreakerState(breakerGauge(to))
		})
		h.Hooks.EnrichUserData.Add("entity_service", enricher.Enrich)
	}
	for _, fn := range hc.extraHooks {
		fn(h.Hooks)
	}

	// Step 5: Aggregator and renderer.
	h.Aggregator = aggregator.New(identities, instrumented, h.Hooks,
		displayname.NewFormatter(h.Hooks, roles),
		aggregator.WithLogger(logger),
		aggregator.WithMetrics(h.Metrics),
	)
	renderer := panel.NewRenderer(h.Hooks, panel.WithCapabilityCap(hc.capabilityCap))
	h.Hooks.Freeze()

	// Step 6: Create JWT issuer.
	h.issuer = newTokenIssuer(t)

	// Step 7: Build config.
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	h.cfg.Identity.Issuer = testIssuerURL
	h.cfg.Identity.Audience = testAudience
	h.cfg.Identity.JWKSURL = h.issuer.JWKSURL()

	// Step 8: Build router with full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), 1*time.Hour, logger)

	router := transport.NewRouter(transport.Dependencies{
		Config:         h.cfg,
		Logger:         logger,
		Authenticate:   transport.JWTAuthenticator(h.cfg.Identity, jwks),
		UserData:       h.Aggregator,
		Renderer:       renderer,
		Hooks:          h.Hooks,
		EventToken:     EventToken,
		Metrics:        h.Metrics,
		MetricsHandler: observability.HandlerFor(h.Gatherer),
		Readiness: observability.ReadinessChecks{
			IdentityStore: identities,
			CacheStore:    instrumented.(observability.HealthChecker),
		},
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
	})

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.Token(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.Token(claims, expiredAnHourAgo)
}

// GenerateForeignToken creates a JWT issued for another audience.
func (h *TestHarness) GenerateForeignToken(claims TestClaims) string {
	return h.issuer.Token(claims, forAudience("some-other-service"))
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// POSTWithHeaders performs a POST request with a JSON body and additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, headers)
}

// PostEvent delivers a host event webhook for identity with the harness token.
func (h *TestHarness) PostEvent(event, identity string) *http.Response {
	h.t.Helper()
	return h.POSTWithHeaders("/events/"+event, map[string]string{"identity": identity}, "",
		map[string]string{transport.EventTokenHeader: EventToken})
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	url := h.server.URL + path

	var bodyReader io.Reader
	if body != nil {
		var data []byte
		switch b := body.(type) {
		case string:
			data = []byte(b)
		default:
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				h.t.Fatalf("marshal request body: %v", err)
			}
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, url, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// ReadBody reads and returns the response body as bytes.
func (h *TestHarness) ReadBody(resp *http.Response) []byte {
	h.t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	return data
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// Nodes fetches GET /ui/userbar and returns the toolbar nodes.
func (h *TestHarness) Nodes(t *testing.T, token string) []model.ToolbarNode {
	t.Helper()
	var body struct {
		Nodes []model.ToolbarNode `json:"nodes"`
	}
	h.AssertJSON(t, h.GET("/ui/userbar", token), http.StatusOK, &body)
	return body.Nodes
}

// UserData fetches GET /ui/userbar/data as a generic JSON object.
func (h *TestHarness) UserData(t *testing.T, token string) map[string]any {
	t.Helper()
	var body map[string]any
	h.AssertJSON(t, h.GET("/ui/userbar/data", token), http.StatusOK, &body)
	return body
}

// --- Default test claims ---

// AdaClaims returns TestClaims for the administrator in the user fixture.
func AdaClaims() TestClaims {
	return TestClaims{
		Identity: "1",
		Roles:    []string{"administrator"},
	}
}

// GraceClaims returns TestClaims for the editor in the user fixture.
func GraceClaims() TestClaims {
	return TestClaims{
		Identity: "2",
		Roles:    []string{"editor", "customer_admin"},
	}
}

// MargaretClaims returns TestClaims for the author with many capabilities.
func MargaretClaims() TestClaims {
	return TestClaims{
		Identity: "3",
		Roles:    []string{"author"},
	}
}

// StrangerClaims returns TestClaims for an identity without a profile.
func StrangerClaims() TestClaims {
	return TestClaims{
		Identity: "404",
		Roles:    []string{"subscriber"},
	}
}

// --- Helpers ---

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}

// EntityFixture returns a typical entity service payload.
func EntityFixture(company, department string) map[string]any {
	return map[string]any{
		"entity_type": "employee",
		"company":     company,
		"department":  department,
		"employee_id": "E-1001",
		"custom_fields": map[string]any{
			"badge": "blue",
		},
	}
}

// breakerGauge encodes a breaker state as 0=closed, 1=half-open, 2=open.
func breakerGauge(s enrichment.BreakerState) float64 {
	switch s {
	case enrichment.BreakerHalfOpen:
		return 1
	case enrichment.BreakerOpen:
		return 2
	default:
		return 0
	}
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
