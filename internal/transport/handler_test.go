package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/aggregator"
	"github.com/pitabwire/userbar/internal/cache"
	"github.com/pitabwire/userbar/internal/displayname"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/internal/identity"
	"github.com/pitabwire/userbar/internal/panel"
	"github.com/pitabwire/userbar/model"
)

// --- Test helpers ---

type fakeUserData struct {
	mu            sync.Mutex
	data          map[model.Identity]model.AttributeMap
	err           error
	invalidateErr error
	invalidated   []model.Identity
}

func newFakeUserData() *fakeUserData {
	return &fakeUserData{data: make(map[model.Identity]model.AttributeMap)}
}

func (f *fakeUserData) put(id model.Identity, displayName string, roleNames ...string) {
	m := model.NewAttributeMap()
	m.Set(model.KeyID, string(id))
	m.Set(model.KeyDisplayName, displayName)
	m.Set(model.KeyRoleNames, roleNames)
	f.data[id] = m
}

func (f *fakeUserData) GetUserData(_ context.Context, id model.Identity) (model.AttributeMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.AttributeMap{}, f.err
	}
	m, ok := f.data[id]
	if !ok {
		return model.AttributeMap{}, fmt.Errorf("user %q: %w", id, model.ErrIdentityNotFound)
	}
	return m, nil
}

func (f *fakeUserData) Invalidate(_ context.Context, id model.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, id)
	return f.invalidateErr
}

type fakeRenderer struct {
	visible   bool
	renderErr error
}

func (f *fakeRenderer) Visible(context.Context, *model.RequestContext) bool { return f.visible }

func (f *fakeRenderer) Nodes(_ context.Context, id model.Identity, data model.AttributeMap) ([]model.ToolbarNode, error) {
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return []model.ToolbarNode{
		{ID: panel.NodeSummary, Title: data.String(model.KeyDisplayName)},
		{ID: panel.NodePanel, ParentID: panel.NodeSummary, Title: "<div>" + string(id) + "</div>"},
	}, nil
}

// contextMiddleware injects a RequestContext into the request.
func contextMiddleware(rctx *model.RequestContext) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rctx != nil {
				r = r.WithContext(model.WithRequestContext(r.Context(), rctx))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func testRequestContext() *model.RequestContext {
	return &model.RequestContext{
		Identity: "1",
		Roles:    []string{"administrator"},
	}
}

// makeRouterRequest creates a chi-routed request with the context injected.
func makeRouterRequest(method, path string, handler http.HandlerFunc, rctx *model.RequestContext) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Use(contextMiddleware(rctx))
	r.Method(method, path, handler)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

// --- GET /ui/userbar ---

func TestHandleGetUserbar_success(t *testing.T) {
	data := newFakeUserData()
	data.put("1", "Ada Lovelace", "Administrator")

	w := makeRouterRequest("GET", "/ui/userbar", handleGetUserbar(data, &fakeRenderer{visible: true}, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Nodes []model.ToolbarNode `json:"nodes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(resp.Nodes))
	}
	if resp.Nodes[0].Title != "Ada Lovelace" {
		t.Errorf("summary title = %q", resp.Nodes[0].Title)
	}
	if resp.Nodes[1].ParentID != panel.NodeSummary {
		t.Errorf("panel parent = %q, want %q", resp.Nodes[1].ParentID, panel.NodeSummary)
	}
}

func TestHandleGetUserbar_hidden(t *testing.T) {
	data := newFakeUserData()
	data.put("1", "Ada Lovelace")

	w := makeRouterRequest("GET", "/ui/userbar", handleGetUserbar(data, &fakeRenderer{visible: false}, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", w.Body.String())
	}
}

func TestHandleGetUserbar_identityNotFound(t *testing.T) {
	w := makeRouterRequest("GET", "/ui/userbar", handleGetUserbar(newFakeUserData(), &fakeRenderer{visible: true}, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204 so the toolbar omits the panel", w.Code)
	}
}

func TestHandleGetUserbar_storeFailure(t *testing.T) {
	data := newFakeUserData()
	data.err = errors.New("resolve identity \"1\": connection refused")

	w := makeRouterRequest("GET", "/ui/userbar", handleGetUserbar(data, &fakeRenderer{visible: true}, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
	if strings.Contains(w.Body.String(), "connection refused") {
		t.Error("internal error detail leaked to the client")
	}
}

func TestHandleGetUserbar_renderFailure(t *testing.T) {
	data := newFakeUserData()
	data.put("1", "Ada Lovelace")

	w := makeRouterRequest("GET", "/ui/userbar", handleGetUserbar(data, &fakeRenderer{visible: true, renderErr: errors.New("template")}, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHandleGetUserbar_noRequestContext(t *testing.T) {
	w := makeRouterRequest("GET", "/ui/userbar", handleGetUserbar(newFakeUserData(), &fakeRenderer{visible: true}, zap.NewNop()), nil)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- GET /ui/userbar/data ---

func TestHandleGetUserData_success(t *testing.T) {
	data := newFakeUserData()
	data.put("1", "Ada Lovelace", "Administrator")

	w := makeRouterRequest("GET", "/ui/userbar/data", handleGetUserData(data, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	want := `{"id":"1","display_name":"Ada Lovelace","role_names":["Administrator"]}`
	if got := strings.TrimSpace(w.Body.String()); got != want {
		t.Errorf("body = %s, want %s", got, want)
	}
}

func TestHandleGetUserData_notFound(t *testing.T) {
	w := makeRouterRequest("GET", "/ui/userbar/data", handleGetUserData(newFakeUserData(), zap.NewNop()), testRequestContext())

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleGetUserData_storeFailure(t *testing.T) {
	data := newFakeUserData()
	data.err = errors.New("boom")

	w := makeRouterRequest("GET", "/ui/userbar/data", handleGetUserData(data, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// --- POST /ui/userbar/invalidate ---

func TestHandleInvalidate_success(t *testing.T) {
	data := newFakeUserData()

	w := makeRouterRequest("POST", "/ui/userbar/invalidate", handleInvalidate(data, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if len(data.invalidated) != 1 || data.invalidated[0] != "1" {
		t.Errorf("invalidated = %v, want [1]", data.invalidated)
	}
}

func TestHandleInvalidate_cacheFailure(t *testing.T) {
	data := newFakeUserData()
	data.invalidateErr = fmt.Errorf("redis: %w", model.ErrCacheUnavailable)

	w := makeRouterRequest("POST", "/ui/userbar/invalidate", handleInvalidate(data, zap.NewNop()), testRequestContext())

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// --- host events ---

func serveEvent(t *testing.T, h http.Handler, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(EventTokenHeader, token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEvents_fireActions(t *testing.T) {
	reg := hooks.NewRegistry()
	var fired []string
	reg.ProfileUpdated.Add("test", func(_ context.Context, id model.Identity) error {
		fired = append(fired, "updated:"+string(id))
		return nil
	})
	reg.UserRegistered.Add("test", func(_ context.Context, id model.Identity) error {
		fired = append(fired, "registered:"+string(id))
		return nil
	})
	reg.Freeze()

	deps := testDeps()
	deps.Hooks = reg
	deps.EventToken = "s3cret"
	r := NewRouter(deps)

	if w := serveEvent(t, r, "/events/profile-updated", "s3cret", `{"identity":"42"}`); w.Code != http.StatusAccepted {
		t.Errorf("profile-updated status = %d, want 202", w.Code)
	}
	if w := serveEvent(t, r, "/events/user-registered", "s3cret", `{"identity":" 43 "}`); w.Code != http.StatusAccepted {
		t.Errorf("user-registered status = %d, want 202", w.Code)
	}

	want := []string{"updated:42", "registered:43"}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired[%d] = %q, want %q", i, fired[i], want[i])
		}
	}
}

func TestEvents_rejectsBadRequests(t *testing.T) {
	reg := hooks.NewRegistry()
	calls := 0
	reg.ProfileUpdated.Add("test", func(context.Context, model.Identity) error {
		calls++
		return nil
	})

	deps := testDeps()
	deps.Hooks = reg
	deps.EventToken = "s3cret"
	r := NewRouter(deps)

	tests := []struct {
		name, token, body string
		want              int
	}{
		{"missing token", "", `{"identity":"1"}`, http.StatusUnauthorized},
		{"wrong token", "s3cre", `{"identity":"1"}`, http.StatusUnauthorized},
		{"not json", "s3cret", `identity=1`, http.StatusBadRequest},
		{"no identity", "s3cret", `{"identity":"  "}`, http.StatusBadRequest},
		{"wrong shape", "s3cret", `["1"]`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveEvent(t, r, "/events/profile-updated", tt.token, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
	if calls != 0 {
		t.Errorf("listener calls = %d, want 0", calls)
	}
}

func TestEventToken_emptyTokenRejectsAll(t *testing.T) {
	h := EventToken("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not run")
	}))
	w := serveEvent(t, h, "/", "", `{}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

// --- full pipeline ---

type cacheCounts struct {
	mu                   sync.Mutex
	hits, misses, errors int
}

func (c *cacheCounts) RecordCacheHit()          { c.mu.Lock(); c.hits++; c.mu.Unlock() }
func (c *cacheCounts) RecordCacheMiss()         { c.mu.Lock(); c.misses++; c.mu.Unlock() }
func (c *cacheCounts) RecordCacheError(string) { c.mu.Lock(); c.errors++; c.mu.Unlock() }

// newPipeline wires the real aggregator and renderer over the identity test
// fixture. The authenticate stub takes the subject from X-Test-Subject.
func newPipeline(t *testing.T) (Dependencies, *cacheCounts) {
	t.Helper()
	users, err := identity.NewFileStore("../identity/testdata/users.yaml")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	mem, err := cache.NewMemoryStore(100)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	counts := &cacheCounts{}

	reg := hooks.NewRegistry()
	names := displayname.NewFormatter(reg, displayname.NewRoleTable(map[string]string{"administrator": "Administrator"}))
	agg := aggregator.New(users, cache.Instrument(mem, counts), reg, names)
	renderer := panel.NewRenderer(reg)
	reg.Freeze()

	deps := testDeps()
	deps.UserData = agg
	deps.Renderer = renderer
	deps.Hooks = reg
	deps.EventToken = "s3cret"
	deps.Authenticate = func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sub := r.Header.Get("X-Test-Subject")
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), map[string]any{"sub": sub})))
		})
	}
	return deps, counts
}

func TestPipeline_userbarNodes(t *testing.T) {
	deps, _ := newPipeline(t)
	r := NewRouter(deps)

	req := httptest.NewRequest("GET", "/ui/userbar", nil)
	req.Header.Set("X-Test-Subject", "1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Nodes []model.ToolbarNode `json:"nodes"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(resp.Nodes))
	}
	if resp.Nodes[0].ID != panel.NodeSummary || !strings.Contains(resp.Nodes[0].Title, "Administrator") {
		t.Errorf("summary node = %+v", resp.Nodes[0])
	}
	if !strings.Contains(resp.Nodes[1].Title, "Ada Lovelace") {
		t.Errorf("panel markup missing display name: %s", resp.Nodes[1].Title)
	}

	req = httptest.NewRequest("GET", "/ui/userbar", nil)
	req.Header.Set("X-Test-Subject", "404")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("unknown identity status = %d, want 204", w.Code)
	}
}

func TestPipeline_eventInvalidates(t *testing.T) {
	deps, counts := newPipeline(t)
	r := NewRouter(deps)

	get := func() string {
		t.Helper()
		req := httptest.NewRequest("GET", "/ui/userbar/data", nil)
		req.Header.Set("X-Test-Subject", "2")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("data status = %d", w.Code)
		}
		return w.Body.String()
	}

	first := get()
	if !strings.Contains(first, `"role_names":["Editor","Customer Admin"]`) {
		t.Errorf("data = %s", first)
	}
	get()
	if counts.misses != 1 || counts.hits != 1 {
		t.Fatalf("hits=%d misses=%d before the event, want 1 and 1", counts.hits, counts.misses)
	}

	if w := serveEvent(t, r, "/events/profile-updated", "s3cret", `{"identity":"2"}`); w.Code != http.StatusAccepted {
		t.Fatalf("event status = %d", w.Code)
	}
	if second := get(); second != first {
		t.Errorf("rebuilt data differs:\n%s\n%s", first, second)
	}
	if counts.misses != 2 {
		t.Errorf("misses = %d after the event, want 2", counts.misses)
	}
}
