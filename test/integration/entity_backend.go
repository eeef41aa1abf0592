package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// EntityBackend is a configurable HTTP test server that simulates the entity
// service at GET /entities/{identity}. Responses are configured per identity
// and every request is recorded for later assertion. Identities without a
// configured response get 404.
type EntityBackend struct {
	t      *testing.T
	server *httptest.Server

	mu         sync.RWMutex
	identities map[string]*identityConfig
	received   map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	ReceivedAt time.Time
}

// identityConfig holds the configured responses for a single identity.
type identityConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	raw       []byte
	delay     time.Duration
	connError bool
}

// IdentityMock is a builder for configuring responses for one identity.
type IdentityMock struct {
	backend  *EntityBackend
	identity string
}

// newEntityBackend creates a new backend and starts the HTTP test server.
func newEntityBackend(t *testing.T) *EntityBackend {
	t.Helper()

	eb := &EntityBackend{
		t:          t,
		identities: make(map[string]*identityConfig),
		received:   make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /entities/{identity}", eb.handleEntity)

	eb.server = httptest.NewServer(mux)
	t.Cleanup(eb.server.Close)

	return eb
}

// URL returns the entity collection URL, the enricher's base URL.
func (eb *EntityBackend) URL() string {
	return eb.server.URL + "/entities"
}

// OnIdentity returns a builder for configuring responses for identity.
func (eb *EntityBackend) OnIdentity(identity string) *IdentityMock {
	return &IdentityMock{backend: eb, identity: identity}
}

// RespondWith configures the identity to respond with the given status and body.
func (im *IdentityMock) RespondWith(status int, body any) *IdentityMock {
	im.backend.addResponse(im.identity, &mockResponse{status: status, body: body})
	return im
}

// RespondWithRaw configures a verbatim response body, for malformed payloads.
func (im *IdentityMock) RespondWithRaw(status int, raw string) *IdentityMock {
	im.backend.addResponse(im.identity, &mockResponse{status: status, raw: []byte(raw)})
	return im
}

// RespondWithDelay configures a delayed response to simulate a slow service.
func (im *IdentityMock) RespondWithDelay(delay time.Duration, status int, body any) *IdentityMock {
	im.backend.addResponse(im.identity, &mockResponse{status: status, body: body, delay: delay})
	return im
}

// RespondWithConnectionError configures the identity to close the connection
// to simulate a backend failure.
func (im *IdentityMock) RespondWithConnectionError() *IdentityMock {
	im.backend.addResponse(im.identity, &mockResponse{connError: true})
	return im
}

func (eb *EntityBackend) addResponse(identity string, resp *mockResponse) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	cfg, ok := eb.identities[identity]
	if !ok {
		cfg = &identityConfig{}
		eb.identities[identity] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (eb *EntityBackend) handleEntity(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	eb.mu.Lock()
	eb.received[identity] = append(eb.received[identity], &RecordedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		ReceivedAt: time.Now(),
	})
	eb.mu.Unlock()

	resp := eb.nextResponse(identity)
	if resp == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if resp.connError {
		// Hijack the connection and close it to simulate a connection error.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			if conn != nil {
				conn.Close()
			}
		}
		return
	}

	if resp.delay > 0 {
		select {
		case <-time.After(resp.delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	switch {
	case resp.raw != nil:
		w.Write(resp.raw)
	case resp.body != nil:
		json.NewEncoder(w).Encode(resp.body)
	}
}

func (eb *EntityBackend) nextResponse(identity string) *mockResponse {
	eb.mu.RLock()
	cfg, ok := eb.identities[identity]
	eb.mu.RUnlock()
	if !ok {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// Calls returns how many requests were received for identity.
func (eb *EntityBackend) Calls(identity string) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.received[identity])
}

// AssertCalled verifies that identity was requested the expected number of times.
func (eb *EntityBackend) AssertCalled(t *testing.T, identity string, expectedCount int) {
	t.Helper()
	if actual := eb.Calls(identity); actual != expectedCount {
		t.Errorf("entity backend: identity %q requested %d times, want %d", identity, actual, expectedCount)
	}
}

// LastRequest returns the last request received for identity, or nil.
func (eb *EntityBackend) LastRequest(identity string) *RecordedRequest {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	reqs := eb.received[identity]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears all recorded requests and configured responses.
func (eb *EntityBackend) Reset() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.identities = make(map[string]*identityConfig)
	eb.received = make(map[string][]*RecordedRequest)
}
