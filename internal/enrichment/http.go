package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/internal/observability"
	"github.com/pitabwire/userbar/model"
)

// maxEntityBody bounds the entity service response size.
const maxEntityBody = 1 << 20

// HTTPConfig configures an HTTPEnricher.
type HTTPConfig struct {
	BaseURL          string
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	Headers          map[string]string
}

// HTTPEnricher fetches entity attributes for a user from an external
// service at GET <base_url>/<identity>. The response must be a JSON object;
// scalar members are copied as-is, arrays become string lists and objects
// become string maps. A "custom_fields" object is merged into the existing
// custom fields. A 404 contributes nothing.
type HTTPEnricher struct {
	base    string
	headers map[string]string
	client  *http.Client
	breaker *CircuitBreaker
}

// NewHTTPEnricher creates an enricher. A nil client gets a default one with
// cfg.Timeout (5s when unset).
func NewHTTPEnricher(cfg HTTPConfig, client *http.Client) (*HTTPEnricher, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("enrichment: invalid entity service url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if client == nil {
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &HTTPEnricher{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		headers: maps.Clone(cfg.Headers),
		client:  client,
		breaker: NewCircuitBreaker(cfg.FailureThreshold, 1, cfg.Cooldown),
	}, nil
}

// Breaker exposes the enricher's circuit breaker.
func (e *HTTPEnricher) Breaker() *CircuitBreaker { return e.breaker }

// Enrich implements hooks.FilterFunc for enrich_user_data.
func (e *HTTPEnricher) Enrich(ctx context.Context, m model.AttributeMap, args hooks.UserArgs) (model.AttributeMap, error) {
	attrs, err := e.fetch(ctx, args.Identity)
	if err != nil {
		return m, err
	}
	for _, k := range attrs.Keys() {
		v, _ := attrs.Get(k)
		if k == model.KeyCustomFields {
			merged := maps.Clone(m.StringMap(model.KeyCustomFields))
			if merged == nil {
				merged = make(map[string]string)
			}
			maps.Copy(merged, attrs.StringMap(k))
			m.Set(k, merged)
			continue
		}
		switch tv := v.(type) {
		case nil:
		case []any:
			m.Set(k, attrs.Strings(k))
		case map[string]any:
			m.Set(k, attrs.StringMap(k))
		default:
			m.Set(k, tv)
		}
	}
	return m, nil
}

func (e *HTTPEnricher) fetch(ctx context.Context, id model.Identity) (model.AttributeMap, error) {
	if err := e.breaker.Allow(); err != nil {
		return model.AttributeMap{}, err
	}

	reqURL := e.base + "/" + url.PathEscape(string(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.AttributeMap{}, fmt.Errorf("enrichment: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := e.client.Do(req)
	if err != nil {
		e.breaker.RecordFailure()
		return model.AttributeMap{}, fmt.Errorf("enrichment: entity request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEntityBody))
	if err != nil {
		e.breaker.RecordFailure()
		return model.AttributeMap{}, fmt.Errorf("enrichment: read entity response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.breaker.RecordSuccess()
		return model.NewAttributeMap(), nil
	case resp.StatusCode >= 500:
		e.breaker.RecordFailure()
		return model.AttributeMap{}, fmt.Errorf("enrichment: entity service returned %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		e.breaker.RecordSuccess()
		return model.AttributeMap{}, fmt.Errorf("enrichment: entity service returned %d", resp.StatusCode)
	}
	e.breaker.RecordSuccess()

	var attrs model.AttributeMap
	if err := json.Unmarshal(body, &attrs); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return model.AttributeMap{}, fmt.Errorf("enrichment: malformed entity response at offset %d: %w", syntaxErr.Offset, err)
		}
		return model.AttributeMap{}, fmt.Errorf("enrichment: malformed entity response: %w", err)
	}
	return attrs, nil
}
