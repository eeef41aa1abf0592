package main

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/config"
	"github.com/pitabwire/userbar/internal/enrichment"
	"github.com/pitabwire/userbar/internal/hooks"
	"github.com/pitabwire/userbar/internal/observability"
	"github.com/pitabwire/userbar/model"
)

// registerHooks installs the built-in callbacks that config turns on: name
// overrides, the cache lifetime, panel visibility and the enrichers.
// Enrichers run in registration order, meta first.
func registerHooks(reg *hooks.Registry, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) error {
	if names := cfg.Display.RoleNames; len(names) > 0 {
		reg.RoleDisplayName.Add("config.role_names", lookup(names))
	}
	if names := cfg.Display.CapabilityNames; len(names) > 0 {
		reg.CapabilityDisplayName.Add("config.capability_names", lookup(names))
	}

	if ttl := cfg.Cache.TTL; ttl > 0 {
		reg.CacheTTL.Add("config.cache_ttl", func(context.Context, time.Duration, struct{}) (time.Duration, error) {
			return ttl, nil
		})
	}

	if allowed := cfg.Display.ShowForRoles; len(allowed) > 0 {
		reg.ShowPanel.Add("config.show_for_roles", func(_ context.Context, visible bool, rctx *model.RequestContext) (bool, error) {
			if !visible || rctx == nil {
				return visible, nil
			}
			return slices.ContainsFunc(rctx.Roles, func(r string) bool {
				return slices.Contains(allowed, r)
			}), nil
		})
	}

	if meta := cfg.Enrichment.Meta; meta.Enabled {
		reg.EnrichUserData.Add("meta", enrichment.NewMetaEnricher(meta.Keys, meta.CustomPrefix).Enrich)
	}

	if es := cfg.Enrichment.EntityService; es.Enabled {
		enricher, err := enrichment.NewHTTPEnricher(enrichment.HTTPConfig{
			BaseURL:          es.BaseURL,
			Timeout:          es.Timeout,
			FailureThreshold: es.FailureThreshold,
			Cooldown:         es.Cooldown,
			Headers:          es.Headers,
		}, nil)
		if err != nil {
			return err
		}
		enricher.Breaker().OnStateChange(func(from, to enrichment.BreakerState) {
			if metrics != nil {
				metrics.SetEnrichmentBreakerState(breakerGauge(to))
			}
			logger.Warn("entity service circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		})
		reg.EnrichUserData.Add("entity_service", enricher.Enrich)
	}
	return nil
}

// lookup answers a display-name resolver from a fixed table.
func lookup(names map[string]string) hooks.ResolveFunc {
	return func(_ context.Context, key string) (string, bool) {
		name, ok := names[key]
		return name, ok && name != ""
	}
}

// breakerGauge maps a breaker state to the gauge encoding
// 0=closed, 1=half-open, 2=open.
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
