package cache

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/userbar/model"
)

// Recorder receives cache outcome counts.
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordCacheError(op string)
}

// InstrumentedStore wraps a Store and records hits, misses and errors.
type InstrumentedStore struct {
	Store
	rec Recorder
}

// Instrument wraps store with rec. A nil rec returns store unchanged.
func Instrument(store Store, rec Recorder) Store {
	if rec == nil {
		return store
	}
	return &InstrumentedStore{Store: store, rec: rec}
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (model.AttributeMap, error) {
	m, err := s.Store.Get(ctx, key)
	switch {
	case err == nil:
		s.rec.RecordCacheHit()
	case errors.Is(err, model.ErrCacheMiss):
		s.rec.RecordCacheMiss()
	default:
		s.rec.RecordCacheError("get")
	}
	return m, err
}

func (s *InstrumentedStore) Set(ctx context.Context, key string, value model.AttributeMap, ttl time.Duration) error {
	err := s.Store.Set(ctx, key, value, ttl)
	if err != nil {
		s.rec.RecordCacheError("set")
	}
	return err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	err := s.Store.Delete(ctx, key)
	if err != nil {
		s.rec.RecordCacheError("delete")
	}
	return err
}

// HealthCheck forwards to the wrapped store when it supports health checks.
func (s *InstrumentedStore) HealthCheck(ctx context.Context) error {
	if hc, ok := s.Store.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
