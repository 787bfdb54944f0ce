package blob

import (
	"context"
	"errors"
	"time"

	"abobi.legal/advisor-service/internal/metrics"
)

// InstrumentedStore records operation counts and latency for a backend.
type InstrumentedStore struct {
	inner   Store
	backend string
	m       *metrics.Collector
}

func NewInstrumentedStore(inner Store, backend string, m *metrics.Collector) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, backend: backend, m: m}
}

func (s *InstrumentedStore) Put(ctx context.Context, data []byte) (Handle, error) {
	start := time.Now()
	h, err := s.inner.Put(ctx, data)
	s.observe("put", start, err)
	return h, err
}

func (s *InstrumentedStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	start := time.Now()
	data, err := s.inner.Get(ctx, h)
	s.observe("get", start, err)
	return data, err
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	s.m.BlobOpDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	s.m.BlobOps.WithLabelValues(s.backend, op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCorrupt):
		return "corrupt"
	case errors.Is(err, ErrWriteRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}
