package backends

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type storeMetrics struct {
	ops      *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newStoreMetrics(reg prometheus.Registerer) *storeMetrics {
	m := &storeMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "confstore",
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by outcome (ok or the error kind).",
		}, []string{"op", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "confstore",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
	}
	m.ops = register(reg, m.ops)
	m.duration = register(reg, m.duration)
	return m
}

// register returns the already registered collector when one with the same descriptor exists,
// so several instrumented stores can share a registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *storeMetrics) observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = types.KindOf(err).String()
	}
	m.ops.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

type instrumentedStore struct {
	next    ports.RepositoryStore
	metrics *storeMetrics
}

// Instrument decorates store with operation counters and latency histograms registered on reg.
// A nil reg keeps the collectors unregistered.
func Instrument(store ports.RepositoryStore, reg prometheus.Registerer) ports.RepositoryStore {
	return &instrumentedStore{next: store, metrics: newStoreMetrics(reg)}
}

func (s *instrumentedStore) CreateRepository(ctx context.Context, repo types.RepositoryID) error {
	start := time.Now()
	err := s.next.CreateRepository(ctx, repo)
	s.metrics.observe("create_repository", start, err)
	return err
}

func (s *instrumentedStore) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	start := time.Now()
	e, err := s.next.Get(ctx, key)
	s.metrics.observe("get", start, err)
	return e, err
}

func (s *instrumentedStore) GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error) {
	start := time.Now()
	e, err := s.next.GetVersion(ctx, key, version)
	s.metrics.observe("get_version", start, err)
	return e, err
}

func (s *instrumentedStore) History(ctx context.Context, key types.EntryKey) ([]types.Entry, error) {
	start := time.Now()
	out, err := s.next.History(ctx, key)
	s.metrics.observe("history", start, err)
	return out, err
}

func (s *instrumentedStore) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	start := time.Now()
	ver, err := s.next.Put(ctx, key, value, expected)
	s.metrics.observe("put", start, err)
	return ver, err
}

func (s *instrumentedStore) Remove(ctx context.Context, key types.EntryKey) (string, error) {
	start := time.Now()
	k, err := s.next.Remove(ctx, key)
	s.metrics.observe("remove", start, err)
	return k, err
}

func (s *instrumentedStore) Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error) {
	start := time.Now()
	out, err := s.next.Entries(ctx, repo)
	s.metrics.observe("entries", start, err)
	return out, err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
