package backends

import (
	"confstore/internal/backends/memory"
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// flakyStore fails the first failures reads with DataAccessFailure.
type flakyStore struct {
	ports.RepositoryStore
	failures int32
	calls    atomic.Int32
	puts     atomic.Int32
}

func (f *flakyStore) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	if f.calls.Add(1) <= f.failures {
		return types.Entry{}, types.DataAccessErr(errors.New("timeout"), "flaky get")
	}
	return f.RepositoryStore.Get(ctx, key)
}

func (f *flakyStore) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	f.puts.Add(1)
	return 0, types.DataAccessErr(errors.New("timeout"), "flaky put")
}

type WrappersTestSuite struct {
	suite.Suite
	ctx   context.Context
	inner ports.RepositoryStore
	key   types.EntryKey
}

func TestWrappersTestSuite(t *testing.T) {
	suite.Run(t, new(WrappersTestSuite))
}

func (s *WrappersTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.inner = memory.NewStore()
	s.key = types.NewEntryKey("t1", "app", "k")
	s.Require().NoError(s.inner.CreateRepository(s.ctx, s.key.RepositoryID))
	_, err := s.inner.Put(s.ctx, s.key, types.Value(`{"a":1}`), types.CreateOnly)
	s.Require().NoError(err)
}

func (s *WrappersTestSuite) TestRetryRecoversTransientRead() {
	flaky := &flakyStore{RepositoryStore: s.inner, failures: 2}
	st := WithRetry(flaky, 3, time.Millisecond)

	e, err := st.Get(s.ctx, s.key)
	s.Require().NoError(err)
	s.Equal(int64(1), e.Version)
	s.Equal(int32(3), flaky.calls.Load())
}

func (s *WrappersTestSuite) TestRetryGivesUp() {
	flaky := &flakyStore{RepositoryStore: s.inner, failures: 10}
	st := WithRetry(flaky, 2, time.Millisecond)

	_, err := st.Get(s.ctx, s.key)
	s.Equal(types.DataAccessFailure, types.KindOf(err))
	s.Equal(int32(3), flaky.calls.Load())
}

func (s *WrappersTestSuite) TestRetrySkipsDomainErrors() {
	flaky := &flakyStore{RepositoryStore: s.inner}
	st := WithRetry(flaky, 5, time.Millisecond)

	_, err := st.Get(s.ctx, types.NewEntryKey("t1", "app", "missing"))
	s.Equal(types.KeyNotFound, types.KindOf(err))
	s.Equal(int32(1), flaky.calls.Load())
}

func (s *WrappersTestSuite) TestRetryNeverReplaysWrites() {
	flaky := &flakyStore{RepositoryStore: s.inner}
	st := WithRetry(flaky, 5, time.Millisecond)

	_, err := st.Put(s.ctx, s.key, types.Value(`1`), types.AnyVersion)
	s.Equal(types.DataAccessFailure, types.KindOf(err))
	s.Equal(int32(1), flaky.puts.Load())
}

func (s *WrappersTestSuite) TestInstrumentCountsOutcomes() {
	reg := prometheus.NewRegistry()
	st := Instrument(s.inner, reg)

	_, err := st.Get(s.ctx, s.key)
	s.Require().NoError(err)
	_, err = st.Get(s.ctx, types.NewEntryKey("t1", "app", "missing"))
	s.Require().Error(err)
	_, err = st.Put(s.ctx, s.key, types.Value(`2`), 7)
	s.Require().Error(err)

	m := st.(*instrumentedStore).metrics
	s.Equal(1.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "ok")))
	s.Equal(1.0, testutil.ToFloat64(m.ops.WithLabelValues("get", "KeyNotFound")))
	s.Equal(1.0, testutil.ToFloat64(m.ops.WithLabelValues("put", "VersionConflict")))
	s.Equal(2, testutil.CollectAndCount(m.duration))

	// a second instrumented store shares the collectors
	other := Instrument(memory.NewStore(), reg)
	s.Same(m.ops, other.(*instrumentedStore).metrics.ops)
}

func TestStoreFromConfigMemory(t *testing.T) {
	st, err := StoreFromConfig(context.Background(), types.Config{Backend: types.BackendMemory})
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*memory.Store)
	assert.True(t, ok)
}

func TestStoreFromConfigRetryWrapper(t *testing.T) {
	st, err := StoreFromConfig(context.Background(), types.Config{Backend: types.BackendMemory, RetryAttempts: 2})
	require.NoError(t, err)
	defer st.Close()
	_, ok := st.(*retryingStore)
	assert.True(t, ok)
}

func TestStoreFromConfigInvalidBackend(t *testing.T) {
	_, err := StoreFromConfig(context.Background(), types.Config{Backend: "cassandra"})
	assert.ErrorIs(t, err, ErrInvalidBackend)
}

func TestStoreFromConfigEmbeddedBackends(t *testing.T) {
	dir := t.TempDir()
	for _, cfg := range []types.Config{
		{Backend: types.BackendBadger, BadgerDir: filepath.Join(dir, "badger"), CompressThreshold: 1024, BackendTimeout: time.Second},
		{Backend: types.BackendSQLite, SQLitePath: filepath.Join(dir, "sql", "cs.db"), CompressThreshold: 1024, BackendTimeout: time.Second},
	} {
		t.Run(cfg.Backend, func(t *testing.T) {
			ctx := context.Background()
			st, err := StoreFromConfig(ctx, cfg)
			require.NoError(t, err)
			defer st.Close()

			key := types.NewEntryKey("t1", "app", "k")
			require.NoError(t, st.CreateRepository(ctx, key.RepositoryID))
			ver, err := st.Put(ctx, key, types.Value(`{"x":1}`), types.CreateOnly)
			require.NoError(t, err)
			assert.Equal(t, int64(1), ver)
		})
	}
}

func TestClosingStoreClosesClients(t *testing.T) {
	var closed atomic.Int32
	c := closerFunc(func() error { closed.Add(1); return nil })
	st := withClosers(memory.NewStore(), c, c)
	require.NoError(t, st.Close())
	assert.Equal(t, int32(2), closed.Load())
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
