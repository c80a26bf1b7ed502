// Package storetest holds the behavioral suite every ports.RepositoryStore implementation runs.
package storetest

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

// Suite is embedded by backend test suites. Set NewStore in SetupSuite (or before suite.Run).
// Every test works under a fresh random namespace, so durable backends need no cleanup between tests.
type Suite struct {
	suite.Suite

	NewStore func() ports.RepositoryStore

	store ports.RepositoryStore
	ctx   context.Context
	ns    string
}

func (s *Suite) SetupTest() {
	s.Require().NotNil(s.NewStore, "NewStore must be set")
	s.store = s.NewStore()
	s.ctx = context.Background()
	s.ns = "ns-" + uuid.NewString()[:8]
}

func (s *Suite) TearDownTest() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
}

// Store exposes the store under test to embedding suites.
func (s *Suite) Store() ports.RepositoryStore { return s.store }

func (s *Suite) repo(name string) types.RepositoryID {
	return types.RepositoryID{Namespace: s.ns, Name: name}
}

func (s *Suite) key(repo, key string) types.EntryKey {
	return types.NewEntryKey(s.ns, repo, key)
}

func (s *Suite) val(raw string) types.Value { return types.Value(raw) }

func (s *Suite) mustCreate(name string) types.RepositoryID {
	r := s.repo(name)
	s.Require().NoError(s.store.CreateRepository(s.ctx, r))
	return r
}

func (s *Suite) requireKind(err error, kind types.Kind) {
	s.Require().Error(err)
	s.Require().Equal(kind, types.KindOf(err), "unexpected error: %v", err)
}

func (s *Suite) TestCreateRepositoryUniqueness() {
	s.mustCreate("app-config")
	err := s.store.CreateRepository(s.ctx, s.repo("app-config"))
	s.requireKind(err, types.RepositoryAlreadyExists)
	s.ErrorIs(err, types.ErrRepositoryAlreadyExists)

	// same name in another namespace is a different repository
	other := types.RepositoryID{Namespace: s.ns + "-b", Name: "app-config"}
	s.NoError(s.store.CreateRepository(s.ctx, other))
}

func (s *Suite) TestConcurrentCreateRepository() {
	const n = 8
	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for j := 0; j < n; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.CreateRepository(s.ctx, s.repo("race"))
			switch types.KindOf(err) {
			case types.KindUnknown:
				wins.Add(1)
			case types.RepositoryAlreadyExists:
				losses.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
	s.Equal(int32(n-1), losses.Load())
}

func (s *Suite) TestScenario() {
	s.mustCreate("app-config")
	k := s.key("app-config", "timeout")

	v, err := s.store.Put(s.ctx, k, s.val(`"30"`), types.AnyVersion)
	s.Require().NoError(err)
	s.Equal(int64(1), v)

	v, err = s.store.Put(s.ctx, k, s.val(`"45"`), 1)
	s.Require().NoError(err)
	s.Equal(int64(2), v)

	_, err = s.store.Put(s.ctx, k, s.val(`"60"`), 1)
	s.requireKind(err, types.VersionConflict)

	e, err := s.store.Get(s.ctx, k)
	s.Require().NoError(err)
	s.Equal("timeout", e.Key)
	s.JSONEq(`"45"`, string(e.Value))
	s.Equal(int64(2), e.Version)

	removed, err := s.store.Remove(s.ctx, k)
	s.Require().NoError(err)
	s.Equal("timeout", removed)

	_, err = s.store.Get(s.ctx, k)
	s.requireKind(err, types.KeyNotFound)
}

func (s *Suite) TestMonotonicVersions() {
	s.mustCreate("r")
	k := s.key("r", "counter")
	for i := int64(1); i <= 5; i++ {
		v, err := s.store.Put(s.ctx, k, s.val(fmt.Sprintf(`{"n":%d}`, i)), types.AnyVersion)
		s.Require().NoError(err)
		s.Equal(i, v)
	}
	for i := int64(5); i <= 8; i++ {
		v, err := s.store.Put(s.ctx, k, s.val(fmt.Sprintf(`{"n":%d}`, i+1)), i)
		s.Require().NoError(err)
		s.Equal(i+1, v)
	}
}

func (s *Suite) TestStaleWriteLeavesEntryUnchanged() {
	s.mustCreate("r")
	k := s.key("r", "k")
	_, err := s.store.Put(s.ctx, k, s.val(`1`), types.CreateOnly)
	s.Require().NoError(err)
	_, err = s.store.Put(s.ctx, k, s.val(`2`), 1)
	s.Require().NoError(err)

	for _, stale := range []int64{1, 3, 99} {
		_, err = s.store.Put(s.ctx, k, s.val(`"lost"`), stale)
		s.requireKind(err, types.VersionConflict)
	}
	e, err := s.store.Get(s.ctx, k)
	s.Require().NoError(err)
	s.JSONEq(`2`, string(e.Value))
	s.Equal(int64(2), e.Version)
}

func (s *Suite) TestCreateOnlyConflictsOnExistingKey() {
	s.mustCreate("r")
	k := s.key("r", "k")
	_, err := s.store.Put(s.ctx, k, s.val(`true`), types.CreateOnly)
	s.Require().NoError(err)
	_, err = s.store.Put(s.ctx, k, s.val(`false`), types.CreateOnly)
	s.requireKind(err, types.VersionConflict)
}

func (s *Suite) TestExpectedVersionOnAbsentKeyConflicts() {
	s.mustCreate("r")
	_, err := s.store.Put(s.ctx, s.key("r", "missing"), s.val(`1`), 1)
	s.requireKind(err, types.VersionConflict)
	_, err = s.store.Get(s.ctx, s.key("r", "missing"))
	s.requireKind(err, types.KeyNotFound)
}

func (s *Suite) TestNotFoundDiscrimination() {
	_, err := s.store.Get(s.ctx, s.key("nope", "k"))
	s.requireKind(err, types.RepositoryNotFound)
	s.ErrorIs(err, types.ErrRepositoryNotFound)

	s.mustCreate("yes")
	_, err = s.store.Get(s.ctx, s.key("yes", "k"))
	s.requireKind(err, types.KeyNotFound)

	_, err = s.store.Put(s.ctx, s.key("nope", "k"), s.val(`1`), types.AnyVersion)
	s.requireKind(err, types.RepositoryNotFound)
	_, err = s.store.Put(s.ctx, s.key("nope", "k"), s.val(`1`), 3)
	s.requireKind(err, types.RepositoryNotFound)

	_, err = s.store.Remove(s.ctx, s.key("nope", "k"))
	s.requireKind(err, types.RepositoryNotFound)
	_, err = s.store.Remove(s.ctx, s.key("yes", "k"))
	s.requireKind(err, types.KeyNotFound)

	_, err = s.store.Entries(s.ctx, s.repo("nope"))
	s.requireKind(err, types.RepositoryNotFound)

	_, err = s.store.History(s.ctx, s.key("nope", "k"))
	s.requireKind(err, types.RepositoryNotFound)
	_, err = s.store.History(s.ctx, s.key("yes", "k"))
	s.requireKind(err, types.KeyNotFound)
}

func (s *Suite) TestRemoveThenRecreateStartsAtOne() {
	s.mustCreate("r")
	k := s.key("r", "k")
	for j := 0; j < 3; j++ {
		_, err := s.store.Put(s.ctx, k, s.val(`"x"`), types.AnyVersion)
		s.Require().NoError(err)
	}
	_, err := s.store.Remove(s.ctx, k)
	s.Require().NoError(err)
	_, err = s.store.Get(s.ctx, k)
	s.requireKind(err, types.KeyNotFound)

	v, err := s.store.Put(s.ctx, k, s.val(`"y"`), types.AnyVersion)
	s.Require().NoError(err)
	s.Equal(int64(1), v)

	h, err := s.store.History(s.ctx, k)
	s.Require().NoError(err)
	s.Len(h, 1)
	s.Equal(int64(1), h[0].Version)
	s.JSONEq(`"y"`, string(h[0].Value))
}

func (s *Suite) TestNamespaceIsolation() {
	r1 := types.RepositoryID{Namespace: s.ns + "-1", Name: "shared"}
	r2 := types.RepositoryID{Namespace: s.ns + "-2", Name: "shared"}
	s.Require().NoError(s.store.CreateRepository(s.ctx, r1))
	s.Require().NoError(s.store.CreateRepository(s.ctx, r2))

	k1 := types.EntryKey{RepositoryID: r1, Key: "k"}
	k2 := types.EntryKey{RepositoryID: r2, Key: "k"}
	_, err := s.store.Put(s.ctx, k1, s.val(`"one"`), types.AnyVersion)
	s.Require().NoError(err)
	_, err = s.store.Put(s.ctx, k1, s.val(`"one-b"`), types.AnyVersion)
	s.Require().NoError(err)

	_, err = s.store.Get(s.ctx, k2)
	s.requireKind(err, types.KeyNotFound)

	v, err := s.store.Put(s.ctx, k2, s.val(`"two"`), types.CreateOnly)
	s.Require().NoError(err)
	s.Equal(int64(1), v)

	_, err = s.store.Remove(s.ctx, k2)
	s.Require().NoError(err)
	e, err := s.store.Get(s.ctx, k1)
	s.Require().NoError(err)
	s.Equal(int64(2), e.Version)
	s.JSONEq(`"one-b"`, string(e.Value))
}

func (s *Suite) TestRepositoryIsolation() {
	s.mustCreate("a")
	s.mustCreate("b")
	_, err := s.store.Put(s.ctx, s.key("a", "k"), s.val(`1`), types.AnyVersion)
	s.Require().NoError(err)

	list, err := s.store.Entries(s.ctx, s.repo("b"))
	s.Require().NoError(err)
	s.Empty(list)
}

func (s *Suite) TestEntriesSnapshot() {
	r := s.mustCreate("r")
	for _, k := range []string{"c", "a", "b"} {
		_, err := s.store.Put(s.ctx, s.key("r", k), s.val(fmt.Sprintf(`{"k":%q}`, k)), types.AnyVersion)
		s.Require().NoError(err)
	}
	_, err := s.store.Put(s.ctx, s.key("r", "b"), s.val(`{"k":"b2"}`), 1)
	s.Require().NoError(err)

	list, err := s.store.Entries(s.ctx, r)
	s.Require().NoError(err)
	s.Require().Len(list, 3)
	s.Equal([]string{"a", "b", "c"}, []string{list[0].Key, list[1].Key, list[2].Key})
	s.Equal(int64(2), list[1].Version)
	s.JSONEq(`{"k":"b2"}`, string(list[1].Value))

	// mutations after the call must not show up in the returned slice
	_, err = s.store.Put(s.ctx, s.key("r", "d"), s.val(`1`), types.AnyVersion)
	s.Require().NoError(err)
	_, err = s.store.Remove(s.ctx, s.key("r", "a"))
	s.Require().NoError(err)
	s.Len(list, 3)
	s.Equal("a", list[0].Key)

	// and the caller's copy must not alias stored state
	list[1].Value[0] = '['
	e, err := s.store.Get(s.ctx, s.key("r", "b"))
	s.Require().NoError(err)
	s.JSONEq(`{"k":"b2"}`, string(e.Value))

	again, err := s.store.Entries(s.ctx, r)
	s.Require().NoError(err)
	s.Len(again, 3)
	s.Equal("b", again[0].Key)
}

func (s *Suite) TestPutDoesNotAliasInput() {
	s.mustCreate("r")
	k := s.key("r", "k")
	in := types.Value(`{"a":1}`)
	_, err := s.store.Put(s.ctx, k, in, types.AnyVersion)
	s.Require().NoError(err)
	in[2] = 'b'

	e, err := s.store.Get(s.ctx, k)
	s.Require().NoError(err)
	s.JSONEq(`{"a":1}`, string(e.Value))
}

func (s *Suite) TestHistoryAndGetVersion() {
	s.mustCreate("r")
	k := s.key("r", "k")
	for i := 1; i <= 3; i++ {
		_, err := s.store.Put(s.ctx, k, s.val(fmt.Sprintf(`{"rev":%d}`, i)), types.AnyVersion)
		s.Require().NoError(err)
	}

	h, err := s.store.History(s.ctx, k)
	s.Require().NoError(err)
	s.Require().Len(h, 3)
	for i, e := range h {
		s.Equal(int64(i+1), e.Version)
		s.JSONEq(fmt.Sprintf(`{"rev":%d}`, i+1), string(e.Value))
	}

	e, err := s.store.GetVersion(s.ctx, k, 2)
	s.Require().NoError(err)
	s.Equal(int64(2), e.Version)
	s.JSONEq(`{"rev":2}`, string(e.Value))

	_, err = s.store.GetVersion(s.ctx, k, 4)
	s.requireKind(err, types.KeyVersionNotFound)
	_, err = s.store.GetVersion(s.ctx, s.key("r", "other"), 1)
	s.requireKind(err, types.KeyNotFound)
	_, err = s.store.GetVersion(s.ctx, s.key("gone", "k"), 1)
	s.requireKind(err, types.RepositoryNotFound)
}

func (s *Suite) TestLargeValue() {
	s.mustCreate("r")
	k := s.key("r", "blob")
	big := make([]byte, 0, 8192)
	big = append(big, '"')
	for len(big) < 8000 {
		big = append(big, "0123456789abcdef"...)
	}
	big = append(big, '"')
	_, err := s.store.Put(s.ctx, k, types.Value(big), types.AnyVersion)
	s.Require().NoError(err)
	e, err := s.store.Get(s.ctx, k)
	s.Require().NoError(err)
	s.Equal(string(big), string(e.Value))
}

func (s *Suite) TestKeysWithDelimiters() {
	s.mustCreate("r")
	keys := []string{"a/b", "a:b", "a#b", "db.url", "ключ", "a/b/h/c"}
	for _, k := range keys {
		_, err := s.store.Put(s.ctx, s.key("r", k), s.val(fmt.Sprintf(`%q`, k)), types.AnyVersion)
		s.Require().NoError(err, k)
	}
	_, err := s.store.Put(s.ctx, s.key("r", "a"), s.val(`"plain"`), types.AnyVersion)
	s.Require().NoError(err)

	list, err := s.store.Entries(s.ctx, s.repo("r"))
	s.Require().NoError(err)
	s.Len(list, len(keys)+1)

	h, err := s.store.History(s.ctx, s.key("r", "a"))
	s.Require().NoError(err)
	s.Len(h, 1)

	for _, k := range keys {
		e, err := s.store.Get(s.ctx, s.key("r", k))
		s.Require().NoError(err, k)
		s.JSONEq(fmt.Sprintf(`%q`, k), string(e.Value))
	}
}

func (s *Suite) TestConcurrentPutsSingleWinner() {
	s.mustCreate("r")
	k := s.key("r", "k")
	_, err := s.store.Put(s.ctx, k, s.val(`0`), types.AnyVersion)
	s.Require().NoError(err)

	const n = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.Put(s.ctx, k, s.val(fmt.Sprintf(`%d`, i+1)), 1)
			switch types.KindOf(err) {
			case types.KindUnknown:
				wins.Add(1)
			case types.VersionConflict:
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
	s.Equal(int32(n-1), conflicts.Load())

	e, err := s.store.Get(s.ctx, k)
	s.Require().NoError(err)
	s.Equal(int64(2), e.Version)
}

func (s *Suite) TestConcurrentUnconditionalPutsAreLinearizable() {
	s.mustCreate("r")
	k := s.key("r", "k")
	const n = 10
	var wg sync.WaitGroup
	versions := make(chan int64, n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.store.Put(s.ctx, k, s.val(fmt.Sprintf(`%d`, i)), types.AnyVersion)
			if s.NoError(err) {
				versions <- v
			}
		}()
	}
	wg.Wait()
	close(versions)
	seen := map[int64]bool{}
	for v := range versions {
		s.False(seen[v], "version %d returned twice", v)
		seen[v] = true
	}
	s.Len(seen, n)
	e, err := s.store.Get(s.ctx, k)
	s.Require().NoError(err)
	s.Equal(int64(n), e.Version)
}

func (s *Suite) TestCanceledContextIsDataAccessFailure() {
	s.mustCreate("r")
	ctx, cancel := context.WithTimeout(s.ctx, time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	_, err := s.store.Get(ctx, s.key("r", "k"))
	s.requireKind(err, types.DataAccessFailure)
	s.True(types.IsRetryable(err))
}
