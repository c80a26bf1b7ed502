package service

import (
	"confstore/internal/auth"
	"confstore/internal/backends/memory"
	"confstore/internal/types"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/suite"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

type ServiceTestSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memory.Store
	notifier *recorder
	svc      *Service
}

func TestServiceTestSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}

func (s *ServiceTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memory.NewStore()
	s.notifier = &recorder{}
	s.svc = New(s.store, allowAll("acme"), WithNotifier(s.notifier), WithTimeout(time.Second))
	s.Require().NoError(s.svc.CreateRepository(s.ctx, RepositoryRequest{Repository: "app"}))
}

func (s *ServiceTestSuite) put(key, doc string) PutResult {
	res, err := s.svc.PutEntry(s.ctx, PutRequest{Repository: "app", Key: key, Value: types.Value(doc)})
	s.Require().NoError(err)
	return res
}

func (s *ServiceTestSuite) TestRoundTrip() {
	res := s.put("db.host", `"localhost"`)
	s.Equal(PutResult{Key: "db.host", Version: 1}, res)
	res = s.put("db.host", `"db.internal"`)
	s.Equal(int64(2), res.Version)

	e, err := s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "db.host"})
	s.Require().NoError(err)
	s.Equal(`"db.internal"`, string(e.Value))
	s.Equal(int64(2), e.Version)

	v1 := int64(1)
	e, err = s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "db.host", Version: &v1})
	s.Require().NoError(err)
	s.Equal(`"localhost"`, string(e.Value))

	hist, err := s.svc.ReadEntryHistory(s.ctx, EntryRequest{Repository: "app", Key: "db.host"})
	s.Require().NoError(err)
	s.Len(hist, 2)

	removed, err := s.svc.DeleteEntry(s.ctx, EntryRequest{Repository: "app", Key: "db.host"})
	s.NoError(err)
	s.Equal("db.host", removed)
	_, err = s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "db.host"})
	s.Equal(types.KeyNotFound, types.KindOf(err))
}

func (s *ServiceTestSuite) TestCreateRepositoryTwice() {
	err := s.svc.CreateRepository(s.ctx, RepositoryRequest{Repository: "app"})
	s.Equal(types.RepositoryAlreadyExists, types.KindOf(err))
}

func (s *ServiceTestSuite) TestMissingRepository() {
	_, err := s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "nope", Key: "k"})
	s.Equal(types.RepositoryNotFound, types.KindOf(err))
	_, err = s.svc.PutEntry(s.ctx, PutRequest{Repository: "nope", Key: "k", Value: types.Value(`1`)})
	s.Equal(types.RepositoryNotFound, types.KindOf(err))
}

func (s *ServiceTestSuite) TestCreateAndUpdateEntry() {
	_, err := s.svc.UpdateEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`1`)})
	s.Equal(types.KeyNotFound, types.KindOf(err))

	res, err := s.svc.CreateEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`1`)})
	s.Require().NoError(err)
	s.Equal(int64(1), res.Version)
	_, err = s.svc.CreateEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`2`)})
	s.Equal(types.VersionConflict, types.KindOf(err))

	res, err = s.svc.UpdateEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`2`)})
	s.Require().NoError(err)
	s.Equal(int64(2), res.Version)

	stale := int64(1)
	_, err = s.svc.UpdateEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`3`), ExpectedVersion: &stale})
	s.Equal(types.VersionConflict, types.KindOf(err))

	_, err = s.svc.UpdateEntry(s.ctx, PutRequest{Repository: "app", Key: "other", Value: types.Value(`3`), ExpectedVersion: &stale})
	s.Equal(types.KeyNotFound, types.KindOf(err))

	zero := int64(0)
	_, err = s.svc.UpdateEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`3`), ExpectedVersion: &zero})
	s.Equal(types.InvalidRequest, types.KindOf(err))
}

func (s *ServiceTestSuite) TestPutExpectedVersion() {
	s.put("k", `1`)
	current := int64(1)
	res, err := s.svc.PutEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`2`), ExpectedVersion: &current})
	s.Require().NoError(err)
	s.Equal(int64(2), res.Version)

	_, err = s.svc.PutEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`3`), ExpectedVersion: &current})
	s.Equal(types.VersionConflict, types.KindOf(err))

	e, err := s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "k"})
	s.Require().NoError(err)
	s.Equal(`2`, string(e.Value))
}

func (s *ServiceTestSuite) TestValidation() {
	for name, tc := range map[string]struct {
		call func() error
		kind types.Kind
		msg  string
	}{
		"missing repository": {
			call: func() error { return s.svc.CreateRepository(s.ctx, RepositoryRequest{}) },
			kind: types.InvalidRepositoryName,
			msg:  "Please specify 'repository'",
		},
		"bad repository name": {
			call: func() error { return s.svc.CreateRepository(s.ctx, RepositoryRequest{Repository: "a::b"}) },
			kind: types.InvalidRepositoryName,
		},
		"missing key": {
			call: func() error {
				_, err := s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "app"})
				return err
			},
			kind: types.InvalidRequest,
			msg:  "Please specify 'key'",
		},
		"missing value": {
			call: func() error {
				_, err := s.svc.PutEntry(s.ctx, PutRequest{Repository: "app", Key: "k"})
				return err
			},
			kind: types.InvalidRequest,
			msg:  "Please specify 'value'",
		},
		"malformed value": {
			call: func() error {
				_, err := s.svc.PutEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`{`)})
				return err
			},
			kind: types.InvalidRequest,
		},
		"expected below any": {
			call: func() error {
				v := int64(-5)
				_, err := s.svc.PutEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`1`), ExpectedVersion: &v})
				return err
			},
			kind: types.InvalidRequest,
		},
		"version zero": {
			call: func() error {
				v := int64(0)
				_, err := s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "k", Version: &v})
				return err
			},
			kind: types.InvalidRequest,
		},
		"bad filter": {
			call: func() error {
				_, err := s.svc.ListEntries(s.ctx, ListRequest{Repository: "app", Filter: "value.["})
				return err
			},
			kind: types.InvalidRequest,
		},
	} {
		err := tc.call()
		s.Equal(tc.kind, types.KindOf(err), name)
		if tc.msg != "" {
			var te *types.Error
			s.Require().True(errors.As(err, &te), name)
			s.Equal(tc.msg, te.Msg, name)
		}
	}
}

func (s *ServiceTestSuite) TestListFilter() {
	s.put("a", `{"data": {"value": 15}}`)
	s.put("b", `{"DATA": {"value": 15}}`)
	s.put("c", `{"data": {"value": "abc"}}`)
	s.put("c", `{"data": {"value": "abc"}}`)

	keys := func(req ListRequest) []string {
		req.Repository = "app"
		out, err := s.svc.ListEntries(s.ctx, req)
		s.Require().NoError(err)
		var ks []string
		for _, e := range out {
			ks = append(ks, e.Key)
		}
		return ks
	}

	s.Equal([]string{"a", "b", "c"}, keys(ListRequest{}))
	s.Equal([]string{"a", "c"}, keys(ListRequest{Filter: "contains(keys(value), 'data')"}))
	s.Equal([]string{"c"}, keys(ListRequest{Filter: "value.data.value == 'abc'"}))
	s.Equal([]string{"a", "b"}, keys(ListRequest{Filter: "value.data.value == 'abc'", Negate: true}))
	s.Equal([]string{"c"}, keys(ListRequest{Filter: "version > `1`"}))
	s.Equal([]string{"b"}, keys(ListRequest{Filter: "key == 'b'"}))
	// non-boolean results never match, negated or not
	s.Empty(keys(ListRequest{Filter: "value.data"}))
	s.Empty(keys(ListRequest{Filter: "value.data", Negate: true}))
}

func (s *ServiceTestSuite) TestNotifications() {
	s.put("k", `1`)
	_, err := s.svc.DeleteEntry(s.ctx, EntryRequest{Repository: "app", Key: "k"})
	s.Require().NoError(err)

	events := s.notifier.all()
	s.Require().Len(events, 3)
	s.Equal(types.ChangeRepositoryCreated, events[0].Type)
	s.Equal(types.ChangeEntryPut, events[1].Type)
	s.Equal(int64(1), events[1].Version)
	s.Equal("acme", events[1].Namespace)
	s.Equal("tester", events[1].Subject)
	s.Equal(types.ChangeEntryRemoved, events[2].Type)
	s.Equal("k", events[2].Key)

	// failed mutations are not published
	_, err = s.svc.DeleteEntry(s.ctx, EntryRequest{Repository: "app", Key: "k"})
	s.Error(err)
	s.Len(s.notifier.all(), 3)
}

func (s *ServiceTestSuite) TestPublishFailureIsNotSurfaced() {
	s.notifier.fail = errors.New("topic gone")
	res, err := s.svc.PutEntry(s.ctx, PutRequest{Repository: "app", Key: "k", Value: types.Value(`1`)})
	s.NoError(err)
	s.Equal(int64(1), res.Version)
}

func (s *ServiceTestSuite) TestDeniedRequestNeverReachesStore() {
	st := &slowStore{Store: s.store}
	svc := New(st, authFunc(func(context.Context, string, string, types.Operation) (types.Principal, string, error) {
		return types.Principal{}, "", types.Err(types.ErrPermissionDenied, nil, "nope")
	}))
	_, err := svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "k"})
	s.Equal(types.PermissionDenied, types.KindOf(err))
	s.Zero(st.calls.Load())
}

func (s *ServiceTestSuite) TestTimeoutIsDataAccessFailure() {
	st := &slowStore{Store: s.store, delay: 500 * time.Millisecond}
	svc := New(st, allowAll("acme"), WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "k"})
	s.Less(time.Since(start), 400*time.Millisecond)
	s.Equal(types.DataAccessFailure, types.KindOf(err))
	s.True(types.IsRetryable(err))
	s.Equal(int32(1), st.calls.Load())
}

func (s *ServiceTestSuite) TestUntypedStoreErrorIsDataAccessFailure() {
	st := &slowStore{Store: s.store, err: errors.New("connection reset")}
	svc := New(st, allowAll("acme"))
	_, err := svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "k"})
	s.Equal(types.DataAccessFailure, types.KindOf(err))
}

func (s *ServiceTestSuite) TestRolesWithGate() {
	keys, err := auth.NewStaticKeyResolver(map[string]string{"k1": base64.StdEncoding.EncodeToString(secret)})
	s.Require().NoError(err)
	svc := New(s.store, auth.NewGate(auth.NewJWTVerifier(keys), nil))
	token := func(role string) string {
		tok, err := auth.IssueToken("k1", secret, auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u-" + role},
			Tenant:           "acme",
			Role:             role,
		}, time.Hour)
		s.Require().NoError(err)
		return tok
	}
	owner, admin, member := token("Owner"), token("Admin"), token("Member")

	s.NoError(svc.CreateRepository(s.ctx, RepositoryRequest{Token: owner, Repository: "svc"}))
	err = svc.CreateRepository(s.ctx, RepositoryRequest{Token: admin, Repository: "svc2"})
	s.Equal(types.PermissionDenied, types.KindOf(err))

	_, err = svc.CreateEntry(s.ctx, PutRequest{Token: admin, Repository: "svc", Key: "k", Value: types.Value(`1`)})
	s.NoError(err)
	_, err = svc.PutEntry(s.ctx, PutRequest{Token: member, Repository: "svc", Key: "k", Value: types.Value(`2`)})
	s.Equal(types.PermissionDenied, types.KindOf(err))
	e, err := svc.ReadEntry(s.ctx, EntryRequest{Token: member, Repository: "svc", Key: "k"})
	s.NoError(err)
	s.Equal(int64(1), e.Version)

	_, err = svc.ReadEntry(s.ctx, EntryRequest{Token: member, Namespace: "other", Repository: "svc", Key: "k"})
	s.Equal(types.PermissionDenied, types.KindOf(err))
	_, err = svc.ReadEntry(s.ctx, EntryRequest{Token: "garbage", Repository: "svc", Key: "k"})
	s.Equal(types.InvalidToken, types.KindOf(err))
}

func (s *ServiceTestSuite) TestConcurrentUpdatesWithoutExpectedVersion() {
	s.put("counter", `0`)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.UpdateEntry(s.ctx, PutRequest{Repository: "app", Key: "counter", Value: types.Value(`1`)})
			s.NoError(err)
		}()
	}
	wg.Wait()
	e, err := s.svc.ReadEntry(s.ctx, EntryRequest{Repository: "app", Key: "counter"})
	s.Require().NoError(err)
	s.Equal(int64(5), e.Version)
}

type authFunc func(ctx context.Context, token, namespace string, op types.Operation) (types.Principal, string, error)

func (f authFunc) Authorize(ctx context.Context, token, namespace string, op types.Operation) (types.Principal, string, error) {
	return f(ctx, token, namespace, op)
}

func allowAll(tenant string) Authorizer {
	return authFunc(func(_ context.Context, _, namespace string, _ types.Operation) (types.Principal, string, error) {
		if namespace == "" {
			namespace = tenant
		}
		return types.Principal{Subject: "tester", Tenant: tenant, Role: types.RoleOwner}, namespace, nil
	})
}

// slowStore ignores its context on Get, the way a misbehaving driver would.
type slowStore struct {
	*memory.Store
	delay time.Duration
	err   error
	calls atomic.Int32
}

func (s *slowStore) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	s.calls.Add(1)
	time.Sleep(s.delay)
	if s.err != nil {
		return types.Entry{}, s.err
	}
	return s.Store.Get(context.Background(), key)
}

type recorder struct {
	mu     sync.Mutex
	events []types.ChangeEvent
	fail   error
}

func (r *recorder) Publish(_ context.Context, ev types.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []types.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ChangeEvent(nil), r.events...)
}
