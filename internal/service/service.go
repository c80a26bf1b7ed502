// Package service is the single entry point for configuration operations. Every call is
// authorized by the gate, validated, and then delegated to the injected store.
package service

import (
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v9"
)

const DefaultTimeout = 5 * time.Second

// maxUpdateAttempts bounds the read-then-CAS loop of UpdateEntry without an expected version.
const maxUpdateAttempts = 8

// Stage is a step of the per-request state machine.
type Stage string

const (
	StageReceived    Stage = "received"
	StageAuthorizing Stage = "authorizing"
	StageValidating  Stage = "validating"
	StageDelegating  Stage = "delegating"
	StageCompleted   Stage = "completed"
	StageFailed      Stage = "failed"
)

// Authorizer resolves a token into a principal allowed to run op in namespace.
// MUST return a types.Error of kind InvalidToken or PermissionDenied when access is refused.
type Authorizer interface {
	Authorize(ctx context.Context, token, namespace string, op types.Operation) (types.Principal, string, error)
}

type Service struct {
	store    ports.RepositoryStore
	gate     Authorizer
	notifier ports.ChangePublisher
	timeout  time.Duration
	log      *log.Entry
	validate *validator.Validate
}

type Option func(*Service)

// WithTimeout bounds every delegated store call. Non-positive values keep the default.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithNotifier(n ports.ChangePublisher) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l *log.Entry) Option {
	return func(s *Service) { s.log = l }
}

func New(store ports.RepositoryStore, gate Authorizer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		gate:     gate,
		timeout:  DefaultTimeout,
		log:      log.NewEntry(log.StandardLogger()),
		validate: newValidator(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// call carries one request through the state machine.
type call struct {
	op        types.Operation
	token     string
	namespace string
	repo      string
	req       any
	// validate runs after the struct tags, with the resolved repository id
	validate func(repo types.RepositoryID) error
}

func run[T any](ctx context.Context, s *Service, c call, delegate func(ctx context.Context, p types.Principal, repo types.RepositoryID) (T, error)) (T, error) {
	var zero T
	logger := s.log.WithFields(log.Fields{"op": c.op, "namespace": c.namespace, "repository": c.repo})
	logger.WithField("stage", StageReceived).Debug("request received")

	logger.WithField("stage", StageAuthorizing).Debug("authorizing")
	p, ns, err := s.gate.Authorize(ctx, c.token, c.namespace, c.op)
	if err != nil {
		return zero, s.fail(logger, StageAuthorizing, err)
	}
	logger = logger.WithFields(log.Fields{"namespace": ns, "subject": p.Subject})

	logger.WithField("stage", StageValidating).Debug("validating")
	if err := s.check(c.req); err != nil {
		return zero, s.fail(logger, StageValidating, err)
	}
	repo := types.RepositoryID{Namespace: ns, Name: c.repo}
	if err := types.ValidateRepositoryID(repo); err != nil {
		return zero, s.fail(logger, StageValidating, err)
	}
	if c.validate != nil {
		if err := c.validate(repo); err != nil {
			return zero, s.fail(logger, StageValidating, err)
		}
	}

	logger.WithField("stage", StageDelegating).Debug("delegating")
	out, err := withDeadline(ctx, s.timeout, func(ctx context.Context) (T, error) { return delegate(ctx, p, repo) })
	if err != nil {
		return zero, s.fail(logger, StageDelegating, err)
	}
	logger.WithField("stage", StageCompleted).Debug("request completed")
	return out, nil
}

type result[T any] struct {
	val T
	err error
}

// withDeadline runs fn under timeout. A store that ignores its context still cannot hold the
// caller past the deadline: the outcome is then reported as a retryable DataAccessFailure.
func withDeadline[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{val: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && types.KindOf(r.err) == types.KindUnknown {
			r.err = types.DataAccessErr(r.err, "Backend failure")
		}
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, types.DataAccessErr(ctx.Err(), "Request timed out")
	}
}

func (s *Service) fail(logger *log.Entry, stage Stage, err error) error {
	logger.WithError(err).WithFields(log.Fields{
		"stage":     StageFailed,
		"failed_at": stage,
		"kind":      types.KindOf(err).String(),
	}).Debug("request failed")
	return err
}

func (s *Service) publish(ctx context.Context, p types.Principal, ev types.ChangeEvent) {
	if s.notifier == nil {
		return
	}
	ev.Subject = p.Subject
	ev.At = time.Now().Unix()
	if err := s.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.WithError(err).WithFields(log.Fields{
			"type":       ev.Type,
			"namespace":  ev.Namespace,
			"repository": ev.Repository,
			"key":        ev.Key,
		}).Warn("failed to publish change event")
	}
}

func (s *Service) CreateRepository(ctx context.Context, req RepositoryRequest) error {
	_, err := run(ctx, s, call{
		op: types.OpCreateRepository, token: req.Token, namespace: req.Namespace, repo: req.Repository, req: req,
	}, func(ctx context.Context, p types.Principal, repo types.RepositoryID) (struct{}, error) {
		if err := s.store.CreateRepository(ctx, repo); err != nil {
			return struct{}{}, err
		}
		s.publish(ctx, p, types.ChangeEvent{
			Type: types.ChangeRepositoryCreated, Namespace: repo.Namespace, Repository: repo.Name,
		})
		return struct{}{}, nil
	})
	return err
}

// ReadEntry returns the current entry, or the requested revision when req.Version is set.
func (s *Service) ReadEntry(ctx context.Context, req EntryRequest) (types.Entry, error) {
	return run(ctx, s, call{
		op: types.OpReadEntry, token: req.Token, namespace: req.Namespace, repo: req.Repository, req: req,
		validate: func(types.RepositoryID) error {
			if err := types.ValidateKey(req.Key); err != nil {
				return err
			}
			if req.Version != nil && *req.Version < 1 {
				return types.Err(types.ErrInvalidRequest, nil, "Version must be a positive number")
			}
			return nil
		},
	}, func(ctx context.Context, _ types.Principal, repo types.RepositoryID) (types.Entry, error) {
		key := types.EntryKey{RepositoryID: repo, Key: req.Key}
		if req.Version != nil {
			return s.store.GetVersion(ctx, key, *req.Version)
		}
		return s.store.Get(ctx, key)
	})
}

func (s *Service) ReadEntryHistory(ctx context.Context, req EntryRequest) ([]types.Entry, error) {
	return run(ctx, s, call{
		op: types.OpReadHistory, token: req.Token, namespace: req.Namespace, repo: req.Repository, req: req,
		validate: func(types.RepositoryID) error { return types.ValidateKey(req.Key) },
	}, func(ctx context.Context, _ types.Principal, repo types.RepositoryID) ([]types.Entry, error) {
		return s.store.History(ctx, types.EntryKey{RepositoryID: repo, Key: req.Key})
	})
}

func (s *Service) ListEntries(ctx context.Context, req ListRequest) ([]types.Entry, error) {
	var filter *entryFilter
	return run(ctx, s, call{
		op: types.OpReadList, token: req.Token, namespace: req.Namespace, repo: req.Repository, req: req,
		validate: func(types.RepositoryID) (err error) {
			filter, err = compileFilter(req.Filter, req.Negate)
			return err
		},
	}, func(ctx context.Context, _ types.Principal, repo types.RepositoryID) ([]types.Entry, error) {
		out, err := s.store.Entries(ctx, repo)
		if err != nil {
			return nil, err
		}
		return filter.apply(out), nil
	})
}

// PutEntry writes unconditionally when req.ExpectedVersion is nil; 0 means create-only.
func (s *Service) PutEntry(ctx context.Context, req PutRequest) (PutResult, error) {
	expected := types.AnyVersion
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}
	return s.put(ctx, types.OpUpdateEntry, req, expected)
}

// CreateEntry fails with VersionConflict when the key already exists.
func (s *Service) CreateEntry(ctx context.Context, req PutRequest) (PutResult, error) {
	return s.put(ctx, types.OpCreateEntry, req, types.CreateOnly)
}

// UpdateEntry fails with KeyNotFound when the key does not exist. Without an expected version it
// replaces whatever revision is current.
func (s *Service) UpdateEntry(ctx context.Context, req PutRequest) (PutResult, error) {
	return run(ctx, s, s.putCall(types.OpUpdateEntry, req, func() error {
		if req.ExpectedVersion != nil && *req.ExpectedVersion < 1 {
			return types.Err(types.ErrInvalidRequest, nil, "Version must be a positive number")
		}
		return nil
	}), func(ctx context.Context, p types.Principal, repo types.RepositoryID) (PutResult, error) {
		key := types.EntryKey{RepositoryID: repo, Key: req.Key}
		var ver int64
		var err error
		if req.ExpectedVersion != nil {
			ver, err = s.store.Put(ctx, key, req.Value, *req.ExpectedVersion)
			if types.KindOf(err) == types.VersionConflict {
				if _, gerr := s.store.Get(ctx, key); types.KindOf(gerr) == types.KeyNotFound {
					return PutResult{}, gerr
				}
			}
		} else {
			ver, err = s.updateCurrent(ctx, key, req.Value)
		}
		if err != nil {
			return PutResult{}, err
		}
		s.publish(ctx, p, types.ChangeEvent{
			Type: types.ChangeEntryPut, Namespace: repo.Namespace, Repository: repo.Name, Key: req.Key, Version: ver,
		})
		return PutResult{Key: req.Key, Version: ver}, nil
	})
}

func (s *Service) updateCurrent(ctx context.Context, key types.EntryKey, value types.Value) (int64, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.store.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		ver, err := s.store.Put(ctx, key, value, cur.Version)
		if types.KindOf(err) == types.VersionConflict {
			continue
		}
		return ver, err
	}
	return 0, types.VersionConflictErr(key.Key, types.AnyVersion)
}

func (s *Service) DeleteEntry(ctx context.Context, req EntryRequest) (string, error) {
	return run(ctx, s, call{
		op: types.OpDeleteEntry, token: req.Token, namespace: req.Namespace, repo: req.Repository, req: req,
		validate: func(types.RepositoryID) error { return types.ValidateKey(req.Key) },
	}, func(ctx context.Context, p types.Principal, repo types.RepositoryID) (string, error) {
		removed, err := s.store.Remove(ctx, types.EntryKey{RepositoryID: repo, Key: req.Key})
		if err != nil {
			return "", err
		}
		s.publish(ctx, p, types.ChangeEvent{
			Type: types.ChangeEntryRemoved, Namespace: repo.Namespace, Repository: repo.Name, Key: removed,
		})
		return removed, nil
	})
}

func (s *Service) put(ctx context.Context, op types.Operation, req PutRequest, expected int64) (PutResult, error) {
	return run(ctx, s, s.putCall(op, req, func() error { return types.ValidateExpected(expected) }),
		func(ctx context.Context, p types.Principal, repo types.RepositoryID) (PutResult, error) {
			ver, err := s.store.Put(ctx, types.EntryKey{RepositoryID: repo, Key: req.Key}, req.Value, expected)
			if err != nil {
				return PutResult{}, err
			}
			s.publish(ctx, p, types.ChangeEvent{
				Type: types.ChangeEntryPut, Namespace: repo.Namespace, Repository: repo.Name, Key: req.Key, Version: ver,
			})
			return PutResult{Key: req.Key, Version: ver}, nil
		})
}

func (s *Service) putCall(op types.Operation, req PutRequest, extra func() error) call {
	return call{
		op: op, token: req.Token, namespace: req.Namespace, repo: req.Repository, req: req,
		validate: func(types.RepositoryID) error {
			if err := types.ValidateKey(req.Key); err != nil {
				return err
			}
			if err := types.ValidateValue(req.Value); err != nil {
				return err
			}
			return extra()
		},
	}
}
