package memory

import (
	"cmp"
	"confstore/internal/types"
	"context"
	"slices"
	"sync"
)

type repoRef struct{ ns, repo string }

type entryRef struct{ ns, repo, key string }

type revision struct {
	version int64
	value   types.Value
}

// record holds every retained revision of one entry, oldest first. The last one is current.
type record struct {
	revisions []revision
}

func (r *record) current() revision { return r.revisions[len(r.revisions)-1] }

// Store is the reference RepositoryStore. Entries live in a flat arena keyed by
// (namespace, repository, key); index maps every existing repository to the keys it owns.
// Namespaces have no container of their own, they exist as soon as one repository does.
type Store struct {
	mu    sync.RWMutex
	arena map[entryRef]*record
	index map[repoRef]map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		arena: make(map[entryRef]*record),
		index: make(map[repoRef]map[string]struct{}),
	}
}

func (s *Store) CreateRepository(ctx context.Context, repo types.RepositoryID) error {
	if err := ctx.Err(); err != nil {
		return types.DataAccessErr(err, "")
	}
	ref := repoRef{repo.Namespace, repo.Name}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[ref]; ok {
		return types.RepositoryExistsErr(repo)
	}
	s.index[ref] = make(map[string]struct{})
	return nil
}

func (s *Store) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return types.Entry{}, types.DataAccessErr(err, "")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.lookup(key)
	if err != nil {
		return types.Entry{}, err
	}
	cur := rec.current()
	return types.Entry{Key: key.Key, Value: cur.value.Clone(), Version: cur.version}, nil
}

func (s *Store) GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return types.Entry{}, types.DataAccessErr(err, "")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.lookup(key)
	if err != nil {
		return types.Entry{}, err
	}
	i, found := slices.BinarySearchFunc(rec.revisions, version, func(r revision, v int64) int {
		return cmp.Compare(r.version, v)
	})
	if !found {
		return types.Entry{}, types.KeyVersionNotFoundErr(key.Key, version)
	}
	r := rec.revisions[i]
	return types.Entry{Key: key.Key, Value: r.value.Clone(), Version: r.version}, nil
}

func (s *Store) History(ctx context.Context, key types.EntryKey) ([]types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.DataAccessErr(err, "")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	out := make([]types.Entry, 0, len(rec.revisions))
	for _, r := range rec.revisions {
		out = append(out, types.Entry{Key: key.Key, Value: r.value.Clone(), Version: r.version})
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, types.DataAccessErr(err, "")
	}
	// Cloned before taking the lock; the caller keeps ownership of value.
	stored := value.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.index[repoRef{key.Namespace, key.Name}]
	if !ok {
		return 0, types.RepositoryNotFoundErr(key.RepositoryID)
	}
	ref := entryRef{key.Namespace, key.Name, key.Key}
	rec, exists := s.arena[ref]

	var current int64
	if exists {
		current = rec.current().version
	}
	if err := types.CheckPrecondition(key.Key, expected, exists, current); err != nil {
		return 0, err
	}

	next := current + 1
	if !exists {
		rec = &record{}
		s.arena[ref] = rec
		keys[key.Key] = struct{}{}
	}
	rec.revisions = append(rec.revisions, revision{version: next, value: stored})
	return next, nil
}

func (s *Store) Remove(ctx context.Context, key types.EntryKey) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.DataAccessErr(err, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.index[repoRef{key.Namespace, key.Name}]
	if !ok {
		return "", types.RepositoryNotFoundErr(key.RepositoryID)
	}
	if _, ok := keys[key.Key]; !ok {
		return "", types.KeyNotFoundErr(key.Key)
	}
	delete(keys, key.Key)
	delete(s.arena, entryRef{key.Namespace, key.Name, key.Key})
	return key.Key, nil
}

func (s *Store) Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.DataAccessErr(err, "")
	}
	s.mu.RLock()
	keys, ok := s.index[repoRef{repo.Namespace, repo.Name}]
	if !ok {
		s.mu.RUnlock()
		return nil, types.RepositoryNotFoundErr(repo)
	}
	out := make([]types.Entry, 0, len(keys))
	for k := range keys {
		cur := s.arena[entryRef{repo.Namespace, repo.Name, k}].current()
		out = append(out, types.Entry{Key: k, Value: cur.value.Clone(), Version: cur.version})
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b types.Entry) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

func (s *Store) Close() error { return nil }

// lookup MUST be called with at least the read lock held.
func (s *Store) lookup(key types.EntryKey) (*record, error) {
	if _, ok := s.index[repoRef{key.Namespace, key.Name}]; !ok {
		return nil, types.RepositoryNotFoundErr(key.RepositoryID)
	}
	rec, ok := s.arena[entryRef{key.Namespace, key.Name, key.Key}]
	if !ok {
		return nil, types.KeyNotFoundErr(key.Key)
	}
	return rec, nil
}
