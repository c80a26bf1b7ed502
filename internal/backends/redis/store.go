package redis

import (
	"cmp"
	"confstore/internal/codec"
	"confstore/internal/types"
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys share the {namespace} hash tag so every script touches a single cluster slot.
const (
	reposKeyTemplate   = "cs:{%s}:repos"
	valuesKeyTemplate  = "cs:{%s}:%s:val"
	versionKeyTemplate = "cs:{%s}:%s:ver"
	historyKeyTemplate = "cs:{%s}:%s:h:%s"
)

// Store implements ports.RepositoryStore on Redis. Every read-check-write runs as one Lua script.
type Store struct {
	cli     redis.UniversalClient
	codec   codec.Codec
	timeout time.Duration
}

func NewStore(cli redis.UniversalClient, c codec.Codec, timeout time.Duration) *Store {
	return &Store{cli: cli, codec: c, timeout: timeout}
}

func (s *Store) CreateRepository(ctx context.Context, repo types.RepositoryID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	added, err := s.cli.SAdd(ctx, reposKey(repo.Namespace), repo.Name).Result()
	if err != nil {
		return translate(err, "create repository")
	}
	if added == 0 {
		return types.RepositoryExistsErr(repo)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := getScript.Run(ctx, s.cli,
		[]string{reposKey(key.Namespace), valuesKey(key.RepositoryID), versionsKey(key.RepositoryID)},
		key.Name, key.Key,
	).Slice()
	if err != nil {
		return types.Entry{}, translate(err, "get")
	}
	if err := statusErr(res, key, 0); err != nil {
		return types.Entry{}, err
	}
	if len(res) < 3 {
		return types.Entry{}, types.DataAccessErr(nil, "redis get: malformed reply")
	}
	ver, _ := res[1].(int64)
	val, err := s.decode(res[2])
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: ver}, nil
}

func (s *Store) GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := getVersionScript.Run(ctx, s.cli,
		[]string{reposKey(key.Namespace), versionsKey(key.RepositoryID), historyKey(key)},
		key.Name, key.Key, version,
	).Slice()
	if err != nil {
		return types.Entry{}, translate(err, "get version")
	}
	if err := statusErr(res, key, version); err != nil {
		return types.Entry{}, err
	}
	val, err := s.decode(res[1])
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: version}, nil
}

func (s *Store) History(ctx context.Context, key types.EntryKey) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := historyScript.Run(ctx, s.cli,
		[]string{reposKey(key.Namespace), versionsKey(key.RepositoryID), historyKey(key)},
		key.Name, key.Key,
	).Slice()
	if err != nil {
		return nil, translate(err, "history")
	}
	if err := statusErr(res, key, 0); err != nil {
		return nil, err
	}
	pairs := res[1:]
	out := make([]types.Entry, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		f, _ := pairs[i].(string)
		ver, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, types.DataAccessErr(err, "redis history: invalid version field")
		}
		val, err := s.decode(pairs[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, types.Entry{Key: key.Key, Value: val, Version: ver})
	}
	slices.SortFunc(out, func(a, b types.Entry) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

func (s *Store) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	if expected < types.AnyVersion {
		return 0, types.ValidateExpected(expected)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := putScript.Run(ctx, s.cli,
		[]string{reposKey(key.Namespace), valuesKey(key.RepositoryID), versionsKey(key.RepositoryID), historyKey(key)},
		key.Name, key.Key, expected, s.codec.Encode(value),
	).Slice()
	if err != nil {
		return 0, translate(err, "put")
	}
	if err := statusErr(res, key, expected); err != nil {
		return 0, err
	}
	next, _ := res[1].(int64)
	return next, nil
}

func (s *Store) Remove(ctx context.Context, key types.EntryKey) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	status, err := removeScript.Run(ctx, s.cli,
		[]string{reposKey(key.Namespace), valuesKey(key.RepositoryID), versionsKey(key.RepositoryID), historyKey(key)},
		key.Name, key.Key,
	).Int64()
	if err != nil {
		return "", translate(err, "remove")
	}
	if err := statusErr([]any{status}, key, 0); err != nil {
		return "", err
	}
	return key.Key, nil
}

// Entries reads membership, values and versions inside one MULTI/EXEC block.
func (s *Store) Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var exists *redis.BoolCmd
	var vals, vers *redis.MapStringStringCmd
	_, err := s.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		exists = pipe.SIsMember(ctx, reposKey(repo.Namespace), repo.Name)
		vals = pipe.HGetAll(ctx, valuesKey(repo))
		vers = pipe.HGetAll(ctx, versionsKey(repo))
		return nil
	})
	if err != nil {
		return nil, translate(err, "entries")
	}
	if !exists.Val() {
		return nil, types.RepositoryNotFoundErr(repo)
	}
	out := make([]types.Entry, 0, len(vers.Val()))
	for k, vs := range vers.Val() {
		ver, err := strconv.ParseInt(vs, 10, 64)
		if err != nil {
			return nil, types.DataAccessErr(err, "redis entries: invalid version for '%s'", k)
		}
		raw, ok := vals.Val()[k]
		if !ok {
			return nil, types.DataAccessErr(nil, "redis entries: missing value for '%s'", k)
		}
		val, err := s.codec.Decode([]byte(raw))
		if err != nil {
			return nil, types.DataAccessErr(err, "redis entries: undecodable value for '%s'", k)
		}
		out = append(out, types.Entry{Key: k, Value: val, Version: ver})
	}
	slices.SortFunc(out, func(a, b types.Entry) int { return cmp.Compare(a.Key, b.Key) })
	return out, nil
}

// Close is a no-op; the client is owned by whoever built it.
func (s *Store) Close() error { return nil }

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) decode(v any) (types.Value, error) {
	raw, ok := v.(string)
	if !ok {
		return nil, types.DataAccessErr(nil, "redis: unexpected value type %T", v)
	}
	out, err := s.codec.Decode([]byte(raw))
	if err != nil {
		return nil, types.DataAccessErr(err, "redis: undecodable value")
	}
	return out, nil
}

func statusErr(res []any, key types.EntryKey, version int64) error {
	if len(res) == 0 {
		return types.DataAccessErr(nil, "redis: empty script reply")
	}
	code, _ := res[0].(int64)
	switch code {
	case statusOK:
		return nil
	case statusRepoNotFound:
		return types.RepositoryNotFoundErr(key.RepositoryID)
	case statusKeyNotFound:
		return types.KeyNotFoundErr(key.Key)
	case statusConflict:
		return types.VersionConflictErr(key.Key, version)
	case statusVersionNotFound:
		return types.KeyVersionNotFoundErr(key.Key, version)
	}
	return types.DataAccessErr(nil, "redis: unknown script status %d", code)
}

func translate(err error, op string) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.DataAccessErr(err, "redis %s failed", op)
}

func reposKey(ns string) string { return fmt.Sprintf(reposKeyTemplate, ns) }

func valuesKey(repo types.RepositoryID) string {
	return fmt.Sprintf(valuesKeyTemplate, repo.Namespace, repo.Name)
}

func versionsKey(repo types.RepositoryID) string {
	return fmt.Sprintf(versionKeyTemplate, repo.Namespace, repo.Name)
}

func historyKey(key types.EntryKey) string {
	return fmt.Sprintf(historyKeyTemplate, key.Namespace, key.Name, key.Key)
}
