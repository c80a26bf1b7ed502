package etcd

import (
	"confstore/internal/codec"
	"confstore/internal/types"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	etcdv3 "go.etcd.io/etcd/client/v3"
)

// maxCASAttempts bounds the read-then-CAS loop used by unconditional puts.
const maxCASAttempts = 64

// Store implements ports.RepositoryStore on etcd v3. The entry version is etcd's own per-key
// version counter: 1 on create, +1 per put, reset by delete.
//
//	{prefix}/{ns}/{repo}                      repository marker
//	{prefix}/{ns}/{repo}/e/{key}              current value
//	{prefix}/{ns}/{repo}/h/{key}\x00{%020d}   retained revisions
type Store struct {
	kv      etcdv3.KV
	prefix  string
	codec   codec.Codec
	timeout time.Duration
}

type repoMarker struct {
	CreatedAt int64 `json:"created_at"`
}

func NewStore(kv etcdv3.KV, prefix string, c codec.Codec, timeout time.Duration) *Store {
	return &Store{kv: kv, prefix: strings.TrimSuffix(prefix, "/"), codec: c, timeout: timeout}
}

func (s *Store) CreateRepository(ctx context.Context, repo types.RepositoryID) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	marker, err := json.Marshal(repoMarker{CreatedAt: time.Now().Unix()})
	if err != nil {
		return types.DataAccessErr(err, "etcd marshal repository")
	}
	rk := s.repoKey(repo)
	resp, err := s.kv.Txn(ctx).If(
		etcdv3.Compare(etcdv3.Version(rk), "=", 0),
	).Then(
		etcdv3.OpPut(rk, string(marker)),
	).Commit()
	if err != nil {
		return translate(err, "create repository")
	}
	if !resp.Succeeded {
		return types.RepositoryExistsErr(repo)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	resp, err := s.kv.Txn(ctx).Then(
		etcdv3.OpGet(s.repoKey(key.RepositoryID), etcdv3.WithCountOnly()),
		etcdv3.OpGet(s.entryKey(key)),
	).Commit()
	if err != nil {
		return types.Entry{}, translate(err, "get")
	}
	if resp.Responses[0].GetResponseRange().Count == 0 {
		return types.Entry{}, types.RepositoryNotFoundErr(key.RepositoryID)
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return types.Entry{}, types.KeyNotFoundErr(key.Key)
	}
	val, err := s.decode(kvs[0].Value)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: kvs[0].Version}, nil
}

func (s *Store) GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	resp, err := s.kv.Txn(ctx).Then(
		etcdv3.OpGet(s.repoKey(key.RepositoryID), etcdv3.WithCountOnly()),
		etcdv3.OpGet(s.entryKey(key), etcdv3.WithCountOnly()),
		etcdv3.OpGet(s.historyKey(key, version)),
	).Commit()
	if err != nil {
		return types.Entry{}, translate(err, "get version")
	}
	if err := s.discriminate(resp, key); err != nil {
		return types.Entry{}, err
	}
	kvs := resp.Responses[2].GetResponseRange().Kvs
	if len(kvs) == 0 {
		return types.Entry{}, types.KeyVersionNotFoundErr(key.Key, version)
	}
	val, err := s.decode(kvs[0].Value)
	if err != nil {
		return types.Entry{}, err
	}
	return types.Entry{Key: key.Key, Value: val, Version: version}, nil
}

func (s *Store) History(ctx context.Context, key types.EntryKey) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	resp, err := s.kv.Txn(ctx).Then(
		etcdv3.OpGet(s.repoKey(key.RepositoryID), etcdv3.WithCountOnly()),
		etcdv3.OpGet(s.entryKey(key), etcdv3.WithCountOnly()),
		etcdv3.OpGet(s.historyPrefix(key), etcdv3.WithPrefix(), etcdv3.WithSort(etcdv3.SortByKey, etcdv3.SortAscend)),
	).Commit()
	if err != nil {
		return nil, translate(err, "history")
	}
	if err := s.discriminate(resp, key); err != nil {
		return nil, err
	}
	kvs := resp.Responses[2].GetResponseRange().Kvs
	hp := s.historyPrefix(key)
	out := make([]types.Entry, 0, len(kvs))
	for _, kv := range kvs {
		var ver int64
		if _, err := fmt.Sscanf(strings.TrimPrefix(string(kv.Key), hp), "%020d", &ver); err != nil {
			return nil, types.DataAccessErr(err, "etcd history: malformed key")
		}
		val, err := s.decode(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Entry{Key: key.Key, Value: val, Version: ver})
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	if expected < types.AnyVersion {
		return 0, types.ValidateExpected(expected)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	encoded := string(s.codec.Encode(value))

	if expected != types.AnyVersion {
		return s.putOnce(ctx, key, encoded, expected)
	}
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		resp, err := s.kv.Get(ctx, s.entryKey(key), etcdv3.WithKeysOnly())
		if err != nil {
			return 0, translate(err, "put")
		}
		var cur int64
		if len(resp.Kvs) > 0 {
			cur = resp.Kvs[0].Version
		}
		next, err := s.putOnce(ctx, key, encoded, cur)
		if types.KindOf(err) == types.VersionConflict {
			continue
		}
		return next, err
	}
	return 0, types.DataAccessErr(nil, "etcd put: too much contention on key '%s'", key.Key)
}

// putOnce compares the entry's etcd version against expected (0 means absent) and writes the
// value and its history revision in the same transaction.
func (s *Store) putOnce(ctx context.Context, key types.EntryKey, encoded string, expected int64) (int64, error) {
	next := expected + 1
	rk, ek := s.repoKey(key.RepositoryID), s.entryKey(key)
	resp, err := s.kv.Txn(ctx).If(
		etcdv3.Compare(etcdv3.Version(rk), ">", 0),
		etcdv3.Compare(etcdv3.Version(ek), "=", expected),
	).Then(
		etcdv3.OpPut(ek, encoded),
		etcdv3.OpPut(s.historyKey(key, next), encoded),
	).Else(
		etcdv3.OpGet(rk, etcdv3.WithCountOnly()),
	).Commit()
	if err != nil {
		return 0, translate(err, "put")
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count == 0 {
			return 0, types.RepositoryNotFoundErr(key.RepositoryID)
		}
		return 0, types.VersionConflictErr(key.Key, expected)
	}
	return next, nil
}

func (s *Store) Remove(ctx context.Context, key types.EntryKey) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	rk, ek := s.repoKey(key.RepositoryID), s.entryKey(key)
	resp, err := s.kv.Txn(ctx).If(
		etcdv3.Compare(etcdv3.Version(rk), ">", 0),
		etcdv3.Compare(etcdv3.Version(ek), ">", 0),
	).Then(
		etcdv3.OpDelete(ek),
		etcdv3.OpDelete(s.historyPrefix(key), etcdv3.WithPrefix()),
	).Else(
		etcdv3.OpGet(rk, etcdv3.WithCountOnly()),
	).Commit()
	if err != nil {
		return "", translate(err, "remove")
	}
	if !resp.Succeeded {
		if resp.Responses[0].GetResponseRange().Count == 0 {
			return "", types.RepositoryNotFoundErr(key.RepositoryID)
		}
		return "", types.KeyNotFoundErr(key.Key)
	}
	return key.Key, nil
}

func (s *Store) Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ep := s.entriesPrefix(repo)
	resp, err := s.kv.Txn(ctx).Then(
		etcdv3.OpGet(s.repoKey(repo), etcdv3.WithCountOnly()),
		etcdv3.OpGet(ep, etcdv3.WithPrefix(), etcdv3.WithSort(etcdv3.SortByKey, etcdv3.SortAscend)),
	).Commit()
	if err != nil {
		return nil, translate(err, "entries")
	}
	if resp.Responses[0].GetResponseRange().Count == 0 {
		return nil, types.RepositoryNotFoundErr(repo)
	}
	kvs := resp.Responses[1].GetResponseRange().Kvs
	out := make([]types.Entry, 0, len(kvs))
	for _, kv := range kvs {
		val, err := s.decode(kv.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Entry{
			Key:     strings.TrimPrefix(string(kv.Key), ep),
			Value:   val,
			Version: kv.Version,
		})
	}
	return out, nil
}

// Close is a no-op; the client is owned by whoever built it.
func (s *Store) Close() error { return nil }

// discriminate inspects the repository and entry count responses at index 0 and 1.
func (s *Store) discriminate(resp *etcdv3.TxnResponse, key types.EntryKey) error {
	if resp.Responses[0].GetResponseRange().Count == 0 {
		return types.RepositoryNotFoundErr(key.RepositoryID)
	}
	if resp.Responses[1].GetResponseRange().Count == 0 {
		return types.KeyNotFoundErr(key.Key)
	}
	return nil
}

func (s *Store) repoKey(repo types.RepositoryID) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, repo.Namespace, repo.Name)
}

func (s *Store) entriesPrefix(repo types.RepositoryID) string {
	return s.repoKey(repo) + "/e/"
}

func (s *Store) entryKey(key types.EntryKey) string {
	return s.entriesPrefix(key.RepositoryID) + key.Key
}

func (s *Store) historyPrefix(key types.EntryKey) string {
	return s.repoKey(key.RepositoryID) + "/h/" + key.Key + "\x00"
}

func (s *Store) historyKey(key types.EntryKey, version int64) string {
	return fmt.Sprintf("%s%020d", s.historyPrefix(key), version)
}

func (s *Store) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) decode(b []byte) (types.Value, error) {
	out, err := s.codec.Decode(b)
	if err != nil {
		return nil, types.DataAccessErr(err, "etcd: undecodable value")
	}
	return out, nil
}

func translate(err error, op string) error {
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.DataAccessErr(err, "etcd %s failed", op)
}
