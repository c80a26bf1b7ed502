package badger

import (
	"bytes"
	"confstore/internal/codec"
	"confstore/internal/types"
	"context"
	"encoding/binary"
	"errors"

	badger "github.com/dgraph-io/badger/v4"
)

// maxConflictRetries bounds how often a write transaction is replayed after badger reports a
// serialization conflict.
const maxConflictRetries = 64

const (
	prefixRepo    byte = 'r'
	prefixEntry   byte = 'e'
	prefixHistory byte = 'h'
	sep           byte = 0x00
)

// Store implements ports.RepositoryStore on an embedded badger database. Entry and history
// values are an 8-byte big-endian version followed by the codec frame.
type Store struct {
	db    *badger.DB
	codec codec.Codec
}

// Open opens (or creates) the database at path. An empty path keeps everything in memory.
func Open(path string, c codec.Codec) (*Store, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, codec: c}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRepository(ctx context.Context, repo types.RepositoryID) error {
	return s.update(ctx, "create repository", func(txn *badger.Txn) error {
		rk := repoKey(repo)
		if _, err := txn.Get(rk); err == nil {
			return types.RepositoryExistsErr(repo)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(rk, []byte{1})
	})
}

func (s *Store) Get(ctx context.Context, key types.EntryKey) (types.Entry, error) {
	var out types.Entry
	err := s.view(ctx, "get", func(txn *badger.Txn) error {
		if err := requireRepository(txn, key.RepositoryID); err != nil {
			return err
		}
		ver, val, err := s.load(txn, entryKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.KeyNotFoundErr(key.Key)
		}
		if err != nil {
			return err
		}
		out = types.Entry{Key: key.Key, Value: val, Version: ver}
		return nil
	})
	return out, err
}

func (s *Store) GetVersion(ctx context.Context, key types.EntryKey, version int64) (types.Entry, error) {
	var out types.Entry
	err := s.view(ctx, "get version", func(txn *badger.Txn) error {
		if err := requireEntry(txn, key); err != nil {
			return err
		}
		_, val, err := s.load(txn, historyKey(key, version))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return types.KeyVersionNotFoundErr(key.Key, version)
		}
		if err != nil {
			return err
		}
		out = types.Entry{Key: key.Key, Value: val, Version: version}
		return nil
	})
	return out, err
}

func (s *Store) History(ctx context.Context, key types.EntryKey) ([]types.Entry, error) {
	var out []types.Entry
	err := s.view(ctx, "history", func(txn *badger.Txn) error {
		if err := requireEntry(txn, key); err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := historyPrefix(key)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			ver, val, err := s.unframe(raw)
			if err != nil {
				return err
			}
			out = append(out, types.Entry{Key: key.Key, Value: val, Version: ver})
		}
		return nil
	})
	return out, err
}

func (s *Store) Put(ctx context.Context, key types.EntryKey, value types.Value, expected int64) (int64, error) {
	if err := types.ValidateExpected(expected); err != nil {
		return 0, err
	}
	var next int64
	err := s.update(ctx, "put", func(txn *badger.Txn) error {
		if err := requireRepository(txn, key.RepositoryID); err != nil {
			return err
		}
		cur, err := currentVersion(txn, entryKey(key))
		if err != nil {
			return err
		}
		if err := types.CheckPrecondition(key.Key, expected, cur > 0, cur); err != nil {
			return err
		}
		next = cur + 1
		framed := s.frame(next, value)
		if err := txn.Set(entryKey(key), framed); err != nil {
			return err
		}
		return txn.Set(historyKey(key, next), framed)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) Remove(ctx context.Context, key types.EntryKey) (string, error) {
	err := s.update(ctx, "remove", func(txn *badger.Txn) error {
		if err := requireEntry(txn, key); err != nil {
			return err
		}
		if err := txn.Delete(entryKey(key)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := historyPrefix(key)
		var stale [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key.Key, nil
}

func (s *Store) Entries(ctx context.Context, repo types.RepositoryID) ([]types.Entry, error) {
	var out []types.Entry
	err := s.view(ctx, "entries", func(txn *badger.Txn) error {
		if err := requireRepository(txn, repo); err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := entriesPrefix(repo)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			ver, val, err := s.unframe(raw)
			if err != nil {
				return err
			}
			out = append(out, types.Entry{
				Key:     string(bytes.TrimPrefix(item.Key(), prefix)),
				Value:   val,
				Version: ver,
			})
		}
		return nil
	})
	if out == nil && err == nil {
		out = []types.Entry{}
	}
	return out, err
}

// update runs fn in a read-write transaction, replaying it when badger detects a conflict with
// a concurrent writer.
func (s *Store) update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return types.DataAccessErr(err, "badger %s aborted", op)
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return translate(err, op)
	}
	return types.DataAccessErr(badger.ErrConflict, "badger %s: too much contention", op)
}

func (s *Store) view(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return types.DataAccessErr(err, "badger %s aborted", op)
	}
	return translate(s.db.View(fn), op)
}

func (s *Store) load(txn *badger.Txn, k []byte) (int64, types.Value, error) {
	item, err := txn.Get(k)
	if err != nil {
		return 0, nil, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, nil, err
	}
	return s.unframe(raw)
}

func (s *Store) frame(version int64, value types.Value) []byte {
	out := make([]byte, 8, 8+len(value)+1)
	binary.BigEndian.PutUint64(out, uint64(version))
	return append(out, s.codec.Encode(value)...)
}

func (s *Store) unframe(raw []byte) (int64, types.Value, error) {
	if len(raw) < 9 {
		return 0, nil, types.DataAccessErr(codec.ErrCorrupt, "badger: truncated record")
	}
	val, err := s.codec.Decode(raw[8:])
	if err != nil {
		return 0, nil, types.DataAccessErr(err, "badger: undecodable value")
	}
	return int64(binary.BigEndian.Uint64(raw[:8])), val, nil
}

func currentVersion(txn *badger.Txn, k []byte) (int64, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var ver int64
	err = item.Value(func(raw []byte) error {
		if len(raw) < 8 {
			return codec.ErrCorrupt
		}
		ver = int64(binary.BigEndian.Uint64(raw[:8]))
		return nil
	})
	return ver, err
}

func requireRepository(txn *badger.Txn, repo types.RepositoryID) error {
	_, err := txn.Get(repoKey(repo))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.RepositoryNotFoundErr(repo)
	}
	return err
}

func requireEntry(txn *badger.Txn, key types.EntryKey) error {
	if err := requireRepository(txn, key.RepositoryID); err != nil {
		return err
	}
	_, err := txn.Get(entryKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return types.KeyNotFoundErr(key.Key)
	}
	return err
}

func translate(err error, op string) error {
	if err == nil {
		return nil
	}
	var te *types.Error
	if errors.As(err, &te) {
		return err
	}
	return types.DataAccessErr(err, "badger %s failed", op)
}

func join(tag byte, parts ...string) []byte {
	n := 1
	for _, p := range parts {
		n += len(p) + 1
	}
	out := make([]byte, 0, n)
	out = append(out, tag)
	for _, p := range parts {
		out = append(out, sep)
		out = append(out, p...)
	}
	return out
}

func repoKey(repo types.RepositoryID) []byte {
	return join(prefixRepo, repo.Namespace, repo.Name)
}

func entriesPrefix(repo types.RepositoryID) []byte {
	return append(join(prefixEntry, repo.Namespace, repo.Name), sep)
}

func entryKey(key types.EntryKey) []byte {
	return append(entriesPrefix(key.RepositoryID), key.Key...)
}

func historyPrefix(key types.EntryKey) []byte {
	return append(join(prefixHistory, key.Namespace, key.Name, key.Key), sep)
}

func historyKey(key types.EntryKey, version int64) []byte {
	return binary.BigEndian.AppendUint64(historyPrefix(key), uint64(version))
}
