package badger

import (
	"bytes"
	"confstore/internal/backends/storetest"
	"confstore/internal/codec"
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type BadgerStoreTestSuite struct {
	storetest.Suite
}

func TestBadgerStoreTestSuite(t *testing.T) {
	s := new(BadgerStoreTestSuite)
	s.NewStore = func() ports.RepositoryStore {
		st, err := Open("", codec.New(256))
		require.NoError(t, err)
		return st
	}
	suite.Run(t, s)
}

func (s *BadgerStoreTestSuite) TestRemoveDropsHistoryKeys() {
	st := s.Store().(*Store)
	ctx := context.Background()
	repo := types.RepositoryID{Namespace: "t1", Name: "app"}
	key := types.NewEntryKey("t1", "app", "k")

	s.Require().NoError(st.CreateRepository(ctx, repo))
	for i := 0; i < 3; i++ {
		_, err := st.Put(ctx, key, types.Value(`{"n":1}`), types.AnyVersion)
		s.Require().NoError(err)
	}
	_, err := st.Remove(ctx, key)
	s.Require().NoError(err)

	var left int
	err = st.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := historyPrefix(key)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			left++
		}
		return nil
	})
	s.Require().NoError(err)
	s.Zero(left)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := types.NewEntryKey("t1", "app", "db/url")

	st, err := Open(dir, codec.New(codec.DefaultThreshold))
	require.NoError(t, err)
	require.NoError(t, st.CreateRepository(ctx, key.RepositoryID))
	_, err = st.Put(ctx, key, types.Value(`"postgres://a"`), types.CreateOnly)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(dir, codec.New(codec.DefaultThreshold))
	require.NoError(t, err)
	defer st.Close()
	got, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.JSONEq(t, `"postgres://a"`, string(got.Value))
}

func TestKeyEncoding(t *testing.T) {
	key := types.NewEntryKey("ns", "repo", "a")
	assert.Equal(t, []byte("r\x00ns\x00repo"), repoKey(key.RepositoryID))
	assert.Equal(t, []byte("e\x00ns\x00repo\x00a"), entryKey(key))
	assert.True(t, bytes.HasPrefix(entryKey(key), entriesPrefix(key.RepositoryID)))

	assert.Equal(t, -1, bytes.Compare(historyKey(key, 9), historyKey(key, 10)))
	assert.Equal(t, -1, bytes.Compare(historyKey(key, 255), historyKey(key, 256)))

	longer := types.NewEntryKey("ns", "repo", "ab")
	assert.False(t, bytes.HasPrefix(historyKey(longer, 1), historyPrefix(key)))
}
