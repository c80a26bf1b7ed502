package memory

import (
	"confstore/internal/backends/storetest"
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
)

type MemoryStoreTestSuite struct {
	storetest.Suite
}

func TestMemoryStoreTestSuite(t *testing.T) {
	s := new(MemoryStoreTestSuite)
	s.NewStore = func() ports.RepositoryStore { return NewStore() }
	suite.Run(t, s)
}

func (s *MemoryStoreTestSuite) TestIndexTracksKeys() {
	st := s.Store().(*Store)
	ctx := context.Background()
	repo := types.RepositoryID{Namespace: "t", Name: "r"}
	s.Require().NoError(st.CreateRepository(ctx, repo))

	_, err := st.Put(ctx, types.EntryKey{RepositoryID: repo, Key: "a"}, types.Value(`1`), types.AnyVersion)
	s.Require().NoError(err)
	_, err = st.Put(ctx, types.EntryKey{RepositoryID: repo, Key: "b"}, types.Value(`1`), types.AnyVersion)
	s.Require().NoError(err)
	_, err = st.Remove(ctx, types.EntryKey{RepositoryID: repo, Key: "a"})
	s.Require().NoError(err)

	s.Len(st.index[repoRef{"t", "r"}], 1)
	s.Len(st.arena, 1)
	_, ok := st.arena[entryRef{"t", "r", "b"}]
	s.True(ok)
}

func (s *MemoryStoreTestSuite) TestUntouchedNamespaceLookups() {
	st := s.Store()
	ctx := context.Background()
	_, err := st.Entries(ctx, types.RepositoryID{Namespace: "never-seen", Name: "r"})
	s.Equal(types.RepositoryNotFound, types.KindOf(err))
	s.NoError(st.CreateRepository(ctx, types.RepositoryID{Namespace: "never-seen", Name: "r"}))
}

func (s *MemoryStoreTestSuite) TestInvalidExpectedVersion() {
	st := s.Store()
	ctx := context.Background()
	repo := types.RepositoryID{Namespace: "t", Name: "r"}
	s.Require().NoError(st.CreateRepository(ctx, repo))
	_, err := st.Put(ctx, types.EntryKey{RepositoryID: repo, Key: "k"}, types.Value(`1`), -5)
	s.Equal(types.InvalidRequest, types.KindOf(err))
}
