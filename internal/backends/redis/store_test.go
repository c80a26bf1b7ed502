package redis

import (
	"confstore/internal/backends/storetest"
	"confstore/internal/codec"
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
)

type RedisStoreTestSuite struct {
	storetest.Suite

	mr  *miniredis.Miniredis
	cli *redis.Client
}

func TestRedisStoreTestSuite(t *testing.T) {
	suite.Run(t, new(RedisStoreTestSuite))
}

func (s *RedisStoreTestSuite) SetupSuite() {
	s.mr = miniredis.NewMiniRedis()
	s.Require().NoError(s.mr.Start())
	s.cli = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	// a low threshold makes the suite exercise both codec formats
	s.NewStore = func() ports.RepositoryStore {
		return NewStore(s.cli, codec.New(256), 2*time.Second)
	}
}

func (s *RedisStoreTestSuite) TearDownSuite() {
	_ = s.cli.Close()
	s.mr.Close()
}

func (s *RedisStoreTestSuite) TestKeyLayout() {
	ctx := context.Background()
	repo := types.RepositoryID{Namespace: "tenantA", Name: "app-config"}
	st := s.Store()
	s.Require().NoError(st.CreateRepository(ctx, repo))
	_, err := st.Put(ctx, types.EntryKey{RepositoryID: repo, Key: "timeout"}, types.Value(`"30"`), types.AnyVersion)
	s.Require().NoError(err)

	s.True(s.mr.Exists("cs:{tenantA}:repos"))
	ok, err := s.mr.SIsMember("cs:{tenantA}:repos", "app-config")
	s.NoError(err)
	s.True(ok)
	s.Equal("1", s.mr.HGet("cs:{tenantA}:app-config:ver", "timeout"))
	s.True(s.mr.Exists("cs:{tenantA}:app-config:h:timeout"))

	_, err = st.Remove(ctx, types.EntryKey{RepositoryID: repo, Key: "timeout"})
	s.Require().NoError(err)
	s.False(s.mr.Exists("cs:{tenantA}:app-config:h:timeout"))
}

func (s *RedisStoreTestSuite) TestServerDownIsDataAccessFailure() {
	mr := miniredis.NewMiniRedis()
	s.Require().NoError(mr.Start())
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer func() { _ = cli.Close() }()
	st := NewStore(cli, codec.New(codec.DefaultThreshold), time.Second)
	mr.Close()

	err := st.CreateRepository(context.Background(), types.RepositoryID{Namespace: "t", Name: "r"})
	s.Equal(types.DataAccessFailure, types.KindOf(err))
	s.True(types.IsRetryable(err))
}
