package backends

import (
	"confstore/internal/backends/badger"
	"confstore/internal/backends/ddb"
	"confstore/internal/backends/etcd"
	"confstore/internal/backends/memory"
	"confstore/internal/backends/sqlstore"
	"confstore/internal/codec"
	"confstore/internal/ports"
	"confstore/internal/types"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	etcdv3 "go.etcd.io/etcd/client/v3"

	redisbackend "confstore/internal/backends/redis"
)

var ErrInvalidBackend = errors.New("invalid store backend")

const AmazonRootCA1PEM = `-----BEGIN CERTIFICATE-----
MIIDQTCCAimgAwIBAgITBmyfz5m/jAo54vB4ikPmljZbyjANBgkqhkiG9w0BAQsF
ADA5MQswCQYDVQQGEwJVUzEPMA0GA1UEChMGQW1hem9uMRkwFwYDVQQDExBBbWF6
b24gUm9vdCBDQSAxMB4XDTE1MDUyNjAwMDAwMFoXDTM4MDExNzAwMDAwMFowOTEL
MAkGA1UEBhMCVVMxDzANBgNVBAoTBkFtYXpvbjEZMBcGA1UEAxMQQW1hem9uIFJv
b3QgQ0EgMTCCASIwDQYJKoZIhvcNAQEBBQADggEPADCCAQoCggEBALJ4gHHKeNXj
ca9HgFB0fW7Y14h29Jlo91ghYPl0hAEvrAIthtOgQ3pOsqTQNroBvo3bSMgHFzZM
9O6II8c+6zf1tRn4SWiw3te5djgdYZ6k/oI2peVKVuRF4fn9tBb6dNqcmzU5L/qw
IFAGbHrQgLKm+a/sRxmPUDgH3KKHOVj4utWp+UhnMJbulHheb4mjUcAwhmahRWa6
VOujw5H5SNz/0egwLX0tdHA114gk957EWW67c4cX8jJGKLhD+rcdqsq08p8kDi1L
93FcXmn/6pUCyziKrlA4b9v7LWIbxcceVOF34GfID5yHI9Y/QCB/IIDEgEw+OyQm
jgSubJrIqg0CAwEAAaNCMEAwDwYDVR0TAQH/BAUwAwEB/zAOBgNVHQ8BAf8EBAMC
AYYwHQYDVR0OBBYEFIQYzIU07LwMlJQuCFmcx7IQTgoIMA0GCSqGSIb3DQEBCwUA
A4IBAQCY8jdaQZChGsV2USggNiMOruYou6r4lK5IpDB/G/wkjUu0yKGX9rbxenDI
U5PMCCjjmCXPI6T53iHTfIUJrU6adTrCC2qJeHZERxhlbI1Bjjt/msv0tadQ1wUs
N+gDS63pYaACbvXy8MWy7Vu33PqUXHeeE6V/Uq2V8viTO96LXFvKWlJbYK8U90vv
o/ufQJVtMVT8QtPHRh8jrdkPSHCa2XV4cdFyQzR1bldZwgJcJmApzyMZFo6IQ6XU
5MsI+yMRQ+hDKXJioaldXgjUkK642M4UwtBV8ob2xJNDd2ZhwLnoQdeXeGADbkpy
rqXRfboQnoZsG4q5WTP468SQvvG5
-----END CERTIFICATE-----`

// StoreFromConfig constructs the RepositoryStore selected by cfg.Backend.
// Durable clients opened here are released by the returned store's Close.
// When cfg.RetryAttempts > 0 the store is wrapped with WithRetry.
func StoreFromConfig(ctx context.Context, cfg types.Config) (store ports.RepositoryStore, err error) {
	c := codec.New(cfg.CompressThreshold)
	switch cfg.Backend {
	case types.BackendMemory, "":
		store = memory.NewStore()

	case types.BackendRedis:
		var redisClient *redis.Client
		redisClient, err = redisClientFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store = withClosers(redisbackend.NewStore(redisClient, c, cfg.BackendTimeout), redisClient)

	case types.BackendDDB:
		var ddbClient *dynamodb.Client
		ddbClient, err = ddbClientFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store, err = ddb.NewStore(ctx, cfg.DDBTable, ddbClient, c, cfg.BackendTimeout)
		if err != nil {
			return nil, err
		}

	case types.BackendEtcd:
		var etcdClient *etcdv3.Client
		etcdClient, err = etcdv3.New(etcdv3.Config{
			Endpoints:   cfg.EtcdEndpoints,
			Username:    cfg.EtcdUsername,
			Password:    cfg.EtcdPassword,
			DialTimeout: cfg.BackendTimeout,
			Context:     ctx,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		store = withClosers(etcd.NewStore(etcdClient, cfg.EtcdPrefix, c, cfg.BackendTimeout), etcdClient)

	case types.BackendBadger:
		dir := cfg.BadgerDir
		if dir == "" {
			dir = filepath.Join(xdg.DataHome, "confstore", "badger")
		}
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create badger dir: %w", err)
		}
		store, err = badger.Open(dir, c)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger at %s: %w", dir, err)
		}

	case types.BackendSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = filepath.Join(xdg.DataHome, "confstore", "confstore.db")
		}
		if err = os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create sqlite dir: %w", err)
		}
		store, err = sqlstore.Open(ctx, sqlstore.DialectSQLite, path, c, cfg.BackendTimeout)
		if err != nil {
			return nil, err
		}

	case types.BackendPostgres:
		store, err = sqlstore.Open(ctx, sqlstore.DialectPostgres, cfg.DatabaseDSN, c, cfg.BackendTimeout)
		if err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidBackend, cfg.Backend)
	}

	log.WithField("backend", cfg.Backend).Debug("store ready")
	if cfg.RetryAttempts > 0 {
		store = WithRetry(store, cfg.RetryAttempts, cfg.RetryBaseDelay)
	}
	return store, nil
}

// ddbClientFromConfig creates a DynamoDB client, pointing it at DDBEndpoint when set.
func ddbClientFromConfig(ctx context.Context, cfg types.Config) (*dynamodb.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}

	ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DDBEndpoint != "" {
			// local endpoints (moto, localstack) only
			o.BaseEndpoint = aws.String(cfg.DDBEndpoint)
			o.Region = getenv("AWS_REGION", "us-east-1")
			o.Credentials = credentials.NewStaticCredentialsProvider(
				getenv("AWS_ACCESS_KEY_ID", "x"),
				getenv("AWS_SECRET_ACCESS_KEY", "x"),
				"",
			)
		}
	})
	return ddbClient, nil
}

// redisClientFromConfig creates and pings a Redis client.
func redisClientFromConfig(ctx context.Context, cfg types.Config) (*redis.Client, error) {
	var tlsConfig *tls.Config
	if cfg.RedisTLS {
		caCerts := x509.NewCertPool()
		if !caCerts.AppendCertsFromPEM([]byte(AmazonRootCA1PEM)) {
			return nil, fmt.Errorf("failed to retrieve CA certificate")
		}
		tlsConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    caCerts,
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:      fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		Username:  cfg.RedisUser,
		Password:  cfg.RedisPass,
		DB:        cfg.RedisDBNum,
		TLSConfig: tlsConfig,
	})
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	return redisClient, nil
}

type closer interface{ Close() error }

// closingStore releases the driver clients the factory opened once the store itself is closed.
type closingStore struct {
	ports.RepositoryStore
	closers []closer
}

func withClosers(s ports.RepositoryStore, closers ...closer) ports.RepositoryStore {
	return &closingStore{RepositoryStore: s, closers: closers}
}

func (s *closingStore) Close() error {
	errs := []error{s.RepositoryStore.Close()}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// getenv retrieves the value of the environment variable named by the key.
func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
