package types

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDDB      = "ddb"
	BackendEtcd     = "etcd"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

var Backends = []string{BackendMemory, BackendRedis, BackendDDB, BackendEtcd, BackendBadger, BackendPostgres, BackendSQLite}

// Config is the process configuration. It is filled from the environment (optionally seeded from a
// .env file) and drives backend selection, timeouts, token verification and the HTTP server.
// Backend-specific fields are only read when that backend is selected.
// RequestTimeout bounds a whole service call; BackendTimeout bounds every single driver round trip.
// RetryAttempts > 0 wraps the store with a retrying decorator for reads.
// JWTKeys maps a key id to a base64 HMAC secret, e.g. "k1:c2VjcmV0,k2:b3RoZXI=".
type Config struct {
	Backend string `envconfig:"STORE_BACKEND" default:"memory"`

	DDBEndpoint string `envconfig:"DDB_ENDPOINT"`
	DDBTable    string `envconfig:"DDB_TABLE" default:"confstore"`

	RedisHost  string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort  int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisUser  string `envconfig:"REDIS_USER"`
	RedisPass  string `envconfig:"REDIS_PASS"`
	RedisTLS   bool   `envconfig:"REDIS_SSL" default:"false"`
	RedisDBNum int    `envconfig:"REDIS_DB_NUM" default:"0"`

	EtcdEndpoints []string `envconfig:"ETCD_ENDPOINTS" default:"localhost:2379"`
	EtcdUsername  string   `envconfig:"ETCD_USERNAME"`
	EtcdPassword  string   `envconfig:"ETCD_PASSWORD"`
	EtcdPrefix    string   `envconfig:"ETCD_PREFIX" default:"/confstore"`

	BadgerDir   string `envconfig:"BADGER_DIR"`
	SQLitePath  string `envconfig:"SQLITE_PATH"`
	DatabaseDSN string `envconfig:"DATABASE_DSN"`

	RequestTimeout    time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5s"`
	BackendTimeout    time.Duration `envconfig:"BACKEND_TIMEOUT" default:"3s"`
	RetryAttempts     uint64        `envconfig:"RETRY_ATTEMPTS" default:"0"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"50ms"`
	CompressThreshold int           `envconfig:"COMPRESS_THRESHOLD" default:"1024"`

	JWTKeys          map[string]string `envconfig:"JWT_KEYS"`
	JWTPublicKeysDir string            `envconfig:"JWT_PUBLIC_KEYS_DIR"`
	JWTIssuer        string            `envconfig:"JWT_ISSUER"`
	JWTAudience      string            `envconfig:"JWT_AUDIENCE"`
	KeyCacheTTL      time.Duration     `envconfig:"KEY_CACHE_TTL" default:"300s"`
	PolicyFile       string            `envconfig:"POLICY_FILE"`

	SNSTopicARN string `envconfig:"SNS_TOPIC_ARN"`
	SNSEndpoint string `envconfig:"SNS_ENDPOINT"`

	HTTPPort  int    `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"auto"`
}

// LoadConfig reads envFile (when present) into the environment and then processes Config.
// An empty envFile falls back to $ENV_FILE and then ".env".
func LoadConfig(envFile string) (Config, error) {
	if envFile == "" {
		envFile = os.Getenv("ENV_FILE")
	}
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		log.Debugf("The env file %s not found.", envFile)
	}
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, c.Validate()
}

func (c Config) Validate() error {
	if !slices.Contains(Backends, c.Backend) {
		return fmt.Errorf("STORE_BACKEND must be one of %v, got %q", Backends, c.Backend)
	}
	if c.Backend == BackendPostgres && c.DatabaseDSN == "" {
		return fmt.Errorf("DATABASE_DSN is required for the postgres backend")
	}
	if c.Backend == BackendEtcd && len(c.EtcdEndpoints) == 0 {
		return fmt.Errorf("ETCD_ENDPOINTS is required for the etcd backend")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.BackendTimeout <= 0 {
		return fmt.Errorf("BACKEND_TIMEOUT must be positive")
	}
	if c.CompressThreshold < 0 {
		return fmt.Errorf("COMPRESS_THRESHOLD must be non-negative. 0 for always")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be a valid TCP port")
	}
	return nil
}
