package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-redis/redis/v8"
	"github.com/kelseyhightower/envconfig"
)

type DB int
type ReleaseLock func() error

// RunsDB holds run documents.
const RunsDB DB = 0

type redisConfig struct {
	LockExpirationSeconds   int     `envconfig:"LNT_COMN_REDIS_LOCK_EXPIRATION" default:"3"`
	Host                    string  `envconfig:"LNT_COMN_REDIS_HOST" required:"true"`
	Port                    string  `envconfig:"LNT_COMN_REDIS_PORT" required:"true"`
	HASentinelPort          string  `envconfig:"LNT_COMN_REDIS_HA_SENTINEL_PORT" default:"26379"`
	HASentinelMasterName    string  `envconfig:"LNT_COMN_REDIS_HA_MASTER_NAME" default:"mymaster"`
	Password                string  `envconfig:"LNT_COMN_REDIS_AUTH_PASSWORD" default:"0"`
	AuthRequired            bool    `envconfig:"LNT_COMN_REDIS_AUTH_REQUIRED" default:"false"`
	HAMode                  bool    `envconfig:"LNT_COMN_REDIS_HA_MODE" default:"false"`
	HASentinelSocketTimeout float32 `envconfig:"LNT_COMN_REDIS_SOCKET_TIMEOUT" default:"0.5"`
}

type redisClient struct {
	client         redis.UniversalClient
	lockExpiration time.Duration
}

func newRedisClient(db DB) (*redisClient, error) {
	var cfg redisConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	var client redis.UniversalClient
	if cfg.HAMode {
		client = createClusterClient(&cfg, db)
	} else {
		client = createClient(&cfg, db)
	}
	return &redisClient{
		client:         client,
		lockExpiration: time.Duration(cfg.LockExpirationSeconds) * time.Second,
	}, nil
}

func createClusterClient(cfg *redisConfig, db DB) *redis.ClusterClient {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.HASentinelPort)
	timeout := time.Duration(cfg.HASentinelSocketTimeout) * time.Second
	options := redis.FailoverOptions{
		SentinelAddrs: []string{addr},
		ReadTimeout:   timeout,
		WriteTimeout:  timeout,
		MaxRetries:    6,
		DB:            int(db),
		MasterName:    cfg.HASentinelMasterName,
	}
	if cfg.AuthRequired {
		options.Password = cfg.Password
	}
	return redis.NewFailoverClusterClient(&options)
}

func createClient(cfg *redisConfig, db DB) *redis.Client {
	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	options := redis.Options{
		Addr:       addr,
		MaxRetries: 6,
		DB:         int(db),
	}
	if cfg.AuthRequired {
		options.Password = cfg.Password
	}
	return redis.NewClient(&options)
}

func (c *redisClient) get(ctx context.Context, key string) ([]byte, error) {
	response := c.client.Get(ctx, key)
	if response.Err() != nil {
		return nil, response.Err()
	}
	return response.Bytes()
}

func (c *redisClient) set(ctx context.Context, key string, value []byte) error {
	return c.client.Set(ctx, key, value, 0).Err()
}

func (c *redisClient) lock(ctx context.Context, key string) (ReleaseLock, error) {
	lockCl := redislock.New(c.client)
	str := redislock.LimitRetry(redislock.LinearBackoff(time.Second), 20)
	lockKey := fmt.Sprintf("lock:%s", key)
	lock, err := lockCl.Obtain(ctx, lockKey, c.lockExpiration, &redislock.Options{RetryStrategy: str})
	if err != nil {
		return nil, err
	}
	return func() error {
		return lock.Release(ctx)
	}, nil
}

func (c *redisClient) close() error {
	return c.client.Close()
}
