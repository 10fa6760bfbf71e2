package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/agentorch/internal/tlsutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions Redis 连接配置
type RedisOptions struct {
	Addr         string `yaml:"addr" json:"addr"`
	Password     string `yaml:"password" json:"password"`
	DB           int    `yaml:"db" json:"db"`
	PoolSize     int    `yaml:"pool_size" json:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns" json:"min_idle_conns"`
	TLS          bool   `yaml:"tls" json:"tls"`
}

// DialRedis 创建 Redis 客户端并测试连接
func DialRedis(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ro := &redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
	}
	if opts.TLS {
		ro.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(ro)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("redis connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return client, nil
}

// RedisJournal 把整个缓存保存在单个 Redis 键中
type RedisJournal struct {
	client redis.Cmdable
	key    string
}

// NewRedisJournal 创建 Redis journal
func NewRedisJournal(client redis.Cmdable, key string) *RedisJournal {
	return &RedisJournal{client: client, key: key}
}

// Load 读取 journal；键不存在时返回空集合
func (j *RedisJournal) Load(ctx context.Context) (map[string]Entry, error) {
	data, err := j.client.Get(ctx, j.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", j.key, err)
	}
	return decodeEntries(data)
}

// Save 覆盖写入
func (j *RedisJournal) Save(ctx context.Context, entries map[string]Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode journal: %w", err)
	}
	if err := j.client.Set(ctx, j.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", j.key, err)
	}
	return nil
}
