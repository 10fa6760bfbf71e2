package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
)

// =============================================================================
// 💾 执行结果缓存
// =============================================================================

// Entry 缓存条目
type Entry struct {
	Result    map[string]any `json:"result"`
	Expiry    time.Time      `json:"expiry"`
	Timestamp time.Time      `json:"timestamp"`
}

// expired 判断条目在 now 时刻是否已过期
func (e Entry) expired(now time.Time) bool {
	return now.After(e.Expiry)
}

// Config 缓存配置
type Config struct {
	// 是否启用；关闭时 Get/Put 为空操作且不会触碰持久化存储
	Enabled bool `yaml:"enabled" json:"enabled"`

	// 条目存活时间
	TTL time.Duration `yaml:"ttl" json:"ttl"`
}

// Stats 缓存统计
type Stats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Writes      int64 `json:"writes"`
	WriteErrors int64 `json:"write_errors"`
	Size        int   `json:"size"`
}

// Cache TTL 缓存，每次写入都把完整内容写回 Journal
type Cache struct {
	config  Config
	journal Journal
	logger  *zap.Logger
	now     func() time.Time

	// persistMu 串行化写回，保证最后落盘的是最新快照；先于 mu 获取
	persistMu sync.Mutex

	mu      sync.Mutex
	entries map[string]Entry
	stats   Stats
}

// New 创建缓存并从 journal 加载已有条目（已过期的条目在加载时丢弃）
// journal 为 nil 时仅在内存中缓存；journal 损坏时以空缓存启动。
func New(ctx context.Context, config Config, journal Journal, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		config:  config,
		journal: journal,
		logger:  logger.With(zap.String("component", "cache")),
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	if !config.Enabled || journal == nil {
		return c, nil
	}

	loaded, err := journal.Load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("load cache journal: %w", err)
		}
		// journal 可随时丢弃：读不出来就冷启动，下次写回时覆盖
		c.logger.Warn("cache journal unreadable, starting cold", zap.Error(err))
		loaded = nil
	}
	now := c.now()
	dropped := 0
	for k, e := range loaded {
		if e.expired(now) {
			dropped++
			continue
		}
		c.entries[k] = e
	}
	c.logger.Info("cache loaded",
		zap.Int("entries", len(c.entries)),
		zap.Int("expired_dropped", dropped),
	)
	return c, nil
}

// Enabled 是否启用缓存
func (c *Cache) Enabled() bool { return c.config.Enabled }

// Key 计算执行参数的规范化哈希键
// encoding/json 对 map 键递归排序，键顺序不同但内容相同的参数得到相同的键。
func Key(executionType string, params map[string]any) (string, error) {
	data, err := json.Marshal(struct {
		Type       string         `json:"type"`
		Parameters map[string]any `json:"parameters"`
	}{executionType, params})
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Get 获取缓存结果；过期条目在同一把锁内被淘汰
func (c *Cache) Get(key string) (map[string]any, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return maps.Clone(e.Result), true
}

// Put 写入结果（expiry = now + TTL）并完整写回 journal
// 写回失败时内存中的条目保留，错误返回给调用方。
func (c *Cache) Put(ctx context.Context, key string, result map[string]any) error {
	if !c.config.Enabled {
		return nil
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	now := c.now()
	c.entries[key] = Entry{
		Result:    maps.Clone(result),
		Expiry:    now.Add(c.config.TTL),
		Timestamp: now,
	}
	c.stats.Writes++
	snapshot := c.snapshotLocked(now)
	c.mu.Unlock()

	return c.persist(ctx, snapshot)
}

// Delete 删除条目并写回
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.config.Enabled {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	delete(c.entries, key)
	snapshot := c.snapshotLocked(c.now())
	c.mu.Unlock()

	return c.persist(ctx, snapshot)
}

// Clear 清空缓存并写回
func (c *Cache) Clear(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	return c.persist(ctx, map[string]Entry{})
}

// Prune 淘汰所有过期条目，返回淘汰数量
func (c *Cache) Prune(ctx context.Context) (int, error) {
	if !c.config.Enabled {
		return 0, nil
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	before := len(c.entries)
	snapshot := c.snapshotLocked(c.now())
	pruned := before - len(c.entries)
	c.mu.Unlock()

	if pruned == 0 {
		return 0, nil
	}
	return pruned, c.persist(ctx, snapshot)
}

// Len 返回当前条目数（可能包含尚未被淘汰的过期条目）
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats 返回统计信息
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	return s
}

// snapshotLocked 淘汰过期条目并复制当前内容；调用方需持有 mu
func (c *Cache) snapshotLocked(now time.Time) map[string]Entry {
	out := make(map[string]Entry, len(c.entries))
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			c.stats.Evictions++
			continue
		}
		out[k] = e
	}
	return out
}

// persist 调用方需持有 persistMu
func (c *Cache) persist(ctx context.Context, snapshot map[string]Entry) error {
	if c.journal == nil {
		return nil
	}
	if err := c.journal.Save(ctx, snapshot); err != nil {
		c.mu.Lock()
		c.stats.WriteErrors++
		c.mu.Unlock()
		c.logger.Warn("cache journal write failed", zap.Error(err))
		return fmt.Errorf("write cache journal: %w", err)
	}
	return nil
}
