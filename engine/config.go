package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/agentorch/config"
)

// Built-in execution types.
const (
	TypeContainer = "container"
	TypePipeline  = "pipeline"
)

// Config 执行引擎配置
type Config struct {
	// BackendName 后端名称，同时作为熔断器名称；为空时使用 Backend.Name()
	BackendName string `yaml:"backend_name" json:"backend_name"`

	// SupportedTypes 支持的执行类型
	SupportedTypes []string `yaml:"supported_types" json:"supported_types"`

	// MaxConcurrentExecutions 同时在途的最大执行数
	MaxConcurrentExecutions int `yaml:"max_concurrent_executions" json:"max_concurrent_executions"`

	// Timeout 单次执行（含重试）的默认超时；0 表示不限制
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// 重试
	RetryEnabled       bool          `yaml:"retry_enabled" json:"retry_enabled"`
	MaxRetries         int           `yaml:"max_retries" json:"max_retries"`
	RetryBackoffFactor time.Duration `yaml:"retry_backoff_factor" json:"retry_backoff_factor"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
	RetryJitter        bool          `yaml:"retry_jitter" json:"retry_jitter"`

	// 熔断
	CircuitBreakerEnabled bool          `yaml:"circuit_breaker_enabled" json:"circuit_breaker_enabled"`
	FailureThreshold      int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout          time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMaxCalls      int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// 缓存
	CachingEnabled bool          `yaml:"caching_enabled" json:"caching_enabled"`
	CacheTTL       time.Duration `yaml:"cache_ttl" json:"cache_ttl"`
	// CachePath 文件 journal 路径；未注入其它 journal 时使用
	CachePath string `yaml:"cache_path" json:"cache_path"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		SupportedTypes:          []string{TypeContainer, TypePipeline},
		MaxConcurrentExecutions: 10,
		Timeout:                 5 * time.Minute,
		RetryEnabled:            true,
		MaxRetries:              3,
		RetryBackoffFactor:      time.Second,
		RetryMaxDelay:           30 * time.Second,
		RetryJitter:             true,
		CircuitBreakerEnabled:   true,
		FailureThreshold:        5,
		ResetTimeout:            60 * time.Second,
		HalfOpenMaxCalls:        1,
		CachingEnabled:          true,
		CacheTTL:                time.Hour,
	}
}

// Validate 校验配置
func (c Config) Validate() error {
	var errs []string
	if c.MaxConcurrentExecutions <= 0 {
		errs = append(errs, "max_concurrent_executions must be positive")
	}
	if len(c.SupportedTypes) == 0 {
		errs = append(errs, "supported_types must not be empty")
	}
	if c.Timeout < 0 {
		errs = append(errs, "timeout must not be negative")
	}
	if c.RetryEnabled && c.MaxRetries < 0 {
		errs = append(errs, "max_retries must not be negative")
	}
	if c.RetryEnabled && c.RetryBackoffFactor < 0 {
		errs = append(errs, "retry_backoff_factor must not be negative")
	}
	if c.CircuitBreakerEnabled {
		if c.FailureThreshold <= 0 {
			errs = append(errs, "failure_threshold must be positive")
		}
		if c.ResetTimeout <= 0 {
			errs = append(errs, "reset_timeout must be positive")
		}
		if c.HalfOpenMaxCalls <= 0 {
			errs = append(errs, "half_open_max_calls must be positive")
		}
	}
	if c.CachingEnabled && c.CacheTTL <= 0 {
		errs = append(errs, "cache_ttl must be positive when caching is enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("engine config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ConfigFromSettings 由全局配置中的 engine/cache/backend 段构造引擎配置。
// 只有 file 存储会设置 CachePath，其它 journal 由调用方通过 WithJournal 注入。
func ConfigFromSettings(cfg *config.Config) Config {
	e := cfg.Engine
	out := Config{
		BackendName:             cfg.Backend.Name,
		SupportedTypes:          append([]string(nil), e.SupportedTypes...),
		MaxConcurrentExecutions: e.MaxConcurrentExecutions,
		Timeout:                 e.Timeout,
		RetryEnabled:            e.RetryEnabled,
		MaxRetries:              e.MaxRetries,
		RetryBackoffFactor:      e.RetryBackoffFactor,
		RetryMaxDelay:           e.RetryMaxDelay,
		RetryJitter:             e.RetryJitter,
		CircuitBreakerEnabled:   e.CircuitBreakerEnabled,
		FailureThreshold:        e.FailureThreshold,
		ResetTimeout:            e.ResetTimeout,
		HalfOpenMaxCalls:        e.HalfOpenMaxCalls,
		CachingEnabled:          cfg.Cache.Enabled,
		CacheTTL:                cfg.Cache.TTL,
	}
	if cfg.Cache.Enabled && cfg.Cache.Store == "file" {
		out.CachePath = cfg.Cache.Path
	}
	return out
}
