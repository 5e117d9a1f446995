package config

import (
	"fmt"
	"time"

	pkgconfig "mailsync/pkg/config"
)

// SyncPolicy 同步与文件夹分类的策略常量
type SyncPolicy struct {
	// ApprovedGrace approved 邮件发送时间过去多久后不再显示在 scheduled
	ApprovedGrace time.Duration `yaml:"approved_grace"`
	// StatuslessGrace 无 status 的新建邮件的宽限窗口
	StatuslessGrace time.Duration `yaml:"statusless_grace"`
	// SendingStaleAfter sending 超过该时长视为已发送
	SendingStaleAfter time.Duration `yaml:"sending_stale_after"`
	// StuckAfter sending 超过该时长由对账任务标记为 error
	StuckAfter time.Duration `yaml:"stuck_after"`

	InitialLimit   int `yaml:"initial_limit"`
	ScheduledLimit int `yaml:"scheduled_limit"`
	PageSize       int `yaml:"page_size"`

	CountTTL       time.Duration `yaml:"count_ttl"`
	CacheWriteWait time.Duration `yaml:"cache_write_wait"`
	NotifyWindow   time.Duration `yaml:"notify_window"`
	// SessionIdle 会话空闲多久后回收
	SessionIdle time.Duration `yaml:"session_idle"`
	// MoreRate LoadMore 每身份每秒允许的请求数
	MoreRate  float64 `yaml:"more_rate"`
	MoreBurst int     `yaml:"more_burst"`
}

// DefaultSyncPolicy 默认策略
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		ApprovedGrace:     time.Minute,
		StatuslessGrace:   5 * time.Minute,
		SendingStaleAfter: 5 * time.Minute,
		StuckAfter:        24 * time.Hour,
		InitialLimit:      200,
		ScheduledLimit:    200,
		PageSize:          100,
		CountTTL:          30 * time.Second,
		CacheWriteWait:    500 * time.Millisecond,
		NotifyWindow:      300 * time.Millisecond,
		SessionIdle:       15 * time.Minute,
		MoreRate:          2,
		MoreBurst:         5,
	}
}

// withDefaults 零值字段回落到默认值
func (p SyncPolicy) withDefaults() SyncPolicy {
	d := DefaultSyncPolicy()
	if p.ApprovedGrace <= 0 {
		p.ApprovedGrace = d.ApprovedGrace
	}
	if p.StatuslessGrace <= 0 {
		p.StatuslessGrace = d.StatuslessGrace
	}
	if p.SendingStaleAfter <= 0 {
		p.SendingStaleAfter = d.SendingStaleAfter
	}
	if p.StuckAfter <= 0 {
		p.StuckAfter = d.StuckAfter
	}
	if p.InitialLimit <= 0 {
		p.InitialLimit = d.InitialLimit
	}
	if p.ScheduledLimit <= 0 {
		p.ScheduledLimit = d.ScheduledLimit
	}
	if p.PageSize <= 0 {
		p.PageSize = d.PageSize
	}
	if p.CountTTL <= 0 {
		p.CountTTL = d.CountTTL
	}
	if p.CacheWriteWait <= 0 {
		p.CacheWriteWait = d.CacheWriteWait
	}
	if p.NotifyWindow <= 0 {
		p.NotifyWindow = d.NotifyWindow
	}
	if p.SessionIdle <= 0 {
		p.SessionIdle = d.SessionIdle
	}
	if p.MoreRate <= 0 {
		p.MoreRate = d.MoreRate
	}
	if p.MoreBurst <= 0 {
		p.MoreBurst = d.MoreBurst
	}
	return p
}

// ReconcileConfig 对账任务配置
type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	DryRun    bool          `yaml:"dry_run"`
}

// OutboxConfig outbox dispatcher 配置
type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type Config struct {
	DB        pkgconfig.DBConfig     `yaml:"db"`
	MQ        pkgconfig.MQConfig     `yaml:"mq"`
	Redis     pkgconfig.RedisConfig  `yaml:"redis"`
	JWT       pkgconfig.JWTConfig    `yaml:"jwt"`
	Server    pkgconfig.ServerConfig `yaml:"server"`
	OTel      pkgconfig.OTelConfig   `yaml:"otel"`
	Sync      SyncPolicy             `yaml:"sync"`
	Reconcile ReconcileConfig        `yaml:"reconcile"`
	Outbox    OutboxConfig           `yaml:"outbox"`
}

// Load 使用统一配置中心加载配置
func Load() (*Config, error) {
	env := pkgconfig.GetConfigEnv()
	configDir := pkgconfig.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, configDir)
}

// LoadFrom 从指定目录和环境加载
func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := pkgconfig.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	var cfg Config
	if err := pkgconfig.Decode(cfgMap, &cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	pkgconfig.OverrideDBFromEnv(&cfg.DB)
	pkgconfig.OverrideMQFromEnv(&cfg.MQ)
	pkgconfig.OverrideRedisFromEnv(&cfg.Redis)
	pkgconfig.OverrideJWTFromEnv(&cfg.JWT)
	pkgconfig.OverrideServerFromEnv(&cfg.Server)
	pkgconfig.OverrideOTelFromEnv(&cfg.OTel)

	cfg.Sync = cfg.Sync.withDefaults()
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = time.Minute
	}
	if cfg.Reconcile.BatchSize <= 0 {
		cfg.Reconcile.BatchSize = 500
	}
	if cfg.Outbox.Interval <= 0 {
		cfg.Outbox.Interval = 2 * time.Second
	}
	if cfg.Outbox.BatchSize <= 0 {
		cfg.Outbox.BatchSize = 100
	}
	if cfg.Outbox.MaxRetries <= 0 {
		cfg.Outbox.MaxRetries = 5
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8080"
	}
	return &cfg, nil
}
