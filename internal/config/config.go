package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Config 对应 config.yaml 的根结构
type Config struct {
	Sync   SyncConfig   `yaml:"sync"`
	Remote RemoteConfig `yaml:"remote"`
	Crypto CryptoConfig `yaml:"crypto"`
	System SystemConfig `yaml:"system"`
}

// SyncConfig 同步相关配置
type SyncConfig struct {
	LocalDir      string `yaml:"local_dir"`
	Interval      string `yaml:"interval"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	// 带宽限制, 单位 字节/秒, 0 表示不限速
	DownloadLimit int64 `yaml:"download_limit"`
	UploadLimit   int64 `yaml:"upload_limit"`
	// 额外的忽略规则 (gitignore 语法), 与 .syncignore 合并
	Ignore []string `yaml:"ignore"`
	// 一轮同步将删除所有文件时是否继续, 默认拒绝
	ConfirmMassDelete bool `yaml:"confirm_mass_delete"`
	// 冲突处理: keep_both (默认), rename_local, rename_remote
	ConflictStrategy string `yaml:"conflict_strategy"`
	// 也就是解析后的 duration，不导出到 yaml
	IntervalDuration time.Duration `yaml:"-"`
}

// RemoteConfig S3 兼容对象存储配置
type RemoteConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// CryptoConfig 加密配置
type CryptoConfig struct {
	Enable           bool   `yaml:"enable"`
	Password         string `yaml:"password"`
	EncryptFilenames bool   `yaml:"encrypt_filenames"`
}

// SystemConfig 系统配置
type SystemConfig struct {
	DBPath      string `yaml:"db_path"`
	DBDriver    string `yaml:"db_driver"` // bolt (默认) 或 sqlite
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	LogFormat   string `yaml:"log_format"`   // text (默认) 或 json
	MetricsAddr string `yaml:"metrics_addr"` // 为空则不启动 /metrics
}

const (
	defaultInterval      = "5m"
	defaultMaxConcurrent = 3
	defaultDBPath        = "bisync.db"
)

// LoadConfig 读取并解析配置文件
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容, 填充默认值并校验
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析 YAML 格式错误: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Sync.Interval == "" {
		c.Sync.Interval = defaultInterval
	}
	if c.Sync.MaxConcurrent <= 0 {
		c.Sync.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Sync.ConflictStrategy == "" {
		c.Sync.ConflictStrategy = "keep_both"
	}
	if c.System.DBPath == "" {
		c.System.DBPath = defaultDBPath
	}
	if c.System.DBDriver == "" {
		c.System.DBDriver = "bolt"
	}
	if c.System.LogFormat == "" {
		c.System.LogFormat = "text"
	}
}

func (c *Config) validate() error {
	duration, err := time.ParseDuration(c.Sync.Interval)
	if err != nil {
		return fmt.Errorf("无效的同步间隔格式 (sync.interval): %w", err)
	}
	if duration <= 0 {
		return fmt.Errorf("sync.interval 必须大于 0: %s", c.Sync.Interval)
	}
	c.Sync.IntervalDuration = duration

	var errs []error
	if c.Sync.LocalDir == "" {
		errs = append(errs, errors.New("缺少 sync.local_dir"))
	}
	if c.Remote.Endpoint == "" {
		errs = append(errs, errors.New("缺少 remote.endpoint"))
	}
	if c.Remote.Bucket == "" {
		errs = append(errs, errors.New("缺少 remote.bucket"))
	}
	if c.Sync.DownloadLimit < 0 || c.Sync.UploadLimit < 0 {
		errs = append(errs, errors.New("带宽限制不能为负数"))
	}
	if c.Crypto.Enable && c.Crypto.Password == "" {
		errs = append(errs, errors.New("启用加密时必须设置 crypto.password"))
	}
	switch c.Sync.ConflictStrategy {
	case "keep_both", "rename_local", "rename_remote":
	default:
		errs = append(errs, fmt.Errorf("未知的冲突策略 (sync.conflict_strategy): %s", c.Sync.ConflictStrategy))
	}
	switch c.System.DBDriver {
	case "bolt", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("未知的数据库驱动: %s", c.System.DBDriver))
	}
	switch c.System.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("未知的日志格式: %s", c.System.LogFormat))
	}
	return multierr.Combine(errs...)
}
