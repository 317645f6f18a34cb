package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 环境变量前缀，例如 NETINTERCEPT_SERVER_ADDR
const EnvPrefix = "NETINTERCEPT"

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version" mapstructure:"version"`

	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	CDP     CDPConfig     `yaml:"cdp" mapstructure:"cdp"`
	Sqlite  SqliteConfig  `yaml:"sqlite" mapstructure:"sqlite"`
	Journal JournalConfig `yaml:"journal" mapstructure:"journal"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig 协议服务监听配置
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr" validate:"required,hostname_port"`
	Path string `yaml:"path" mapstructure:"path" validate:"required,startswith=/"`
}

// CDPConfig 调试通道配置
type CDPConfig struct {
	DevToolsURL      string `yaml:"devtools_url" mapstructure:"devtools_url" validate:"required,url"`
	Target           string `yaml:"target" mapstructure:"target"`
	ProcessTimeoutMS int    `yaml:"process_timeout_ms" mapstructure:"process_timeout_ms" validate:"gte=100,lte=60000"`
	EventBuffer      int    `yaml:"event_buffer" mapstructure:"event_buffer" validate:"gte=1"`
}

type SqliteConfig struct {
	Dsn    string `yaml:"dsn" mapstructure:"dsn"`
	Prefix string `yaml:"prefix" mapstructure:"prefix"`
}

// JournalConfig 生命周期日志落库
type JournalConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

type LogConfig struct {
	Level   string   `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn error"`
	Writer  []string `yaml:"writer" mapstructure:"writer" validate:"dive,oneof=console stdout file"`
	File    string   `yaml:"file" mapstructure:"file"`
	MaxSize int      `yaml:"max_size" mapstructure:"max_size" validate:"gte=0"`
	MaxAge  int      `yaml:"max_age" mapstructure:"max_age" validate:"gte=0"`
	Backups int      `yaml:"backups" mapstructure:"backups" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path" validate:"required_if=Enabled true"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Server: ServerConfig{
			Addr: "127.0.0.1:4444",
			Path: "/session",
		},
		CDP: CDPConfig{
			DevToolsURL:      "http://127.0.0.1:9222",
			ProcessTimeoutMS: 3000,
			EventBuffer:      256,
		},
		Sqlite: SqliteConfig{
			Dsn:    "db.sqlite3",
			Prefix: "netintercept_",
		},
		Journal: JournalConfig{Enabled: true},
		Log: LogConfig{
			Level:   "debug",
			Writer:  []string{"console", "file"},
			File:    "logs/netintercept.log",
			MaxSize: 10,
			MaxAge:  7,
			Backups: 3,
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load 读取配置文件与环境变量，path 为空时仅使用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, NewConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults 注册默认值，同时让 AutomaticEnv 能覆盖嵌套键
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("version", d.Version)
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("cdp.devtools_url", d.CDP.DevToolsURL)
	v.SetDefault("cdp.target", d.CDP.Target)
	v.SetDefault("cdp.process_timeout_ms", d.CDP.ProcessTimeoutMS)
	v.SetDefault("cdp.event_buffer", d.CDP.EventBuffer)
	v.SetDefault("sqlite.dsn", d.Sqlite.Dsn)
	v.SetDefault("sqlite.prefix", d.Sqlite.Prefix)
	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.writer", d.Log.Writer)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size", d.Log.MaxSize)
	v.SetDefault("log.max_age", d.Log.MaxAge)
	v.SetDefault("log.backups", d.Log.Backups)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// Validate 按结构体标签校验配置
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Journal.Enabled && c.Sqlite.Dsn == "" {
		return errors.New("invalid config: sqlite.dsn is required when journal is enabled")
	}
	return nil
}

// Marshal 序列化为 YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
