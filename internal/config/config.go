package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Voting  VotingConfig  `yaml:"voting"`
	Live    LiveConfig    `yaml:"live"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port           string   `yaml:"port"           envconfig:"PORT"`
	PublicBaseURL  string   `yaml:"publicBaseUrl"  envconfig:"PUBLIC_BASE_URL"`
	AllowedOrigins []string `yaml:"allowedOrigins" envconfig:"ALLOWED_ORIGINS"`
	MetricsEnabled bool     `yaml:"metricsEnabled" envconfig:"METRICS_ENABLED"`
}

// VotingConfig bounds voting windows and credentials.
type VotingConfig struct {
	SecretKey          string        `yaml:"secretKey"              envconfig:"SECRET_KEY"`
	TokenBytes         int           `yaml:"tokenBytes"             envconfig:"TOKEN_BYTES"`
	TokenExpireBuffer  time.Duration `yaml:"tokenExpireBuffer"      envconfig:"TOKEN_EXPIRE_BUFFER"`
	MinDurationMinutes int           `yaml:"minDurationMinutes"     envconfig:"VOTING_MIN_DURATION_MINUTES"`
	MaxDurationMinutes int           `yaml:"maxDurationMinutes"     envconfig:"VOTING_MAX_DURATION_MINUTES"`
	DefaultMinutes     int           `yaml:"defaultDurationMinutes" envconfig:"VOTING_DEFAULT_DURATION_MINUTES"`
}

// LiveConfig tunes viewer connections.
type LiveConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"   envconfig:"WS_HEARTBEAT_INTERVAL"`
	SubscriberQueueSize int           `yaml:"subscriberQueueSize" envconfig:"SUBSCRIBER_QUEUE_SIZE"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// Default 返回默认配置。
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: "8080",
			AllowedOrigins: []string{
				"http://localhost:8080",
				"http://127.0.0.1:8080",
			},
			MetricsEnabled: true,
		},
		Voting: VotingConfig{
			TokenBytes:         32,
			TokenExpireBuffer:  5 * time.Minute,
			MinDurationMinutes: 1,
			MaxDurationMinutes: 30,
			DefaultMinutes:     5,
		},
		Live: LiveConfig{
			HeartbeatInterval:   30 * time.Second,
			SubscriberQueueSize: 32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load 读取默认值、可选的 YAML 文件以及环境变量，并校验结果。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	for _, section := range []any{&cfg.Server, &cfg.Voting, &cfg.Live, &cfg.Logging} {
		if err := envconfig.Process("", section); err != nil {
			return nil, fmt.Errorf("error processing environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 汇总所有配置错误。
func (c *Config) Validate() error {
	var errs []error

	if _, err := c.Server.Addr(); err != nil {
		errs = append(errs, err)
	}
	if c.Voting.TokenBytes < 16 {
		errs = append(errs, fmt.Errorf("TOKEN_BYTES must be at least 16, got %d", c.Voting.TokenBytes))
	}
	if c.Voting.TokenExpireBuffer < 0 {
		errs = append(errs, fmt.Errorf("TOKEN_EXPIRE_BUFFER must not be negative"))
	}
	v := c.Voting
	if v.MinDurationMinutes < 1 {
		errs = append(errs, fmt.Errorf("VOTING_MIN_DURATION_MINUTES must be positive, got %d", v.MinDurationMinutes))
	}
	if v.MinDurationMinutes >= v.MaxDurationMinutes {
		errs = append(errs, fmt.Errorf("VOTING_MIN_DURATION_MINUTES (%d) must be less than VOTING_MAX_DURATION_MINUTES (%d)", v.MinDurationMinutes, v.MaxDurationMinutes))
	}
	if v.DefaultMinutes < v.MinDurationMinutes || v.DefaultMinutes > v.MaxDurationMinutes {
		errs = append(errs, fmt.Errorf("VOTING_DEFAULT_DURATION_MINUTES (%d) must be within [%d, %d]", v.DefaultMinutes, v.MinDurationMinutes, v.MaxDurationMinutes))
	}
	if c.Live.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("WS_HEARTBEAT_INTERVAL must be positive"))
	}
	if c.Live.SubscriberQueueSize < 1 {
		errs = append(errs, fmt.Errorf("SUBSCRIBER_QUEUE_SIZE must be positive"))
	}
	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid LOG_FORMAT %q (must be 'json' or 'text')", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Addr 解析服务器监听地址。
func (s ServerConfig) Addr() (string, error) {
	port := strings.TrimSpace(s.Port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// OriginAllowed reports whether a browser origin may connect. An empty
// origin (non-browser client) is always allowed.
func (s ServerConfig) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
			return true
		}
	}
	return false
}

func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", l.Level, err)
	}
	return level, nil
}
