package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AP2-Orchestrator/internal/auth"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/registry"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "AP2_CONFIG"

// DefaultPath 是未指定路径时使用的配置文件。
const DefaultPath = "configs/ap2.yaml"

// Config 描述 AP2 进程启动所需的全部配置。
type Config struct {
	Server        ServerConfig                    `yaml:"server"`
	Logging       LoggingConfig                   `yaml:"logging"`
	Agents        map[string]registry.AgentConfig `yaml:"agents"`
	ShoppingAgent ShoppingAgentConfig             `yaml:"shopping_agent"`
	Timeouts      TimeoutsConfig                  `yaml:"timeouts"`
	Checkout      CheckoutConfig                  `yaml:"checkout"`
	Orders        OrdersConfig                    `yaml:"orders"`
	Events        EventsConfig                    `yaml:"events"`
	Simulator     SimulatorConfig                 `yaml:"simulator"`
}

// ServerConfig 控制 API 服务的监听地址与认证。
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Auth            AuthConfig    `yaml:"auth"`
	RateLimit       RateLimit     `yaml:"rate_limit"`
}

// RateLimit 为按客户端 IP 的令牌桶配置，rps 为 0 表示不限流。
type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// AuthConfig 配置 API Key 认证，mode 为 disabled 或 api_key。
type AuthConfig struct {
	Mode string         `yaml:"mode"`
	Keys []APIKeyConfig `yaml:"keys"`
}

// APIKeyConfig 描述一个调用方。key_env 指定的环境变量优先于 key。
type APIKeyConfig struct {
	Name        string   `yaml:"name"`
	Key         string   `yaml:"key"`
	KeyEnv      string   `yaml:"key_env"`
	Permissions []string `yaml:"permissions"`
	Disabled    bool     `yaml:"disabled"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Format  string      `yaml:"format"`
	Outputs []string    `yaml:"outputs"`
	Audit   AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与滚动。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// ShoppingAgentConfig 描述本方购物代理的身份与签名设置。
type ShoppingAgentConfig struct {
	ID                       string `yaml:"id"`
	HeaderID                 string `yaml:"header_id"`
	UserIdentity             string `yaml:"user_identity"`
	PaymentAlias             string `yaml:"payment_alias"`
	Currency                 string `yaml:"currency"`
	SigningKey               string `yaml:"signing_key"`
	VerifyMerchantSignatures bool   `yaml:"verify_merchant_signatures"`
	DiscoverAgentCards       bool   `yaml:"discover_agent_cards"`
}

// TimeoutsConfig 定义各对手方调用与验证码等待的超时。
type TimeoutsConfig struct {
	Merchant    time.Duration `yaml:"merchant"`
	Credentials time.Duration `yaml:"credentials"`
	Processor   time.Duration `yaml:"processor"`
	OTP         time.Duration `yaml:"otp"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
	Durable  bool   `yaml:"durable"`
}

// QueueConfig 选择结账队列的实现。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Size     int            `yaml:"size"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// SessionStoreConfig 选择结账会话存储。
type SessionStoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CheckoutConfig 控制异步结账。
type CheckoutConfig struct {
	Workers        int                `yaml:"workers"`
	MaxAttempts    int                `yaml:"max_attempts"`
	AuditRetention int                `yaml:"audit_retention"`
	Queue          QueueConfig        `yaml:"queue"`
	Store          SessionStoreConfig `yaml:"store"`
}

// OrdersConfig 选择订单存储。
type OrdersConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	DataDir         string        `yaml:"data_dir"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// KafkaConfig 是事件 Kafka 通道的参数。
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
}

// WebhookConfig 是事件 Webhook 通道的参数。
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig 控制业务事件的投递通道。
type EventsConfig struct {
	Log     bool          `yaml:"log"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// SimulatorConfig 控制参考对手方服务。
type SimulatorConfig struct {
	Address       string        `yaml:"address"`
	PublicURL     string        `yaml:"public_url"`
	OTPStore      string        `yaml:"otp_store"`
	OTPTTL        time.Duration `yaml:"otp_ttl"`
	OTPCode       string        `yaml:"otp_code"`
	Redis         RedisConfig   `yaml:"redis"`
	AllowedAgents []string      `yaml:"allowed_agents"`
	SigningKey    string        `yaml:"signing_key"`
}

// ResolvePath 返回实际使用的配置路径：显式参数优先，其次是 AP2_CONFIG，最后是默认路径。
func ResolvePath(path string) string {
	if p := strings.TrimSpace(path); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPath)); p != "" {
		return p
	}
	return DefaultPath
}

// Load 解析指定路径的 YAML 配置文件，设置默认值并校验。
func Load(path string) (*Config, error) {
	path = ResolvePath(path)
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}
	cfg, err := Parse(content, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault 在默认路径不存在时返回默认配置，显式指定的文件必须存在。
func LoadOrDefault(path string) (*Config, error) {
	resolved := ResolvePath(path)
	if _, err := os.Stat(resolved); errors.Is(err, os.ErrNotExist) && strings.TrimSpace(path) == "" && os.Getenv(EnvPath) == "" {
		return Default(), nil
	}
	return Load(resolved)
}

// Parse 解析配置内容，相对路径以 baseDir 为基准。
func Parse(content []byte, baseDir string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置失败")
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部取默认值的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Server.RateLimit.RPS > 0 && c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = int(c.Server.RateLimit.RPS) + 1
	}

	if c.Server.Auth.Mode == "" {
		c.Server.Auth.Mode = string(auth.ModeDisabled)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if len(c.Logging.Outputs) == 0 {
		c.Logging.Outputs = []string{"stdout"}
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(baseDir, "logs", "audit.log")
	}

	if c.ShoppingAgent.ID == "" {
		c.ShoppingAgent.ID = registry.ShoppingAgent
	}
	if c.ShoppingAgent.HeaderID == "" {
		c.ShoppingAgent.HeaderID = "trusted_shopping_agent"
	}
	if c.ShoppingAgent.UserIdentity == "" {
		c.ShoppingAgent.UserIdentity = "bugsbunny@gmail.com"
	}
	if c.ShoppingAgent.PaymentAlias == "" {
		c.ShoppingAgent.PaymentAlias = "Acme Bank Visa ending in 4242"
	}

	if c.Timeouts.Merchant <= 0 {
		c.Timeouts.Merchant = 15 * time.Second
	}
	if c.Timeouts.Credentials <= 0 {
		c.Timeouts.Credentials = 15 * time.Second
	}
	if c.Timeouts.Processor <= 0 {
		c.Timeouts.Processor = 15 * time.Second
	}
	if c.Timeouts.OTP <= 0 {
		c.Timeouts.OTP = 5 * time.Minute
	}

	if c.Checkout.Workers <= 0 {
		c.Checkout.Workers = 4
	}
	if c.Checkout.MaxAttempts <= 0 {
		c.Checkout.MaxAttempts = 1
	}
	if c.Checkout.Queue.Driver == "" {
		c.Checkout.Queue.Driver = "memory"
	}
	if c.Checkout.Queue.Size <= 0 {
		c.Checkout.Queue.Size = 128
	}
	if c.Checkout.Store.Driver == "" {
		c.Checkout.Store.Driver = "memory"
	}

	if c.Orders.Driver == "" {
		c.Orders.Driver = "memory"
	}
	if c.Orders.DataDir != "" && !filepath.IsAbs(c.Orders.DataDir) {
		c.Orders.DataDir = filepath.Join(baseDir, c.Orders.DataDir)
	}

	if c.Events.Webhook.URL != "" && c.Events.Webhook.Timeout <= 0 {
		c.Events.Webhook.Timeout = 5 * time.Second
	}

	if c.Simulator.Address == "" {
		c.Simulator.Address = ":8001"
	}
	if c.Simulator.OTPStore == "" {
		c.Simulator.OTPStore = "memory"
	}
	if c.Simulator.OTPCode == "" {
		c.Simulator.OTPCode = "123456"
	}
	if c.Simulator.OTPTTL <= 0 {
		c.Simulator.OTPTTL = 5 * time.Minute
	}
}

// Validate 检查配置的一致性，所有问题会一并返回。
func (c *Config) Validate() error {
	var problems []string
	check := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			problems = append(problems, fmt.Sprintf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value))
		}
	}
	check("logging.format", c.Logging.Format, "text", "json")
	check("server.auth.mode", c.Server.Auth.Mode, string(auth.ModeDisabled), string(auth.ModeAPIKey))
	check("checkout.queue.driver", c.Checkout.Queue.Driver, "memory", "redis", "rabbitmq")
	check("checkout.store.driver", c.Checkout.Store.Driver, "memory", "mysql")
	check("orders.driver", c.Orders.Driver, "memory", "mysql", "postgres")
	check("simulator.otp_store", c.Simulator.OTPStore, "memory", "redis")

	if c.Checkout.Queue.Driver == "redis" && c.Checkout.Queue.Redis.Address == "" {
		problems = append(problems, "checkout.queue.redis.address is required for the redis queue")
	}
	if c.Checkout.Queue.Driver == "rabbitmq" && c.Checkout.Queue.RabbitMQ.URL == "" {
		problems = append(problems, "checkout.queue.rabbitmq.url is required for the rabbitmq queue")
	}
	if c.Checkout.Store.Driver == "mysql" && c.Checkout.Store.DSN == "" {
		problems = append(problems, "checkout.store.dsn is required for the mysql store")
	}
	if c.Orders.Driver != "memory" && c.Orders.DSN == "" {
		problems = append(problems, "orders.dsn is required for the "+c.Orders.Driver+" driver")
	}
	if c.Simulator.OTPStore == "redis" && c.Simulator.Redis.Address == "" {
		problems = append(problems, "simulator.redis.address is required for the redis OTP store")
	}
	if len(c.Events.Kafka.Brokers) > 0 && c.Events.Kafka.Topic == "" {
		problems = append(problems, "events.kafka.topic is required when brokers are set")
	}
	for id, agent := range c.Agents {
		if strings.TrimSpace(agent.Name) == "" && strings.TrimSpace(agent.BaseURL) == "" && len(agent.Extensions) == 0 && agent.PublicKey == "" {
			problems = append(problems, "agents."+id+" is empty")
		}
	}
	if len(problems) == 0 {
		return nil
	}
	slices.Sort(problems)
	return xerrors.New(xerrors.CodeConfiguration, "invalid configuration", xerrors.WithProblems(problems...))
}

// AuthService 返回 auth 包使用的配置，密钥从 key_env 解析。
func (c *Config) AuthService() auth.Config {
	out := auth.Config{Mode: auth.Mode(c.Server.Auth.Mode)}
	for _, k := range c.Server.Auth.Keys {
		key := k.Key
		if k.KeyEnv != "" {
			if v := strings.TrimSpace(os.Getenv(k.KeyEnv)); v != "" {
				key = v
			}
		}
		out.Keys = append(out.Keys, auth.APIKey{
			Name:        k.Name,
			Key:         key,
			Permissions: append([]string(nil), k.Permissions...),
			Disabled:    k.Disabled,
		})
	}
	return out
}

// Registry 基于默认对手方与配置覆盖项构建注册表。
func (c *Config) Registry() *registry.Registry {
	return registry.FromConfig(c.Agents)
}
