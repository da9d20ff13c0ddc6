package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CHESSMATCH_SERVER_PORT.
const EnvPrefix = "CHESSMATCH"

type AppConfig struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Session  SessionConfig  `mapstructure:"session"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Profile  ProfileConfig  `mapstructure:"profile"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Bot      BotConfig      `mapstructure:"bot"`
	Leader   LeaderConfig   `mapstructure:"leader"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Ngrok    NgrokConfig    `mapstructure:"ngrok"`
	MCP      MCPConfig      `mapstructure:"mcp"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// PublicURL is where clients reach this deployment; it derives the
	// webhook and Mini App URLs when those are not set.
	PublicURL string `mapstructure:"public_url"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type LogConfig struct {
	Dev bool `mapstructure:"dev"`
}

type SessionConfig struct {
	// Store is "memory" or "redis".
	Store           string        `mapstructure:"store"`
	TTL             time.Duration `mapstructure:"ttl"`
	MaxMoveAttempts int           `mapstructure:"max_move_attempts"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type PostgresConfig struct {
	ConnString  string `mapstructure:"conn_string"`
	MaxConns    int32  `mapstructure:"max_conns"`
	AutoMigrate bool   `mapstructure:"auto_migrate"`
}

type ProfileConfig struct {
	// Store is "memory" or "postgres".
	Store string `mapstructure:"store"`
}

type BrokerConfig struct {
	// Type is "local", "redis" or "kafka".
	Type    string      `mapstructure:"type"`
	Channel string      `mapstructure:"channel"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	// GroupPrefix is suffixed with the replica id; every replica needs its
	// own group to see every room.
	GroupPrefix string `mapstructure:"group_prefix"`
}

type BotConfig struct {
	Delay time.Duration `mapstructure:"delay"`
}

type LeaderConfig struct {
	Key             string        `mapstructure:"key"`
	TTL             time.Duration `mapstructure:"ttl"`
	RenewInterval   time.Duration `mapstructure:"renew_interval"`
	AcquireInterval time.Duration `mapstructure:"acquire_interval"`
}

type AuthConfig struct {
	InitDataMaxAge time.Duration `mapstructure:"init_data_max_age"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	// AllowInsecure accepts "dev <id>" credentials.
	AllowInsecure bool `mapstructure:"allow_insecure"`
}

type TelegramConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	BotToken      string        `mapstructure:"bot_token"`
	BotUsername   string        `mapstructure:"bot_username"`
	APIURL        string        `mapstructure:"api_url"`
	WebhookURL    string        `mapstructure:"webhook_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	WebAppURL     string        `mapstructure:"web_app_url"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
}

type NgrokConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	AuthToken string `mapstructure:"auth_token"`
	Domain    string `mapstructure:"domain"`
}

type MCPConfig struct {
	// APIURL is the REST server the stdio tools call. Empty means probe
	// localhost and fall back to an in-process server.
	APIURL string `mapstructure:"api_url"`
	// Token is sent as the Authorization header, e.g. "Bearer <jwt>".
	Token string `mapstructure:"token"`
}

// Load reads configuration from defaults, an optional file and the
// environment, in increasing precedence. An empty path searches for
// chessmatch.yaml in . and ./configs.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chessmatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file error: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	cfg.derive()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// derive fills URLs that follow from the public URL.
func (c *AppConfig) derive() {
	base := strings.TrimRight(c.Server.PublicURL, "/")
	if base == "" {
		return
	}
	if c.Telegram.WebhookURL == "" && c.Telegram.WebhookSecret != "" {
		c.Telegram.WebhookURL = base + "/webhook/telegram"
	}
	if c.Telegram.WebAppURL == "" {
		c.Telegram.WebAppURL = base
	}
}
