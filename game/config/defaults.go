package config

import (
	"time"

	"github.com/spf13/viper"
)

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.public_url", "")

	v.SetDefault("log.dev", false)

	// Sessions
	v.SetDefault("session.store", "memory")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.max_move_attempts", 3)
	v.SetDefault("session.cleanup_interval", 5*time.Minute)

	// Redis
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Postgres
	v.SetDefault("postgres.conn_string", "")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.auto_migrate", true)

	v.SetDefault("profile.store", "memory")

	// Broker
	v.SetDefault("broker.type", "local")
	v.SetDefault("broker.channel", "chessmatch.rooms")
	v.SetDefault("broker.kafka.brokers", []string{})
	v.SetDefault("broker.kafka.group_prefix", "chessmatch")

	v.SetDefault("bot.delay", time.Second)

	// Leader election
	v.SetDefault("leader.key", "chessmatch:leader")
	v.SetDefault("leader.ttl", 15*time.Second)
	v.SetDefault("leader.renew_interval", 5*time.Second)
	v.SetDefault("leader.acquire_interval", 2*time.Second)

	// Auth
	v.SetDefault("auth.init_data_max_age", 24*time.Hour)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_insecure", false)

	// Telegram
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.bot_username", "")
	v.SetDefault("telegram.api_url", "https://api.telegram.org")
	v.SetDefault("telegram.webhook_url", "")
	v.SetDefault("telegram.webhook_secret", "")
	v.SetDefault("telegram.web_app_url", "")
	v.SetDefault("telegram.poll_timeout", 30*time.Second)

	// Ngrok
	v.SetDefault("ngrok.enabled", false)
	v.SetDefault("ngrok.auth_token", "")
	v.SetDefault("ngrok.domain", "")

	v.SetDefault("mcp.api_url", "")
	v.SetDefault("mcp.token", "")
}

// bindEnvVars maps the conventional unprefixed names used by hosting
// platforms and the Telegram tooling.
func bindEnvVars(v *viper.Viper) {
	v.BindEnv("server.port", "CHESSMATCH_SERVER_PORT", "PORT")
	v.BindEnv("redis.address", "CHESSMATCH_REDIS_ADDRESS", "REDIS_ADDR")
	v.BindEnv("postgres.conn_string", "CHESSMATCH_POSTGRES_CONN_STRING", "DATABASE_URL")
	v.BindEnv("telegram.bot_token", "CHESSMATCH_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("ngrok.auth_token", "CHESSMATCH_NGROK_AUTH_TOKEN", "NGROK_AUTHTOKEN")
	v.BindEnv("ngrok.domain", "CHESSMATCH_NGROK_DOMAIN", "NGROK_DOMAIN")
}
