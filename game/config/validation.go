package config

import (
	"errors"
	"fmt"
	"strings"
)

func (c *AppConfig) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("invalid server port")
	}

	switch strings.ToLower(c.Session.Store) {
	case "memory":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for the redis session store")
		}
	default:
		return fmt.Errorf("invalid session store: %s. Must be 'memory' or 'redis'", c.Session.Store)
	}
	if c.Session.MaxMoveAttempts < 1 {
		return errors.New("session.max_move_attempts must be at least 1")
	}
	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be positive")
	}

	switch strings.ToLower(c.Profile.Store) {
	case "memory":
	case "postgres":
		if c.Postgres.ConnString == "" {
			return errors.New("postgres conn string must be specified for the postgres profile store")
		}
	default:
		return fmt.Errorf("invalid profile store: %s. Must be 'memory' or 'postgres'", c.Profile.Store)
	}

	switch strings.ToLower(c.Broker.Type) {
	case "local":
	case "redis":
		if c.Redis.Address == "" {
			return errors.New("redis address must be specified for redis broker")
		}
	case "kafka":
		if len(c.Broker.Kafka.Brokers) == 0 {
			return errors.New("kafka brokers must be specified for kafka broker")
		}
		if c.Broker.Kafka.GroupPrefix == "" {
			return errors.New("kafka group prefix must be specified for kafka broker")
		}
	default:
		return fmt.Errorf("invalid broker type: %s. Must be 'local', 'redis' or 'kafka'", c.Broker.Type)
	}

	if c.Leader.TTL <= 0 {
		return errors.New("leader.ttl must be positive")
	}
	if c.Leader.RenewInterval >= c.Leader.TTL {
		return errors.New("leader renew interval should be less than leader ttl")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return errors.New("telegram.bot_token must be set when telegram is enabled")
		}
		if c.Telegram.WebhookURL != "" && c.Telegram.WebhookSecret == "" {
			return errors.New("telegram.webhook_secret must be set when a webhook url is configured")
		}
	}

	if c.Ngrok.Enabled && c.Ngrok.AuthToken == "" {
		return errors.New("ngrok.auth_token must be set when ngrok is enabled")
	}

	return nil
}
