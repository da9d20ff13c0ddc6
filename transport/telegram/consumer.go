package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Consumer modes.
const (
	ModeIdle    = "idle"
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

// SecretHeader carries the webhook secret on pushed updates.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const (
	DefaultPollTimeout = 30 * time.Second

	registerRetries = 3
	cleanupTimeout  = 5 * time.Second
)

// Handler processes one update.
type Handler interface {
	HandleUpdate(ctx context.Context, u Update) error
}

// ConsumerConfig configures the inbound stream.
type ConsumerConfig struct {
	// WebhookURL enables push delivery. Empty means long polling.
	WebhookURL    string
	WebhookSecret string
	PollTimeout   time.Duration
}

// Consumer owns the bot's update stream. Telegram allows one consumer per
// bot, so Run is meant to be driven by the elected leader only.
type Consumer struct {
	api     API
	handler Handler
	cfg     ConsumerConfig
	logger  zerolog.Logger

	// retry pacing; tests shorten it
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu   sync.RWMutex
	mode string
}

func NewConsumer(api API, handler Handler, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	return &Consumer{
		api:            api,
		handler:        handler,
		cfg:            cfg,
		logger:         logger,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     30 * time.Second,
		mode:           ModeIdle,
	}
}

// Mode reports how updates are currently received.
func (c *Consumer) Mode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

func (c *Consumer) setMode(mode string) {
	c.mu.Lock()
	prev := c.mode
	c.mode = mode
	c.mu.Unlock()
	if prev != mode {
		c.logger.Info().Str("from", prev).Str("to", mode).Msg("inbound stream mode changed")
	}
}

func (c *Consumer) newBackOff(ctx context.Context, retries uint64) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.initialBackoff),
		backoff.WithMaxInterval(c.maxBackoff),
		backoff.WithMaxElapsedTime(0),
	)
	if retries > 0 {
		return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
	}
	return backoff.WithContext(b, ctx)
}

// Run consumes updates until ctx ends. It registers the webhook when one is
// configured and falls back to long polling if registration keeps failing.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.setMode(ModeIdle)

	if c.cfg.WebhookURL != "" {
		err := backoff.RetryNotify(func() error {
			return c.api.SetWebhook(ctx, c.cfg.WebhookURL, c.cfg.WebhookSecret)
		}, c.newBackOff(ctx, registerRetries), func(err error, d time.Duration) {
			c.logger.Warn().Err(err).Dur("next_attempt", d).Msg("webhook registration failed, retrying")
		})
		if err == nil {
			c.setMode(ModeWebhook)
			<-ctx.Done()
			c.cleanup()
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error().Err(err).Msg("webhook registration failed, falling back to polling")
	}

	return c.poll(ctx)
}

// cleanup removes the webhook so the next leader can choose either mode.
func (c *Consumer) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.api.DeleteWebhook(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to delete webhook")
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	// getUpdates is refused while a webhook is registered
	if err := c.api.DeleteWebhook(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn().Err(err).Msg("failed to delete webhook before polling")
	}
	c.setMode(ModePolling)

	pacer := c.newBackOff(ctx, 0)
	var offset int64
	for {
		updates, err := c.api.GetUpdates(ctx, offset, c.cfg.PollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			wait := pacer.NextBackOff()
			c.logger.Warn().Err(err).Dur("next_attempt", wait).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		pacer.Reset()

		for _, u := range updates {
			countInbound(ModePolling)
			if err := c.handler.HandleUpdate(ctx, u); err != nil {
				c.logger.Warn().Err(err).Int64("update_id", u.UpdateID).Msg("update handling failed")
			}
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}

// WebhookHandler accepts pushed updates. Requests without the secret are
// refused, and a replica that is not leader answers 503 so Telegram retries
// against whichever replica is.
func WebhookHandler(handler Handler, secret string, isLeader func() bool, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(secret)) != 1 {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		if !isLeader() {
			http.Error(w, `{"error":"not leader"}`, http.StatusServiceUnavailable)
			return
		}

		var u Update
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			http.Error(w, `{"error":"invalid update"}`, http.StatusBadRequest)
			return
		}

		countInbound(ModeWebhook)
		if err := handler.HandleUpdate(r.Context(), u); err != nil {
			// acknowledged anyway; a redelivery would repeat side effects
			logger.Warn().Err(err).Int64("update_id", u.UpdateID).Msg("webhook update handling failed")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}
