package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/game/profile"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
	"github.com/wricardo/chessmatch/metrics"
)

// InviteLink returns the Mini App deep link that opens sessionID.
func InviteLink(botUsername, sessionID string) string {
	return fmt.Sprintf("https://t.me/%s/play?startapp=%s", botUsername, sessionID)
}

// Bot answers chat commands.
type Bot struct {
	api         API
	matches     service.MatchService
	profiles    profile.Store
	botUsername string
	webAppURL   string
	logger      zerolog.Logger
}

// NewBot creates a command handler. webAppURL is the page the /start
// button opens.
func NewBot(api API, matches service.MatchService, profiles profile.Store, botUsername, webAppURL string, logger zerolog.Logger) *Bot {
	return &Bot{
		api:         api,
		matches:     matches,
		profiles:    profiles,
		botUsername: botUsername,
		webAppURL:   webAppURL,
		logger:      logger,
	}
}

// HandleUpdate processes one update. Updates without a command are ignored.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) error {
	if u.Message == nil || u.Message.From == nil || !strings.HasPrefix(u.Message.Text, "/") {
		return nil
	}

	fields := strings.Fields(u.Message.Text)
	// "/play@SomeBot" addresses a bot in a group chat
	command, _, _ := strings.Cut(fields[0], "@")

	log := b.logger.With().Int64("update_id", u.UpdateID).Str("command", command).Logger()
	log.Info().Int64("user_id", u.Message.From.ID).Msg("telegram command")

	var err error
	switch command {
	case "/start":
		err = b.start(ctx, u.Message)
	case "/play":
		err = b.play(ctx, u.Message)
	case "/rating":
		err = b.rating(ctx, u.Message)
	default:
		return nil
	}
	if err != nil {
		log.Error().Err(err).Msg("telegram command failed")
	}
	return err
}

func (b *Bot) start(ctx context.Context, m *Message) error {
	var markup *InlineKeyboardMarkup
	if b.webAppURL != "" {
		markup = &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
			{Text: "Play Chess", WebApp: &WebAppInfo{URL: b.webAppURL}},
		}}}
	}
	text := fmt.Sprintf("Hello %s!\n\nWelcome to the chess arena. Send /play to open a match and share the invite with a friend.", m.From.FirstName)
	return b.api.SendMessage(ctx, m.Chat.ID, text, markup)
}

func (b *Bot) play(ctx context.Context, m *Message) error {
	s, err := b.matches.CreateSession(ctx, session.ModePvP)
	if err != nil {
		return b.api.SendMessage(ctx, m.Chat.ID, "Could not create a match right now, try again shortly.", nil)
	}

	identity := auth.TelegramIdentity(m.From.ID)
	if _, err := b.matches.JoinSession(ctx, s.ID, identity); err != nil {
		return fmt.Errorf("seat creator: %w", err)
	}

	link := InviteLink(b.botUsername, s.ID)
	markup := &InlineKeyboardMarkup{InlineKeyboard: [][]InlineKeyboardButton{{
		{Text: "Open match", URL: link},
	}}}
	text := fmt.Sprintf("Match %s is waiting for an opponent. You play white.\nInvite: %s", s.ID, link)
	return b.api.SendMessage(ctx, m.Chat.ID, text, markup)
}

func (b *Bot) rating(ctx context.Context, m *Message) error {
	p, err := b.profiles.Get(ctx, auth.TelegramIdentity(m.From.ID))
	if errors.Is(err, profile.ErrProfileNotFound) {
		p = profile.NewProfile(auth.TelegramIdentity(m.From.ID))
	} else if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	text := fmt.Sprintf("Rating: %d\nGames: %d (W %d / L %d / D %d)", p.Rating, p.Games, p.Wins, p.Losses, p.Draws)
	return b.api.SendMessage(ctx, m.Chat.ID, text, nil)
}

func countInbound(source string) {
	metrics.InboundUpdates.WithLabelValues(source).Inc()
}
