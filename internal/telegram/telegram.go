// Package telegram adapts the Telegram Bot API to the bridge: long-polling
// for text messages and rate-limited replies.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/huangzesen/claude-telegram-bridge/internal/bridge"
	"github.com/huangzesen/claude-telegram-bridge/internal/logging"
)

var tgLog = logging.ForComponent(logging.CompTelegram)

// Send limits. Telegram allows about 30 messages per second overall and
// roughly one per second in a single chat.
const (
	DefaultSendRate     = 25
	DefaultPollTimeout  = 30
	perChatRate         = 1.0
	perChatBurst        = 3
	maxRetryAfter       = 30 * time.Second
	maxChatLimiterCount = 4096
)

// Handler receives one inbound text message.
type Handler func(ctx context.Context, in bridge.Inbound)

// botAPI is the part of tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Config configures a Client.
type Config struct {
	Token string

	// PollTimeout is the long-poll timeout in seconds (default 30).
	PollTimeout int

	// SendRate is the global messages-per-second ceiling (default 25).
	SendRate float64
}

// Client is a Telegram transport. It implements bridge.Transport.
type Client struct {
	api         botAPI
	username    string
	pollTimeout int

	global *rate.Limiter

	mu    sync.Mutex
	chats map[int64]*rate.Limiter
}

// NewClient connects to the Bot API and verifies the token.
func NewClient(cfg Config) (*Client, error) {
	if err := tgbotapi.SetLogger(logging.NewBotLogger(logging.CompTelegram)); err != nil {
		tgLog.Warn("set_logger_failed", slog.String("error", err.Error()))
	}
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	c := newClient(api, cfg)
	c.username = api.Self.UserName
	tgLog.Info("bot_connected", slog.String("username", c.username))
	return c, nil
}

func newClient(api botAPI, cfg Config) *Client {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultSendRate
	}
	return &Client{
		api:         api,
		pollTimeout: cfg.PollTimeout,
		global:      rate.NewLimiter(rate.Limit(cfg.SendRate), int(cfg.SendRate)),
		chats:       make(map[int64]*rate.Limiter),
	}
}

// Username returns the bot's username without the @ prefix.
func (c *Client) Username() string { return c.username }

// Run long-polls for updates until ctx is done. Each text message is passed
// to handle in its own goroutine; Run returns after in-flight handlers finish.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.pollTimeout
	u.AllowedUpdates = []string{"message"}

	updates := c.api.GetUpdatesChan(u)
	tgLog.Info("polling_started", slog.Int("timeout_s", c.pollTimeout))

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			c.api.StopReceivingUpdates()
			tgLog.Info("polling_stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("telegram: updates channel closed")
			}
			in, ok := toInbound(update)
			if !ok {
				logging.Aggregate(logging.CompTelegram, "update_skipped", updateChatID(update))
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				handle(ctx, in)
			}()
		}
	}
}

// toInbound extracts a text message. Edits, media and service messages are skipped.
func toInbound(update tgbotapi.Update) (bridge.Inbound, bool) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil || msg.Text == "" {
		return bridge.Inbound{}, false
	}
	return bridge.Inbound{
		ChatID:   msg.Chat.ID,
		UserID:   msg.From.ID,
		Username: msg.From.UserName,
		Text:     msg.Text,
	}, true
}

// updateChatID returns the chat an update came from, 0 when it has none.
func updateChatID(update tgbotapi.Update) int64 {
	if chat := update.FromChat(); chat != nil {
		return chat.ID
	}
	return 0
}

// Send delivers one text message, waiting for both rate limiters. A single
// retry is made when Telegram answers 429 with a retry_after hint.
func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	if err := c.wait(ctx, chatID); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true

	_, err := c.api.Send(msg)
	if delay, ok := retryAfter(err); ok {
		tgLog.Warn("send_rate_limited", slog.Int64("chat_id", chatID), slog.Duration("retry_after", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		_, err = c.api.Send(msg)
	}
	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}
	logging.Aggregate(logging.CompTelegram, "message_sent", chatID)
	return nil
}

// SendTyping shows the typing indicator in chatID for a few seconds.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	if err := c.global.Wait(ctx); err != nil {
		return err
	}
	if _, err := c.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("telegram: typing in %d: %w", chatID, err)
	}
	return nil
}

func (c *Client) wait(ctx context.Context, chatID int64) error {
	if err := c.chatLimiter(chatID).Wait(ctx); err != nil {
		return err
	}
	return c.global.Wait(ctx)
}

func (c *Client) chatLimiter(chatID int64) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	rl, ok := c.chats[chatID]
	if !ok {
		if len(c.chats) >= maxChatLimiterCount {
			c.chats = make(map[int64]*rate.Limiter)
		}
		rl = rate.NewLimiter(rate.Limit(perChatRate), perChatBurst)
		c.chats[chatID] = rl
	}
	return rl
}

// retryAfter reports the server-requested delay for a 429 response.
func retryAfter(err error) (time.Duration, bool) {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0, false
	}
	d := time.Duration(apiErr.RetryAfter) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d, true
}
