// Package bridge turns inbound chat messages into Claude invocations and
// replies, keeping one resumable conversation per user.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huangzesen/claude-telegram-bridge/internal/chunk"
	"github.com/huangzesen/claude-telegram-bridge/internal/claude"
	"github.com/huangzesen/claude-telegram-bridge/internal/journal"
	"github.com/huangzesen/claude-telegram-bridge/internal/logging"
	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

var bridgeLog = logging.ForComponent(logging.CompBridge)

// Transport delivers replies to a chat.
type Transport interface {
	Send(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// Inbound is one text message from the chat transport.
type Inbound struct {
	ChatID   int64
	UserID   int64
	Username string
	Text     string
}

// State is the terminal state of a handled message.
type State int

const (
	StateDelivered State = iota
	StateRejected
	StateFailed
	StateIgnored
)

func (s State) String() string {
	switch s {
	case StateDelivered:
		return "delivered"
	case StateRejected:
		return "rejected"
	case StateFailed:
		return "failed"
	case StateIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Kind names why a message did not end in StateDelivered. Invocation failures
// reuse the claude kinds.
type Kind string

const (
	KindNone           Kind = ""
	KindUnauthorized   Kind = "unauthorized"
	KindInvalidCommand Kind = "invalid_command"
	KindStoreError     Kind = "store_error"
	KindTransportError Kind = "transport_error"
	KindTimeout             = Kind(claude.KindTimeout)
	KindBudgetExceeded      = Kind(claude.KindBudgetExceeded)
	KindProcessError        = Kind(claude.KindProcessError)
	KindProtocolError       = Kind(claude.KindProtocolError)
	KindEmptyOutput         = Kind(claude.KindEmptyOutput)
)

// Outcome reports how a message was handled.
type Outcome struct {
	State State
	Kind  Kind

	// InvocationID is set when the message reached the invoker.
	InvocationID string
}

// Config holds the values the controller reads on every message. It can be
// replaced at runtime with SetConfig.
type Config struct {
	DefaultModel        string
	AllowedTools        []string
	WorkingDir          string
	MaxBudgetUSD        float64
	MaxSessionBudgetUSD float64
	Timeout             time.Duration
	ShowCost            bool
	TypingInterval      time.Duration

	// MaxMessageSize caps each reply chunk (default chunk.MaxMessageSize)
	MaxMessageSize int
}

// Controller handles inbound messages. It is safe for concurrent use: work
// for one user is serialized, different users proceed in parallel.
type Controller struct {
	store     *session.Store
	invoker   claude.Invoker
	transport Transport
	auth      Authorizer
	journal   *journal.Journal

	cfgMu sync.RWMutex
	cfg   Config

	now func() time.Time
}

// NewController wires the controller. j may be nil to disable the journal.
func NewController(store *session.Store, invoker claude.Invoker, transport Transport, auth Authorizer, j *journal.Journal, cfg Config) *Controller {
	return &Controller{
		store:     store,
		invoker:   invoker,
		transport: transport,
		auth:      auth,
		journal:   j,
		cfg:       cfg,
		now:       time.Now,
	}
}

// Config returns the current settings.
func (c *Controller) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// SetConfig replaces the settings used by messages that start after the call.
func (c *Controller) SetConfig(cfg Config) {
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
}

// Handle processes one inbound message to a terminal state. Every failure is
// turned into at most one reply; nothing is returned as an error.
func (c *Controller) Handle(ctx context.Context, in Inbound) Outcome {
	if !c.auth.Allowed(in.UserID) {
		bridgeLog.Warn("unauthorized_sender",
			slog.Int64("user_id", in.UserID),
			slog.String("username", in.Username))
		c.reply(ctx, in.ChatID, msgUnauthorized)
		return Outcome{State: StateRejected, Kind: KindUnauthorized}
	}

	cfg := c.Config()
	cmd := Parse(in.Text)

	switch cmd.Kind {
	case CmdPlainMessage:
		return c.handlePrompt(ctx, in, cfg)
	case CmdStart, CmdHelp:
		if cmd.Kind == CmdStart {
			if _, err := c.store.Ensure(in.UserID); err != nil {
				return c.storeFailure(ctx, in, err)
			}
		}
		return c.send(ctx, in.ChatID, helpText)
	case CmdReset:
		unlock := c.store.LockUser(in.UserID)
		defer unlock()
		sess, err := c.store.CreateOrReset(in.UserID, cmd.KeepModel)
		if err != nil {
			return c.storeFailure(ctx, in, err)
		}
		bridgeLog.Info("session_reset",
			slog.Int64("user_id", in.UserID),
			slog.Bool("keep_model", cmd.KeepModel))
		return c.send(ctx, in.ChatID, resetText(sess))
	case CmdSetModel:
		return c.setModel(ctx, in, cmd.Name)
	case CmdShowModel:
		sess, _ := c.store.Get(in.UserID)
		current := modelDisplay(sess.EffectiveModel(cfg.DefaultModel))
		c.reply(ctx, in.ChatID, fmt.Sprintf("Current model: %s\nUsage: /model <%s>", current, strings.Join(ValidModels, "|")))
		return Outcome{State: StateDelivered}
	case CmdStatus:
		sess, err := c.store.Ensure(in.UserID)
		if err != nil {
			return c.storeFailure(ctx, in, err)
		}
		return c.send(ctx, in.ChatID, statusText(sess, cfg))
	case CmdLogs:
		return c.showLogs(ctx, in, cmd.Count)
	case CmdBadUsage:
		c.reply(ctx, in.ChatID, cmd.Usage)
		return Outcome{State: StateFailed, Kind: KindInvalidCommand}
	default:
		c.reply(ctx, in.ChatID, unknownCommandText(cmd.Name))
		return Outcome{State: StateFailed, Kind: KindInvalidCommand}
	}
}

func (c *Controller) setModel(ctx context.Context, in Inbound, model string) Outcome {
	unlock := c.store.LockUser(in.UserID)
	defer unlock()

	sess, err := c.store.Ensure(in.UserID)
	if err != nil {
		return c.storeFailure(ctx, in, err)
	}
	sess.Model = model
	if err := c.store.Save(sess); err != nil {
		return c.storeFailure(ctx, in, err)
	}
	bridgeLog.Info("model_set", slog.Int64("user_id", in.UserID), slog.String("model", model))
	return c.send(ctx, in.ChatID, "Model set to: "+model)
}

func (c *Controller) showLogs(ctx context.Context, in Inbound, n int) Outcome {
	if c.journal == nil {
		return c.send(ctx, in.ChatID, msgNoLogs)
	}
	entries, err := c.journal.Recent(in.UserID, n)
	if err != nil {
		bridgeLog.Warn("journal_recent_failed", slog.String("error", err.Error()))
	}
	if len(entries) == 0 {
		return c.send(ctx, in.ChatID, msgNoLogs)
	}
	return c.sendChunked(ctx, in.ChatID, journal.Format(entries), c.Config())
}

func (c *Controller) handlePrompt(ctx context.Context, in Inbound, cfg Config) Outcome {
	if strings.TrimSpace(in.Text) == "" {
		return Outcome{State: StateIgnored}
	}

	unlock := c.store.LockUser(in.UserID)
	defer unlock()

	sess, err := c.store.Ensure(in.UserID)
	if err != nil {
		return c.storeFailure(ctx, in, err)
	}

	if cfg.MaxSessionBudgetUSD > 0 && sess.CumulativeCost >= cfg.MaxSessionBudgetUSD {
		bridgeLog.Warn("session_budget_reached",
			slog.Int64("user_id", in.UserID),
			slog.Float64("spent_usd", sess.CumulativeCost),
			slog.Float64("limit_usd", cfg.MaxSessionBudgetUSD))
		c.reply(ctx, in.ChatID, sessionBudgetText(sess.CumulativeCost, cfg.MaxSessionBudgetUSD))
		return Outcome{State: StateFailed, Kind: KindBudgetExceeded}
	}

	invocationID := uuid.NewString()
	model := sess.EffectiveModel(cfg.DefaultModel)
	req := claude.Request{
		Prompt:            in.Text,
		ContinuationToken: sess.ContinuationToken,
		Model:             model,
		AllowedTools:      cfg.AllowedTools,
		MaxBudgetUSD:      cfg.MaxBudgetUSD,
		Timeout:           cfg.Timeout,
	}

	log := bridgeLog.With(
		slog.String("invocation_id", invocationID),
		slog.Int64("user_id", in.UserID))
	log.Info("invocation_start",
		slog.Bool("resume", req.ContinuationToken != ""),
		slog.String("model", modelDisplay(model)))

	stopTyping := c.keepTyping(ctx, in.ChatID, cfg.TypingInterval)
	res, err := c.invoker.Invoke(ctx, req)
	stopTyping()

	entry := journal.Entry{
		InvocationID:      invocationID,
		UserID:            in.UserID,
		Username:          in.Username,
		ContinuationToken: sess.ContinuationToken,
		Model:             modelDisplay(model),
		Prompt:            in.Text,
	}

	if err != nil {
		f := claude.AsFailure(err)
		log.Warn("invocation_failed",
			slog.String("kind", string(f.Kind)),
			slog.String("error", f.Message))
		entry.ErrorKind = string(f.Kind)
		entry.Error = f.Message
		c.appendJournal(entry)

		// Session left exactly as loaded: the next message resumes from the same point
		c.reply(ctx, in.ChatID, failureText(f, cfg))
		return Outcome{State: StateFailed, Kind: Kind(f.Kind), InvocationID: invocationID}
	}

	if res.ContinuationToken == "" {
		log.Warn("invocation_without_token")
	}
	sess.ContinuationToken = res.ContinuationToken
	sess.CumulativeCost += res.CostUSD
	sess.MessageCount++
	sess.LastActive = c.now()

	text := res.Text
	if strings.TrimSpace(text) == "" {
		text = msgEmptyResponse
	}
	if cfg.ShowCost {
		text += fmt.Sprintf("\n[cost: $%.4f]", res.CostUSD)
	}
	if err := c.store.Save(sess); err != nil {
		log.Error("session_save_failed", slog.String("error", err.Error()))
		text += msgSaveWarning
	}

	cost := res.CostUSD
	entry.ContinuationToken = res.ContinuationToken
	entry.ResponsePreview = res.Text
	entry.CostUSD = &cost
	entry.DurationMS = res.Duration.Milliseconds()
	c.appendJournal(entry)

	log.Info("invocation_done",
		slog.Float64("cost_usd", res.CostUSD),
		slog.Float64("session_cost_usd", sess.CumulativeCost),
		slog.Duration("duration", res.Duration))

	out := c.sendChunked(ctx, in.ChatID, text, cfg)
	out.InvocationID = invocationID
	return out
}

// keepTyping shows the typing indicator now and every interval until the
// returned stop func is called. stop waits for the refresher to exit.
func (c *Controller) keepTyping(ctx context.Context, chatID int64, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 4 * time.Second
	}
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := c.transport.SendTyping(ctx, chatID); err != nil {
				bridgeLog.Debug("typing_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
			}
			logging.Aggregate(logging.CompBridge, "typing_sent", chatID)
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}

func (c *Controller) sendChunked(ctx context.Context, chatID int64, text string, cfg Config) Outcome {
	for _, part := range chunk.Split(text, cfg.MaxMessageSize) {
		if chunk.IsBlank(part) {
			continue
		}
		if err := c.transport.Send(ctx, chatID, part); err != nil {
			bridgeLog.Error("send_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
			return Outcome{State: StateFailed, Kind: KindTransportError}
		}
	}
	return Outcome{State: StateDelivered}
}

func (c *Controller) send(ctx context.Context, chatID int64, text string) Outcome {
	return c.sendChunked(ctx, chatID, text, c.Config())
}

// reply sends a short notice whose delivery failure only gets logged.
func (c *Controller) reply(ctx context.Context, chatID int64, text string) {
	if err := c.transport.Send(ctx, chatID, text); err != nil {
		bridgeLog.Error("send_failed", slog.Int64("chat_id", chatID), slog.String("error", err.Error()))
	}
}

func (c *Controller) storeFailure(ctx context.Context, in Inbound, err error) Outcome {
	bridgeLog.Error("session_store_error",
		slog.Int64("user_id", in.UserID),
		slog.String("error", err.Error()))
	c.reply(ctx, in.ChatID, msgStoreError)
	return Outcome{State: StateFailed, Kind: KindStoreError}
}

func (c *Controller) appendJournal(e journal.Entry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Append(e); err != nil {
		bridgeLog.Warn("journal_append_failed", slog.String("error", err.Error()))
	}
}
