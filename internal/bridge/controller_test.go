package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangzesen/claude-telegram-bridge/internal/claude"
	"github.com/huangzesen/claude-telegram-bridge/internal/journal"
	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

const (
	alice int64 = 100
	bob   int64 = 200
	eve   int64 = 999
)

type sent struct {
	chatID int64
	text   string
}

type recordingTransport struct {
	mu      sync.Mutex
	sent    []sent
	typing  int
	sendErr error
}

func (r *recordingTransport) Send(_ context.Context, chatID int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sendErr != nil {
		return r.sendErr
	}
	r.sent = append(r.sent, sent{chatID, text})
	return nil
}

func (r *recordingTransport) SendTyping(context.Context, int64) error {
	r.mu.Lock()
	r.typing++
	r.mu.Unlock()
	return nil
}

func (r *recordingTransport) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.text)
	}
	return out
}

func (r *recordingTransport) last() string {
	t := r.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

func (r *recordingTransport) typingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.typing
}

type harness struct {
	ctrl      *Controller
	store     *session.Store
	backend   *session.MemoryBackend
	transport *recordingTransport
	journal   *journal.Journal
	calls     atomic.Int32
	requests  chan claude.Request
}

func testConfig() Config {
	return Config{
		MaxBudgetUSD:   1.00,
		Timeout:        5 * time.Minute,
		TypingInterval: time.Hour,
	}
}

func newHarness(t *testing.T, invoke func(context.Context, claude.Request) (*claude.Result, error), seed ...*session.Session) *harness {
	t.Helper()
	h := &harness{
		backend:   session.NewMemoryBackend(seed...),
		transport: &recordingTransport{},
		journal:   journal.New(t.TempDir()),
		requests:  make(chan claude.Request, 64),
	}
	store, err := session.NewStore(h.backend)
	require.NoError(t, err)
	h.store = store

	inv := claude.InvokerFunc(func(ctx context.Context, req claude.Request) (*claude.Result, error) {
		h.calls.Add(1)
		h.requests <- req
		return invoke(ctx, req)
	})
	h.ctrl = NewController(store, inv, h.transport, NewWhitelist([]int64{alice, bob}), h.journal, testConfig())
	return h
}

func (h *harness) handle(uid int64, text string) Outcome {
	return h.ctrl.Handle(context.Background(), Inbound{ChatID: uid, UserID: uid, Username: "u", Text: text})
}

func reply(text, token string, cost float64) func(context.Context, claude.Request) (*claude.Result, error) {
	return func(context.Context, claude.Request) (*claude.Result, error) {
		return &claude.Result{Text: text, ContinuationToken: token, CostUSD: cost, Duration: time.Second}, nil
	}
}

func TestUnauthorizedSenderIsRejected(t *testing.T) {
	h := newHarness(t, reply("hi", "t1", 0.01))

	out := h.handle(eve, "hello")

	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, KindUnauthorized, out.Kind)
	assert.Equal(t, []string{msgUnauthorized}, h.transport.texts())
	assert.Zero(t, h.calls.Load())
	_, ok := h.store.Get(eve)
	assert.False(t, ok, "no session for a rejected sender")
	assert.Zero(t, h.backend.Puts)
}

func TestConversationResumesWithToken(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, func(_ context.Context, req claude.Request) (*claude.Result, error) {
		if n.Add(1) == 1 {
			return &claude.Result{Text: "Hi!", ContinuationToken: "t1", CostUSD: 0.01}, nil
		}
		return &claude.Result{Text: "Again!", ContinuationToken: "t1", CostUSD: 0.02}, nil
	})

	out := h.handle(alice, "hello")
	require.Equal(t, StateDelivered, out.State)
	assert.NotEmpty(t, out.InvocationID)
	first := <-h.requests
	assert.Empty(t, first.ContinuationToken)
	assert.Equal(t, "hello", first.Prompt)
	assert.Equal(t, 1.00, first.MaxBudgetUSD)

	sess, ok := h.store.Get(alice)
	require.True(t, ok)
	assert.Equal(t, "t1", sess.ContinuationToken)
	assert.Equal(t, 1, sess.MessageCount)
	assert.InDelta(t, 0.01, sess.CumulativeCost, 1e-9)

	out = h.handle(alice, "again")
	require.Equal(t, StateDelivered, out.State)
	second := <-h.requests
	assert.Equal(t, "t1", second.ContinuationToken)

	sess, _ = h.store.Get(alice)
	assert.Equal(t, 2, sess.MessageCount)
	assert.InDelta(t, 0.03, sess.CumulativeCost, 1e-9)
	assert.Equal(t, []string{"Hi!", "Again!"}, h.transport.texts())

	stored, ok := h.backend.Stored(alice)
	require.True(t, ok)
	assert.Equal(t, "t1", stored.ContinuationToken)
	assert.GreaterOrEqual(t, h.transport.typingCount(), 1)
}

func TestFailureKeepsSession(t *testing.T) {
	seed := &session.Session{UserID: alice, ContinuationToken: "t1", MessageCount: 3, CumulativeCost: 0.5}
	h := newHarness(t, func(context.Context, claude.Request) (*claude.Result, error) {
		return nil, &claude.Failure{Kind: claude.KindProcessError, Message: "exit status 1", Stderr: "boom"}
	}, seed)

	out := h.handle(alice, "hello")

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindProcessError, out.Kind)
	assert.Equal(t, []string{"Claude CLI error: boom"}, h.transport.texts())
	sess, _ := h.store.Get(alice)
	assert.Equal(t, seed, sess)
	assert.Zero(t, h.backend.Puts)
}

func TestTimeoutReply(t *testing.T) {
	seed := &session.Session{UserID: alice, ContinuationToken: "t1", MessageCount: 1}
	h := newHarness(t, func(context.Context, claude.Request) (*claude.Result, error) {
		return nil, &claude.Failure{Kind: claude.KindTimeout, Message: "no response after 5m0s"}
	}, seed)

	out := h.handle(alice, "slow question")

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindTimeout, out.Kind)
	require.Len(t, h.transport.texts(), 1)
	assert.Contains(t, h.transport.last(), "within 5m0s")
	sess, _ := h.store.Get(alice)
	assert.Equal(t, "t1", sess.ContinuationToken)
	assert.Equal(t, 1, sess.MessageCount)
}

func TestPlainErrorIsTreatedAsProcessError(t *testing.T) {
	h := newHarness(t, func(context.Context, claude.Request) (*claude.Result, error) {
		return nil, errors.New("something odd")
	})

	out := h.handle(alice, "hello")
	assert.Equal(t, KindProcessError, out.Kind)
	assert.Contains(t, h.transport.last(), "something odd")
}

func TestSetModel(t *testing.T) {
	h := newHarness(t, reply("ok", "t1", 0))

	out := h.handle(alice, "/model haiku")
	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, "Model set to: haiku", h.transport.last())
	sess, _ := h.store.Get(alice)
	assert.Equal(t, "haiku", sess.Model)

	h.handle(alice, "hi")
	req := <-h.requests
	assert.Equal(t, "haiku", req.Model)

	out = h.handle(alice, "/model nonsense")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindInvalidCommand, out.Kind)
	assert.Contains(t, h.transport.last(), "Usage: /model")
	sess, _ = h.store.Get(alice)
	assert.Equal(t, "haiku", sess.Model)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestShowModel(t *testing.T) {
	h := newHarness(t, reply("ok", "t1", 0))
	cfg := h.ctrl.Config()
	cfg.DefaultModel = "sonnet"
	h.ctrl.SetConfig(cfg)

	h.handle(alice, "/model")
	assert.Contains(t, h.transport.last(), "Current model: sonnet")
}

func TestReset(t *testing.T) {
	seed := &session.Session{UserID: alice, ContinuationToken: "t1", Model: "opus", MessageCount: 4, CumulativeCost: 1.2}
	h := newHarness(t, reply("ok", "t2", 0), seed)

	out := h.handle(alice, "/reset")
	assert.Equal(t, StateDelivered, out.State)
	sess, _ := h.store.Get(alice)
	assert.Empty(t, sess.ContinuationToken)
	assert.Zero(t, sess.MessageCount)
	assert.Zero(t, sess.CumulativeCost)
	assert.Equal(t, "opus", sess.Model)
	assert.Contains(t, h.transport.last(), "Model: opus")

	h.handle(alice, "fresh start")
	req := <-h.requests
	assert.Empty(t, req.ContinuationToken)

	h.handle(alice, "/reset full")
	sess, _ = h.store.Get(alice)
	assert.Empty(t, sess.Model)
}

func TestStartHelpStatus(t *testing.T) {
	h := newHarness(t, reply("ok", "t1", 0.25))

	h.handle(alice, "/start")
	assert.Equal(t, helpText, h.transport.last())
	_, ok := h.store.Get(alice)
	assert.True(t, ok, "/start creates the session")

	h.handle(alice, "/help")
	assert.Equal(t, helpText, h.transport.last())

	h.handle(alice, "hello")
	h.handle(alice, "/status")
	status := h.transport.last()
	assert.Contains(t, status, "Session: t1")
	assert.Contains(t, status, "Messages: 1")
	assert.Contains(t, status, "Total cost: $0.2500")
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestUnknownCommand(t *testing.T) {
	h := newHarness(t, reply("ok", "t1", 0))

	out := h.handle(alice, "/frobnicate")
	assert.Equal(t, KindInvalidCommand, out.Kind)
	assert.Contains(t, h.transport.last(), "/frobnicate")
	assert.Zero(t, h.calls.Load())
}

func TestLongReplyIsChunked(t *testing.T) {
	long := strings.Repeat("word ", 1800)
	h := newHarness(t, reply(long, "t1", 0))

	out := h.handle(alice, "write a lot")
	require.Equal(t, StateDelivered, out.State)

	texts := h.transport.texts()
	require.Len(t, texts, 3)
	assert.Equal(t, long, strings.Join(texts, ""))
	for _, s := range texts {
		assert.LessOrEqual(t, len([]rune(s)), 4096)
	}
}

func TestEmptyResponse(t *testing.T) {
	h := newHarness(t, reply("  ", "t1", 0))

	out := h.handle(alice, "say nothing")
	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, []string{msgEmptyResponse}, h.transport.texts())
}

func TestCostFooter(t *testing.T) {
	h := newHarness(t, reply("answer", "t1", 0.0123))
	cfg := h.ctrl.Config()
	cfg.ShowCost = true
	h.ctrl.SetConfig(cfg)

	h.handle(alice, "q")
	assert.Equal(t, "answer\n[cost: $0.0123]", h.transport.last())
}

func TestSessionBudgetCap(t *testing.T) {
	seed := &session.Session{UserID: alice, ContinuationToken: "t1", CumulativeCost: 2.5}
	h := newHarness(t, reply("ok", "t1", 0), seed)
	cfg := h.ctrl.Config()
	cfg.MaxSessionBudgetUSD = 2.0
	h.ctrl.SetConfig(cfg)

	out := h.handle(alice, "more")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindBudgetExceeded, out.Kind)
	assert.Contains(t, h.transport.last(), "/reset")
	assert.Zero(t, h.calls.Load())
}

func TestSaveFailureStillDelivers(t *testing.T) {
	seed := &session.Session{UserID: alice}
	h := newHarness(t, reply("answer", "t1", 0.01), seed)
	h.backend.FailPut = errors.New("disk full")

	out := h.handle(alice, "q")
	assert.Equal(t, StateDelivered, out.State)
	assert.Equal(t, "answer"+msgSaveWarning, h.transport.last())
	sess, _ := h.store.Get(alice)
	assert.Empty(t, sess.ContinuationToken)
}

func TestStoreErrorOnCreate(t *testing.T) {
	h := newHarness(t, reply("answer", "t1", 0.01))
	h.backend.FailPut = errors.New("disk full")

	out := h.handle(alice, "q")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindStoreError, out.Kind)
	assert.Equal(t, msgStoreError, h.transport.last())
	assert.Zero(t, h.calls.Load())
}

func TestTransportFailure(t *testing.T) {
	h := newHarness(t, reply("answer", "t1", 0.01))
	h.transport.sendErr = errors.New("network down")

	out := h.handle(alice, "q")
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindTransportError, out.Kind)
	sess, _ := h.store.Get(alice)
	assert.Equal(t, "t1", sess.ContinuationToken, "session is saved before delivery")
}

func TestLogsCommand(t *testing.T) {
	h := newHarness(t, reply("the answer", "abcdef1234", 0.01))

	h.handle(alice, "/logs")
	assert.Equal(t, msgNoLogs, h.transport.last())

	h.handle(alice, "what is it")
	h.handle(alice, "/logs 1")
	logs := h.transport.last()
	assert.Contains(t, logs, "abcdef12...")
	assert.Contains(t, logs, "> what is it")
	assert.Contains(t, logs, "the answer")

	h.handle(bob, "/logs")
	assert.Equal(t, msgNoLogs, h.transport.last())
}

func TestFailuresAreJournaled(t *testing.T) {
	h := newHarness(t, func(context.Context, claude.Request) (*claude.Result, error) {
		return nil, &claude.Failure{Kind: claude.KindBudgetExceeded, Message: "budget exceeded"}
	})

	h.handle(alice, "expensive")
	entries, err := h.journal.Recent(alice, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "budget_exceeded", entries[0].ErrorKind)
	assert.Equal(t, "expensive", entries[0].Prompt)
	assert.Nil(t, entries[0].CostUSD)
}

func TestSameUserIsSerialized(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	h := newHarness(t, func(context.Context, claude.Request) (*claude.Result, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &claude.Result{Text: "ok", ContinuationToken: "t1", CostUSD: 0.01}, nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.handle(alice, "hi")
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxInFlight.Load())
	sess, _ := h.store.Get(alice)
	assert.Equal(t, 5, sess.MessageCount)
	assert.InDelta(t, 0.05, sess.CumulativeCost, 1e-9)
}

func TestDifferentUsersRunConcurrently(t *testing.T) {
	var entered sync.WaitGroup
	entered.Add(2)
	both := make(chan struct{})
	go func() {
		entered.Wait()
		close(both)
	}()

	h := newHarness(t, func(context.Context, claude.Request) (*claude.Result, error) {
		entered.Done()
		select {
		case <-both:
			return &claude.Result{Text: "ok", ContinuationToken: "t"}, nil
		case <-time.After(2 * time.Second):
			return nil, &claude.Failure{Kind: claude.KindTimeout, Message: "peer never arrived"}
		}
	})

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i, uid := range []int64{alice, bob} {
		i, uid := i, uid
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i] = h.handle(uid, "hi")
		}()
	}
	wg.Wait()

	assert.Equal(t, StateDelivered, outs[0].State)
	assert.Equal(t, StateDelivered, outs[1].State)
}

func TestTypingStopsAfterInvocation(t *testing.T) {
	h := newHarness(t, func(context.Context, claude.Request) (*claude.Result, error) {
		time.Sleep(60 * time.Millisecond)
		return &claude.Result{Text: "ok", ContinuationToken: "t"}, nil
	})
	cfg := h.ctrl.Config()
	cfg.TypingInterval = 10 * time.Millisecond
	h.ctrl.SetConfig(cfg)

	h.handle(alice, "hi")
	after := h.transport.typingCount()
	assert.GreaterOrEqual(t, after, 2)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, h.transport.typingCount())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "delivered", StateDelivered.String())
	assert.Equal(t, "rejected", StateRejected.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "ignored", StateIgnored.String())
}
