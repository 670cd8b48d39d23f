package bridge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangzesen/claude-telegram-bridge/internal/chunk"
	"github.com/huangzesen/claude-telegram-bridge/internal/claude"
	"github.com/huangzesen/claude-telegram-bridge/internal/session"
)

// cliHarness wires the controller to a real CLIInvoker running a shell script.
type cliHarness struct {
	ctrl      *Controller
	store     *session.Store
	backend   *session.MemoryBackend
	transport *recordingTransport
}

func newCLIHarness(t *testing.T, script string, cfg Config, seed ...*session.Session) *cliHarness {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "claude")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))

	h := &cliHarness{
		backend:   session.NewMemoryBackend(seed...),
		transport: &recordingTransport{},
	}
	store, err := session.NewStore(h.backend)
	require.NoError(t, err)
	h.store = store

	inv := &claude.CLIInvoker{Command: path, MaxStderrChars: 500, WaitDelay: 500 * time.Millisecond}
	h.ctrl = NewController(store, inv, h.transport, NewWhitelist([]int64{alice}), nil, cfg)
	return h
}

func (h *cliHarness) handle(text string) Outcome {
	return h.ctrl.Handle(context.Background(), Inbound{ChatID: alice, UserID: alice, Username: "a", Text: text})
}

func TestNonResultOutputKeepsToken(t *testing.T) {
	for _, doc := range []string{`{}`, `null`, `{"type":"system","subtype":"init"}`} {
		t.Run(doc, func(t *testing.T) {
			seed := &session.Session{UserID: alice, ContinuationToken: "t1", MessageCount: 2}
			h := newCLIHarness(t, "echo '"+doc+"'", testConfig(), seed)

			out := h.handle("hello")

			assert.Equal(t, StateFailed, out.State)
			assert.Equal(t, KindProtocolError, out.Kind)
			require.Len(t, h.transport.texts(), 1)
			sess, ok := h.store.Get(alice)
			require.True(t, ok)
			assert.Equal(t, "t1", sess.ContinuationToken)
			assert.Equal(t, 2, sess.MessageCount)
			assert.Zero(t, h.backend.Puts)
		})
	}
}

func TestLongCLIErrorFitsOneMessage(t *testing.T) {
	h := newCLIHarness(t,
		`printf '{"type":"result","is_error":true,"result":"%s"}' "$(head -c 6000 /dev/zero | tr '\0' x)"`,
		testConfig())

	out := h.handle("hello")

	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindProcessError, out.Kind)
	texts := h.transport.texts()
	require.Len(t, texts, 1)
	assert.LessOrEqual(t, len([]rune(texts[0])), chunk.MaxMessageSize)
	assert.Contains(t, texts[0], "(truncated)")
}

func TestFirstMessageTimeoutLeavesSessionFresh(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 200 * time.Millisecond
	h := newCLIHarness(t, `sleep 30
echo '{"type":"result","result":"late","session_id":"t9"}'`, cfg)

	start := time.Now()
	out := h.handle("slow question")

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, KindTimeout, out.Kind)
	require.Len(t, h.transport.texts(), 1)
	sess, ok := h.store.Get(alice)
	require.True(t, ok)
	assert.Empty(t, sess.ContinuationToken)
	assert.True(t, sess.IsFresh())
	assert.Zero(t, sess.MessageCount)
}

func TestFailureTextIsBounded(t *testing.T) {
	f := &claude.Failure{Kind: claude.KindProcessError, Message: "exit status 1", Stderr: strings.Repeat("é", 9000)}

	text := failureText(f, Config{})
	assert.Equal(t, chunk.MaxMessageSize, len([]rune(text)))
	assert.True(t, strings.HasSuffix(text, "..."))

	text = failureText(f, Config{MaxMessageSize: 100})
	assert.Equal(t, 100, len([]rune(text)))

	short := &claude.Failure{Kind: claude.KindProcessError, Stderr: "boom"}
	assert.Equal(t, "Claude CLI error: boom", failureText(short, Config{}))
}
