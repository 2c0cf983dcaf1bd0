package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Veraticus/agent-ledger/internal/common"
	"github.com/Veraticus/agent-ledger/internal/llm"
	"github.com/Veraticus/agent-ledger/internal/model"
	"github.com/Veraticus/agent-ledger/internal/reconcile"
	"github.com/Veraticus/agent-ledger/internal/storage"
	"github.com/stretchr/testify/require"
)

const operatorChat = int64(1001)

// fakeOracle answers with the reply registered for the first message text
// found in the prompt. Unregistered texts block until the attempt times out.
type fakeOracle struct {
	replies map[string]string
	calls   map[string]int
	mu      sync.Mutex
}

func newFakeOracle(replies map[string]string) *fakeOracle {
	return &fakeOracle{replies: replies, calls: make(map[string]int)}
}

func (o *fakeOracle) Complete(ctx context.Context, _ string, prompt string) (string, error) {
	o.mu.Lock()
	for text, reply := range o.replies {
		if strings.HasSuffix(prompt, "\n"+text) {
			o.calls[text]++
			o.mu.Unlock()
			return reply, nil
		}
	}
	o.calls[""]++
	o.mu.Unlock()

	<-ctx.Done()
	return "", ctx.Err()
}

func (o *fakeOracle) callsFor(text string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[text]
}

type sentDocument struct {
	name string
	data []byte
}

// fakeSender records everything sent to the operator.
type fakeSender struct {
	err   error
	texts []string
	docs  []sentDocument
	mu    sync.Mutex
}

func (s *fakeSender) SendText(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != operatorChat {
		return errors.New("reply sent to the wrong chat")
	}
	s.texts = append(s.texts, text)
	return s.err
}

func (s *fakeSender) SendDocument(_ context.Context, chatID int64, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chatID != operatorChat {
		return errors.New("document sent to the wrong chat")
	}
	s.docs = append(s.docs, sentDocument{name: name, data: data})
	return s.err
}

func (s *fakeSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[len(s.texts)-1]
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

type fakeExporter struct {
	err error
}

func (e fakeExporter) Export(ledger model.Ledger) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return []byte("xlsx:" + ledger.Balance.String()), nil
}

type harness struct {
	store      *storage.SQLiteStorage
	oracle     *fakeOracle
	sender     *fakeSender
	dispatcher *Dispatcher
	nextID     int
}

func newHarness(t *testing.T, replies map[string]string, exporter Exporter) *harness {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	oracle := newFakeOracle(replies)
	extractor := llm.NewExtractor(oracle, llm.ExtractorOptions{
		Timeout:   10 * time.Millisecond,
		RateLimit: 60000,
		Retry: common.RetryOptions{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
		},
	}, nil)

	policy := reconcile.NewPolicy()
	sender := &fakeSender{}
	ingestor := NewIngestor(store, extractor, policy, nil)
	dispatcher := NewDispatcher(store, ingestor, exporter, policy, sender, DispatcherConfig{
		OperatorChatID: operatorChat,
		Now:            func() time.Time { return time.Date(2026, 5, 2, 9, 0, 0, 0, time.Local) },
	}, nil)

	return &harness{store: store, oracle: oracle, sender: sender, dispatcher: dispatcher}
}

// forward sends text as a new forwarded message and returns the reply.
func (h *harness) forward(t *testing.T, text string) string {
	t.Helper()
	h.nextID++
	in := Inbound{
		ChatID:    operatorChat,
		MessageID: h.nextID,
		Text:      text,
		Sender:    "Agent",
		SentAt:    time.Date(2026, 5, 1, 10, h.nextID, 0, 0, time.UTC),
	}
	require.NoError(t, h.dispatcher.Handle(context.Background(), in))
	return h.sender.last()
}

// command runs an operator command and returns the reply.
func (h *harness) command(t *testing.T, name, args string) string {
	t.Helper()
	h.nextID++
	in := Inbound{ChatID: operatorChat, MessageID: h.nextID, Command: name, Args: args}
	require.NoError(t, h.dispatcher.Handle(context.Background(), in))
	return h.sender.last()
}

func (h *harness) snapshot(t *testing.T) model.Ledger {
	t.Helper()
	ledger, err := h.store.Snapshot(context.Background())
	require.NoError(t, err)
	return ledger
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
