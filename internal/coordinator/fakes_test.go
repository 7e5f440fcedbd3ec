package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tg-debounce-bot/internal/responder"
	"tg-debounce-bot/internal/storage"
)

var errSend = errors.New("send failed")

// recordingTarget records replies; failOn makes the n-th send (1-based) fail
type recordingTarget struct {
	mu       sync.Mutex
	replies  []string
	times    []time.Time
	attempts int
	failOn   int
}

func (r *recordingTarget) Reply(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failOn > 0 && r.attempts == r.failOn {
		return errSend
	}
	r.replies = append(r.replies, text)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recordingTarget) Replies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

func (r *recordingTarget) Times() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.times...)
}

func (r *recordingTarget) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// typingTarget also implements Typer
type typingTarget struct {
	recordingTarget
	typingMu sync.Mutex
	typing   int
}

func (t *typingTarget) Typing(ctx context.Context) error {
	t.typingMu.Lock()
	defer t.typingMu.Unlock()
	t.typing++
	return nil
}

func (t *typingTarget) TypingCount() int {
	t.typingMu.Lock()
	defer t.typingMu.Unlock()
	return t.typing
}

// quietTarget opts out of failure notices
type quietTarget struct {
	recordingTarget
}

func (q *quietTarget) Quiet() bool { return true }

type fakeResponder struct {
	mu    sync.Mutex
	calls [][]responder.Message
	times []time.Time
	fn    func(ctx context.Context, messages []responder.Message) (string, error)
}

func (f *fakeResponder) Complete(ctx context.Context, messages []responder.Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]responder.Message(nil), messages...))
	f.times = append(f.times, time.Now())
	fn := f.fn
	f.mu.Unlock()

	if fn == nil {
		return "ok", nil
	}
	return fn(ctx, messages)
}

func (f *fakeResponder) Calls() [][]responder.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]responder.Message(nil), f.calls...)
}

func (f *fakeResponder) Times() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.times...)
}

func lastContent(messages []responder.Message) string {
	if len(messages) == 0 {
		return ""
	}
	return messages[len(messages)-1].Content
}

type memStore struct {
	mu        sync.Mutex
	history   map[int64][]storage.Message
	appendErr error
}

func newMemStore() *memStore {
	return &memStore{history: make(map[int64][]storage.Message)}
}

func (m *memStore) Append(userID int64, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.history[userID] = append(m.history[userID], storage.Message{Role: role, Content: content})
	return nil
}

func (m *memStore) History(userID int64) ([]storage.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Message(nil), m.history[userID]...), nil
}

func (m *memStore) Clear(userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, userID)
	return nil
}

func (m *memStore) Close() error { return nil }

// waitFor polls cond until it holds or the timeout expires
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
