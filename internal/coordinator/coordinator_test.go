package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tg-debounce-bot/internal/metrics"
	"tg-debounce-bot/internal/responder"
	"tg-debounce-bot/internal/storage"
)

const testUser int64 = 42

func newTestCoordinator(t *testing.T, opts Options, store storage.Store, r responder.Completer) *Coordinator {
	t.Helper()
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = "You are a friend."
	}
	c := New(opts, store, r, metrics.New())
	t.Cleanup(c.Close)
	return c
}

func (c *Coordinator) entryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

func (c *Coordinator) currentToken(userID int64) uint64 {
	e := c.lockExisting(userID)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return e.token
}

// scrape reports whether the coordinator's metrics exposition contains line
func (c *Coordinator) scrape(line string) bool {
	rec := httptest.NewRecorder()
	c.metrics.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	return strings.Contains(rec.Body.String(), line)
}

func TestCoordinator_MergesMessagesWithinWindow(t *testing.T) {
	store := newMemStore()
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		return "first part\n\nsecond part", nil
	}}
	c := newTestCoordinator(t, Options{Wait: 50 * time.Millisecond}, store, resp)
	target := &recordingTarget{}

	c.OnMessage(testUser, "Hi", target)
	time.Sleep(10 * time.Millisecond)
	c.OnMessage(testUser, "there", target)

	waitFor(t, time.Second, func() bool { return len(target.Replies()) == 2 }, "reply paragraphs")
	time.Sleep(80 * time.Millisecond)

	calls := resp.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected a single dispatch, got %d", len(calls))
	}
	prompt := calls[0]
	if prompt[0].Role != storage.RoleSystem || prompt[0].Content != "You are a friend." {
		t.Errorf("prompt should start with the system instruction, got %+v", prompt[0])
	}
	last := prompt[len(prompt)-1]
	if last.Role != storage.RoleUser || last.Content != "Hi\n\nthere" {
		t.Errorf("dispatched %+v, want user message %q", last, "Hi\n\nthere")
	}

	if got := target.Replies(); got[0] != "first part" || got[1] != "second part" {
		t.Errorf("replies = %q", got)
	}

	history, _ := store.History(testUser)
	want := []storage.Message{
		{Role: storage.RoleUser, Content: "Hi\n\nthere"},
		{Role: storage.RoleAssistant, Content: "first part\n\nsecond part"},
	}
	if len(history) != len(want) || history[0] != want[0] || history[1] != want[1] {
		t.Errorf("history = %+v, want %+v", history, want)
	}
}

func TestCoordinator_MergePreservesArrivalOrder(t *testing.T) {
	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d messages", n), func(t *testing.T) {
			resp := &fakeResponder{}
			c := newTestCoordinator(t, Options{Wait: 30 * time.Millisecond}, newMemStore(), resp)
			target := &recordingTarget{}

			var texts []string
			for i := 0; i < n; i++ {
				text := fmt.Sprintf("message %d", i)
				texts = append(texts, text)
				c.OnMessage(testUser, text, target)
			}

			waitFor(t, time.Second, func() bool { return len(resp.Calls()) == 1 }, "dispatch")
			if got, want := lastContent(resp.Calls()[0]), strings.Join(texts, "\n\n"); got != want {
				t.Errorf("dispatched %q, want %q", got, want)
			}
		})
	}
}

func TestCoordinator_NewMessageResetsTimer(t *testing.T) {
	const wait = 80 * time.Millisecond
	resp := &fakeResponder{}
	c := newTestCoordinator(t, Options{Wait: wait}, newMemStore(), resp)
	target := &recordingTarget{}

	c.OnMessage(testUser, "msg1", target)
	time.Sleep(40 * time.Millisecond)
	secondAt := time.Now()
	c.OnMessage(testUser, "msg2", target)

	if text, armed := c.Pending(testUser); text != "msg1\n\nmsg2" || !armed {
		t.Fatalf("Pending = %q, %v", text, armed)
	}

	waitFor(t, time.Second, func() bool { return len(resp.Calls()) == 1 }, "dispatch")
	if fired := resp.Times()[0].Sub(secondAt); fired < wait {
		t.Errorf("dispatch came %v after the second message, want at least %v", fired, wait)
	}

	time.Sleep(2 * wait)
	if calls := len(resp.Calls()); calls != 1 {
		t.Errorf("superseded timer must not dispatch, got %d dispatches", calls)
	}
}

func TestCoordinator_StaleTimerIsNoop(t *testing.T) {
	resp := &fakeResponder{}
	c := newTestCoordinator(t, Options{Wait: time.Hour}, newMemStore(), resp)
	target := &recordingTarget{}

	c.OnMessage(testUser, "a", target)
	stale := c.currentToken(testUser)
	c.OnMessage(testUser, "b", target)
	current := c.currentToken(testUser)
	if stale == current || stale == 0 {
		t.Fatalf("tokens should differ: %d vs %d", stale, current)
	}

	c.fire(testUser, stale)
	if len(resp.Calls()) != 0 {
		t.Fatal("stale timer must not dispatch")
	}
	if text, armed := c.Pending(testUser); text != "a\n\nb" || !armed {
		t.Fatalf("stale timer must not touch state, Pending = %q, %v", text, armed)
	}

	c.fire(testUser, current)
	if calls := resp.Calls(); len(calls) != 1 || lastContent(calls[0]) != "a\n\nb" {
		t.Fatalf("current timer should dispatch the merged buffer, got %v", calls)
	}

	// Firing again after the buffer was claimed is a no-op too
	c.fire(testUser, current)
	if len(resp.Calls()) != 1 {
		t.Fatal("completed timer must not dispatch twice")
	}
	if n := c.entryCount(); n != 0 {
		t.Errorf("expected entry to be removed, %d left", n)
	}
}

func TestCoordinator_SerializesDeliveriesPerUser(t *testing.T) {
	store := newMemStore()
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		return "reply to " + lastContent(m), nil
	}}
	// 600 WPM paces each three-word reply at 300ms
	c := newTestCoordinator(t, Options{Wait: 20 * time.Millisecond, WordsPerMinute: 600}, store, resp)
	target := &recordingTarget{}

	c.OnMessage(testUser, "first", target)
	waitFor(t, time.Second, func() bool { return c.Busy(testUser) }, "first delivery to start")

	c.OnMessage(testUser, "second", target)
	time.Sleep(60 * time.Millisecond)
	if calls := len(resp.Calls()); calls != 1 {
		t.Fatalf("second dispatch must wait for the first delivery, got %d responder calls", calls)
	}
	if text, _ := c.Pending(testUser); text != "second" {
		t.Errorf("new message should start its own buffer, Pending = %q", text)
	}

	waitFor(t, 2*time.Second, func() bool { return len(target.Replies()) == 2 }, "both deliveries")
	waitFor(t, time.Second, func() bool { return !c.Busy(testUser) }, "guard release")

	if second, firstDelivered := resp.Times()[1], target.Times()[0]; second.Before(firstDelivered) {
		t.Errorf("second dispatch started at %v before first delivery finished at %v", second, firstDelivered)
	}
	if got := target.Replies(); got[0] != "reply to first" || got[1] != "reply to second" {
		t.Errorf("replies = %q", got)
	}

	history, _ := store.History(testUser)
	var roles []string
	for _, m := range history {
		roles = append(roles, m.Role+":"+m.Content)
	}
	want := "user:first|assistant:reply to first|user:second|assistant:reply to second"
	if got := strings.Join(roles, "|"); got != want {
		t.Errorf("history order = %s, want %s", got, want)
	}
}

func TestCoordinator_MessageWhileWaitingForGuardJoinsBuffer(t *testing.T) {
	resp := &fakeResponder{}
	c := newTestCoordinator(t, Options{Wait: 10 * time.Millisecond}, newMemStore(), resp)
	target := &recordingTarget{}

	release, ok := c.guard.TryEnter(testUser)
	if !ok {
		t.Fatal("guard should be free")
	}

	// timer A fires and parks on the guard
	c.OnMessage(testUser, "A", target)
	time.Sleep(50 * time.Millisecond)
	if len(resp.Calls()) != 0 {
		t.Fatal("dispatch must wait for the guard")
	}

	// B supersedes A's token while A is still waiting
	c.OnMessage(testUser, "B", target)
	time.Sleep(50 * time.Millisecond)
	release()

	waitFor(t, time.Second, func() bool { return len(target.Replies()) == 1 }, "reply")
	waitFor(t, time.Second, func() bool {
		return c.scrape(`bot_dispatches_total{result="dropped"} 1`)
	}, "superseded dispatch to be dropped")
	time.Sleep(30 * time.Millisecond)

	calls := resp.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected a single dispatch, got %d", len(calls))
	}
	if got := lastContent(calls[0]); got != "A\n\nB" {
		t.Errorf("dispatched %q, want %q", got, "A\n\nB")
	}
	if !c.scrape(`bot_dispatches_total{result="ok"} 1`) {
		t.Error("expected exactly one successful dispatch")
	}
}

func TestCoordinator_ResponderError(t *testing.T) {
	store := newMemStore()
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		return "", errors.New("upstream down")
	}}
	c := newTestCoordinator(t, Options{
		Wait:            10 * time.Millisecond,
		NotifyOnFailure: true,
		FailureMessage:  "Something went wrong.",
	}, store, resp)
	target := &recordingTarget{}

	c.OnMessage(testUser, "hello", target)
	waitFor(t, time.Second, func() bool { return len(target.Replies()) == 1 }, "failure notice")
	waitFor(t, time.Second, func() bool { return !c.Busy(testUser) }, "guard release")

	if got := target.Replies()[0]; got != "Something went wrong." {
		t.Errorf("failure notice = %q", got)
	}
	history, _ := store.History(testUser)
	if len(history) != 1 || history[0].Role != storage.RoleUser || history[0].Content != "hello" {
		t.Errorf("history should contain only the user message, got %+v", history)
	}
	if n := c.entryCount(); n != 0 {
		t.Errorf("expected no per-user entries left, got %d", n)
	}
}

func TestCoordinator_ResponderErrorWithoutNotice(t *testing.T) {
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		return "", errors.New("upstream down")
	}}
	c := newTestCoordinator(t, Options{Wait: 10 * time.Millisecond, FailureMessage: "unused"}, newMemStore(), resp)
	target := &recordingTarget{}

	c.OnMessage(testUser, "hello", target)
	waitFor(t, time.Second, func() bool { return len(resp.Calls()) == 1 }, "dispatch")
	waitFor(t, time.Second, func() bool { return !c.Busy(testUser) }, "guard release")
	if attempts := target.Attempts(); attempts != 0 {
		t.Errorf("no message should be sent, got %d attempts", attempts)
	}
}

func TestCoordinator_HistoryErrorSkipsResponder(t *testing.T) {
	store := newMemStore()
	store.appendErr = errors.New("disk full")
	resp := &fakeResponder{}
	c := newTestCoordinator(t, Options{
		Wait:            10 * time.Millisecond,
		NotifyOnFailure: true,
		FailureMessage:  "oops",
	}, store, resp)
	target := &recordingTarget{}

	c.OnMessage(testUser, "hello", target)
	waitFor(t, time.Second, func() bool { return len(target.Replies()) == 1 }, "failure notice")
	if len(resp.Calls()) != 0 {
		t.Error("responder must not be called when history cannot be written")
	}
}

func TestCoordinator_DeliveryErrorStopsRemainingParagraphs(t *testing.T) {
	store := newMemStore()
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		return "one\n\ntwo\n\nthree", nil
	}}
	c := newTestCoordinator(t, Options{Wait: 10 * time.Millisecond, NotifyOnFailure: true, FailureMessage: "oops"}, store, resp)
	target := &recordingTarget{failOn: 2}

	c.OnMessage(testUser, "hello", target)
	waitFor(t, time.Second, func() bool { return target.Attempts() >= 2 }, "failed send")
	waitFor(t, time.Second, func() bool { return !c.Busy(testUser) }, "guard release")
	time.Sleep(30 * time.Millisecond)

	if got := target.Replies(); len(got) != 1 || got[0] != "one" {
		t.Errorf("only the first paragraph should be delivered, got %q", got)
	}
	if attempts := target.Attempts(); attempts != 2 {
		t.Errorf("expected no send after the failure, got %d attempts", attempts)
	}
	history, _ := store.History(testUser)
	if len(history) != 2 || history[1].Role != storage.RoleAssistant {
		t.Errorf("assistant reply should be in history, got %+v", history)
	}
}

func TestCoordinator_UsersAreIndependent(t *testing.T) {
	unblock := make(chan struct{})
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		if lastContent(m) == "slow" {
			select {
			case <-unblock:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		return "done " + lastContent(m), nil
	}}
	c := newTestCoordinator(t, Options{Wait: 10 * time.Millisecond}, newMemStore(), resp)
	slowTarget := &recordingTarget{}
	fastTarget := &recordingTarget{}

	c.OnMessage(1, "slow", slowTarget)
	waitFor(t, time.Second, func() bool { return len(resp.Calls()) == 1 }, "slow dispatch")

	c.OnMessage(2, "fast", fastTarget)
	waitFor(t, time.Second, func() bool { return len(fastTarget.Replies()) == 1 }, "fast reply while slow user blocks")
	if len(slowTarget.Replies()) != 0 {
		t.Fatal("slow user should still be waiting")
	}

	close(unblock)
	waitFor(t, time.Second, func() bool { return len(slowTarget.Replies()) == 1 }, "slow reply")
}

func TestCoordinator_LatestTargetWins(t *testing.T) {
	resp := &fakeResponder{}
	c := newTestCoordinator(t, Options{Wait: 20 * time.Millisecond}, newMemStore(), resp)
	first := &recordingTarget{}
	second := &recordingTarget{}

	c.OnMessage(testUser, "a", first)
	c.OnMessage(testUser, "b", second)

	waitFor(t, time.Second, func() bool { return len(second.Replies()) == 1 }, "reply")
	if len(first.Replies()) != 0 {
		t.Error("reply should go to the most recent message's target")
	}
}

func TestCoordinator_EmptySystemPromptOmitted(t *testing.T) {
	resp := &fakeResponder{}
	c := New(Options{Wait: 10 * time.Millisecond}, newMemStore(), resp, nil)
	defer c.Close()

	c.OnMessage(testUser, "hi", &recordingTarget{})
	waitFor(t, time.Second, func() bool { return len(resp.Calls()) == 1 }, "dispatch")
	if prompt := resp.Calls()[0]; len(prompt) != 1 || prompt[0].Role != storage.RoleUser {
		t.Errorf("prompt = %+v, want the user message only", prompt)
	}
}

func TestCoordinator_PromptIncludesFullHistory(t *testing.T) {
	store := newMemStore()
	store.Append(testUser, storage.RoleUser, "earlier")
	store.Append(testUser, storage.RoleAssistant, "earlier reply")
	resp := &fakeResponder{}
	c := newTestCoordinator(t, Options{Wait: 10 * time.Millisecond}, store, resp)

	c.OnMessage(testUser, "now", &recordingTarget{})
	waitFor(t, time.Second, func() bool { return len(resp.Calls()) == 1 }, "dispatch")

	var got []string
	for _, m := range resp.Calls()[0] {
		got = append(got, m.Role)
	}
	if strings.Join(got, ",") != "system,user,assistant,user" {
		t.Errorf("prompt roles = %v", got)
	}
}

func TestCoordinator_Pending(t *testing.T) {
	c := newTestCoordinator(t, Options{Wait: time.Hour}, newMemStore(), &fakeResponder{})

	if text, armed := c.Pending(testUser); text != "" || armed {
		t.Fatalf("unknown user Pending = %q, %v", text, armed)
	}
	c.OnMessage(testUser, "queued", &recordingTarget{})
	if text, armed := c.Pending(testUser); text != "queued" || !armed {
		t.Fatalf("Pending = %q, %v", text, armed)
	}
	if c.Busy(testUser) {
		t.Error("no delivery should be in progress")
	}
}

func TestCoordinator_CloseStopsPendingTimers(t *testing.T) {
	resp := &fakeResponder{}
	c := New(Options{Wait: 30 * time.Millisecond}, newMemStore(), resp, nil)

	c.OnMessage(testUser, "never sent", &recordingTarget{})
	c.Close()
	time.Sleep(60 * time.Millisecond)

	if len(resp.Calls()) != 0 {
		t.Error("closed coordinator must not dispatch")
	}
	if err := c.OnMessage(testUser, "late", &recordingTarget{}); !errors.Is(err, ErrClosed) {
		t.Errorf("OnMessage after Close = %v, want ErrClosed", err)
	}
	if n := c.entryCount(); n != 0 {
		t.Errorf("expected entries to be dropped, %d left", n)
	}
	// Close is idempotent
	c.Close()
}

func TestCoordinator_CloseCancelsInFlightDispatch(t *testing.T) {
	started := make(chan struct{})
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := newTestCoordinator(t, Options{
		Wait:            10 * time.Millisecond,
		NotifyOnFailure: true,
		FailureMessage:  "oops",
	}, newMemStore(), resp)
	target := &recordingTarget{}
	c.OnMessage(testUser, "hi", target)
	<-started

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	if c.Busy(testUser) {
		t.Error("guard should be released after Close")
	}
	if attempts := target.Attempts(); attempts != 0 {
		t.Errorf("no failure notice should be sent on shutdown, got %d sends", attempts)
	}
	if !c.scrape(`bot_dispatches_total{result="dropped"} 1`) {
		t.Error("cancelled dispatch should count as dropped")
	}
	if c.scrape(`result="responder_error"`) {
		t.Error("cancelled dispatch must not count as a responder error")
	}
}

func TestCoordinator_QuietTargetGetsNoFailureNotice(t *testing.T) {
	resp := &fakeResponder{fn: func(ctx context.Context, m []responder.Message) (string, error) {
		return "", errors.New("upstream down")
	}}
	c := newTestCoordinator(t, Options{
		Wait:            10 * time.Millisecond,
		NotifyOnFailure: true,
		FailureMessage:  "oops",
	}, newMemStore(), resp)
	target := &quietTarget{}

	c.OnMessage(testUser, "hello", target)
	waitFor(t, time.Second, func() bool { return c.scrape(`bot_dispatches_total{result="responder_error"} 1`) }, "failed dispatch")
	waitFor(t, time.Second, func() bool { return !c.Busy(testUser) }, "guard release")
	if attempts := target.Attempts(); attempts != 0 {
		t.Errorf("quiet target must not get a notice, got %d sends", attempts)
	}
}
