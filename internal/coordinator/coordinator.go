package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"tg-debounce-bot/internal/metrics"
	"tg-debounce-bot/internal/responder"
	"tg-debounce-bot/internal/storage"
)

// ErrClosed is returned by OnMessage after Close
var ErrClosed = errors.New("coordinator is closed")

// Options configures a Coordinator
type Options struct {
	Wait            time.Duration // debounce window
	WordsPerMinute  int
	SystemPrompt    string
	NotifyOnFailure bool
	FailureMessage  string
}

// userEntry is the per-user state. token identifies the only timer allowed
// to dispatch; zero means no timer is armed.
type userEntry struct {
	mu sync.Mutex

	buffer    string
	hasBuffer bool
	target    Target
	timer     *time.Timer
	token     uint64

	// dead entries have been removed from the table and must not be reused
	dead bool
}

func (e *userEntry) empty() bool {
	return !e.hasBuffer && e.target == nil && e.timer == nil
}

// Coordinator buffers each user's messages, waits for a quiet period and
// then dispatches the merged text to the responder, delivering the reply
// through a Pacer under the user's send guard.
type Coordinator struct {
	opts      Options
	store     storage.Store
	responder responder.Completer
	guard     *Guard
	pacer     *Pacer
	metrics   *metrics.Metrics

	mu    sync.Mutex
	users map[int64]*userEntry

	nextToken atomic.Uint64
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. m may be nil.
func New(opts Options, store storage.Store, completer responder.Completer, m *metrics.Metrics) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:      opts,
		store:     store,
		responder: completer,
		guard:     NewGuard(),
		pacer:     NewPacer(opts.WordsPerMinute, m),
		metrics:   m,
		users:     make(map[int64]*userEntry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// lockEntry returns the user's entry, creating it if needed, with its mutex held
func (c *Coordinator) lockEntry(userID int64) *userEntry {
	for {
		c.mu.Lock()
		e, ok := c.users[userID]
		if !ok {
			e = &userEntry{}
			c.users[userID] = e
		}
		c.mu.Unlock()

		e.mu.Lock()
		if !e.dead {
			return e
		}
		e.mu.Unlock()
	}
}

// lockExisting is like lockEntry but never creates an entry
func (c *Coordinator) lockExisting(userID int64) *userEntry {
	c.mu.Lock()
	e, ok := c.users[userID]
	c.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	if e.dead {
		e.mu.Unlock()
		return nil
	}
	return e
}

// unlockEntry releases the entry's mutex, removing the entry from the table
// once nothing is buffered, targeted or scheduled.
func (c *Coordinator) unlockEntry(userID int64, e *userEntry) {
	if e.empty() {
		e.dead = true
		c.mu.Lock()
		if c.users[userID] == e {
			delete(c.users, userID)
		}
		c.mu.Unlock()
	}
	e.mu.Unlock()
}

// OnMessage merges text into the user's pending buffer, records target as
// the reply target and restarts the debounce timer.
func (c *Coordinator) OnMessage(userID int64, text string, target Target) error {
	e := c.lockEntry(userID)
	defer c.unlockEntry(userID, e)

	if c.closed.Load() {
		return ErrClosed
	}

	if e.timer != nil && e.timer.Stop() {
		// the stopped callback will never run
		c.wg.Done()
	}

	if e.hasBuffer {
		e.buffer += "\n\n" + text
	} else {
		e.buffer = text
		e.hasBuffer = true
	}
	e.target = target

	token := c.nextToken.Add(1)
	e.token = token
	c.wg.Add(1)
	e.timer = time.AfterFunc(c.opts.Wait, func() {
		defer c.wg.Done()
		c.fire(userID, token)
	})

	c.metrics.MessageBuffered()
	log.Debugf("Buffered message for user %d (%d chars pending, timer %d)", userID, len(e.buffer), token)
	return nil
}

// current reports whether token is still the user's authoritative timer
func (c *Coordinator) current(userID int64, token uint64) bool {
	e := c.lockExisting(userID)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	return e.token == token
}

// fire runs when a debounce timer expires
func (c *Coordinator) fire(userID int64, token uint64) {
	if !c.current(userID, token) {
		c.metrics.StaleTimer()
		log.Debugf("Timer %d for user %d is stale, skipping", token, userID)
		return
	}
	c.dispatch(userID, token)
}

// Pending returns the user's buffered text and whether a timer is armed
func (c *Coordinator) Pending(userID int64) (string, bool) {
	e := c.lockExisting(userID)
	if e == nil {
		return "", false
	}
	defer e.mu.Unlock()
	return e.buffer, e.timer != nil
}

// Busy reports whether a reply is being delivered to the user
func (c *Coordinator) Busy(userID int64) bool {
	return c.guard.Busy(userID)
}

// Close stops all pending timers, cancels in-flight dispatches and waits
// for them to return. Buffered messages are dropped.
func (c *Coordinator) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()

	c.mu.Lock()
	entries := make(map[int64]*userEntry, len(c.users))
	for userID, e := range c.users {
		entries[userID] = e
	}
	c.mu.Unlock()

	dropped := 0
	for userID, e := range entries {
		e.mu.Lock()
		if e.dead {
			e.mu.Unlock()
			continue
		}
		if e.timer != nil && e.timer.Stop() {
			c.wg.Done()
		}
		if e.hasBuffer {
			dropped++
		}
		e.timer = nil
		e.token = 0
		e.buffer = ""
		e.hasBuffer = false
		e.target = nil
		c.unlockEntry(userID, e)
	}
	if dropped > 0 {
		log.Warnf("Dropped pending messages of %d users on shutdown", dropped)
	}

	c.wg.Wait()
}
