package coordinator

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"tg-debounce-bot/internal/metrics"
	"tg-debounce-bot/internal/responder"
	"tg-debounce-bot/internal/storage"
)

// dispatch processes the buffer claimed by the timer identified by token.
// Failures are logged and never propagate out of the timer goroutine.
func (c *Coordinator) dispatch(userID int64, token uint64) {
	logger := log.WithFields(log.Fields{
		"dispatch": uuid.NewString(),
		"user":     userID,
	})

	// Held until the reply has been paced out, so a second buffer for the
	// same user waits here before touching history.
	release, err := c.guard.Acquire(c.ctx, userID)
	if err != nil {
		logger.Debugf("Gave up waiting for previous delivery: %v", err)
		c.metrics.Dispatch(metrics.ResultDropped)
		return
	}
	defer release()
	defer c.metrics.DeliveryStarted()()

	text, target, ok := c.take(userID, token)
	if !ok {
		logger.Debugf("Buffer for timer %d was superseded or cleared while waiting", token)
		c.metrics.Dispatch(metrics.ResultDropped)
		return
	}
	logger.Infof("Dispatching %d chars", len(text))

	if err := c.store.Append(userID, storage.RoleUser, text); err != nil {
		logger.Errorf("Failed to append user message to history: %v", err)
		c.fail(logger, target, metrics.ResultHistoryError)
		return
	}

	prompt, err := c.prompt(userID)
	if err != nil {
		logger.Errorf("Failed to load history: %v", err)
		c.fail(logger, target, metrics.ResultHistoryError)
		return
	}

	startTime := time.Now()
	reply, err := c.responder.Complete(c.ctx, prompt)
	elapsed := time.Since(startTime)
	c.metrics.ObserveResponder(elapsed)
	if err != nil && c.ctx.Err() != nil {
		logger.Infof("Responder call abandoned on shutdown after %v", elapsed)
		c.metrics.Dispatch(metrics.ResultDropped)
		return
	}
	if err != nil {
		logger.Errorf("Responder failed after %v: %v", elapsed, err)
		c.fail(logger, target, metrics.ResultResponderError)
		return
	}
	logger.Infof("Responder answered in %v (%d chars)", elapsed, len(reply))

	if err := c.store.Append(userID, storage.RoleAssistant, reply); err != nil {
		// The reply is still delivered; only the history entry is lost.
		logger.Errorf("Failed to append assistant reply to history: %v", err)
	}

	if err := c.pacer.Deliver(c.ctx, target, reply); err != nil {
		if c.ctx.Err() != nil {
			logger.Infof("Delivery abandoned on shutdown")
			c.metrics.Dispatch(metrics.ResultDropped)
			return
		}
		logger.Errorf("Delivery aborted: %v", err)
		c.metrics.Dispatch(metrics.ResultDeliveryError)
		return
	}
	c.metrics.Dispatch(metrics.ResultOK)
	logger.Debugf("Delivery finished")
}

// take claims the user's buffer and reply target if token is still current.
// The timer bookkeeping is cleared in the same step so a newer timer's
// state is never touched.
func (c *Coordinator) take(userID int64, token uint64) (string, Target, bool) {
	e := c.lockExisting(userID)
	if e == nil {
		return "", nil, false
	}
	defer c.unlockEntry(userID, e)

	if !e.hasBuffer || e.token != token {
		return "", nil, false
	}

	// the claiming timer has normally fired already
	if e.timer != nil && e.timer.Stop() {
		c.wg.Done()
	}

	text, target := e.buffer, e.target
	e.buffer = ""
	e.hasBuffer = false
	e.target = nil
	e.timer = nil
	e.token = 0
	return text, target, true
}

// prompt is the system instruction followed by the user's full history
func (c *Coordinator) prompt(userID int64) ([]responder.Message, error) {
	history, err := c.store.History(userID)
	if err != nil {
		return nil, err
	}

	messages := make([]responder.Message, 0, len(history)+1)
	if c.opts.SystemPrompt != "" {
		messages = append(messages, responder.Message{Role: storage.RoleSystem, Content: c.opts.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, responder.Message{Role: m.Role, Content: m.Content})
	}
	return messages, nil
}

// fail records the failure and optionally tells the user
func (c *Coordinator) fail(logger *log.Entry, target Target, result string) {
	c.metrics.Dispatch(result)
	if !c.opts.NotifyOnFailure || c.opts.FailureMessage == "" || target == nil {
		return
	}
	if q, ok := target.(Quiet); ok && q.Quiet() {
		return
	}
	if err := target.Reply(c.ctx, c.opts.FailureMessage); err != nil {
		logger.Warnf("Failed to send failure notice: %v", err)
	}
}
