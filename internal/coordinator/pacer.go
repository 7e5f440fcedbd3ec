package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"tg-debounce-bot/internal/metrics"
)

// Target is where a user's replies go
type Target interface {
	Reply(ctx context.Context, text string) error
}

// Typer is implemented by targets that can show a "typing…" chat action
type Typer interface {
	Typing(ctx context.Context) error
}

// Quiet is implemented by targets that must not receive failure notices
type Quiet interface {
	Quiet() bool
}

// typingInterval refreshes the chat action before Telegram expires it (~5s)
const typingInterval = 4 * time.Second

// Split breaks text into paragraphs on blank lines. Whitespace-only
// paragraphs are dropped. A fenced code block stays in one paragraph even
// when it contains blank lines.
func Split(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	var paragraphs []string
	var current []string
	flush := func() {
		if p := strings.TrimSpace(strings.Join(current, "\n")); p != "" {
			paragraphs = append(paragraphs, p)
		}
		current = current[:0]
	}

	inFence := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if trimmed == "" && !inFence {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return paragraphs
}

// Pacer sends a reply paragraph by paragraph, waiting in proportion to each
// paragraph's word count.
type Pacer struct {
	wordsPerMinute int
	metrics        *metrics.Metrics
}

// NewPacer creates a pacer. wordsPerMinute <= 0 sends without delay.
func NewPacer(wordsPerMinute int, m *metrics.Metrics) *Pacer {
	return &Pacer{wordsPerMinute: wordsPerMinute, metrics: m}
}

// Delay returns words / WPM minutes for the paragraph
func (p *Pacer) Delay(paragraph string) time.Duration {
	if p.wordsPerMinute <= 0 {
		return 0
	}
	words := len(strings.Fields(paragraph))
	if words == 0 {
		return 0
	}
	return time.Duration(words) * time.Minute / time.Duration(p.wordsPerMinute)
}

// Deliver sends the paragraphs of text in order. The first send error or
// ctx cancellation stops delivery and is returned.
func (p *Pacer) Deliver(ctx context.Context, target Target, text string) error {
	paragraphs := Split(text)
	for i, paragraph := range paragraphs {
		if err := p.wait(ctx, target, p.Delay(paragraph)); err != nil {
			return err
		}
		if err := target.Reply(ctx, paragraph); err != nil {
			return fmt.Errorf("failed to send paragraph %d/%d: %w", i+1, len(paragraphs), err)
		}
		p.metrics.ParagraphSent()
	}
	return nil
}

// wait sleeps for d, keeping the typing indicator alive when the target
// supports it.
func (p *Pacer) wait(ctx context.Context, target Target, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var tick <-chan time.Time
	typer, canType := target.(Typer)
	if canType {
		sendTyping(ctx, typer)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case <-tick:
			sendTyping(ctx, typer)
		}
	}
}

func sendTyping(ctx context.Context, typer Typer) {
	if err := typer.Typing(ctx); err != nil {
		log.Debugf("Failed to send typing action: %v", err)
	}
}
