package responder

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"tg-debounce-bot/internal/stream"
)

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

var errStreamDone = errors.New("stream done")

// completeStream requests a streamed completion and concatenates the deltas
func (c *Client) completeStream(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.request(ctx, chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		Stream:      true,
	}, "text/event-stream")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	var content strings.Builder
	err = stream.ReadEvents(ctx, resp.Body, func(event stream.SSEEvent) error {
		data := strings.TrimSpace(event.Data)
		if data == stream.DoneMarker {
			return errStreamDone
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Debugf("Skipping undecodable stream chunk: %v", err)
			return nil
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return "", err
	}

	out := strings.TrimSpace(content.String())
	if out == "" {
		return "", ErrEmptyContent
	}
	return out, nil
}
