package stream

import (
	"bufio"
	"context"
	"io"
	"strconv"
	"strings"
)

// DoneMarker is the data payload OpenAI-compatible APIs send as the last event
const DoneMarker = "[DONE]"

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	ID    string
	Event string
	Data  string
	Retry int
}

// EventCallback handles one parsed event. Returning an error stops reading.
type EventCallback func(event SSEEvent) error

// ReadEvents parses an event stream from r and invokes callback for every
// event that carries data. It returns nil at EOF.
func ReadEvents(ctx context.Context, r io.Reader, callback EventCallback) error {
	reader := bufio.NewReader(r)
	var event SSEEvent
	hasData := false

	flush := func() error {
		if !hasData {
			event = SSEEvent{}
			return nil
		}
		current := event
		event = SSEEvent{}
		hasData = false
		return callback(current)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return err
		}
		atEOF := err == io.EOF

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			// Empty line indicates end of event
			if ferr := flush(); ferr != nil {
				return ferr
			}
			if atEOF {
				return nil
			}
			continue
		}

		if !strings.HasPrefix(line, ":") {
			field, value := parseField(line)
			switch field {
			case "id":
				event.ID = value
			case "event":
				event.Event = value
			case "data":
				if hasData {
					event.Data += "\n" + value
				} else {
					event.Data = value
					hasData = true
				}
			case "retry":
				if n, err := strconv.Atoi(value); err == nil {
					event.Retry = n
				}
			}
		}

		if atEOF {
			return flush()
		}
	}
}

// parseField splits "field: value". A line without a colon is a field with
// an empty value.
func parseField(line string) (string, string) {
	colonIndex := strings.Index(line, ":")
	if colonIndex == -1 {
		return line, ""
	}
	field := line[:colonIndex]
	value := line[colonIndex+1:]
	return field, strings.TrimPrefix(value, " ")
}
