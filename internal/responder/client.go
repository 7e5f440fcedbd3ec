package responder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Message is one chat message sent to the completions API
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces a reply for a prompt
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Options configures a Client
type Options struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	MaxRetries  int
	Stream      bool
	BaseDelay   time.Duration // first retry delay, doubled per attempt

	// HTTPClient overrides the default client (tests, custom transports)
	HTTPClient *http.Client
}

// Client talks to an OpenAI-compatible chat completions endpoint
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	temperature float64
	maxRetries  int
	stream      bool
	baseDelay   time.Duration
	client      *http.Client
}

// ErrEmptyContent is returned when the API answers without any text
var ErrEmptyContent = errors.New("empty content from responder")

// APIError is a non-2xx answer from the completions API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("responder API request failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("responder API error (status %d): %s", e.StatusCode, e.Message)
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason,omitempty"`
		Message      struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// NewClient creates a new responder client
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
		}
		httpClient = &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		}
	}

	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 400 * time.Millisecond
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &Client{
		endpoint:    strings.TrimRight(opts.URL, "/") + "/chat/completions",
		apiKey:      opts.APIKey,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxRetries:  maxRetries,
		stream:      opts.Stream,
		baseDelay:   baseDelay,
		client:      httpClient,
	}
}

// Complete sends the prompt and returns the first choice's content, retrying
// transient failures with exponential backoff.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		startTime := time.Now()
		var out string
		var err error
		if c.stream {
			out, err = c.completeStream(ctx, messages)
		} else {
			out, err = c.completeOnce(ctx, messages)
		}
		elapsed := time.Since(startTime)

		if err == nil {
			log.Debugf("Responder answered in %v (attempt %d/%d, %d chars)", elapsed, attempt, attempts, len(out))
			return out, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if attempt == attempts || !IsRetryable(err) {
			break
		}

		waitTime := backoffWithJitter(c.baseDelay, attempt)
		log.Warnf("Responder request failed after %v (attempt %d/%d), retrying in %v: %v",
			elapsed, attempt, attempts, waitTime, err)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(waitTime):
		}
	}
	return "", lastErr
}

func (c *Client) completeOnce(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.request(ctx, chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
	}, "application/json")
	if err != nil {
		return "", err
	}

	var out chatResponse
	if err := decodeResponse(resp, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyContent
	}
	content := strings.TrimSpace(out.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}

// request makes an HTTP request to the completions endpoint
func (c *Client) request(ctx context.Context, body chatRequest, accept string) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debugf("Making POST request to %s (model %s, %d messages)", c.endpoint, body.Model, len(body.Messages))
	return c.client.Do(req)
}

// decodeResponse decodes the JSON response, turning error statuses into APIError
func decodeResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// checkStatus reads the body of a failed response into an APIError.
// The body is left untouched for successful responses.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
}

// IsRetryable reports whether a failed call is worth repeating: network
// timeouts and resets, rate limiting, server errors and empty answers.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrEmptyContent) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "network is unreachable")
}

// backoffWithJitter returns base * 2^(attempt-1), capped, with jitter in [0.7, 1.3]
func backoffWithJitter(base time.Duration, attempt int) time.Duration {
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(base) * mult)
	const capDelay = 6 * time.Second
	if d > capDelay {
		d = capDelay
	}
	j := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(d) * j)
}
