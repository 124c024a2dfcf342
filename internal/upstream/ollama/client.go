// Package ollama is an HTTP client for the inference backend's native API.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ollamashield/ollamashield/internal/domain"
)

const (
	chatPath     = "/api/chat"
	generatePath = "/api/generate"
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// Client talks to an Ollama server. Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Chat sends a buffered chat request. The stream flag is forced off so the
// backend returns a single response body.
func (c *Client) Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	off := false
	buffered := *req
	buffered.Stream = &off

	var result domain.ChatResponse
	if err := c.post(ctx, chatPath, &buffered, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Generate sends a buffered generate request.
func (c *Client) Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResponse, error) {
	off := false
	buffered := *req
	buffered.Stream = &off

	var result domain.GenerateResponse
	if err := c.post(ctx, generatePath, &buffered, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ChatStreamResult wraps one chunk or a terminal error from a chat stream.
type ChatStreamResult struct {
	Chunk *domain.ChatResponse
	Err   error
}

// GenerateStreamResult wraps one chunk or a terminal error from a generate
// stream.
type GenerateStreamResult struct {
	Chunk *domain.GenerateResponse
	Err   error
}

// ChatStream opens a streaming chat request and returns a channel of chunks.
// The channel is closed after the final chunk or a terminal error. A dropped
// connection mid-stream surfaces as an error and is never retried here:
// partial completions must not be silently resumed.
func (c *Client) ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan ChatStreamResult, error) {
	on := true
	streamed := *req
	streamed.Stream = &on

	body, err := c.openStream(ctx, chatPath, &streamed)
	if err != nil {
		return nil, err
	}

	out := make(chan ChatStreamResult)
	go func() {
		defer close(out)
		streamLines(ctx, body, func(line []byte) error {
			var chunk domain.ChatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				return fmt.Errorf("unmarshal chat chunk: %w", err)
			}
			select {
			case out <- ChatStreamResult{Chunk: &chunk}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(err error) {
			select {
			case out <- ChatStreamResult{Err: err}:
			case <-ctx.Done():
			}
		})
	}()
	return out, nil
}

// GenerateStream opens a streaming generate request.
func (c *Client) GenerateStream(ctx context.Context, req *domain.GenerateRequest) (<-chan GenerateStreamResult, error) {
	on := true
	streamed := *req
	streamed.Stream = &on

	body, err := c.openStream(ctx, generatePath, &streamed)
	if err != nil {
		return nil, err
	}

	out := make(chan GenerateStreamResult)
	go func() {
		defer close(out)
		streamLines(ctx, body, func(line []byte) error {
			var chunk domain.GenerateResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				return fmt.Errorf("unmarshal generate chunk: %w", err)
			}
			select {
			case out <- GenerateStreamResult{Chunk: &chunk}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(err error) {
			select {
			case out <- GenerateStreamResult{Err: err}:
			case <-ctx.Done():
			}
		})
	}()
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return domain.ErrUpstream(fmt.Sprintf("backend request failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.ErrUpstream(fmt.Sprintf("read backend response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		return backendError(resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, respBody); err != nil {
		return domain.ErrUpstream(fmt.Sprintf("unmarshal backend response: %v", err))
	}
	return nil
}

func (c *Client) openStream(ctx context.Context, path string, reqBody any) (io.ReadCloser, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, domain.ErrUpstream(fmt.Sprintf("backend request failed: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, backendError(resp.StatusCode, raw)
	}

	return resp.Body, nil
}

// streamLines reads NDJSON lines from body until EOF, a read error, or a
// handler error. Ollama streams one JSON object per line.
func streamLines(ctx context.Context, body io.ReadCloser, onLine func([]byte) error, onErr func(error)) {
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := onLine(line); err != nil {
			if ctx.Err() == nil {
				onErr(err)
			}
			return
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		onErr(domain.ErrUpstream(fmt.Sprintf("stream read error: %v", err)))
	}
}

func backendError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var wire struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		msg = wire.Error
	}
	return domain.ErrUpstream(fmt.Sprintf("backend status %d: %s", status, msg))
}
