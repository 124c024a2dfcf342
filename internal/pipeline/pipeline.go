// Package pipeline orchestrates scan-then-forward enforcement around the
// inference call. No request content reaches the backend, and no completion
// content reaches the client, without an allow verdict (or an explicit
// fail-open passage after a scanner failure).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ollamashield/ollamashield/internal/audit"
	"github.com/ollamashield/ollamashield/internal/domain"
	"github.com/ollamashield/ollamashield/internal/server"
	"github.com/ollamashield/ollamashield/internal/telemetry"
	"github.com/ollamashield/ollamashield/internal/tokens"
	"github.com/ollamashield/ollamashield/internal/upstream/ollama"
)

// Endpoint labels for metrics and audit records.
const (
	EndpointChat     = "chat"
	EndpointGenerate = "generate"
)

// Scanner classifies one piece of text. Implemented by scanner.Client.
type Scanner interface {
	Scan(ctx context.Context, req domain.ScanRequest) (*domain.Verdict, error)
}

// Upstream is the inference backend. Implemented by ollama.Client.
type Upstream interface {
	Chat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error)
	ChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan ollama.ChatStreamResult, error)
	Generate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResponse, error)
	GenerateStream(ctx context.Context, req *domain.GenerateRequest) (<-chan ollama.GenerateStreamResult, error)
}

// Config assembles a Pipeline.
type Config struct {
	Scanner  Scanner
	Upstream Upstream
	Audit    audit.Store
	Metrics  *telemetry.Metrics
	Logger   *slog.Logger
	// ScanResponses enables completion-side scanning.
	ScanResponses bool
	// FailOpen permits passage when the scanner is unreachable.
	FailOpen bool
	// FlushBytes caps the streaming scan window size.
	FlushBytes int
}

// Pipeline enforces security policy around inference calls. Safe for
// concurrent use; per-request state lives on the stack of each call.
type Pipeline struct {
	scanner       Scanner
	upstream      Upstream
	store         audit.Store
	metrics       *telemetry.Metrics
	estimator     *tokens.Estimator
	logger        *slog.Logger
	scanResponses bool
	failOpen      bool
	flushBytes    int
}

// New creates a pipeline. Scanner and Upstream are required.
func New(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := cfg.Audit
	if store == nil {
		store = audit.NewMemoryStore()
	}

	return &Pipeline{
		scanner:       cfg.Scanner,
		upstream:      cfg.Upstream,
		store:         store,
		metrics:       cfg.Metrics,
		estimator:     tokens.NewEstimator(),
		logger:        logger,
		scanResponses: cfg.ScanResponses,
		failOpen:      cfg.FailOpen,
		flushBytes:    cfg.FlushBytes,
	}
}

// EnforceChat runs a buffered chat request through the pipeline.
func (p *Pipeline) EnforceChat(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	t := newTracker()
	t.to(StateScanningPrompt)

	msgs, err := p.scanChatPrompt(ctx, req)
	if err != nil {
		p.finish(t, err)
		return nil, err
	}

	t.to(StateForwarding)
	fwd := *req
	fwd.Messages = msgs

	start := time.Now()
	resp, err := p.upstream.Chat(ctx, &fwd)
	p.metrics.RecordUpstream(EndpointChat, time.Since(start))
	if err != nil {
		p.finish(t, err)
		return nil, err
	}
	p.logBackendMetrics(EndpointChat, resp.EvalCount, resp.EvalDuration, resp.TotalDuration)

	if p.scanResponses {
		t.to(StateScanningResponse)
		verdict, err := p.scanContent(ctx, resp.Message.Content, domain.DirectionCompletion, req.Model, EndpointChat)
		if err != nil {
			p.finish(t, err)
			return nil, err
		}
		if !verdict.Allowed() {
			t.to(StateBlocked)
			t.to(StateDone)
			return nil, domain.ErrBlocked("response blocked by security policy", verdict.Reason)
		}
		if verdict.Masked {
			resp.Message.Content = verdict.MaskedContent
		}
	}

	t.to(StateRelaying)
	t.to(StateDone)
	return resp, nil
}

// EnforceGenerate runs a buffered generate request through the pipeline.
func (p *Pipeline) EnforceGenerate(ctx context.Context, req *domain.GenerateRequest) (*domain.GenerateResponse, error) {
	t := newTracker()
	t.to(StateScanningPrompt)

	prompt, err := p.scanGeneratePrompt(ctx, req)
	if err != nil {
		p.finish(t, err)
		return nil, err
	}

	t.to(StateForwarding)
	fwd := *req
	fwd.Prompt = prompt

	start := time.Now()
	resp, err := p.upstream.Generate(ctx, &fwd)
	p.metrics.RecordUpstream(EndpointGenerate, time.Since(start))
	if err != nil {
		p.finish(t, err)
		return nil, err
	}
	p.logBackendMetrics(EndpointGenerate, resp.EvalCount, resp.EvalDuration, resp.TotalDuration)

	if p.scanResponses {
		t.to(StateScanningResponse)
		verdict, err := p.scanContent(ctx, resp.Response, domain.DirectionCompletion, req.Model, EndpointGenerate)
		if err != nil {
			p.finish(t, err)
			return nil, err
		}
		if !verdict.Allowed() {
			t.to(StateBlocked)
			t.to(StateDone)
			return nil, domain.ErrBlocked("response blocked by security policy", verdict.Reason)
		}
		if verdict.Masked {
			resp.Response = verdict.MaskedContent
		}
	}

	t.to(StateRelaying)
	t.to(StateDone)
	return resp, nil
}

// ChatStreamEvent is one relayed chunk or a terminal error.
type ChatStreamEvent struct {
	Chunk *domain.ChatResponse
	Err   error
}

// GenerateStreamEvent is one relayed chunk or a terminal error.
type GenerateStreamEvent struct {
	Chunk *domain.GenerateResponse
	Err   error
}

// EnforceChatStream runs a streaming chat request. The prompt scan completes
// before the backend is contacted. Completion text is scanned in windows;
// chunks are held back until their window is allowed. On a block the stream
// ends with a final refusal chunk and the backend call is cancelled.
func (p *Pipeline) EnforceChatStream(ctx context.Context, req *domain.ChatRequest) (<-chan ChatStreamEvent, error) {
	t := newTracker()
	t.to(StateScanningPrompt)

	msgs, err := p.scanChatPrompt(ctx, req)
	if err != nil {
		p.finish(t, err)
		return nil, err
	}

	t.to(StateForwarding)
	fwd := *req
	fwd.Messages = msgs

	streamCtx, cancel := context.WithCancel(ctx)
	events, err := p.upstream.ChatStream(streamCtx, &fwd)
	if err != nil {
		cancel()
		p.finish(t, err)
		return nil, err
	}

	out := make(chan ChatStreamEvent)
	go func() {
		defer close(out)
		defer cancel()

		send := func(ev ChatStreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := NewAccumulator(p.flushBytes)
		var pending []*domain.ChatResponse
		relaying := false

		relayPending := func() bool {
			for _, c := range pending {
				if !send(ChatStreamEvent{Chunk: c}) {
					return false
				}
			}
			pending = pending[:0]
			return true
		}

		for ev := range events {
			if ev.Err != nil {
				t.to(StateDone)
				send(ChatStreamEvent{Err: ev.Err})
				return
			}
			chunk := ev.Chunk

			if !p.scanResponses {
				if !relaying {
					t.to(StateRelaying)
					relaying = true
				}
				if !send(ChatStreamEvent{Chunk: chunk}) {
					return
				}
				if chunk.Done {
					p.logBackendMetrics(EndpointChat, chunk.EvalCount, chunk.EvalDuration, chunk.TotalDuration)
				}
				continue
			}

			acc.Add(chunk.Message.Content)
			pending = append(pending, chunk)

			if !chunk.Done && !acc.ShouldFlush() {
				continue
			}

			t.to(StateScanningResponse)
			verdict, err := p.scanContent(streamCtx, acc.Flush(), domain.DirectionCompletion, req.Model, EndpointChat)
			if err != nil {
				t.to(StateDone)
				send(ChatStreamEvent{Err: err})
				return
			}
			if !verdict.Allowed() {
				t.to(StateBlocked)
				t.to(StateDone)
				send(ChatStreamEvent{Chunk: blockedChatChunk(req.Model, verdict.Reason)})
				return
			}

			t.to(StateRelaying)
			relaying = true
			if !relayPending() {
				return
			}
			if chunk.Done {
				p.logBackendMetrics(EndpointChat, chunk.EvalCount, chunk.EvalDuration, chunk.TotalDuration)
			}
		}

		t.to(StateDone)
	}()

	return out, nil
}

// EnforceGenerateStream is the generate-side counterpart of
// EnforceChatStream.
func (p *Pipeline) EnforceGenerateStream(ctx context.Context, req *domain.GenerateRequest) (<-chan GenerateStreamEvent, error) {
	t := newTracker()
	t.to(StateScanningPrompt)

	prompt, err := p.scanGeneratePrompt(ctx, req)
	if err != nil {
		p.finish(t, err)
		return nil, err
	}

	t.to(StateForwarding)
	fwd := *req
	fwd.Prompt = prompt

	streamCtx, cancel := context.WithCancel(ctx)
	events, err := p.upstream.GenerateStream(streamCtx, &fwd)
	if err != nil {
		cancel()
		p.finish(t, err)
		return nil, err
	}

	out := make(chan GenerateStreamEvent)
	go func() {
		defer close(out)
		defer cancel()

		send := func(ev GenerateStreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		acc := NewAccumulator(p.flushBytes)
		var pending []*domain.GenerateResponse
		relaying := false

		relayPending := func() bool {
			for _, c := range pending {
				if !send(GenerateStreamEvent{Chunk: c}) {
					return false
				}
			}
			pending = pending[:0]
			return true
		}

		for ev := range events {
			if ev.Err != nil {
				t.to(StateDone)
				send(GenerateStreamEvent{Err: ev.Err})
				return
			}
			chunk := ev.Chunk

			if !p.scanResponses {
				if !relaying {
					t.to(StateRelaying)
					relaying = true
				}
				if !send(GenerateStreamEvent{Chunk: chunk}) {
					return
				}
				if chunk.Done {
					p.logBackendMetrics(EndpointGenerate, chunk.EvalCount, chunk.EvalDuration, chunk.TotalDuration)
				}
				continue
			}

			acc.Add(chunk.Response)
			pending = append(pending, chunk)

			if !chunk.Done && !acc.ShouldFlush() {
				continue
			}

			t.to(StateScanningResponse)
			verdict, err := p.scanContent(streamCtx, acc.Flush(), domain.DirectionCompletion, req.Model, EndpointGenerate)
			if err != nil {
				t.to(StateDone)
				send(GenerateStreamEvent{Err: err})
				return
			}
			if !verdict.Allowed() {
				t.to(StateBlocked)
				t.to(StateDone)
				send(GenerateStreamEvent{Chunk: blockedGenerateChunk(req.Model, verdict.Reason)})
				return
			}

			t.to(StateRelaying)
			relaying = true
			if !relayPending() {
				return
			}
			if chunk.Done {
				p.logBackendMetrics(EndpointGenerate, chunk.EvalCount, chunk.EvalDuration, chunk.TotalDuration)
			}
		}

		t.to(StateDone)
	}()

	return out, nil
}

// scanChatPrompt scans every non-empty message and returns the message list
// with any masked content substituted.
func (p *Pipeline) scanChatPrompt(ctx context.Context, req *domain.ChatRequest) ([]domain.Message, error) {
	msgs := make([]domain.Message, len(req.Messages))
	copy(msgs, req.Messages)

	for i := range msgs {
		verdict, err := p.scanContent(ctx, msgs[i].Content, domain.DirectionPrompt, req.Model, EndpointChat)
		if err != nil {
			return nil, err
		}
		if !verdict.Allowed() {
			return nil, domain.ErrBlocked("prompt blocked by security policy", verdict.Reason)
		}
		if verdict.Masked {
			msgs[i].Content = verdict.MaskedContent
		}
	}
	return msgs, nil
}

// scanGeneratePrompt scans the prompt and returns it with masked content
// substituted.
func (p *Pipeline) scanGeneratePrompt(ctx context.Context, req *domain.GenerateRequest) (string, error) {
	verdict, err := p.scanContent(ctx, req.Prompt, domain.DirectionPrompt, req.Model, EndpointGenerate)
	if err != nil {
		return "", err
	}
	if !verdict.Allowed() {
		return "", domain.ErrBlocked("prompt blocked by security policy", verdict.Reason)
	}
	if verdict.Masked {
		return verdict.MaskedContent, nil
	}
	return req.Prompt, nil
}

// scanContent runs one scan under the configured fail policy. Empty content
// is a no-op that always allows: there is nothing to inspect.
func (p *Pipeline) scanContent(ctx context.Context, content string, direction domain.Direction, model, endpoint string) (*domain.Verdict, error) {
	if strings.TrimSpace(content) == "" {
		return &domain.Verdict{Action: domain.ActionAllow}, nil
	}

	requestID := server.GetRequestID(ctx)
	start := time.Now()
	verdict, err := p.scanner.Scan(ctx, domain.ScanRequest{
		Content:   content,
		Direction: direction,
		Model:     model,
		TrID:      requestID,
	})
	elapsed := time.Since(start)

	if err != nil {
		// Client disconnects are not scanner faults; no policy applies.
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return nil, err
		}

		p.metrics.RecordScan(direction, "scanner_error", elapsed)
		p.recordAudit(ctx, &audit.Record{
			RequestID:  requestID,
			Endpoint:   endpoint,
			Model:      model,
			Direction:  direction,
			Action:     "scanner_error",
			Reason:     err.Error(),
			Tokens:     p.estimator.Count(content),
			DurationMS: elapsed.Milliseconds(),
		})

		if p.failOpen {
			p.metrics.RecordFailOpen()
			p.logger.Warn("scanner unavailable, failing open",
				slog.String("request_id", requestID),
				slog.String("direction", string(direction)),
				slog.String("error", err.Error()),
			)
			return &domain.Verdict{Action: domain.ActionAllow, Category: "scanner_error"}, nil
		}

		return nil, domain.ErrSecurityUnavailable(fmt.Sprintf("security scan unavailable: %v", err))
	}

	p.metrics.RecordScan(direction, string(verdict.Action), elapsed)
	p.recordAudit(ctx, &audit.Record{
		RequestID:  requestID,
		Endpoint:   endpoint,
		Model:      model,
		Direction:  direction,
		Action:     string(verdict.Action),
		Category:   verdict.Category,
		Reason:     verdict.Reason,
		Tokens:     p.estimator.Count(content),
		DurationMS: elapsed.Milliseconds(),
	})

	if !verdict.Allowed() {
		p.logger.Info("content blocked",
			slog.String("request_id", requestID),
			slog.String("direction", string(direction)),
			slog.String("reason", verdict.Reason),
		)
	}

	return verdict, nil
}

func (p *Pipeline) recordAudit(ctx context.Context, rec *audit.Record) {
	if err := p.store.Record(ctx, rec); err != nil {
		p.logger.Error("failed to record scan audit event", slog.String("error", err.Error()))
	}
}

// finish drives the tracker to its terminal state on an error exit.
func (p *Pipeline) finish(t *tracker, err error) {
	if apiErr, ok := domain.AsAPIError(err); ok && apiErr.Type == domain.ErrorTypeBlocked {
		t.to(StateBlocked)
	}
	t.to(StateDone)
}

// logBackendMetrics surfaces the backend's eval counters at debug level.
func (p *Pipeline) logBackendMetrics(endpoint string, evalCount int, evalDuration, totalDuration int64) {
	if evalCount == 0 {
		return
	}
	attrs := []any{
		slog.String("endpoint", endpoint),
		slog.Int("eval_count", evalCount),
		slog.Int64("total_duration_ms", totalDuration/int64(time.Millisecond)),
	}
	if evalDuration > 0 {
		tokensPerSec := float64(evalCount) / (float64(evalDuration) / float64(time.Second))
		attrs = append(attrs, slog.Float64("tokens_per_second", tokensPerSec))
	}
	p.logger.Debug("backend eval metrics", attrs...)
}

func blockedChatChunk(model, reason string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Model:      model,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Message:    domain.Message{Role: "assistant", Content: violationMessage(reason)},
		Done:       true,
		DoneReason: "blocked",
	}
}

func blockedGenerateChunk(model, reason string) *domain.GenerateResponse {
	return &domain.GenerateResponse{
		Model:      model,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Response:   violationMessage(reason),
		Done:       true,
		DoneReason: "blocked",
	}
}

func violationMessage(reason string) string {
	if reason == "" {
		return "This content was blocked by the security policy."
	}
	return "This content was blocked by the security policy: " + reason + "."
}
