package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ollamashield/ollamashield/internal/config"
	"github.com/ollamashield/ollamashield/internal/domain"
	"github.com/ollamashield/ollamashield/internal/upstream/ollama"
)

type stubScanner struct {
	verdict func(req domain.ScanRequest) (*domain.Verdict, error)
}

func (s *stubScanner) Scan(_ context.Context, req domain.ScanRequest) (*domain.Verdict, error) {
	if s.verdict != nil {
		return s.verdict(req)
	}
	return &domain.Verdict{Action: domain.ActionAllow}, nil
}

type stubUpstream struct {
	chatResp *domain.ChatResponse
}

func (u *stubUpstream) Chat(context.Context, *domain.ChatRequest) (*domain.ChatResponse, error) {
	return u.chatResp, nil
}

func (u *stubUpstream) Generate(context.Context, *domain.GenerateRequest) (*domain.GenerateResponse, error) {
	return &domain.GenerateResponse{Model: "llama3", Response: "ok", Done: true}, nil
}

func (u *stubUpstream) ChatStream(ctx context.Context, _ *domain.ChatRequest) (<-chan ollama.ChatStreamResult, error) {
	out := make(chan ollama.ChatStreamResult)
	go func() {
		defer close(out)
		out <- ollama.ChatStreamResult{Chunk: u.chatResp}
	}()
	return out, nil
}

func (u *stubUpstream) GenerateStream(ctx context.Context, _ *domain.GenerateRequest) (<-chan ollama.GenerateStreamResult, error) {
	out := make(chan ollama.GenerateStreamResult)
	go func() {
		defer close(out)
		out <- ollama.GenerateStreamResult{Chunk: &domain.GenerateResponse{Done: true}}
	}()
	return out, nil
}

func testGatewayConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:          "127.0.0.1",
			Port:          0,
			DebugLevel:    "ERROR",
			MaxConcurrent: 16,
		},
		Ollama: config.OllamaConfig{BaseURL: "http://127.0.0.1:1"},
		Security: config.SecurityConfig{
			BaseURL:     "http://127.0.0.1:1",
			APIKey:      "token",
			ProfileName: "profile",
			AppName:     "test",
			AppUser:     "test",
			Timeout:     "1s",
			MaxRetries:  0,
		},
	}
}

func startGateway(t *testing.T, scanner *stubScanner, upstream *stubUpstream) *Gateway {
	t.Helper()

	g, err := New(
		WithConfig(testGatewayConfig()),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithScanner(scanner),
		WithUpstream(upstream),
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := g.Start(); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		g.Shutdown(ctx)
	})
	return g
}

func TestGatewayEndToEndAllow(t *testing.T) {
	upstream := &stubUpstream{chatResp: &domain.ChatResponse{
		Model:   "llama3",
		Message: domain.Message{Role: "assistant", Content: "hi there"},
		Done:    true,
	}}
	g := startGateway(t, &stubScanner{}, upstream)

	resp, err := http.Post("http://"+g.Addr()+"/api/chat", "application/json",
		strings.NewReader(`{"model":"llama3","stream":false,"messages":[{"role":"user","content":"hello"}]}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var body domain.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message.Content != "hi there" {
		t.Errorf("content = %q", body.Message.Content)
	}
}

func TestGatewayEndToEndBlock(t *testing.T) {
	scanner := &stubScanner{verdict: func(req domain.ScanRequest) (*domain.Verdict, error) {
		return &domain.Verdict{Action: domain.ActionBlock, Reason: "injection"}, nil
	}}
	g := startGateway(t, scanner, &stubUpstream{})

	resp, err := http.Post("http://"+g.Addr()+"/api/chat", "application/json",
		strings.NewReader(`{"model":"llama3","stream":false,"messages":[{"role":"user","content":"bad"}]}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	var body struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Type != "blocked" || body.Error.Reason != "injection" {
		t.Errorf("error body = %+v", body.Error)
	}
}

func TestGatewayHealthAndMetrics(t *testing.T) {
	g := startGateway(t, &stubScanner{}, &stubUpstream{
		chatResp: &domain.ChatResponse{Done: true},
	})

	resp, err := http.Get("http://" + g.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	// Drive one request so counters exist, then scrape.
	post, err := http.Post("http://"+g.Addr()+"/api/chat", "application/json",
		strings.NewReader(`{"model":"llama3","stream":false,"messages":[{"role":"user","content":"hello"}]}`))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	post.Body.Close()

	metrics, err := http.Get("http://" + g.Addr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer metrics.Body.Close()

	raw, _ := io.ReadAll(metrics.Body)
	if !strings.Contains(string(raw), "ollamashield_requests_total") {
		t.Error("request counter missing from scrape")
	}
	if !strings.Contains(string(raw), "ollamashield_scan_verdicts_total") {
		t.Error("verdict counter missing from scrape")
	}
}

func TestGatewayRequiresConfig(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestGatewayDoubleStart(t *testing.T) {
	g := startGateway(t, &stubScanner{}, &stubUpstream{chatResp: &domain.ChatResponse{Done: true}})

	if err := g.Start(); err == nil {
		t.Fatal("second Start must fail")
	}
}

func TestGatewayShutdownIdempotentStore(t *testing.T) {
	g := startGateway(t, &stubScanner{}, &stubUpstream{chatResp: &domain.ChatResponse{Done: true}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}

	// The listener must be gone.
	if _, err := http.Get("http://" + g.Addr() + "/healthz"); err == nil {
		t.Error("server still reachable after shutdown")
	}
}
