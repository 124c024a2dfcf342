// Package domain defines the wire types the gateway exchanges with Ollama
// clients and the scan types shared between the pipeline and the scanner.
package domain

// Message is a single chat turn in the Ollama chat API.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the Ollama /api/chat request body.
type ChatRequest struct {
	Model     string         `json:"model"`
	Messages  []Message      `json:"messages"`
	Stream    *bool          `json:"stream,omitempty"`
	Format    string         `json:"format,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

// Streaming reports whether the client asked for a streamed response.
// Ollama streams by default when the flag is absent.
func (r *ChatRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// ChatResponse is a single Ollama /api/chat response, or one chunk of a
// streamed response. The eval fields are only populated on the final chunk.
type ChatResponse struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

// GenerateRequest is the Ollama /api/generate request body.
type GenerateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	System    string         `json:"system,omitempty"`
	Stream    *bool          `json:"stream,omitempty"`
	Raw       bool           `json:"raw,omitempty"`
	Context   []int          `json:"context,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

// Streaming reports whether the client asked for a streamed response.
func (r *GenerateRequest) Streaming() bool {
	return r.Stream == nil || *r.Stream
}

// GenerateResponse is a single Ollama /api/generate response or stream chunk.
type GenerateResponse struct {
	Model      string `json:"model"`
	CreatedAt  string `json:"created_at"`
	Response   string `json:"response"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason,omitempty"`
	Context    []int  `json:"context,omitempty"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

// Direction says which side of the inference call a scan inspects.
type Direction string

const (
	// DirectionPrompt inspects content on its way to the model.
	DirectionPrompt Direction = "prompt"
	// DirectionCompletion inspects content produced by the model.
	DirectionCompletion Direction = "completion"
)

// ScanRequest is one classification call to the security service.
// It is derived from an inference request or response and never persisted.
type ScanRequest struct {
	Content   string
	Direction Direction
	Model     string
	// TrID correlates the scan with the gateway request that caused it.
	TrID string
}

// VerdictAction is the authoritative outcome of a completed scan.
type VerdictAction string

const (
	ActionAllow VerdictAction = "allow"
	ActionBlock VerdictAction = "block"
)

// Verdict is the outcome of a successful scan call. Scanner failures are
// reported as errors, never as a Verdict.
type Verdict struct {
	Action   VerdictAction
	Category string
	// Reason lists the policy findings behind a block, if any.
	Reason string
	// Masked is set when the service allowed the content but supplied a
	// sanitized copy that must replace the original.
	Masked        bool
	MaskedContent string
	ReportID      string
	ScanID        string
}

// Allowed reports whether the content may pass.
func (v *Verdict) Allowed() bool {
	return v != nil && v.Action == ActionAllow
}
