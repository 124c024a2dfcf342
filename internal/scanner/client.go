// Package scanner calls the external AI runtime-security service to
// classify prompts and completions before the gateway lets them pass.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ollamashield/ollamashield/internal/config"
	"github.com/ollamashield/ollamashield/internal/domain"
)

const scanPath = "/v1/scan/sync/request"

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithBackoffInterval sets the initial retry backoff interval.
func WithBackoffInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.backoffInterval = d
	}
}

// Client is an HTTP client for the security service's synchronous scan API.
// It is safe for concurrent use; the underlying connection pool is shared.
type Client struct {
	baseURL         string
	apiKey          string
	profileName     string
	appName         string
	appUser         string
	timeout         time.Duration
	maxRetries      int
	backoffInterval time.Duration
	httpClient      *http.Client
}

// New creates a scanner client from the security configuration.
func New(cfg config.SecurityConfig, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:          cfg.APIKey,
		profileName:     cfg.ProfileName,
		appName:         cfg.AppName,
		appUser:         cfg.AppUser,
		timeout:         cfg.ScanTimeout(),
		maxRetries:      cfg.MaxRetries,
		backoffInterval: 200 * time.Millisecond,
		httpClient:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// scan API wire types.

type scanAPIRequest struct {
	TrID      string        `json:"tr_id,omitempty"`
	AIProfile aiProfile     `json:"ai_profile"`
	Metadata  scanMetadata  `json:"metadata"`
	Contents  []scanContent `json:"contents"`
}

type aiProfile struct {
	ProfileName string `json:"profile_name"`
}

type scanMetadata struct {
	AppName string `json:"app_name"`
	AppUser string `json:"app_user"`
	AIModel string `json:"ai_model,omitempty"`
}

type scanContent struct {
	Prompt   string `json:"prompt,omitempty"`
	Response string `json:"response,omitempty"`
}

type scanAPIResponse struct {
	ReportID         string          `json:"report_id"`
	ScanID           string          `json:"scan_id"`
	TrID             string          `json:"tr_id"`
	ProfileName      string          `json:"profile_name"`
	Category         string          `json:"category"`
	Action           string          `json:"action"`
	PromptDetected   map[string]bool `json:"prompt_detected"`
	ResponseDetected map[string]bool `json:"response_detected"`
	PromptMasked     *maskedData     `json:"prompt_masked_data,omitempty"`
	ResponseMasked   *maskedData     `json:"response_masked_data,omitempty"`
}

type maskedData struct {
	Data string `json:"data"`
}

// Scan classifies one piece of text. Transient failures are retried with
// exponential backoff up to the configured attempt budget; an authoritative
// verdict is never retried. Network errors and non-2xx statuses surface as
// errors, never as an allow.
func (c *Client) Scan(ctx context.Context, req domain.ScanRequest) (*domain.Verdict, error) {
	operation := func() (*scanAPIResponse, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.doScan(attemptCtx, req)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffInterval

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
	if err != nil {
		return nil, fmt.Errorf("security scan failed: %w", err)
	}

	return toVerdict(resp, req.Direction), nil
}

func (c *Client) doScan(ctx context.Context, req domain.ScanRequest) (*scanAPIResponse, error) {
	content := scanContent{}
	switch req.Direction {
	case domain.DirectionCompletion:
		content.Response = req.Content
	default:
		content.Prompt = req.Content
	}

	body, err := json.Marshal(&scanAPIRequest{
		TrID:      req.TrID,
		AIProfile: aiProfile{ProfileName: c.profileName},
		Metadata: scanMetadata{
			AppName: c.appName,
			AppUser: c.appUser,
			AIModel: req.Model,
		},
		Contents: []scanContent{content},
	})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("marshal scan request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+scanPath, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create scan request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-pan-token", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("scan request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read scan response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		scanErr := fmt.Errorf("scan API status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		// Client-side errors will not improve on retry. 429 is the
		// exception: the service asks us to back off and try again.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(scanErr)
		}
		return nil, scanErr
	}

	var result scanAPIResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("unmarshal scan response: %w", err))
	}

	return &result, nil
}

// toVerdict maps the service response onto the gateway's verdict type.
func toVerdict(resp *scanAPIResponse, direction domain.Direction) *domain.Verdict {
	v := &domain.Verdict{
		Action:   domain.ActionAllow,
		Category: resp.Category,
		ReportID: resp.ReportID,
		ScanID:   resp.ScanID,
	}

	if strings.EqualFold(resp.Action, string(domain.ActionBlock)) {
		v.Action = domain.ActionBlock
		v.Reason = blockReason(resp, direction)
		return v
	}

	masked := resp.PromptMasked
	if direction == domain.DirectionCompletion {
		masked = resp.ResponseMasked
	}
	if masked != nil && masked.Data != "" {
		v.Masked = true
		v.MaskedContent = masked.Data
	}

	return v
}

// blockReason summarizes the findings behind a block verdict.
func blockReason(resp *scanAPIResponse, direction domain.Direction) string {
	detected := resp.PromptDetected
	if direction == domain.DirectionCompletion {
		detected = resp.ResponseDetected
	}

	var findings []string
	for name, hit := range detected {
		if hit {
			findings = append(findings, name)
		}
	}
	sort.Strings(findings)

	reason := resp.Category
	if reason == "" {
		reason = "policy violation"
	}
	if len(findings) > 0 {
		reason += ": " + strings.Join(findings, ", ")
	}
	if resp.ProfileName != "" {
		reason += " (profile " + resp.ProfileName + ")"
	}
	return reason
}
