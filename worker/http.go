package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/recovery"
)

// HTTPClient talks to a remote phase-execution service:
//
//	POST {base}/phases/{phase_id}/executions  {"case_id": "...", "config": {...}} -> {"handle": "..."}
//	GET  {base}/executions/{handle}           -> {"done": bool, "progress": int, ...}
type HTTPClient struct {
	baseURL string
	client  *http.Client
	headers http.Header
}

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.client = c
		}
	}
}

// WithHeader adds a header sent on every request.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPClient) {
		h.headers.Add(key, value)
	}
}

// NewHTTPClient builds a client for baseURL with a per-request timeout.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...HTTPOption) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	h := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		headers: make(http.Header),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

type executeRequest struct {
	CaseID string `json:"case_id"`
	Config Config `json:"config,omitempty"`
}

type executeResponse struct {
	Handle string `json:"handle"`
}

type pollResponse struct {
	Done     bool           `json:"done"`
	Progress int            `json:"progress"`
	SubStep  string         `json:"sub_step"`
	Message  string         `json:"message"`
	Outputs  []phase.Output `json:"outputs"`
	Error    *struct {
		Message        string `json:"message"`
		Classification string `json:"classification"`
	} `json:"error"`
}

// Execute implements Client.
func (h *HTTPClient) Execute(ctx context.Context, phaseID, caseID string, cfg Config) (Handle, error) {
	body, err := json.Marshal(executeRequest{CaseID: caseID, Config: cfg})
	if err != nil {
		return "", fmt.Errorf("encode execute request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/phases/%s/executions", h.baseURL, url.PathEscape(phaseID))

	var resp executeResponse
	if err := h.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Handle) == "" {
		return "", fmt.Errorf("worker returned an empty handle for phase %s", phaseID)
	}
	return Handle(resp.Handle), nil
}

// Poll implements Client.
func (h *HTTPClient) Poll(ctx context.Context, handle Handle) (Outcome, error) {
	endpoint := fmt.Sprintf("%s/executions/%s", h.baseURL, url.PathEscape(string(handle)))

	var resp pollResponse
	if err := h.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return Outcome{}, err
	}
	out := Outcome{
		Done:     resp.Done,
		Progress: resp.Progress,
		SubStep:  resp.SubStep,
		Message:  resp.Message,
		Outputs:  resp.Outputs,
	}
	if resp.Error != nil {
		out.Done = true
		werr := fmt.Errorf("%s", resp.Error.Message)
		if class, ok := recovery.ParseClassification(resp.Error.Classification); ok {
			out.Err = recovery.NewClassifiedError(class, werr)
		} else {
			out.Err = werr
		}
	}
	return out, nil
}

func (h *HTTPClient) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build worker request: %w", err)
	}
	for k, vs := range h.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read worker response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		// status text feeds classification (429, 503, ...)
		return fmt.Errorf("worker %s: %d %s: %s",
			method, res.StatusCode, http.StatusText(res.StatusCode), strings.TrimSpace(string(payload)))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode worker response: %w", err)
	}
	return nil
}
