package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deepnoodle-ai/taskrouter/agent"
)

// HTTPParams are the parameters of the http worker's actions.
type HTTPParams struct {
	URL         string            `json:"url"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	JSONPayload map[string]any    `json:"json_payload"`
	Timeout     float64           `json:"timeout"` // in seconds, default 30
}

// HTTPResult is returned by the http worker.
type HTTPResult struct {
	StatusCode   int               `json:"status_code"`
	Status       string            `json:"status"`
	Headers      map[string]string `json:"headers"`
	Body         string            `json:"body"`
	JSONResponse any               `json:"json_response,omitempty"`
	Success      bool              `json:"success"`
}

// HTTPWorker calls HTTP services, such as an analytics API.
type HTTPWorker struct {
	client *http.Client
}

// NewHTTPWorker returns an http worker. A nil client uses a default client.
func NewHTTPWorker(client *http.Client) *HTTPWorker {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPWorker{client: client}
}

// Executor returns the worker's action set.
func (w *HTTPWorker) Executor() agent.Executor {
	return agent.NewActionSet("calls HTTP services", map[string]agent.ActionFunc{
		"get": agent.Typed(func(ctx context.Context, p HTTPParams) (HTTPResult, error) {
			p.Method = http.MethodGet
			return w.do(ctx, p)
		}),
		"post": agent.Typed(func(ctx context.Context, p HTTPParams) (HTTPResult, error) {
			p.Method = http.MethodPost
			return w.do(ctx, p)
		}),
		"request": agent.Typed(w.do),
	})
}

func (w *HTTPWorker) do(ctx context.Context, p HTTPParams) (HTTPResult, error) {
	if p.URL == "" {
		return HTTPResult{}, fmt.Errorf("URL cannot be empty")
	}
	if p.Method == "" {
		p.Method = http.MethodGet
	}
	if p.Timeout <= 0 {
		p.Timeout = 30
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.Timeout*float64(time.Second)))
	defer cancel()

	var body io.Reader
	if p.JSONPayload != nil {
		data, err := json.Marshal(p.JSONPayload)
		if err != nil {
			return HTTPResult{}, fmt.Errorf("failed to marshal JSON payload: %w", err)
		}
		body = bytes.NewReader(data)
	} else if p.Body != "" {
		body = strings.NewReader(p.Body)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.Method), p.URL, body)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}
	if p.JSONPayload != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return HTTPResult{}, fmt.Errorf("failed to read response body: %w", err)
	}

	result := HTTPResult{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(respBody),
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for key, values := range resp.Header {
		if len(values) > 0 {
			result.Headers[key] = values[0]
		}
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(respBody, &decoded); err == nil {
			result.JSONResponse = decoded
		}
	}
	if !result.Success {
		return result, fmt.Errorf("request failed: %s", resp.Status)
	}
	return result, nil
}
