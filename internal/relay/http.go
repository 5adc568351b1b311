package relay

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
)

// HTTPClient talks to a sponsored-relay HTTP API.
type HTTPClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewHTTPClient creates a relay client.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type sponsoredRequest struct {
	Request
	SponsorAPIKey string `json:"sponsorApiKey,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"taskId"`
}

type statusResponse struct {
	Task struct {
		TaskID           string `json:"taskId"`
		TaskState        string `json:"taskState"`
		TransactionHash  string `json:"transactionHash"`
		LastCheckMessage string `json:"lastCheckMessage"`
	} `json:"task"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Submit posts a sponsored call.
func (c *HTTPClient) Submit(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(sponsoredRequest{Request: req, SponsorAPIKey: c.APIKey})
	if err != nil {
		return Result{}, &Error{Kind: Permanent, Op: "submit", Err: err}
	}
	var out submitResponse
	if err := c.do(ctx, "submit", http.MethodPost, "/relays/sponsored", body, &out); err != nil {
		return Result{}, err
	}
	if out.TaskID == "" {
		return Result{}, &Error{Kind: Transient, Op: "submit", Msg: "empty task id"}
	}
	return Result{TaskID: out.TaskID}, nil
}

// TaskStatus fetches a task snapshot.
func (c *HTTPClient) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	var out statusResponse
	if err := c.do(ctx, "status", http.MethodGet, "/tasks/status/"+url.PathEscape(taskID), nil, &out); err != nil {
		return TaskStatus{}, err
	}
	return TaskStatus{
		TaskID:  taskID,
		State:   TaskState(out.Task.TaskState),
		Hash:    out.Task.TransactionHash,
		Message: out.Task.LastCheckMessage,
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return &Error{Kind: Permanent, Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return &Error{Kind: Transient, Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Kind: Transient, Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var er errorResponse
		_ = json.Unmarshal(raw, &er)
		msg := er.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &Error{Kind: statusKind(resp.StatusCode, msg), Op: op, Code: resp.StatusCode, Msg: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &Error{Kind: Transient, Op: op, Msg: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

// statusKind: 408, 425, 429 and 5xx are retried; other 4xx are final.
func statusKind(code int, msg string) Kind {
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly, code == http.StatusTooManyRequests:
		return Transient
	case code >= 500:
		return classifyMessage(msg)
	case code >= 400:
		return Permanent
	}
	return Transient
}
