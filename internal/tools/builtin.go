package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	taskerrors "taskforge/internal/errors"
)

// FuncTool adapts a plain function into a Tool. Tests and small deployments
// use it instead of writing a full type.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	Schema          json.RawMessage
	Fn              func(ctx context.Context, args json.RawMessage) (string, error)
}

var _ Tool = (*FuncTool)(nil)

func (t *FuncTool) Name() string        { return t.ToolName }
func (t *FuncTool) Description() string { return t.ToolDescription }

func (t *FuncTool) Parameters() json.RawMessage {
	if len(t.Schema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return t.Schema
}

func (t *FuncTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}

// HTTPFetchTool retrieves a URL and returns its body, capped in size. It is
// the one network capability registered by default.
type HTTPFetchTool struct {
	Client   *http.Client
	MaxBytes int64
}

var _ Tool = (*HTTPFetchTool)(nil)

// NewHTTPFetchTool builds the fetch tool with a bounded client.
func NewHTTPFetchTool() *HTTPFetchTool {
	return &HTTPFetchTool{
		Client:   &http.Client{Timeout: 20 * time.Second},
		MaxBytes: 256 * 1024,
	}
}

func (t *HTTPFetchTool) Name() string { return "http_fetch" }

func (t *HTTPFetchTool) Description() string {
	return "Fetch the contents of an HTTP or HTTPS URL. Returns the response body as text."
}

func (t *HTTPFetchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch"}
		},
		"required": ["url"]
	}`)
}

func (t *HTTPFetchTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return "", taskerrors.NewExecutionError(taskerrors.FailureParseError, err,
			"http_fetch arguments must be {\"url\": ...}")
	}
	if params.URL == "" {
		return "", taskerrors.NewExecutionError(taskerrors.FailureToolFailure, nil,
			"http_fetch requires a url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return "", taskerrors.NewExecutionError(taskerrors.FailureToolFailure, err,
			"invalid url")
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return "", taskerrors.NewTransientError(err, "http_fetch failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", taskerrors.NewExecutionError(taskerrors.FailureToolFailure, nil,
			fmt.Sprintf("http_fetch got status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.MaxBytes))
	if err != nil {
		return "", taskerrors.NewTransientError(err, "read http_fetch body")
	}
	return string(body), nil
}
