package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultWebResponseCap = 1 << 20 // 1 MiB

// webArgs are the web tool's parameters.
type webArgs struct {
	URL    string `json:"url" jsonschema:"description=HTTP or HTTPS URL to fetch"`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method (default GET)"`
}

// WebTool fetches a URL. Non-http(s) schemes are rejected with a security
// error and responses are capped in size.
type WebTool struct {
	client      *http.Client
	responseCap int64
	timeout     time.Duration
	schema      json.RawMessage
}

// NewWebTool creates the web tool. responseCap of zero uses 1 MiB.
func NewWebTool(timeout time.Duration, responseCap int64) *WebTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if responseCap <= 0 {
		responseCap = defaultWebResponseCap
	}
	return &WebTool{
		client:      &http.Client{Timeout: timeout},
		responseCap: responseCap,
		timeout:     timeout,
		schema:      reflectSchema(&webArgs{}),
	}
}

// Name implements Tool.
func (t *WebTool) Name() string { return "web" }

// Description implements Tool.
func (t *WebTool) Description() string {
	return "Fetch an http(s) URL and return the response body text."
}

// Schema implements Tool.
func (t *WebTool) Schema() json.RawMessage { return t.schema }

// Required implements Tool.
func (t *WebTool) Required() []string { return []string{"url"} }

// Timeout implements Tool.
func (t *WebTool) Timeout() time.Duration { return t.timeout }

// Category implements Tool.
func (t *WebTool) Category() string { return "web" }

// Execute implements Tool.
func (t *WebTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var parsed webArgs
	if err := decodeArgs(args, &parsed); err != nil {
		return "", err
	}

	parsedURL, err := url.Parse(strings.TrimSpace(parsed.URL))
	if err != nil {
		return "", &ToolError{Kind: ErrToolValidation, Message: "invalid url", Cause: err}
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return "", &ToolError{Kind: ErrToolSecurity, Message: fmt.Sprintf("scheme %q is not allowed", parsedURL.Scheme)}
	}

	method := strings.ToUpper(parsed.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, parsedURL.String(), nil)
	if err != nil {
		return "", &ToolError{Kind: ErrToolValidation, Message: err.Error(), Cause: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ToolError{Kind: ErrToolExecution, Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.responseCap+1))
	if err != nil {
		return "", &ToolError{Kind: ErrToolExecution, Message: err.Error(), Cause: err}
	}

	truncated := false
	if int64(len(body)) > t.responseCap {
		body = body[:t.responseCap]
		truncated = true
	}

	out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(body))
	if truncated {
		out += "\n[response truncated]"
	}
	return out, nil
}
