package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alfredjeanlab/gmscreen/internal/model"
	"github.com/alfredjeanlab/gmscreen/internal/presence"
)

// HTTPClient implements Client using the gmscreen HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Presence ---

func sessionPath(tenantID, sessionID string) string {
	return "/v1/tenants/" + url.PathEscape(tenantID) + "/sessions/" + url.PathEscape(sessionID)
}

func (c *HTTPClient) RecordOnline(ctx context.Context, tenantID, sessionID string, role model.Role) (*presence.Entry, error) {
	body := map[string]string{"role": string(role)}
	var entry presence.Entry
	if err := c.doJSON(ctx, http.MethodPost, sessionPath(tenantID, sessionID)+"/online", body, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *HTTPClient) GetPresence(ctx context.Context, tenantID, sessionID string) (*presence.Entry, error) {
	var entry presence.Entry
	if err := c.doJSON(ctx, http.MethodGet, sessionPath(tenantID, sessionID)+"/presence", nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *HTTPClient) ListPresence(ctx context.Context, tenantID string) ([]presence.Entry, error) {
	var resp struct {
		Sessions []presence.Entry `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/tenants/"+url.PathEscape(tenantID)+"/presence", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// --- Run history ---

func (c *HTTPClient) ListRuns(ctx context.Context, req *ListRunsRequest) (*ListRunsResponse, error) {
	q := url.Values{}
	if req.TenantID != "" {
		q.Set("tenant", req.TenantID)
	}
	if req.SessionID != "" {
		q.Set("session", req.SessionID)
	}
	if req.OpenOnly {
		q.Set("open", "true")
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}

	path := "/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp ListRunsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// APIError is returned for any response with a status of 400 or above.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
