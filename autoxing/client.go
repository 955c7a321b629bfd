// Package autoxing implements a client for the AutoXing robot dispatch
// API: token acquisition with the vendor's MD5 signing scheme, robot
// state, POI listing and task create/state/cancel.
package autoxing

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// maxResponseSize limits vendor response bodies to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Client is an AutoXing API client with a cached auth token. All methods
// are safe for concurrent use; a stale token is refreshed transparently
// and the failed call retried once.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu             sync.Mutex
	token          string
	tokenFetchedAt time.Time
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithClock sets the time source used for token aging and signing.
func WithClock(now func() time.Time) ClientOption {
	return func(client *Client) {
		client.now = now
	}
}

// NewClient creates an AutoXing client. The config must carry valid
// credentials; call cfg.Validate first.
func NewClient(cfg Config, opts ...ClientOption) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// wrapper is the vendor's response envelope. Status 200 means success;
// 401/403 mean the token is no longer accepted.
type wrapper struct {
	Status  int             `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// fetchToken requests a fresh token. The sign is md5(appId + timestamp +
// appSecret) with the timestamp in milliseconds, and the app code goes in
// the Authorization header.
func (c *Client) fetchToken(ctx context.Context) (string, error) {
	timestamp := c.now().UnixMilli()
	sign := md5Hex(fmt.Sprintf("%s%d%s", c.cfg.AppID, timestamp, c.cfg.AppSecret))

	payload, err := json.Marshal(map[string]any{
		"appId":     c.cfg.AppID,
		"timestamp": timestamp,
		"sign":      sign,
	})
	if err != nil {
		return "", fmt.Errorf("marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/auth/v1.1/token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Authorization", "APPCODE "+c.cfg.AppCode)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token request failed: HTTP %d", resp.StatusCode)
	}

	var w wrapper
	if err := json.Unmarshal(body, &w); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if w.Status != 200 {
		return "", &APIError{Status: w.Status, Message: w.Message, Op: "auth"}
	}

	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(w.Data, &data); err != nil {
		return "", fmt.Errorf("decode token data: %w", err)
	}
	if data.Token == "" {
		return "", fmt.Errorf("token response carried no token")
	}

	return data.Token, nil
}

// getToken returns the cached token, fetching a new one if the cache is
// empty or older than the configured TTL.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Sub(c.tokenFetchedAt) < c.cfg.TokenTTL {
		return c.token, nil
	}

	token, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.tokenFetchedAt = c.now()
	c.logger.Debug("AutoXing token refreshed")
	return token, nil
}

// clearToken drops the cached token so the next call fetches a fresh one.
func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// call performs one authenticated vendor request, returning the wrapper's
// data on success. A 401/403 at either the transport or the wrapper level
// invalidates the cached token; the call is then retried exactly once
// with a fresh token.
func (c *Client) call(ctx context.Context, op, method, path string, reqBody any) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.getToken(ctx)
		if err != nil {
			return nil, fmt.Errorf("autoxing %s: %w", op, err)
		}

		var bodyReader io.Reader
		if reqBody != nil {
			payload, err := json.Marshal(reqBody)
			if err != nil {
				return nil, fmt.Errorf("autoxing %s: marshal request: %w", op, err)
			}
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
		if err != nil {
			return nil, fmt.Errorf("autoxing %s: create request: %w", op, err)
		}
		req.Header.Set("X-Token", token)
		if reqBody != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("autoxing %s: request failed: %w", op, err)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("autoxing %s: read response: %w", op, err)
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			lastErr = &APIError{Status: resp.StatusCode, Message: "token rejected", Op: op}
			c.clearToken()
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("autoxing %s: HTTP %d: %s", op, resp.StatusCode, truncate(respBody))
		}

		var w wrapper
		if err := json.Unmarshal(respBody, &w); err != nil {
			return nil, fmt.Errorf("autoxing %s: decode response: %w", op, err)
		}
		if w.Status == 401 || w.Status == 403 {
			lastErr = &APIError{Status: w.Status, Message: w.Message, Op: op}
			c.clearToken()
			continue
		}
		if w.Status != 200 {
			return nil, &APIError{Status: w.Status, Message: w.Message, Op: op}
		}

		return w.Data, nil
	}

	return nil, fmt.Errorf("autoxing %s: retry after token refresh failed: %w", op, lastErr)
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// RobotState fetches the raw state payload for one robot.
func (c *Client) RobotState(ctx context.Context, robotID string) (map[string]any, error) {
	data, err := c.call(ctx, "robot state", http.MethodGet, "/robot/v2.0/"+robotID+"/state", nil)
	if err != nil {
		return nil, err
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("autoxing robot state: decode data: %w", err)
	}
	return state, nil
}

// POIList fetches all POIs visible to the robot across all areas.
func (c *Client) POIList(ctx context.Context, robotID string) ([]map[string]any, error) {
	body := map[string]any{
		"robotId":  robotID,
		"pageSize": 0, // 0 = all
		"pageNum":  1,
	}
	data, err := c.call(ctx, "poi list", http.MethodPost, "/map/v1.1/poi/list", body)
	if err != nil {
		return nil, err
	}
	var page struct {
		List []map[string]any `json:"list"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("autoxing poi list: decode data: %w", err)
	}
	return page.List, nil
}

// TaskCreate submits a dispatch task and returns the vendor task id.
func (c *Client) TaskCreate(ctx context.Context, body map[string]any) (string, error) {
	data, err := c.call(ctx, "task create", http.MethodPost, "/task/v3/create", body)
	if err != nil {
		return "", err
	}
	var created struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		return "", fmt.Errorf("autoxing task create: decode data: %w", err)
	}
	if created.TaskID == "" {
		return "", fmt.Errorf("autoxing task create: vendor returned no taskId")
	}
	return created.TaskID, nil
}

// TaskState describes a vendor task's execution progress.
type TaskState struct {
	// ActType is the vendor's action milestone; ActTypeComplete marks
	// the task finished.
	ActType int `json:"actType"`

	Raw map[string]any `json:"-"`
}

// ActTypeComplete is the actType value the vendor reports once a task
// has finished executing.
const ActTypeComplete = 1001

// Complete reports whether the vendor task has finished.
func (s TaskState) Complete() bool {
	return s.ActType == ActTypeComplete
}

// TaskStateV2 fetches the execution state of a vendor task.
func (c *Client) TaskStateV2(ctx context.Context, taskID string) (*TaskState, error) {
	data, err := c.call(ctx, "task state", http.MethodGet, "/task/v2.0/"+taskID+"/state", nil)
	if err != nil {
		return nil, err
	}
	var state TaskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("autoxing task state: decode data: %w", err)
	}
	if err := json.Unmarshal(data, &state.Raw); err != nil {
		return nil, fmt.Errorf("autoxing task state: decode data: %w", err)
	}
	return &state, nil
}

// TaskCancel cancels a vendor task, preferring the v3 endpoint and
// falling back to v2 when v3 rejects the request.
func (c *Client) TaskCancel(ctx context.Context, taskID string) error {
	_, v3Err := c.call(ctx, "task cancel", http.MethodPost, "/task/v3/cancel", map[string]any{"taskId": taskID})
	if v3Err == nil {
		return nil
	}

	c.logger.Debug("Task cancel v3 failed, falling back to v2", "task_id", taskID, "error", v3Err)

	if _, v2Err := c.call(ctx, "task cancel v2", http.MethodPost, "/task/v2.0/"+taskID+"/cancel", nil); v2Err != nil {
		return fmt.Errorf("cancel failed on v3 (%v) and v2: %w", v3Err, v2Err)
	}
	return nil
}
