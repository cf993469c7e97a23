package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const defaultBaseURL = "http://localhost:9000"

// ErrStopStream ends StreamLogs cleanly when returned by the frame handler.
var ErrStopStream = errors.New("stop stream")

// Client provides typed access to the launchpad API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = defaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Project mirrors the API project payload.
type Project struct {
	ID        int64           `json:"id"`
	UserID    int64           `json:"user_id"`
	Slug      string          `json:"slug"`
	IsPublic  bool            `json:"is_public"`
	GitURL    string          `json:"git_url"`
	EnvVars   json.RawMessage `json:"env_vars"`
	CreatedAt time.Time       `json:"created_at"`
}

// Build mirrors the API build payload.
type Build struct {
	ID          string     `json:"id"`
	Slug        string     `json:"slug"`
	UserID      int64      `json:"user_id"`
	State       string     `json:"state"`
	WorkerID    string     `json:"worker_id"`
	Message     string     `json:"message"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

// BuildInput is the body of a build request. An empty Slug lets the server
// pick one.
type BuildInput struct {
	SourceURL string            `json:"sourceUrl"`
	Slug      string            `json:"slug,omitempty"`
	IsPublic  bool              `json:"isPublic"`
	EnvVars   map[string]string `json:"envVars,omitempty"`
}

// BuildResult is returned once the server has queued a build.
type BuildResult struct {
	Status  string
	Slug    string
	BuildID string
}

// BuildProject registers the project and queues a build for it.
func (c *Client) BuildProject(ctx context.Context, token string, input BuildInput) (BuildResult, error) {
	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Slug    string `json:"slug"`
			BuildID string `json:"build_id"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/build-project", input, token, &resp); err != nil {
		return BuildResult{}, err
	}
	return BuildResult{Status: resp.Status, Slug: resp.Data.Slug, BuildID: resp.Data.BuildID}, nil
}

// ListProjects returns the caller's projects.
func (c *Client) ListProjects(ctx context.Context, token string) ([]Project, error) {
	var resp struct {
		Data []Project `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects", nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetProject fetches a project by slug.
func (c *Client) GetProject(ctx context.Context, token, slug string) (Project, error) {
	var resp struct {
		Data Project `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(slug), nil, token, &resp); err != nil {
		return Project{}, err
	}
	return resp.Data, nil
}

// CheckSlug reports whether the caller may register slug.
func (c *Client) CheckSlug(ctx context.Context, token, slug string) (bool, error) {
	var resp struct {
		Available bool `json:"available"`
	}
	path := "/api/check-slug?slug=" + url.QueryEscape(slug)
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return false, err
	}
	return resp.Available, nil
}

// ListBuilds returns recent builds of slug, newest first.
func (c *Client) ListBuilds(ctx context.Context, token, slug string, limit int) ([]Build, error) {
	var resp struct {
		Data []Build `json:"data"`
	}
	path := "/projects/" + url.PathEscape(slug) + "/builds"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// GetBuild fetches a build by id.
func (c *Client) GetBuild(ctx context.Context, token, buildID string) (Build, error) {
	var resp struct {
		Data Build `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/builds/"+url.PathEscape(buildID), nil, token, &resp); err != nil {
		return Build{}, err
	}
	return resp.Data, nil
}

// LogFrame is one server frame of the live log stream.
type LogFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	Data    string `json:"data"`
}

// StreamLogs subscribes to the logs of slug and calls handle for each frame
// until ctx ends or handle returns an error. ErrStopStream from handle ends
// the stream without error.
func (c *Client) StreamLogs(ctx context.Context, token, slug string, handle func(LogFrame) error) error {
	endpoint, err := url.Parse(c.baseURL + "/ws")
	if err != nil {
		return fmt.Errorf("build stream url: %w", err)
	}
	switch endpoint.Scheme {
	case "https":
		endpoint.Scheme = "wss"
	default:
		endpoint.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+strings.TrimSpace(token))

	conn, resp, err := c.dialer.DialContext(ctx, endpoint.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
		}
		return fmt.Errorf("dial log stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(map[string]string{"type": "subscribe", "channel": slug}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	for {
		var frame LogFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read log stream: %w", err)
		}
		if frame.Event == "error" {
			return fmt.Errorf("log stream error: %s", frame.Data)
		}
		if err := handle(frame); err != nil {
			if errors.Is(err, ErrStopStream) {
				return nil
			}
			return err
		}
	}
}
