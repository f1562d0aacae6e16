package sprite

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

	"go.uber.org/zap"

	"github.com/spritehub/spritehub/internal/common/logger"
)

// DefaultExecTimeout bounds one-shot exec calls unless the caller overrides.
const DefaultExecTimeout = 60 * time.Second

// Sprite is a remote sandbox record.
type Sprite struct {
	Name      string `json:"name"`
	State     string `json:"state,omitempty"`
	URL       string `json:"url,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// CreateOptions controls sprite creation.
type CreateOptions struct {
	// Public exposes the sprite URL without sprite auth.
	Public bool
}

// ExecOptions controls one-shot exec calls.
type ExecOptions struct {
	// Timeout bounds the call; zero means DefaultExecTimeout.
	Timeout time.Duration
	// Env sets environment variables for the command.
	Env map[string]string
}

// ExecResult is the collected output of a one-shot exec.
type ExecResult struct {
	Output   string
	Stderr   string
	ExitCode int
}

// StreamOptions controls streaming exec URL construction.
type StreamOptions struct {
	TTY   bool
	Stdin bool
	Cols  int
	Rows  int
}

// Client is a stateless facade over the remote sprite API. All requests
// carry the bearer token; exec responses are decoded from the framed
// binary stream.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

// NewClient creates a sprite API client.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{},
		log:     log.WithFields(zap.String("component", "sprite_client")),
	}
}

// AuthHeader returns the headers carried on the WebSocket upgrade.
func (c *Client) AuthHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	return h
}

// Create creates a sprite, or returns the existing one if the name is
// already taken (409 resolves to a GET).
func (c *Client) Create(ctx context.Context, name string, opts CreateOptions) (*Sprite, error) {
	auth := "sprite"
	if opts.Public {
		auth = "public"
	}
	body, err := json.Marshal(map[string]any{
		"name":         name,
		"url_settings": map[string]string{"auth": auth},
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/sprites", "", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return decodeSprite(resp.Body)
	case http.StatusConflict:
		io.Copy(io.Discard, resp.Body)
		c.log.Debug("sprite already exists, fetching", zap.String("name", name))
		return c.Get(ctx, name)
	default:
		return nil, statusError("create sprite", resp)
	}
}

// Get fetches one sprite by name.
func (c *Client) Get(ctx context.Context, name string) (*Sprite, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sprites/"+url.PathEscape(name), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("get sprite", resp)
	}
	return decodeSprite(resp.Body)
}

// List fetches all sprites.
func (c *Client) List(ctx context.Context) ([]*Sprite, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sprites", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("list sprites", resp)
	}

	var sprites []*Sprite
	if err := json.NewDecoder(resp.Body).Decode(&sprites); err != nil {
		return nil, fmt.Errorf("failed to decode sprite list: %w", err)
	}
	return sprites, nil
}

// Suspend hibernates a sprite.
func (c *Client) Suspend(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/sprites/"+url.PathEscape(name)+"/suspend", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return statusError("suspend sprite", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Delete destroys a sprite.
func (c *Client) Delete(ctx context.Context, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/sprites/"+url.PathEscape(name), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("delete sprite", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Exec runs argv in the sprite and blocks until it exits, collecting the
// framed response into stdout, stderr and an exit code.
func (c *Client) Exec(ctx context.Context, name string, argv []string, opts ExecOptions) (*ExecResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query := execQuery(argv, opts.Env)
	resp, err := c.do(ctx, http.MethodPost, "/v1/sprites/"+url.PathEscape(name)+"/exec", query, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("exec", resp)
	}

	result := &ExecResult{ExitCode: -1}
	var stdout, stderr bytes.Buffer
	dec := NewFrameDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			for _, f := range dec.Feed(buf[:n]) {
				switch f.Kind {
				case FrameStdout:
					stdout.Write(f.Data)
				case FrameStderr:
					stderr.Write(f.Data)
				case FrameExit:
					result.ExitCode = f.ExitCode
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read exec stream: %w", err)
		}
	}

	result.Output = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// ExecShell runs a shell command string via /bin/sh -c.
func (c *Client) ExecShell(ctx context.Context, name, command string, opts ExecOptions) (*ExecResult, error) {
	return c.Exec(ctx, name, []string{"/bin/sh", "-c", command}, opts)
}

// StreamURL constructs the WebSocket URL for a streaming exec. It has no
// side effects; the caller dials it with AuthHeader.
func (c *Client) StreamURL(name string, argv []string, opts StreamOptions) string {
	base := c.baseURL
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	for _, arg := range argv {
		q.Add("cmd", arg)
	}
	q.Set("tty", strconv.FormatBool(opts.TTY))
	q.Set("stdin", strconv.FormatBool(opts.Stdin))
	if opts.Cols > 0 {
		q.Set("cols", strconv.Itoa(opts.Cols))
	}
	if opts.Rows > 0 {
		q.Set("rows", strconv.Itoa(opts.Rows))
	}

	return base + "/v1/sprites/" + url.PathEscape(name) + "/exec?" + q.Encode()
}

// execQuery encodes argv as repeated cmd parameters and env as KEY=VALUE
// pairs. url.Values.Encode percent-encodes every reserved character,
// including @ and ' inside tokens.
func execQuery(argv []string, env map[string]string) string {
	q := url.Values{}
	for _, arg := range argv {
		q.Add("cmd", arg)
	}
	for k, v := range env {
		q.Add("env", k+"="+v)
	}
	return q.Encode()
}

func (c *Client) do(ctx context.Context, method, path, query string, body io.Reader) (*http.Response, error) {
	u := c.baseURL + path
	if query != "" {
		u += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sprite API request failed: %w", err)
	}
	return resp, nil
}

func decodeSprite(r io.Reader) (*Sprite, error) {
	var s Sprite
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode sprite: %w", err)
	}
	return &s, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// APIError is a non-2xx response from the sprite API.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: sprite API returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: sprite API returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the sprite API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
