package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/sprite"
)

// Reconnect backoff parameters for abnormal disconnects.
const (
	backoffBase   = time.Second
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
	maxReconnects = 5
)

// WebSocket keepalive, gorilla-style: pongs must arrive within pongWait,
// pings fire a little more often than that.
const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Notification is a message from the channel to its owning supervisor.
type Notification interface {
	isNotification()
}

// Ready signals the streaming connection is established and the agent
// process is launched.
type Ready struct{}

// FromAgent wraps one parsed event from the agent's stdout.
type FromAgent struct {
	Event Event
}

// StderrChunk is raw stderr output from the agent process.
type StderrChunk struct {
	Text string
}

// Exited signals the agent process terminated with an exit code.
type Exited struct {
	Code int
}

// Disconnected signals the connection dropped. Fatal means the sandbox is
// gone and the channel will not reconnect.
type Disconnected struct {
	Fatal bool
	Err   error
}

// Terminated is the final notification before the channel closes its
// event stream.
type Terminated struct {
	Reason string
}

func (Ready) isNotification()        {}
func (FromAgent) isNotification()    {}
func (StderrChunk) isNotification()  {}
func (Exited) isNotification()       {}
func (Disconnected) isNotification() {}
func (Terminated) isNotification()   {}

// TokenSource supplies the agent OAuth token at launch time.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// ChannelConfig describes the agent launch environment.
type ChannelConfig struct {
	SandboxName     string
	WorkingDir      string
	RepoDisplayName string
	GitHubToken     string
}

// Channel owns a single streaming exec connection to the sandbox running
// the agent. It decodes the framed stream, parses agent events, and
// forwards everything to the owner through Events. One run loop owns the
// connection and the notification channel.
type Channel struct {
	sprites *sprite.Client
	tokens  TokenSource
	cfg     ChannelConfig
	log     *logger.Logger

	events chan Notification

	mu   sync.Mutex
	conn *websocket.Conn

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewChannel creates a channel; Start begins connecting.
func NewChannel(sprites *sprite.Client, tokens TokenSource, cfg ChannelConfig, log *logger.Logger) *Channel {
	return &Channel{
		sprites: sprites,
		tokens:  tokens,
		cfg:     cfg,
		log: log.WithFields(
			zap.String("component", "agent_channel"),
			zap.String("sandbox", cfg.SandboxName)),
		events: make(chan Notification, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Events is the notification stream to the owner. Closed after Terminated.
func (c *Channel) Events() <-chan Notification {
	return c.events
}

// Start launches the connect/read loop.
func (c *Channel) Start(ctx context.Context) {
	go c.run(ctx)
}

// SendUserMessage serializes one user turn as a JSON line and writes it
// as a single binary frame.
func (c *Channel) SendUserMessage(text string) error {
	payload, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
	})
	if err != nil {
		return err
	}
	return c.write(append(payload, '\n'))
}

// Interrupt writes the single-byte interrupt frame.
func (c *Channel) Interrupt() error {
	return c.write([]byte{sprite.InterruptByte})
}

// Stop tears the channel down: the inner agent is pkilled so the sandbox
// can hibernate, the connection closes, and Terminated is the last event.
func (c *Channel) Stop(reason string) {
	c.stopOnce.Do(func() {
		c.log.Info("stopping channel", zap.String("reason", reason))

		// Fire and forget; the sandbox may already be gone.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err := c.sprites.ExecShell(ctx, c.cfg.SandboxName,
				"pkill -f 'agent --print' || true", sprite.ExecOptions{Timeout: 10 * time.Second})
			if err != nil {
				c.log.Debug("pkill on stop failed", zap.Error(err))
			}
		}()

		c.closeConn()
		close(c.stopCh)
	})
	<-c.done
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
}

func (c *Channel) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("channel not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// run is the connection lifecycle: dial, read until exit or error,
// reconnect with backoff on abnormal drops. It is the only sender on
// c.events and closes it on return.
func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	attempts := 0
	for {
		select {
		case <-c.stopCh:
			c.emit(Terminated{Reason: "stopped"})
			return
		case <-ctx.Done():
			c.emit(Terminated{Reason: "context canceled"})
			return
		default:
		}

		conn, fatal, err := c.connect(ctx)
		if err != nil {
			if fatal {
				c.log.Warn("sandbox gone, not reconnecting", zap.Error(err))
				c.emit(Disconnected{Fatal: true, Err: err})
				c.emit(Terminated{Reason: "sandbox gone"})
				return
			}
			attempts++
			if attempts > maxReconnects {
				c.log.Error("reconnect attempts exhausted", zap.Error(err))
				c.emit(Disconnected{Fatal: true, Err: err})
				c.emit(Terminated{Reason: "reconnect attempts exhausted"})
				return
			}
			delay := backoffDelay(attempts)
			c.log.Warn("connect failed, backing off",
				zap.Int("attempt", attempts),
				zap.Duration("delay", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
				continue
			case <-c.stopCh:
				c.emit(Terminated{Reason: "stopped"})
				return
			case <-ctx.Done():
				c.emit(Terminated{Reason: "context canceled"})
				return
			}
		}

		attempts = 0
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.emit(Ready{})

		exited := c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()

		if exited {
			// Clean agent exit: the owner decides whether to relaunch.
			c.emit(Terminated{Reason: "agent exited"})
			return
		}

		select {
		case <-c.stopCh:
			c.emit(Terminated{Reason: "stopped"})
			return
		case <-ctx.Done():
			c.emit(Terminated{Reason: "context canceled"})
			return
		default:
			c.emit(Disconnected{Fatal: false})
			c.log.Warn("connection dropped, reconnecting")
		}
	}
}

// connect fetches a fresh token, builds the launch command and dials the
// streaming URL. A 404 on the upgrade means the sandbox no longer exists.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, bool, error) {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to obtain agent token: %w", err)
	}

	command := LaunchCommand(c.cfg.WorkingDir, c.cfg.RepoDisplayName, token, c.cfg.GitHubToken)
	streamURL := c.sprites.StreamURL(c.cfg.SandboxName,
		[]string{"/bin/sh", "-c", command},
		sprite.StreamOptions{TTY: false, Stdin: true})

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, streamURL, c.sprites.AuthHeader())
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, true, fmt.Errorf("sandbox %s not found: %w", c.cfg.SandboxName, err)
		}
		return nil, false, fmt.Errorf("failed to dial agent stream: %w", err)
	}

	c.log.Info("agent stream connected", zap.String("working_dir", c.cfg.WorkingDir))
	return conn, false, nil
}

// readLoop consumes frames until the agent exits or the connection
// breaks. Returns true on a clean exit frame.
func (c *Channel) readLoop(conn *websocket.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingStop := make(chan struct{})
	defer close(pingStop)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.Lock()
				cur := c.conn
				if cur == conn {
					conn.SetWriteDeadline(time.Now().Add(writeWait))
					conn.WriteMessage(websocket.PingMessage, nil)
				}
				c.mu.Unlock()
			case <-pingStop:
				return
			}
		}
	}()

	decoder := sprite.NewFrameDecoder()
	var lines LineAssembler

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		for _, frame := range decoder.Feed(data) {
			switch frame.Kind {
			case sprite.FrameStdout:
				for _, line := range lines.Feed(frame.Data) {
					c.emit(FromAgent{Event: ParseLine(line)})
				}
			case sprite.FrameStderr:
				c.emit(StderrChunk{Text: string(frame.Data)})
			case sprite.FrameExit:
				if rest := lines.Flush(); len(rest) > 0 {
					c.emit(FromAgent{Event: RawOutput{Line: strings.TrimSpace(string(rest))}})
				}
				c.emit(Exited{Code: frame.ExitCode})
				return true
			}
		}
	}
}

func (c *Channel) emit(n Notification) {
	select {
	case c.events <- n:
	case <-time.After(5 * time.Second):
		c.log.Error("owner not draining channel events, dropping",
			zap.String("notification", fmt.Sprintf("%T", n)))
	}
}

// LineAssembler is the stdout newline reassembler used by the read loop.
type LineAssembler = sprite.LineBuffer

// backoffDelay is exponential with a cap and ±20% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase << (attempt - 1)
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// LaunchCommand builds the shell command that starts the agent in the
// working directory with its credentials in the environment.
func LaunchCommand(workingDir, repoDisplayName, oauthToken, githubToken string) string {
	var b strings.Builder
	b.WriteString("cd ")
	b.WriteString(sprite.ShellQuote(workingDir))
	b.WriteString(" && AGENT_OAUTH_TOKEN=")
	b.WriteString(sprite.ShellQuote(oauthToken))
	if githubToken != "" {
		b.WriteString(" GH_TOKEN=")
		b.WriteString(sprite.ShellQuote(githubToken))
	}
	b.WriteString(" agent --print --input-format stream-json --output-format stream-json --verbose")
	if repoDisplayName != "" {
		escaped := strings.ReplaceAll(repoDisplayName, "'", `'\''`)
		b.WriteString(" --append-system-prompt 'You are working in the ")
		b.WriteString(escaped)
		b.WriteString(" repository.'")
	}
	return b.String()
}
