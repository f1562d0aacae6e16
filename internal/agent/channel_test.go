package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spritehub/spritehub/internal/common/logger"
	"github.com/spritehub/spritehub/internal/sprite"
)

func TestLaunchCommand(t *testing.T) {
	cmd := LaunchCommand("/home/sprite/repos/acme/widgets", "acme/widgets", "oauth-tok", "gh-tok")

	wantPrefix := "cd '/home/sprite/repos/acme/widgets' && AGENT_OAUTH_TOKEN='oauth-tok' GH_TOKEN='gh-tok' agent --print"
	if !strings.HasPrefix(cmd, wantPrefix) {
		t.Errorf("cmd = %q", cmd)
	}
	if !strings.Contains(cmd, "--input-format stream-json --output-format stream-json --verbose") {
		t.Errorf("missing stream flags: %q", cmd)
	}
	if !strings.Contains(cmd, "--append-system-prompt 'You are working in the acme/widgets repository.'") {
		t.Errorf("missing system prompt: %q", cmd)
	}
}

func TestLaunchCommandWithoutRepoOrGitHubToken(t *testing.T) {
	cmd := LaunchCommand("/home/sprite", "", "oauth-tok", "")
	if strings.Contains(cmd, "GH_TOKEN") {
		t.Errorf("unexpected GH_TOKEN: %q", cmd)
	}
	if strings.Contains(cmd, "--append-system-prompt") {
		t.Errorf("unexpected system prompt: %q", cmd)
	}
}

func TestLaunchCommandEscapesQuotes(t *testing.T) {
	cmd := LaunchCommand("/home/sprite", "o'brien/repo", "tok", "")
	if !strings.Contains(cmd, `You are working in the o'\''brien/repo repository.`) {
		t.Errorf("quote escaping broken: %q", cmd)
	}
}

// agentServer fakes the sandbox stream endpoint and the pkill exec.
type agentServer struct {
	t        *testing.T
	upgrader websocket.Upgrader
	onWS     func(conn *websocket.Conn)

	mu    sync.Mutex
	execs []string
	srv   *httptest.Server
}

func newAgentServer(t *testing.T, onWS func(conn *websocket.Conn)) *agentServer {
	s := &agentServer{t: t, onWS: onWS}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			conn, err := s.upgrader.Upgrade(w, r, nil)
			if err != nil {
				t.Errorf("upgrade: %v", err)
				return
			}
			defer conn.Close()
			s.onWS(conn)
			return
		}
		if strings.HasSuffix(r.URL.Path, "/exec") {
			cmds := r.URL.Query()["cmd"]
			s.mu.Lock()
			s.execs = append(s.execs, cmds[len(cmds)-1])
			s.mu.Unlock()
			w.Write([]byte{3, 0})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *agentServer) execCount(substr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.execs {
		if strings.Contains(c, substr) {
			n++
		}
	}
	return n
}

func newTestChannel(t *testing.T, s *agentServer) *Channel {
	t.Helper()
	client := sprite.NewClient(s.srv.URL, "tok", logger.NewNop())
	return NewChannel(client, staticTokens("oauth"), ChannelConfig{
		SandboxName:     "default",
		WorkingDir:      "/home/sprite",
		RepoDisplayName: "acme/widgets",
	}, logger.NewNop())
}

type staticTokens string

func (s staticTokens) GetAccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

func collect(t *testing.T, ch *Channel, n int) []Notification {
	t.Helper()
	var out []Notification
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d notifications: %#v", len(out), out)
		}
	}
	return out
}

func TestChannelStreamsAgentEvents(t *testing.T) {
	s := newAgentServer(t, func(conn *websocket.Conn) {
		stdout := func(text string) []byte {
			return append([]byte{1}, text...)
		}
		conn.WriteMessage(websocket.BinaryMessage, stdout(`{"type":"assistant","message":{"content":[{"type":"text","text":"Hello."}]}}`+"\n"))
		conn.WriteMessage(websocket.BinaryMessage, stdout(`{"type":"message_stop"}`+"\n"))
		conn.WriteMessage(websocket.BinaryMessage, []byte{2, 'w', 'a', 'r', 'n'})
		conn.WriteMessage(websocket.BinaryMessage, []byte{3, 0})
		time.Sleep(100 * time.Millisecond)
	})
	ch := newTestChannel(t, s)
	ch.Start(context.Background())

	events := collect(t, ch, 6)

	if _, ok := events[0].(Ready); !ok {
		t.Fatalf("event 0 = %#v", events[0])
	}
	msg, ok := events[1].(FromAgent)
	if !ok {
		t.Fatalf("event 1 = %#v", events[1])
	}
	if am, ok := msg.Event.(AssistantMessage); !ok || am.Text != "Hello." {
		t.Errorf("event 1 payload = %#v", msg.Event)
	}
	if stop, ok := events[2].(FromAgent); !ok {
		t.Errorf("event 2 = %#v", events[2])
	} else if _, ok := stop.Event.(MessageStop); !ok {
		t.Errorf("event 2 payload = %#v", stop.Event)
	}
	if se, ok := events[3].(StderrChunk); !ok || se.Text != "warn" {
		t.Errorf("event 3 = %#v", events[3])
	}
	if ex, ok := events[4].(Exited); !ok || ex.Code != 0 {
		t.Errorf("event 4 = %#v", events[4])
	}
	if term, ok := events[5].(Terminated); !ok || term.Reason != "agent exited" {
		t.Errorf("event 5 = %#v", events[5])
	}
}

func TestChannelSendUserMessage(t *testing.T) {
	received := make(chan []byte, 1)
	s := newAgentServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		conn.WriteMessage(websocket.BinaryMessage, []byte{3, 0})
	})
	ch := newTestChannel(t, s)
	ch.Start(context.Background())

	collect(t, ch, 1) // Ready

	if err := ch.SendUserMessage("fix the tests"); err != nil {
		t.Fatalf("SendUserMessage: %v", err)
	}

	select {
	case data := <-received:
		if data[len(data)-1] != '\n' {
			t.Errorf("frame not newline terminated: %q", data)
		}
		var record map[string]any
		if err := json.Unmarshal(data, &record); err != nil {
			t.Fatalf("frame not JSON: %v", err)
		}
		if record["type"] != "user" {
			t.Errorf("type = %v", record["type"])
		}
		msg := record["message"].(map[string]any)
		if msg["role"] != "user" || msg["content"] != "fix the tests" {
			t.Errorf("message = %v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the user turn")
	}
}

func TestChannelInterruptByte(t *testing.T) {
	received := make(chan []byte, 1)
	s := newAgentServer(t, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
		conn.WriteMessage(websocket.BinaryMessage, []byte{3, 130})
	})
	ch := newTestChannel(t, s)
	ch.Start(context.Background())

	collect(t, ch, 1) // Ready

	if err := ch.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}

	select {
	case data := <-received:
		if len(data) != 1 || data[0] != 0x03 {
			t.Errorf("interrupt frame = %v", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the interrupt")
	}
}

func TestChannelFatalOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such sprite", http.StatusNotFound)
	}))
	defer srv.Close()

	client := sprite.NewClient(srv.URL, "tok", logger.NewNop())
	ch := NewChannel(client, staticTokens("oauth"), ChannelConfig{
		SandboxName: "gone",
		WorkingDir:  "/home/sprite",
	}, logger.NewNop())
	ch.Start(context.Background())

	events := collect(t, ch, 2)
	disc, ok := events[0].(Disconnected)
	if !ok || !disc.Fatal {
		t.Fatalf("event 0 = %#v", events[0])
	}
	if term, ok := events[1].(Terminated); !ok || term.Reason != "sandbox gone" {
		t.Errorf("event 1 = %#v", events[1])
	}
}

func TestChannelStopFiresPkill(t *testing.T) {
	s := newAgentServer(t, func(conn *websocket.Conn) {
		// Hold the connection until the client closes it.
		conn.ReadMessage()
	})
	ch := newTestChannel(t, s)
	ch.Start(context.Background())

	collect(t, ch, 1) // Ready

	ch.Stop("idle timeout")

	deadline := time.Now().Add(2 * time.Second)
	for s.execCount("pkill") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("pkill never reached the sandbox")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= maxReconnects; attempt++ {
		d := backoffDelay(attempt)
		if d < 0 || d > time.Duration(float64(backoffCap)*(1+backoffJitter)) {
			t.Errorf("attempt %d delay = %v", attempt, d)
		}
	}
}
