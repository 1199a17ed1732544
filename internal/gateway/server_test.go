package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tetherlabs/tether/internal/agent"
	"github.com/tetherlabs/tether/internal/llm"
	"github.com/tetherlabs/tether/internal/session"
	"github.com/tetherlabs/tether/internal/tools"
	"github.com/tetherlabs/tether/pkg/models"
)

type wsTestProvider struct {
	mu      sync.Mutex
	scripts [][]llm.Fragment
	calls   int
}

func (p *wsTestProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Fragment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.calls
	if idx >= len(p.scripts) {
		idx = len(p.scripts) - 1
	}
	p.calls++
	script := p.scripts[idx]
	ch := make(chan llm.Fragment, len(script))
	for _, f := range script {
		ch <- f
	}
	close(ch)
	return ch, nil
}

func (p *wsTestProvider) Name() string { return "scripted" }

type echoRunner struct{}

func (echoRunner) Exec(ctx context.Context, target, command string) (string, error) {
	if strings.HasPrefix(command, "cat ") {
		return "(no output)", nil
	}
	return "ran: " + command, nil
}

func answer(text string) []llm.Fragment {
	return []llm.Fragment{{Text: text}, {Done: true}}
}

func toolThen(id, args string) []llm.Fragment {
	return []llm.Fragment{
		{ToolDelta: &llm.ToolCallDelta{Index: 0, ID: id, Name: "bash"}},
		{ToolDelta: &llm.ToolCallDelta{Index: 0, ArgumentsFragment: args}},
		{Done: true},
	}
}

func newTestServer(t *testing.T, scripts ...[]llm.Fragment) (*Server, *session.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := echoRunner{}

	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBash(registry, runner); err != nil {
		t.Fatalf("register bash: %v", err)
	}
	provider := &wsTestProvider{scripts: scripts}
	orch := agent.New(provider, registry, logger)
	manager := session.NewManager(runner, session.NamedTargets("user_", runner), nil, logger)
	return NewServer(manager, orch, logger), manager
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, answer("hi"))
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestMessageEndpointRunsTurn(t *testing.T) {
	srv, manager := newTestServer(t,
		toolThen("call_1", `{"command":"ls"}`),
		answer("all done"),
	)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions/42/message", messageRequest{Text: "list files"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out messageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Text != "all done" {
		t.Fatalf("text = %q", out.Text)
	}

	sess, ok := manager.Get("42")
	if !ok {
		t.Fatal("session not registered")
	}
	if sess.Transcript().Len() != 4 {
		t.Fatalf("transcript len = %d, want 4", sess.Transcript().Len())
	}
}

func TestEditEndpoints(t *testing.T) {
	srv, manager := newTestServer(t, answer("hello"))
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions/7/edit", editRequest{Op: "clear"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("edit before create: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts, "/api/sessions/7/message", messageRequest{Text: "hi"})
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/sessions/7/edit", editRequest{Op: "remove_last"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove_last: status = %d", resp.StatusCode)
	}
	sess, _ := manager.Get("7")
	if sess.Transcript().Len() != 1 {
		t.Fatalf("len after remove_last = %d", sess.Transcript().Len())
	}

	resp = postJSON(t, ts, "/api/sessions/7/edit", editRequest{
		Op: "inject",
		Entries: []models.Entry{
			models.ToolRequestEntry("", []models.ToolCall{{ID: "dangle", Name: "bash", Arguments: json.RawMessage(`{}`)}}),
		},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("inject dangling: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, ts, "/api/sessions/7/edit", editRequest{Op: "clear"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status = %d", resp.StatusCode)
	}
	if sess.Transcript().Len() != 0 {
		t.Fatal("clear did not empty transcript")
	}
}

func TestExportEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, answer("hello"))
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions/9/message", messageRequest{Text: "hi"})
	resp.Body.Close()

	getResp, err := http.Get(ts.URL + "/api/sessions/9/export")
	if err != nil {
		t.Fatalf("get export: %v", err)
	}
	defer getResp.Body.Close()
	var export models.SessionExport
	if err := json.NewDecoder(getResp.Body).Decode(&export); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if export.SessionID != "9" || len(export.Messages) != 2 || export.Timestamp == "" {
		t.Fatalf("export = %+v", export)
	}
}

func TestWebSocketTurnStreamsEvents(t *testing.T) {
	srv, _ := newTestServer(t,
		toolThen("call_1", `{"command":"pwd"}`),
		answer("you are at home"),
	)
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(clientFrame{Type: "message", SessionID: "11", Text: "where am i?"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var types []models.TurnEventType
	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v (got %v)", err, types)
		}
		types = append(types, frame.Type)
		if frame.Type == models.TurnEnd {
			if frame.Text != "you are at home" {
				t.Fatalf("end text = %q", frame.Text)
			}
			break
		}
	}

	if types[0] != models.TurnStart {
		t.Fatalf("first frame = %s", types[0])
	}
	sawInvoke, sawResult := false, false
	for _, typ := range types {
		if typ == models.TurnToolInvoked {
			sawInvoke = true
		}
		if typ == models.TurnToolResult {
			if !sawInvoke {
				t.Fatal("tool_result before tool_invoked")
			}
			sawResult = true
		}
	}
	if !sawInvoke || !sawResult {
		t.Fatalf("missing tool frames: %v", types)
	}
}

// stallingProvider blocks the model stream until its context is
// cancelled, signalling both the call and the cancellation.
type stallingProvider struct {
	started   chan struct{}
	cancelled chan struct{}
}

func (p *stallingProvider) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Fragment, error) {
	close(p.started)
	ch := make(chan llm.Fragment, 1)
	go func() {
		defer close(ch)
		<-ctx.Done()
		close(p.cancelled)
		ch <- llm.Fragment{Err: ctx.Err()}
	}()
	return ch, nil
}

func (p *stallingProvider) Name() string { return "stalling" }

func TestWebSocketCloseCancelsRunningTurn(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := echoRunner{}
	registry := tools.NewRegistry(logger)
	if err := tools.RegisterBash(registry, runner); err != nil {
		t.Fatalf("register bash: %v", err)
	}
	provider := &stallingProvider{started: make(chan struct{}), cancelled: make(chan struct{})}
	orch := agent.New(provider, registry, logger)
	manager := session.NewManager(runner, session.NamedTargets("user_", runner), nil, logger)
	srv := NewServer(manager, orch, logger)

	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := conn.WriteJSON(clientFrame{Type: "message", SessionID: "13", Text: "hang"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-provider.started:
	case <-time.After(2 * time.Second):
		t.Fatal("model call never started")
	}
	conn.Close()

	select {
	case <-provider.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("closing the connection did not cancel the turn")
	}
}

func TestWebSocketUnknownFrameType(t *testing.T) {
	srv, _ := newTestServer(t, answer("hi"))
	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(clientFrame{Type: "dance", SessionID: "11"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != models.TurnError {
		t.Fatalf("frame = %+v", frame)
	}
}
