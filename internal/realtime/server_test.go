package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"runstream/internal/hub"
	"runstream/internal/logger"
	"runstream/internal/orchestrator"
	"runstream/internal/protocol"
	"runstream/internal/session"
)

type testEnv struct {
	srv  *Server
	orch *orchestrator.Orchestrator
	hub  *hub.Hub
	reg  *session.Registry[orchestrator.Process]
	http *httptest.Server
}

// newTestEnv runs prompts as shell scripts so tests control the child.
func newTestEnv(t *testing.T, ping time.Duration) *testEnv {
	t.Helper()
	h := hub.New(hub.Options{Logger: logger.Discard()})
	reg := session.NewRegistry[orchestrator.Process](session.Options{Logger: logger.Discard()})
	orch := orchestrator.New(orchestrator.Config{Binary: "sh", Timeout: 20 * time.Second}, orchestrator.Options{
		Launcher: orchestrator.PTYLauncher{
			Args:   func(inv orchestrator.Invocation) []string { return []string{"sh", "-c", inv.Prompt} },
			Logger: logger.Discard(),
		},
		Registry: reg,
		Hub:      h,
		Logger:   logger.Discard(),
	})
	srv := New(Options{Orchestrator: orch, Hub: h, Registry: reg, PingInterval: ping, Logger: logger.Discard()})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Shutdown(ctx)
		reg.Shutdown()
	})
	return &testEnv{srv: srv, orch: orch, hub: h, reg: reg, http: hs}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readEnvelope(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// readUntil collects envelopes up to and including the first of type want.
func readUntil(t *testing.T, ws *websocket.Conn, want string) []protocol.Envelope {
	t.Helper()
	var envs []protocol.Envelope
	for {
		env := readEnvelope(t, ws)
		envs = append(envs, env)
		if env.Type == want {
			return envs
		}
	}
}

func messagesOf(envs []protocol.Envelope, typ string) []string {
	var out []string
	for _, e := range envs {
		if e.Type == typ {
			out = append(out, e.Message)
		}
	}
	return out
}

const resultScript = `printf '%s\n' '{"type":"result","result":"hi"}'`

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
}

func TestServer_ListSessionsEmpty(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/sessions", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var infos []session.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&infos))
	assert.Empty(t, infos)
}

func TestServer_NotFoundRoutes(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	handler := env.srv.Handler()

	for _, tc := range []struct{ method, path string }{
		{"DELETE", "/sessions/nobody"},
		{"GET", "/sessions/nobody/output"},
		{"POST", "/streams/none/cancel"},
	} {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
	}
}

func TestServer_StreamHistoryEmpty(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/streams/none/history", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestServer_CORSHeaders(t *testing.T) {
	env := newTestEnv(t, time.Minute)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest("OPTIONS", "/sessions", nil))

	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_WebSocketInvalidMessage(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))

	got := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeError, got.Type)
	assert.Contains(t, got.Message, "invalid client message")
}

func TestServer_WebSocketStartRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1")

	send(t, ws, map[string]any{"action": "start", "prompt": resultScript, "owner_key": "task-1"})

	envs := readUntil(t, ws, protocol.TypeComplete)
	assert.Equal(t, protocol.TypeStatus, envs[0].Type)
	assert.Equal(t, []string{"hi"}, messagesOf(envs, protocol.TypeLog))
	assert.True(t, last(envs).Success)
	assert.Equal(t, 0, last(envs).ExitCode)

	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/streams/s1/history", nil))
	var history []protocol.Envelope
	require.NoError(t, json.NewDecoder(w.Body).Decode(&history))
	assert.Len(t, history, len(envs))
}

func TestServer_PingWhenIdle(t *testing.T) {
	env := newTestEnv(t, 50*time.Millisecond)
	ws := env.dial(t, "/ws/s1")

	got := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypePing, got.Type)
}

func TestServer_ResumeReattachesToLiveRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1")
	send(t, ws, map[string]any{"action": "start", "prompt": `echo '{"type":"result","result":"first"}'; sleep 30`})
	readUntil(t, ws, protocol.TypeLog)

	ws.Close()
	require.Eventually(t, func() bool { return !env.hub.Connected("s1") }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, env.orch.Active("s1"), "terminal run survives disconnect")

	ws2 := env.dial(t, "/ws/s1")
	send(t, ws2, map[string]any{"action": "resume"})
	envs := readUntil(t, ws2, protocol.TypeLog)
	assert.Equal(t, []string{"first"}, messagesOf(envs, protocol.TypeLog))

	send(t, ws2, map[string]any{"action": "cancel"})
	envs = readUntil(t, ws2, protocol.TypeComplete)
	assert.Contains(t, messagesOf(envs, protocol.TypeLog), "cancelled")
	assert.False(t, last(envs).Success)
	assert.Equal(t, orchestrator.SyntheticExitCode, last(envs).ExitCode)
}

// countScript prints line0..line29 as results, 100ms apart.
const countScript = `i=0; while [ $i -lt 30 ]; do printf '{"type":"result","result":"line%d"}\n' $i; i=$((i+1)); sleep 0.1; done`

func TestServer_ReconnectDuringOutputReplaysInOrderWithoutDuplicates(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1")
	send(t, ws, map[string]any{"action": "start", "prompt": countScript})
	readUntil(t, ws, protocol.TypeLog)

	ws.Close()
	require.Eventually(t, func() bool { return !env.hub.Connected("s1") }, 5*time.Second, 10*time.Millisecond)

	ws2 := env.dial(t, "/ws/s1")
	// Output keeps flowing while the new socket has not asked for anything.
	time.Sleep(300 * time.Millisecond)
	send(t, ws2, map[string]any{"action": "resume"})

	envs := readUntil(t, ws2, protocol.TypeComplete)
	assert.Equal(t, protocol.TypeStatus, envs[0].Type)
	lines := messagesOf(envs, protocol.TypeLog)
	require.Len(t, lines, 30)
	for i, line := range lines {
		assert.Equal(t, fmt.Sprintf("line%d", i), line)
	}
	assert.True(t, last(envs).Success)
}

func TestServer_DetachedConversionSocketLeavingKeepsRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1?category=conversion")
	send(t, ws, map[string]any{"action": "start", "prompt": "sleep 30"})
	readUntil(t, ws, protocol.TypeStatus)

	bystander := env.dial(t, "/ws/s1?category=conversion")
	bystander.Close()
	time.Sleep(200 * time.Millisecond)

	assert.True(t, env.orch.Active("s1"))
	assert.True(t, env.hub.Connected("s1"))
}

func TestServer_ConversionDisconnectCancelsRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1?category=conversion")
	send(t, ws, map[string]any{"action": "start", "prompt": "sleep 30"})
	readUntil(t, ws, protocol.TypeStatus)

	ws.Close()

	require.Eventually(t, func() bool { return !env.orch.Active("s1") }, 10*time.Second, 20*time.Millisecond)
	history := env.hub.History("s1")
	assert.Equal(t, protocol.TypeComplete, last(history).Type)
	assert.False(t, last(history).Success)
}

func TestServer_MessageWithoutRunStartsResumedRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1")

	send(t, ws, map[string]any{"action": "message", "text": resultScript})

	envs := readUntil(t, ws, protocol.TypeComplete)
	assert.Equal(t, []string{"hi"}, messagesOf(envs, protocol.TypeLog))
}

func TestServer_CancelWithoutRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1")

	send(t, ws, map[string]any{"action": "cancel"})

	got := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeError, got.Type)
}

func TestServer_ResizeWithoutRun(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	ws := env.dial(t, "/ws/s1")

	send(t, ws, map[string]any{"action": "resize", "rows": 30, "cols": 100})

	got := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeError, got.Type)
	assert.Contains(t, got.Message, "no active run")
}

func last(envs []protocol.Envelope) protocol.Envelope {
	return envs[len(envs)-1]
}
