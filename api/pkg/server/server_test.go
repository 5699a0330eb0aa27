package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raidlink/raidlink/api/pkg/config"
	"github.com/raidlink/raidlink/api/pkg/hub"
	"github.com/raidlink/raidlink/api/pkg/stream"
)

type testEnv struct {
	ts      *httptest.Server
	hub     *hub.Hub
	streams *stream.Manager
	cfg     *config.ServerConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := &config.ServerConfig{
		Stream: config.Stream{
			LiveRoot:      t.TempDir(),
			RecordingRoot: t.TempDir(),
			FFmpegPath:    "ffmpeg",
		},
	}
	streams := stream.NewManager(cfg.Stream.FFmpegPath, cfg.Stream.LiveRoot, cfg.Stream.RecordingRoot, nil)
	h := hub.New(streams)
	streams.OnStatus = h.BroadcastStreamStatus

	s := NewServer(cfg, h, streams)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, hub: h, streams: streams, cfg: cfg}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// expectFrame reads the next frame and asserts its type.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]interface{} {
	t.Helper()
	frame := readFrame(t, conn)
	require.Equal(t, wantType, frame["type"], "unexpected frame: %v", frame)
	return frame
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// connect dials and drains the admission frames, returning the conn and
// its assigned slot.
func (e *testEnv) connect(t *testing.T) (*websocket.Conn, int) {
	t.Helper()
	conn := e.dial(t)
	assigned := expectFrame(t, conn, "agent_assigned")
	expectFrame(t, conn, "ready_state")
	return conn, int(assigned["agentId"].(float64))
}

func TestAgentAssignment(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	assigned := expectFrame(t, conn, "agent_assigned")
	assert.Equal(t, float64(1), assigned["agentId"])

	agents := assigned["agents"].(map[string]interface{})
	names := assigned["names"].(map[string]interface{})
	require.Len(t, agents, 8)
	require.Len(t, names, 8)
	assert.Equal(t, false, agents["5"], "unoccupied slots present with defaults")
	assert.Equal(t, "", names["5"])

	state := expectFrame(t, conn, "ready_state")
	assert.Equal(t, false, state["agents"].(map[string]interface{})["1"])
}

func TestLoneClientStartGate(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.connect(t)

	sendFrame(t, conn, map[string]interface{}{"type": "start_request", "timestamp": 123})
	errFrame := expectFrame(t, conn, "error")
	assert.Equal(t, "All connected users must be Ready to start", errFrame["message"])

	sendFrame(t, conn, map[string]interface{}{"type": "ready", "value": true})
	state := expectFrame(t, conn, "ready_state")
	assert.Equal(t, true, state["agents"].(map[string]interface{})["1"])

	sendFrame(t, conn, map[string]interface{}{"type": "start_request", "timestamp": 5000})
	countdown := expectFrame(t, conn, "countdown")
	assert.Equal(t, float64(5000), countdown["timestamp"])
	assert.Equal(t, float64(3000), countdown["duration"])

	start := expectFrame(t, conn, "start")
	assert.Equal(t, float64(5000), start["timestamp"])
	assert.Equal(t, float64(1), start["starterAgentId"])
}

func TestTwoClientCountdownOrdering(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.connect(t)
	b, bID := env.connect(t)
	expectFrame(t, a, "ready_state") // b joining

	sendFrame(t, a, map[string]interface{}{"type": "ready", "value": true})
	expectFrame(t, a, "ready_state")
	expectFrame(t, b, "ready_state")

	// One unready client still blocks the start.
	sendFrame(t, b, map[string]interface{}{"type": "ready", "value": false})
	expectFrame(t, a, "ready_state")
	expectFrame(t, b, "ready_state")
	sendFrame(t, b, map[string]interface{}{"type": "start_request", "timestamp": 42})
	errFrame := expectFrame(t, b, "error")
	assert.Equal(t, "All connected users must be Ready to start", errFrame["message"])

	sendFrame(t, b, map[string]interface{}{"type": "ready", "value": true})
	expectFrame(t, a, "ready_state")
	expectFrame(t, b, "ready_state")

	sendFrame(t, b, map[string]interface{}{"type": "start_request", "timestamp": 7777})

	// Both peers see countdown immediately followed by start, and the
	// start carries the requester's slot and echoed clock anchor.
	for _, conn := range []*websocket.Conn{a, b} {
		countdown := expectFrame(t, conn, "countdown")
		assert.Equal(t, float64(7777), countdown["timestamp"])
		assert.Equal(t, float64(3000), countdown["duration"])

		start := expectFrame(t, conn, "start")
		assert.Equal(t, float64(7777), start["timestamp"])
		assert.Equal(t, float64(bID), start["starterAgentId"])
	}
}

func TestSetNameBroadcast(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.connect(t)
	b, _ := env.connect(t)
	expectFrame(t, a, "ready_state") // b joining

	sendFrame(t, a, map[string]interface{}{"type": "set_name", "name": "  Alice  "})

	for _, conn := range []*websocket.Conn{a, b} {
		state := expectFrame(t, conn, "ready_state")
		names := state["names"].(map[string]interface{})
		assert.Equal(t, "Alice", names["1"], "name arrives trimmed")
	}
}

func TestTravelCycle(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.connect(t)
	b, _ := env.connect(t)
	expectFrame(t, a, "ready_state") // b joining

	sendFrame(t, a, map[string]interface{}{"type": "ready", "value": true})
	expectFrame(t, a, "ready_state")
	expectFrame(t, b, "ready_state")

	// Entering travel mode clears all ready flags.
	sendFrame(t, a, map[string]interface{}{"type": "travel_request"})
	for _, conn := range []*websocket.Conn{a, b} {
		travel := expectFrame(t, conn, "travel_mode")
		assert.Equal(t, true, travel["active"])
		state := expectFrame(t, conn, "ready_state")
		assert.Equal(t, false, state["agents"].(map[string]interface{})["1"])
	}

	sendFrame(t, b, map[string]interface{}{"type": "execute_travel"})
	for _, conn := range []*websocket.Conn{a, b} {
		expectFrame(t, conn, "execute_travel")
		travel := expectFrame(t, conn, "travel_mode")
		assert.Equal(t, false, travel["active"])
		expectFrame(t, conn, "ready_state")
	}

	// Travel mode is spent after one execution.
	sendFrame(t, b, map[string]interface{}{"type": "execute_travel"})
	errFrame := expectFrame(t, b, "error")
	assert.Equal(t, "Not in travel mode", errFrame["message"])
}

func TestResetRaid(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.connect(t)

	sendFrame(t, conn, map[string]interface{}{"type": "ready", "value": true})
	expectFrame(t, conn, "ready_state")
	sendFrame(t, conn, map[string]interface{}{"type": "travel_request"})
	expectFrame(t, conn, "travel_mode")
	expectFrame(t, conn, "ready_state")

	sendFrame(t, conn, map[string]interface{}{"type": "reset_raid"})
	travel := expectFrame(t, conn, "travel_mode")
	assert.Equal(t, false, travel["active"])
	expectFrame(t, conn, "reset")
	state := expectFrame(t, conn, "ready_state")
	assert.Equal(t, false, state["agents"].(map[string]interface{})["1"])

	// Reset from a clean session is harmless and still announced.
	sendFrame(t, conn, map[string]interface{}{"type": "reset_raid"})
	expectFrame(t, conn, "travel_mode")
	expectFrame(t, conn, "reset")
	expectFrame(t, conn, "ready_state")
}

func TestSlotReclamation(t *testing.T) {
	env := newTestEnv(t)
	a, aID := env.connect(t)
	_, bID := env.connect(t)
	require.Equal(t, 1, aID)
	require.Equal(t, 2, bID)

	a.Close()
	require.Eventually(t, func() bool {
		return env.hub.PeerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, cID := env.connect(t)
	assert.Equal(t, 1, cID, "freed slot is reassigned to the next client")
}

func TestServerFullRefusal(t *testing.T) {
	env := newTestEnv(t)
	for i := 1; i <= 8; i++ {
		_, id := env.connect(t)
		require.Equal(t, i, id)
	}

	ninth := env.dial(t)
	errFrame := expectFrame(t, ninth, "error")
	assert.Equal(t, "Server full (max 8 agents)", errFrame["message"])

	require.NoError(t, ninth.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ninth.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "refusal closes with policy violation: %v", err)

	assert.Equal(t, 8, env.hub.PeerCount(), "refusal leaves admitted peers untouched")
}

func TestPingPongAndUnknownTypes(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := env.connect(t)

	// Unknown types and malformed frames are dropped without reply.
	sendFrame(t, conn, map[string]interface{}{"type": "warp_drive"})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	sendFrame(t, conn, map[string]interface{}{"type": "ping"})
	pong := expectFrame(t, conn, "pong")
	assert.Greater(t, pong["timestamp"].(float64), float64(0))
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status        string `json:"status"`
		Clients       int    `json:"clients"`
		ActiveStreams int    `json:"activeStreams"`
		Timestamp     int64  `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.Clients)
	assert.Equal(t, 0, health.ActiveStreams)
	assert.NotZero(t, health.Timestamp)
}

func TestStreamsEndpointEmpty(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/streams")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	assert.Empty(t, entries)
}

func TestIndexEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var index map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&index))
	assert.Equal(t, "raidlink", index["service"])
}

func TestLiveFileServing(t *testing.T) {
	env := newTestEnv(t)

	liveDir := filepath.Join(env.cfg.Stream.LiveRoot, "1")
	require.NoError(t, os.MkdirAll(liveDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, "stream.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(liveDir, "s123_000.ts"), []byte{0x47}, 0o644))

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		contentType string
	}{
		{"playlist", "/live/1/stream.m3u8", http.StatusOK, "application/vnd.apple.mpegurl"},
		{"segment", "/live/1/s123_000.ts", http.StatusOK, "video/mp2t"},
		{"unknown extension", "/live/1/notes.txt", http.StatusNotFound, ""},
		{"missing playlist", "/live/2/stream.m3u8", http.StatusNotFound, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(env.ts.URL + tc.path)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, tc.wantStatus, resp.StatusCode)
			if tc.contentType != "" {
				assert.Equal(t, tc.contentType, resp.Header.Get("Content-Type"))
				assert.Equal(t, "no-cache, no-store", resp.Header.Get("Cache-Control"))
				assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t)

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "raidlink_connected_agents 1")
}
