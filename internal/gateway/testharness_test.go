package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testRelay wraps a running Instance bound to an ephemeral loopback port,
// torn down automatically at the end of the test.
type testRelay struct {
	inst *Instance
	base string
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()

	inst, err := New(Config{Host: "127.0.0.1", Port: 0, CDPURL: "http://localhost:9222"})
	require.NoError(t, err)
	require.NoError(t, inst.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = inst.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	})

	return &testRelay{inst: inst, base: "http://" + inst.Addr()}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// dialExtension opens the unauthenticated extension WS slot and waits until
// the relay has actually registered it as the live connection, so callers
// never race the server-side accept goroutine.
func dialExtension(t *testing.T, r *testRelay) *websocket.Conn {
	t.Helper()
	url := "ws://" + r.inst.Addr() + "/extension"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	waitUntil(t, time.Second, r.inst.link.isConnected)
	return conn
}

// dialCDP opens an authenticated CDP client WS and waits until the hub has
// registered it, so a broadcast sent right after dialing is never lost to
// a registration race.
func dialCDP(t *testing.T, r *testRelay) *websocket.Conn {
	t.Helper()
	url := "ws://" + r.inst.Addr() + "/cdp"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+r.inst.Token())
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	waitUntil(t, time.Second, func() bool {
		r.inst.hub.mu.Lock()
		defer r.inst.hub.mu.Unlock()
		return len(r.inst.hub.clients) >= 1
	})
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

// forwardCDPEventFrame wraps an inner CDP event in the forwardCDPEvent
// envelope the extension uses to push Target.* lifecycle events and other
// observed CDP traffic (spec.md §4.3).
func forwardCDPEventFrame(method string, params interface{}) map[string]interface{} {
	return map[string]interface{}{
		"method": "forwardCDPEvent",
		"params": map[string]interface{}{
			"method": method,
			"params": params,
		},
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func authedRequest(t *testing.T, r *testRelay, method, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, r.base+path, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+r.inst.Token())
	return req
}
