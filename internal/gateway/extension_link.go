package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	extensionCallTimeout = 10 * time.Second
	pingInterval         = 15 * time.Second
	maxMissedPongs       = 3
)

// extensionFrame is the envelope used on the extension WebSocket in both
// directions: outbound RPC calls ({id,method,params}) and inbound replies
// ({id,result,error}) or events ({method,params} with no id).
type extensionFrame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

// extensionLink is the Extension Link (C3): a single exclusive WebSocket
// slot carrying the one real connection to the browser extension. A second
// connection attempt is rejected (close code 4001) rather than replacing
// the first — this spec never shares a relay between two extensions.
type extensionLink struct {
	inst *Instance

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID  int64
	pending map[int64]*pendingExtensionCall

	missedPongs int32
	stopPing    chan struct{}
}

func newExtensionLink(inst *Instance) *extensionLink {
	return &extensionLink{
		inst:    inst,
		pending: make(map[int64]*pendingExtensionCall),
	}
}

// attach takes ownership of a freshly upgraded WebSocket as the extension
// connection, or rejects it if a connection is already live.
func (l *extensionLink) attach(conn *websocket.Conn) error {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(4001, "extension already connected"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return newError(KindBadRequest, "extension already connected")
	}
	l.conn = conn
	l.stopPing = make(chan struct{})
	l.missedPongs = 0
	l.mu.Unlock()

	go l.pingLoop()
	l.readLoop(conn)
	return nil
}

// pingLoop drives the application-level liveness protocol (spec.md §4.3,
// §6): a browser extension's content script cannot send a raw WebSocket
// control pong, so liveness is a plain JSON frame exchange instead of
// WebSocket control frames — the relay sends {"method":"ping"} and expects
// {"method":"pong"} back via dispatch. After maxMissedPongs unanswered
// pings the link is presumed dead and closed.
func (l *extensionLink) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopPing:
			return
		case <-ticker.C:
			if atomic.AddInt32(&l.missedPongs, 1) > maxMissedPongs {
				l.inst.logger.Warn().Msg("extension link unresponsive, closing")
				l.closeConn()
				return
			}
			payload, err := json.Marshal(extensionFrame{Method: "ping"})
			if err != nil {
				continue
			}
			l.writeMu.Lock()
			err = l.currentConn().WriteMessage(websocket.TextMessage, payload)
			l.writeMu.Unlock()
			if err != nil {
				l.closeConn()
				return
			}
		}
	}
}

func (l *extensionLink) currentConn() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *extensionLink) readLoop(conn *websocket.Conn) {
	defer l.onDisconnect(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		l.dispatch(data)
	}
}

// dispatch is run in a bounded scope per the spec's requirement that one
// malformed frame never take down the link: a panic or parse error here is
// logged and swallowed, not propagated.
func (l *extensionLink) dispatch(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.inst.logger.Error().Interface("panic", r).Msg("recovered from panic dispatching extension frame")
		}
	}()

	var frame extensionFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		l.inst.logger.Warn().Err(err).Msg("malformed extension frame")
		return
	}

	if frame.Method == "pong" {
		atomic.StoreInt32(&l.missedPongs, 0)
		return
	}

	if frame.Method == "ping" {
		return
	}

	if frame.Method != "" && frame.ID == 0 {
		l.inst.router.handleExtensionEvent(frame.Method, frame.Params)
		return
	}

	l.resolveCall(frame.ID, frame.Result, frame.Error)
}

func (l *extensionLink) resolveCall(id int64, result json.RawMessage, errShape *cdpError) {
	l.mu.Lock()
	call, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()

	if !ok {
		return
	}
	if errShape != nil {
		call.resolve(nil, newError(KindBadRequest, "%s", errShape.Message))
		return
	}
	call.resolve(result, nil)
}

// call sends {id,method,params} to the extension and blocks until a matching
// reply arrives or timeout elapses.
func (l *extensionLink) call(method string, params interface{}) (json.RawMessage, error) {
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return nil, newError(KindExtensionUnavailable, "no extension connected")
	}
	l.nextID++
	id := l.nextID
	pc := newPendingExtensionCall(id, method, extensionCallTimeout)
	l.pending[id] = pc
	l.mu.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, newError(KindInvalidParams, "%v", err)
	}
	frame := extensionFrame{ID: id, Method: method, Params: raw}
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}

	l.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	l.writeMu.Unlock()
	if writeErr != nil {
		l.mu.Lock()
		delete(l.pending, id)
		l.mu.Unlock()
		return nil, newError(KindExtensionUnavailable, "%v", writeErr)
	}

	timer := time.NewTimer(extensionCallTimeout)
	defer timer.Stop()
	return pc.wait(timer.C)
}

func (l *extensionLink) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *extensionLink) closeConn() {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (l *extensionLink) onDisconnect(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	close(l.stopPing)
	pending := l.pending
	l.pending = make(map[int64]*pendingExtensionCall)
	l.mu.Unlock()

	for _, pc := range pending {
		pc.resolve(nil, newError(KindExtensionUnavailable, "extension disconnected"))
	}

	l.inst.registry.onExtensionDisconnected()
	l.inst.logger.Info().Msg("extension disconnected")
}

func (l *extensionLink) shutdown() {
	l.mu.Lock()
	conn := l.conn
	pending := l.pending
	l.pending = make(map[int64]*pendingExtensionCall)
	l.mu.Unlock()

	for _, pc := range pending {
		pc.resolve(nil, newError(KindShutdown, "relay shutting down"))
	}
	if conn != nil {
		_ = conn.Close()
	}
}
