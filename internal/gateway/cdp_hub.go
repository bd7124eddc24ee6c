package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func deadlineNow() time.Time {
	return time.Now().Add(time.Second)
}

// writeQueueCap bounds the number of outbound frames buffered per CDP
// client before the hub gives up on that client and closes it with 1013
// (try again later) rather than let a slow reader back up memory forever.
const writeQueueCap = 256

// cdpClient is one connected CDP WebSocket client with its own serialized
// writer goroutine, so a slow client can never block writes to any other
// client or to the extension link.
type cdpClient struct {
	id     uint64
	conn   *websocket.Conn
	outbox chan []byte
	closed int32
}

func (c *cdpClient) enqueue(payload []byte) bool {
	select {
	case c.outbox <- payload:
		return true
	default:
		return false
	}
}

func (c *cdpClient) writeLoop(hub *cdpHub) {
	for payload := range c.outbox {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			hub.remove(c.id)
			return
		}
	}
}

func (c *cdpClient) closeWithOverflow() {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(1013, "backpressure limit exceeded"), deadlineNow())
	_ = c.conn.Close()
}

// cdpHub is the CDP Session Hub (C4): it owns every connected CDP client
// socket and is the single place that fans events out to all of them.
type cdpHub struct {
	inst *Instance

	mu      sync.Mutex
	clients map[uint64]*cdpClient
	nextID  uint64
}

func newCDPHub(inst *Instance) *cdpHub {
	return &cdpHub{inst: inst, clients: make(map[uint64]*cdpClient)}
}

// add registers a new CDP client socket and starts its writer goroutine. It
// immediately replays the current attached-target set as
// Target.attachedToTarget events, so a client connecting after targets are
// already attached still learns about them.
func (h *cdpHub) add(conn *websocket.Conn) *cdpClient {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	c := &cdpClient{
		id:     id,
		conn:   conn,
		outbox: make(chan []byte, writeQueueCap),
	}
	h.clients[id] = c
	h.mu.Unlock()

	go c.writeLoop(h)

	attached, _ := h.inst.registry.list()
	for _, t := range attached {
		h.sendTo(c, "Target.attachedToTarget", map[string]interface{}{
			"sessionId":  t.SessionID,
			"targetInfo": targetInfoPayload(t),
		})
	}
	return c
}

func (h *cdpHub) remove(id uint64) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		close(c.outbox)
	}
}

// broadcastEvent fans a CDP event to every connected client. Clients whose
// outbound queue is already full are closed with 1013 rather than dropped
// silently or allowed to block the broadcast.
func (h *cdpHub) broadcastEvent(method string, params interface{}) {
	h.mu.Lock()
	clients := make([]*cdpClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.sendTo(c, method, params)
	}
}

// sendEventTo unicasts a synthetic CDP event to exactly one client, used
// when Target.attachToTarget must notify only the requesting client rather
// than broadcasting (spec.md §4.5).
func (h *cdpHub) sendEventTo(clientID uint64, method string, params interface{}) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}
	h.sendTo(c, method, params)
}

func (h *cdpHub) sendTo(c *cdpClient, method string, params interface{}) {
	payload, err := json.Marshal(cdpEventFrame{Method: method, Params: params})
	if err != nil {
		return
	}
	if !c.enqueue(payload) {
		c.closeWithOverflow()
	}
}

// sendResult delivers a {id,result} or {id,error} reply to one specific CDP
// client by id, used by the router when answering a synthesized or
// forwarded command.
func (h *cdpHub) sendResult(clientID uint64, id int64, result interface{}, relayErr *Error) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	h.mu.Unlock()
	if !ok {
		return
	}

	frame := cdpResultFrame{ID: id}
	if relayErr != nil {
		ce := relayErr.toCDPError()
		frame.Error = &ce
	} else {
		frame.Result = result
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !c.enqueue(payload) {
		c.closeWithOverflow()
	}
}

func (h *cdpHub) shutdown() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[uint64]*cdpClient)
	h.mu.Unlock()

	for _, c := range clients {
		close(c.outbox)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay shutting down"), deadlineNow())
		_ = c.conn.Close()
	}
}

type cdpEventFrame struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type cdpResultFrame struct {
	ID     int64       `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *cdpError   `json:"error,omitempty"`
}
