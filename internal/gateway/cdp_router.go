package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
)

const attachTimeout = 15 * time.Second

// clientFrame is the generic shape of a command a CDP client sends. Per the
// design note that this relay carries no strict CDP schema, Params is left
// as raw JSON and only re-parsed by the handlers that need its fields.
type clientFrame struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// cdpRouter is the CDP Router (C5): it answers the handful of Target.*
// methods the relay must synthesize itself, forwards everything else to
// the extension, and demultiplexes events coming back from the extension
// onto the session hub and target registry.
type cdpRouter struct {
	inst *Instance

	mu              sync.Mutex
	pendingAttaches map[string]*pendingAttach // keyed by requestId
}

func newCDPRouter(inst *Instance) *cdpRouter {
	return &cdpRouter{inst: inst, pendingAttaches: make(map[string]*pendingAttach)}
}

// handleClientFrame processes one command received from a connected CDP
// client socket. It never lets a malformed or misbehaving frame propagate
// past this call — errors are turned into a {id,error} reply to that one
// client.
func (rt *cdpRouter) handleClientFrame(clientID uint64, data []byte) {
	var frame clientFrame
	defer func() {
		if r := recover(); r != nil {
			rt.inst.logger.Error().Interface("panic", r).Msg("recovered from panic handling CDP frame")
			rt.inst.hub.sendResult(clientID, frame.ID, nil, newError(KindBadRequest, "internal error: %v", r))
		}
	}()

	if err := json.Unmarshal(data, &frame); err != nil {
		rt.inst.hub.sendResult(clientID, 0, nil, newError(KindBadRequest, "malformed frame"))
		return
	}

	switch frame.Method {
	case "Target.setDiscoverTargets", "Target.setAutoAttach":
		rt.inst.hub.sendResult(clientID, frame.ID, map[string]interface{}{}, nil)
	case "Target.getTargets":
		rt.inst.hub.sendResult(clientID, frame.ID, rt.getTargetsResult(), nil)
	case "Target.attachToTarget":
		rt.handleAttachToTarget(clientID, frame)
	default:
		rt.forward(clientID, frame)
	}
}

func (rt *cdpRouter) getTargetsResult() map[string]interface{} {
	attached, discovered := rt.inst.registry.list()
	infos := make([]map[string]interface{}, 0, len(attached)+len(discovered))
	for _, t := range attached {
		infos = append(infos, targetInfoPayload(t))
	}
	for _, d := range discovered {
		infos = append(infos, map[string]interface{}{
			"targetId": d.SyntheticTargetID(),
			"type":     "page",
			"title":    d.Title,
			"url":      d.URL,
			"attached": false,
		})
	}
	return map[string]interface{}{"targetInfos": infos}
}

func (rt *cdpRouter) forward(clientID uint64, frame clientFrame) {
	if frame.SessionID != "" {
		if _, ok := rt.inst.registry.lookup(target.SessionID(frame.SessionID)); !ok {
			rt.inst.hub.sendResult(clientID, frame.ID, nil, newError(KindSessionNotFound, "session %s not found", frame.SessionID))
			return
		}
	}

	var params interface{}
	if len(frame.Params) > 0 {
		_ = json.Unmarshal(frame.Params, &params)
	}

	result, err := rt.inst.link.call("forwardCDPCommand", map[string]interface{}{
		"method":    frame.Method,
		"params":    params,
		"sessionId": frame.SessionID,
	})
	if err != nil {
		if relayErr, ok := err.(*Error); ok {
			rt.inst.hub.sendResult(clientID, frame.ID, nil, relayErr)
		} else {
			rt.inst.hub.sendResult(clientID, frame.ID, nil, newError(KindBadRequest, "%v", err))
		}
		return
	}

	var decoded interface{}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &decoded)
	}
	rt.inst.hub.sendResult(clientID, frame.ID, decoded, nil)
}

// handleAttachToTarget answers Target.attachToTarget entirely locally, per
// spec.md §4.5: this relay never asks the extension to attach a target in
// response to a CDP client's own Target.attachToTarget — only an already
// -attached target can be handed a sessionId this way. Driving a fresh
// attach of a not-yet-attached (discovered) tab is the job of the HTTP
// /json/attach/<dtab-id> endpoint (attachDiscoveredTab below).
func (rt *cdpRouter) handleAttachToTarget(clientID uint64, frame clientFrame) {
	var params struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(frame.Params, &params)
	if params.TargetID == "" {
		rt.inst.hub.sendResult(clientID, frame.ID, nil, newError(KindInvalidParams, "targetId is required"))
		return
	}

	t, ok := rt.inst.registry.lookupByTargetID(target.ID(params.TargetID))
	if !ok {
		rt.inst.hub.sendResult(clientID, frame.ID, nil, newError(KindInvalidParams, "No such target"))
		return
	}

	rt.inst.hub.sendResult(clientID, frame.ID, map[string]interface{}{"sessionId": t.SessionID}, nil)
	rt.inst.hub.sendEventTo(clientID, "Target.attachedToTarget", map[string]interface{}{
		"sessionId":  t.SessionID,
		"targetInfo": targetInfoPayload(t),
	})
}

// attachDiscoveredTab drives the /json/attach/<dtab-id> handshake (spec.md
// §4.6): it asks the extension to attach the tab encoded by id and returns
// the pendingAttach the caller should wait on. The pendingAttach resolves
// only once both the attachDiscoveredTab RPC reply and the subsequent
// Target.attachedToTarget event have arrived.
func (rt *cdpRouter) attachDiscoveredTab(id string) (*pendingAttach, error) {
	tabID, ok := parseDiscoveredTabID(id)
	if !ok {
		return nil, newError(KindBadRequest, "not a discovered tab id: %s", id)
	}

	requestID := "attach-" + uuid.NewString()
	pa := newPendingAttach(id, requestID, attachTimeout)
	rt.mu.Lock()
	rt.pendingAttaches[requestID] = pa
	rt.mu.Unlock()

	result, err := rt.inst.link.call("attachDiscoveredTab", map[string]interface{}{
		"tabId":     tabID,
		"requestId": requestID,
	})
	if err != nil {
		rt.mu.Lock()
		delete(rt.pendingAttaches, requestID)
		rt.mu.Unlock()
		pa.cancel(err)
		relayErr, ok := err.(*Error)
		if !ok {
			relayErr = newError(KindBadRequest, "%v", err)
		}
		return nil, relayErr
	}

	var rpcResult struct {
		Error string `json:"error,omitempty"`
	}
	_ = json.Unmarshal(result, &rpcResult)
	if rpcResult.Error != "" {
		pa.onRPCResult(newError(KindBadRequest, "%s", rpcResult.Error))
	} else {
		pa.onRPCResult(nil)
	}

	return pa, nil
}

// handleExtensionEvent demultiplexes an event pushed by the extension
// (not a reply to a pending call) onto the registry and any pendingAttach
// that is waiting on it. Per spec.md §4.3, Target.* lifecycle events always
// arrive wrapped in a top-level forwardCDPEvent envelope; tabsDiscovered/
// tabUpdated/tabRemoved arrive as bare top-level methods instead.
func (rt *cdpRouter) handleExtensionEvent(method string, params json.RawMessage) {
	switch method {
	case "tabsDiscovered":
		var p struct {
			Tabs []DiscoveredTab `json:"tabs"`
		}
		_ = json.Unmarshal(params, &p)
		rt.inst.registry.onTabsDiscovered(p.Tabs)
	case "tabUpdated":
		var tab DiscoveredTab
		_ = json.Unmarshal(params, &tab)
		rt.inst.registry.onTabUpdated(tab)
	case "tabRemoved":
		var p struct {
			TabID int `json:"tabId"`
		}
		_ = json.Unmarshal(params, &p)
		rt.inst.registry.onTabRemoved(p.TabID)
	case "forwardCDPEvent":
		rt.onForwardedCDPEvent(params)
	default:
		rt.inst.logger.Debug().Str("method", method).Msg("unhandled extension event")
	}
}

// onForwardedCDPEvent unwraps a forwardCDPEvent envelope. If the inner
// event is one of the three Target.* lifecycle events this relay
// synthesizes, it is dispatched to the registry, whose own handlers
// already rebroadcast the canonical version to every CDP client (spec.md
// §4.2). Everything else (Network.*, Page.*, ...) is a CDP event the
// extension merely observed on an attached target and is broadcast
// verbatim, unmodified, to every CDP client.
func (rt *cdpRouter) onForwardedCDPEvent(params json.RawMessage) {
	var p struct {
		Method    string          `json:"method"`
		Params    json.RawMessage `json:"params"`
		SessionID string          `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	switch p.Method {
	case "Target.attachedToTarget":
		rt.onAttachedToTarget(p.Params)
		return
	case "Target.detachedFromTarget":
		var dp struct {
			SessionID string `json:"sessionId"`
		}
		_ = json.Unmarshal(p.Params, &dp)
		rt.inst.registry.onDetachedFromTarget(target.SessionID(dp.SessionID))
		return
	case "Target.targetInfoChanged":
		var ip struct {
			TargetInfo struct {
				TargetID string `json:"targetId"`
				Title    string `json:"title"`
				URL      string `json:"url"`
			} `json:"targetInfo"`
		}
		_ = json.Unmarshal(p.Params, &ip)
		rt.inst.registry.onTargetInfoChanged(target.ID(ip.TargetInfo.TargetID), ip.TargetInfo.Title, ip.TargetInfo.URL)
		return
	}

	var decoded interface{}
	if len(p.Params) > 0 {
		_ = json.Unmarshal(p.Params, &decoded)
	}
	rt.inst.hub.broadcastEvent(p.Method, decoded)
}

func (rt *cdpRouter) onAttachedToTarget(params json.RawMessage) {
	var p struct {
		SessionID  string `json:"sessionId"`
		RequestID  string `json:"requestId"`
		TargetInfo struct {
			TargetID           string `json:"targetId"`
			Type               string `json:"type"`
			Title              string `json:"title"`
			URL                string `json:"url"`
			WaitingForDebugger bool   `json:"waitingForDebugger"`
		} `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}

	targetType := p.TargetInfo.Type
	if targetType == "" {
		targetType = "page"
	}
	t := AttachedTarget{
		TargetID:           target.ID(p.TargetInfo.TargetID),
		SessionID:          target.SessionID(p.SessionID),
		Type:               targetType,
		Title:              p.TargetInfo.Title,
		URL:                p.TargetInfo.URL,
		WaitingForDebugger: p.TargetInfo.WaitingForDebugger,
	}
	rt.inst.registry.onAttachedToTarget(t)

	if p.RequestID == "" {
		return
	}
	rt.mu.Lock()
	pa, ok := rt.pendingAttaches[p.RequestID]
	if ok {
		delete(rt.pendingAttaches, p.RequestID)
	}
	rt.mu.Unlock()
	if ok {
		pa.onAttachedEvent(&t)
	}
}
