package gateway

import (
	"encoding/json"
	"sync"
	"time"
)

// pendingExtensionCall tracks one in-flight request to the extension,
// resolved exactly once either by a matching reply or by cancellation.
type pendingExtensionCall struct {
	id       int64
	method   string
	deadline time.Time
	done     chan struct{}
	once     sync.Once
	result   json.RawMessage
	err      error
}

func newPendingExtensionCall(id int64, method string, timeout time.Duration) *pendingExtensionCall {
	return &pendingExtensionCall{
		id:       id,
		method:   method,
		deadline: time.Now().Add(timeout),
		done:     make(chan struct{}),
	}
}

// resolve completes the call with a reply. Safe to call more than once;
// only the first call has any effect.
func (p *pendingExtensionCall) resolve(result json.RawMessage, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// wait blocks until resolve is called or the supplied deadline channel
// fires, whichever happens first.
func (p *pendingExtensionCall) wait(timeoutC <-chan time.Time) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-timeoutC:
		p.resolve(nil, newError(KindTimeout, "extension did not reply to %s", p.method))
		return p.result, p.err
	}
}

// pendingAttach tracks an HTTP /json/attach/<id> waiter. It resolves only
// once both halves of the attach handshake have arrived: the RPC result
// from the extension's attachDiscoveredTab call, and the corresponding
// Target.attachedToTarget event carrying the sessionId. Either can arrive
// first; resolve is idempotent so only the first completion wins.
type pendingAttach struct {
	tabID     string
	requestID string
	deadline  time.Time

	mu       sync.Mutex
	gotRPC   bool
	gotEvent bool
	target   *AttachedTarget
	err      error
	done     chan struct{}
	once     sync.Once
}

func newPendingAttach(tabID, requestID string, timeout time.Duration) *pendingAttach {
	return &pendingAttach{
		tabID:     tabID,
		requestID: requestID,
		deadline:  time.Now().Add(timeout),
		done:      make(chan struct{}),
	}
}

// onRPCResult records the attachDiscoveredTab RPC reply. fails with err if the
// extension itself reported a failure.
func (p *pendingAttach) onRPCResult(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gotRPC {
		return
	}
	p.gotRPC = true
	if err != nil {
		p.finishLocked(nil, err)
		return
	}
	p.maybeFinishLocked()
}

// onAttachedEvent records the Target.attachedToTarget event payload.
func (p *pendingAttach) onAttachedEvent(t *AttachedTarget) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gotEvent {
		return
	}
	p.gotEvent = true
	p.target = t
	p.maybeFinishLocked()
}

func (p *pendingAttach) maybeFinishLocked() {
	if p.gotRPC && p.gotEvent {
		p.finishLocked(p.target, nil)
	}
}

func (p *pendingAttach) finishLocked(t *AttachedTarget, err error) {
	p.once.Do(func() {
		p.target = t
		p.err = err
		close(p.done)
	})
}

func (p *pendingAttach) cancel(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked(nil, err)
}

func (p *pendingAttach) wait(timeoutC <-chan time.Time) (*AttachedTarget, error) {
	select {
	case <-p.done:
		return p.target, p.err
	case <-timeoutC:
		p.cancel(newError(KindTimeout, "timed out attaching to tab %s", p.tabID))
		return p.target, p.err
	}
}
