package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
)

// supervisor is the Relay Supervisor (C7): a process-wide registry of
// running Instances keyed by the cdpUrl they relay. Multiple Instances can
// coexist in one process — each one owns its own extension link, registry,
// and HTTP+WS surface on its own port.
type supervisor struct {
	mu        sync.Mutex
	instances map[string]*runningInstance
}

type runningInstance struct {
	inst   *Instance
	cancel context.CancelFunc
	done   chan struct{}
}

var defaultSupervisor = &supervisor{instances: make(map[string]*runningInstance)}

// EnsureRelay returns the running Instance for cdpUrl, starting one with
// the given host/port if none exists yet. Calling it again for the same
// cdpUrl while an Instance is already running returns that same Instance
// unchanged — it does not restart or reconfigure it.
func EnsureRelay(cdpURL, host string, port int) (*Instance, error) {
	return defaultSupervisor.ensureRelay(cdpURL, host, port)
}

// StopRelay stops and removes the Instance registered for cdpUrl, if any.
// It is a no-op if no Instance is running for that URL.
func StopRelay(cdpURL string) error {
	return defaultSupervisor.stopRelay(cdpURL)
}

// GetRelayAuthHeaders returns the Authorization header an in-process caller
// should attach to requests against the relay running for cdpURL, per
// spec.md §4.1's getRelayAuthHeaders(cdpUrl) helper. It errors if no relay
// is currently running for that URL.
func GetRelayAuthHeaders(cdpURL string) (http.Header, error) {
	return defaultSupervisor.authHeaders(cdpURL)
}

func (s *supervisor) authHeaders(cdpURL string) (http.Header, error) {
	s.mu.Lock()
	ri, ok := s.instances[cdpURL]
	s.mu.Unlock()
	if !ok {
		return nil, newError(KindExtensionUnavailable, "no relay running for %s", cdpURL)
	}
	return ri.inst.AuthHeader(), nil
}

func (s *supervisor) ensureRelay(cdpURL, host string, port int) (*Instance, error) {
	s.mu.Lock()
	if ri, ok := s.instances[cdpURL]; ok {
		s.mu.Unlock()
		return ri.inst, nil
	}
	s.mu.Unlock()

	inst, err := New(Config{Host: host, Port: port, CDPURL: cdpURL})
	if err != nil {
		return nil, fmt.Errorf("ensure relay for %s: %w", cdpURL, err)
	}

	if err := inst.Listen(); err != nil {
		return nil, fmt.Errorf("ensure relay for %s: %w", cdpURL, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ri := &runningInstance{inst: inst, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if existing, ok := s.instances[cdpURL]; ok {
		s.mu.Unlock()
		cancel()
		_ = inst.Stop()
		return existing.inst, nil
	}
	s.instances[cdpURL] = ri
	s.mu.Unlock()

	go func() {
		defer close(ri.done)
		if err := inst.Serve(ctx); err != nil {
			inst.logger.Error().Err(err).Msg("relay instance exited")
		}
		s.mu.Lock()
		delete(s.instances, cdpURL)
		s.mu.Unlock()
	}()

	return inst, nil
}

func (s *supervisor) stopRelay(cdpURL string) error {
	s.mu.Lock()
	ri, ok := s.instances[cdpURL]
	if ok {
		delete(s.instances, cdpURL)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}
	ri.cancel()
	return ri.inst.Stop()
}
