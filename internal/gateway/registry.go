package gateway

import (
	"github.com/chromedp/cdproto/target"
)

// registry is the Target Registry (C2): the relay's view of which CDP
// targets the extension has attached to, and which browser tabs it has
// discovered but nothing has attached to yet. Every mutating method takes
// the Instance's single mutex itself (mirroring the teacher's
// single-mutex Server) so callers never need to hold it beforehand.
type registry struct {
	inst *Instance

	attached   map[target.SessionID]*AttachedTarget
	discovered map[int]*DiscoveredTab // keyed by tabId
}

func newRegistry(inst *Instance) *registry {
	return &registry{
		inst:       inst,
		attached:   make(map[target.SessionID]*AttachedTarget),
		discovered: make(map[int]*DiscoveredTab),
	}
}

// onAttachedToTarget records a new attachment. If an existing AttachedTarget
// already owns sessionID under a *different* targetId — a mid-flight
// detach/reattach race — the old one is evicted and a synthetic
// Target.detachedFromTarget is broadcast for it before the new attach is
// recorded and rebroadcast, so CDP clients never see sessionId jump
// targets without an intervening detach (spec.md §4.2). The same
// sessionId+targetId pair is treated as a refresh: the entry is replaced
// with the new fields, no detach is synthesized, but a
// Target.attachedToTarget built from the stored entry is still broadcast so
// late joiners can resync.
func (reg *registry) onAttachedToTarget(t AttachedTarget) {
	reg.inst.mu.Lock()
	old, hadOld := reg.attached[t.SessionID]
	reusedSession := hadOld && old.TargetID != t.TargetID
	if reusedSession {
		delete(reg.attached, t.SessionID)
	}
	reg.attached[t.SessionID] = &t
	delete(reg.discovered, normalizedTabKeyForURL(reg.discovered, t.URL))
	reg.inst.mu.Unlock()

	if reusedSession {
		reg.inst.hub.broadcastEvent("Target.detachedFromTarget", map[string]interface{}{
			"sessionId": t.SessionID,
		})
	}

	reg.inst.hub.broadcastEvent("Target.attachedToTarget", map[string]interface{}{
		"sessionId":  t.SessionID,
		"targetInfo": targetInfoPayload(t),
	})
}

// onDetachedFromTarget removes the AttachedTarget for sessionID, if any,
// and rebroadcasts the detach to every CDP client.
func (reg *registry) onDetachedFromTarget(sessionID target.SessionID) {
	reg.inst.mu.Lock()
	_, existed := reg.attached[sessionID]
	delete(reg.attached, sessionID)
	reg.inst.mu.Unlock()

	if !existed {
		return
	}
	reg.inst.hub.broadcastEvent("Target.detachedFromTarget", map[string]interface{}{
		"sessionId": sessionID,
	})
}

// onTargetInfoChanged updates title/url for an already-attached target,
// keyed by targetId: Target.targetInfoChanged carries no sessionId of its
// own (spec.md §4.2), so the attached target is found by scanning for a
// matching TargetID rather than by session.
func (reg *registry) onTargetInfoChanged(targetID target.ID, title, url string) {
	reg.inst.mu.Lock()
	var t *AttachedTarget
	for _, at := range reg.attached {
		if at.TargetID == targetID {
			t = at
			break
		}
	}
	ok := t != nil
	if ok {
		t.Title = title
		t.URL = url
	}
	reg.inst.mu.Unlock()

	if !ok {
		return
	}
	reg.inst.hub.broadcastEvent("Target.targetInfoChanged", map[string]interface{}{
		"targetInfo": targetInfoPayload(*t),
	})
}

// onTabsDiscovered replaces the full discovered-tab set, typically sent
// once right after the extension connects.
func (reg *registry) onTabsDiscovered(tabs []DiscoveredTab) {
	reg.inst.mu.Lock()
	reg.discovered = make(map[int]*DiscoveredTab, len(tabs))
	for i := range tabs {
		tab := tabs[i]
		if reg.isAttachedURLLocked(tab.URL) {
			continue
		}
		reg.discovered[tab.TabID] = &tab
	}
	reg.inst.mu.Unlock()
}

// onTabUpdated upserts a single discovered tab (e.g. chrome.tabs.onUpdated).
func (reg *registry) onTabUpdated(tab DiscoveredTab) {
	reg.inst.mu.Lock()
	if reg.isAttachedURLLocked(tab.URL) {
		delete(reg.discovered, tab.TabID)
	} else {
		reg.discovered[tab.TabID] = &tab
	}
	reg.inst.mu.Unlock()
}

// onTabRemoved removes a discovered tab (e.g. chrome.tabs.onRemoved).
func (reg *registry) onTabRemoved(tabID int) {
	reg.inst.mu.Lock()
	delete(reg.discovered, tabID)
	reg.inst.mu.Unlock()
}

// onExtensionDisconnected clears all discovery state and every attachment —
// nothing the relay knows about survives the extension link dropping,
// since the extension owns the only channel to the real browser.
func (reg *registry) onExtensionDisconnected() {
	reg.inst.mu.Lock()
	sessions := make([]target.SessionID, 0, len(reg.attached))
	for sid := range reg.attached {
		sessions = append(sessions, sid)
	}
	reg.attached = make(map[target.SessionID]*AttachedTarget)
	reg.discovered = make(map[int]*DiscoveredTab)
	reg.inst.mu.Unlock()

	for _, sid := range sessions {
		reg.inst.hub.broadcastEvent("Target.detachedFromTarget", map[string]interface{}{
			"sessionId": sid,
		})
	}
}

// isAttachedURLLocked reports whether an attached target already exists
// with the given URL's normalized form. Caller must hold inst.mu.
func (reg *registry) isAttachedURLLocked(rawURL string) bool {
	key := normalizeURL(rawURL)
	if key == "" {
		return false
	}
	for _, t := range reg.attached {
		if normalizeURL(t.URL) == key {
			return true
		}
	}
	return false
}

// normalizedTabKeyForURL finds the discovered-tab map key whose URL
// normalizes the same as rawURL, or -1 if none. Used purely to evict the
// discovered-tab duplicate of a target that just attached.
func normalizedTabKeyForURL(discovered map[int]*DiscoveredTab, rawURL string) int {
	key := normalizeURL(rawURL)
	if key == "" {
		return -1
	}
	for tabID, tab := range discovered {
		if normalizeURL(tab.URL) == key {
			return tabID
		}
	}
	return -1
}

// list returns the current attached targets and discovered tabs, deduped:
// any discovered tab whose normalized URL matches an attached target is
// omitted, since it is the same page under a different id space.
func (reg *registry) list() (attached []AttachedTarget, discovered []DiscoveredTab) {
	reg.inst.mu.Lock()
	defer reg.inst.mu.Unlock()

	for _, t := range reg.attached {
		attached = append(attached, *t)
	}
	for _, tab := range reg.discovered {
		if reg.isAttachedURLLocked(tab.URL) {
			continue
		}
		discovered = append(discovered, *tab)
	}
	return attached, discovered
}

// lookup returns the AttachedTarget for sessionID, if one exists.
func (reg *registry) lookup(sessionID target.SessionID) (AttachedTarget, bool) {
	reg.inst.mu.Lock()
	defer reg.inst.mu.Unlock()
	t, ok := reg.attached[sessionID]
	if !ok {
		return AttachedTarget{}, false
	}
	return *t, true
}

// lookupByTargetID returns the AttachedTarget for targetID, if one exists.
// Used by Target.attachToTarget (spec.md §4.5), which is answered purely
// from already-attached state and never consults the extension.
func (reg *registry) lookupByTargetID(targetID target.ID) (AttachedTarget, bool) {
	reg.inst.mu.Lock()
	defer reg.inst.mu.Unlock()
	for _, t := range reg.attached {
		if t.TargetID == targetID {
			return *t, true
		}
	}
	return AttachedTarget{}, false
}

func (reg *registry) shutdown() {
	reg.onExtensionDisconnected()
}

func targetInfoPayload(t AttachedTarget) map[string]interface{} {
	return map[string]interface{}{
		"targetId":           t.TargetID,
		"type":               t.Type,
		"title":              t.Title,
		"url":                t.URL,
		"attached":           true,
		"waitingForDebugger": t.WaitingForDebugger,
	}
}
