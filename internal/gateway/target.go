package gateway

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/target"
)

// AttachedTarget is a CDP target the extension has attached to and is
// actively forwarding traffic for. Every AttachedTarget owns exactly one
// sessionId for as long as the attachment lives.
type AttachedTarget struct {
	TargetID           target.ID        `json:"targetId"`
	SessionID          target.SessionID `json:"sessionId"`
	Type               string           `json:"type"`
	Title              string           `json:"title"`
	URL                string           `json:"url"`
	WaitingForDebugger bool             `json:"waitingForDebugger"`
}

// DiscoveredTab is a browser tab the extension has reported via tab
// discovery but that no CDP client has attached to yet. Its TargetID is
// synthetic ("dtab-<tabId>") since Chrome has not assigned it a real one.
// TabID is numeric (browser-assigned) per spec.md §3, matching how the
// extension encodes it on the wire.
type DiscoveredTab struct {
	TabID  int    `json:"tabId"`
	Title  string `json:"title"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// SyntheticTargetID returns the dtab-prefixed id used to reference a
// DiscoveredTab before it has a real CDP target.
func (d DiscoveredTab) SyntheticTargetID() string {
	return discoveredTabIDPrefix + strconv.Itoa(d.TabID)
}

const discoveredTabIDPrefix = "dtab-"

// parseDiscoveredTabID extracts the tab id encoded by SyntheticTargetID, or
// reports ok=false if id isn't a synthetic discovered-tab id.
func parseDiscoveredTabID(id string) (tabID int, ok bool) {
	if !strings.HasPrefix(id, discoveredTabIDPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(id, discoveredTabIDPrefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// normalizeURL produces the dedup key the registry uses to decide whether a
// discovered tab is "the same page" as an already-attached target: it trims
// surrounding whitespace, then reparses and re-serializes the URL, keeping
// the fragment since distinct fragments are distinct pages for our purposes.
// A trailing slash or an explicit default port is not removed, so
// "https://example.com" and "https://example.com/" stay distinct.
func normalizeURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	return u.String()
}
