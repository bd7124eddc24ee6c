package gateway

import (
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	inst, err := New(Config{Host: "127.0.0.1", Port: 0, CDPURL: "http://localhost:9222"})
	require.NoError(t, err)
	return inst
}

func TestRegistryDiscoveredTabSuppressedWhenAttachedURLMatches(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onTabsDiscovered([]DiscoveredTab{{TabID: 300, URL: "https://example.com", Title: "Example"}})
	reg.onAttachedToTarget(AttachedTarget{
		TargetID:  "real-t1",
		SessionID: "s1",
		Type:      "page",
		Title:     "Example",
		URL:       "https://example.com",
	})

	attached, discovered := reg.list()
	require.Len(t, attached, 1)
	assert.Equal(t, target.ID("real-t1"), attached[0].TargetID)
	assert.Empty(t, discovered)
}

func TestRegistryTabsDiscoveredIsFullReplace(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onTabsDiscovered([]DiscoveredTab{{TabID: 1, URL: "https://a.test"}, {TabID: 2, URL: "https://b.test"}})
	reg.onTabsDiscovered([]DiscoveredTab{{TabID: 2, URL: "https://b.test"}, {TabID: 3, URL: "https://c.test"}})

	_, discovered := reg.list()
	ids := map[int]bool{}
	for _, d := range discovered {
		ids[d.TabID] = true
	}
	assert.Equal(t, map[int]bool{2: true, 3: true}, ids)
}

func TestRegistryTabUpdatedUpsertsAndTabRemovedDeletes(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onTabUpdated(DiscoveredTab{TabID: 9, URL: "https://nine.test", Title: "Nine"})
	_, discovered := reg.list()
	require.Len(t, discovered, 1)
	assert.Equal(t, "Nine", discovered[0].Title)

	reg.onTabRemoved(9)
	_, discovered = reg.list()
	assert.Empty(t, discovered)

	// Removing an unknown tab is a no-op, not an error.
	reg.onTabRemoved(123)
}

func TestRegistrySessionReuseEvictsOldTargetAndKeepsOneLiveSession(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onAttachedToTarget(AttachedTarget{TargetID: "t1", SessionID: "shared-session", URL: "https://one.test"})
	reg.onAttachedToTarget(AttachedTarget{TargetID: "t2", SessionID: "shared-session", URL: "https://two.test"})

	attached, _ := reg.list()
	require.Len(t, attached, 1)
	assert.Equal(t, target.ID("t2"), attached[0].TargetID)

	got, ok := reg.lookup("shared-session")
	require.True(t, ok)
	assert.Equal(t, target.ID("t2"), got.TargetID)
}

func TestRegistryAttachedSameTargetIsIdempotent(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	at := AttachedTarget{TargetID: "t1", SessionID: "s1", URL: "https://one.test", Title: "One"}
	reg.onAttachedToTarget(at)
	reg.onAttachedToTarget(at)

	attached, _ := reg.list()
	require.Len(t, attached, 1)
	assert.Equal(t, "One", attached[0].Title)
}

func TestRegistryTargetInfoChangedUpdatesMutableFields(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onAttachedToTarget(AttachedTarget{TargetID: "t1", SessionID: "s1", URL: "https://old.test", Title: "Old"})
	reg.onTargetInfoChanged("t1", "New", "https://new.test")

	attached, _ := reg.list()
	require.Len(t, attached, 1)
	assert.Equal(t, "New", attached[0].Title)
	assert.Equal(t, "https://new.test", attached[0].URL)

	// Unknown target is a silent no-op.
	reg.onTargetInfoChanged("does-not-exist", "X", "https://x.test")
}

func TestRegistryDetachRemovesSessionOnlyOnce(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onAttachedToTarget(AttachedTarget{TargetID: "t1", SessionID: "s1", URL: "https://one.test"})
	reg.onDetachedFromTarget("s1")

	_, ok := reg.lookup("s1")
	assert.False(t, ok)

	// Detaching twice is harmless.
	reg.onDetachedFromTarget("s1")
}

func TestRegistryExtensionDisconnectClearsEverything(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onAttachedToTarget(AttachedTarget{TargetID: "t1", SessionID: "s1", URL: "https://one.test"})
	reg.onTabsDiscovered([]DiscoveredTab{{TabID: 500, URL: "https://discovered.test"}})

	reg.onExtensionDisconnected()

	attached, discovered := reg.list()
	assert.Empty(t, attached)
	assert.Empty(t, discovered)
}

func TestRegistryLookupByTargetID(t *testing.T) {
	inst := newTestInstance(t)
	reg := inst.registry

	reg.onAttachedToTarget(AttachedTarget{TargetID: "t1", SessionID: "s1", URL: "https://one.test"})

	got, ok := reg.lookupByTargetID("t1")
	require.True(t, ok)
	assert.Equal(t, target.SessionID("s1"), got.SessionID)

	_, ok = reg.lookupByTargetID("missing")
	assert.False(t, ok)
}
