package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureRelayIsIdempotentForSameCDPURL(t *testing.T) {
	cdpURL := "http://localhost:19222/supervisor-idempotent"
	t.Cleanup(func() { _ = StopRelay(cdpURL) })

	first, err := EnsureRelay(cdpURL, "127.0.0.1", 0)
	require.NoError(t, err)

	second, err := EnsureRelay(cdpURL, "127.0.0.1", 0)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestStopRelayRemovesInstanceAndAuthHeadersThenFail(t *testing.T) {
	cdpURL := "http://localhost:19222/supervisor-stop"

	_, err := EnsureRelay(cdpURL, "127.0.0.1", 0)
	require.NoError(t, err)

	_, err = GetRelayAuthHeaders(cdpURL)
	require.NoError(t, err)

	require.NoError(t, StopRelay(cdpURL))

	_, err = GetRelayAuthHeaders(cdpURL)
	assert.Error(t, err)
}

func TestStopRelayNoOpWhenNothingRunning(t *testing.T) {
	assert.NoError(t, StopRelay("http://localhost:19222/never-started"))
}

func TestGetRelayAuthHeadersReturnsBearerToken(t *testing.T) {
	cdpURL := "http://localhost:19222/supervisor-auth-headers"
	t.Cleanup(func() { _ = StopRelay(cdpURL) })

	inst, err := EnsureRelay(cdpURL, "127.0.0.1", 0)
	require.NoError(t, err)

	headers, err := GetRelayAuthHeaders(cdpURL)
	require.NoError(t, err)
	assert.Equal(t, "Bearer "+inst.Token(), headers.Get("Authorization"))
}
