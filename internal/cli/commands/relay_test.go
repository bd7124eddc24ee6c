package commands

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdprelay/cdprelay/internal/gateway"
	testhelpers "github.com/cdprelay/cdprelay/test/helpers"
)

func TestRelaySlugIsStableAndFilesystemSafe(t *testing.T) {
	a := relaySlug("http://localhost:9222")
	b := relaySlug("http://localhost:9222")
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "/")
	assert.NotContains(t, a, ":")

	assert.NotEqual(t, relaySlug("http://localhost:9222"), relaySlug("http://localhost:9223"))
}

func TestRunRelayStatusReportsNotRunningWhenNoRelayBound(t *testing.T) {
	port := testhelpers.GetFreePort(t)

	cmd := NewRelayCommand()
	cmd.SetArgs([]string{"status", "http://localhost:9222", "--port", strconv.Itoa(port)})

	out := bytes.NewBufferString("")
	cmd.SetOut(out)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "not running")
}

func TestRunRelayStatusReportsRunningAgainstLiveRelay(t *testing.T) {
	cdpURL := "http://localhost:9222/relay-status-test"
	inst, err := gateway.EnsureRelay(cdpURL, "127.0.0.1", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gateway.StopRelay(cdpURL) })

	host, portStr, err := net.SplitHostPort(inst.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	require.True(t, testhelpers.WaitForPort(t, host, port, 2*time.Second))

	cmd := NewRelayCommand()
	cmd.SetArgs([]string{"status", cdpURL, "--host", host, "--port", portStr})

	out := bytes.NewBufferString("")
	cmd.SetOut(out)
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "running")
	assert.Contains(t, out.String(), "cdprelay/1.0")
}
