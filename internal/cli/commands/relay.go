// Package commands provides CLI subcommands for the relay binary.
package commands

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/cdprelay/cdprelay/internal/gateway"
	"github.com/cdprelay/cdprelay/internal/infra"
)

// NewRelayCommand creates the relay subcommand, the CLI surface over
// ensureRelay/stopRelay for a single cdpUrl.
func NewRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay <cdp-url>",
		Short: "Manage a CDP relay for one browser endpoint",
		Long:  `Start, stop, and inspect the relay bridging a browser extension to CDP clients for one Chrome DevTools endpoint.`,
		Example: `  cdprelay relay start http://localhost:9222 -d
  cdprelay relay status http://localhost:9222`,
	}

	cmd.PersistentFlags().IntP("port", "p", 18800, "Relay bind port")
	cmd.PersistentFlags().String("host", "127.0.0.1", "Relay bind host")
	cmd.PersistentFlags().BoolP("detached", "d", false, "Run in background")

	cmd.AddCommand(newRelayStartCommand())
	cmd.AddCommand(newRelayStopCommand())
	cmd.AddCommand(newRelayStatusCommand())

	return cmd
}

func newRelayStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <cdp-url>",
		Short: "Start relaying the given CDP endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelayStart(cmd, args[0])
		},
	}
}

func newRelayStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <cdp-url>",
		Short: "Stop the relay for the given CDP endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelayStop(cmd, args[0])
		},
	}
}

func newRelayStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <cdp-url>",
		Short: "Show relay status for the given CDP endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelayStatus(cmd, args[0])
		},
	}
}

func runRelayStart(cmd *cobra.Command, cdpURL string) error {
	out := cmd.OutOrStdout()

	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	detached, _ := cmd.Flags().GetBool("detached")

	if detached {
		if err := ensureRelayNotRunning(cdpURL); err != nil {
			return err
		}

		if err := infra.EnsureDirs(); err != nil {
			return fmt.Errorf("failed to create log dir: %w", err)
		}
		logPath := filepath.Join(infra.Paths.LogDir, relaySlug(cdpURL)+".log")
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer logFile.Close()

		executable, err := os.Executable()
		if err != nil {
			executable = "cdprelay"
		}

		childArgs := []string{"relay", "start", cdpURL, "--port", strconv.Itoa(port), "--host", host}
		c := exec.Command(executable, childArgs...)
		c.Stdout = logFile
		c.Stderr = logFile

		if err := c.Start(); err != nil {
			return fmt.Errorf("failed to start background process: %w", err)
		}

		fmt.Fprintf(out, "Relay started in background for %s (PID: %d)\n", cdpURL, c.Process.Pid)
		fmt.Fprintf(out, "Logs: %s\n", logPath)
		return nil
	}

	if err := infra.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	lockPath := relayLockPath(cdpURL)
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		fmt.Fprintf(out, "A relay for %s is already running.\n", cdpURL)
		fmt.Fprintf(out, "Lock file: %s\n", lockPath)
		return fmt.Errorf("relay already running")
	}
	defer func() { _ = fileLock.Unlock() }()

	if err := writeRelayPID(cdpURL); err != nil {
		return err
	}
	defer func() { _ = removeRelayPID(cdpURL) }()

	inst, err := gateway.EnsureRelay(cdpURL, host, port)
	if err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	fmt.Fprintf(out, "Relaying %s on %s\n", cdpURL, inst.Addr())
	fmt.Fprintf(out, "Token: %s\n", inst.Token())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Fprintln(out, "Shutting down relay...")
	return gateway.StopRelay(cdpURL)
}

func runRelayStop(cmd *cobra.Command, cdpURL string) error {
	out := cmd.OutOrStdout()
	pid, err := readRelayPID(cdpURL)
	if err != nil {
		return fmt.Errorf("relay not running (pid file missing)")
	}

	if !checkProcessRunning(pid) {
		_ = removeRelayPID(cdpURL)
		return fmt.Errorf("relay process not running (stale pid file)")
	}

	if err := terminateProcess(pid); err != nil {
		return fmt.Errorf("failed to stop relay (pid %d): %w", pid, err)
	}

	fmt.Fprintf(out, "Sent stop signal to relay for %s (PID %d)\n", cdpURL, pid)
	waitForProcessExit(pid, 3*time.Second)
	return nil
}

type relayStatus struct {
	Browser string `json:"Browser"`
}

func runRelayStatus(cmd *cobra.Command, cdpURL string) error {
	out := cmd.OutOrStdout()
	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s:%d/json/version", host, port), nil)
	if err != nil {
		return err
	}
	if headers, err := gateway.GetRelayAuthHeaders(cdpURL); err == nil {
		req.Header = headers
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(out, "Relay for %s: not running\n", cdpURL)
		return nil
	}
	defer resp.Body.Close()

	var status relayStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Fprintf(out, "Relay for %s: unreachable\n", cdpURL)
		return nil
	}
	fmt.Fprintf(out, "Relay for %s: running (%s)\n", cdpURL, status.Browser)
	return nil
}

// relaySlug turns a cdpUrl into a filesystem-safe token used for the lock
// and PID filenames — a hash, since the raw URL can contain characters
// that aren't valid in a filename.
func relaySlug(cdpURL string) string {
	sum := sha256.Sum256([]byte(cdpURL))
	return hex.EncodeToString(sum[:8])
}

func relayLockPath(cdpURL string) string {
	return filepath.Join(infra.Paths.StateDir, "relay-"+relaySlug(cdpURL)+".lock")
}

func relayPIDPath(cdpURL string) string {
	return filepath.Join(infra.Paths.StateDir, "relay-"+relaySlug(cdpURL)+".pid")
}

func writeRelayPID(cdpURL string) error {
	if err := infra.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	return os.WriteFile(relayPIDPath(cdpURL), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readRelayPID(cdpURL string) (int, error) {
	data, err := os.ReadFile(relayPIDPath(cdpURL))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file")
	}
	return pid, nil
}

func removeRelayPID(cdpURL string) error {
	return os.Remove(relayPIDPath(cdpURL))
}

func ensureRelayNotRunning(cdpURL string) error {
	if err := infra.EnsureDirs(); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	fileLock := flock.New(relayLockPath(cdpURL))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		return fmt.Errorf("relay already running for %s", cdpURL)
	}
	_ = fileLock.Unlock()
	return nil
}
