// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package e2e

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// daemonEnv is one hermetic workspace: a config file pointing every store
// at a temp directory, plus the address reserved for the daemon.
type daemonEnv struct {
	cfgPath  string
	baseURL  string
	serveLog string
}

// newDaemonEnv writes a partial config into a temp directory. Only the
// fields a test cares about are set; everything else merges from the
// built-in defaults.
func newDaemonEnv(t *testing.T) daemonEnv {
	t.Helper()

	dir := t.TempDir()
	port := freePort(t)
	cfgYAML := fmt.Sprintf(`server:
  addr: "127.0.0.1:%d"
protocol:
  cycles: 2
  low_duration: 30s
  high_duration: 10s
checkpoint:
  dir: %q
  sync_writes: false
recovery:
  window: 2m
history:
  path: %q
logging:
  level: warn
`, port, filepath.Join(dir, "checkpoint"), filepath.Join(dir, "history.db"))

	cfgPath := filepath.Join(dir, "altitude.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	return daemonEnv{
		cfgPath:  cfgPath,
		baseURL:  fmt.Sprintf("http://127.0.0.1:%d", port),
		serveLog: filepath.Join(dir, "serve.log"),
	}
}

// freePort reserves an ephemeral localhost port and releases it for the
// daemon to claim.
func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to reserve a port: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// daemon is a running `altitude serve` process.
type daemon struct {
	cmd     *exec.Cmd
	done    chan error
	stopped bool
}

// startDaemon boots the daemon on the env's address and waits until
// /healthz answers. The process's output lands in env.serveLog.
func startDaemon(t *testing.T, env daemonEnv) *daemon {
	t.Helper()

	logFile, err := os.OpenFile(env.serveLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("Failed to open daemon log file: %v", err)
	}

	cmd := exec.Command(cliBinary, "--config", env.cfgPath, "--output", "machine", "serve")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		t.Fatalf("Failed to start daemon: %v", err)
	}

	d := &daemon{cmd: cmd, done: make(chan error, 1)}
	go func() {
		d.done <- cmd.Wait()
		logFile.Close()
	}()
	t.Cleanup(d.kill)

	waitHealthy(t, env, d)
	return d
}

// stop sends SIGTERM and waits for a graceful exit.
func (d *daemon) stop(t *testing.T) {
	t.Helper()

	if d.stopped {
		return
	}
	d.stopped = true
	if err := d.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("Failed to signal daemon: %v", err)
	}
	select {
	case err := <-d.done:
		if err != nil {
			t.Fatalf("Daemon exited uncleanly after SIGTERM: %v", err)
		}
	case <-time.After(25 * time.Second):
		d.cmd.Process.Kill()
		<-d.done
		t.Fatalf("Daemon did not stop within 25s of SIGTERM")
	}
}

// kill terminates without grace, simulating a crash. The last checkpoint
// stays on disk for the next boot to find.
func (d *daemon) kill() {
	if d.stopped {
		return
	}
	d.stopped = true
	d.cmd.Process.Kill()
	<-d.done
}

// waitHealthy polls /healthz until the daemon answers or the startup
// budget runs out.
func waitHealthy(t *testing.T, env daemonEnv, d *daemon) {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-d.done:
			d.stopped = true
			t.Fatalf("Daemon exited during startup: %v\nDaemon log:\n%s", err, readServeLog(env))
		default:
		}

		resp, err := http.Get(env.baseURL + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Daemon never became healthy at %s\nDaemon log:\n%s", env.baseURL, readServeLog(env))
}

func readServeLog(env daemonEnv) string {
	data, err := os.ReadFile(env.serveLog)
	if err != nil {
		return "(unreadable: " + err.Error() + ")"
	}
	return string(data)
}

// runCLI executes the binary against the env and fails the test on a
// non-zero exit.
func runCLI(t *testing.T, env daemonEnv, args ...string) string {
	t.Helper()

	out, err := tryCLI(env, args...)
	if err != nil {
		t.Fatalf("altitude %s failed: %v\nOutput:\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// tryCLI is runCLI without the exit check, for commands expected to fail.
func tryCLI(env daemonEnv, args ...string) (string, error) {
	full := append([]string{"--config", env.cfgPath, "--output", "machine"}, args...)
	cmd := exec.Command(cliBinary, full...)
	cmd.Env = append(os.Environ(), "ALTITUDE_DAEMON_URL="+env.baseURL)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// runForeground executes a long-running command (`altitude run`) with a
// hard kill timer so a hung engine cannot wedge the suite.
func runForeground(t *testing.T, env daemonEnv, timeout time.Duration, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	full := append([]string{"--config", env.cfgPath, "--output", "machine"}, args...)
	cmd := exec.Command(cliBinary, full...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start %s: %v", strings.Join(args, " "), err)
	}

	timer := time.AfterFunc(timeout, func() {
		cmd.Process.Kill()
	})
	defer timer.Stop()

	err := cmd.Wait()
	return buf.String(), err
}
