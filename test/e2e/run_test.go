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
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"
)

// TestRunCompletesProtocol runs one short cycle in the foreground end to
// end: LOW, the fixed 10s mask switch, HIGH, done.
func TestRunCompletesProtocol(t *testing.T) {
	env := newDaemonEnv(t)

	out, err := runForeground(t, env, 60*time.Second,
		"run", "--id", "run-e2e", "--cycles", "1", "--low", "1s", "--high", "1s")
	if err != nil {
		t.Fatalf("run exited uncleanly: %v\nOutput:\n%s", err, out)
	}

	if !strings.Contains(out, "TRANSITION") {
		t.Errorf("FAIL: no mask-switch line in output:\n%s", out)
	}
	if !strings.Contains(out, "HIGH") {
		t.Errorf("FAIL: no HIGH phase line in output:\n%s", out)
	}
	if !strings.Contains(out, "Session run-e2e completed in") {
		t.Errorf("FAIL: completion line missing:\n%s", out)
	}
	if !strings.Contains(out, "SUMMARY: cycles=1") {
		t.Errorf("FAIL: summary missing or wrong:\n%s", out)
	}
}

// TestRunInterruptResume interrupts a foreground run with SIGINT, checks
// the session is left recoverable, and finishes it with --resume.
func TestRunInterruptResume(t *testing.T) {
	env := newDaemonEnv(t)

	// 1. Start a run with a LOW phase long enough to interrupt
	var buf bytes.Buffer
	cmd := exec.Command(cliBinary, "--config", env.cfgPath, "--output", "machine",
		"run", "--id", "run-resume", "--cycles", "1", "--low", "30s", "--high", "1s")
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	killTimer := time.AfterFunc(30*time.Second, func() {
		cmd.Process.Kill()
	})

	time.Sleep(3 * time.Second)

	// 2. Ctrl-C checkpoints and exits cleanly
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("Failed to interrupt run: %v", err)
	}
	err := cmd.Wait()
	killTimer.Stop()
	out := buf.String()
	if err != nil {
		t.Fatalf("Interrupted run exited uncleanly: %v\nOutput:\n%s", err, out)
	}
	if !strings.Contains(out, "recoverable") {
		t.Fatalf("FAIL: interrupt should leave the session recoverable:\n%s", out)
	}

	// 3. A script without --resume or --discard must not eat the snapshot
	out, err = runForeground(t, env, 30*time.Second, "run")
	if err == nil {
		t.Fatalf("Expected bare run to refuse while a snapshot exists, got:\n%s", out)
	}
	if !strings.Contains(out, "--resume or --discard") {
		t.Errorf("FAIL: refusal should name the flags:\n%s", out)
	}

	// 4. Resume picks the session up and drives it to completion
	out, err = runForeground(t, env, 120*time.Second, "run", "--resume")
	if err != nil {
		t.Fatalf("Resumed run exited uncleanly: %v\nOutput:\n%s", err, out)
	}
	if !strings.Contains(out, "Resumed session run-resume") {
		t.Errorf("FAIL: resume confirmation missing:\n%s", out)
	}
	if !strings.Contains(out, "SUMMARY: cycles=1") {
		t.Errorf("FAIL: resumed run should complete the cycle:\n%s", out)
	}
}

// TestRunDiscard drops an interrupted session and starts fresh.
func TestRunDiscard(t *testing.T) {
	env := newDaemonEnv(t)

	// 1. Interrupt a run to leave a snapshot behind
	var buf bytes.Buffer
	cmd := exec.Command(cliBinary, "--config", env.cfgPath, "--output", "machine",
		"run", "--id", "run-discard", "--cycles", "1", "--low", "30s", "--high", "1s")
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start run: %v", err)
	}
	killTimer := time.AfterFunc(30*time.Second, func() {
		cmd.Process.Kill()
	})
	time.Sleep(2 * time.Second)
	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("Failed to interrupt run: %v", err)
	}
	if err := cmd.Wait(); err != nil {
		killTimer.Stop()
		t.Fatalf("Interrupted run exited uncleanly: %v\nOutput:\n%s", err, buf.String())
	}
	killTimer.Stop()

	// 2. Discard it and run a fresh session to completion
	out, err := runForeground(t, env, 60*time.Second,
		"run", "--discard", "--id", "run-fresh", "--cycles", "1", "--low", "1s", "--high", "1s")
	if err != nil {
		t.Fatalf("run --discard exited uncleanly: %v\nOutput:\n%s", err, out)
	}
	if !strings.Contains(out, "Session run-fresh completed in") {
		t.Errorf("FAIL: fresh session did not complete:\n%s", out)
	}

	// 3. The discarded session is archived as abandoned
	out = runCLI(t, env, "sessions", "show", "run-discard")
	if !strings.Contains(out, "abandoned") {
		t.Errorf("FAIL: discarded session should be archived as abandoned:\n%s", out)
	}
}
