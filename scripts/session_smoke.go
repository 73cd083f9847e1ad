//go:build ignore

// Smoke script that exercises the full session lifecycle against a running
// daemon. Run with: go run scripts/session_smoke.go
//
// Start the daemon first; short phases keep the run quick:
//
//	ALTITUDE_PROTOCOL_CYCLES=2 \
//	ALTITUDE_PROTOCOL_LOW_DURATION=3s \
//	ALTITUDE_PROTOCOL_HIGH_DURATION=2s \
//	go run ./cmd/altitude serve
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/api"
	"github.com/AleutianAI/AleutianAltitude/services/altitude/session"
)

func main() {
	base := os.Getenv("ALTITUDE_DAEMON_URL")
	if base == "" {
		base = "http://localhost:8420"
	}

	// 1. Health
	var health api.HealthResponse
	get(base+"/healthz", &health)
	fmt.Printf("daemon healthy: status=%s session_active=%v\n", health.Status, health.SessionActive)

	// 2. Start
	var started api.StartResponse
	post(base+"/v1/session/start", api.StartRequest{ID: fmt.Sprintf("smoke-%d", time.Now().Unix())}, &started)
	fmt.Printf("started %s: %d cycles, %s LOW / %s HIGH\n",
		started.SessionID,
		started.Session.Session.Config.TotalCycles,
		started.Session.Session.Config.LowPhaseDuration,
		started.Session.Session.Config.HighPhaseDuration,
	)

	// 3. Readings while the first phase runs
	for i := 0; i < 5; i++ {
		post(base+"/v1/session/readings", api.ReadingRequest{
			Kind:  "spo2",
			Value: 90 + float64(i),
		}, nil)
		post(base+"/v1/session/readings", api.ReadingRequest{
			Kind:  "heart_rate",
			Value: 65 + float64(i*2),
		}, nil)
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Println("sent 10 readings")

	// 4. Pause / resume
	var info session.SessionInfo
	post(base+"/v1/session/pause", nil, &info)
	fmt.Printf("paused at %s, %s remaining\n", info.Phase.Phase, info.Remaining.Round(time.Second))
	time.Sleep(time.Second)
	post(base+"/v1/session/resume", nil, &info)
	fmt.Printf("resumed, %s remaining\n", info.Remaining.Round(time.Second))

	// 5. Skip the rest of the phase
	post(base+"/v1/session/skip", nil, &info)
	fmt.Printf("skipped into %s (pending %s)\n", info.Phase.Phase, info.Phase.PendingPhase)

	// 6. Watch until the session completes or a minute passes, then stop
	deadline := time.Now().Add(time.Minute)
	for time.Now().Before(deadline) {
		get(base+"/v1/session", &info)
		if !info.Session.Status.IsLive() {
			break
		}
		fmt.Printf("  %-10s cycle %d/%d, %s left\n",
			info.Phase.Phase, info.Phase.Cycle,
			info.Session.Config.TotalCycles,
			info.Remaining.Round(time.Second),
		)
		time.Sleep(2 * time.Second)
	}
	if info.Session.Status.IsLive() {
		var result session.StopResult
		post(base+"/v1/session/stop", api.StopRequest{Detail: "smoke teardown"}, &result)
		fmt.Printf("stopped: %s after %s\n", result.Reason, result.Duration.Round(time.Second))
	} else {
		fmt.Printf("session ended on its own: %s\n", info.Session.Status)
	}

	// 7. Confirm the archive saw it
	var hist api.HistoryResponse
	get(base+"/v1/sessions/history?limit=5", &hist)
	fmt.Printf("archive holds %d recent session(s):\n", len(hist.Sessions))
	for _, rec := range hist.Sessions {
		fmt.Printf("  %s %s %d cycles, %d readings\n",
			rec.SessionID, rec.Reason, rec.Stats.CyclesCompleted, rec.Stats.ReadingCount)
	}
	fmt.Println("smoke run complete")
}

func get(url string, out any) {
	resp, err := http.Get(url)
	if err != nil {
		log.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("GET %s: %s", url, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("GET %s: decode: %v", url, err)
		}
	}
}

func post(url string, body, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("POST %s: encode: %v", url, err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("POST %s: %s", url, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("POST %s: decode: %v", url, err)
		}
	}
}
