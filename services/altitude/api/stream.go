// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a client may stay silent before the read
	// loop gives up on it.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second

	// sendBuffer is the per-client event queue. A client that falls
	// this far behind starts losing events; the once-a-second
	// phase_update stream makes gaps self-healing.
	sendBuffer = 64
)

var (
	streamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "altitude_stream_clients",
		Help: "Connected websocket event clients",
	})
	streamDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altitude_stream_dropped_events_total",
		Help: "Events dropped because a client's queue was full",
	})
)

// upgrader accepts any origin: the API binds to localhost for the
// companion app, so origin checks add nothing here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamClient is one connected event consumer.
type streamClient struct {
	id   string
	conn *websocket.Conn
	send chan events.Event

	done      chan struct{}
	closeOnce sync.Once
}

// close signals both pump goroutines to exit. Idempotent.
func (sc *streamClient) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
	})
}

// HandleEvents handles GET /v1/events.
//
// Description:
//
//	Upgrades to a websocket and streams session events as JSON. Event
//	emission happens inside the session manager's critical section, so
//	the subscription handler only enqueues; a slow client drops events
//	rather than stalling the manager. On connect, a snapshot of the
//	current session (when one exists) is sent first so clients do not
//	wait for the next tick to render.
func (h *Handlers) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}

	client := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan events.Event, sendBuffer),
		done: make(chan struct{}),
	}

	h.streamMu.Lock()
	h.streams[client.id] = client
	h.streamMu.Unlock()
	streamClients.Inc()

	// Seed the stream with the current position so a client connecting
	// mid-session (or mid-pause, when no ticks flow) renders immediately.
	if info, ok := h.manager.Info(); ok {
		client.send <- events.Event{
			ID:        uuid.NewString(),
			Type:      events.TypePhaseUpdate,
			SessionID: info.Session.ID,
			Timestamp: time.Now(),
			Data: events.SessionData{
				SessionID:    info.Session.ID,
				Status:       info.Session.Status,
				Phase:        info.Phase.Phase,
				PendingPhase: info.Phase.PendingPhase,
				Cycle:        info.Phase.Cycle,
				TotalCycles:  info.Session.Config.TotalCycles,
				Remaining:    info.Remaining,
				StartTime:    info.Session.StartTime,
			},
		}
	}

	subID := h.manager.Events().Subscribe(func(event *events.Event) {
		select {
		case client.send <- *event:
		default:
			streamDroppedTotal.Inc()
		}
	})

	logger := h.logger.With(slog.String("client_id", client.id))
	logger.Info("event stream connected")

	go client.writePump(logger)
	client.readPump()

	// readPump returns when the client goes away or Shutdown closes us.
	client.close()
	h.manager.Events().Unsubscribe(subID)

	h.streamMu.Lock()
	delete(h.streams, client.id)
	h.streamMu.Unlock()
	streamClients.Dec()

	conn.Close()
	logger.Info("event stream disconnected")
}

// writePump serializes events to the connection and keeps it alive with
// pings. Runs until the client closes or a write fails.
func (sc *streamClient) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-sc.done:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			sc.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return

		case event := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteJSON(event); err != nil {
				logger.Debug("websocket write failed", slog.String("error", err.Error()))
				sc.close()
				return
			}

		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sc.close()
				return
			}
		}
	}
}

// readPump discards inbound frames and watches for disconnect. The
// stream is one-way; reading is only for close and pong processing.
func (sc *streamClient) readPump() {
	sc.conn.SetReadLimit(512)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// closeStreams disconnects every event client. Called on Shutdown.
func (h *Handlers) closeStreams() {
	h.streamMu.Lock()
	clients := make([]*streamClient, 0, len(h.streams))
	for _, sc := range h.streams {
		clients = append(clients, sc)
	}
	h.streamMu.Unlock()

	for _, sc := range clients {
		sc.close()
	}
}
