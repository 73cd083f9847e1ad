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
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAltitude/services/altitude/events"
)

// dialEvents connects a websocket client to the fixture's event stream.
func dialEvents(t *testing.T, fx *apiFixture) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(fx.server.Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until one matches the wanted type or the
// deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, want events.Type) events.Event {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var event events.Event
		err := conn.ReadJSON(&event)
		require.NoError(t, err, "stream closed before %q arrived", want)
		if event.Type == want {
			return event
		}
	}
}

func TestEventStreamDeliversLifecycle(t *testing.T) {
	fx := newAPIFixture(t, nil, nil)
	conn := dialEvents(t, fx)

	_, err := fx.manager.Start(context.Background(), "streamed", testDefaults)
	require.NoError(t, err)

	started := readUntil(t, conn, events.TypeSessionStarted)
	assert.Equal(t, "streamed", started.SessionID)

	require.True(t, fx.manager.SkipPhase(context.Background()))
	advanced := readUntil(t, conn, events.TypePhaseAdvanced)
	assert.Equal(t, "streamed", advanced.SessionID)

	_, err = fx.manager.Stop(context.Background(), "")
	require.NoError(t, err)
	stopped := readUntil(t, conn, events.TypeSessionStopped)
	assert.Equal(t, "streamed", stopped.SessionID)
}

func TestEventStreamSeedsCurrentSession(t *testing.T) {
	fx := newAPIFixture(t, nil, nil)

	_, err := fx.manager.Start(context.Background(), "already-running", testDefaults)
	require.NoError(t, err)
	fx.manager.Pause(context.Background())

	// Paused sessions emit no ticks; the connect-time snapshot is the
	// only way a late client learns the current state.
	conn := dialEvents(t, fx)
	seed := readUntil(t, conn, events.TypePhaseUpdate)
	assert.Equal(t, "already-running", seed.SessionID)
}

func TestEventStreamShutdownClosesClients(t *testing.T) {
	fx := newAPIFixture(t, nil, nil)
	conn := dialEvents(t, fx)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fx.server.Shutdown(ctx))

	// The client sees either the going-away close frame or a dropped
	// connection, depending on timing; both mean the stream ended.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.Error(t, err)
			return
		}
	}
}
