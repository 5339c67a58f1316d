package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/argus/internal/event"
)

type hubFixture struct {
	hub         *Hub
	transitions chan event.Transition
	server      *httptest.Server
}

func newHubFixture(t *testing.T, openEvents OpenEventsFunc) *hubFixture {
	t.Helper()
	hub := NewHub(openEvents)
	transitions := make(chan event.Transition, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, transitions)
		close(done)
	}()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return &hubFixture{hub: hub, transitions: transitions, server: server}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestClientReceivesWelcomeAndOpenEvents(t *testing.T) {
	open := []*event.Event{{
		ID:          1,
		Code:        "HEA-03",
		IncidentKey: "HEA-03|mount=/",
		State:       event.StateOpen,
	}}
	f := newHubFixture(t, func(context.Context) ([]*event.Event, error) {
		return open, nil
	})

	conn := f.dial(t)
	msg := readMessage(t, conn)
	assert.Equal(t, "welcome", msg.Type)

	msg = readMessage(t, conn)
	require.Equal(t, "openEvents", msg.Type)
	payload, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "HEA-03|mount=/")
}

func TestTransitionsAreBroadcast(t *testing.T) {
	f := newHubFixture(t, nil)

	conn := f.dial(t)
	require.Equal(t, "welcome", readMessage(t, conn).Type)

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	now := time.Now()
	f.transitions <- event.Transition{
		Kind: event.TransitionNewIncident,
		Event: &event.Event{
			ID:          9,
			Code:        "SEC-04",
			IncidentKey: "SEC-04|proc=nc|port=4444|proto=tcp|bind=GLOBAL",
			Severity:    event.SeverityCritical,
			State:       event.StateOpen,
			FirstSeen:   now,
			LastSeen:    now,
		},
	}

	// The async welcome message may interleave; skip to the transition.
	msg := readMessage(t, conn)
	for msg.Type != "transition" {
		msg = readMessage(t, conn)
	}
	payload, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"kind":"new_incident"`)
	assert.Contains(t, string(payload), "SEC-04|proc=nc")
}

func TestDisconnectDuringSnapshotDoesNotPanic(t *testing.T) {
	f := newHubFixture(t, func(ctx context.Context) ([]*event.Event, error) {
		time.Sleep(50 * time.Millisecond)
		return []*event.Event{{ID: 1, Code: "SEC-01", State: event.StateOpen}}, nil
	})

	// Close each connection while its open-events snapshot is still in
	// flight, so the delivery races the unregister.
	for i := 0; i < 20; i++ {
		conn := f.dial(t)
		require.Equal(t, "welcome", readMessage(t, conn).Type)
		conn.Close()
	}

	require.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestShutdownDoesNotStrandClients(t *testing.T) {
	hub := NewHub(nil)
	transitions := make(chan event.Transition, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx, transitions)
		close(done)
	}()

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// The connected client is sent a close frame instead of hanging.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	// A late connection is turned away instead of blocking on register.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}

func TestPingMessageGetsPong(t *testing.T) {
	f := newHubFixture(t, nil)
	conn := f.dial(t)
	require.Equal(t, "welcome", readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Message{Type: "ping"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestClientCountTracksConnections(t *testing.T) {
	f := newHubFixture(t, nil)
	assert.Zero(t, f.hub.ClientCount())

	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}
