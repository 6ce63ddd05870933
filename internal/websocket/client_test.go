package websocket

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mwbcli/internal/shared/testutil"
)

func TestClient_WritePumpDeliversFrames(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	hub := NewHub(logger)
	conn := NewMockConnection()
	client := NewClientWithConnection(hub, conn, logger)

	done := make(chan struct{})
	go func() {
		client.WritePump()
		close(done)
	}()

	client.send <- []byte(`{"type":"license:status"}`)

	require.Eventually(t, func() bool {
		for _, msg := range conn.Written() {
			if msg.Type == websocket.TextMessage {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "text frame should reach the connection")

	// Closing the send channel makes the pump send a close frame and exit.
	close(client.send)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write pump did not exit")
	}

	var sawClose bool
	for _, msg := range conn.Written() {
		if msg.Type == websocket.CloseMessage {
			sawClose = true
		}
	}
	assert.True(t, sawClose, "expected close frame")
	assert.True(t, conn.IsClosed())
}

func TestClient_ReadPumpUnregistersOnDisconnect(t *testing.T) {
	hub := startHub(t)
	logger, _ := testutil.NewTestLogger(t)

	conn := NewMockConnection()
	client := NewClientWithConnection(hub, conn, logger)
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	readEnvelope(t, client)

	done := make(chan struct{})
	go func() {
		client.ReadPump()
		close(done)
	}()

	conn.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read pump did not exit on close")
	}

	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 10*time.Millisecond, "client should unregister on disconnect")
}

func TestClient_ReadPumpIgnoresHeartbeat(t *testing.T) {
	hub := startHub(t)
	logger, _ := testutil.NewTestLogger(t)

	conn := NewMockConnection()
	conn.QueueRead(websocket.TextMessage, []byte(heartbeatMessage), nil)

	client := NewClientWithConnection(hub, conn, logger)
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
	readEnvelope(t, client)

	go client.ReadPump()

	// The heartbeat must not disconnect the client.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, hub.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return hub.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}
