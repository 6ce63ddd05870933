package websocket

import (
	"errors"
	"sync"
	"time"
)

// MockMessage is one frame recorded or replayed by MockConnection.
type MockMessage struct {
	Type int
	Data []byte
	Err  error
}

// MockConnection is an in-memory Connection for tests. Reads replay the
// queued messages; writes are recorded. Once the queue drains, ReadMessage
// blocks until Close, mimicking an idle socket.
type MockConnection struct {
	mu sync.Mutex

	written   []MockMessage
	queue     []MockMessage
	readIndex int

	closed    bool
	closeOnce sync.Once
	closeCh   chan struct{}

	readDeadline  time.Time
	writeDeadline time.Time
	readLimit     int64
	pongHandler   func(string) error

	remote string
}

// NewMockConnection creates an empty mock socket.
func NewMockConnection() *MockConnection {
	return &MockConnection{
		closeCh: make(chan struct{}),
		remote:  "127.0.0.1:54321",
	}
}

// QueueRead appends a frame for ReadMessage to return.
func (m *MockConnection) QueueRead(messageType int, data []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, MockMessage{Type: messageType, Data: data, Err: err})
}

// Written returns a copy of the frames written so far.
func (m *MockConnection) Written() []MockMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockMessage, len(m.written))
	copy(out, m.written)
	return out
}

// IsClosed reports whether Close has been called.
func (m *MockConnection) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConnection) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.written = append(m.written, MockMessage{Type: messageType, Data: buf})
	return nil
}

func (m *MockConnection) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, nil, errors.New("connection closed")
	}
	if m.readIndex < len(m.queue) {
		msg := m.queue[m.readIndex]
		m.readIndex++
		m.mu.Unlock()
		return msg.Type, msg.Data, msg.Err
	}
	m.mu.Unlock()

	<-m.closeCh
	return 0, nil, errors.New("connection closed")
}

func (m *MockConnection) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.closeCh)
	})
	return nil
}

func (m *MockConnection) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readDeadline = t
	return nil
}

func (m *MockConnection) SetWriteDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDeadline = t
	return nil
}

func (m *MockConnection) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLimit = limit
}

func (m *MockConnection) SetPongHandler(h func(string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

func (m *MockConnection) RemoteAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}
