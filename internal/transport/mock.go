package transport

import (
	"context"
	"sync"
)

// Mock is an in-memory Transport used by unit tests to drive the command
// queue, sequencers and job runner without a physical board.
type Mock struct {
	mu    sync.Mutex
	state ConnectionState

	lines        chan string
	stateChanges chan ConnectionState
	sent         []string
	realtime     []byte
	sendErr      error
}

// NewMock constructs a Mock transport, already in the Connected state.
func NewMock() *Mock {
	return &Mock{
		state:        Connected,
		lines:        make(chan string, 256),
		stateChanges: make(chan ConnectionState, 16),
	}
}

func (m *Mock) Open(ctx context.Context) error {
	m.mu.Lock()
	m.state = Connected
	m.mu.Unlock()
	return nil
}

// Feed injects a line as though it had been received from the board.
func (m *Mock) Feed(line string) {
	m.lines <- line
}

// SetSendError makes subsequent Send calls fail with err (nil to clear).
func (m *Mock) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

func (m *Mock) Send(ctx context.Context, line string) error {
	m.mu.Lock()
	err := m.sendErr
	if err == nil {
		m.sent = append(m.sent, line)
	}
	m.mu.Unlock()
	return err
}

func (m *Mock) SendRealtime(b byte) error {
	m.mu.Lock()
	m.realtime = append(m.realtime, b)
	m.mu.Unlock()
	return nil
}

// Sent returns every line handed to Send so far, in order.
func (m *Mock) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}

// Realtime returns every byte handed to SendRealtime so far, in order.
func (m *Mock) Realtime() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.realtime))
	copy(out, m.realtime)
	return out
}

func (m *Mock) Lines() <-chan string { return m.lines }

func (m *Mock) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState updates the reported connection state and publishes the
// transition, letting tests simulate disconnects and reconnects.
func (m *Mock) SetState(s ConnectionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	select {
	case m.stateChanges <- s:
	default:
	}
}

func (m *Mock) StateChanges() <-chan ConnectionState { return m.stateChanges }

func (m *Mock) Close() error {
	m.mu.Lock()
	m.state = Disconnected
	m.mu.Unlock()
	return nil
}
