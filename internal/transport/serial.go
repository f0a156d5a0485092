package transport

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.bug.st/serial"

	"github.com/cncforge/grblhost/internal/logging"
)

// SerialConfig configures a SerialTransport.
type SerialConfig struct {
	Path     string
	BaudRate int
	// ReconnectBackoff is the backoff policy used when the read loop hits an
	// I/O error and must reopen the port. A nil value uses a sensible default.
	ReconnectBackoff backoff.BackOff
	Clock            clock.Clock
}

// SerialTransport is a Transport over a local serial port, grounded on the
// GRBL spooler reference implementation's read loop: one goroutine drains
// the port into a buffered reader and publishes lines, while writes from
// Send/SendRealtime run on the caller's goroutine, serialized by a mutex.
type SerialTransport struct {
	cfg SerialConfig
	log logging.Logger
	clk clock.Clock

	mu    sync.Mutex
	port  serial.Port
	state ConnectionState

	lines        chan string
	stateChanges chan ConnectionState
	writeMu      sync.Mutex

	closed chan struct{}
	once   sync.Once
}

// NewSerial constructs a SerialTransport. The port is not opened until Open
// is called.
func NewSerial(cfg SerialConfig, log logging.Logger) *SerialTransport {
	if cfg.ReconnectBackoff == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 250 * time.Millisecond
		eb.MaxInterval = 10 * time.Second
		eb.MaxElapsedTime = 0 // retry forever; callers cancel ctx to stop
		cfg.ReconnectBackoff = eb
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &SerialTransport{
		cfg:          cfg,
		log:          logging.OrNop(log),
		clk:          cfg.Clock,
		state:        Disconnected,
		lines:        make(chan string, 256),
		stateChanges: make(chan ConnectionState, 16),
		closed:       make(chan struct{}),
	}
}

func (t *SerialTransport) setState(s ConnectionState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
	select {
	case t.stateChanges <- s:
	default:
		t.log.Warn("serial transport: state change dropped, channel full", "state", string(s))
	}
}

// Open opens the serial port and starts the read loop. Subsequent calls are
// no-ops once the port is open.
func (t *SerialTransport) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.port != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.setState(Connecting)
	port, err := t.openOnce()
	if err != nil {
		t.setState(Disconnected)
		return fmt.Errorf("transport: open %s: %w", t.cfg.Path, err)
	}

	t.mu.Lock()
	t.port = port
	t.mu.Unlock()
	t.setState(Connected)

	go t.readLoop(ctx)
	return nil
}

func (t *SerialTransport) openOnce() (serial.Port, error) {
	mode := &serial.Mode{BaudRate: t.cfg.BaudRate}
	return serial.Open(t.cfg.Path, mode)
}

// readLoop drains the port into lines, reopening with backoff on I/O error
// exactly as the reference spooler's read goroutine does, but surfacing
// ConnectionState transitions instead of only logging.
func (t *SerialTransport) readLoop(ctx context.Context) {
	defer close(t.lines)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		t.mu.Lock()
		port := t.port
		t.mu.Unlock()
		if port == nil {
			return
		}

		r := bufio.NewReader(port)
		for {
			raw, err := r.ReadString('\n')
			if err != nil {
				t.log.Warn("serial transport: read error, reconnecting", "error", err.Error())
				t.setState(Reconnecting)
				if !t.reconnect(ctx) {
					return
				}
				break
			}
			line := strings.TrimRight(raw, "\r\n")
			if line == "" {
				continue
			}
			select {
			case t.lines <- line:
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			}
		}
	}
}

func (t *SerialTransport) reconnect(ctx context.Context) bool {
	t.cfg.ReconnectBackoff.Reset()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.closed:
			return false
		default:
		}

		wait := t.cfg.ReconnectBackoff.NextBackOff()
		if wait == backoff.Stop {
			return false
		}
		select {
		case <-t.clk.After(wait):
		case <-ctx.Done():
			return false
		case <-t.closed:
			return false
		}

		port, err := t.openOnce()
		if err != nil {
			t.log.Warn("serial transport: reconnect attempt failed", "error", err.Error())
			continue
		}
		t.mu.Lock()
		if old := t.port; old != nil {
			_ = old.Close()
		}
		t.port = port
		t.mu.Unlock()
		t.setState(Connected)
		return true
	}
}

// Send writes line plus a trailing newline to the port.
func (t *SerialTransport) Send(ctx context.Context, line string) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := port.Write([]byte(line + "\n"))
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// SendRealtime writes a single byte immediately, unbuffered.
func (t *SerialTransport) SendRealtime(b byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := port.Write([]byte{b})
	if err != nil {
		return fmt.Errorf("transport: write realtime: %w", err)
	}
	return nil
}

func (t *SerialTransport) Lines() <-chan string                 { return t.lines }
func (t *SerialTransport) State() ConnectionState               { return t.stateSnapshot() }
func (t *SerialTransport) StateChanges() <-chan ConnectionState { return t.stateChanges }

func (t *SerialTransport) stateSnapshot() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Close releases the serial port. Safe to call more than once.
func (t *SerialTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		t.mu.Lock()
		port := t.port
		t.port = nil
		t.mu.Unlock()
		if port != nil {
			err = port.Close()
		}
		t.setState(Disconnected)
	})
	return err
}
