// Package queue implements the FIFO, at-most-one-in-flight command queue
// that serializes every line written to the controller board. It is grounded
// on the reference GRBL spooler's single write goroutine draining a command
// channel and a matching per-command result channel, generalized to support
// retry with backoff and bulk cancellation.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/protocol"
	"github.com/cncforge/grblhost/internal/transport"
	"github.com/cncforge/grblhost/internal/types"
)

const (
	// MaxQueueLength rejects new commands once this many are waiting or
	// in flight (spec.md §4.2).
	MaxQueueLength     = 50
	defaultMaxAttempts = 3
	baseBackoff        = 100 * time.Millisecond
	maxBackoff         = 5 * time.Second
)

// Result is what Execute resolves with.
type Result struct {
	Lines []string // every line accumulated before the terminator, including it
	Err   *types.HostError
}

type pending struct {
	cmd    *types.Command
	lines  []string
	result chan Result
	delta  *types.Position
}

// Queue is the FIFO command queue. One Queue instance serializes all writes
// to a single Transport.
type Queue struct {
	log   logging.Logger
	clk   clock.Clock
	tr    transport.Transport
	onCmd func(types.CommandJournalEntry) // optional hook, e.g. journal recording

	mu        sync.Mutex
	waiting   []*pending
	active    *pending
	closed    bool
	lineSinks []chan string
}

// New constructs a Queue bound to tr. A nil clock uses the real clock.
func New(tr transport.Transport, log logging.Logger, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	q := &Queue{
		log: logging.OrNop(log),
		clk: clk,
		tr:  tr,
	}
	go q.readLoop()
	return q
}

// OnCommand registers a hook invoked whenever a command is dispatched to the
// transport, primarily so the controller can feed a CommandJournal.
func (q *Queue) OnCommand(fn func(types.CommandJournalEntry)) {
	q.onCmd = fn
}

// Execute enqueues line and blocks until it resolves: an accumulated
// terminator was observed, every retry was exhausted, or the queue was
// cleared. timeout bounds each individual attempt.
func (q *Queue) Execute(ctx context.Context, line string, timeout time.Duration) Result {
	return q.ExecuteWithDelta(ctx, line, timeout, nil)
}

// ExecuteWithDelta is Execute, but additionally attaches delta (the expected
// position change this command represents, or nil if it has none) to the
// CommandJournalEntry the dispatch hook receives, so RecoverySupervisor can
// correlate a step-loss diagnosis back to the command that caused it.
func (q *Queue) ExecuteWithDelta(ctx context.Context, line string, timeout time.Duration, delta *types.Position) Result {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Result{Err: types.NewHostError(types.ErrCancelled, "queue.Execute", errors.New("queue closed"))}
	}
	if len(q.waiting)+boolToInt(q.active != nil) >= MaxQueueLength {
		q.mu.Unlock()
		return Result{Err: types.NewHostError(types.ErrBufferOverflow, "queue.Execute", fmt.Errorf("queue length >= %d", MaxQueueLength))}
	}

	cmd := &types.Command{
		ID:          uuid.NewString(),
		Text:        line,
		Timeout:     timeout,
		MaxAttempts: defaultMaxAttempts,
		Status:      types.CommandEnqueued,
		EnqueuedAt:  time.Now(),
	}
	p := &pending{cmd: cmd, result: make(chan Result, 1), delta: delta}
	q.waiting = append(q.waiting, p)
	q.mu.Unlock()

	q.pump()

	select {
	case res := <-p.result:
		return res
	case <-ctx.Done():
		q.cancelOne(p)
		return Result{Err: types.NewHostError(types.ErrCancelled, "queue.Execute", ctx.Err())}
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// pump dispatches the next waiting command if nothing is currently active.
func (q *Queue) pump() {
	q.mu.Lock()
	if q.active != nil || len(q.waiting) == 0 || q.closed {
		q.mu.Unlock()
		return
	}
	p := q.waiting[0]
	q.waiting = q.waiting[1:]
	q.active = p
	q.mu.Unlock()

	go q.dispatch(p)
}

func (q *Queue) dispatch(p *pending) {
	p.cmd.Status = types.CommandDispatched
	p.cmd.Attempt++

	ctx, cancel := context.WithTimeout(context.Background(), p.cmd.Timeout)
	defer cancel()

	if err := q.tr.Send(ctx, p.cmd.Text); err != nil {
		q.finishAttempt(p, nil, types.NewHostError(types.ErrHardwareError, "queue.dispatch", err))
		return
	}
	if q.onCmd != nil {
		q.onCmd(types.CommandJournalEntry{Command: p.cmd.Text, Timestamp: time.Now(), ExpectedPositionDelta: p.delta})
	}
	q.log.Debug("queue: dispatched command", "cmd", p.cmd.Text, "attempt", p.cmd.Attempt)

	lines, err := q.awaitTerminator(ctx, p)
	q.finishAttempt(p, lines, err)
}

// awaitTerminator reads from the transport's line channel via the queue's
// shared readLoop dispatch, accumulating lines until a terminator is seen.
func (q *Queue) awaitTerminator(ctx context.Context, p *pending) ([]string, *types.HostError) {
	ch := make(chan string, 64)
	q.mu.Lock()
	q.lineSinks = append(q.lineSinks, ch)
	q.mu.Unlock()
	defer q.removeSink(ch)

	var lines []string
	for {
		select {
		case <-ctx.Done():
			return lines, types.NewHostError(types.ErrCommandTimeout, "queue.awaitTerminator", ctx.Err())
		case line, ok := <-ch:
			if !ok {
				return lines, types.NewHostError(types.ErrConnectionFailed, "queue.awaitTerminator", errors.New("transport closed"))
			}
			lines = append(lines, line)
			parsed := protocol.ParseLine(line)
			switch parsed.Kind {
			case protocol.LineOK, protocol.LineStatus, protocol.LineProbe:
				return lines, nil
			case protocol.LineError:
				return lines, types.NewHostError(types.ErrHardwareError, "queue.awaitTerminator", fmt.Errorf("error:%d", parsed.ErrorCode))
			case protocol.LineAlarm:
				return lines, types.NewHostError(types.ErrHardwareError, "queue.awaitTerminator", fmt.Errorf("ALARM:%d", parsed.AlarmCode))
			}
		}
	}
}

// Subscribe registers a new sink that receives every line the queue's
// readLoop drains from the transport, independent of any in-flight command's
// terminator matching. The Controller uses this instead of reading the
// transport directly, so status/alarm/probe lines and command terminators
// fan out from the one goroutine that owns the transport's line channel.
// The returned function unregisters the sink.
func (q *Queue) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	q.mu.Lock()
	q.lineSinks = append(q.lineSinks, ch)
	q.mu.Unlock()
	return ch, func() { q.removeSink(ch) }
}

func (q *Queue) removeSink(ch chan string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.lineSinks {
		if s == ch {
			q.lineSinks = append(q.lineSinks[:i], q.lineSinks[i+1:]...)
			break
		}
	}
}

// readLoop drains the transport's Lines channel and fans each line out to
// every registered sink (one per in-flight awaitTerminator call, plus one per
// Subscribe caller).
func (q *Queue) readLoop() {
	for line := range q.tr.Lines() {
		q.mu.Lock()
		sinks := append([]chan string(nil), q.lineSinks...)
		q.mu.Unlock()
		for _, s := range sinks {
			select {
			case s <- line:
			default:
			}
		}
	}
}

func (q *Queue) finishAttempt(p *pending, lines []string, err *types.HostError) {
	if err == nil {
		p.cmd.Status = types.CommandOK
		q.resolve(p, Result{Lines: lines})
		return
	}

	if p.cmd.Attempt >= p.cmd.MaxAttempts {
		p.cmd.Status = types.CommandError
		q.resolve(p, Result{Lines: lines, Err: err})
		return
	}

	wait := backoffFor(p.cmd.Attempt)
	q.log.Warn("queue: command failed, retrying", "cmd", p.cmd.Text, "attempt", p.cmd.Attempt, "wait", wait.String())
	q.clk.AfterFunc(wait, func() {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			q.resolve(p, Result{Lines: lines, Err: types.NewHostError(types.ErrCancelled, "queue.finishAttempt", errors.New("queue closed"))})
			return
		}
		q.active = nil
		q.waiting = append([]*pending{p}, q.waiting...)
		q.mu.Unlock()
		q.pump()
	})
}

func backoffFor(attempt int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(attempt))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (q *Queue) resolve(p *pending, res Result) {
	q.mu.Lock()
	if q.active == p {
		q.active = nil
	}
	q.mu.Unlock()
	select {
	case p.result <- res:
	default:
	}
	q.pump()
}

func (q *Queue) cancelOne(p *pending) {
	q.mu.Lock()
	for i, w := range q.waiting {
		if w == p {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// Len reports the number of commands waiting plus the one in flight, if any.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting) + boolToInt(q.active != nil)
}

// Clear rejects every waiting and dispatched command with a cancellation
// error (spec.md §4.2, invariant (iii): observable before the next dispatch).
func (q *Queue) Clear() {
	q.mu.Lock()
	waiting := q.waiting
	q.waiting = nil
	active := q.active
	q.active = nil
	q.mu.Unlock()

	cancelErr := types.NewHostError(types.ErrCancelled, "queue.Clear", errors.New("queue cleared"))
	for _, p := range waiting {
		select {
		case p.result <- Result{Err: cancelErr}:
		default:
		}
	}
	if active != nil {
		select {
		case active.result <- Result{Err: cancelErr}:
		default:
		}
	}
}

// Close stops accepting new commands and clears any outstanding ones.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.Clear()
}
