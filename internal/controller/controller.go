// Package controller implements the Controller facade: it owns the
// transport, command queue and safety validator, tracks expected vs.
// last-known position, and emits every host event onto the bus.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/joeycumines/go-microbatch"

	"github.com/cncforge/grblhost/internal/bus"
	"github.com/cncforge/grblhost/internal/journal"
	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/protocol"
	"github.com/cncforge/grblhost/internal/queue"
	"github.com/cncforge/grblhost/internal/safety"
	"github.com/cncforge/grblhost/internal/transport"
	"github.com/cncforge/grblhost/internal/types"
)

const defaultPollInterval = 250 * time.Millisecond

// Controller is the single owner of the transport, queue, validator and
// position accounting for one machine.
type Controller struct {
	log   logging.Logger
	clk   clock.Clock
	bus   *bus.Bus
	tr    transport.Transport
	q     *queue.Queue
	valid *safety.Validator

	journal *journal.CommandJournal

	mu            sync.RWMutex
	lastKnown     types.Position
	expected      types.Position
	incremental   bool
	lastState     types.MachineState
	lastAlarmCode int
	homed         bool
	pollCancel    context.CancelFunc
	statusBatcher *microbatch.Batcher[string]

	// Facade hooks (spec.md §4.6). internal/sequencer and internal/job both
	// import this package, so Controller cannot import them back without an
	// import cycle; main.go wires these in after constructing the
	// sequencers/JobRunner, so Home/Jog/Probe/ProbeGrid/StreamGCode/StopJob
	// can still be called through the one Controller facade.
	homeFn        func(ctx context.Context, axes []string) types.HomingResult
	jogFn         func(ctx context.Context, axes types.Coordinates, feed float64) types.JogResult
	probeFn       func(ctx context.Context, axis string, feed, distance float64) types.ProbeResult
	probeGridFn   func(ctx context.Context, opts types.GridProbeOptions) types.GridProbeResult
	streamGCodeFn func(ctx context.Context, name, source string, opts types.JobOptions) (*types.Job, error)
	stopJobFn     func(emergency bool) error
}

// New constructs a Controller. b must not be nil; log and clk may be.
func New(tr transport.Transport, b *bus.Bus, soft types.SoftLimits, speed types.SpeedLimits, log logging.Logger, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	log = logging.OrNop(log)
	q := queue.New(tr, log.With("queue"), clk)
	c := &Controller{
		log:     log,
		clk:     clk,
		bus:     b,
		tr:      tr,
		q:       q,
		valid:   safety.New(soft, speed),
		journal: journal.NewCommandJournal(),
	}
	q.OnCommand(c.journal.Record)

	c.statusBatcher = microbatch.NewBatcher[string](&microbatch.BatcherConfig{
		MaxSize:       8,
		FlushInterval: 50 * time.Millisecond,
	}, c.processStatusBatch)

	go c.readLoop()
	return c
}

// Connect opens the transport and emits a "connected" event.
func (c *Controller) Connect(ctx context.Context) error {
	if err := c.tr.Open(ctx); err != nil {
		return types.NewHostError(types.ErrConnectionFailed, "controller.Connect", err)
	}
	c.publish(types.EventConnection, c.tr.State())
	return nil
}

// Disconnect closes the transport.
func (c *Controller) Disconnect() error {
	err := c.tr.Close()
	c.publish(types.EventConnection, transport.Disconnected)
	return err
}

// IsConnected reports whether the transport is Connected.
func (c *Controller) IsConnected() bool {
	return c.tr.State() == transport.Connected
}

func (c *Controller) publish(t types.EventType, payload interface{}) {
	c.bus.Publish(types.Event{Type: t, Source: "controller", Timestamp: time.Now(), Payload: payload})
}

// readLoop drains every line fanned out by the queue's shared reader
// (independent of queue terminator matching) to feed the ProtocolCodec and
// the debounced status-update broadcast.
func (c *Controller) readLoop() {
	ch, _ := c.q.Subscribe()
	for line := range ch {
		c.statusBatcher.Submit(context.Background(), line)
		parsed := protocol.ParseLine(line)
		switch parsed.Kind {
		case protocol.LineStatus:
			c.applyStatus(parsed.Status)
		case protocol.LineAlarm:
			c.mu.Lock()
			c.lastAlarmCode = parsed.AlarmCode
			c.mu.Unlock()
			c.publish(types.EventAlarm, types.MachineState{Kind: types.StateAlarm, AlarmCode: parsed.AlarmCode})
		case protocol.LineProbe:
			c.publish(types.EventProbeResult, parsed.Probe)
		}
	}
}

func (c *Controller) processStatusBatch(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	c.publish(types.EventStatusUpdate, lines[len(lines)-1])
	return nil
}

func (c *Controller) applyStatus(sr protocol.StatusReport) {
	c.mu.Lock()
	c.lastKnown = sr.Position
	c.lastState = types.MachineState{Kind: sr.State}
	if sr.State == types.StateAlarm {
		c.homed = false
	}
	c.mu.Unlock()
}

// LastKnownPosition returns the most recently observed machine position.
func (c *Controller) LastKnownPosition() types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastKnown
}

// ExpectedPosition returns the position accounting has predicted from
// emitted motion.
func (c *Controller) ExpectedPosition() types.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expected
}

// LastState returns the most recently decoded MachineState.
func (c *Controller) LastState() types.MachineState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastState
}

// LastAlarmCode returns the most recently observed alarm code.
func (c *Controller) LastAlarmCode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastAlarmCode
}

// MarkHomed records that a HomingSequencer run completed successfully.
// Cleared whenever the machine transitions into Alarm (see applyStatus).
func (c *Controller) MarkHomed() {
	c.mu.Lock()
	c.homed = true
	c.mu.Unlock()
}

// IsHomed reports whether the machine has completed homing since the last
// alarm, used by ProbingSequencer's pre-flight check.
func (c *Controller) IsHomed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.homed
}

// CheckPositionMismatch reports whether |expected - last_known| exceeds
// 0.1 mm on any axis.
func (c *Controller) CheckPositionMismatch() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.expected.WithinTolerance(c.lastKnown, 0.1)
}

// Send validates line, updates expected-position accounting, journals it and
// dispatches through the queue. timeout defaults to 10s if zero.
func (c *Controller) Send(ctx context.Context, line string, timeout time.Duration) (queue.Result, safety.Result) {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	current := c.LastKnownPosition()
	verdict := c.valid.Validate(line, current)
	if verdict.Verdict == safety.Invalid {
		return queue.Result{Err: types.NewHostError(types.ErrSafetyViolation, "controller.Send", fmt.Errorf("%s", verdict.Message))}, verdict
	}
	if verdict.Verdict == safety.Warn {
		c.publish(types.EventWarning, verdict.Message)
	}

	before := c.ExpectedPosition()
	c.applyExpectedDelta(line)
	after := c.ExpectedPosition()

	var delta *types.Position
	if after != before {
		d := after.Sub(before)
		delta = &d
	}

	res := c.q.ExecuteWithDelta(ctx, line, timeout, delta)
	return res, verdict
}

// applyExpectedDelta updates expected position per spec.md §4.6: absolute
// G0-G3 replace specified axes, incremental/$J= add to them.
func (c *Controller) applyExpectedDelta(line string) {
	coords, isMotion, isJog := extractMotionCoords(line)
	if !isMotion && !isJog {
		if isModalSwitch(line, "G91") {
			c.mu.Lock()
			c.incremental = true
			c.mu.Unlock()
		} else if isModalSwitch(line, "G90") {
			c.mu.Lock()
			c.incremental = false
			c.mu.Unlock()
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	additive := isJog || c.incremental
	if coords.X != nil {
		if additive {
			c.expected.X += *coords.X
		} else {
			c.expected.X = *coords.X
		}
	}
	if coords.Y != nil {
		if additive {
			c.expected.Y += *coords.Y
		} else {
			c.expected.Y = *coords.Y
		}
	}
	if coords.Z != nil {
		if additive {
			c.expected.Z += *coords.Z
		} else {
			c.expected.Z = *coords.Z
		}
	}
}

// GetStatus writes the realtime '?' byte directly to the transport (it is a
// realtime command per the Glossary: a single byte GRBL interprets
// immediately, bypassing the line queue) and waits on the queue's line fan-out
// for the next status report, also updating position state as a side effect.
func (c *Controller) GetStatus(ctx context.Context) (protocol.StatusReport, error) {
	ch, unsubscribe := c.q.Subscribe()
	defer unsubscribe()

	if err := c.tr.SendRealtime('?'); err != nil {
		return protocol.StatusReport{}, types.NewHostError(types.ErrHardwareError, "controller.GetStatus", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return protocol.StatusReport{}, types.NewHostError(types.ErrCommandTimeout, "controller.GetStatus", ctx.Err())
		case line, ok := <-ch:
			if !ok {
				return protocol.StatusReport{}, types.NewHostError(types.ErrConnectionFailed, "controller.GetStatus", fmt.Errorf("transport closed"))
			}
			if sr, ok := protocol.ParseStatusReport(line); ok {
				c.applyStatus(sr)
				return sr, nil
			}
		}
	}
}

// StartStatusPolling issues best-effort recurring "?" queries every
// interval (default 250ms); errors are swallowed, matching spec.md §4.6.
func (c *Controller) StartStatusPolling(interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.pollCancel = cancel
	c.mu.Unlock()

	ticker := c.clk.Ticker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = c.GetStatus(context.Background())
			}
		}
	}()
}

// StopStatusPolling halts any in-progress StartStatusPolling loop.
func (c *Controller) StopStatusPolling() {
	c.mu.Lock()
	cancel := c.pollCancel
	c.pollCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// EmergencyStop writes the soft-reset byte, clears the queue and emits
// emergencyStop. It never returns an error to the caller.
func (c *Controller) EmergencyStop() {
	_ = c.tr.SendRealtime(0x18)
	c.q.Clear()
	c.publish(types.EventEmergencyStop, nil)
}

// FeedHold writes '!'.
func (c *Controller) FeedHold() error {
	err := c.tr.SendRealtime('!')
	c.publish(types.EventFeedHold, nil)
	return err
}

// Resume writes '~' (cycle start / resume).
func (c *Controller) Resume() error {
	return c.tr.SendRealtime('~')
}

// SoftReset writes the reset byte, waits 1s, then clears the queue.
func (c *Controller) SoftReset() error {
	err := c.tr.SendRealtime(0x18)
	c.clk.Sleep(time.Second)
	c.q.Clear()
	c.publish(types.EventSoftReset, nil)
	return err
}

// QueueLength reports the current command queue length.
func (c *Controller) QueueLength() int { return c.q.Len() }

// Queue exposes the underlying CommandQueue for sequencers that need direct
// access (e.g. to dispatch commands with custom timeouts).
func (c *Controller) Queue() *queue.Queue { return c.q }

// Bus exposes the event bus for subscribers (JobRunner, RecoverySupervisor).
func (c *Controller) Bus() *bus.Bus { return c.bus }

// Validator exposes the SafetyValidator for components (the job runner)
// that pre-flight whole programs before streaming them.
func (c *Controller) Validator() *safety.Validator { return c.valid }

// Journal exposes the command journal for the RecoverySupervisor.
func (c *Controller) Journal() *journal.CommandJournal { return c.journal }

// Transport exposes the underlying transport for sequencers that need to
// observe connection state transitions directly.
func (c *Controller) Transport() transport.Transport { return c.tr }

// WireHoming registers the HomingSequencer's Home method behind the
// Controller facade.
func (c *Controller) WireHoming(fn func(ctx context.Context, axes []string) types.HomingResult) {
	c.homeFn = fn
}

// WireJog registers the JoggingSequencer's Jog method behind the Controller
// facade.
func (c *Controller) WireJog(fn func(ctx context.Context, axes types.Coordinates, feed float64) types.JogResult) {
	c.jogFn = fn
}

// WireProbe registers the ProbingSequencer's Probe method behind the
// Controller facade.
func (c *Controller) WireProbe(fn func(ctx context.Context, axis string, feed, distance float64) types.ProbeResult) {
	c.probeFn = fn
}

// WireProbeGrid registers the ProbingSequencer's GridProbe method behind the
// Controller facade.
func (c *Controller) WireProbeGrid(fn func(ctx context.Context, opts types.GridProbeOptions) types.GridProbeResult) {
	c.probeGridFn = fn
}

// WireJobRunner registers the JobRunner's load+start and stop operations
// behind the Controller facade.
func (c *Controller) WireJobRunner(stream func(ctx context.Context, name, source string, opts types.JobOptions) (*types.Job, error), stop func(emergency bool) error) {
	c.streamGCodeFn = stream
	c.stopJobFn = stop
}

// Home runs the homing sequence for axes (empty = all axes). spec.md §4.6.
func (c *Controller) Home(ctx context.Context, axes []string) types.HomingResult {
	if c.homeFn == nil {
		return types.HomingResult{Success: false, Message: "homing is not wired"}
	}
	return c.homeFn(ctx, axes)
}

// Jog issues a single relative jog move. spec.md §4.6.
func (c *Controller) Jog(ctx context.Context, axes types.Coordinates, feed float64) types.JogResult {
	if c.jogFn == nil {
		return types.JogResult{Success: false, Kind: "generic", Message: "jog is not wired"}
	}
	return c.jogFn(ctx, axes, feed)
}

// Probe runs a single-point probe along axis. spec.md §4.6.
func (c *Controller) Probe(ctx context.Context, axis string, feed, distance float64) types.ProbeResult {
	if c.probeFn == nil {
		return types.ProbeResult{Success: false, Kind: "unknown", Message: "probing is not wired"}
	}
	return c.probeFn(ctx, axis, feed, distance)
}

// ProbeGrid runs a grid probe. spec.md §4.6.
func (c *Controller) ProbeGrid(ctx context.Context, opts types.GridProbeOptions) types.GridProbeResult {
	if c.probeGridFn == nil {
		return types.GridProbeResult{Warnings: []string{"probing is not wired"}}
	}
	return c.probeGridFn(ctx, opts)
}

// StreamGCode loads source as a named job and starts streaming it. spec.md
// §4.6.
func (c *Controller) StreamGCode(ctx context.Context, name, source string, opts types.JobOptions) (*types.Job, error) {
	if c.streamGCodeFn == nil {
		return nil, types.NewHostError(types.ErrMachineNotReady, "controller.StreamGCode", fmt.Errorf("job runner is not wired"))
	}
	return c.streamGCodeFn(ctx, name, source, opts)
}

// StopJob halts the current job, optionally via an emergency stop. spec.md
// §4.6.
func (c *Controller) StopJob(emergency bool) error {
	if c.stopJobFn == nil {
		return types.NewHostError(types.ErrMachineNotReady, "controller.StopJob", fmt.Errorf("job runner is not wired"))
	}
	return c.stopJobFn(emergency)
}

// NewCommandID returns a fresh unique identifier, used by callers (JobRunner,
// sequencers) that need to correlate a dispatched command across events.
func NewCommandID() string { return uuid.NewString() }
