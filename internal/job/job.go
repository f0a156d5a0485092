// Package job implements the JobRunner: it streams a parsed G-code program
// block by block through the Controller, with pause/resume, stop-on-error or
// retry-on-error policies, periodic autosave, and crash-recovery resume.
package job

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/cncforge/grblhost/internal/bus"
	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/gcode"
	"github.com/cncforge/grblhost/internal/journal"
	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/safety"
	"github.com/cncforge/grblhost/internal/types"
)

const (
	preambleTimeout  = 10 * time.Second
	blockTimeout     = 10 * time.Second
	autosaveInterval = 60 * time.Second
	pausePollDelay   = 50 * time.Millisecond
)

var preambleCommands = []string{"G0 Z20 F500", "G90", "G21", "G92 X0 Y0 Z0"}

// Confirmer is consulted before starting a job whose options request a tool
// or material confirmation. A false return fails the job before it starts.
type Confirmer func(ctx context.Context, kind string) bool

// Progress is the payload of an EventJobProgress event.
type Progress struct {
	JobID          string
	Percent        float64
	BlocksExecuted int
	BlocksTotal    int
}

// Runner streams one Job at a time through the Controller, owning the
// pending queue and bounded job history.
type Runner struct {
	ctrl    *controller.Controller
	log     logging.Logger
	clk     clock.Clock
	b       *bus.Bus
	storage Storage
	confirm Confirmer

	mu      sync.Mutex
	current *types.Job
	queue   []*types.Job
	history *journal.JobHistory

	paused  bool
	stopped bool
}

// New constructs a Runner. storage may be nil to disable autosave/crash
// recovery persistence.
func New(ctrl *controller.Controller, storage Storage, log logging.Logger, clk clock.Clock) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		ctrl:    ctrl,
		storage: storage,
		log:     logging.OrNop(log),
		clk:     clk,
		b:       ctrl.Bus(),
		history: journal.NewJobHistory(),
	}
}

// SetConfirmer registers the callback used for tool/material confirmations.
func (r *Runner) SetConfirmer(fn Confirmer) { r.confirm = fn }

// LoadJob parses source into a Job and appends it to the pending queue.
// Strict options fail outright on the program's first parse error.
func (r *Runner) LoadJob(name, source string, opts types.JobOptions) (*types.Job, error) {
	parsed := gcode.New().Parse(source)
	if opts.Strict && len(parsed.Errors) > 0 {
		return nil, types.NewHostError(types.ErrInvalidGCode, "job.LoadJob", fmt.Errorf("%s", parsed.Errors[0]))
	}

	issues := gcode.CheckSafety(parsed.Blocks, r.ctrl.Validator().SoftLimits(), r.ctrl.Validator().SpeedLimits())

	now := time.Now()
	j := &types.Job{
		ID:           uuid.NewString(),
		Name:         name,
		Source:       source,
		Blocks:       parsed.Blocks,
		ParseResult:  parsed,
		SafetyIssues: issues,
		Status:       types.JobReady,
		Options:      opts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	r.mu.Lock()
	r.queue = append(r.queue, j)
	r.mu.Unlock()
	return j, nil
}

// GetJobQueue returns the pending (not yet started) jobs, in FIFO order.
func (r *Runner) GetJobQueue() []*types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.Job, len(r.queue))
	copy(out, r.queue)
	return out
}

// GetCurrentJob returns the job currently Running or Paused, or nil.
func (r *Runner) GetCurrentJob() *types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// GetJobHistory returns the bounded history of terminal jobs, oldest first.
func (r *Runner) GetJobHistory() []types.Job {
	return r.history.Entries()
}

// GetExecutionStats summarizes outcomes across the retained job history.
func (r *Runner) GetExecutionStats() types.ExecutionStats {
	var stats types.ExecutionStats
	for _, j := range r.history.Entries() {
		stats.TotalJobs++
		switch j.Status {
		case types.JobCompleted:
			stats.Completed++
		case types.JobFailed:
			stats.Failed++
		case types.JobStopped:
			stats.Stopped++
		}
	}
	return stats
}

// StartJob pops jobID from the pending queue, runs pre-flight checks and the
// fixed preamble, then streams its blocks in a background goroutine.
func (r *Runner) StartJob(ctx context.Context, jobID string) error {
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return types.NewHostError(types.ErrMachineNotReady, "job.StartJob", fmt.Errorf("a job is already running or paused"))
	}
	var j *types.Job
	for i, q := range r.queue {
		if q.ID == jobID {
			j = q
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			break
		}
	}
	if j == nil {
		r.mu.Unlock()
		return types.NewHostError(types.ErrMachineNotReady, "job.StartJob", fmt.Errorf("no pending job %q", jobID))
	}
	r.current = j
	r.paused = false
	r.stopped = false
	r.mu.Unlock()

	if err := r.preflight(ctx, j); err != nil {
		r.finish(j, types.JobFailed, err.Error())
		return err
	}

	j.Status = types.JobRunning
	j.StartedAt = time.Now()
	r.publish(types.EventJobStateChanged, j)

	if err := r.runPreamble(ctx, j); err != nil {
		r.finish(j, types.JobFailed, "preamble: "+err.Error())
		return err
	}

	cancelAutosave := r.startAutosave(j)
	go func() {
		defer cancelAutosave()
		r.runBlocks(ctx, j)
	}()
	return nil
}

func (r *Runner) preflight(ctx context.Context, j *types.Job) error {
	if !r.ctrl.IsConnected() {
		return types.NewHostError(types.ErrMachineNotReady, "job.preflight", fmt.Errorf("not connected"))
	}
	if r.ctrl.LastState().Kind == types.StateAlarm {
		return types.NewHostError(types.ErrMachineNotReady, "job.preflight", fmt.Errorf("machine is in Alarm state"))
	}
	if j.Options.RequireHomed && !r.ctrl.IsHomed() {
		return types.NewHostError(types.ErrMachineNotReady, "job.preflight", fmt.Errorf("machine has not been homed"))
	}

	soft := r.ctrl.Validator().SoftLimits()
	bb := j.ParseResult.BoundingBox
	if !soft.X.Contains(bb.Min.X) || !soft.X.Contains(bb.Max.X) ||
		!soft.Y.Contains(bb.Min.Y) || !soft.Y.Contains(bb.Max.Y) ||
		!soft.Z.Contains(bb.Min.Z) || !soft.Z.Contains(bb.Max.Z) {
		r.publish(types.EventWarning, fmt.Sprintf("job %s: bounding box exceeds soft-limit envelope", j.ID))
	}

	if j.Options.ConfirmTool && !r.askConfirm(ctx, "tool") {
		return types.NewHostError(types.ErrMachineNotReady, "job.preflight", fmt.Errorf("tool confirmation declined"))
	}
	if j.Options.ConfirmMaterial && !r.askConfirm(ctx, "material") {
		return types.NewHostError(types.ErrMachineNotReady, "job.preflight", fmt.Errorf("material confirmation declined"))
	}
	return nil
}

func (r *Runner) askConfirm(ctx context.Context, kind string) bool {
	if r.confirm == nil {
		r.log.Warn("job: confirmation requested but no confirmer registered, auto-confirming", "kind", kind)
		return true
	}
	return r.confirm(ctx, kind)
}

func (r *Runner) runPreamble(ctx context.Context, j *types.Job) error {
	cmds := append(append([]string{}, preambleCommands...), j.Options.PreJobCommands...)
	for _, cmd := range cmds {
		res, verdict := r.ctrl.Send(ctx, cmd, preambleTimeout)
		if verdict.Verdict == safety.Invalid {
			return fmt.Errorf("%s", verdict.Message)
		}
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

// runBlocks streams job.Blocks starting at j.BlocksExecuted: 0 for a fresh
// start, or the resume index ResumeAfterCrash sets before calling this.
func (r *Runner) runBlocks(ctx context.Context, j *types.Job) {
	start := j.BlocksExecuted
	total := len(j.Blocks)

	for i := start; i < total; i++ {
		if r.waitWhilePausedOrStopped(ctx, j) {
			return
		}

		block := j.Blocks[i]
		if err := r.sendBlockWithPolicy(ctx, j, block); err != nil {
			if j.Options.StopOnError {
				r.finish(j, types.JobFailed, fmt.Sprintf("block %d: %s", block.LineNumber, err.Error()))
				return
			}
			// retry_on_error already retried inside sendBlockWithPolicy and
			// still failed, or neither flag applied: skip with a warning.
			r.publish(types.EventWarning, fmt.Sprintf("job %s: skipping block %d after error: %s", j.ID, block.LineNumber, err.Error()))
		}

		j.BlocksExecuted = i + 1
		j.ProgressPercent = float64(j.BlocksExecuted) / float64(total) * 100
		j.UpdatedAt = time.Now()
		r.publish(types.EventJobProgress, Progress{JobID: j.ID, Percent: j.ProgressPercent, BlocksExecuted: j.BlocksExecuted, BlocksTotal: total})
	}

	r.finish(j, types.JobCompleted, "")
}

// sendBlockWithPolicy sends one block once, then applies spec.md §4.10's
// per-error policy: stop_on_error fails outright (no retry attempted);
// otherwise retry_on_error retries up to retry_count with 500*attempt ms
// backoff; otherwise the caller skips the block with a warning.
func (r *Runner) sendBlockWithPolicy(ctx context.Context, j *types.Job, block types.Block) error {
	attemptOnce := func() error {
		res, verdict := r.ctrl.Send(ctx, block.Raw, blockTimeout)
		if verdict.Verdict == safety.Invalid {
			return fmt.Errorf("%s", verdict.Message)
		}
		return res.Err
	}

	err := attemptOnce()
	if err == nil {
		return nil
	}
	if j.Options.StopOnError {
		return err
	}
	if !j.Options.RetryOnError {
		return err
	}

	retries := j.Options.RetryCount
	if retries <= 0 {
		retries = 3
	}
	for attempt := 1; attempt <= retries; attempt++ {
		r.clk.Sleep(time.Duration(500*attempt) * time.Millisecond)
		if err = attemptOnce(); err == nil {
			return nil
		}
	}
	return err
}

// waitWhilePausedOrStopped polls the pause flag before each block, per
// spec.md §4.10. Returns true if the caller should abandon the run (a stop
// was requested while waiting).
func (r *Runner) waitWhilePausedOrStopped(ctx context.Context, j *types.Job) bool {
	for {
		r.mu.Lock()
		paused := r.paused
		stopped := r.stopped
		r.mu.Unlock()
		if stopped {
			return true
		}
		if !paused {
			return false
		}
		select {
		case <-ctx.Done():
			return true
		case <-r.clk.After(pausePollDelay):
		}
	}
}

// PauseJob transitions Running -> Paused, sending a feed hold and recording
// the pause position for crash-recovery.
func (r *Runner) PauseJob() error {
	r.mu.Lock()
	j := r.current
	if j == nil || j.Status != types.JobRunning {
		r.mu.Unlock()
		return types.NewHostError(types.ErrMachineNotReady, "job.PauseJob", fmt.Errorf("no job is Running"))
	}
	r.paused = true
	pos := r.ctrl.LastKnownPosition()
	j.PausedPosition = &pos
	j.Status = types.JobPaused
	j.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.ctrl.FeedHold()
	r.publish(types.EventJobStateChanged, j)
	return nil
}

// ResumeJob transitions Paused -> Running, sending cycle-start.
func (r *Runner) ResumeJob() error {
	r.mu.Lock()
	j := r.current
	if j == nil || j.Status != types.JobPaused {
		r.mu.Unlock()
		return types.NewHostError(types.ErrMachineNotReady, "job.ResumeJob", fmt.Errorf("no job is Paused"))
	}
	r.paused = false
	j.Status = types.JobRunning
	j.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.ctrl.Resume()
	r.publish(types.EventJobStateChanged, j)
	return nil
}

// StopJob halts the current job: a feed-hold + soft-reset, or an
// emergency-stop, then marks the job Stopped.
func (r *Runner) StopJob(emergency bool) error {
	r.mu.Lock()
	j := r.current
	if j == nil {
		r.mu.Unlock()
		return types.NewHostError(types.ErrMachineNotReady, "job.StopJob", fmt.Errorf("no job is current"))
	}
	r.stopped = true
	r.mu.Unlock()

	if emergency {
		r.ctrl.EmergencyStop()
	} else {
		r.ctrl.FeedHold()
		r.ctrl.SoftReset()
	}

	r.finish(j, types.JobStopped, "")
	return nil
}

// startAutosave begins a background ticker that serializes j's JobState to
// storage every autosaveInterval while it remains current. Returns a cancel
// function the caller must invoke when the run ends.
func (r *Runner) startAutosave(j *types.Job) context.CancelFunc {
	if r.storage == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	ticker := r.clk.Ticker(autosaveInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.saveState(ctx, j)
			}
		}
	}()
	return cancel
}

func (r *Runner) saveState(ctx context.Context, j *types.Job) {
	state := r.snapshotState(j)
	if err := r.storage.SaveAutosave(ctx, state); err != nil {
		r.log.Warn("job: autosave failed", "job", j.ID, "error", err.Error())
	}
}

func (r *Runner) snapshotState(j *types.Job) types.JobState {
	return types.JobState{
		JobID:          j.ID,
		ProgressPct:    j.ProgressPercent,
		Status:         j.Status,
		StopOnError:    j.Options.StopOnError,
		RetryOnError:   j.Options.RetryOnError,
		LastStatus:     string(r.ctrl.LastState().Kind),
		BlocksExecuted: j.BlocksExecuted,
		BlocksTotal:    len(j.Blocks),
		PausedPosition: j.PausedPosition,
		SavedAt:        time.Now(),
	}
}

// finish records j's terminal outcome, moves it into history, and clears it
// as current.
func (r *Runner) finish(j *types.Job, status types.JobStatus, reason string) {
	r.mu.Lock()
	j.Status = status
	j.UpdatedAt = time.Now()
	j.ExecutionResult = &types.ExecutionResult{
		BlocksExecuted: j.BlocksExecuted,
		BlocksSkipped:  len(j.Blocks) - j.BlocksExecuted,
		FailureReason:  reason,
		StartedAt:      j.StartedAt,
		EndedAt:        j.UpdatedAt,
	}
	if r.current == j {
		r.current = nil
	}
	r.history.Record(*j)
	r.mu.Unlock()

	if r.storage != nil {
		state := r.snapshotState(j)
		// SaveAutosave keeps "last saved state" current for ResumeAfterCrash
		// even when the job never lived long enough for a 60s autosave tick;
		// SaveCrashRecovery additionally retains a timestamped forensic copy.
		_ = r.storage.SaveAutosave(context.Background(), state)
		_ = r.storage.SaveCrashRecovery(context.Background(), state, nowEpoch())
	}

	if status == types.JobCompleted {
		r.publish(types.EventJobComplete, j)
	}
	r.publish(types.EventJobStateChanged, j)
}

func (r *Runner) publish(t types.EventType, payload interface{}) {
	r.b.Publish(types.Event{Type: t, Source: "job", Timestamp: time.Now(), Payload: payload})
}

// ResumeAfterCrash consults the last autosaved JobState for jobID, raises Z,
// clears any latched alarm, repositions over the paused coordinates and
// descends, then restarts block execution from the estimated block index.
// The fixed preamble is not replayed (spec.md §4.10).
func (r *Runner) ResumeAfterCrash(ctx context.Context, jobID string) error {
	if r.storage == nil {
		return types.NewHostError(types.ErrMachineNotReady, "job.ResumeAfterCrash", fmt.Errorf("no storage configured"))
	}
	r.mu.Lock()
	if r.current != nil {
		r.mu.Unlock()
		return types.NewHostError(types.ErrMachineNotReady, "job.ResumeAfterCrash", fmt.Errorf("a job is already running or paused"))
	}
	r.mu.Unlock()

	state, ok, err := r.storage.LoadLatest(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewHostError(types.ErrMachineNotReady, "job.ResumeAfterCrash", fmt.Errorf("no saved state for job %q", jobID))
	}

	// The job being resumed already ran to a terminal state (Failed or
	// Stopped) and was recorded into history; recover its blocks/options
	// from there rather than requiring it still sit in the pending queue.
	var j *types.Job
	for _, h := range r.history.Entries() {
		if h.ID == jobID {
			cp := h
			j = &cp
			break
		}
	}
	if j == nil {
		return types.NewHostError(types.ErrMachineNotReady, "job.ResumeAfterCrash", fmt.Errorf("no recorded job %q to resume", jobID))
	}

	r.ctrl.Send(ctx, "G0 Z10", preambleTimeout)
	r.ctrl.Send(ctx, "$X", preambleTimeout)

	if state.PausedPosition != nil {
		p := *state.PausedPosition
		r.ctrl.Send(ctx, fmt.Sprintf("G0 X%g Y%g Z%g", p.X, p.Y, p.Z+10), preambleTimeout)
		r.ctrl.Send(ctx, fmt.Sprintf("G0 Z%g", p.Z), preambleTimeout)
	}

	resumeIndex := int(math.Floor(state.ProgressPct / 100 * float64(len(j.Blocks))))
	if resumeIndex < 0 {
		resumeIndex = 0
	}
	if resumeIndex > len(j.Blocks) {
		resumeIndex = len(j.Blocks)
	}
	j.BlocksExecuted = resumeIndex
	j.Status = types.JobRunning
	j.StartedAt = time.Now()

	r.mu.Lock()
	r.current = j
	r.paused = false
	r.stopped = false
	r.mu.Unlock()

	r.publish(types.EventJobStateChanged, j)
	cancelAutosave := r.startAutosave(j)
	go func() {
		defer cancelAutosave()
		r.runBlocks(ctx, j)
	}()
	return nil
}
