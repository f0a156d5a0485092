// Package recovery implements the RecoverySupervisor: a periodic
// self-diagnosis loop that classifies the Controller's derived state into a
// RecoveryDiagnosis and, for critical severities, runs the matching scripted
// recovery automatically (spec.md §4.11).
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/go-catrate"

	"github.com/cncforge/grblhost/internal/bus"
	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/journal"
	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/protocol"
	"github.com/cncforge/grblhost/internal/types"
)

const diagnosisInterval = 30 * time.Second

// dedupeRates bounds how often the same diagnosis state republishes
// EventRecoveryNeeded, so a latched Alarm doesn't spam the bus once per
// diagnosisInterval tick for as long as it persists.
var dedupeRates = map[time.Duration]int{
	time.Minute: 1,
}

// Acknowledger is consulted before a RecoveryStep whose
// ConfirmationRequired is true proceeds. A false return aborts the script.
type Acknowledger func(ctx context.Context, step types.RecoveryStep) bool

// Supervisor polls the Controller on a fixed interval, diagnoses its state,
// and runs the scripted recovery for diagnoses of critical severity. Other
// severities are surfaced via EventRecoveryNeeded and wait for AutoRecover.
type Supervisor struct {
	ctrl *controller.Controller
	b    *bus.Bus
	log  logging.Logger
	clk  clock.Clock

	history *journal.DiagnosisHistory
	limiter *catrate.Limiter
	confirm Acknowledger

	mu         sync.Mutex
	lastDiag   types.RecoveryDiagnosis
	cancelPoll context.CancelFunc
}

// New constructs a Supervisor bound to ctrl.
func New(ctrl *controller.Controller, log logging.Logger, clk clock.Clock) *Supervisor {
	if clk == nil {
		clk = clock.New()
	}
	return &Supervisor{
		ctrl:    ctrl,
		b:       ctrl.Bus(),
		log:     logging.OrNop(log),
		clk:     clk,
		history: journal.NewDiagnosisHistory(),
		limiter: catrate.NewLimiter(dedupeRates),
	}
}

// SetAcknowledger registers the callback consulted for confirmation-required
// recovery steps.
func (s *Supervisor) SetAcknowledger(fn Acknowledger) { s.confirm = fn }

// Start begins the periodic diagnosis loop. Calling Start twice replaces the
// previous loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.Stop()
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelPoll = cancel
	s.mu.Unlock()

	ticker := s.clk.Ticker(diagnosisInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop cancels the diagnosis loop, if running.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancelPoll
	s.cancelPoll = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	diag := s.Diagnose()
	s.recordAndPublish(diag)
	if diag.Severity == types.SeverityCritical {
		s.ExecuteRecovery(ctx, diag)
	}
}

func (s *Supervisor) recordAndPublish(diag types.RecoveryDiagnosis) {
	s.mu.Lock()
	s.lastDiag = diag
	s.mu.Unlock()
	s.history.Record(diag)

	if diag.IsNormal() {
		return
	}
	if _, allowed := s.limiter.Allow(diag.State); !allowed {
		return
	}
	s.publish(types.EventRecoveryNeeded, diag)
}

// Diagnose runs the ordered self-diagnosis check in spec.md §4.11: connection
// loss, then Alarm (by code), then position mismatch, else Normal.
func (s *Supervisor) Diagnose() types.RecoveryDiagnosis {
	now := time.Now()

	if !s.ctrl.IsConnected() {
		return types.RecoveryDiagnosis{
			State:              "ConnectionLost",
			Severity:           types.SeverityHigh,
			ProbableCause:      "transport is disconnected",
			RecommendedActions: []string{"check cable/port and reconnect"},
			Steps:              connectionLostSteps(),
			DiagnosedAt:        now,
		}
	}

	if s.ctrl.LastState().Kind == types.StateAlarm {
		code := s.ctrl.LastAlarmCode()
		return alarmDiagnosis(code, now)
	}

	if s.ctrl.CheckPositionMismatch() {
		return types.RecoveryDiagnosis{
			State:              "StepLossDetected",
			Severity:           types.SeverityHigh,
			ProbableCause:      fmt.Sprintf("expected position diverged from last reported position beyond tolerance%s", s.suspectCommand()),
			AffectedAxes:       []string{"X", "Y", "Z"},
			RecommendedActions: []string{"stop, re-home, and verify work offsets before resuming"},
			Steps:              stepLossSteps(),
			DiagnosedAt:        now,
		}
	}

	return types.RecoveryDiagnosis{State: "Normal", Severity: types.SeverityLow, DiagnosedAt: now}
}

// suspectCommand walks the controller's command journal backwards for the
// most recent entry that carried an expected position delta, and returns a
// clause naming it as the likely cause of a step-loss diagnosis. Returns ""
// if the journal holds no such entry (e.g. it has already rolled over).
func (s *Supervisor) suspectCommand() string {
	entries := s.ctrl.Journal().Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].ExpectedPositionDelta != nil {
			return fmt.Sprintf(" (likely cause: %q)", entries[i].Command)
		}
	}
	return ""
}

func alarmDiagnosis(code int, now time.Time) types.RecoveryDiagnosis {
	msg := protocol.AlarmMessage(code)
	switch code {
	case 1, 2:
		return types.RecoveryDiagnosis{
			State:              "HardLimitTriggered",
			Severity:           types.SeverityMedium,
			ProbableCause:      msg,
			AffectedAxes:       []string{"X", "Y", "Z"},
			RecommendedActions: []string{"jog off the switch, clear the alarm, re-home"},
			Steps:              hardLimitSteps(),
			DiagnosedAt:        now,
		}
	case 4, 5:
		return types.RecoveryDiagnosis{
			State:              "ProbeFailAlarm",
			Severity:           types.SeverityMedium,
			ProbableCause:      msg,
			RecommendedActions: []string{"check probe wiring and retry"},
			Steps:              probeFailSteps(),
			DiagnosedAt:        now,
		}
	case 6, 7, 8, 9:
		return types.RecoveryDiagnosis{
			State:              "HomingFailAlarm",
			Severity:           types.SeverityHigh,
			ProbableCause:      msg,
			RecommendedActions: []string{"clear obstruction, verify limit switches, re-home"},
			Steps:              homingFailSteps(),
			DiagnosedAt:        now,
		}
	default:
		return types.RecoveryDiagnosis{
			State:              "GenericAlarm",
			Severity:           types.SeverityHigh,
			ProbableCause:      msg,
			RecommendedActions: []string{"clear the alarm and inspect the machine before resuming"},
			Steps:              genericAlarmSteps(),
			DiagnosedAt:        now,
		}
	}
}

func connectionLostSteps() []types.RecoveryStep {
	return []types.RecoveryStep{
		{ID: "reconnect", Description: "attempt to reopen the transport", ConfirmationRequired: false},
	}
}

func hardLimitSteps() []types.RecoveryStep {
	return []types.RecoveryStep{
		{ID: "clear_alarm", Description: "send $X to clear the alarm", ConfirmationRequired: true},
		{ID: "rehome", Description: "run the homing sequence", ConfirmationRequired: false},
	}
}

func probeFailSteps() []types.RecoveryStep {
	return []types.RecoveryStep{
		{ID: "raise_z", Description: "raise Z clear of the work", ConfirmationRequired: false},
		{ID: "clear_alarm", Description: "send $X to clear the alarm", ConfirmationRequired: true},
	}
}

func homingFailSteps() []types.RecoveryStep {
	return []types.RecoveryStep{
		{ID: "clear_alarm", Description: "send $X to clear the alarm", ConfirmationRequired: true},
		{ID: "rehome", Description: "run the homing sequence", ConfirmationRequired: true},
	}
}

func genericAlarmSteps() []types.RecoveryStep {
	return []types.RecoveryStep{
		{ID: "clear_alarm", Description: "send $X to clear the alarm", ConfirmationRequired: true},
	}
}

func stepLossSteps() []types.RecoveryStep {
	return []types.RecoveryStep{
		{ID: "stop", Description: "feed-hold and soft-reset", ConfirmationRequired: false},
		{ID: "rehome", Description: "run the homing sequence", ConfirmationRequired: true},
	}
}

// AutoRecover runs the scripted recovery for the last non-Normal diagnosis,
// regardless of severity. Callers use this to satisfy spec.md §4.11's
// "other severities raise recoveryNeeded and wait for an explicit
// auto_recover call".
func (s *Supervisor) AutoRecover(ctx context.Context) error {
	s.mu.Lock()
	diag := s.lastDiag
	s.mu.Unlock()
	if diag.IsNormal() {
		return nil
	}
	return s.ExecuteRecovery(ctx, diag)
}

// ExecuteRecovery runs diag's steps in order, yielding to the registered
// Acknowledger for any step with ConfirmationRequired, then re-diagnoses and
// fails if the machine is still not Normal.
func (s *Supervisor) ExecuteRecovery(ctx context.Context, diag types.RecoveryDiagnosis) error {
	s.publish(types.EventRecoveryStarted, diag)

	for _, step := range diag.Steps {
		if step.ConfirmationRequired && !s.acknowledge(ctx, step) {
			err := types.NewHostError(types.ErrMachineNotReady, "recovery.ExecuteRecovery", fmt.Errorf("step %q declined", step.ID))
			s.publish(types.EventRecoveryFailed, err.Error())
			return err
		}
		s.publish(types.EventRecoveryStep, step)
		if step.Action != nil {
			if err := step.Action(); err != nil {
				s.publish(types.EventRecoveryFailed, err.Error())
				return err
			}
		} else {
			s.runBuiltinStep(ctx, step)
		}
	}

	redo := s.Diagnose()
	s.recordAndPublish(redo)
	if !redo.IsNormal() {
		err := types.NewHostError(types.ErrHardwareError, "recovery.ExecuteRecovery", fmt.Errorf("state still %q after recovery", redo.State))
		s.publish(types.EventRecoveryFailed, err.Error())
		return err
	}

	s.publish(types.EventRecoveryCompleted, diag)
	return nil
}

// runBuiltinStep drives the fixed GRBL commands behind a RecoveryStep that
// carries no explicit Action (the common case: steps built by Diagnose).
func (s *Supervisor) runBuiltinStep(ctx context.Context, step types.RecoveryStep) {
	switch step.ID {
	case "reconnect":
		s.ctrl.Connect(ctx)
	case "raise_z":
		s.ctrl.Send(ctx, "G0 Z10", 10*time.Second)
	case "clear_alarm":
		s.ctrl.Send(ctx, "$X", 5*time.Second)
	case "stop":
		s.ctrl.FeedHold()
		s.ctrl.SoftReset()
	case "rehome":
		s.ctrl.Send(ctx, "$H", 60*time.Second)
	}
}

func (s *Supervisor) acknowledge(ctx context.Context, step types.RecoveryStep) bool {
	if s.confirm == nil {
		s.log.Warn("recovery: confirmation required but no acknowledger registered, declining", "step", step.ID)
		return false
	}
	return s.confirm(ctx, step)
}

// History returns the retained diagnosis history, oldest first.
func (s *Supervisor) History() []types.RecoveryDiagnosis { return s.history.Entries() }

// LastDiagnosis returns the most recent diagnosis produced by Diagnose.
func (s *Supervisor) LastDiagnosis() types.RecoveryDiagnosis {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDiag
}

func (s *Supervisor) publish(t types.EventType, payload interface{}) {
	s.b.Publish(types.Event{Type: t, Source: "recovery", Timestamp: time.Now(), Payload: payload})
}
