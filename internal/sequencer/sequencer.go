// Package sequencer implements the multi-step scripted procedures that ride
// on top of the Controller: homing, jogging and probing. Each operation
// always resolves with a structured result, never a bare error, per
// spec.md §7's resolve-never-throw discipline.
package sequencer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/protocol"
	"github.com/cncforge/grblhost/internal/safety"
	"github.com/cncforge/grblhost/internal/types"
)

// StepResult, HomingResult, JogResult, ProbeResult, GridProbePoint and
// GridProbeResult live in package types: the Controller facade (spec.md
// §4.6) resolves with these same types without importing this package, so
// the result shapes are declared where both sides can see them.
type (
	StepResult       = types.StepResult
	HomingResult     = types.HomingResult
	JogResult        = types.JogResult
	ProbeResult      = types.ProbeResult
	GridProbePoint   = types.GridProbePoint
	GridProbeResult  = types.GridProbeResult
	GridSize         = types.GridSize
	GridProbeOptions = types.GridProbeOptions
)

func newStepBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = 10 * time.Second
	eb.MaxElapsedTime = 0
	return eb
}

// HomingSequencer drives the $H / $HX / $HY / $HZ homing procedure.
type HomingSequencer struct {
	ctrl *controller.Controller
	log  logging.Logger
}

// NewHomingSequencer constructs a HomingSequencer bound to ctrl.
func NewHomingSequencer(ctrl *controller.Controller, log logging.Logger) *HomingSequencer {
	return &HomingSequencer{ctrl: ctrl, log: logging.OrNop(log)}
}

// Home runs the full homing procedure for the given axes (empty = all axes).
func (h *HomingSequencer) Home(ctx context.Context, axes []string) HomingResult {
	var steps []StepResult

	if !h.ctrl.IsConnected() {
		steps = append(steps, StepResult{Name: "preflight", Success: false, Critical: true, Message: "not connected"})
		return HomingResult{Success: false, Steps: steps, Message: "preflight failed: not connected"}
	}
	if h.ctrl.LastState().Kind == types.StateAlarm {
		steps = append(steps, StepResult{Name: "preflight", Success: false, Critical: true, Message: "machine is in Alarm state"})
		return h.recoverAndFail(ctx, steps, "preflight failed: machine in Alarm state")
	}
	steps = append(steps, StepResult{Name: "preflight", Success: true})

	// Raise to z_max - 10 in absolute coordinates (spec.md §4.5), forcing
	// G90 first so the target doesn't depend on whatever modal state the
	// machine was left in.
	if ok := h.retryStep(ctx, "raise_z", true, func(ctx context.Context) error {
		target := h.ctrl.Validator().SoftLimits().Z.Max - 10
		if res, verdict := h.ctrl.Send(ctx, "G90", 5*time.Second); verdict.Verdict == safety.Invalid {
			return fmt.Errorf("%s", verdict.Message)
		} else if res.Err != nil {
			return res.Err
		}
		res, verdict := h.ctrl.Send(ctx, fmt.Sprintf("G0 Z%g", target), 10*time.Second)
		if verdict.Verdict == safety.Invalid {
			return fmt.Errorf("%s", verdict.Message)
		}
		return res.Err
	}); !ok {
		steps = append(steps, StepResult{Name: "raise_z", Success: false, Critical: true})
		return h.recoverAndFail(ctx, steps, "failed to raise Z before homing")
	}
	steps = append(steps, StepResult{Name: "raise_z", Success: true})

	cmds := []string{"$H"}
	if len(axes) > 0 {
		cmds = cmds[:0]
		for _, axis := range axes {
			cmds = append(cmds, "$H"+axis)
		}
	}
	for _, cmd := range cmds {
		res, _ := h.ctrl.Send(ctx, cmd, 60*time.Second)
		if res.Err != nil {
			steps = append(steps, StepResult{Name: "home", Success: false, Critical: true, Message: res.Err.Error()})
			return h.recoverAndFail(ctx, steps, "homing command failed")
		}
	}
	steps = append(steps, StepResult{Name: "home", Success: true})

	if !h.waitForIdle(ctx, 60*time.Second) {
		steps = append(steps, StepResult{Name: "wait_idle", Success: false, Critical: true})
		return h.recoverAndFail(ctx, steps, "timed out waiting for Home to Idle")
	}
	steps = append(steps, StepResult{Name: "wait_idle", Success: true})

	res, _ := h.ctrl.Send(ctx, "G0 X0 Y0", 10*time.Second)
	if res.Err != nil {
		steps = append(steps, StepResult{Name: "return_to_origin", Success: false, Critical: false, Message: res.Err.Error()})
	} else {
		steps = append(steps, StepResult{Name: "return_to_origin", Success: true})
	}

	pos := h.ctrl.LastKnownPosition()
	if math.Abs(pos.X) > 0.1 || math.Abs(pos.Y) > 0.1 {
		steps = append(steps, StepResult{Name: "verify_origin", Success: false})
		return HomingResult{Success: false, Steps: steps, Message: "position not within 0.1mm of origin after homing"}
	}
	steps = append(steps, StepResult{Name: "verify_origin", Success: true})

	h.ctrl.MarkHomed()
	return HomingResult{Success: true, Steps: steps}
}

func (h *HomingSequencer) retryStep(ctx context.Context, name string, retryable bool, fn func(context.Context) error) bool {
	if !retryable {
		return fn(ctx) == nil
	}
	b := backoff.WithMaxRetries(newStepBackoff(), 3)
	err := backoff.Retry(func() error {
		return fn(ctx)
	}, b)
	return err == nil
}

func (h *HomingSequencer) waitForIdle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		sr, err := h.ctrl.GetStatus(ctx)
		if err == nil && sr.State == types.StateIdle {
			return true
		}
		if err == nil && sr.State == types.StateAlarm {
			return false
		}
		time.Sleep(250 * time.Millisecond)
	}
	return false
}

// recoverAndFail runs the safe-recovery sub-routine (raise Z, clear alarm)
// and returns a failed HomingResult carrying the recovery instructions.
func (h *HomingSequencer) recoverAndFail(ctx context.Context, steps []StepResult, message string) HomingResult {
	h.ctrl.Send(ctx, "G0 Z10", 10*time.Second)
	h.ctrl.Send(ctx, "$X", 5*time.Second)
	return HomingResult{Success: false, Steps: steps, Message: message}
}

// ParseAlarmMessage exposes the fixed alarm code -> message mapping to
// callers that want to surface a human-readable reason.
func ParseAlarmMessage(code int) string { return protocol.AlarmMessage(code) }
