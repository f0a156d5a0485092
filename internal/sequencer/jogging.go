package sequencer

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/queue"
	"github.com/cncforge/grblhost/internal/types"
)

// JoggingSequencer enforces the single-outstanding-jog discipline
// structurally: a buffered permit channel of size 1 is drained by the first
// concurrent call and refilled on completion, so a second concurrent Jog
// observes rejection directly via a non-blocking select rather than racing
// a boolean flag (spec.md §9, jog single-outstanding discipline).
type JoggingSequencer struct {
	ctrl   *controller.Controller
	log    logging.Logger
	permit chan struct{}
	inUse  int32
}

// NewJoggingSequencer constructs a JoggingSequencer bound to ctrl.
func NewJoggingSequencer(ctrl *controller.Controller, log logging.Logger) *JoggingSequencer {
	permit := make(chan struct{}, 1)
	permit <- struct{}{}
	return &JoggingSequencer{ctrl: ctrl, log: logging.OrNop(log), permit: permit}
}

// Jog issues a single relative jog move. A concurrent Jog already in
// progress causes this call to return immediately with Kind "generic".
func (j *JoggingSequencer) Jog(ctx context.Context, axes types.Coordinates, feed float64) JogResult {
	select {
	case <-j.permit:
	default:
		return JogResult{Success: false, Kind: "generic", Message: "a jog is already in progress"}
	}
	atomic.StoreInt32(&j.inUse, 1)
	defer func() {
		atomic.StoreInt32(&j.inUse, 0)
		j.permit <- struct{}{}
	}()

	if !j.ctrl.IsConnected() {
		return JogResult{Success: false, Kind: "generic", Message: "not connected"}
	}
	if j.ctrl.LastState().Kind != types.StateIdle {
		return JogResult{Success: false, Kind: "generic", Message: "machine is not Idle"}
	}
	if feed > 5000 {
		return JogResult{Success: false, Kind: "generic", Message: "feed exceeds 5000 mm/min"}
	}

	cmd, maxDist := buildJogCommand(axes, feed)
	timeout := jogTimeout(maxDist, feed)

	res, verdict := j.ctrl.Send(ctx, cmd, timeout)
	if verdict.Message != "" && res.Err == nil {
		// Warn-and-proceed: non-blocking, forwarded as an event by Send itself.
	}
	if res.Err == nil {
		return JogResult{Success: true}
	}

	kind := classifyJogFailure(res)
	j.recoverFromJogFailure(ctx, kind)
	return JogResult{Success: false, Kind: kind, Message: res.Err.Error()}
}

// recoverFromJogFailure runs the scripted recovery appropriate to kind
// (spec.md §4.8), mirroring ProbingSequencer.recoverFromProbeFailure.
func (j *JoggingSequencer) recoverFromJogFailure(ctx context.Context, kind string) {
	switch kind {
	case "limit":
		j.ctrl.Send(ctx, "G0 Z10", 10*time.Second)
		j.ctrl.Send(ctx, "$X", 5*time.Second)
	case "alarm":
		j.ctrl.Send(ctx, "$X", 5*time.Second)
	case "generic":
		j.ctrl.FeedHold()
	}
}

func buildJogCommand(axes types.Coordinates, feed float64) (string, float64) {
	cmd := "$J=G91"
	maxDist := 0.0
	if axes.X != nil {
		cmd += fmt.Sprintf(" X%g", *axes.X)
		if math.Abs(*axes.X) > maxDist {
			maxDist = math.Abs(*axes.X)
		}
	}
	if axes.Y != nil {
		cmd += fmt.Sprintf(" Y%g", *axes.Y)
		if math.Abs(*axes.Y) > maxDist {
			maxDist = math.Abs(*axes.Y)
		}
	}
	if axes.Z != nil {
		cmd += fmt.Sprintf(" Z%g", *axes.Z)
		if math.Abs(*axes.Z) > maxDist {
			maxDist = math.Abs(*axes.Z)
		}
	}
	cmd += fmt.Sprintf(" F%g", feed)
	return cmd, maxDist
}

// jogTimeout is 1.5x the naive travel time, floored at 10s.
func jogTimeout(maxDist, feed float64) time.Duration {
	if feed <= 0 {
		return 10 * time.Second
	}
	naiveMs := maxDist / feed * 60 * 1000
	withMargin := naiveMs * 1.5
	d := time.Duration(withMargin) * time.Millisecond
	if d < 10*time.Second {
		return 10 * time.Second
	}
	return d
}

func classifyJogFailure(res queue.Result) string {
	if res.Err == nil {
		return "generic"
	}
	switch res.Err.Kind {
	case types.ErrSafetyViolation:
		return "limit"
	case types.ErrHardwareError:
		return "alarm"
	case types.ErrCommandTimeout:
		return "generic"
	default:
		return "generic"
	}
}
