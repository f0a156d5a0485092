package sequencer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/logging"
	"github.com/cncforge/grblhost/internal/protocol"
	"github.com/cncforge/grblhost/internal/queue"
	"github.com/cncforge/grblhost/internal/types"
)

const (
	probeTimeout      = 30 * time.Second
	gridPointTimeout  = 15 * time.Second
	gridPointPause    = 200 * time.Millisecond
	gridProbeDepth    = -50.0
	anomalyThreshold  = 2.0
	flatnessWarnLimit = 5.0
)

// ProbingSequencer drives single-point (G38.2) and grid probing.
type ProbingSequencer struct {
	ctrl *controller.Controller
	log  logging.Logger
}

// NewProbingSequencer constructs a ProbingSequencer bound to ctrl.
func NewProbingSequencer(ctrl *controller.Controller, log logging.Logger) *ProbingSequencer {
	return &ProbingSequencer{ctrl: ctrl, log: logging.OrNop(log)}
}

func (p *ProbingSequencer) preflight(axis string, distance float64) (ProbeResult, bool) {
	if !p.ctrl.IsConnected() {
		return ProbeResult{Success: false, Kind: "unknown", Message: "not connected"}, false
	}
	if p.ctrl.LastState().Kind != types.StateIdle {
		return ProbeResult{Success: false, Kind: "unknown", Message: "machine is not Idle"}, false
	}
	if !p.ctrl.IsHomed() {
		return ProbeResult{Success: false, Kind: "unknown", Message: "machine has not been homed"}, false
	}
	if axis == "Z" && distance >= 0 {
		return ProbeResult{Success: false, Kind: "unknown", Message: "Z probe distance must be negative"}, false
	}
	return ProbeResult{}, true
}

// Probe runs a single G38.2 probe along axis for distance at feed, sending
// "G0 Z10" beforehand and "G0 Z5" afterward. These are plain G0 moves, so in
// absolute (G90) mode they move Z to 10 and to 5 rather than raising it by
// those amounts.
func (p *ProbingSequencer) Probe(ctx context.Context, axis string, feed, distance float64) ProbeResult {
	if fail, ok := p.preflight(axis, distance); !ok {
		return fail
	}

	p.ctrl.Send(ctx, "G0 Z10", 10*time.Second)

	cmd := fmt.Sprintf("G38.2 %s%g F%g", axis, distance, feed)
	res := p.ctrl.Queue().Execute(ctx, cmd, probeTimeout)
	result := classifyProbeResult(res)

	p.ctrl.Send(ctx, "G0 Z5", 10*time.Second)
	return result
}

// classifyProbeResult inspects the accumulated response lines for a
// [PRB:...] report, falling back to classifying the error by alarm code,
// timeout or absence-of-error per spec.md §4.9's failure taxonomy.
func classifyProbeResult(res queue.Result) ProbeResult {
	for _, line := range res.Lines {
		if pr, ok := protocol.ParseProbeReport(line); ok {
			return ProbeResult{Success: true, Contact: pr.Contact, Position: pr.Position}
		}
	}

	if res.Err == nil {
		// No error and no PRB line: treat absence-of-error as contact, per
		// spec.md §4.9 ("or from absence-of-error in the raw response").
		return ProbeResult{Success: true, Contact: true}
	}

	msg := res.Err.Error()
	switch {
	case strings.Contains(msg, "ALARM:4"):
		return ProbeResult{Success: false, Kind: "initial_state", Message: "probe not in expected initial state"}
	case strings.Contains(msg, "ALARM:5"):
		return ProbeResult{Success: false, Contact: false, Kind: "no_contact", Message: "probe travel exhausted without contact"}
	case strings.Contains(msg, "ALARM:1"), strings.Contains(msg, "ALARM:2"):
		return ProbeResult{Success: false, Kind: "limit_triggered", Message: msg}
	case res.Err.Kind == types.ErrCommandTimeout:
		return ProbeResult{Success: false, Kind: "timeout", Message: msg}
	default:
		return ProbeResult{Success: false, Kind: "unknown", Message: msg}
	}
}

// recoverFromProbeFailure runs the scripted recovery apt to kind: raise Z and
// clear the alarm for no_contact and limit_triggered, feed-hold for timeout.
// initial_state needs manual intervention, so nothing is sent for it; the
// function returns no result to its caller for any kind.
func (p *ProbingSequencer) recoverFromProbeFailure(ctx context.Context, kind string) {
	switch kind {
	case "initial_state":
		// Requires manual intervention; caller surfaces recoveryNeeded.
		return
	case "no_contact", "limit_triggered":
		p.ctrl.Send(ctx, "G0 Z10", 10*time.Second)
		p.ctrl.Send(ctx, "$X", 5*time.Second)
	case "timeout":
		p.ctrl.FeedHold()
	}
}

// GridProbe scans a regular grid of points centred at the origin, probing Z
// at each and returning the derived height map per spec.md §4.9.
func (p *ProbingSequencer) GridProbe(ctx context.Context, opts GridProbeOptions) GridProbeResult {
	if opts.GridSize.X <= 0 || opts.GridSize.Y <= 0 {
		return GridProbeResult{Warnings: []string{"grid dimensions must be positive"}}
	}
	soft := p.ctrl.Validator().SoftLimits()
	halfX, halfY := opts.GridSize.X/2, opts.GridSize.Y/2
	if !soft.X.Contains(-halfX) || !soft.X.Contains(halfX) || !soft.Y.Contains(-halfY) || !soft.Y.Contains(halfY) {
		return GridProbeResult{Warnings: []string{"grid exceeds the soft-limit envelope"}}
	}

	step := opts.StepSize
	if step <= 0 {
		step = opts.GridSize.X
	}

	startX := -opts.GridSize.X / 2
	startY := -opts.GridSize.Y / 2

	var ys []float64
	for y := 0.0; y <= opts.GridSize.Y+1e-9; y += step {
		ys = append(ys, y)
		if step > opts.GridSize.Y {
			break
		}
	}
	var xs []float64
	for x := 0.0; x <= opts.GridSize.X+1e-9; x += step {
		xs = append(xs, x)
		if step > opts.GridSize.X {
			break
		}
	}

	var points []GridProbePoint
	var successHeights []float64
	failedCount := 0

	for _, y := range ys {
		for _, x := range xs {
			px := startX + x
			py := startY + y

			p.ctrl.Send(ctx, fmt.Sprintf("G0 X%g Y%g F1000", px, py), gridPointTimeout)
			p.waitForIdle(ctx, 10*time.Second)

			pr := p.Probe(ctx, "Z", opts.FeedRate, gridProbeDepth)
			pt := GridProbePoint{X: px, Y: py}
			if !pr.Success {
				pt.Failed = true
				failedCount++
				p.recoverFromProbeFailure(ctx, pr.Kind)
			} else {
				pt.Z = pr.Position.Z
				successHeights = append(successHeights, pt.Z)
			}
			points = append(points, pt)

			p.ctrl.Send(ctx, "G0 Z10", 10*time.Second)
			time.Sleep(gridPointPause)
		}
	}

	p.ctrl.Send(ctx, "G0 X0 Y0 Z20", 10*time.Second)

	result := GridProbeResult{Points: points}
	if len(successHeights) > 0 {
		sum, min, max := 0.0, successHeights[0], successHeights[0]
		for _, z := range successHeights {
			sum += z
			if z < min {
				min = z
			}
			if z > max {
				max = z
			}
		}
		result.AverageHeight = sum / float64(len(successHeights))
		result.Flatness = max - min

		for i := range points {
			if points[i].Failed {
				continue
			}
			if abs(points[i].Z-result.AverageHeight) > anomalyThreshold {
				points[i].Anomaly = true
				result.Warnings = append(result.Warnings, fmt.Sprintf("point (%.1f,%.1f) deviates %.2fmm from mean", points[i].X, points[i].Y, points[i].Z-result.AverageHeight))
			}
		}
		if result.Flatness > flatnessWarnLimit {
			result.Warnings = append(result.Warnings, fmt.Sprintf("flatness %.2fmm exceeds %gmm", result.Flatness, flatnessWarnLimit))
		}
	}
	if failedCount > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d probe point(s) failed", failedCount))
	}

	return result
}

func (p *ProbingSequencer) waitForIdle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		sr, err := p.ctrl.GetStatus(ctx)
		if err == nil && sr.State == types.StateIdle {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
