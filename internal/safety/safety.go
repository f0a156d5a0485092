// Package safety implements the pure, ordered rule validator that sits
// between any caller and the command queue: every line meant for the board
// passes through Validate first.
package safety

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cncforge/grblhost/internal/types"
)

// Verdict is the outcome of Validate.
type Verdict int

const (
	Valid Verdict = iota
	Warn
	Invalid
)

// Result pairs a Verdict with its message (empty for Valid).
type Result struct {
	Verdict Verdict
	Message string
}

func valid() Result             { return Result{Verdict: Valid} }
func warn(msg string) Result    { return Result{Verdict: Warn, Message: msg} }
func reject(msg string) Result  { return Result{Verdict: Invalid, Message: msg} }

var unsafeButLegal = regexp.MustCompile(`^(M3|M4|M5|M7|M8|M9|G38\.[2-5])\b`)
var motionPrefix = regexp.MustCompile(`^G[0-3]\b`)
var jogPrefix = regexp.MustCompile(`^\$J=`)
var axisWord = regexp.MustCompile(`([XYZ])(-?[0-9]*\.?[0-9]+)`)
var feedWord = regexp.MustCompile(`F(-?[0-9]*\.?[0-9]+)`)

// Validator evaluates lines against SoftLimits and SpeedLimits. It holds no
// position of its own: Validate takes the current machine position as an
// argument to project jog deltas.
type Validator struct {
	soft  types.SoftLimits
	speed types.SpeedLimits
}

// New constructs a Validator bound to soft and speed limits.
func New(soft types.SoftLimits, speed types.SpeedLimits) *Validator {
	return &Validator{soft: soft, speed: speed}
}

// SoftLimits returns the travel envelope this Validator enforces, used by
// callers (e.g. ProbingSequencer's grid pre-flight) that need to bound a
// planned operation without sending it through Validate.
func (v *Validator) SoftLimits() types.SoftLimits { return v.soft }

// SpeedLimits returns the feed/acceleration caps this Validator enforces,
// used by callers (e.g. the JobRunner's pre-flight safety scan) that need
// the same limits Validate checks against.
func (v *Validator) SpeedLimits() types.SpeedLimits { return v.speed }

func extractAxes(line string) map[byte]float64 {
	out := make(map[byte]float64)
	for _, m := range axisWord.FindAllStringSubmatch(line, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		out[m[1][0]] = v
	}
	return out
}

func extractFeed(line string) (float64, bool) {
	m := feedWord.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func (v *Validator) axisRange(axis byte) types.AxisRange {
	switch axis {
	case 'X':
		return v.soft.X
	case 'Y':
		return v.soft.Y
	case 'Z':
		return v.soft.Z
	default:
		return types.AxisRange{Min: -1e18, Max: 1e18}
	}
}

// Validate evaluates line against the ordered rule set in spec.md §4.4.
// current is the machine's last known position, used to project jog deltas.
func (v *Validator) Validate(line string, current types.Position) Result {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return reject("empty command")
	}

	if unsafeButLegal.MatchString(trimmed) {
		return warn("command is unsafe but legal: " + trimmed)
	}

	if motionPrefix.MatchString(trimmed) {
		axes := extractAxes(trimmed)
		for axis, val := range axes {
			if !v.axisRange(axis).Contains(val) {
				return reject("exceeds soft limits")
			}
		}
		if feed, ok := extractFeed(trimmed); ok && feed > v.speed.MaxFeedRate {
			return reject("feed rate exceeds limit")
		}
		return valid()
	}

	if jogPrefix.MatchString(trimmed) {
		axes := extractAxes(trimmed)
		if feed, ok := extractFeed(trimmed); ok && feed > v.speed.MaxJogRate {
			return reject("jog feed rate exceeds limit")
		}
		projected := current
		for axis, delta := range axes {
			switch axis {
			case 'X':
				projected.X += delta
			case 'Y':
				projected.Y += delta
			case 'Z':
				projected.Z += delta
			}
		}
		if !v.soft.X.Contains(projected.X) || !v.soft.Y.Contains(projected.Y) || !v.soft.Z.Contains(projected.Z) {
			return reject("jog exits soft limit envelope")
		}
		return valid()
	}

	return valid()
}
