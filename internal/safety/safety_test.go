package safety

import (
	"testing"

	"github.com/cncforge/grblhost/internal/types"
)

func newDefaultValidator() *Validator {
	return New(types.DefaultSoftLimits(), types.DefaultSpeedLimits())
}

func TestValidateRejectsOutOfBoundsMotion(t *testing.T) {
	v := newDefaultValidator()
	res := v.Validate("G0 X1000 Y1000", types.Position{})
	if res.Verdict != Invalid {
		t.Errorf("expected Invalid, got %v (%s)", res.Verdict, res.Message)
	}
}

func TestValidateRejectsExcessiveFeed(t *testing.T) {
	v := newDefaultValidator()
	res := v.Validate("G1 X10 F5000", types.Position{})
	if res.Verdict != Invalid {
		t.Errorf("expected Invalid, got %v (%s)", res.Verdict, res.Message)
	}
}

func TestValidateAcceptsBoundaryCoordinate(t *testing.T) {
	v := newDefaultValidator()
	res := v.Validate("G0 X300", types.Position{})
	if res.Verdict != Valid {
		t.Errorf("expected Valid at exact max, got %v (%s)", res.Verdict, res.Message)
	}
}

func TestValidateRejectsJustBeyondBoundary(t *testing.T) {
	v := newDefaultValidator()
	res := v.Validate("G0 X300.0001", types.Position{})
	if res.Verdict != Invalid {
		t.Errorf("expected Invalid just past max, got %v", res.Verdict)
	}
}

func TestValidateWarnsOnUnsafeButLegal(t *testing.T) {
	v := newDefaultValidator()
	res := v.Validate("M3 S1000", types.Position{})
	if res.Verdict != Warn {
		t.Errorf("expected Warn, got %v", res.Verdict)
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	v := newDefaultValidator()
	if res := v.Validate("   ", types.Position{}); res.Verdict != Invalid {
		t.Errorf("expected Invalid for empty line, got %v", res.Verdict)
	}
}

func TestValidateJogProjectsPosition(t *testing.T) {
	v := newDefaultValidator()
	res := v.Validate("$J=G91 X10 Y-5 F1000", types.Position{X: 295, Y: 5, Z: 0})
	if res.Verdict != Invalid {
		t.Errorf("expected Invalid (X would reach 305 > 300), got %v", res.Verdict)
	}
}

func TestValidateJogWithinLimits(t *testing.T) {
	v := newDefaultValidator()
	res := v.Validate("$J=G91 X10 Y-5 F1000", types.Position{X: 100, Y: 100, Z: 0})
	if res.Verdict != Valid {
		t.Errorf("expected Valid, got %v (%s)", res.Verdict, res.Message)
	}
}

func TestValidateAcceptsOtherCommands(t *testing.T) {
	v := newDefaultValidator()
	if res := v.Validate("$X", types.Position{}); res.Verdict != Valid {
		t.Errorf("expected Valid for $X, got %v", res.Verdict)
	}
}
