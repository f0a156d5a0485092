package gcode

import (
	"reflect"
	"testing"

	"github.com/cncforge/grblhost/internal/types"
)

func TestParseArcRequiresIJOrR(t *testing.T) {
	p := New()
	res := p.Parse("G2 X10 Y10")
	if len(res.Blocks) != 1 || res.Blocks[0].Valid {
		t.Fatalf("expected an invalid block, got %+v", res.Blocks)
	}
	if len(res.Errors) == 0 {
		t.Error("expected a validation error")
	}
}

func TestParseArcAcceptsIJ(t *testing.T) {
	p := New()
	res := p.Parse("G2 X10 Y10 I5 J0")
	if !res.Blocks[0].Valid {
		t.Fatalf("expected a valid block, got %s", res.Blocks[0].ValidationMsg)
	}
}

func TestParseFeedZeroOnG1IsError(t *testing.T) {
	p := New()
	res := p.Parse("G1 X10 F0")
	if res.Blocks[0].Valid {
		t.Error("expected feed=0 on G1 to be invalid")
	}
}

func TestBoundingBoxOrdering(t *testing.T) {
	p := New()
	res := p.Parse("G0 X0 Y0 Z0\nG1 X10 Y-5 Z2 F100")
	if res.BoundingBox.Min.X > res.BoundingBox.Max.X {
		t.Error("min must be <= max on X")
	}
	size := res.BoundingBox.Size()
	if size.X < 0 || size.Y < 0 || size.Z < 0 {
		t.Errorf("expected non-negative size, got %+v", size)
	}
}

func TestOptimizeIsSafetyInvariant(t *testing.T) {
	p := New()
	res := p.Parse("G0 X0 Y0\nG1 X10 F100\nG1 Y10 F100")
	soft := types.DefaultSoftLimits()
	speed := types.DefaultSpeedLimits()

	before := CheckSafety(res.Blocks, soft, speed)
	optimized := Optimize(res.Blocks)
	after := CheckSafety(optimized, soft, speed)

	if len(before) != len(after) {
		t.Errorf("expected safety outcome to be optimisation-invariant: before=%d after=%d", len(before), len(after))
	}
}

func TestCheckSafetyDoesNotMutateBlocks(t *testing.T) {
	p := New()
	res := p.Parse("G0 X1000")
	orig := res.Blocks[0]
	CheckSafety(res.Blocks, types.DefaultSoftLimits(), types.DefaultSpeedLimits())
	if !reflect.DeepEqual(res.Blocks[0], orig) {
		t.Error("CheckSafety must not mutate blocks")
	}
}

