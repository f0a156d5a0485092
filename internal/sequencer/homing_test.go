package sequencer

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cncforge/grblhost/internal/bus"
	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/transport"
	"github.com/cncforge/grblhost/internal/types"
)

func newTestHoming(t *testing.T) (*HomingSequencer, *controller.Controller, *transport.Mock) {
	t.Helper()
	mock := transport.NewMock()
	b := bus.New(nil)
	c := controller.New(mock, b, types.DefaultSoftLimits(), types.DefaultSpeedLimits(), nil, clock.New())
	return NewHomingSequencer(c, nil), c, mock
}

// TestHomeSucceedsUnderDefaultSoftLimits pins the raise_z step's target to
// z_max - 10: under DefaultSoftLimits (Z: [0, 100]) the old hardcoded
// "G0 Z-10" was outside the envelope and every Home() call failed.
func TestHomeSucceedsUnderDefaultSoftLimits(t *testing.T) {
	h, c, mock := newTestHoming(t)
	mock.Feed("<Idle|MPos:0,0,0|F:0>")
	waitForIdleState(t, c)

	stop := startAutoResponder(t, mock, "")
	defer stop()

	result := h.Home(context.Background(), nil)
	if !result.Success {
		t.Fatalf("expected homing to succeed, got %+v", result)
	}
	if !c.IsHomed() {
		t.Error("expected the controller to be marked homed after a successful Home()")
	}

	var raisedZ bool
	for _, cmd := range mock.Sent() {
		if cmd == "G0 Z90" {
			raisedZ = true
			break
		}
	}
	if !raisedZ {
		t.Errorf("expected a raise_z move to Z=z_max-10 (90), got sent lines %v", mock.Sent())
	}
}

func TestHomeRejectsWhenNotConnected(t *testing.T) {
	h, _, mock := newTestHoming(t)
	mock.SetState(transport.Disconnected)

	result := h.Home(context.Background(), nil)
	if result.Success {
		t.Fatal("expected Home to fail when the transport is not connected")
	}
}

func TestHomeRejectsWhenAlarmed(t *testing.T) {
	h, c, mock := newTestHoming(t)
	mock.Feed("<Alarm|MPos:0,0,0|F:0>")
	waitForAlarmState(t, c)

	stop := startAutoResponder(t, mock, "")
	defer stop()

	result := h.Home(context.Background(), nil)
	if result.Success {
		t.Fatal("expected Home to fail while the machine is in Alarm state")
	}
}

func waitForAlarmState(t *testing.T, c *controller.Controller) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.LastState().Kind == types.StateAlarm {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for Alarm state")
}
