package controller

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cncforge/grblhost/internal/bus"
	"github.com/cncforge/grblhost/internal/transport"
	"github.com/cncforge/grblhost/internal/types"
)

func newTestController(t *testing.T) (*Controller, *transport.Mock) {
	t.Helper()
	mock := transport.NewMock()
	b := bus.New(nil)
	c := New(mock, b, types.DefaultSoftLimits(), types.DefaultSpeedLimits(), nil, clock.New())
	return c, mock
}

func TestStatusDecodeEndToEnd(t *testing.T) {
	c, mock := newTestController(t)
	done := make(chan struct{})
	go func() {
		mock.Feed("<Idle|MPos:1.5,-2.0,3.25|F:0>")
		close(done)
	}()
	<-done

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.LastState().Kind == types.StateIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.LastState().Kind != types.StateIdle {
		t.Fatal("expected Idle state to be decoded from status report")
	}
	want := types.Position{X: 1.5, Y: -2.0, Z: 3.25}
	if c.LastKnownPosition() != want {
		t.Errorf("expected %+v, got %+v", want, c.LastKnownPosition())
	}
}

func TestAlarmFlowTracksLastCode(t *testing.T) {
	c, mock := newTestController(t)
	mock.Feed("ALARM:1")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.LastAlarmCode() == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if c.LastAlarmCode() != 1 {
		t.Fatal("expected last alarm code to be 1")
	}
}

func TestSendRejectsUnsafeLine(t *testing.T) {
	c, _ := newTestController(t)
	res, verdict := c.Send(context.Background(), "G0 X1000 Y1000", time.Second)
	if verdict.Verdict == 0 {
		t.Fatal("expected a non-Valid verdict")
	}
	if res.Err == nil {
		t.Fatal("expected Send to surface a safety error")
	}
}

func TestJogUpdatesExpectedPosition(t *testing.T) {
	mock := transport.NewMock()
	// The jog below takes Y to -5, outside the default [0, 300] envelope, so
	// Y is widened here for the validator to accept it.
	soft := types.DefaultSoftLimits()
	soft.Y.Min = -300
	c := New(mock, bus.New(nil), soft, types.DefaultSpeedLimits(), nil, clock.New())
	go func() {
		time.Sleep(10 * time.Millisecond)
		mock.Feed("ok")
	}()
	_, verdict := c.Send(context.Background(), "$J=G91 X10 Y-5 F1000", time.Second)
	if verdict.Verdict != 0 {
		t.Fatalf("expected Valid verdict, got %v (%s)", verdict.Verdict, verdict.Message)
	}
	want := types.Position{X: 10, Y: -5, Z: 0}
	if c.ExpectedPosition() != want {
		t.Errorf("expected %+v, got %+v", want, c.ExpectedPosition())
	}
}

func TestEmergencyStopClearsQueue(t *testing.T) {
	c, _ := newTestController(t)
	go c.Send(context.Background(), "G0 X10", time.Minute)
	time.Sleep(10 * time.Millisecond)
	c.EmergencyStop()
	time.Sleep(10 * time.Millisecond)
	if c.QueueLength() != 0 {
		t.Errorf("expected queue length 0 after EmergencyStop, got %d", c.QueueLength())
	}
}
