package recovery

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

func newTestSupervisor(t *testing.T) (*Supervisor, *controller.Controller, *transport.Mock) {
	t.Helper()
	mock := transport.NewMock()
	b := bus.New(nil)
	c := controller.New(mock, b, types.DefaultSoftLimits(), types.DefaultSpeedLimits(), nil, clock.New())
	s := New(c, nil, clock.New())
	return s, c, mock
}

func TestDiagnoseConnectionLost(t *testing.T) {
	s, _, mock := newTestSupervisor(t)
	mock.SetState(transport.Disconnected)

	diag := s.Diagnose()
	if diag.State != "ConnectionLost" {
		t.Fatalf("expected ConnectionLost, got %s", diag.State)
	}
	if diag.Severity != types.SeverityHigh {
		t.Errorf("expected high severity, got %s", diag.Severity)
	}
}

func TestDiagnoseAlarmSeverityByCode(t *testing.T) {
	s, _, mock := newTestSupervisor(t)
	mock.Feed("ALARM:6")
	// The alarm line only records the code; the Alarm state itself comes
	// from the next status report.
	mock.Feed("<Alarm|MPos:0,0,0|F:0>")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.ctrl.LastAlarmCode() == 6 && s.ctrl.LastState().Kind == types.StateAlarm {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	diag := s.Diagnose()
	if diag.State != "HomingFailAlarm" {
		t.Fatalf("expected HomingFailAlarm, got %s", diag.State)
	}
	if diag.Severity != types.SeverityHigh {
		t.Errorf("expected high severity, got %s", diag.Severity)
	}
}

func TestDiagnoseNormalWhenIdleAndConnected(t *testing.T) {
	s, _, mock := newTestSupervisor(t)
	mock.Feed("<Idle|MPos:0,0,0|F:0>")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.ctrl.LastState().Kind == types.StateIdle {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	diag := s.Diagnose()
	if !diag.IsNormal() {
		t.Fatalf("expected Normal diagnosis, got %s", diag.State)
	}
}

func TestExecuteRecoveryDeclinedConfirmationFails(t *testing.T) {
	s, _, mock := newTestSupervisor(t)
	mock.Feed("ALARM:1")
	mock.Feed("<Alarm|MPos:0,0,0|F:0>")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.ctrl.LastAlarmCode() == 1 && s.ctrl.LastState().Kind == types.StateAlarm {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.SetAcknowledger(func(ctx context.Context, step types.RecoveryStep) bool { return false })
	diag := s.Diagnose()
	if err := s.ExecuteRecovery(context.Background(), diag); err == nil {
		t.Fatal("expected ExecuteRecovery to fail when confirmation is declined")
	}
}

func TestRecordAndPublishDedupesWithinWindow(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	diag := types.RecoveryDiagnosis{State: "HardLimitTriggered", Severity: types.SeverityMedium, DiagnosedAt: time.Now()}

	sub := s.b.Subscribe(types.EventRecoveryNeeded)
	s.recordAndPublish(diag)
	s.recordAndPublish(diag)

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("expected first diagnosis to publish EventRecoveryNeeded")
	}
	select {
	case <-sub:
		t.Fatal("expected second diagnosis within the dedupe window to be suppressed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHistoryRetainsDiagnoses(t *testing.T) {
	s, _, _ := newTestSupervisor(t)
	s.recordAndPublish(types.RecoveryDiagnosis{State: "Normal", Severity: types.SeverityLow})
	if len(s.History()) != 1 {
		t.Fatalf("expected 1 retained diagnosis, got %d", len(s.History()))
	}
}
