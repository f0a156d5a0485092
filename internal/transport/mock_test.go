package transport

import (
	"context"
	"errors"
	"testing"
)

func TestMockSendRecordsLines(t *testing.T) {
	m := NewMock()
	if err := m.Send(context.Background(), "G0 X10"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := m.Sent()
	if len(got) != 1 || got[0] != "G0 X10" {
		t.Errorf("expected [G0 X10], got %v", got)
	}
}

func TestMockSendError(t *testing.T) {
	m := NewMock()
	boom := errors.New("boom")
	m.SetSendError(boom)
	if err := m.Send(context.Background(), "G0 X10"); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if len(m.Sent()) != 0 {
		t.Errorf("expected no lines recorded on error")
	}
}

func TestMockFeedDeliversLine(t *testing.T) {
	m := NewMock()
	m.Feed("<Idle|MPos:0.000,0.000,0.000|FS:0,0>")
	select {
	case line := <-m.Lines():
		if line == "" {
			t.Error("expected non-empty line")
		}
	default:
		t.Error("expected a line to be available")
	}
}

func TestMockStateChanges(t *testing.T) {
	m := NewMock()
	m.SetState(Reconnecting)
	select {
	case s := <-m.StateChanges():
		if s != Reconnecting {
			t.Errorf("expected Reconnecting, got %s", s)
		}
	default:
		t.Error("expected a state change to be available")
	}
}
