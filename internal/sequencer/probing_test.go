package sequencer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cncforge/grblhost/internal/bus"
	"github.com/cncforge/grblhost/internal/controller"
	"github.com/cncforge/grblhost/internal/transport"
	"github.com/cncforge/grblhost/internal/types"
)

// startAutoResponder watches mock.Sent() and feeds back a plausible reply
// for each newly observed outbound line, so tests don't have to hand-thread
// replies through an unpredictable number of queue.Execute round-trips
// (status polls, probe moves, recovery commands, and retries). probeReply
// is returned verbatim for every G38.2 line observed, including retries.
// Status polls arrive as realtime '?' bytes, which Sent() never records, so
// mock.Realtime() is watched for those.
func startAutoResponder(t *testing.T, mock *transport.Mock, probeReply string) func() {
	t.Helper()
	stop := make(chan struct{})
	go func() {
		seen := 0
		seenRealtime := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			sent := mock.Sent()
			for ; seen < len(sent); seen++ {
				switch cmd := sent[seen]; {
				case cmd == "?":
					mock.Feed("<Idle|MPos:0,0,-10|F:0>")
				case strings.HasPrefix(cmd, "G38.2"):
					mock.Feed(probeReply)
				default:
					mock.Feed("ok")
				}
			}
			rt := mock.Realtime()
			for ; seenRealtime < len(rt); seenRealtime++ {
				if rt[seenRealtime] == '?' {
					mock.Feed("<Idle|MPos:0,0,-10|F:0>")
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return func() { close(stop) }
}

func newTestProbing(t *testing.T) (*ProbingSequencer, *controller.Controller, *transport.Mock) {
	t.Helper()
	mock := transport.NewMock()
	b := bus.New(nil)
	c := controller.New(mock, b, types.DefaultSoftLimits(), types.DefaultSpeedLimits(), nil, clock.New())
	c.MarkHomed()
	return NewProbingSequencer(c, nil), c, mock
}

func waitForIdleState(t *testing.T, c *controller.Controller) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.LastState().Kind == types.StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for Idle state")
}

func TestProbeRejectsUnhomedMachine(t *testing.T) {
	mock := transport.NewMock()
	b := bus.New(nil)
	c := controller.New(mock, b, types.DefaultSoftLimits(), types.DefaultSpeedLimits(), nil, clock.New())
	mock.Feed("<Idle|MPos:0,0,0|F:0>")
	waitForIdleState(t, c)

	p := NewProbingSequencer(c, nil)
	result := p.Probe(context.Background(), "Z", 100, -50)
	if result.Success {
		t.Fatal("expected probe to fail when the machine has not been homed")
	}
}

func TestProbeContactReportsPosition(t *testing.T) {
	p, c, mock := newTestProbing(t)
	mock.Feed("<Idle|MPos:0,0,0|F:0>")
	waitForIdleState(t, c)

	stop := startAutoResponder(t, mock, "[PRB:0,0,-12.5:1]")
	defer stop()

	result := p.Probe(context.Background(), "Z", 100, -50)
	if !result.Success || !result.Contact {
		t.Fatalf("expected a successful contact probe, got %+v", result)
	}
	if result.Position.Z != -12.5 {
		t.Errorf("expected probed Z of -12.5, got %v", result.Position.Z)
	}
}

func TestProbeNoContactClassifiesAlarmFive(t *testing.T) {
	p, c, mock := newTestProbing(t)
	mock.Feed("<Idle|MPos:0,0,0|F:0>")
	waitForIdleState(t, c)

	// Every retry of the G38.2 line also gets ALARM:5, so the queue's
	// built-in retry-on-error eventually exhausts its attempts and the
	// command resolves with the alarm, rather than succeeding on retry.
	stop := startAutoResponder(t, mock, "ALARM:5")
	defer stop()

	result := p.Probe(context.Background(), "Z", 100, -50)
	if result.Success {
		t.Fatal("expected probe to fail on ALARM:5")
	}
	if result.Kind != "no_contact" {
		t.Errorf("expected kind no_contact, got %q", result.Kind)
	}
}

func TestGridProbeRejectsOversizedGrid(t *testing.T) {
	p, _, _ := newTestProbing(t)
	result := p.GridProbe(context.Background(), GridProbeOptions{GridSize: GridSize{X: 1000, Y: 1000}, StepSize: 50, FeedRate: 100})
	if len(result.Warnings) == 0 {
		t.Fatal("expected a warning for a grid exceeding the soft-limit envelope")
	}
	if len(result.Points) != 0 {
		t.Error("expected no points sampled for a rejected grid")
	}
}

// symmetricSoftLimits centres the travel envelope on the origin, matching
// GridProbe's centred-grid convention; DefaultSoftLimits's 0..300 envelope
// cannot contain any grid (it has nothing below 0).
func symmetricSoftLimits() types.SoftLimits {
	return types.SoftLimits{
		X: types.AxisRange{Min: -150, Max: 150},
		Y: types.AxisRange{Min: -150, Max: 150},
		Z: types.AxisRange{Min: -100, Max: 100},
	}
}

func TestGridProbeStepLargerThanGridYieldsSinglePoint(t *testing.T) {
	mock := transport.NewMock()
	b := bus.New(nil)
	c := controller.New(mock, b, symmetricSoftLimits(), types.DefaultSpeedLimits(), nil, clock.New())
	c.MarkHomed()
	p := NewProbingSequencer(c, nil)

	stop := startAutoResponder(t, mock, "[PRB:0,0,-10:1]")
	defer stop()

	result := p.GridProbe(context.Background(), GridProbeOptions{GridSize: GridSize{X: 100, Y: 100}, StepSize: 500, FeedRate: 100})
	if len(result.Points) != 1 {
		t.Fatalf("expected exactly one point at centre when step exceeds grid size, got %d", len(result.Points))
	}
	if result.Points[0].Failed {
		t.Fatal("expected the single grid point to succeed")
	}
	if result.AverageHeight != -10 {
		t.Errorf("expected average height -10, got %v", result.AverageHeight)
	}
}
