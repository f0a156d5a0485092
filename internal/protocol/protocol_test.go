package protocol

import (
	"testing"

	"github.com/cncforge/grblhost/internal/types"
)

func TestParseStatusReportDecode(t *testing.T) {
	sr, ok := ParseStatusReport("<Idle|MPos:1.5,-2.0,3.25|F:0>")
	if !ok {
		t.Fatal("expected a successful parse")
	}
	if sr.State != types.StateIdle {
		t.Errorf("expected Idle, got %s", sr.State)
	}
	want := types.Position{X: 1.5, Y: -2.0, Z: 3.25}
	if sr.Position != want {
		t.Errorf("expected %+v, got %+v", want, sr.Position)
	}
	if sr.Feed != 0 {
		t.Errorf("expected feed 0, got %v", sr.Feed)
	}
}

func TestParseStatusReportFSTail(t *testing.T) {
	sr, ok := ParseStatusReport("<Run|MPos:0.000,0.000,0.000|FS:500,12000>")
	if !ok {
		t.Fatal("expected a successful parse")
	}
	if sr.Feed != 500 || sr.Speed != 12000 {
		t.Errorf("expected feed=500 speed=12000, got feed=%v speed=%v", sr.Feed, sr.Speed)
	}
}

func TestParseStatusReportMissingMPosRejected(t *testing.T) {
	if _, ok := ParseStatusReport("<Idle|WPos:0,0,0|F:0>"); ok {
		t.Error("expected rejection when MPos is absent")
	}
}

func TestParseProbeReport(t *testing.T) {
	pr, ok := ParseProbeReport("[PRB:0.000,0.000,-1.234:1]")
	if !ok {
		t.Fatal("expected a successful parse")
	}
	if !pr.Contact {
		t.Error("expected contact=true")
	}
	want := types.Position{X: 0, Y: 0, Z: -1.234}
	if pr.Position != want {
		t.Errorf("expected %+v, got %+v", want, pr.Position)
	}
}

func TestParseLineAlarm(t *testing.T) {
	pl := ParseLine("ALARM:1")
	if pl.Kind != LineAlarm || pl.AlarmCode != 1 {
		t.Errorf("expected alarm 1, got %+v", pl)
	}
	if AlarmMessage(1) != "Hard limit triggered." {
		t.Errorf("unexpected alarm message: %s", AlarmMessage(1))
	}
}

func TestParseLineOK(t *testing.T) {
	if pl := ParseLine("ok"); pl.Kind != LineOK {
		t.Errorf("expected LineOK, got %v", pl.Kind)
	}
}

func TestParseLineError(t *testing.T) {
	pl := ParseLine("error:9")
	if pl.Kind != LineError || pl.ErrorCode != 9 {
		t.Errorf("expected error 9, got %+v", pl)
	}
}

func TestParseLineProbeCombinedResponse(t *testing.T) {
	pl := ParseLine("[PRB:0.000,0.000,-1.234:1]")
	if pl.Kind != LineProbe || !pl.Probe.Contact {
		t.Errorf("expected a contacted probe report, got %+v", pl)
	}
}

func TestParseLineUnknownOpaque(t *testing.T) {
	if pl := ParseLine("Grbl 1.1h ['$' for help]"); pl.Kind != LineUnknown {
		t.Errorf("expected LineUnknown for opaque banners, got %v", pl.Kind)
	}
}
