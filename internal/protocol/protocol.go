// Package protocol implements the pure parsing side of the GRBL wire
// protocol: status reports, alarm lines and probe reports. It never touches
// a Transport — it is a line-in, struct-out codec so it can be exercised
// without any I/O.
package protocol

import (
	"strconv"
	"strings"

	"github.com/cncforge/grblhost/internal/types"
)

// alarmMessages maps GRBL alarm codes 1..9 to the fixed strings spec.md
// names. Code 0 (or anything outside this table) is reported as unknown.
var alarmMessages = map[int]string{
	1: "Hard limit triggered.",
	2: "Soft limit, travel exceeded.",
	3: "Reset while in motion, position lost.",
	4: "Probe fail, initial state.",
	5: "Probe fail, no contact.",
	6: "Homing fail, reset during cycle.",
	7: "Homing fail, door open.",
	8: "Homing fail, could not clear limit switch.",
	9: "Homing fail, could not find limit switch.",
}

// AlarmMessage returns the fixed message text for alarm code n, or "Unknown
// alarm." if n is not one of the nine recognized codes.
func AlarmMessage(n int) string {
	if msg, ok := alarmMessages[n]; ok {
		return msg
	}
	return "Unknown alarm."
}

// StatusReport is a decoded "<STATE|MPos:x,y,z|...>" line.
type StatusReport struct {
	State    types.MachineStateKind
	Position types.Position
	Feed     float64
	Speed    float64
}

// ProbeReport is a decoded "[PRB:x,y,z:contact]" line.
type ProbeReport struct {
	Position types.Position
	Contact  bool
}

// LineKind tags what ParseLine recognized.
type LineKind int

const (
	LineUnknown LineKind = iota
	LineOK
	LineError
	LineAlarm
	LineStatus
	LineProbe
)

// ParsedLine is the uniform result of classifying one incoming line.
type ParsedLine struct {
	Kind      LineKind
	ErrorCode int
	AlarmCode int
	Status    StatusReport
	Probe     ProbeReport
}

var stateNames = map[string]types.MachineStateKind{
	"Idle":  types.StateIdle,
	"Run":   types.StateRun,
	"Hold":  types.StateHold,
	"Alarm": types.StateAlarm,
	"Home":  types.StateHome,
	"Check": types.StateCheck,
	"Door":  types.StateDoor,
	"Sleep": types.StateSleep,
}

// ParseLine classifies a single raw line received from the board. Unparsable
// lines are reported as LineUnknown; this never returns an error because an
// opaque line is a normal, non-fatal occurrence (spec.md §4.3).
func ParseLine(raw string) ParsedLine {
	line := strings.TrimSpace(raw)
	switch {
	case line == "":
		return ParsedLine{Kind: LineUnknown}
	case strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">"):
		if sr, ok := ParseStatusReport(line); ok {
			return ParsedLine{Kind: LineStatus, Status: sr}
		}
		return ParsedLine{Kind: LineUnknown}
	case strings.HasPrefix(line, "[PRB"):
		if pr, ok := ParseProbeReport(line); ok {
			return ParsedLine{Kind: LineProbe, Probe: pr}
		}
		return ParsedLine{Kind: LineUnknown}
	case strings.HasPrefix(line, "ALARM:"):
		n, _ := strconv.Atoi(strings.TrimPrefix(line, "ALARM:"))
		return ParsedLine{Kind: LineAlarm, AlarmCode: n}
	case strings.HasPrefix(line, "error:") || strings.HasPrefix(line, "error "):
		rest := strings.TrimPrefix(strings.TrimPrefix(line, "error:"), "error ")
		n, _ := strconv.Atoi(strings.TrimSpace(rest))
		return ParsedLine{Kind: LineError, ErrorCode: n}
	case line == "ok" || strings.Contains(line, "ok"):
		return ParsedLine{Kind: LineOK}
	default:
		return ParsedLine{Kind: LineUnknown}
	}
}

// ParseStatusReport decodes "<STATE|MPos:x,y,z|...>" accepting any
// pipe-delimited suffix after the MPos triple — both "|F:f>" and
// "|FS:f,s>" forms, and a missing WPos segment, per spec.md §9's note on
// status-report tail ambiguity.
func ParseStatusReport(line string) (StatusReport, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "<") || !strings.HasSuffix(line, ">") {
		return StatusReport{}, false
	}
	inner := line[1 : len(line)-1]
	fields := strings.Split(inner, "|")
	if len(fields) < 2 {
		return StatusReport{}, false
	}

	state, ok := stateNames[fields[0]]
	if !ok {
		return StatusReport{}, false
	}

	var report StatusReport
	report.State = state
	found := false
	for _, f := range fields[1:] {
		switch {
		case strings.HasPrefix(f, "MPos:"):
			pos, ok := parsePositionTriple(strings.TrimPrefix(f, "MPos:"))
			if !ok {
				return StatusReport{}, false
			}
			report.Position = pos
			found = true
		case strings.HasPrefix(f, "FS:"):
			parts := strings.Split(strings.TrimPrefix(f, "FS:"), ",")
			if len(parts) >= 1 {
				report.Feed, _ = strconv.ParseFloat(parts[0], 64)
			}
			if len(parts) >= 2 {
				report.Speed, _ = strconv.ParseFloat(parts[1], 64)
			}
		case strings.HasPrefix(f, "F:"):
			report.Feed, _ = strconv.ParseFloat(strings.TrimPrefix(f, "F:"), 64)
		}
	}
	if !found {
		return StatusReport{}, false
	}
	return report, true
}

func parsePositionTriple(s string) (types.Position, bool) {
	parts := strings.Split(s, ",")
	if len(parts) < 3 {
		return types.Position{}, false
	}
	x, err1 := strconv.ParseFloat(parts[0], 64)
	y, err2 := strconv.ParseFloat(parts[1], 64)
	z, err3 := strconv.ParseFloat(parts[2], 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return types.Position{}, false
	}
	return types.Position{X: x, Y: y, Z: z}, true
}

// ParseProbeReport decodes "[PRB:x,y,z:contact]" where contact is "0" or "1".
func ParseProbeReport(line string) (ProbeReport, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "[PRB:") || !strings.HasSuffix(line, "]") {
		return ProbeReport{}, false
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(line, "[PRB:"), "]")
	idx := strings.LastIndex(inner, ":")
	if idx == -1 {
		return ProbeReport{}, false
	}
	posPart, contactPart := inner[:idx], inner[idx+1:]
	pos, ok := parsePositionTriple(posPart)
	if !ok {
		return ProbeReport{}, false
	}
	return ProbeReport{Position: pos, Contact: contactPart == "1"}, true
}
