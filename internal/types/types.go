// Package types holds the data model shared across the host: machine
// position and state, soft/speed limits, the command lifecycle, parsed
// G-code blocks and programs, jobs, and the diagnosis/recovery vocabulary.
package types

import "time"

// Position is an ordered (x, y, z) triple in millimetres.
type Position struct {
	X, Y, Z float64
}

// Sub returns the element-wise difference p - o.
func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y, Z: p.Z - o.Z}
}

// Add returns the element-wise sum p + o.
func (p Position) Add(o Position) Position {
	return Position{X: p.X + o.X, Y: p.Y + o.Y, Z: p.Z + o.Z}
}

// WithinTolerance reports whether every axis of p differs from o by no
// more than tol millimetres.
func (p Position) WithinTolerance(o Position, tol float64) bool {
	return absf(p.X-o.X) <= tol && absf(p.Y-o.Y) <= tol && absf(p.Z-o.Z) <= tol
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// MachineStateKind tags the variant of MachineState.
type MachineStateKind string

const (
	StateIdle         MachineStateKind = "Idle"
	StateRun          MachineStateKind = "Run"
	StateHold         MachineStateKind = "Hold"
	StateAlarm        MachineStateKind = "Alarm"
	StateHome         MachineStateKind = "Home"
	StateCheck        MachineStateKind = "Check"
	StateDoor         MachineStateKind = "Door"
	StateSleep        MachineStateKind = "Sleep"
	StateDisconnected MachineStateKind = "Disconnected"
)

// MachineState is the tagged variant described in spec.md §3. AlarmCode is
// only meaningful when Kind == StateAlarm.
type MachineState struct {
	Kind      MachineStateKind
	AlarmCode int
}

func (s MachineState) String() string {
	return string(s.Kind)
}

// AxisRange is a closed interval [Min, Max] in millimetres.
type AxisRange struct {
	Min, Max float64
}

// Contains reports whether v lies within [r.Min, r.Max] inclusive.
func (r AxisRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// SoftLimits bounds the travel envelope per axis.
type SoftLimits struct {
	X, Y, Z AxisRange
}

// DefaultSoftLimits returns the spec.md §3 defaults.
func DefaultSoftLimits() SoftLimits {
	return SoftLimits{
		X: AxisRange{Min: 0, Max: 300},
		Y: AxisRange{Min: 0, Max: 300},
		Z: AxisRange{Min: 0, Max: 100},
	}
}

// SpeedLimits bounds feed and acceleration.
type SpeedLimits struct {
	MaxFeedRate     float64
	MaxJogRate      float64
	MaxAcceleration float64
}

// DefaultSpeedLimits returns conservative defaults consistent with spec.md's
// worked examples (feed cap 3000 mm/min in the safety-reject scenario).
func DefaultSpeedLimits() SpeedLimits {
	return SpeedLimits{
		MaxFeedRate:     3000,
		MaxJogRate:      5000,
		MaxAcceleration: 500,
	}
}

// CommandStatus is the lifecycle stage of a Command.
type CommandStatus string

const (
	CommandEnqueued   CommandStatus = "enqueued"
	CommandDispatched CommandStatus = "dispatched"
	CommandAwaiting   CommandStatus = "awaiting"
	CommandOK         CommandStatus = "ok"
	CommandError      CommandStatus = "error"
	CommandTimeout    CommandStatus = "timeout"
	CommandCancelled  CommandStatus = "cancelled"
)

// Command is one outgoing line awaiting a terminal response.
type Command struct {
	ID          string
	Text        string
	Timeout     time.Duration
	MaxAttempts int
	Attempt     int
	Status      CommandStatus
	EnqueuedAt  time.Time
}

// ErrorKind tags the taxonomy of failures in spec.md §7.
type ErrorKind string

const (
	ErrConnectionFailed  ErrorKind = "ConnectionFailed"
	ErrConnectionTimeout ErrorKind = "ConnectionTimeout"
	ErrCommandTimeout    ErrorKind = "CommandTimeout"
	ErrMachineNotReady   ErrorKind = "MachineNotReady"
	ErrInvalidGCode      ErrorKind = "InvalidGCode"
	ErrBufferOverflow    ErrorKind = "BufferOverflow"
	ErrHardwareError     ErrorKind = "HardwareError"
	ErrSafetyViolation   ErrorKind = "SafetyViolation"
	ErrCancelled         ErrorKind = "Cancelled"
)

// HostError is the structured error every public operation may return.
type HostError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *HostError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Op + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Op
}

func (e *HostError) Unwrap() error { return e.Err }

// NewHostError constructs a HostError, wrapping err (which may be nil).
func NewHostError(kind ErrorKind, op string, err error) *HostError {
	return &HostError{Kind: kind, Op: op, Err: err}
}

// Coordinates carries the axis values explicitly present on a parsed line.
// A nil pointer means the axis was not specified on that line.
type Coordinates struct {
	X, Y, Z, A, B, C *float64
}

// StepResult records the outcome of one step within a sequenced procedure
// (homing, probing) run by the Controller facade.
type StepResult struct {
	Name     string
	Success  bool
	Critical bool
	Message  string
}

// HomingResult is what Controller.Home resolves with.
type HomingResult struct {
	Success bool
	Steps   []StepResult
	Message string
}

// JogResult is what Controller.Jog resolves with.
type JogResult struct {
	Success bool
	Kind    string // "limit", "alarm", "generic", "" on success
	Message string
}

// ProbeResult is what Controller.Probe resolves with.
type ProbeResult struct {
	Success  bool
	Contact  bool
	Position Position
	Kind     string // "initial_state", "no_contact", "limit_triggered", "timeout", "unknown"
	Message  string
}

// GridSize is the (x, y) extent of a grid probe in millimetres.
type GridSize struct{ X, Y float64 }

// GridProbeOptions configures Controller.ProbeGrid.
type GridProbeOptions struct {
	GridSize GridSize
	StepSize float64
	FeedRate float64
}

// GridProbePoint is one sampled point of a grid probe.
type GridProbePoint struct {
	X, Y    float64
	Z       float64
	Failed  bool
	Anomaly bool
}

// GridProbeResult is what Controller.ProbeGrid resolves with.
type GridProbeResult struct {
	Points        []GridProbePoint
	AverageHeight float64
	Flatness      float64
	Warnings      []string
}

// Block is a single parsed G-code line, immutable once produced.
type Block struct {
	LineNumber    int
	Raw           string
	GCode         *float64 // e.g. 0, 1, 2, 3, 38.2
	MCode         *float64
	ModalGroups   map[int]string // modal group number -> active word, e.g. 1 -> "G1"
	Coordinates   Coordinates
	FeedRate      *float64
	SpindleSpeed  *float64
	ToolNumber    *int
	Parameters    map[byte]float64 // I, J, K, P, Q, R
	Valid         bool
	ValidationMsg string
}

// BoundingBox is the axis-aligned hull of modelled motion.
type BoundingBox struct {
	Min, Max Position
}

// Size returns Max - Min, element-wise.
func (b BoundingBox) Size() Position {
	return b.Max.Sub(b.Min)
}

// ParseResult is the output of the GCodeParser over a whole program.
type ParseResult struct {
	Blocks           []Block
	Errors           []string
	Warnings         []string
	BoundingBox      BoundingBox
	EstimatedSeconds float64
}

// SafetyIssue is a single finding from GCodeParser.CheckSafety.
type SafetyIssue struct {
	LineNumber int
	Message    string
	Warning    bool // true = warning, false = blocking issue
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "Pending"
	JobReady     JobStatus = "Ready"
	JobRunning   JobStatus = "Running"
	JobPaused    JobStatus = "Paused"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
	JobStopped   JobStatus = "Stopped"
)

// JobOptions tunes per-job execution behavior.
type JobOptions struct {
	StopOnError     bool
	RetryOnError    bool
	RetryCount      int
	RequireHomed    bool
	ConfirmTool     bool
	ConfirmMaterial bool
	PreJobCommands  []string
	// Strict, when true, makes LoadJob fail outright on the program's first
	// parse error instead of loading a job that carries it in ParseResult.
	Strict bool
}

// DefaultJobOptions mirrors the spec.md §4.10 defaults.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		StopOnError:  true,
		RetryOnError: false,
		RetryCount:   3,
	}
}

// ExecutionStats summarizes outcomes across the job history.
type ExecutionStats struct {
	TotalJobs int
	Completed int
	Failed    int
	Stopped   int
}

// ExecutionResult summarizes a finished job run.
type ExecutionResult struct {
	BlocksExecuted int
	BlocksSkipped  int
	FailureReason  string
	StartedAt      time.Time
	EndedAt        time.Time
}

// Job is a loaded G-code program plus its execution state.
type Job struct {
	ID              string
	Name            string
	Source          string
	Blocks          []Block
	ParseResult     ParseResult
	SafetyIssues    []SafetyIssue
	ProgressPercent float64
	Status          JobStatus
	Options         JobOptions
	CreatedAt       time.Time
	StartedAt       time.Time
	UpdatedAt       time.Time
	ExecutionResult *ExecutionResult
	BlocksExecuted  int
	PausedPosition  *Position
}

// JobState is the persisted snapshot written by the JobRunner's autosave
// and crash-recovery paths (spec.md §6 "Persisted state").
type JobState struct {
	JobID          string    `json:"job_id"`
	ProgressPct    float64   `json:"progress_percent"`
	Status         JobStatus `json:"status"`
	StopOnError    bool      `json:"stop_on_error"`
	RetryOnError   bool      `json:"retry_on_error"`
	LastStatus     string    `json:"last_status"`
	BlocksExecuted int       `json:"blocks_executed"`
	BlocksTotal    int       `json:"blocks_total"`
	PausedPosition *Position `json:"paused_position,omitempty"`
	SavedAt        time.Time `json:"saved_at"`
}

// CommandJournalEntry is one retained record for diagnosis (spec.md §3).
type CommandJournalEntry struct {
	Command               string
	Timestamp             time.Time
	ExpectedPositionDelta *Position
}

// RecoverySeverity ranks a RecoveryDiagnosis.
type RecoverySeverity string

const (
	SeverityLow      RecoverySeverity = "low"
	SeverityMedium   RecoverySeverity = "medium"
	SeverityHigh     RecoverySeverity = "high"
	SeverityCritical RecoverySeverity = "critical"
)

// RecoveryStep is one scripted action in a recovery script.
type RecoveryStep struct {
	ID                   string
	Description          string
	Action               func() error
	ConfirmationRequired bool
}

// RecoveryDiagnosis is the outcome of one RecoverySupervisor pass.
type RecoveryDiagnosis struct {
	State              string
	Severity           RecoverySeverity
	ProbableCause      string
	AffectedAxes       []string
	RecommendedActions []string
	Steps              []RecoveryStep
	DiagnosedAt        time.Time
}

// IsNormal reports whether the diagnosis found nothing to recover from.
func (d RecoveryDiagnosis) IsNormal() bool {
	return d.State == "Normal"
}

// EventType tags the variant of an Event carried on the bus.
type EventType string

const (
	EventStatusUpdate      EventType = "status_update"
	EventAlarm             EventType = "alarm"
	EventProbeResult       EventType = "probe_result"
	EventCommandComplete   EventType = "command_complete"
	EventJobProgress       EventType = "job_progress"
	EventJobComplete       EventType = "job_complete"
	EventJobStateChanged   EventType = "job_state_changed"
	EventConnection        EventType = "connection_state_changed"
	EventDiagnosis         EventType = "diagnosis"
	EventRecoveryStep      EventType = "recovery_step"
	EventWarning           EventType = "warning"
	EventEmergencyStop     EventType = "emergency_stop"
	EventFeedHold          EventType = "feed_hold"
	EventSoftReset         EventType = "soft_reset"
	EventHomingStep        EventType = "homing_step"
	EventHomingCompleted   EventType = "homing_completed"
	EventProbeStarted      EventType = "probe_started"
	EventProbeCompleted    EventType = "probe_completed"
	EventProbeFailed       EventType = "probe_failed"
	EventGridProbeProgress EventType = "grid_probe_progress"
	EventRecoveryNeeded    EventType = "recovery_needed"
	EventRecoveryStarted   EventType = "recovery_started"
	EventRecoveryCompleted EventType = "recovery_completed"
	EventRecoveryFailed    EventType = "recovery_failed"
)

// Event is the envelope published on the bus. Payload's concrete type
// depends on Type (e.g. the raw status line string for EventStatusUpdate, a
// MachineState for EventAlarm, a RecoveryDiagnosis for EventRecoveryNeeded).
type Event struct {
	Type      EventType
	Source    string
	Timestamp time.Time
	Payload   interface{}
}
