package journal

import "github.com/cncforge/grblhost/internal/types"

const (
	commandJournalCapacity   = 1000
	diagnosisHistoryCapacity = 50
	jobHistoryCapacity       = 100
)

// CommandJournal retains the last commandJournalCapacity dispatched commands
// for the RecoverySupervisor to correlate against step-loss diagnoses.
type CommandJournal struct {
	ring *Ring[types.CommandJournalEntry]
}

// NewCommandJournal constructs an empty CommandJournal.
func NewCommandJournal() *CommandJournal {
	return &CommandJournal{ring: NewRing[types.CommandJournalEntry](commandJournalCapacity)}
}

// Record appends an entry to the journal.
func (j *CommandJournal) Record(e types.CommandJournalEntry) { j.ring.Append(e) }

// Entries returns every retained entry, oldest first.
func (j *CommandJournal) Entries() []types.CommandJournalEntry { return j.ring.Entries() }

// Last returns the most recently recorded entry, if any.
func (j *CommandJournal) Last() (types.CommandJournalEntry, bool) { return j.ring.Last() }

// DiagnosisHistory retains the last diagnosisHistoryCapacity diagnoses
// produced by the RecoverySupervisor.
type DiagnosisHistory struct {
	ring *Ring[types.RecoveryDiagnosis]
}

// NewDiagnosisHistory constructs an empty DiagnosisHistory.
func NewDiagnosisHistory() *DiagnosisHistory {
	return &DiagnosisHistory{ring: NewRing[types.RecoveryDiagnosis](diagnosisHistoryCapacity)}
}

// Record appends a diagnosis to the history.
func (h *DiagnosisHistory) Record(d types.RecoveryDiagnosis) { h.ring.Append(d) }

// Entries returns every retained diagnosis, oldest first.
func (h *DiagnosisHistory) Entries() []types.RecoveryDiagnosis { return h.ring.Entries() }

// JobHistory retains the last jobHistoryCapacity jobs that reached a terminal
// state (completed, failed or stopped).
type JobHistory struct {
	ring *Ring[types.Job]
}

// NewJobHistory constructs an empty JobHistory.
func NewJobHistory() *JobHistory {
	return &JobHistory{ring: NewRing[types.Job](jobHistoryCapacity)}
}

// Record appends a job snapshot to the history.
func (h *JobHistory) Record(j types.Job) { h.ring.Append(j) }

// Entries returns every retained job, oldest first.
func (h *JobHistory) Entries() []types.Job { return h.ring.Entries() }
