package journal

import (
	"testing"

	"github.com/cncforge/grblhost/internal/types"
)

func TestCommandJournalRecordAndLast(t *testing.T) {
	j := NewCommandJournal()
	j.Record(types.CommandJournalEntry{Command: "G0 X10"})
	j.Record(types.CommandJournalEntry{Command: "G1 Z-5 F100"})
	last, ok := j.Last()
	if !ok || last.Command != "G1 Z-5 F100" {
		t.Errorf("expected last command G1 Z-5 F100, got %+v ok=%v", last, ok)
	}
}

func TestDiagnosisHistoryCapsAt50(t *testing.T) {
	h := NewDiagnosisHistory()
	for i := 0; i < 60; i++ {
		h.Record(types.RecoveryDiagnosis{State: "Normal"})
	}
	if len(h.Entries()) != 50 {
		t.Errorf("expected 50 retained entries, got %d", len(h.Entries()))
	}
}

func TestJobHistoryCapsAt100(t *testing.T) {
	h := NewJobHistory()
	for i := 0; i < 120; i++ {
		h.Record(types.Job{ID: "job"})
	}
	if len(h.Entries()) != 100 {
		t.Errorf("expected 100 retained entries, got %d", len(h.Entries()))
	}
}
