package models

import (
	"fmt"
)

// SchemaVersion identifies the text mapping of the status types below. Bump it when a
// persisted value changes spelling.
const SchemaVersion = "v1"

// Mode selects which carrier capability a pass calls.
type Mode string

const (
	ModePreview Mode = "preview"
	ModeExecute Mode = "execute"
)

// JobStatus enumerates job lifecycle states persisted by the store.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobPreviewing   JobStatus = "previewing"
	JobPreviewReady JobStatus = "preview_ready"
	JobExecuting    JobStatus = "executing"
	JobCancelling   JobStatus = "cancelling"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
)

// RowStatus enumerates row lifecycle states.
type RowStatus string

const (
	RowPending    RowStatus = "pending"
	RowProcessing RowStatus = "processing"
	RowCompleted  RowStatus = "completed"
	RowFailed     RowStatus = "failed"
	RowSkipped    RowStatus = "skipped"
)

// WriteBackStatus tracks whether a row's outcome reached the originating data source.
type WriteBackStatus string

const (
	WriteBackNotApplicable WriteBackStatus = "not_applicable"
	WriteBackPending       WriteBackStatus = "pending"
	WriteBackWritten       WriteBackStatus = "written"
	WriteBackConflict      WriteBackStatus = "conflict"
)

var (
	modes = map[Mode]struct{}{ModePreview: {}, ModeExecute: {}}

	jobStatuses = map[JobStatus]struct{}{
		JobPending: {}, JobPreviewing: {}, JobPreviewReady: {}, JobExecuting: {},
		JobCancelling: {}, JobCompleted: {}, JobFailed: {}, JobCancelled: {},
	}

	rowStatuses = map[RowStatus]struct{}{
		RowPending: {}, RowProcessing: {}, RowCompleted: {}, RowFailed: {}, RowSkipped: {},
	}

	writeBackStatuses = map[WriteBackStatus]struct{}{
		WriteBackNotApplicable: {}, WriteBackPending: {}, WriteBackWritten: {}, WriteBackConflict: {},
	}
)

func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := modes[m]; !ok {
		return nil, fmt.Errorf("unknown mode %q", string(m))
	}
	return []byte(m), nil
}

func (m *Mode) UnmarshalText(b []byte) error {
	v := Mode(b)
	if _, ok := modes[v]; !ok {
		return fmt.Errorf("unknown mode %q", string(b))
	}
	*m = v
	return nil
}

func (s JobStatus) MarshalText() ([]byte, error) {
	if _, ok := jobStatuses[s]; !ok {
		return nil, fmt.Errorf("unknown job status %q", string(s))
	}
	return []byte(s), nil
}

func (s *JobStatus) UnmarshalText(b []byte) error {
	v := JobStatus(b)
	if _, ok := jobStatuses[v]; !ok {
		return fmt.Errorf("unknown job status %q", string(b))
	}
	*s = v
	return nil
}

func (s RowStatus) MarshalText() ([]byte, error) {
	if _, ok := rowStatuses[s]; !ok {
		return nil, fmt.Errorf("unknown row status %q", string(s))
	}
	return []byte(s), nil
}

func (s *RowStatus) UnmarshalText(b []byte) error {
	v := RowStatus(b)
	if _, ok := rowStatuses[v]; !ok {
		return fmt.Errorf("unknown row status %q", string(b))
	}
	*s = v
	return nil
}

func (s WriteBackStatus) MarshalText() ([]byte, error) {
	if _, ok := writeBackStatuses[s]; !ok {
		return nil, fmt.Errorf("unknown write-back status %q", string(s))
	}
	return []byte(s), nil
}

func (s *WriteBackStatus) UnmarshalText(b []byte) error {
	v := WriteBackStatus(b)
	if _, ok := writeBackStatuses[v]; !ok {
		return fmt.Errorf("unknown write-back status %q", string(b))
	}
	*s = v
	return nil
}

// Terminal reports whether no automatic transition leaves s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Running reports whether a scheduler is (or should be) driving the job.
func (s JobStatus) Running() bool {
	switch s {
	case JobPreviewing, JobExecuting, JobCancelling:
		return true
	}
	return false
}

// Terminal reports whether the row has an outcome.
func (s RowStatus) Terminal() bool {
	switch s {
	case RowCompleted, RowFailed, RowSkipped:
		return true
	}
	return false
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:      {JobPreviewing, JobExecuting, JobCancelled},
	JobPreviewing:   {JobPreviewReady, JobCancelled, JobFailed},
	JobPreviewReady: {JobExecuting, JobPreviewing, JobCancelled},
	JobExecuting:    {JobCompleted, JobFailed, JobCancelling},
	JobCancelling:   {JobCompleted, JobFailed},
	// re-runs: retryFailedRows and recovery of jobs halted by a system error
	JobCompleted: {JobExecuting},
	JobFailed:    {JobExecuting, JobPreviewing},
}

var rowTransitions = map[RowStatus][]RowStatus{
	RowPending:    {RowProcessing, RowSkipped},
	RowProcessing: {RowCompleted, RowFailed, RowPending},
	RowCompleted:  {RowPending},
	RowFailed:     {RowPending},
}

// CanTransitionJob reports whether the job state machine has an edge from -> to.
func CanTransitionJob(from, to JobStatus) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanTransitionRow reports whether the row state machine has an edge from -> to.
// Edges out of terminal states exist only for explicit caller actions (confirm, retry).
func CanTransitionRow(from, to RowStatus) bool {
	for _, s := range rowTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
