package jobs

import (
	"sync/atomic"

	"github.com/tidwall/sjson"
)

// ExecutionStatus is the job execution state reported to the Jobs service.
type ExecutionStatus string

const (
	StatusInProgress ExecutionStatus = "IN_PROGRESS"
	StatusSucceeded  ExecutionStatus = "SUCCEEDED"
	StatusFailed     ExecutionStatus = "FAILED"
)

// StatusReport builds the body of a job execution update: {"status":"<status>"}.
func StatusReport(status ExecutionStatus) []byte {
	body, _ := sjson.SetBytes(nil, "status", string(status))
	return body
}

// StatusReportWithDetails adds a flat statusDetails object to the report.
// Detail keys must not contain '.', '*' or '?'.
func StatusReportWithDetails(status ExecutionStatus, details map[string]string) []byte {
	body := StatusReport(status)
	for k, v := range details {
		body, _ = sjson.SetBytes(body, "statusDetails."+k, v)
	}
	return body
}

// Flags are the process-wide cooperative cancellation flags polled by the
// reporting loop.
type Flags struct {
	exit   atomic.Bool
	failed atomic.Bool
}

// RequestExit records that an exit job was received.
func (f *Flags) RequestExit() {
	f.exit.Store(true)
}

// ExitRequested reports whether RequestExit was called.
func (f *Flags) ExitRequested() bool {
	return f.exit.Load()
}

// MarkError records that a job action failed.
func (f *Flags) MarkError() {
	f.failed.Store(true)
}

// ErrorEncountered reports whether MarkError was called.
func (f *Flags) ErrorEncountered() bool {
	return f.failed.Load()
}
