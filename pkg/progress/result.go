package progress

import "fmt"

// Status is the outcome of a long device operation.
type Status int

const (
	StatusSucceeded Status = iota
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result describes how far an operation got. A cancelled result with
// Completed < Total is a partial result, not a failure.
type Result struct {
	Status    Status
	Completed int
	Total     int
	Message   string

	// Inconsistent is set when a failed write left the device holding a mix
	// of old and new data.
	Inconsistent bool
}

// Succeeded builds a successful result.
func Succeeded(completed, total int, message string) Result {
	return Result{Status: StatusSucceeded, Completed: completed, Total: total, Message: message}
}

// Cancelled builds a result for a run the sink stopped.
func Cancelled(completed, total int, message string) Result {
	return Result{Status: StatusCancelled, Completed: completed, Total: total, Message: message}
}

// Failed builds a result for a run that hit an error.
func Failed(completed, total int, err error) Result {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Result{Status: StatusFailed, Completed: completed, Total: total, Message: msg}
}

// OK reports whether the operation ran to completion.
func (r Result) OK() bool { return r.Status == StatusSucceeded }

func (r Result) String() string {
	if r.Total > 0 {
		return fmt.Sprintf("%s (%d/%d): %s", r.Status, r.Completed, r.Total, r.Message)
	}
	return fmt.Sprintf("%s: %s", r.Status, r.Message)
}
