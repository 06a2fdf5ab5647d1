package fsm

// UpdateRequest is the FSM input
type UpdateRequest struct {
	// Exactly one of ArchivePath and S3Key is set.
	ArchivePath string
	S3Key       string

	// Journal row the run reports into.
	OperationID string
}

// UpdateResponse is the FSM output (accumulated across transitions)
type UpdateResponse struct {
	// From Fetch
	ArchivePath string
	SHA256      string

	// From Locate
	ImagePath string
	EntryName string
	TotalRows int

	// From Program
	RowsWritten int

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// Source is what the run was started from.
func (r *UpdateRequest) Source() string {
	if r.S3Key != "" {
		return "s3://" + r.S3Key
	}
	return r.ArchivePath
}

// State names
const (
	StateFetch           = "fetch"
	StateAwaitBootloader = "await_bootloader"
	StateLocate          = "locate"
	StateProgram         = "program"
	StateComplete        = "complete"
	StateFailed          = "failed"
)
