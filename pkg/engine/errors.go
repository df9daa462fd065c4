package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the executor. Check with errors.Is.
var (
	// ErrRunFailed indicates the run reached the failed state. The
	// returned run carries the propagated task error message.
	ErrRunFailed = errors.New("workflow run failed")

	// ErrInProgress indicates the wait deadline passed while the run was
	// still executing. The run keeps making progress in the background.
	ErrInProgress = errors.New("workflow run still in progress")
)

// BatchFailureError reports that most scheduler calls of one worker batch
// failed, which points at the database rather than at user step code. The
// worker loop stops on it so the process can be restarted cleanly instead
// of hammering a broken backend.
type BatchFailureError struct {
	Total  int
	Failed int
	Errs   []error
}

func (e *BatchFailureError) Error() string {
	return fmt.Sprintf("%d of %d task reports failed: %v", e.Failed, e.Total, errors.Join(e.Errs...))
}

func (e *BatchFailureError) Unwrap() []error {
	return e.Errs
}
