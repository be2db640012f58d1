package parallel

import (
	"errors"
	"fmt"
)

// Cause distinguishes dispatch failure modes in logs.
type Cause string

const (
	CauseNetwork      Cause = "network"
	CauseStatus       Cause = "status"
	CauseMissingRunID Cause = "missing_run_id"
	CausePersistence  Cause = "persistence"
)

// DispatchError is returned by CreateTask and by the dispatcher.
type DispatchError struct {
	Cause      Cause
	StatusCode int
	Body       string
	Err        error
}

func (e *DispatchError) Error() string {
	switch e.Cause {
	case CauseStatus:
		return fmt.Sprintf("dispatch failed: provider status=%d body=%q", e.StatusCode, e.Body)
	case CauseMissingRunID:
		if e.Err != nil {
			return fmt.Sprintf("dispatch failed: no run id in response: %v", e.Err)
		}
		return "dispatch failed: no run id in response"
	default:
		if e.Err != nil {
			return fmt.Sprintf("dispatch failed (%s): %v", e.Cause, e.Err)
		}
		return fmt.Sprintf("dispatch failed (%s)", e.Cause)
	}
}

func (e *DispatchError) Unwrap() error { return e.Err }

// CauseOf extracts the dispatch cause from err, "" when err is not a DispatchError.
func CauseOf(err error) Cause {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Cause
	}
	return ""
}
