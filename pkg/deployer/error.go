package deployer

import (
	"fmt"
)

// Error is returned when a deployment fails after the lock was acquired.
// Failures after the snapshot are always preceded by a rollback attempt.
type Error struct {
	DeploymentID string
	Op           string
	Cause        error
	RolledBack   bool
	RollbackErr  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("deployment %s failed during %s: %s", e.DeploymentID, e.Op, e.Cause)
	switch {
	case e.RollbackErr != nil:
		return fmt.Sprintf("%s; rollback failed: %s", msg, e.RollbackErr)
	case e.RolledBack:
		return msg + "; rolled back"
	default:
		return msg
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}
