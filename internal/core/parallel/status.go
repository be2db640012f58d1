package parallel

import (
	"strings"

	"github.com/markdave123-py/Sleuth/internal/models"
)

// NormalizeStatus maps a provider status string onto the local lifecycle.
// ok is false for statuses this service does not know.
func NormalizeStatus(raw string) (models.TaskStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "queued", "pending":
		return models.TaskQueued, true
	case "running", "action_required":
		return models.TaskRunning, true
	case "completed", "succeeded":
		return models.TaskCompleted, true
	case "failed", "error":
		return models.TaskFailed, true
	case "canceled", "cancelled", "cancelling":
		return models.TaskCanceled, true
	}
	return "", false
}
