package workflow

import (
	"regexp"

	"github.com/swarmguard/taskman/fault"
)

// Subtask id patterns: "<parent>-atomic-3", "<parent>-impl-12", and the
// generic "<parent>-<word>-<n>" fallback.
var (
	subtaskPattern = regexp.MustCompile(`^(.+)-(atomic|plan|impl)-\d+$`)
	genericPattern = regexp.MustCompile(`^(.+)-[A-Za-z]+-\d+$`)
)

// ResolveWorkflowID maps a progress event to its workflow. Priority:
// metadata jobId, metadata sessionId, then the task id. Ids matching a
// subtask pattern map to the parent id. Finding no id is a typed failure,
// never a silent substitution.
func ResolveWorkflowID(taskID string, metadata map[string]string) (string, error) {
	candidate := ""
	if metadata != nil {
		if id := metadata["jobId"]; id != "" {
			candidate = id
		} else if id := metadata["sessionId"]; id != "" {
			candidate = id
		}
	}
	if candidate == "" {
		candidate = taskID
	}
	if candidate == "" {
		return "", fault.New(fault.KindValidation, component, "resolve_workflow_id", "no workflow id in event")
	}

	if m := subtaskPattern.FindStringSubmatch(candidate); m != nil {
		return m[1], nil
	}
	if m := genericPattern.FindStringSubmatch(candidate); m != nil {
		return m[1], nil
	}
	return candidate, nil
}
