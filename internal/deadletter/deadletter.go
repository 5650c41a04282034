// Package deadletter durably captures failed executions for offline
// inspection and replay: the frozen graph snapshot, the terminal error, and
// a truncated context summary. Payload values are cut to a bounded length
// before persistence so the quarantine never retains full, potentially
// sensitive payloads.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taulu/flowgrid/pkg/api"
)

// MaxValueLen bounds every summarized context value.
const MaxValueLen = 512

// ErrArtifactNotFound is returned when no artifact exists for an execution.
var ErrArtifactNotFound = errors.New("dead-letter artifact not found")

// Artifact is the persisted record of one failed execution.
type Artifact struct {
	ExecutionID string            `json:"execution_id" bson:"execution_id"`
	WorkflowID  string            `json:"workflow_id,omitempty" bson:"workflow_id,omitempty"`
	WorkspaceID string            `json:"workspace_id,omitempty" bson:"workspace_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp" bson:"timestamp"`
	Error       string            `json:"error" bson:"error"`
	Graph       *api.Graph        `json:"graph" bson:"graph"`
	Context     map[string]string `json:"context_summary,omitempty" bson:"context_summary,omitempty"`
}

// Store persists dead-letter artifacts. Capture is invoked exactly once per
// execution that terminates failed.
type Store interface {
	Capture(ctx context.Context, a Artifact) error
	Get(ctx context.Context, executionID string) (*Artifact, error)
	List(ctx context.Context) ([]string, error)
}

// Replay returns the frozen graph snapshot of a captured failure, ready for
// resubmission as a fresh execution.
func Replay(ctx context.Context, s Store, executionID string) (*api.Graph, error) {
	a, err := s.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if a.Graph == nil {
		return nil, fmt.Errorf("artifact %s has no graph snapshot", executionID)
	}
	return a.Graph.Clone(), nil
}

// Summarize flattens context values into bounded strings for persistence.
func Summarize(values map[string]any) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = Truncate(fmt.Sprintf("%v", v))
	}
	return out
}

// Truncate cuts s to MaxValueLen, marking the cut.
func Truncate(s string) string {
	if len(s) <= MaxValueLen {
		return s
	}
	return s[:MaxValueLen] + "...(truncated)"
}

// NewArtifact assembles the artifact for a failed execution, summarizing
// node outputs as the diagnostic context.
func NewArtifact(exec *api.Execution, execErr error) Artifact {
	ctxValues := make(map[string]any, len(exec.Nodes))
	for id, ne := range exec.Nodes {
		if ne.Output != nil {
			ctxValues["output:"+id] = ne.Output
		}
		if ne.Error != "" {
			ctxValues["error:"+id] = ne.Error
		}
	}
	errStr := exec.Error
	if execErr != nil {
		errStr = execErr.Error()
	}
	return Artifact{
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		WorkspaceID: exec.WorkspaceID,
		Timestamp:   time.Now().UTC(),
		Error:       errStr,
		Graph:       exec.Graph,
		Context:     Summarize(ctxValues),
	}
}
