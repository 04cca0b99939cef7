// Package runner contains the task runners: the code that turns one claimed
// task into committed progress, artifacts, and a final result. The generation
// runner drives the engine over its job protocol; the prompt runners call the
// text-generation collaborator. Runners never touch the store directly; they
// report through RunContext so commit ordering stays in one place.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mkarel/storyforge/internal/model"
)

// ErrCancelled marks a run that stopped because its task was interrupted.
// The execution layer turns it into a cancellation-specific failure rather
// than a generic error.
var ErrCancelled = errors.New("task cancelled")

// RunContext carries the claimed task and the reporting hooks a runner uses
// while executing. ReportProgress and ReportResult commit to the store before
// notifying watchers; a runner must treat them as the only way to surface
// intermediate state.
type RunContext struct {
	Task           *model.Task
	ReportProgress func(progress int)
	ReportResult   func(result json.RawMessage)
	Logger         *slog.Logger
}

// Runner executes one task kind. Run returns the final result payload on
// success; on failure the returned error becomes the task's error message.
// Run must honor ctx cancellation promptly and return ErrCancelled (wrapped)
// when it stops for that reason.
type Runner interface {
	Run(ctx context.Context, rc *RunContext) (json.RawMessage, error)
}
