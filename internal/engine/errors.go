package engine

import (
	"errors"
	"fmt"
)

// ErrEngineUnreachable wraps network-level failures reaching the engine.
// Terminal for the task: there is no point retrying within one execution.
var ErrEngineUnreachable = errors.New("engine unreachable")

// ErrStreamDisconnected is reported by a progress stream whose connection
// dropped before a terminal event arrived. Non-fatal: the caller should
// reconcile through the history endpoint instead of failing the job.
var ErrStreamDisconnected = errors.New("progress stream disconnected")

// ErrJobNotFound is returned by History when the engine has no record of
// the given job id (e.g. its history was cleaned up).
var ErrJobNotFound = errors.New("engine has no record of job")

// RejectedError is returned when the engine rejects a submitted graph as
// invalid (unknown node class, missing required input). The graph itself is
// malformed, so resubmitting the same graph cannot succeed.
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("engine rejected workflow: %s", e.Message)
}

// ArtifactNotFoundError is returned when a produced file can no longer be
// fetched from the engine.
type ArtifactNotFoundError struct {
	Ref ArtifactRef
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("artifact not found on engine: %s", e.Ref.Filename)
}
