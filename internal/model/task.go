package model

import (
	"encoding/json"
	"time"
)

// Task status constants.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Task kind constants. Each kind maps to one runner.
const (
	KindGenPrompt      = "gen_prompt"
	KindGenBase        = "gen_base"
	KindGenViews       = "gen_views"
	KindGenScenePrompt = "gen_scene_prompt"
	KindGenSceneBase   = "gen_scene_base"
	KindGenSceneMerge  = "gen_scene_merge"
	KindGenVideo       = "gen_video"
)

// Owner type constants for the entity a task belongs to.
const (
	OwnerCharacter = "character"
	OwnerScene     = "scene"
)

// Kinds lists all known task kinds.
var Kinds = []string{
	KindGenPrompt,
	KindGenBase,
	KindGenViews,
	KindGenScenePrompt,
	KindGenSceneBase,
	KindGenSceneMerge,
	KindGenVideo,
}

// ValidKind reports whether kind names a known task kind.
func ValidKind(kind string) bool {
	for _, k := range Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusQueued: {
		StatusRunning: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusDone:   true,
		StatusFailed: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether status is a terminal state.
func TerminalStatus(status string) bool {
	return status == StatusDone || status == StatusFailed
}

// Owner identifies the entity (character or scene) a task belongs to.
type Owner struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Task represents one queued/running/terminal unit of orchestrated work.
// Result and Error are mutually exclusive once the task is terminal.
type Task struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	Progress   int             `json:"progress"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	OwnerType  string          `json:"owner_type"`
	OwnerID    string          `json:"owner_id"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
