package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string for use as a task identifier. Workers
// claim queued tasks oldest-first with the id as tiebreak, which relies on
// ids sorting by creation time.
func NewID() string {
	return ulid.Make().String()
}
