package model

import (
	"encoding/json"
	"time"
)

// TableWatch binds one table (optionally filtered) to a change feed.
// Filter uses the "column=eq.value" form understood by the backend.
type TableWatch struct {
	Event  string // ChangeAny or a ChangeType value.
	Schema string
	Table  string
	Filter string
}

// ChangeEvent is a row change notification delivered as received from the
// backend. Raw holds the untouched notification payload.
type ChangeEvent struct {
	Schema          string
	Table           string
	Type            ChangeType
	CommitTimestamp time.Time
	Record          json.RawMessage
	OldRecord       json.RawMessage
	Raw             json.RawMessage
}
