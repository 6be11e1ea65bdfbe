package model

import "time"

// Shared defaults used by both the daemon and the CLI binaries.
const (
	DefaultHistoryHours = 24
	DefaultQueryTimeout = 30 * time.Second
)
