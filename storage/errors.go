package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrRobotBusy is returned by CreateRun when the robot already has a
	// RUNNING workflow run.
	ErrRobotBusy = errors.New("robot already has a running workflow")
)
