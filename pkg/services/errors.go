// Package services implements the persistence layer over the task index
// database: one row per task attempt, plus the queries the producer,
// consumer, and status API need.
package services

import "errors"

var (
	// ErrTaskNotFound indicates no index row exists for the uuid.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAlreadyExists indicates an index row already exists for the uuid.
	ErrAlreadyExists = errors.New("task already exists")

	// ErrInvalidTransition indicates a status change that the lifecycle
	// state machine does not permit.
	ErrInvalidTransition = errors.New("invalid status transition")
)
