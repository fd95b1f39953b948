package model

import "errors"

var (
	// ErrInvalidModel is returned when a session requests a model outside the allow-list.
	ErrInvalidModel = errors.New("invalid model")

	// ErrDirectoryNotAllowed is returned when a working directory falls outside every allowed prefix.
	ErrDirectoryNotAllowed = errors.New("working directory not allowed")

	// ErrWorkingDirRequired is returned when a session creation request is missing the working directory.
	ErrWorkingDirRequired = errors.New("working directory is required")

	// ErrSessionNotFound is returned when a session is not found.
	ErrSessionNotFound = errors.New("session not found")
)
