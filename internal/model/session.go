// Package model defines the data types shared by the session registry, the agent pool and the HTTP layer.
package model

import "time"

// Session is a logical chat session: a conversation identity bound to a working
// directory and a model, independent of any socket connection.
type Session struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title"`
	WorkingDir   string    `json:"working_dir"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// CreateSessionRequest represents a request to create a new session.
type CreateSessionRequest struct {
	Title      string `json:"title"`
	WorkingDir string `json:"working_dir"`
	// Model is optional; the registry's default model is used when empty.
	Model string `json:"model"`
}

// Validate checks the request fields that do not depend on registry configuration.
func (r *CreateSessionRequest) Validate() error {
	if r.WorkingDir == "" {
		return ErrWorkingDirRequired
	}
	return nil
}
