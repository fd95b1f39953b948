// Package session keeps the in-memory directory of logical chat sessions.
package session

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/204313508/iflow2web/internal/model"
)

// Config holds configuration for the session registry.
type Config struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string
	// AvailableModels is the model allow-list.
	AvailableModels []string
	// AllowedDirs restricts working directories to these prefixes. Empty allows all.
	AllowedDirs []string
}

// Registry stores logical sessions in insertion order.
type Registry struct {
	cfg    Config
	models map[string]struct{}
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*model.Session
	order    []string
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config, logger zerolog.Logger) *Registry {
	models := make(map[string]struct{}, len(cfg.AvailableModels))
	for _, m := range cfg.AvailableModels {
		models[m] = struct{}{}
	}

	return &Registry{
		cfg:      cfg,
		models:   models,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*model.Session),
	}
}

// Create validates req and stores a new session. The directory allow-list is
// checked before the model. The working directory is not checked for existence.
func (r *Registry) Create(req model.CreateSessionRequest) (model.Session, error) {
	if err := req.Validate(); err != nil {
		return model.Session{}, err
	}

	if !DirAllowed(req.WorkingDir, r.cfg.AllowedDirs) {
		return model.Session{}, fmt.Errorf("%w: %s", model.ErrDirectoryNotAllowed, req.WorkingDir)
	}

	modelName := req.Model
	if modelName == "" {
		modelName = r.cfg.DefaultModel
	} else if _, ok := r.models[modelName]; !ok {
		return model.Session{}, fmt.Errorf("%w: %s", model.ErrInvalidModel, modelName)
	}

	id := uuid.New().String()
	now := r.now()
	s := &model.Session{
		ID:           id,
		Title:        req.Title,
		WorkingDir:   req.WorkingDir,
		Model:        modelName,
		CreatedAt:    now,
		LastActivity: now,
	}
	if s.Title == "" {
		s.Title = fmt.Sprintf("Session %s", id[:8])
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.logger.Info().
		Str("session_id", id).
		Str("working_dir", s.WorkingDir).
		Str("model", s.Model).
		Msg("session created")
	return *s, nil
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// List returns copies of all sessions in creation order.
func (r *Registry) List() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.sessions[id])
	}
	return out
}

// Delete removes the session and reports whether it existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	r.logger.Info().Str("session_id", id).Msg("session deleted")
	return true
}

// Touch records activity on the session. The timestamp never moves backwards.
func (r *Registry) Touch(id string) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok && now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// DirAllowed reports whether dir lies inside one of the allowed prefixes.
// Matching is case-sensitive and respects path separators, so "/work/a"
// admits "/work/a/sub" but not "/work/ab". An empty list allows everything.
func DirAllowed(dir string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	d := normalizeDir(dir)
	for _, a := range allowed {
		prefix := normalizeDir(a)
		if prefix == "" {
			continue
		}
		if d == prefix || strings.HasPrefix(d, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

func normalizeDir(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}
