// Package versioning keeps N retained versions per logical key with exactly
// one of them active. Material (keyed by message) and DailyQuiz (keyed by
// date) both go through it.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ErrVersionNotFound = errors.New("version not found")

var (
	versionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_versions_created_total",
		Help: "Artifact versions created by kind",
	}, []string{"kind"})

	versionSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "artifact_version_switches_total",
		Help: "Active version switches by kind and result",
	}, []string{"kind", "result"})
)

// Key identifies one versioned artifact within a user's scope.
type Key struct {
	UserID uuid.UUID
	Name   string
}

// Version is one stored version of an artifact.
type Version[P any] struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	UserID    uuid.UUID `json:"user_id"`
	Version   int       `json:"version"`
	IsActive  bool      `json:"is_active"`
	Payload   P         `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Backend is the storage a Store runs on. Insert and Activate must each be a
// single atomic write so no reader sees zero or two active versions.
type Backend[P any] interface {
	MaxVersion(ctx context.Context, key Key) (int, error)
	// Insert deactivates every existing version of v's key and stores v as active.
	Insert(ctx context.Context, key Key, v Version[P]) error
	Exists(ctx context.Context, key Key, version int) (bool, error)
	// Activate deactivates the current version and activates the given one.
	Activate(ctx context.Context, key Key, version int) error
	Active(ctx context.Context, key Key) (*Version[P], error)
	List(ctx context.Context, key Key) ([]Version[P], error)
}

// ArtifactID formats the persisted identifier "{key}_v{version}".
func ArtifactID(key string, version int) string {
	return fmt.Sprintf("%s_v%d", key, version)
}

const DefaultRetention = 30 * 24 * time.Hour

type Store[P any] struct {
	kind      string
	backend   Backend[P]
	retention time.Duration
	now       func() time.Time
}

func NewStore[P any](kind string, backend Backend[P]) *Store[P] {
	return &Store[P]{
		kind:      kind,
		backend:   backend,
		retention: DefaultRetention,
		now:       time.Now,
	}
}

// maxCreateAttempts bounds retries when a concurrent writer took the version first.
const maxCreateAttempts = 3

// CreateNextVersion stores payload as max+1 (or 1) and makes it the active version.
//
// The max read and the insert are separate steps. Two concurrent callers can
// read the same max; the backend's uniqueness on (key, version) rejects the
// loser with ErrVersionExists and it retries on a fresh max.
func (s *Store[P]) CreateNextVersion(ctx context.Context, key Key, payload P) (*Version[P], error) {
	var err error
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		var v *Version[P]
		v, err = s.createOnce(ctx, key, payload)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrVersionExists) {
			return nil, err
		}
	}
	return nil, err
}

func (s *Store[P]) createOnce(ctx context.Context, key Key, payload P) (*Version[P], error) {
	current, err := s.backend.MaxVersion(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest %s version: %w", s.kind, err)
	}

	now := s.now().UTC()
	v := Version[P]{
		ID:        ArtifactID(key.Name, current+1),
		Key:       key.Name,
		UserID:    key.UserID,
		Version:   current + 1,
		IsActive:  true,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(s.retention),
	}

	if err := s.backend.Insert(ctx, key, v); err != nil {
		return nil, fmt.Errorf("failed to write %s %s: %w", s.kind, v.ID, err)
	}

	versionsCreated.WithLabelValues(s.kind).Inc()
	return &v, nil
}

// SwitchActive makes version the only active one for key.
func (s *Store[P]) SwitchActive(ctx context.Context, key Key, version int) (*Version[P], error) {
	exists, err := s.backend.Exists(ctx, key, version)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s version: %w", s.kind, err)
	}
	if !exists {
		versionSwitches.WithLabelValues(s.kind, "not_found").Inc()
		return nil, fmt.Errorf("%s %s: %w", s.kind, ArtifactID(key.Name, version), ErrVersionNotFound)
	}

	if err := s.backend.Activate(ctx, key, version); err != nil {
		versionSwitches.WithLabelValues(s.kind, "error").Inc()
		return nil, fmt.Errorf("failed to activate %s %s: %w", s.kind, ArtifactID(key.Name, version), err)
	}
	versionSwitches.WithLabelValues(s.kind, "ok").Inc()

	return s.backend.Active(ctx, key)
}

// GetActive returns the active version, or nil when none exists yet.
func (s *Store[P]) GetActive(ctx context.Context, key Key) (*Version[P], error) {
	return s.backend.Active(ctx, key)
}

// ListVersions returns all versions for key, newest first.
func (s *Store[P]) ListVersions(ctx context.Context, key Key) ([]Version[P], error) {
	return s.backend.List(ctx, key)
}

// WaitForActive polls for an active version until timeout. Used by readers of
// artifacts that are generated after the request that triggered them returns.
func (s *Store[P]) WaitForActive(ctx context.Context, key Key, timeout, interval time.Duration) (*Version[P], error) {
	deadline := s.now().Add(timeout)

	for {
		v, err := s.backend.Active(ctx, key)
		if err != nil {
			return nil, err
		}
		if v != nil || !s.now().Before(deadline) {
			return v, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
