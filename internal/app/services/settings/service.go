// Package settings resolves and writes versioned platform configuration.
package settings

import (
	"context"
	"fmt"
	"time"

	domain "github.com/findermarket/ledger-core/internal/app/domain/settings"
	"github.com/findermarket/ledger-core/internal/app/storage"
	"github.com/findermarket/ledger-core/pkg/logger"
)

// Service fronts the settings store. Financial commands resolve the snapshot
// active at their event time through it; a missing snapshot fails the command
// rather than falling back to hard-coded rates.
type Service struct {
	store storage.SettingsStore
	log   *logger.Logger
}

// New creates a settings service.
func New(store storage.SettingsStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("settings")
	}
	return &Service{store: store, log: log}
}

// Create validates and appends a new settings version.
func (s *Service) Create(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	if err := snap.Validate(); err != nil {
		return domain.Snapshot{}, fmt.Errorf("invalid settings: %w", err)
	}
	created, err := s.store.CreateSettings(ctx, snap)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.log.WithFields(map[string]interface{}{
		"version":      created.Version,
		"effective_at": created.EffectiveAt,
		"created_by":   created.CreatedBy,
	}).Info("settings version created")
	return created, nil
}

// Current resolves the snapshot effective right now.
func (s *Service) Current(ctx context.Context) (domain.Snapshot, error) {
	return s.store.SettingsAt(ctx, time.Now().UTC())
}

// At resolves the snapshot effective at the given instant.
func (s *Service) At(ctx context.Context, at time.Time) (domain.Snapshot, error) {
	return s.store.SettingsAt(ctx, at)
}

// Version fetches one exact settings version, for reproducing historical fee
// math.
func (s *Service) Version(ctx context.Context, version int64) (domain.Snapshot, error) {
	return s.store.SettingsVersion(ctx, version)
}
