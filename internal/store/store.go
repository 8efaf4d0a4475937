package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/droidpool/droidpool/internal/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// cell pairs one record with its own lock so unrelated credentials never
// block each other.
type cell struct {
	mu  sync.Mutex
	rec *domain.CredentialRecord
}

// Store is the in-memory arena of credential records, keyed by uuid. When a
// snapshot path is configured every committed mutation is journaled to disk;
// snapshots carry only ciphertext for secret fields.
type Store struct {
	mu    sync.RWMutex
	cells map[string]*cell
	order []string

	snapshotPath string
	snapshotMu   sync.Mutex
}

// NewStore returns an empty store. snapshotPath may be empty to disable
// persistence.
func NewStore(snapshotPath string) *Store {
	return &Store{
		cells:        make(map[string]*cell),
		snapshotPath: snapshotPath,
	}
}

// Load builds a store from an existing snapshot file. A missing file yields
// an empty store.
func Load(snapshotPath string) (*Store, error) {
	s := NewStore(snapshotPath)
	if snapshotPath == "" {
		return s, nil
	}

	data, err := os.ReadFile(snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read credential snapshot: %w", err)
	}

	var records []*domain.CredentialRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to parse credential snapshot: %w", err)
	}

	for _, rec := range records {
		if rec.UUID == "" || rec.Validate() != nil {
			log.Warn().Str("uuid", rec.UUID).Msg("Skipping invalid snapshot entry")
			continue
		}
		s.cells[rec.UUID] = &cell{rec: rec}
		s.order = append(s.order, rec.UUID)
	}

	log.Info().Int("count", len(s.order)).Str("path", snapshotPath).Msg("Loaded credential snapshot")
	return s, nil
}

// Add validates the record, assigns a fresh uuid and stores it.
func (s *Store) Add(ctx context.Context, record *domain.CredentialRecord) (string, error) {
	if err := record.Validate(); err != nil {
		return "", err
	}

	rec := record.Clone()
	rec.UUID = uuid.NewString()
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.HealthStatus == "" {
		rec.HealthStatus = domain.HealthUnknown
	}

	s.mu.Lock()
	s.cells[rec.UUID] = &cell{rec: rec}
	s.order = append(s.order, rec.UUID)
	s.mu.Unlock()

	s.persist()

	log.Info().
		Str("uuid", rec.UUID).
		Str("auth_kind", string(rec.AuthKind)).
		Str("endpoint_type", string(rec.Endpoint)).
		Msg("Credential added")

	return rec.UUID, nil
}

// Get returns a deep copy of the record, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.CredentialRecord, error) {
	c, err := s.cell(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Clone(), nil
}

// List returns deep copies of all records in insertion order.
func (s *Store) List(ctx context.Context) ([]*domain.CredentialRecord, error) {
	s.mu.RLock()
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.mu.RUnlock()

	records := make([]*domain.CredentialRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			// Deleted between the order snapshot and the read.
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Update applies a partial patch, rejecting fields that belong to the wrong
// auth kind.
func (s *Store) Update(ctx context.Context, id string, patch domain.Patch) (*domain.CredentialRecord, error) {
	return s.Mutate(ctx, id, func(rec *domain.CredentialRecord) error {
		return applyPatch(rec, patch)
	})
}

// Delete removes the record permanently. The uuid is never reused.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if _, ok := s.cells[id]; !ok {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(s.cells, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.persist()

	log.Info().Str("uuid", id).Msg("Credential deleted")
	return nil
}

// SetDisabled toggles the record in or out of selection.
func (s *Store) SetDisabled(ctx context.Context, id string, disabled bool) error {
	_, err := s.Mutate(ctx, id, func(rec *domain.CredentialRecord) error {
		rec.IsDisabled = disabled
		return nil
	})
	return err
}

// Mutate applies fn to the record under its own lock. fn operates on a clone;
// the clone replaces the stored record only when fn succeeds, so an aborted
// mutation never leaves a partial write behind.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*domain.CredentialRecord) error) (*domain.CredentialRecord, error) {
	c, err := s.cell(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	next := c.rec.Clone()
	if err := fn(next); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	c.rec = next
	out := next.Clone()
	c.mu.Unlock()

	s.persist()
	return out, nil
}

func (s *Store) cell(id string) (*cell, error) {
	s.mu.RLock()
	c, ok := s.cells[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}

func applyPatch(rec *domain.CredentialRecord, patch domain.Patch) error {
	if patch.OAuth != nil && rec.AuthKind != domain.AuthKindOAuth {
		return domain.ErrInvalidPayload
	}
	if len(patch.KeyStatus) > 0 && rec.AuthKind != domain.AuthKindAPIKey {
		return domain.ErrInvalidPayload
	}

	if patch.DisplayName != nil {
		rec.DisplayName = *patch.DisplayName
	}
	if patch.Endpoint != nil {
		if !patch.Endpoint.Valid() {
			return domain.ErrInvalidPayload
		}
		rec.Endpoint = *patch.Endpoint
	}
	if patch.OAuth != nil {
		if patch.OAuth.OwnerEmail != nil {
			rec.OAuth.OwnerEmail = *patch.OAuth.OwnerEmail
		}
		if patch.OAuth.OrganizationID != nil {
			rec.OAuth.OrganizationID = *patch.OAuth.OrganizationID
		}
		if patch.OAuth.UserID != nil {
			rec.OAuth.UserID = *patch.OAuth.UserID
		}
	}
	if len(patch.KeyStatus) > 0 {
		for id, status := range patch.KeyStatus {
			if status != domain.KeyStatusActive && status != domain.KeyStatusDisabled {
				return domain.ErrInvalidPayload
			}
			found := false
			for i := range rec.APIKeys.Keys {
				if rec.APIKeys.Keys[i].ID == id {
					rec.APIKeys.Keys[i].Status = status
					found = true
					break
				}
			}
			if !found {
				return domain.ErrInvalidPayload
			}
		}
	}
	return nil
}

// persist writes the full encrypted state atomically (temp file + rename).
func (s *Store) persist() {
	if s.snapshotPath == "" {
		return
	}

	s.mu.RLock()
	records := make([]*domain.CredentialRecord, 0, len(s.order))
	for _, id := range s.order {
		if c, ok := s.cells[id]; ok {
			c.mu.Lock()
			records = append(records, c.rec.Clone())
			c.mu.Unlock()
		}
	}
	s.mu.RUnlock()

	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal credential snapshot")
		return
	}

	dir := filepath.Dir(s.snapshotPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("Failed to create snapshot directory")
		return
	}

	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		log.Error().Err(err).Msg("Failed to write credential snapshot")
		return
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		log.Error().Err(err).Msg("Failed to commit credential snapshot")
	}
}
