// Package entitlement resolves the installation's subscription tier from
// payment-platform transactions and keeps the last verified result durable.
package entitlement

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/storage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

// SnapshotKey is the storage key of the persisted SubscriptionStatus.
const SnapshotKey = "EntitlementSnapshot"

// Store is the durable snapshot of the last verified resolution.
type Store struct {
	backend storage.Store
}

// NewStore wraps a storage backend.
func NewStore(backend storage.Store) *Store {
	return &Store{backend: backend}
}

// Load returns the persisted status. ok is false when nothing usable is
// stored: absent, undecodable, invalid, or written by a newer schema.
func (s *Store) Load() (status licensing.SubscriptionStatus, ok bool) {
	data, err := s.backend.Get(SnapshotKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Str("key", SnapshotKey).Msg("Failed to read entitlement snapshot")
		}
		return licensing.SubscriptionStatus{}, false
	}

	status, err = decodeSnapshot(data)
	if err != nil {
		log.Warn().Err(err).Str("key", SnapshotKey).Msg("Ignoring persisted entitlement snapshot")
		return licensing.SubscriptionStatus{}, false
	}
	return status, true
}

// Save persists status at the current schema version, replacing any previous
// snapshot.
func (s *Store) Save(status licensing.SubscriptionStatus) error {
	status.SchemaVersion = licensing.StatusSchemaVersion
	if err := status.Validate(); err != nil {
		return internalerrors.WrapPersistence("save_snapshot", SnapshotKey, err)
	}

	data, err := json.Marshal(status)
	if err != nil {
		return internalerrors.WrapPersistence("save_snapshot", SnapshotKey, err)
	}
	if err := s.backend.Set(SnapshotKey, data); err != nil {
		return internalerrors.WrapPersistence("save_snapshot", SnapshotKey, err)
	}
	return nil
}

// Clear removes the persisted snapshot.
func (s *Store) Clear() error {
	if err := s.backend.Delete(SnapshotKey); err != nil {
		return internalerrors.WrapPersistence("clear_snapshot", SnapshotKey, err)
	}
	return nil
}

var errNewerSchema = errors.New("snapshot written by a newer schema")

func decodeSnapshot(data []byte) (licensing.SubscriptionStatus, error) {
	var header struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return licensing.SubscriptionStatus{}, fmt.Errorf("decode snapshot: %w", err)
	}

	switch {
	case header.SchemaVersion > licensing.StatusSchemaVersion:
		// Fields may have changed meaning; granting from them is not safe.
		return licensing.SubscriptionStatus{}, fmt.Errorf("%w: version %d, current %d",
			errNewerSchema, header.SchemaVersion, licensing.StatusSchemaVersion)
	case header.SchemaVersion < licensing.StatusSchemaVersion:
		log.Info().
			Int("stored_version", header.SchemaVersion).
			Int("current_version", licensing.StatusSchemaVersion).
			Msg("Loaded entitlement snapshot from an older schema; it will be rewritten on next save")
	}

	var status licensing.SubscriptionStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return licensing.SubscriptionStatus{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if err := status.Validate(); err != nil {
		return licensing.SubscriptionStatus{}, fmt.Errorf("invalid snapshot: %w", err)
	}
	return status, nil
}
