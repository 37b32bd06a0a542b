package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/tiergate/internal/storage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(storage.NewMemoryStore())

	_, ok := store.Load()
	assert.False(t, ok, "empty store has no snapshot")

	renewal := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	status := licensing.SubscriptionStatus{
		Tier:          licensing.TierTeam,
		IsActive:      true,
		RenewalDate:   &renewal,
		ProductID:     licensing.ProductTeamMonthly,
		LastCheckedAt: time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(status))

	loaded, ok := store.Load()
	require.True(t, ok)
	status.SchemaVersion = licensing.StatusSchemaVersion
	assert.Equal(t, status, loaded)

	require.NoError(t, store.Clear())
	_, ok = store.Load()
	assert.False(t, ok)
}

func TestStoreRejectsInvalidStatusOnSave(t *testing.T) {
	store := NewStore(storage.NewMemoryStore())
	renewal := time.Now()
	err := store.Save(licensing.SubscriptionStatus{
		Tier:        licensing.TierPro,
		IsActive:    true,
		IsLifetime:  true,
		RenewalDate: &renewal,
	})
	require.Error(t, err)
}

func TestStoreLoadVersionHandling(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		wantOK bool
		want   licensing.Tier
	}{
		{
			name:   "current version",
			raw:    `{"tier":"pro","is_active":true,"is_lifetime":true,"last_checked_at":"2026-05-01T00:00:00Z","schema_version":1}`,
			wantOK: true,
			want:   licensing.TierPro,
		},
		{
			name:   "older version accepted",
			raw:    `{"tier":"team","is_active":true,"is_lifetime":false,"last_checked_at":"2026-05-01T00:00:00Z","schema_version":0}`,
			wantOK: true,
			want:   licensing.TierTeam,
		},
		{
			name: "newer version discarded",
			raw:  `{"tier":"team","is_active":true,"schema_version":99}`,
		},
		{
			name: "undecodable",
			raw:  `{"tier":`,
		},
		{
			name: "unknown tier",
			raw:  `{"tier":"platinum","is_active":true,"schema_version":1}`,
		},
		{
			name: "active free violates invariant",
			raw:  `{"tier":"free","is_active":true,"schema_version":1}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := storage.NewMemoryStore()
			require.NoError(t, backend.Set(SnapshotKey, []byte(tt.raw)))

			status, ok := NewStore(backend).Load()
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, status.Tier)
			}
		})
	}
}
