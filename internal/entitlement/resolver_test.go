package entitlement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalerrors "github.com/rcourtman/tiergate/internal/errors"
	"github.com/rcourtman/tiergate/internal/logging"
	"github.com/rcourtman/tiergate/internal/mock"
	"github.com/rcourtman/tiergate/internal/platform"
	"github.com/rcourtman/tiergate/internal/storage"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func ptrTime(t time.Time) *time.Time { return &t }

func txn(id, product string, expires *time.Time) platform.Transaction {
	info, _ := licensing.DefaultMatrix.Product(product)
	return platform.Transaction{
		ID:          id,
		ProductID:   product,
		PurchasedAt: testNow.Add(-24 * time.Hour),
		ExpiresAt:   expires,
		IsLifetime:  info.IsLifetime(),
	}
}

func newTestResolver(t *testing.T, p platform.Client, backend storage.Store) *Resolver {
	t.Helper()
	if backend == nil {
		backend = storage.NewMemoryStore()
	}
	return NewResolver(p, NewStore(backend), WithClock(testClock), WithPlatformTimeout(time.Second))
}

func TestEvaluatePrecedence(t *testing.T) {
	inMonth := ptrTime(testNow.AddDate(0, 1, 0))
	inYear := ptrTime(testNow.AddDate(1, 0, 0))
	expired := ptrTime(testNow.Add(-time.Hour))

	tests := []struct {
		name         string
		results      []platform.VerificationResult
		wantTier     licensing.Tier
		wantActive   bool
		wantProduct  string
		wantLifetime bool
		wantRenewal  *time.Time
		wantDiscards int
	}{
		{
			name:     "no transactions",
			wantTier: licensing.TierFree,
		},
		{
			name: "team beats pro",
			results: []platform.VerificationResult{
				platform.Verified{Transaction: txn("p1", licensing.ProductProYearly, inYear)},
				platform.Verified{Transaction: txn("t1", licensing.ProductTeamMonthly, inMonth)},
			},
			wantTier:    licensing.TierTeam,
			wantActive:  true,
			wantProduct: licensing.ProductTeamMonthly,
			wantRenewal: inMonth,
		},
		{
			name: "team beats pro lifetime",
			results: []platform.VerificationResult{
				platform.Verified{Transaction: txn("p1", licensing.ProductProLifetime, nil)},
				platform.Verified{Transaction: txn("t1", licensing.ProductTeamYearly, inYear)},
			},
			wantTier:    licensing.TierTeam,
			wantActive:  true,
			wantProduct: licensing.ProductTeamYearly,
			wantRenewal: inYear,
		},
		{
			name: "only unverified yields free",
			results: []platform.VerificationResult{
				platform.Unverified{Transaction: txn("t1", licensing.ProductTeamMonthly, inMonth), Reason: "bad signature"},
				platform.Unverified{Transaction: txn("p1", licensing.ProductProLifetime, nil), Reason: "revoked cert"},
			},
			wantTier:     licensing.TierFree,
			wantDiscards: 2,
		},
		{
			name: "unverified does not block verified",
			results: []platform.VerificationResult{
				platform.Unverified{Transaction: txn("t1", licensing.ProductTeamMonthly, inMonth), Reason: "bad signature"},
				platform.Verified{Transaction: txn("p1", licensing.ProductProMonthly, inMonth)},
			},
			wantTier:     licensing.TierPro,
			wantActive:   true,
			wantProduct:  licensing.ProductProMonthly,
			wantRenewal:  inMonth,
			wantDiscards: 1,
		},
		{
			name: "lifetime beats pro subscription",
			results: []platform.VerificationResult{
				platform.Verified{Transaction: txn("p1", licensing.ProductProYearly, inYear)},
				platform.Verified{Transaction: txn("p2", licensing.ProductProLifetime, nil)},
			},
			wantTier:     licensing.TierPro,
			wantActive:   true,
			wantProduct:  licensing.ProductProLifetime,
			wantLifetime: true,
		},
		{
			name: "latest expiration wins within a tier",
			results: []platform.VerificationResult{
				platform.Verified{Transaction: txn("p1", licensing.ProductProMonthly, inMonth)},
				platform.Verified{Transaction: txn("p2", licensing.ProductProYearly, inYear)},
			},
			wantTier:    licensing.TierPro,
			wantActive:  true,
			wantProduct: licensing.ProductProYearly,
			wantRenewal: inYear,
		},
		{
			name: "expired team does not beat active pro",
			results: []platform.VerificationResult{
				platform.Verified{Transaction: txn("t1", licensing.ProductTeamMonthly, expired)},
				platform.Verified{Transaction: txn("p1", licensing.ProductProMonthly, inMonth)},
			},
			wantTier:     licensing.TierPro,
			wantActive:   true,
			wantProduct:  licensing.ProductProMonthly,
			wantRenewal:  inMonth,
			wantDiscards: 1,
		},
		{
			name: "unknown product ignored",
			results: []platform.VerificationResult{
				platform.Verified{Transaction: txn("x1", "app.other.product", inMonth)},
			},
			wantTier:     licensing.TierFree,
			wantDiscards: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, discards := Evaluate(licensing.DefaultMatrix, tt.results, testNow)

			assert.Equal(t, tt.wantTier, status.Tier)
			assert.Equal(t, tt.wantActive, status.IsActive)
			assert.Equal(t, tt.wantProduct, status.ProductID)
			assert.Equal(t, tt.wantLifetime, status.IsLifetime)
			assert.Equal(t, tt.wantRenewal, status.RenewalDate)
			assert.Equal(t, testNow, status.LastCheckedAt)
			assert.Equal(t, licensing.StatusSchemaVersion, status.SchemaVersion)
			assert.Len(t, discards, tt.wantDiscards)
			assert.NoError(t, status.Validate())
		})
	}
}

func TestEvaluateRevokedTransaction(t *testing.T) {
	revoked := txn("p1", licensing.ProductProLifetime, nil)
	revoked.RevokedAt = ptrTime(testNow.Add(-time.Minute))

	status, discards := Evaluate(licensing.DefaultMatrix, []platform.VerificationResult{
		platform.Verified{Transaction: revoked},
	}, testNow)

	assert.Equal(t, licensing.TierFree, status.Tier)
	require.Len(t, discards, 1)
	assert.Equal(t, reasonRevoked, discards[0].Reason)
	assert.False(t, discards[0].Unverified)
}

func TestRefreshResolvesAndPersists(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	p.Grant(txn("t1", licensing.ProductTeamYearly, ptrTime(testNow.AddDate(1, 0, 0))))
	backend := storage.NewMemoryStore()

	r := newTestResolver(t, p, backend)
	assert.Equal(t, StateUnresolved, r.State())
	assert.False(t, r.Confirmed())
	assert.Equal(t, licensing.TierFree, r.CurrentTier())

	status := r.RefreshOnLaunch(context.Background())
	assert.Equal(t, licensing.TierTeam, status.Tier)
	assert.Equal(t, StateResolved, r.State())
	assert.Equal(t, SourcePlatform, r.Source())
	assert.True(t, r.Confirmed())
	assert.Equal(t, licensing.TierTeam, r.CurrentTier())

	persisted, ok := NewStore(backend).Load()
	require.True(t, ok)
	assert.Equal(t, licensing.TierTeam, persisted.Tier)

	// A new process starts from the persisted snapshot.
	next := newTestResolver(t, p, backend)
	assert.Equal(t, licensing.TierTeam, next.CurrentStatus().Tier)
	assert.Equal(t, SourceCache, next.Source())
	assert.False(t, next.Confirmed())
	assert.Equal(t, licensing.TierFree, next.CurrentTier(), "an unconfirmed snapshot never gates")
}

func TestRefreshFailsClosedWithoutPersisting(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	p.Grant(txn("p1", licensing.ProductProLifetime, nil))
	backend := storage.NewMemoryStore()

	r := newTestResolver(t, p, backend)
	require.Equal(t, licensing.TierPro, r.Refresh(context.Background()).Tier)

	p.SetEntitlementsError(fmt.Errorf("decode receipt: %w", internalerrors.ErrVerification))
	status := r.Refresh(context.Background())

	assert.Equal(t, licensing.TierFree, status.Tier)
	assert.False(t, status.IsActive)
	assert.Equal(t, SourceFailClosed, r.Source())
	assert.Equal(t, licensing.TierFree, r.CurrentTier())

	persisted, ok := NewStore(backend).Load()
	require.True(t, ok)
	assert.Equal(t, licensing.TierPro, persisted.Tier, "fail-closed status is not persisted")
}

func TestRefreshOfflineAtLaunchKeepsPersistedSnapshot(t *testing.T) {
	backend := storage.NewMemoryStore()
	require.NoError(t, NewStore(backend).Save(licensing.SubscriptionStatus{
		Tier:          licensing.TierPro,
		IsActive:      true,
		IsLifetime:    true,
		ProductID:     licensing.ProductProLifetime,
		LastCheckedAt: testNow.Add(-48 * time.Hour),
	}))

	p := mock.New(mock.WithClock(testClock))
	p.SetEntitlementsError(fmt.Errorf("dial: %w", internalerrors.ErrNetwork))

	r := newTestResolver(t, p, backend)
	status := r.RefreshOnLaunch(context.Background())
	assert.Equal(t, licensing.TierPro, status.Tier)
	assert.Equal(t, SourceCache, r.Source())
	assert.Equal(t, StateResolved, r.State())
	assert.True(t, r.Confirmed())

	// Later failures fail closed even when offline.
	status = r.Refresh(context.Background())
	assert.Equal(t, licensing.TierFree, status.Tier)
	assert.Equal(t, SourceFailClosed, r.Source())
}

func TestRefreshOfflineAtLaunchWithoutSnapshot(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	p.SetEntitlementsError(internalerrors.ErrNetwork)

	r := newTestResolver(t, p, nil)
	status := r.RefreshOnLaunch(context.Background())
	assert.Equal(t, licensing.TierFree, status.Tier)
	assert.Equal(t, SourceFailClosed, r.Source())
}

func TestRefreshNonNetworkFailureAtLaunchIgnoresSnapshot(t *testing.T) {
	backend := storage.NewMemoryStore()
	require.NoError(t, NewStore(backend).Save(licensing.SubscriptionStatus{
		Tier:          licensing.TierTeam,
		IsActive:      true,
		ProductID:     licensing.ProductTeamMonthly,
		RenewalDate:   ptrTime(testNow.AddDate(0, 1, 0)),
		LastCheckedAt: testNow,
	}))

	p := mock.New(mock.WithClock(testClock))
	p.SetEntitlementsError(errors.New("keychain locked"))

	r := newTestResolver(t, p, backend)
	assert.Equal(t, licensing.TierFree, r.RefreshOnLaunch(context.Background()).Tier)
}

type panickingClient struct {
	*mock.Platform
}

func (panickingClient) CurrentEntitlements(context.Context) ([]platform.VerificationResult, error) {
	panic("platform exploded")
}

func TestRefreshRecoversPlatformPanic(t *testing.T) {
	r := newTestResolver(t, panickingClient{Platform: mock.New()}, nil)

	var status licensing.SubscriptionStatus
	require.NotPanics(t, func() { status = r.Refresh(context.Background()) })
	assert.Equal(t, licensing.TierFree, status.Tier)
	assert.Equal(t, SourceFailClosed, r.Source())
}

func TestConcurrentRefreshSharesOnePass(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	p.Grant(txn("t1", licensing.ProductTeamMonthly, ptrTime(testNow.AddDate(0, 1, 0))))
	release := p.Block()
	r := newTestResolver(t, p, nil)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]licensing.SubscriptionStatus, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Refresh(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return p.EntitlementCalls() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateResolving, r.State())
	time.Sleep(50 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, p.EntitlementCalls())
	for _, status := range results {
		assert.Equal(t, licensing.TierTeam, status.Tier)
	}
}

func TestForceRefreshStartsNewPass(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	r := newTestResolver(t, p, nil)

	r.Refresh(context.Background())
	r.ForceRefresh(context.Background())
	assert.Equal(t, 2, p.EntitlementCalls())
}

func TestRefreshReturnsCurrentStatusWhenContextEnds(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	release := p.Block()
	defer release()
	r := newTestResolver(t, p, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	status := r.Refresh(ctx)
	assert.Equal(t, licensing.TierFree, status.Tier)
}

func TestOnChangeFiresOnlyOnChange(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	r := newTestResolver(t, p, nil)

	var seen []licensing.Tier
	r.OnChange(func(s licensing.SubscriptionStatus) { seen = append(seen, s.Tier) })
	r.OnChange(func(licensing.SubscriptionStatus) { panic("observer bug") })
	r.OnChange(nil)

	r.Refresh(context.Background())
	assert.Empty(t, seen, "free to free is not a change")

	p.Grant(txn("p1", licensing.ProductProMonthly, ptrTime(testNow.AddDate(0, 1, 0))))
	r.ForceRefresh(context.Background())
	r.ForceRefresh(context.Background())
	assert.Equal(t, []licensing.Tier{licensing.TierPro}, seen)
}

func TestResolveFromCurrentEntitlements(t *testing.T) {
	backend := storage.NewMemoryStore()
	r := newTestResolver(t, mock.New(), backend)

	status := r.ResolveFromCurrentEntitlements(context.Background(), []platform.VerificationResult{
		platform.Verified{Transaction: txn("p1", licensing.ProductProLifetime, nil)},
		platform.Unverified{Transaction: txn("t1", licensing.ProductTeamMonthly, nil), Reason: "bad signature"},
	})
	assert.Equal(t, licensing.TierPro, status.Tier)
	assert.True(t, status.IsLifetime)
	assert.Nil(t, status.RenewalDate)

	persisted, ok := NewStore(backend).Load()
	require.True(t, ok)
	assert.Equal(t, status, persisted)
}

func TestReflectsTransactionsCountedByLastPass(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	p.Grant(txn("team", licensing.ProductTeamYearly, ptrTime(testNow.AddDate(1, 0, 0))))
	p.Grant(txn("pro", licensing.ProductProMonthly, ptrTime(testNow.AddDate(0, 1, 0))))
	p.Grant(txn("lapsed", licensing.ProductProMonthly, ptrTime(testNow.AddDate(0, -1, 0))))
	p.GrantUnverified(txn("forged", licensing.ProductProLifetime, nil), "bad signature")

	r := newTestResolver(t, p, storage.NewMemoryStore())
	assert.False(t, r.Reflects("team"), "nothing observed before a pass")

	require.Equal(t, licensing.TierTeam, r.Refresh(context.Background()).Tier)
	assert.True(t, r.Reflects("team"))
	assert.True(t, r.Reflects("pro"), "a lower-tier purchase still counts")
	assert.False(t, r.Reflects("lapsed"))
	assert.False(t, r.Reflects("forged"))

	p.SetEntitlementsError(internalerrors.ErrVerification)
	r.ForceRefresh(context.Background())
	assert.False(t, r.Reflects("team"), "a failed pass observes nothing")
}

func TestPassLogsUnderCallerTrace(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	r := newTestResolver(t, p, storage.NewMemoryStore())
	var buf bytes.Buffer
	r.logger = zerolog.New(&buf)

	ctx, _ := logging.WithTraceID(context.Background(), "update-7")
	r.ForceRefresh(ctx)
	assert.Contains(t, buf.String(), `"trace_id":"update-7"`)

	buf.Reset()
	r.ForceRefresh(context.Background())
	assert.Contains(t, buf.String(), `"trace_id":`, "passes without a caller trace get their own")
	assert.NotContains(t, buf.String(), "update-7")
}
