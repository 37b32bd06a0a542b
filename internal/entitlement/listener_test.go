package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/tiergate/internal/mock"
	"github.com/rcourtman/tiergate/internal/platform"
	"github.com/rcourtman/tiergate/pkg/licensing"
)

func startListener(t *testing.T, client platform.Client, r *Resolver) (*Listener, <-chan platform.VerificationResult) {
	t.Helper()
	handled := make(chan platform.VerificationResult, 16)
	l := NewListener(client, r)
	l.processed = func(result platform.VerificationResult) { handled <- result }
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Stop)
	return l, handled
}

func waitHandled(t *testing.T, handled <-chan platform.VerificationResult) platform.VerificationResult {
	t.Helper()
	select {
	case result := <-handled:
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for listener")
		return nil
	}
}

func TestListenerFinishesAndResolves(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	r := newTestResolver(t, p, nil)
	_, handled := startListener(t, p, r)

	team := txn("t1", licensing.ProductTeamMonthly, ptrTime(testNow.AddDate(0, 1, 0)))
	p.Emit(platform.Verified{Transaction: team})
	waitHandled(t, handled)

	assert.Equal(t, licensing.TierTeam, r.CurrentTier())
	assert.Equal(t, 1, p.FinishCount("t1"))
	assert.Equal(t, SourcePlatform, r.Source())
}

func TestListenerProcessesEventsInOrder(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	r := newTestResolver(t, p, nil)

	var tiers []licensing.Tier
	r.OnChange(func(s licensing.SubscriptionStatus) { tiers = append(tiers, s.Tier) })
	_, handled := startListener(t, p, r)

	pro := txn("p1", licensing.ProductProMonthly, ptrTime(testNow.AddDate(0, 1, 0)))
	p.Emit(platform.Verified{Transaction: pro})
	waitHandled(t, handled)

	team := txn("t1", licensing.ProductTeamYearly, ptrTime(testNow.AddDate(1, 0, 0)))
	p.Emit(platform.Verified{Transaction: team})
	waitHandled(t, handled)

	require.True(t, p.Revoke("t1"))
	waitHandled(t, handled)

	assert.Equal(t, []licensing.Tier{licensing.TierPro, licensing.TierTeam, licensing.TierPro}, tiers)
	assert.Equal(t, 2, p.FinishCount("t1"), "revocation update is finished too")
}

func TestListenerUnverifiedUpdateDoesNotGrant(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	r := newTestResolver(t, p, nil)
	_, handled := startListener(t, p, r)

	p.Emit(platform.Unverified{
		Transaction: txn("t1", licensing.ProductTeamMonthly, ptrTime(testNow.AddDate(0, 1, 0))),
		Reason:      "bad signature",
	})
	waitHandled(t, handled)

	assert.Equal(t, licensing.TierFree, r.CurrentTier())
	assert.Equal(t, 1, p.FinishCount("t1"), "unverified updates are acknowledged")
}

type panickingFinisher struct {
	*mock.Platform
}

func (panickingFinisher) Finish(context.Context, platform.Transaction) error {
	panic("finish exploded")
}

func TestListenerRecoversPanics(t *testing.T) {
	p := mock.New(mock.WithClock(testClock))
	client := panickingFinisher{Platform: p}
	r := newTestResolver(t, client, nil)
	l, handled := startListener(t, client, r)

	p.Emit(platform.Verified{Transaction: txn("p1", licensing.ProductProMonthly, ptrTime(testNow.AddDate(0, 1, 0)))})
	waitHandled(t, handled)

	select {
	case <-l.done:
		t.Fatal("listener exited after a panic")
	default:
	}

	// The stream is still consumed after a panic.
	p.Emit(platform.Verified{Transaction: txn("p2", licensing.ProductProYearly, ptrTime(testNow.AddDate(1, 0, 0)))})
	waitHandled(t, handled)
}

func TestListenerStopIsFinal(t *testing.T) {
	p := mock.New()
	r := newTestResolver(t, p, nil)
	l := NewListener(p, r)

	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()), "second start is a no-op")

	l.Stop()
	l.Stop()
	<-l.done

	assert.ErrorIs(t, l.Start(context.Background()), ErrListenerStopped)
}

func TestListenerStopWithoutStart(t *testing.T) {
	l := NewListener(mock.New(), newTestResolver(t, mock.New(), nil))
	l.Stop()
	<-l.done
	assert.ErrorIs(t, l.Start(context.Background()), ErrListenerStopped)
}

func TestListenerExitsWhenStreamCloses(t *testing.T) {
	p := mock.New()
	r := newTestResolver(t, p, nil)
	l := NewListener(p, r)
	require.NoError(t, l.Start(context.Background()))

	p.Close()
	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not exit after stream closed")
	}
	l.Stop()
}
