package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCoreErrorIs(t *testing.T) {
	err := WrapPlatform("enumerate_entitlements", fmt.Errorf("dial: %w", ErrNetwork))

	assert.True(t, errors.Is(err, ErrPlatformUnavailable))
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.False(t, errors.Is(err, ErrPurchaseFailed))
	assert.True(t, IsOffline(err))
	assert.Equal(t, KindPlatformUnavailable, KindOf(err))
	assert.Equal(t, Kind(""), KindOf(context.Canceled))
}

func TestCoreErrorMessage(t *testing.T) {
	err := WrapPurchase("app.tiergate.pro.monthly", ErrPaymentDeclined)
	assert.Equal(t, "purchase failed for app.tiergate.pro.monthly: payment declined", err.Error())

	err = WrapRestore(ErrNetwork)
	assert.Equal(t, "restore failed: payment platform unreachable", err.Error())
}

func TestUserMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"cancelled", New(KindPurchaseCancelled, "purchase", "", errors.New("user backed out")), ""},
		{"declined", WrapPurchase("p", ErrPaymentDeclined), MessageDeclined},
		{"region", WrapPurchase("p", ErrRegionRestricted), MessageRegion},
		{"unavailable", WrapPurchase("p", ErrProductUnavailable), MessageUnavailable},
		{"not_allowed", WrapPurchase("p", ErrNotAllowed), MessageNotAllowed},
		{"network", WrapPurchase("p", ErrNetwork), MessageNetwork},
		{"unverified", WrapPurchase("p", ErrVerification), MessageUnverified},
		{"restore", WrapRestore(errors.New("boom")), MessageRestoreFailed},
		{"unknown", errors.New("SKErrorDomain code=0"), MessageGenericFailure},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := UserMessage(tt.err)
			assert.Equal(t, tt.want, got)
			lower := strings.ToLower(got)
			for _, jargon := range []string{"error", "code", "your fault", "invalid"} {
				assert.NotContains(t, lower, jargon)
			}
		})
	}
}
