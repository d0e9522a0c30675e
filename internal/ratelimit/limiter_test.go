package ratelimit_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zynqcloud/driftbin/internal/privacy"
	"github.com/zynqcloud/driftbin/internal/ratelimit"
)

const owner = privacy.OwnerID("owner-alice")

func TestAdmitAllowsWithinBurst(t *testing.T) {
	l := ratelimit.New(1, 3)

	for i := 0; i < 3; i++ {
		allowed, _ := l.Admit(owner, ratelimit.RouteUpload)
		require.True(t, allowed)
	}
}

func TestAdmitDeniesBeyondBurst(t *testing.T) {
	l := ratelimit.New(1, 2)

	ok1, _ := l.Admit(owner, ratelimit.RouteUpload)
	ok2, _ := l.Admit(owner, ratelimit.RouteUpload)
	ok3, retryAfter := l.Admit(owner, ratelimit.RouteUpload)

	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
	require.GreaterOrEqual(t, retryAfter, 1)
}

func TestAdmitIsScopedPerRouteFamily(t *testing.T) {
	l := ratelimit.New(1, 1)

	ok1, _ := l.Admit(owner, ratelimit.RouteUpload)
	ok2, _ := l.Admit(owner, ratelimit.RouteReport)

	require.True(t, ok1)
	require.True(t, ok2)
}

func TestAdmitIsScopedPerOwner(t *testing.T) {
	l := ratelimit.New(1, 1)
	other := privacy.OwnerID("owner-bob")

	ok1, _ := l.Admit(owner, ratelimit.RouteUpload)
	ok2, _ := l.Admit(other, ratelimit.RouteUpload)

	require.True(t, ok1)
	require.True(t, ok2)
}

func TestCompactIdleRemovesUntouchedBuckets(t *testing.T) {
	l := ratelimit.New(1, 1)
	l.Admit(owner, ratelimit.RouteUpload)
	require.Equal(t, 1, l.Len())

	time.Sleep(10 * time.Millisecond)
	require.Equal(t, 1, l.CompactIdle(5*time.Millisecond))
	require.Equal(t, 0, l.Len())
}

func TestCompactIdleLeavesFreshBuckets(t *testing.T) {
	l := ratelimit.New(1, 1)
	l.Admit(owner, ratelimit.RouteUpload)

	require.Equal(t, 0, l.CompactIdle(time.Hour))
	require.Equal(t, 1, l.Len())
}
