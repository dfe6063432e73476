package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/medhive/flcoordinator/internal/fl"
)

func TestRegisterUpsertPreservesParticipationCount(t *testing.T) {
	r := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c, err := r.Register("c1", "pneumonia", fl.DeviceProfile{}, now)
	require.NoError(t, err)
	require.Equal(t, 0, c.RoundsParticipated)

	r.IncrementParticipation("c1")

	later := now.Add(time.Hour)
	c2, err := r.Register("c1", "pneumonia", fl.DeviceProfile{HasAccelerator: true}, later)
	require.NoError(t, err)
	require.Equal(t, 1, c2.RoundsParticipated)
	require.True(t, c2.DeviceProfile.HasAccelerator)
	require.Equal(t, now, c2.RegisteredAt)
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	r := New()
	now := time.Now()
	_, err := r.Register("", "pneumonia", fl.DeviceProfile{}, now)
	require.Error(t, err)
	_, err = r.Register("c1", "", fl.DeviceProfile{}, now)
	require.Error(t, err)
}

func TestTouchUpdatesLastSeenAndRevivesStaleClient(t *testing.T) {
	r := New(WithStalenessThreshold(time.Minute))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := r.Register("c1", "ecg", fl.DeviceProfile{}, base)
	require.NoError(t, err)

	stale := r.List(Filter{}, base.Add(10*time.Minute))
	require.Len(t, stale, 1)
	require.Equal(t, fl.ClientInactive, stale[0].Status)

	require.NoError(t, r.Touch("c1", base.Add(10*time.Minute)))

	fresh := r.List(Filter{}, base.Add(10*time.Minute))
	require.Equal(t, fl.ClientActive, fresh[0].Status)
}

func TestTouchUnknownClientFails(t *testing.T) {
	r := New()
	err := r.Touch("ghost", time.Now())
	require.Error(t, err)
}

func TestListFiltersByModelKindAndStatus(t *testing.T) {
	r := New()
	now := time.Now()
	_, _ = r.Register("a", "pneumonia", fl.DeviceProfile{}, now)
	_, _ = r.Register("b", "ecg", fl.DeviceProfile{}, now)
	require.NoError(t, r.Ban("b"))

	pneumonia := r.List(Filter{ModelKind: "pneumonia"}, now)
	require.Len(t, pneumonia, 1)
	require.Equal(t, "a", pneumonia[0].ID)

	banned := r.List(Filter{Status: fl.ClientBanned}, now)
	require.Len(t, banned, 1)
	require.Equal(t, "b", banned[0].ID)
}

func TestListIsSortedByID(t *testing.T) {
	r := New()
	now := time.Now()
	for _, id := range []string{"zeta", "alpha", "mike"} {
		_, _ = r.Register(id, "pneumonia", fl.DeviceProfile{}, now)
	}
	got := r.List(Filter{}, now)
	require.Equal(t, []string{"alpha", "mike", "zeta"}, []string{got[0].ID, got[1].ID, got[2].ID})
}

func TestBanUnknownClientFails(t *testing.T) {
	r := New()
	require.Error(t, r.Ban("ghost"))
}
