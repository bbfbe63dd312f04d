package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"statusflow/internal/domain"
)

func TestParseKind(t *testing.T) {
	for _, k := range domain.AllKinds() {
		got, err := domain.ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := domain.ParseKind("Work-Item")
	require.NoError(t, err)
	assert.Equal(t, domain.KindWorkItem, got)

	_, err = domain.ParseKind("invoice")
	assert.ErrorIs(t, err, domain.ErrUnknownKind)

	kinds, err := domain.ParseKinds([]string{"expense", "expense", "iteration"})
	require.NoError(t, err)
	assert.Equal(t, []domain.Kind{domain.KindExpense, domain.KindIteration}, kinds)

	all, err := domain.ParseKinds(nil)
	require.NoError(t, err)
	assert.Len(t, all, domain.KindCount)
}

func TestCapabilitySetOperations(t *testing.T) {
	approve := domain.NewCapabilitySet(domain.CapExpenseApprove, domain.CapAdmin)
	holder := domain.NewCapabilitySet(domain.CapAdmin, domain.CapWorkItemEdit)

	assert.True(t, holder.HasAny(approve))
	assert.False(t, holder.HasAll(approve))
	assert.True(t, holder.With(domain.CapExpenseApprove).HasAll(approve))
	assert.False(t, holder.Without(domain.CapAdmin).HasAny(approve))
	assert.Equal(t, domain.NewCapabilitySet(domain.CapAdmin), holder.Intersect(approve))
	assert.Equal(t, 3, holder.Union(approve).Len())
	assert.True(t, domain.CapabilitySet(0).Empty())
	assert.Equal(t, "{expense.approve,admin}", approve.String())
}

func TestEveryCapabilityRoundTripsByName(t *testing.T) {
	all := domain.AllCapabilities()
	names := domain.AllCapabilityNames()
	assert.Equal(t, len(names), all.Len())
	for _, n := range names {
		c, err := domain.ParseCapability(n)
		require.NoError(t, err)
		assert.True(t, all.Has(c))
		assert.True(t, domain.NewCapabilitySet(c).HasAny(all))
		assert.False(t, all.Without(c).Has(c))
	}
	_, err := domain.ParseCapabilities([]string{"admin", "root"})
	assert.ErrorIs(t, err, domain.ErrUnknownCapability)
	assert.Equal(t, domain.NewCapabilitySet(domain.CapAdmin), domain.CapabilitiesFromNames([]string{"admin", "root"}))
}

func TestElapsedDaysFloors(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, domain.ElapsedDays(now.Add(-23*time.Hour), now))
	assert.Equal(t, 1, domain.ElapsedDays(now.Add(-24*time.Hour), now))
	assert.Equal(t, 2, domain.ElapsedDays(now.Add(-71*time.Hour), now))
	assert.Equal(t, 0, domain.ElapsedDays(now.Add(time.Hour), now))
	assert.Equal(t, 0, domain.ElapsedDays(time.Time{}, now))
}
