package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/billing-engine/internal/models"
	"github.com/PortNumber53/billing-engine/internal/store"
	"github.com/PortNumber53/billing-engine/internal/store/storetest"
)

func TestSynchronizerLifecycle(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mem := storetest.New()
	userID := mem.AddUser(models.User{})
	sync := NewSynchronizer(mem, quietLogger())

	require.NoError(t, sync.Activate(ctx, userID, models.PlanBusiness, start, end))
	u := mem.User(userID)
	assert.Equal(t, models.PlanBusiness, u.Grade)
	assert.Equal(t, models.MembershipActive, u.MembershipStatus)
	assert.Equal(t, end, *u.MembershipEndDate)

	renewed := end.AddDate(0, 1, 0)
	require.NoError(t, sync.Renewed(ctx, userID, models.PlanBusiness, renewed))
	assert.Equal(t, renewed, *mem.User(userID).MembershipEndDate)

	require.NoError(t, sync.Cancelled(ctx, userID))
	u = mem.User(userID)
	assert.Equal(t, models.MembershipCancelled, u.MembershipStatus)
	assert.Equal(t, models.PlanBusiness, u.Grade, "access is kept until the end date")

	require.NoError(t, sync.Suspended(ctx, userID))
	assert.Equal(t, models.MembershipExpired, mem.User(userID).MembershipStatus)
}

func TestSynchronizerWrapsStoreErrors(t *testing.T) {
	sync := NewSynchronizer(storetest.New(), quietLogger())

	err := sync.Renewed(context.Background(), 404, models.PlanPro, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "entitlement: extend user 404")
}

func TestSynchronizerRenewedRestoresPaidGrade(t *testing.T) {
	mem := storetest.New()
	end := time.Date(2026, 2, 15, 1, 0, 0, 0, time.UTC)
	userID := mem.AddUser(models.User{Grade: models.PlanBasic, MembershipStatus: models.MembershipExpired})

	require.NoError(t, NewSynchronizer(mem, quietLogger()).Renewed(context.Background(), userID, models.PlanPro, end))

	u := mem.User(userID)
	assert.Equal(t, models.PlanPro, u.Grade)
	assert.Equal(t, models.MembershipActive, u.MembershipStatus)
	assert.Equal(t, end, *u.MembershipEndDate)
}
