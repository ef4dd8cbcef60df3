package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ipmon/ipmon/internal/models"
)

func TestAlertService_Raise(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := NewAlertService(db)
	host := createHost(t, db, "10.1.0.1")
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	alert, err := svc.Raise(db, host, models.StatusDown, now)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, models.StatusDown, alert.Status)
	assert.False(t, alert.Cleared)
	require.NotNil(t, host.LastAlertedStatus)
	assert.Equal(t, models.StatusDown, *host.LastAlertedStatus)

	var stored models.Host
	require.NoError(t, db.First(&stored, "id = ?", host.ID).Error)
	require.NotNil(t, stored.LastAlertedStatus)
	assert.Equal(t, models.StatusDown, *stored.LastAlertedStatus)
}

func TestAlertService_Raise_Idempotent(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := NewAlertService(db)
	host := createHost(t, db, "10.1.0.2")
	now := time.Now()

	first, err := svc.Raise(db, host, models.StatusUp, now)
	require.NoError(t, err)
	require.NotNil(t, first)

	for i := 0; i < 3; i++ {
		again, err := svc.Raise(db, host, models.StatusUp, now)
		require.NoError(t, err)
		assert.Nil(t, again)
	}

	var count int64
	db.Model(&models.Alert{}).Where("host_id = ?", host.ID).Count(&count)
	assert.EqualValues(t, 1, count)

	flipped, err := svc.Raise(db, host, models.StatusDown, now)
	require.NoError(t, err)
	assert.NotNil(t, flipped)
}

func TestAlertService_Raise_HostAlertsDisabled(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := NewAlertService(db)
	host := createHost(t, db, "10.1.0.3")
	require.NoError(t, db.Model(host).Update("alerts_enabled", false).Error)
	host.AlertsEnabled = false

	alert, err := svc.Raise(db, host, models.StatusDown, time.Now())
	require.NoError(t, err)
	assert.Nil(t, alert)
	assert.Nil(t, host.LastAlertedStatus)

	var count int64
	db.Model(&models.Alert{}).Count(&count)
	assert.Zero(t, count)
}

func TestAlertService_ListPendingAndClear(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := NewAlertService(db)
	h1 := createHost(t, db, "10.1.0.4")
	h2 := createHost(t, db, "10.1.0.5")
	base := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

	a1, err := svc.Raise(db, h1, models.StatusDown, base)
	require.NoError(t, err)
	a2, err := svc.Raise(db, h2, models.StatusDown, base.Add(time.Second))
	require.NoError(t, err)

	ctx := context.Background()
	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, a1.ID, pending[0].Alert.ID)
	assert.Equal(t, h1.Address, pending[0].Host.Address)
	assert.Equal(t, a2.ID, pending[1].Alert.ID)

	cleared, err := svc.Clear(ctx, []string{a1.ID, a2.ID}, base.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 2, cleared)

	pending, err = svc.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Clearing twice is a no-op.
	cleared, err = svc.Clear(ctx, []string{a1.ID}, base)
	require.NoError(t, err)
	assert.Zero(t, cleared)

	all, err := svc.List(false, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, a := range all {
		assert.True(t, a.Cleared)
		assert.NotNil(t, a.ClearedAt)
	}
}

func TestAlertService_ClearOne(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := NewAlertService(db)
	host := createHost(t, db, "10.1.0.6")

	alert, err := svc.Raise(db, host, models.StatusDown, time.Now())
	require.NoError(t, err)

	require.NoError(t, svc.ClearOne(context.Background(), alert.ID))
	assert.ErrorIs(t, svc.ClearOne(context.Background(), "missing"), ErrAlertNotFound)

	pending, err := svc.List(true, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAlertService_Raise_StaleHostCopy(t *testing.T) {
	db := setupServicesTestDB(t)
	svc := NewAlertService(db)
	host := createHost(t, db, "10.1.0.9")

	var stale models.Host
	require.NoError(t, db.First(&stale, "id = ?", host.ID).Error)

	first, err := svc.Raise(db, host, models.StatusDown, time.Now())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := svc.Raise(db, &stale, models.StatusDown, time.Now())
	require.NoError(t, err)
	assert.Nil(t, second)
	require.NotNil(t, stale.LastAlertedStatus)

	var count int64
	db.Model(&models.Alert{}).Where("host_id = ? AND cleared = ?", host.ID, false).Count(&count)
	assert.EqualValues(t, 1, count)
}
