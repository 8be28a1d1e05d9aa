package codestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/database/testutil"
	"github.com/zonegate/zonegate/internal/models"
)

const (
	testZone      = "aaaaaaaa-0000-0000-0000-000000000001"
	testOtherZone = "bbbbbbbb-0000-0000-0000-000000000002"
)

func newDatabaseStore(t *testing.T, clock func() time.Time) (*DatabaseStore, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	opts := []DatabaseOption{}
	if clock != nil {
		opts = append(opts, WithClock(clock))
	}

	store, err := NewDatabaseStore(db, opts...)
	require.NoError(t, err)
	return store, db
}

func TestDatabaseStoreGenerateAndRetrieve(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newDatabaseStore(t, func() time.Time { return current })

	data := CodeData{"user_id": "u-1", "email": "user@example.com"}
	code, err := store.Generate(context.Background(), testZone, IntentInvitation, data, current.Add(72*time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, code.Code)
	require.Equal(t, testZone, code.ZoneID)

	got, err := store.Retrieve(context.Background(), code.Code, testZone)
	require.NoError(t, err)
	require.Equal(t, IntentInvitation, got.Intent)
	require.Equal(t, "user@example.com", got.Data["email"])
	require.True(t, got.ExpiresAt.After(current))

	// Retrieve is non-consuming.
	_, err = store.Retrieve(context.Background(), code.Code, testZone)
	require.NoError(t, err)
}

func TestDatabaseStoreGenerateRejectsPastExpiry(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newDatabaseStore(t, func() time.Time { return current })

	_, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(-time.Minute))
	require.Error(t, err)
}

func TestDatabaseStoreRetrieveExpiredTreatedAsNotFound(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, db := newDatabaseStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	_, err = store.Retrieve(context.Background(), code.Code, testZone)
	require.ErrorIs(t, err, ErrCodeNotFound)

	// The expired row is purged as a side effect.
	var count int64
	require.NoError(t, db.Model(&models.ExpiringCode{}).Where("code = ?", code.Code).Count(&count).Error)
	require.EqualValues(t, 0, count)
}

func TestDatabaseStoreRedeemConsumesExactlyOnce(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newDatabaseStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, CodeData{"user_id": "u-1"}, current.Add(time.Hour))
	require.NoError(t, err)

	redeemed, err := store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.NoError(t, err)
	require.Equal(t, "u-1", redeemed.Data["user_id"])

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.ErrorIs(t, err, ErrCodeNotFound)

	_, err = store.Retrieve(context.Background(), code.Code, testZone)
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestDatabaseStoreRedeemWrongZoneFails(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newDatabaseStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	_, err = store.Redeem(context.Background(), code.Code, testOtherZone, IntentInvitation)
	require.ErrorIs(t, err, ErrCodeNotFound)

	// Still redeemable under the owning zone.
	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.NoError(t, err)
}

func TestDatabaseStoreRedeemExpired(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newDatabaseStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	current = current.Add(2 * time.Hour)

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.ErrorIs(t, err, ErrCodeExpired)
}

func TestDatabaseStoreRedeemIntentMismatchLeavesCodeIntact(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newDatabaseStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentPasswordReset)
	require.ErrorIs(t, err, ErrIntentMismatch)

	// Lenient behaviour: the code stays redeemable under the correct intent.
	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.NoError(t, err)
}

func TestDatabaseStoreSameCodeStringAcrossZones(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, db := newDatabaseStore(t, func() time.Time { return current })

	// Insert the same code string under two zones directly; the namespace is
	// (code, zone_id), so both rows coexist.
	for _, zone := range []string{testZone, testOtherZone} {
		require.NoError(t, db.Create(&models.ExpiringCode{
			Code:      "shared-code",
			ZoneID:    zone,
			Intent:    string(IntentInvitation),
			Data:      "{}",
			ExpiresAt: current.Add(time.Hour),
		}).Error)
	}

	_, err := store.Redeem(context.Background(), "shared-code", testZone, IntentInvitation)
	require.NoError(t, err)

	// The other zone's row is untouched.
	_, err = store.Retrieve(context.Background(), "shared-code", testOtherZone)
	require.NoError(t, err)
}

func TestDatabaseStoreConcurrentRedeemExactlyOneWins(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, db := newDatabaseStore(t, func() time.Time { return current })

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	const redeemers = 8

	var wg sync.WaitGroup
	results := make([]error, redeemers)
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			_, results[slot] = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, ErrCodeNotFound)
		}
	}
	require.Equal(t, 1, successes)
}

func TestDatabaseStorePurgeExpired(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newDatabaseStore(t, func() time.Time { return current })

	_, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Minute))
	require.NoError(t, err)
	keep, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	removed, err := store.PurgeExpired(context.Background(), current.Add(30*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	_, err = store.Retrieve(context.Background(), keep.Code, testZone)
	require.NoError(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	_, db := newDatabaseStore(t, func() time.Time { return current })

	row := models.ExpiringCode{
		Code:      "duplicate-code",
		ZoneID:    testZone,
		Intent:    string(IntentInvitation),
		Data:      "{}",
		ExpiresAt: current.Add(time.Hour),
	}
	require.NoError(t, db.Create(&row).Error)

	dup := row
	err := db.Create(&dup).Error
	require.Error(t, err)
	require.True(t, isUniqueViolation(err))

	require.False(t, isUniqueViolation(nil))
	require.False(t, isUniqueViolation(context.Canceled))
}
