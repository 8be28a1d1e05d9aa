package codestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, clock func() time.Time) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	opts := []RedisOption{}
	if clock != nil {
		opts = append(opts, WithRedisClock(clock))
	}

	store, err := NewRedisStore(client, opts...)
	require.NoError(t, err)
	return store, mr
}

func TestRedisStoreGenerateAndRetrieve(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newRedisStore(t, func() time.Time { return current })

	data := CodeData{"user_id": "u-1", "email": "user@example.com"}
	code, err := store.Generate(context.Background(), testZone, IntentInvitation, data, current.Add(time.Hour))
	require.NoError(t, err)
	require.NotEmpty(t, code.Code)

	got, err := store.Retrieve(context.Background(), code.Code, testZone)
	require.NoError(t, err)
	require.Equal(t, IntentInvitation, got.Intent)
	require.Equal(t, "u-1", got.Data["user_id"])
}

func TestRedisStoreRedeemConsumesExactlyOnce(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newRedisStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, CodeData{"user_id": "u-1"}, current.Add(time.Hour))
	require.NoError(t, err)

	redeemed, err := store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.NoError(t, err)
	require.Equal(t, "u-1", redeemed.Data["user_id"])

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRedisStoreRedeemWrongZoneFails(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newRedisStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	_, err = store.Redeem(context.Background(), code.Code, testOtherZone, IntentInvitation)
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRedisStoreRedeemExpiredByClock(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newRedisStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	// The key is still present (no TTL sweep yet), but the stored expiry has
	// passed; the script purges it and reports expiry.
	current = current.Add(2 * time.Hour)

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.ErrorIs(t, err, ErrCodeExpired)

	_, err = store.Retrieve(context.Background(), code.Code, testZone)
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRedisStoreRedeemExpiredByTTL(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, mr := newRedisStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Minute))
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRedisStoreRedeemIntentMismatchLeavesCodeIntact(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store, _ := newRedisStore(t, func() time.Time { return current })

	code, err := store.Generate(context.Background(), testZone, IntentInvitation, nil, current.Add(time.Hour))
	require.NoError(t, err)

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentRegistration)
	require.ErrorIs(t, err, ErrIntentMismatch)

	_, err = store.Redeem(context.Background(), code.Code, testZone, IntentInvitation)
	require.NoError(t, err)
}

func TestCodeDataRoundTrip(t *testing.T) {
	data := CodeData{"email": "a@b.co", "redirect_uri": "https://example.com/app?x=1&y=2"}

	encoded, err := data.Encode()
	require.NoError(t, err)

	decoded, err := DecodeData(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)

	empty, err := DecodeData("")
	require.NoError(t, err)
	require.Empty(t, empty)
}
