package codestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/zonegate/zonegate/pkg/crypto"
	"github.com/zonegate/zonegate/pkg/logger"
	"github.com/zonegate/zonegate/pkg/metrics"
)

const redisKeyPrefix = "zonegate:code:"

// redeemScript implements consume-and-delete as one atomic server-side step.
// Reply shapes: nil (absent), {"expired"}, {"mismatch"} and {"ok", value}.
var redeemScript = redis.NewScript(`
local value = redis.call('GET', KEYS[1])
if not value then
  return false
end
local payload = cjson.decode(value)
if tonumber(payload.expires_at) < tonumber(ARGV[2]) then
  redis.call('DEL', KEYS[1])
  return {'expired'}
end
if ARGV[1] ~= '' and payload.intent ~= ARGV[1] then
  return {'mismatch'}
end
redis.call('DEL', KEYS[1])
return {'ok', value}
`)

type redisEnvelope struct {
	Intent    string   `json:"intent"`
	Data      CodeData `json:"data"`
	ExpiresAt int64    `json:"expires_at"` // unix milliseconds
}

// RedisOption customises RedisStore behaviour.
type RedisOption func(*RedisStore)

// WithRedisCodeLength adjusts the random code length in bytes.
func WithRedisCodeLength(length int) RedisOption {
	return func(s *RedisStore) {
		if length > 0 {
			s.codeLength = length
		}
	}
}

// WithRedisMaxAttempts bounds the collision retry inside Generate.
func WithRedisMaxAttempts(attempts int) RedisOption {
	return func(s *RedisStore) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithRedisClock injects a custom clock primarily for testing.
func WithRedisClock(clock func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// RedisStore keeps expiring codes in Redis. SETNX provides insert-if-absent
// for collision handling, the key TTL enforces expiry server-side, and a Lua
// script makes redeem a single conditional consume.
type RedisStore struct {
	client      redis.UniversalClient
	codeLength  int
	maxAttempts int
	now         func() time.Time
	log         *zap.Logger
}

// NewRedisStore constructs a RedisStore on an established client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("codestore: redis client is required")
	}

	store := &RedisStore{
		client:      client,
		codeLength:  defaultCodeBytes,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
		log:         logger.WithModule("codestore"),
	}

	for _, opt := range opts {
		opt(store)
	}

	return store, nil
}

// Generate mints a code and stores it with SETNX; a false reply means the
// code already exists in the zone and a fresh one is tried.
func (s *RedisStore) Generate(ctx context.Context, zoneID string, intent Intent, data CodeData, expiresAt time.Time) (*Code, error) {
	if zoneID == "" {
		return nil, errors.New("codestore: zone id is required")
	}
	if intent == "" {
		return nil, errors.New("codestore: intent is required")
	}

	now := s.now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return nil, errors.New("codestore: expiry must be in the future")
	}

	envelope := redisEnvelope{
		Intent:    string(intent),
		Data:      data,
		ExpiresAt: expiresAt.UnixMilli(),
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("codestore: encode envelope: %w", err)
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		token, err := crypto.GenerateToken(s.codeLength)
		if err != nil {
			return nil, fmt.Errorf("codestore: generate token: %w", err)
		}

		stored, err := s.client.SetNX(ctx, s.key(zoneID, token), value, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("codestore: store code: %w", err)
		}
		if stored {
			metrics.CodesIssued.WithLabelValues(string(intent)).Inc()
			return &Code{
				Code:      token,
				ZoneID:    zoneID,
				Intent:    intent,
				Data:      data,
				ExpiresAt: expiresAt,
			}, nil
		}

		s.log.Warn("generated code collided, retrying",
			zap.String("zone_id", zoneID),
			zap.Int("attempt", attempt),
		)
	}

	return nil, ErrGenerationExhausted
}

// Retrieve returns the code without consuming it.
func (s *RedisStore) Retrieve(ctx context.Context, code, zoneID string) (*Code, error) {
	if code == "" || zoneID == "" {
		return nil, ErrCodeNotFound
	}

	raw, err := s.client.Get(ctx, s.key(zoneID, code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("codestore: get code: %w", err)
	}

	envelope, err := decodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	expiresAt := time.UnixMilli(envelope.ExpiresAt)
	if s.now().After(expiresAt) {
		// TTL will remove the key shortly; report it gone already.
		return nil, ErrCodeNotFound
	}

	return &Code{
		Code:      code,
		ZoneID:    zoneID,
		Intent:    Intent(envelope.Intent),
		Data:      envelope.Data,
		ExpiresAt: expiresAt,
	}, nil
}

// Redeem consumes the code through the Lua script, so the expiry check,
// intent check and delete happen as one atomic server-side operation.
func (s *RedisStore) Redeem(ctx context.Context, code, zoneID string, expected Intent) (*Code, error) {
	if code == "" || zoneID == "" {
		metrics.CodesRedeemed.WithLabelValues("not_found").Inc()
		return nil, ErrCodeNotFound
	}

	nowMillis := s.now().UnixMilli()
	reply, err := redeemScript.Run(ctx, s.client,
		[]string{s.key(zoneID, code)},
		string(expected), nowMillis,
	).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			metrics.CodesRedeemed.WithLabelValues("not_found").Inc()
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("codestore: redeem script: %w", err)
	}

	parts, ok := reply.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("codestore: unexpected script reply %T", reply)
	}

	switch parts[0] {
	case "expired":
		metrics.CodesRedeemed.WithLabelValues("expired").Inc()
		return nil, ErrCodeExpired
	case "mismatch":
		metrics.CodesRedeemed.WithLabelValues("intent_mismatch").Inc()
		return nil, ErrIntentMismatch
	case "ok":
		if len(parts) != 2 {
			return nil, fmt.Errorf("codestore: unexpected script reply length %d", len(parts))
		}
		raw, ok := parts[1].(string)
		if !ok {
			return nil, fmt.Errorf("codestore: unexpected script value %T", parts[1])
		}

		envelope, err := decodeEnvelope(raw)
		if err != nil {
			return nil, err
		}

		metrics.CodesRedeemed.WithLabelValues("success").Inc()
		return &Code{
			Code:      code,
			ZoneID:    zoneID,
			Intent:    Intent(envelope.Intent),
			Data:      envelope.Data,
			ExpiresAt: time.UnixMilli(envelope.ExpiresAt),
		}, nil
	default:
		return nil, fmt.Errorf("codestore: unexpected script status %v", parts[0])
	}
}

// PurgeExpired is a no-op for Redis: key TTLs already remove expired codes.
func (s *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) key(zoneID, code string) string {
	return redisKeyPrefix + zoneID + ":" + code
}

func decodeEnvelope(raw string) (*redisEnvelope, error) {
	var envelope redisEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("codestore: decode envelope: %w", err)
	}
	return &envelope, nil
}
