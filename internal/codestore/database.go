package codestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/models"
	"github.com/zonegate/zonegate/pkg/crypto"
	"github.com/zonegate/zonegate/pkg/logger"
	"github.com/zonegate/zonegate/pkg/metrics"
)

const (
	defaultCodeBytes   = crypto.DefaultCodeBytes
	defaultMaxAttempts = 3
)

// DatabaseOption customises DatabaseStore behaviour.
type DatabaseOption func(*DatabaseStore)

// WithCodeLength adjusts the random code length in bytes.
func WithCodeLength(length int) DatabaseOption {
	return func(s *DatabaseStore) {
		if length > 0 {
			s.codeLength = length
		}
	}
}

// WithMaxAttempts bounds the collision retry inside Generate.
func WithMaxAttempts(attempts int) DatabaseOption {
	return func(s *DatabaseStore) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// WithClock injects a custom clock primarily for testing.
func WithClock(clock func() time.Time) DatabaseOption {
	return func(s *DatabaseStore) {
		if clock != nil {
			s.now = clock
		}
	}
}

// DatabaseStore persists expiring codes in the relational schema. The
// (code, zone_id) composite primary key provides the uniqueness constraint
// that collision retries and zone isolation rest on.
type DatabaseStore struct {
	db          *gorm.DB
	codeLength  int
	maxAttempts int
	now         func() time.Time
	log         *zap.Logger
}

// NewDatabaseStore constructs a DatabaseStore with the provided dependencies.
func NewDatabaseStore(db *gorm.DB, opts ...DatabaseOption) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("codestore: db is required")
	}

	store := &DatabaseStore{
		db:          db,
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

// Generate mints a code and inserts it as a new row. A uniqueness conflict
// means the freshly generated code already exists in the zone; the insert is
// retried with a new code a bounded number of times before giving up.
func (s *DatabaseStore) Generate(ctx context.Context, zoneID string, intent Intent, data CodeData, expiresAt time.Time) (*Code, error) {
	if zoneID == "" {
		return nil, errors.New("codestore: zone id is required")
	}
	if intent == "" {
		return nil, errors.New("codestore: intent is required")
	}
	if !expiresAt.After(s.now()) {
		return nil, errors.New("codestore: expiry must be in the future")
	}

	encoded, err := data.Encode()
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		token, err := crypto.GenerateToken(s.codeLength)
		if err != nil {
			return nil, fmt.Errorf("codestore: generate token: %w", err)
		}

		row := models.ExpiringCode{
			Code:      token,
			ZoneID:    zoneID,
			Intent:    string(intent),
			Data:      encoded,
			ExpiresAt: expiresAt,
		}

		err = s.db.WithContext(ctx).Create(&row).Error
		if err == nil {
			metrics.CodesIssued.WithLabelValues(string(intent)).Inc()
			return &Code{
				Code:      row.Code,
				ZoneID:    row.ZoneID,
				Intent:    intent,
				Data:      data,
				ExpiresAt: row.ExpiresAt,
			}, nil
		}

		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("codestore: insert code: %w", err)
		}

		// A collision on a 256-bit token should effectively never happen.
		s.log.Warn("generated code collided, retrying",
			zap.String("zone_id", zoneID),
			zap.Int("attempt", attempt),
		)
	}

	return nil, ErrGenerationExhausted
}

// Retrieve returns the code without consuming it. Expired codes are treated
// as not found and purged opportunistically.
func (s *DatabaseStore) Retrieve(ctx context.Context, code, zoneID string) (*Code, error) {
	row, err := s.find(ctx, code, zoneID)
	if err != nil {
		return nil, err
	}

	if row.Expired(s.now()) {
		s.deleteRow(ctx, code, zoneID)
		return nil, ErrCodeNotFound
	}

	return toCode(row)
}

// Redeem consumes the code. The single conditional delete keyed on
// (code, zone_id) is the atomic decision point: of any set of racing
// redeemers, exactly one observes RowsAffected == 1.
func (s *DatabaseStore) Redeem(ctx context.Context, code, zoneID string, expected Intent) (*Code, error) {
	row, err := s.find(ctx, code, zoneID)
	if err != nil {
		metrics.CodesRedeemed.WithLabelValues("not_found").Inc()
		return nil, err
	}

	if row.Expired(s.now()) {
		s.deleteRow(ctx, code, zoneID)
		metrics.CodesRedeemed.WithLabelValues("expired").Inc()
		return nil, ErrCodeExpired
	}

	if expected != "" && Intent(row.Intent) != expected {
		metrics.CodesRedeemed.WithLabelValues("intent_mismatch").Inc()
		return nil, ErrIntentMismatch
	}

	result := s.db.WithContext(ctx).
		Where("code = ? AND zone_id = ?", code, zoneID).
		Delete(&models.ExpiringCode{})
	if result.Error != nil {
		return nil, fmt.Errorf("codestore: consume code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost the race to a concurrent redeemer.
		metrics.CodesRedeemed.WithLabelValues("not_found").Inc()
		return nil, ErrCodeNotFound
	}

	metrics.CodesRedeemed.WithLabelValues("success").Inc()
	return toCode(row)
}

// PurgeExpired removes all rows past their expiry.
func (s *DatabaseStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.ExpiringCode{})
	if result.Error != nil {
		return 0, fmt.Errorf("codestore: purge expired: %w", result.Error)
	}

	metrics.CodesPurged.Add(float64(result.RowsAffected))
	return result.RowsAffected, nil
}

func (s *DatabaseStore) find(ctx context.Context, code, zoneID string) (*models.ExpiringCode, error) {
	if code == "" || zoneID == "" {
		return nil, ErrCodeNotFound
	}

	var row models.ExpiringCode
	err := s.db.WithContext(ctx).
		Where("code = ? AND zone_id = ?", code, zoneID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCodeNotFound
		}
		return nil, fmt.Errorf("codestore: find code: %w", err)
	}

	return &row, nil
}

func (s *DatabaseStore) deleteRow(ctx context.Context, code, zoneID string) {
	if err := s.db.WithContext(ctx).
		Where("code = ? AND zone_id = ?", code, zoneID).
		Delete(&models.ExpiringCode{}).Error; err != nil {
		s.log.Warn("failed to purge expired code", zap.Error(err))
	}
}

func toCode(row *models.ExpiringCode) (*Code, error) {
	data, err := DecodeData(row.Data)
	if err != nil {
		return nil, err
	}

	return &Code{
		Code:      row.Code,
		ZoneID:    row.ZoneID,
		Intent:    Intent(row.Intent),
		Data:      data,
		ExpiresAt: row.ExpiresAt,
	}, nil
}

// isUniqueViolation detects database uniqueness constraint violations across vendors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") ||
		strings.Contains(lower, "duplicate") ||
		strings.Contains(lower, "constraint")
}
