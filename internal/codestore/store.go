// Package codestore issues and redeems expiring codes: single-use,
// time-bounded opaque tokens bound to a tenant zone and an intent.
//
// Two backends are provided. The database store keeps codes in the relational
// schema and relies on a conditional delete for one-time consumption; the
// Redis store relies on SETNX and a small Lua script for the same guarantees.
package codestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Intent is the declared purpose of a code. Redemption must name the intent
// it expects, preventing a code minted for one flow from driving another.
type Intent string

const (
	IntentInvitation        Intent = "invitation"
	IntentPasswordReset     Intent = "password_reset"
	IntentRegistration      Intent = "registration"
	IntentEmailVerification Intent = "email_verification"
)

var (
	// ErrCodeNotFound covers absent codes, codes owned by another zone and,
	// on the retrieve path, codes past their expiry.
	ErrCodeNotFound = errors.New("codestore: code not found")
	// ErrCodeExpired is returned by Redeem when the code exists but its
	// expiry has passed. The row is purged as a side effect.
	ErrCodeExpired = errors.New("codestore: code expired")
	// ErrIntentMismatch is returned when the stored intent differs from the
	// caller's expectation. The code is left intact and stays redeemable
	// under the correct intent.
	ErrIntentMismatch = errors.New("codestore: intent mismatch")
	// ErrGenerationExhausted signals that the bounded collision retry inside
	// Generate ran out of attempts. With 256-bit codes this implies the
	// entropy assumption was violated and is logged as anomalous.
	ErrGenerationExhausted = errors.New("codestore: code generation attempts exhausted")
)

// CodeData is the payload carried by a code: a flat string-keyed map,
// serialized to a single text value. The store never interprets it.
type CodeData map[string]string

// Encode serializes the payload for storage.
func (d CodeData) Encode() (string, error) {
	if d == nil {
		d = CodeData{}
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("codestore: encode data: %w", err)
	}
	return string(raw), nil
}

// DecodeData parses a stored payload back into its flat map form.
func DecodeData(raw string) (CodeData, error) {
	if raw == "" {
		return CodeData{}, nil
	}
	var data CodeData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("codestore: decode data: %w", err)
	}
	return data, nil
}

// Code is the issued token together with its metadata.
type Code struct {
	Code      string
	ZoneID    string
	Intent    Intent
	Data      CodeData
	ExpiresAt time.Time
}

// Store persists expiring codes and redeems them at most once each.
//
// Implementations must be safe under arbitrary concurrent Generate and
// Redeem calls: two redeemers racing on the same code see exactly one
// success, and colliding Generate calls retry with a fresh code.
type Store interface {
	// Generate mints a fresh unguessable code for the zone and stores it with
	// the supplied intent, payload and absolute expiry.
	Generate(ctx context.Context, zoneID string, intent Intent, data CodeData, expiresAt time.Time) (*Code, error)

	// Retrieve returns the code without consuming it. Expired or absent codes
	// yield ErrCodeNotFound.
	Retrieve(ctx context.Context, code, zoneID string) (*Code, error)

	// Redeem consumes the code and returns its payload. Exactly one of any
	// set of concurrent callers succeeds; the rest observe ErrCodeNotFound.
	Redeem(ctx context.Context, code, zoneID string, expected Intent) (*Code, error)

	// PurgeExpired removes codes whose expiry has passed. This is advisory
	// cleanup: correctness comes from the expiry check on every read.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
