// Package auth implements bearer credential validation and the per-day
// quota gate applied to every inbound request.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	// ExpiryLayout is the format credential expiries are stored in,
	// interpreted in the server's local time zone.
	ExpiryLayout = "2006-01-02 15:04:05"

	// DayLayout is the calendar-date format used for daily quota windows.
	DayLayout = "2006-01-02"
)

// ErrCredentialNotFound is returned by a Store when no credential exists
// for the given token.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is a bearer token together with its owner and quota state.
type Credential struct {
	Token                string
	Username             string
	Expiry               string // ExpiryLayout, server-local time
	DailyRequestCount    int
	DailyRateLimit       int
	LastRequestDate      string // DayLayout; empty if never used
	LifetimeRequestCount int
	CreatedAt            time.Time
}

// ExpiresAt parses the credential expiry in the server's local time zone.
func (c *Credential) ExpiresAt() (time.Time, error) {
	return time.ParseInLocation(ExpiryLayout, c.Expiry, time.Local)
}

// Store is the credential persistence consumed by the Validator. The store
// owns the credentials table; the validator never touches storage directly.
type Store interface {
	// GetCredential retrieves a credential by its token string.
	GetCredential(ctx context.Context, token string) (Credential, error)

	// RecordRequest atomically counts one accepted request against the
	// credential: the daily count is incremented if day matches the stored
	// last request date and restarted at one otherwise, and the lifetime
	// count is incremented.
	RecordRequest(ctx context.Context, token, day string) error
}

// Outcome classifies the result of validating a token.
type Outcome int

const (
	// Rejected means the token is empty, unknown, malformed, or expired.
	Rejected Outcome = iota
	// RateLimited means the token is valid but over its daily quota.
	RateLimited
	// Accepted means the request was counted and may proceed.
	Accepted
)

// String returns a human-readable outcome name.
func (o Outcome) String() string {
	switch o {
	case RateLimited:
		return "rate_limited"
	case Accepted:
		return "accepted"
	default:
		return "rejected"
	}
}

// Result is the decision produced by Validate. Username is set for
// RateLimited and Accepted outcomes.
type Result struct {
	Outcome  Outcome
	Username string
}

// Validator checks tokens against a credential Store and enforces the
// per-day request quota.
//
// The read-modify-write of the quota counter is serialized by a validator
// mutex so that two concurrent requests with the same token never both
// observe the pre-increment count. At the gateway's scale a single lock is
// sufficient; the counting statement itself is also atomic in SQL, so a
// lost update cannot slip through even across validators sharing a store.
type Validator struct {
	store Store
	mu    sync.Mutex
	now   func() time.Time
}

// NewValidator creates a Validator backed by the given store.
func NewValidator(store Store) *Validator {
	return &Validator{store: store, now: time.Now}
}

// Validate decides whether the request carrying the given token may proceed.
//
// Rejection covers empty, unknown, unparseable-expiry, and expired tokens.
// A rate-limited probe mutates nothing: neither the daily nor the lifetime
// counter is advanced. Only an Accepted outcome persists state.
func (v *Validator) Validate(ctx context.Context, token string) (Result, error) {
	if token == "" {
		return Result{Outcome: Rejected}, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	cred, err := v.store.GetCredential(ctx, token)
	if err != nil {
		if errors.Is(err, ErrCredentialNotFound) {
			return Result{Outcome: Rejected}, nil
		}
		return Result{}, err
	}

	now := v.now()

	expiresAt, err := cred.ExpiresAt()
	if err != nil {
		// An unparseable expiry makes the credential unusable rather than
		// granting it unbounded life.
		return Result{Outcome: Rejected}, nil
	}
	if !expiresAt.After(now) {
		return Result{Outcome: Rejected}, nil
	}

	// The daily counter resets on the first request of a new calendar day.
	// The reset is only persisted on the next accepted write, not eagerly.
	today := now.Format(DayLayout)
	count := cred.DailyRequestCount
	if cred.LastRequestDate != today {
		count = 0
	}

	if cred.DailyRateLimit > 0 && count >= cred.DailyRateLimit {
		return Result{Outcome: RateLimited, Username: cred.Username}, nil
	}

	if err := v.store.RecordRequest(ctx, token, today); err != nil {
		return Result{}, err
	}

	return Result{Outcome: Accepted, Username: cred.Username}, nil
}
