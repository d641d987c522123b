package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	creds     map[string]Credential
	failOnGet bool
}

func newMockStore() *mockStore {
	return &mockStore{creds: make(map[string]Credential)}
}

func (m *mockStore) GetCredential(ctx context.Context, token string) (Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOnGet {
		return Credential{}, errors.New("mock store failure")
	}
	cred, ok := m.creds[token]
	if !ok {
		return Credential{}, ErrCredentialNotFound
	}
	return cred, nil
}

func (m *mockStore) RecordRequest(ctx context.Context, token, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[token]
	if !ok {
		return ErrCredentialNotFound
	}
	if cred.LastRequestDate == day {
		cred.DailyRequestCount++
	} else {
		cred.DailyRequestCount = 1
	}
	cred.LastRequestDate = day
	cred.LifetimeRequestCount++
	m.creds[token] = cred
	return nil
}

func (m *mockStore) add(cred Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[cred.Token] = cred
}

func (m *mockStore) get(token string) Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds[token]
}

func validCredential(token string) Credential {
	return Credential{
		Token:          token,
		Username:       "alice",
		Expiry:         time.Now().Add(24 * time.Hour).Format(ExpiryLayout),
		DailyRateLimit: 100,
	}
}

func newTestValidator(store Store, now time.Time) *Validator {
	v := NewValidator(store)
	v.now = func() time.Time { return now }
	return v
}

func TestValidateEmptyToken(t *testing.T) {
	v := NewValidator(newMockStore())
	result, err := v.Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
}

func TestValidateUnknownToken(t *testing.T) {
	v := NewValidator(newMockStore())
	result, err := v.Validate(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
}

func TestValidateStoreFailure(t *testing.T) {
	store := newMockStore()
	store.failOnGet = true
	v := NewValidator(store)
	_, err := v.Validate(context.Background(), "tok")
	assert.Error(t, err)
}

func TestValidateExpiredToken(t *testing.T) {
	store := newMockStore()
	cred := validCredential("tok")
	cred.Expiry = time.Now().Add(-time.Hour).Format(ExpiryLayout)
	store.add(cred)

	v := NewValidator(store)
	result, err := v.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome)
}

func TestValidateUnparseableExpiry(t *testing.T) {
	store := newMockStore()
	cred := validCredential("tok")
	cred.Expiry = "not-a-date"
	store.add(cred)

	v := NewValidator(store)
	result, err := v.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, Rejected, result.Outcome, "unparseable expiry must not grant access")
}

func TestValidateAcceptedCountsRequest(t *testing.T) {
	store := newMockStore()
	store.add(validCredential("tok"))

	v := NewValidator(store)
	result, err := v.Validate(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)
	assert.Equal(t, "alice", result.Username)

	after := store.get("tok")
	assert.Equal(t, 1, after.DailyRequestCount)
	assert.Equal(t, 1, after.LifetimeRequestCount)
	assert.Equal(t, time.Now().Format(DayLayout), after.LastRequestDate)
}

func TestValidateQuotaCeiling(t *testing.T) {
	store := newMockStore()
	cred := validCredential("tok")
	cred.DailyRateLimit = 3
	store.add(cred)

	v := NewValidator(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, Accepted, result.Outcome, "request %d should be accepted", i+1)
	}

	result, err := v.Validate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, RateLimited, result.Outcome)
	assert.Equal(t, "alice", result.Username)
}

func TestValidateRateLimitedMutatesNothing(t *testing.T) {
	store := newMockStore()
	cred := validCredential("tok")
	cred.DailyRateLimit = 1
	store.add(cred)

	v := NewValidator(store)
	ctx := context.Background()

	_, err := v.Validate(ctx, "tok")
	require.NoError(t, err)
	before := store.get("tok")

	for i := 0; i < 5; i++ {
		result, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, RateLimited, result.Outcome)
	}

	after := store.get("tok")
	assert.Equal(t, before.DailyRequestCount, after.DailyRequestCount)
	assert.Equal(t, before.LifetimeRequestCount, after.LifetimeRequestCount,
		"rate-limited probes must not advance the lifetime count")
}

func TestValidateDayRollover(t *testing.T) {
	store := newMockStore()
	cred := validCredential("tok")
	cred.DailyRateLimit = 2
	cred.Expiry = "2030-01-01 00:00:00"
	store.add(cred)

	day1 := time.Date(2026, 8, 29, 12, 0, 0, 0, time.Local)
	v := newTestValidator(store, day1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		result, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		require.Equal(t, Accepted, result.Outcome)
	}
	result, err := v.Validate(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, RateLimited, result.Outcome)

	// Next calendar day: the quota window resets lazily.
	v.now = func() time.Time { return day1.Add(24 * time.Hour) }
	result, err = v.Validate(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, Accepted, result.Outcome)

	after := store.get("tok")
	assert.Equal(t, 1, after.DailyRequestCount)
	assert.Equal(t, 3, after.LifetimeRequestCount)
}

func TestValidateConcurrentNoOvercount(t *testing.T) {
	store := newMockStore()
	cred := validCredential("tok")
	cred.DailyRateLimit = 50
	store.add(cred)

	v := NewValidator(store)
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := v.Validate(ctx, "tok")
			if err != nil {
				return
			}
			if result.Outcome == Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, accepted, "exactly the quota may be accepted")
	assert.Equal(t, 50, store.get("tok").DailyRequestCount)
}

func TestValidateZeroLimitMeansUnlimited(t *testing.T) {
	store := newMockStore()
	cred := validCredential("tok")
	cred.DailyRateLimit = 0
	store.add(cred)

	v := NewValidator(store)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		result, err := v.Validate(ctx, "tok")
		require.NoError(t, err)
		assert.Equal(t, Accepted, result.Outcome)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "rejected", Rejected.String())
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "accepted", Accepted.String())
}
