package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/modelgate/modelgate/internal/auth"
)

// ErrCredentialExists is returned when inserting a token that already exists.
var ErrCredentialExists = errors.New("credential already exists")

const credentialColumns = `token, username, expiry, daily_request_count, daily_rate_limit,
	last_request_date, lifetime_request_count, created_at`

// GetCredential retrieves a credential by its token string.
func (d *DB) GetCredential(ctx context.Context, token string) (auth.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE token = ?`

	var cred auth.Credential
	err := d.db.QueryRowContext(ctx, query, token).Scan(
		&cred.Token,
		&cred.Username,
		&cred.Expiry,
		&cred.DailyRequestCount,
		&cred.DailyRateLimit,
		&cred.LastRequestDate,
		&cred.LifetimeRequestCount,
		&cred.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return auth.Credential{}, auth.ErrCredentialNotFound
		}
		return auth.Credential{}, fmt.Errorf("failed to get credential: %w", err)
	}

	return cred, nil
}

// RecordRequest counts one accepted request against a credential, inside a
// transaction. The CASE expression makes the day-rollover reset and the
// increment a single atomic statement, so concurrent writers cannot
// under-count usage.
func (d *DB) RecordRequest(ctx context.Context, token, day string) error {
	query := `
	UPDATE credentials
	SET daily_request_count = CASE WHEN last_request_date = ? THEN daily_request_count + 1 ELSE 1 END,
	    last_request_date = ?,
	    lifetime_request_count = lifetime_request_count + 1
	WHERE token = ?
	`

	return d.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query, day, day, token)
		if err != nil {
			return fmt.Errorf("failed to record request: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return auth.ErrCredentialNotFound
		}

		return nil
	})
}

// InsertCredential creates a new credential.
func (d *DB) InsertCredential(ctx context.Context, cred auth.Credential) error {
	query := `
	INSERT INTO credentials (token, username, expiry, daily_request_count, daily_rate_limit,
		last_request_date, lifetime_request_count)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := d.db.ExecContext(
		ctx,
		query,
		cred.Token,
		cred.Username,
		cred.Expiry,
		cred.DailyRequestCount,
		cred.DailyRateLimit,
		cred.LastRequestDate,
		cred.LifetimeRequestCount,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("failed to insert credential: %w", err)
	}

	return nil
}

// DeleteCredential revokes a credential. Deleting an unknown token returns
// auth.ErrCredentialNotFound.
func (d *DB) DeleteCredential(ctx context.Context, token string) error {
	result, err := d.db.ExecContext(ctx, `DELETE FROM credentials WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return auth.ErrCredentialNotFound
	}

	return nil
}

// ListCredentials retrieves all credentials ordered by creation time.
func (d *DB) ListCredentials(ctx context.Context) ([]auth.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials ORDER BY created_at DESC`

	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var creds []auth.Credential
	for rows.Next() {
		var cred auth.Credential
		if err := rows.Scan(
			&cred.Token,
			&cred.Username,
			&cred.Expiry,
			&cred.DailyRequestCount,
			&cred.DailyRateLimit,
			&cred.LastRequestDate,
			&cred.LifetimeRequestCount,
			&cred.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return creds, nil
}

// UsernameExists reports whether any credential belongs to the given user.
func (d *DB) UsernameExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE username = ?`, username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return count > 0, nil
}
