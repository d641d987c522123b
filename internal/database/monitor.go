package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/modelgate/modelgate/internal/monitor"
)

const eventGroupColumns = `id, monitor_id, event_group_id, username, metadata, received_at, processed`

// registrationEventGroupID derives the synthetic event group id used for a
// monitor's registration placeholder row. The UNIQUE constraint on the id
// then also guarantees at most one registration per monitor.
func registrationEventGroupID(monitorID string) string {
	return "registration-" + monitorID
}

// RegisterMonitor inserts the processed placeholder row that maps a monitor
// id to a username before any real event arrives. A duplicate registration
// is a no-op reported as false.
func (d *DB) RegisterMonitor(ctx context.Context, username, monitorID string) (bool, error) {
	query := `
	INSERT OR IGNORE INTO monitor_event_groups (monitor_id, event_group_id, username, received_at, processed)
	VALUES (?, ?, ?, ?, 1)
	`

	result, err := d.db.ExecContext(ctx, query, monitorID, registrationEventGroupID(monitorID), username, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to register monitor: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// UsernameForMonitor resolves the user owning a monitor id.
func (d *DB) UsernameForMonitor(ctx context.Context, monitorID string) (string, error) {
	query := `SELECT username FROM monitor_event_groups WHERE monitor_id = ? ORDER BY id LIMIT 1`

	var username string
	err := d.db.QueryRowContext(ctx, query, monitorID).Scan(&username)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", monitor.ErrMonitorNotRegistered
		}
		return "", fmt.Errorf("failed to resolve monitor owner: %w", err)
	}

	return username, nil
}

// SaveEventGroup inserts an event group if its id has not been seen before.
// The UNIQUE constraint deduplicates concurrent duplicate deliveries without
// application-level locking.
func (d *DB) SaveEventGroup(ctx context.Context, group monitor.EventGroup) (bool, error) {
	query := `
	INSERT OR IGNORE INTO monitor_event_groups (monitor_id, event_group_id, username, metadata, received_at, processed)
	VALUES (?, ?, ?, ?, ?, 0)
	`

	var metadata any
	if group.Metadata != "" {
		metadata = group.Metadata
	}

	receivedAt := group.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	result, err := d.db.ExecContext(ctx, query,
		group.MonitorID, group.EventGroupID, group.Username, metadata, receivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to save event group: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// UnprocessedEventGroups returns the user's pending event groups in
// ascending arrival order.
func (d *DB) UnprocessedEventGroups(ctx context.Context, username string) ([]monitor.EventGroup, error) {
	query := `
	SELECT ` + eventGroupColumns + `
	FROM monitor_event_groups
	WHERE username = ? AND processed = 0
	ORDER BY received_at ASC, id ASC
	`

	return d.queryEventGroups(ctx, query, username)
}

// MarkEventGroupProcessed flags an event group so it is never delivered again.
func (d *DB) MarkEventGroupProcessed(ctx context.Context, eventGroupID string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE monitor_event_groups SET processed = 1 WHERE event_group_id = ?`, eventGroupID)
	if err != nil {
		return fmt.Errorf("failed to mark event group processed: %w", err)
	}
	return nil
}

// ListEventGroups retrieves every stored event group, newest first. Used by
// the administrative CLI; event groups are never deleted so this is the
// full audit trail.
func (d *DB) ListEventGroups(ctx context.Context) ([]monitor.EventGroup, error) {
	query := `
	SELECT ` + eventGroupColumns + `
	FROM monitor_event_groups
	ORDER BY received_at DESC, id DESC
	`

	return d.queryEventGroups(ctx, query)
}

// queryEventGroups is a helper to query event group rows.
func (d *DB) queryEventGroups(ctx context.Context, query string, args ...any) ([]monitor.EventGroup, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event groups: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var groups []monitor.EventGroup
	for rows.Next() {
		var group monitor.EventGroup
		var metadata sql.NullString
		var processed int

		if err := rows.Scan(
			&group.ID,
			&group.MonitorID,
			&group.EventGroupID,
			&group.Username,
			&metadata,
			&group.ReceivedAt,
			&processed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event group: %w", err)
		}

		if metadata.Valid {
			group.Metadata = metadata.String
		}
		group.Processed = processed != 0

		groups = append(groups, group)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event groups: %w", err)
	}

	return groups, nil
}
