package monitor

import (
	"context"
	"errors"
	"time"
)

// ErrMonitorNotRegistered is returned when a monitor id has no owning user.
var ErrMonitorNotRegistered = errors.New("monitor not registered")

// EventGroup is one stored webhook delivery: a batch of monitor events
// identified by the upstream service, waiting to be fetched and delivered
// to its owning user.
//
// A monitor registration is stored as a degenerate EventGroup with
// Processed set from creation, so it establishes the monitor-to-user
// mapping without ever appearing in pull queries.
type EventGroup struct {
	ID           int64
	MonitorID    string
	EventGroupID string
	Username     string
	Metadata     string // opaque JSON blob from the webhook, may be empty
	ReceivedAt   time.Time
	Processed    bool
}

// Store is the durable event-group table consumed by the Bridge. Uniqueness
// of the event group id is the store's concurrency primitive: duplicate
// webhook deliveries are deduplicated by the insert, not by locking.
type Store interface {
	// RegisterMonitor inserts the processed placeholder row mapping a
	// monitor id to a username. It reports false when the monitor was
	// already registered (a no-op, not an error).
	RegisterMonitor(ctx context.Context, username, monitorID string) (bool, error)

	// UsernameForMonitor resolves the user owning a monitor id, or
	// ErrMonitorNotRegistered.
	UsernameForMonitor(ctx context.Context, monitorID string) (string, error)

	// SaveEventGroup inserts an event group if its id has not been seen
	// before. It reports false for a duplicate delivery.
	SaveEventGroup(ctx context.Context, group EventGroup) (bool, error)

	// UnprocessedEventGroups returns the user's pending event groups in
	// ascending arrival order.
	UnprocessedEventGroups(ctx context.Context, username string) ([]EventGroup, error)

	// MarkEventGroupProcessed flags a group so it is never delivered again.
	MarkEventGroupProcessed(ctx context.Context, eventGroupID string) error
}

// UserChecker verifies that a username refers to an existing credential.
// Registration requires a currently known user; the check happens before
// insert rather than through an engine-enforced foreign key.
type UserChecker interface {
	UsernameExists(ctx context.Context, username string) (bool, error)
}
