// Package monitor implements the asynchronous event bridge between the
// upstream monitor service and the gateway's users: webhook ingestion,
// monitor registration, and on-demand delivery of pending event groups as
// a normalized chat-completion stream.
package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/api"
)

// UpdatesModel is the reserved pseudo-model that routes a chat completion
// request to the monitor bridge instead of an LLM provider.
const UpdatesModel = "updates"

// updateKeywords is the vocabulary that marks a message as a monitor pull
// when combined with the updates pseudo-model.
var updateKeywords = []string{"update", "news", "latest", "monitor"}

// Cadences accepted by the upstream monitor service.
var validCadences = map[string]bool{
	"hourly": true,
	"daily":  true,
	"weekly": true,
}

var (
	// ErrUnknownUser is returned when registering a monitor for a username
	// with no credential.
	ErrUnknownUser = errors.New("unknown user")
	// ErrInvalidCadence is returned for a cadence outside hourly/daily/weekly.
	ErrInvalidCadence = errors.New("invalid cadence")
)

// IsPullRequest reports whether a chat request addresses the monitor bridge:
// the reserved pseudo-model plus at least one update keyword anywhere in the
// message contents (case-insensitive substring match).
func IsPullRequest(model string, messages []api.Message) bool {
	if model != UpdatesModel {
		return false
	}
	for _, msg := range messages {
		content := strings.ToLower(msg.Content)
		for _, keyword := range updateKeywords {
			if strings.Contains(content, keyword) {
				return true
			}
		}
	}
	return false
}

// Config holds the upstream monitor service settings.
type Config struct {
	// BaseURL is the monitor service API base, e.g.
	// "https://api.parallel.ai/v1alpha".
	BaseURL string
	// APIKey authenticates against the monitor service.
	APIKey string
	// WebhookURL is the callback URL advertised when creating a monitor.
	WebhookURL string
	// Client is the outbound HTTP client; nil falls back to
	// http.DefaultClient.
	Client *http.Client
}

// Bridge connects webhook deliveries, the durable event-group store, and
// the pull/stream delivery path.
type Bridge struct {
	store      Store
	users      UserChecker
	client     *http.Client
	baseURL    string
	apiKey     string
	webhookURL string
	logger     *zap.Logger
}

// NewBridge creates a Bridge.
func NewBridge(store Store, users UserChecker, cfg Config, logger *zap.Logger) *Bridge {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		store:      store,
		users:      users,
		client:     client,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		webhookURL: cfg.WebhookURL,
		logger:     logger,
	}
}

// WebhookPayload is the body delivered by the upstream monitor service.
type WebhookPayload struct {
	Data struct {
		MonitorID string `json:"monitor_id"`
		Event     struct {
			EventGroupID string `json:"event_group_id"`
		} `json:"event"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"data"`
}

// IngestWebhook persists one webhook delivery. It never fails toward the
// sender: malformed payloads and events for unregistered monitors are
// logged and dropped, because a non-success response would only provoke
// delivery retries. Duplicate deliveries are deduplicated by the store's
// uniqueness constraint.
func (b *Bridge) IngestWebhook(ctx context.Context, body []byte) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		b.logger.Warn("dropping malformed monitor webhook", zap.Error(err))
		return
	}

	monitorID := payload.Data.MonitorID
	eventGroupID := payload.Data.Event.EventGroupID
	if monitorID == "" || eventGroupID == "" {
		b.logger.Warn("dropping monitor webhook with missing identifiers",
			zap.String("monitor_id", monitorID),
			zap.String("event_group_id", eventGroupID))
		return
	}

	// The payload does not carry the username; it is resolved from the
	// registration stored when the monitor was created.
	username, err := b.store.UsernameForMonitor(ctx, monitorID)
	if err != nil {
		if errors.Is(err, ErrMonitorNotRegistered) {
			b.logger.Info("dropping event for unregistered monitor",
				zap.String("monitor_id", monitorID),
				zap.String("event_group_id", eventGroupID))
		} else {
			b.logger.Error("failed to resolve monitor owner", zap.Error(err),
				zap.String("monitor_id", monitorID))
		}
		return
	}

	var metadata string
	if payload.Data.Metadata != nil {
		if raw, err := json.Marshal(payload.Data.Metadata); err == nil {
			metadata = string(raw)
		}
	}

	inserted, err := b.store.SaveEventGroup(ctx, EventGroup{
		MonitorID:    monitorID,
		EventGroupID: eventGroupID,
		Username:     username,
		Metadata:     metadata,
		ReceivedAt:   time.Now().UTC(),
	})
	if err != nil {
		b.logger.Error("failed to save event group", zap.Error(err),
			zap.String("event_group_id", eventGroupID))
		return
	}

	if !inserted {
		b.logger.Debug("ignoring duplicate event group delivery",
			zap.String("event_group_id", eventGroupID))
		return
	}

	b.logger.Info("stored monitor event group",
		zap.String("monitor_id", monitorID),
		zap.String("event_group_id", eventGroupID),
		zap.String("username", username))
}

// RegisterMonitor maps a monitor id to a username so later webhook
// deliveries can be attributed. The username must belong to an existing
// credential; a duplicate registration is a no-op success.
func (b *Bridge) RegisterMonitor(ctx context.Context, username, monitorID string) error {
	exists, err := b.users.UsernameExists(ctx, username)
	if err != nil {
		return fmt.Errorf("failed to check username: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}

	inserted, err := b.store.RegisterMonitor(ctx, username, monitorID)
	if err != nil {
		return err
	}
	if !inserted {
		b.logger.Debug("monitor already registered", zap.String("monitor_id", monitorID))
	}
	return nil
}

// CreatedMonitor is the upstream response for a monitor creation.
type CreatedMonitor struct {
	MonitorID string `json:"monitor_id"`
	Status    string `json:"status,omitempty"`
}

// CreateMonitor creates a standing query on the upstream monitor service,
// pointing its webhook at this gateway, and registers the returned monitor
// id to the requesting user.
func (b *Bridge) CreateMonitor(ctx context.Context, username, query, cadence string) (*CreatedMonitor, error) {
	if !validCadences[cadence] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCadence, cadence)
	}
	exists, err := b.users.UsernameExists(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, username)
	}

	payload := map[string]any{
		"query":   query,
		"cadence": cadence,
		"webhook": map[string]any{
			"url":         b.webhookURL,
			"event_types": []string{"monitor.event.detected"},
		},
		// The username travels in the monitor metadata so the mapping can
		// be reconstructed from the upstream side if ever needed.
		"metadata": map[string]string{"username": username},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal monitor request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		b.baseURL+"/monitors", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("monitor service request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read monitor service response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("monitor service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var created CreatedMonitor
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("failed to parse monitor service response: %w", err)
	}
	if created.MonitorID == "" {
		return nil, fmt.Errorf("monitor service response carries no monitor_id")
	}

	if err := b.RegisterMonitor(ctx, username, created.MonitorID); err != nil {
		return nil, err
	}

	b.logger.Info("created monitor",
		zap.String("monitor_id", created.MonitorID),
		zap.String("username", username),
		zap.String("cadence", cadence))

	return &created, nil
}

// monitorEvent is one event inside a fetched group.
type monitorEvent struct {
	DetectedAt  string   `json:"detected_at"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	SourceURLs  []string `json:"source_urls"`
}

type monitorEventsResponse struct {
	Events []monitorEvent `json:"events"`
}

// fetchEvents retrieves the events of one group from the upstream monitor
// service.
func (b *Bridge) fetchEvents(ctx context.Context, group EventGroup) ([]monitorEvent, error) {
	endpoint := fmt.Sprintf("%s/monitors/%s/events?event_group_id=%s",
		b.baseURL, url.PathEscape(group.MonitorID), url.QueryEscape(group.EventGroupID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create events request: %w", err)
	}
	httpReq.Header.Set("x-api-key", b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("monitor service request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read monitor service response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("monitor service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var events monitorEventsResponse
	if err := json.Unmarshal(respBody, &events); err != nil {
		return nil, fmt.Errorf("failed to parse monitor events: %w", err)
	}

	return events.Events, nil
}

// formatEvent renders one monitor event as the text of a streaming chunk.
func formatEvent(ev monitorEvent) string {
	var sb strings.Builder
	if ev.DetectedAt != "" {
		sb.WriteString("[" + ev.DetectedAt + "] ")
	}
	if ev.Title != "" {
		sb.WriteString(ev.Title)
		if ev.Description != "" {
			sb.WriteString(": ")
		}
	}
	sb.WriteString(ev.Description)
	if len(ev.SourceURLs) > 0 {
		sb.WriteString("\nSources: " + strings.Join(ev.SourceURLs, ", "))
	}
	sb.WriteString("\n\n")
	return sb.String()
}

// PullEvents delivers the user's pending event groups as a normalized
// chat-completion-chunk stream ending with the terminal frame.
//
// Each group is fetched from the upstream monitor service and marked
// processed only after its events were fully emitted, so a canceled or
// failed delivery leaves the group pending for a later retry. A fetch
// failure yields an inline error chunk and does not abort the remaining
// groups.
func (b *Bridge) PullEvents(ctx context.Context, username string) (<-chan []byte, error) {
	groups, err := b.store.UnprocessedEventGroups(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending event groups: %w", err)
	}

	ch := make(chan []byte)

	go func() {
		defer close(ch)

		id := "monitor-" + uuid.NewString()

		if len(groups) == 0 {
			if !b.emitChunk(ctx, ch, id, "No new monitor updates.") {
				return
			}
		}

		for _, group := range groups {
			events, err := b.fetchEvents(ctx, group)
			if err != nil {
				b.logger.Warn("failed to fetch monitor events, leaving group pending",
					zap.Error(err), zap.String("event_group_id", group.EventGroupID))
				if !b.emitChunk(ctx, ch, id,
					fmt.Sprintf("Error fetching monitor events for group %s: %v\n\n", group.EventGroupID, err)) {
					return
				}
				continue
			}

			for _, ev := range events {
				if !b.emitChunk(ctx, ch, id, formatEvent(ev)) {
					return
				}
			}

			// Marked only after the full group went out; an aborted delivery
			// leaves it pending for the next pull.
			if err := b.store.MarkEventGroupProcessed(ctx, group.EventGroupID); err != nil {
				b.logger.Error("failed to mark event group processed",
					zap.Error(err), zap.String("event_group_id", group.EventGroupID))
			}
		}

		stop := "stop"
		if frame, err := api.SSEFrame(api.NewChunk(id, UpdatesModel, api.Delta{}, &stop)); err == nil {
			select {
			case ch <- frame:
			case <-ctx.Done():
				return
			}
		}

		select {
		case ch <- api.DoneFrame():
		case <-ctx.Done():
		}
	}()

	return ch, nil
}

// emitChunk sends one content chunk, reporting false when the caller has
// gone away.
func (b *Bridge) emitChunk(ctx context.Context, ch chan<- []byte, id, content string) bool {
	frame, err := api.SSEFrame(api.NewChunk(id, UpdatesModel, api.Delta{Content: content}, nil))
	if err != nil {
		return true
	}
	select {
	case ch <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}
