// Package alert delivers cost alerts to an optional webhook and records every
// alert in the store, whether or not delivery succeeded.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-costintel/internal/db"
	"github.com/kubilitics/kubilitics-costintel/internal/metrics"
	"github.com/kubilitics/kubilitics-costintel/internal/models"
)

// DefaultTimeout bounds a single webhook POST.
const DefaultTimeout = 5 * time.Second

// ErrNoEndpoint is returned by deliver when no webhook URL is configured.
var ErrNoEndpoint = errors.New("no webhook endpoint configured")

// Alert is an outbound notification before delivery.
type Alert struct {
	Kind       string
	EntityID   string
	ResourceID string
	Provider   string
	Metric     string
	Severity   string
	Message    string
	// Payload is marshalled to JSON once; the same bytes are posted and stored.
	Payload interface{}
}

// DeliveryOutcome is how an alert left the process.
type DeliveryOutcome struct {
	Via    string
	Status string
}

var (
	delivered   = DeliveryOutcome{Via: models.DeliveredViaWebhook, Status: models.AlertStatusDelivered}
	undelivered = DeliveryOutcome{Via: models.DeliveredViaNone, Status: models.AlertStatusCreated}
)

// Dispatcher posts alerts to a webhook and persists them.
type Dispatcher struct {
	store      db.AlertStore
	webhookURL string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates a Dispatcher. An empty webhookURL disables delivery;
// alerts are still recorded.
func NewDispatcher(store db.AlertStore, webhookURL string, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		store:      store,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		timeout:    DefaultTimeout,
		logger:     logger.Named("alert"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dispatch attempts delivery and always persists the alert. Delivery failures
// only change DeliveredVia and Status; the returned error is non-nil only when
// the payload cannot be encoded or the record cannot be stored.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) (models.AlertRecord, error) {
	body, err := json.Marshal(a.Payload)
	if err != nil {
		return models.AlertRecord{}, fmt.Errorf("encode alert payload: %w", err)
	}

	outcome, err := d.deliver(ctx, body)
	if err != nil {
		if !errors.Is(err, ErrNoEndpoint) {
			d.logger.Warn("webhook delivery failed",
				zap.String("kind", a.Kind),
				zap.String("entity_id", a.EntityID),
				zap.Error(err),
			)
		}
		outcome = undelivered
	}

	rec := models.AlertRecord{
		ID:           uuid.New(),
		Kind:         a.Kind,
		EntityID:     a.EntityID,
		ResourceID:   a.ResourceID,
		Provider:     a.Provider,
		Metric:       a.Metric,
		Severity:     a.Severity,
		Message:      a.Message,
		Payload:      body,
		DeliveredVia: outcome.Via,
		Status:       outcome.Status,
		CreatedAt:    d.now(),
	}
	if err := d.store.AppendAlert(ctx, &rec); err != nil {
		return rec, fmt.Errorf("persist alert: %w", err)
	}
	metrics.AlertsDispatched.WithLabelValues(a.Kind, outcome.Via).Inc()
	return rec, nil
}

// deliver performs a single POST. Any non-2xx response is an error.
func (d *Dispatcher) deliver(ctx context.Context, body []byte) (DeliveryOutcome, error) {
	if d.webhookURL == "" {
		return undelivered, ErrNoEndpoint
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return undelivered, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return undelivered, fmt.Errorf("POST webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return undelivered, fmt.Errorf("POST webhook: HTTP %d", resp.StatusCode)
	}
	return delivered, nil
}
