package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/webpush"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const defaultWorkers = 4

var noOpLogger = zap.NewNop()

// DueRow is one subscription of a user with at least one pending protocol on the target date.
type DueRow struct {
	UserID         string
	SubscriptionID string
	Endpoint       string
	P256dh         string
	AuthKey        string
	PendingCount   int
	LastSentOn     *schedule.Date
}

// Outcome is the terminal state of a due row within one run.
type Outcome string

const (
	OutcomeSkipped         Outcome = "skipped"
	OutcomeSent            Outcome = "sent"
	OutcomeStaleDeleted    Outcome = "stale_deleted"
	OutcomeTransientFailed Outcome = "transient_failed"
)

// Attempt is the audit record of one send attempt.
type Attempt struct {
	ID             string
	SubscriptionID string
	Endpoint       string
	TargetDate     schedule.Date
	Outcome        Outcome
	StatusCode     int
	Error          string
	AttemptedAt    time.Time
}

// Store is the persistence contract of the pipeline.
type Store interface {
	DueRows(ctx context.Context, date schedule.Date) ([]DueRow, error)
	// ClaimDelivery marks the subscription as sent on date unless it already is.
	// It reports false when another invocation holds the claim.
	ClaimDelivery(ctx context.Context, subscriptionID string, date schedule.Date) (bool, error)
	// ReleaseDelivery restores previous if the subscription is still claimed for date.
	ReleaseDelivery(ctx context.Context, subscriptionID string, date schedule.Date, previous *schedule.Date) error
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// Sender delivers an encrypted payload to one subscription.
type Sender interface {
	Send(ctx context.Context, subscription webpush.Subscription, payload []byte) (webpush.Response, error)
}

// Credentials holds the VAPID identity of the application server.
type Credentials struct {
	PublicKey  string
	PrivateKey string
	Subject    string
}

// Config wires a Dispatcher. Sender is optional; when nil a webpush.Client is built from
// Credentials and the transport options on every run.
type Config struct {
	Store          Store
	Sender         Sender
	Credentials    Credentials
	HTTPClient     *http.Client
	TTL            time.Duration
	Urgency        string
	RequestTimeout time.Duration
	RatePerSecond  float64
	Workers        int
	OpenURL        string
	Clock          func() time.Time
	IDProvider     IDProvider
	Logger         *zap.Logger
}

// Failure describes a row that ended in TransientFailed.
type Failure struct {
	Endpoint   string `json:"endpoint"`
	Error      string `json:"error"`
	StatusCode *int   `json:"statusCode,omitempty"`
}

// Result summarises one run.
type Result struct {
	Date         schedule.Date `json:"date"`
	Attempted    int           `json:"attempted"`
	Sent         int           `json:"sent"`
	Skipped      int           `json:"skipped"`
	Deleted      int           `json:"deleted"`
	Failures     []Failure     `json:"errors"`
	TotalDueRows int           `json:"total_due_rows"`
}

// Dispatcher runs the delivery pipeline for a target date.
type Dispatcher struct {
	store          Store
	sender         Sender
	credentials    Credentials
	httpClient     *http.Client
	ttl            time.Duration
	urgency        string
	requestTimeout time.Duration
	limiter        *rate.Limiter
	workers        int
	openURL        string
	clock          func() time.Time
	idProvider     IDProvider
	logger         *zap.Logger
}

// NewDispatcher applies defaults. Credentials are validated by Run so that a
// misconfigured deployment still starts and reports the problem per invocation.
func NewDispatcher(cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), workers)
	}
	openURL := strings.TrimSpace(cfg.OpenURL)
	if openURL == "" {
		openURL = defaultOpenURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Dispatcher{
		store:          cfg.Store,
		sender:         cfg.Sender,
		credentials:    cfg.Credentials,
		httpClient:     cfg.HTTPClient,
		ttl:            cfg.TTL,
		urgency:        cfg.Urgency,
		requestTimeout: cfg.RequestTimeout,
		limiter:        limiter,
		workers:        workers,
		openURL:        openURL,
		clock:          clock,
		idProvider:     idProvider,
		logger:         logger,
	}
}

// Today returns the current UTC calendar date.
func (d *Dispatcher) Today() schedule.Date {
	return schedule.DateIn(d.clock(), time.UTC)
}

// Run processes every due row for date. Only configuration errors and a failure to
// read due rows are returned; per-row problems are reported in Result.Failures.
func (d *Dispatcher) Run(ctx context.Context, date schedule.Date) (Result, error) {
	if d.store == nil {
		d.logError(opRun, reasonMissingStore, errMissingStore)
		return Result{}, newServiceError(opRun, reasonMissingStore, errMissingStore)
	}
	sender, err := d.resolveSender()
	if err != nil {
		return Result{}, err
	}

	rows, err := d.store.DueRows(ctx, date)
	if err != nil {
		d.logError(opRun, reasonDueRowsFailed, err, zap.String("date", date.String()))
		return Result{}, newServiceError(opRun, reasonDueRowsFailed, err)
	}

	tally := newTally(date, len(rows))
	group := new(errgroup.Group)
	group.SetLimit(d.workers)
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		if _, duplicate := seen[row.SubscriptionID]; duplicate {
			tally.skip()
			continue
		}
		seen[row.SubscriptionID] = struct{}{}
		group.Go(func() error {
			d.deliver(ctx, sender, date, row, tally)
			return nil
		})
	}
	_ = group.Wait()

	result := tally.snapshot()
	d.logger.Info("dispatch run completed",
		zap.String("date", date.String()),
		zap.Int("total_due_rows", result.TotalDueRows),
		zap.Int("attempted", result.Attempted),
		zap.Int("sent", result.Sent),
		zap.Int("skipped", result.Skipped),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", len(result.Failures)))
	return result, nil
}

func (d *Dispatcher) resolveSender() (Sender, error) {
	publicKey := strings.TrimSpace(d.credentials.PublicKey)
	privateKey := strings.TrimSpace(d.credentials.PrivateKey)
	if publicKey == "" || privateKey == "" {
		d.logError(opRun, reasonMissingVAPIDKeys, errMissingVAPIDKeys)
		return nil, newServiceError(opRun, reasonMissingVAPIDKeys, errMissingVAPIDKeys)
	}
	if strings.TrimSpace(d.credentials.Subject) == "" {
		d.logError(opRun, reasonMissingVAPIDSubject, errMissingVAPIDSubject)
		return nil, newServiceError(opRun, reasonMissingVAPIDSubject, errMissingVAPIDSubject)
	}
	keys, err := webpush.ParseVAPIDKeys(publicKey, privateKey)
	if err != nil {
		d.logError(opRun, reasonInvalidVAPIDKeys, err)
		return nil, newServiceError(opRun, reasonInvalidVAPIDKeys, err)
	}
	if d.sender != nil {
		return d.sender, nil
	}

	signer, err := webpush.NewVAPIDSigner(webpush.VAPIDSignerConfig{
		Keys:    keys,
		Subject: d.credentials.Subject,
		Clock:   d.clock,
	})
	if err != nil {
		d.logError(opRun, reasonInvalidVAPIDKeys, err)
		return nil, newServiceError(opRun, reasonInvalidVAPIDKeys, err)
	}
	client, err := webpush.NewClient(webpush.ClientConfig{
		Signer:         signer,
		HTTPClient:     d.httpClient,
		TTL:            d.ttl,
		Urgency:        d.urgency,
		RequestTimeout: d.requestTimeout,
		Limiter:        d.limiter,
		Logger:         d.logger,
	})
	if err != nil {
		d.logError(opRun, reasonInvalidTransport, err)
		return nil, newServiceError(opRun, reasonInvalidTransport, err)
	}
	return client, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sender Sender, date schedule.Date, row DueRow, tally *resultTally) {
	fields := []zap.Field{
		zap.String("subscription_id", row.SubscriptionID),
		zap.String("endpoint", row.Endpoint),
		zap.String("date", date.String()),
	}

	if row.LastSentOn != nil && *row.LastSentOn == date {
		tally.skip()
		return
	}
	if err := ctx.Err(); err != nil {
		tally.fail(row.Endpoint, fmt.Errorf("invocation cancelled: %w", err), nil)
		return
	}

	claimed, err := d.store.ClaimDelivery(ctx, row.SubscriptionID, date)
	if err != nil {
		d.logger.Warn("claim delivery failed", append(fields, zap.Error(err))...)
		tally.fail(row.Endpoint, fmt.Errorf("claim delivery: %w", err), nil)
		return
	}
	if !claimed {
		tally.skip()
		return
	}

	// Release, delete and audit writes must outlive a cancelled invocation.
	persistCtx := context.WithoutCancel(ctx)

	payload, err := buildPayload(row, date, d.openURL)
	if err != nil {
		d.release(persistCtx, row, date, fields)
		tally.fail(row.Endpoint, fmt.Errorf("build payload: %w", err), nil)
		return
	}

	tally.attempt()
	subscription := webpush.Subscription{
		Endpoint: row.Endpoint,
		Keys:     webpush.Keys{P256dh: row.P256dh, Auth: row.AuthKey},
	}
	response, sendErr := sender.Send(ctx, subscription, payload)

	switch {
	case sendErr != nil:
		d.release(persistCtx, row, date, fields)
		d.logger.Warn("push delivery failed", append(fields, zap.Error(sendErr))...)
		tally.fail(row.Endpoint, sendErr, nil)
		d.audit(persistCtx, row, date, OutcomeTransientFailed, 0, sendErr.Error())
	case response.Success():
		tally.sent()
		d.audit(persistCtx, row, date, OutcomeSent, response.StatusCode, "")
	case response.Gone():
		statusCode := response.StatusCode
		if err := d.store.DeleteSubscription(persistCtx, row.SubscriptionID); err != nil {
			d.logger.Warn("stale subscription delete failed", append(fields, zap.Error(err))...)
			tally.fail(row.Endpoint, fmt.Errorf("delete stale subscription: %w", err), &statusCode)
			d.audit(persistCtx, row, date, OutcomeTransientFailed, statusCode, err.Error())
			return
		}
		d.logger.Info("stale subscription deleted", append(fields, zap.Int("status_code", statusCode))...)
		tally.deleted()
		d.audit(persistCtx, row, date, OutcomeStaleDeleted, statusCode, response.Detail)
	default:
		statusCode := response.StatusCode
		failure := statusError(response)
		d.release(persistCtx, row, date, fields)
		d.logger.Warn("push service rejected delivery", append(fields, zap.Int("status_code", statusCode), zap.Error(failure))...)
		tally.fail(row.Endpoint, failure, &statusCode)
		d.audit(persistCtx, row, date, OutcomeTransientFailed, statusCode, failure.Error())
	}
}

func (d *Dispatcher) release(ctx context.Context, row DueRow, date schedule.Date, fields []zap.Field) {
	if err := d.store.ReleaseDelivery(ctx, row.SubscriptionID, date, row.LastSentOn); err != nil {
		d.logger.Error("release delivery claim failed", append(fields, zap.Error(err))...)
	}
}

func (d *Dispatcher) audit(ctx context.Context, row DueRow, date schedule.Date, outcome Outcome, statusCode int, detail string) {
	id, err := d.idProvider.NewID()
	if err != nil {
		d.logger.Warn("delivery attempt id generation failed", zap.Error(err))
		return
	}
	attempt := Attempt{
		ID:             id,
		SubscriptionID: row.SubscriptionID,
		Endpoint:       row.Endpoint,
		TargetDate:     date,
		Outcome:        outcome,
		StatusCode:     statusCode,
		Error:          detail,
		AttemptedAt:    d.clock().UTC(),
	}
	if err := d.store.RecordAttempt(ctx, attempt); err != nil {
		d.logger.Warn("delivery attempt audit failed",
			zap.String("subscription_id", row.SubscriptionID),
			zap.Error(err))
	}
}

func (d *Dispatcher) logError(operation, reason string, err error, fields ...zap.Field) {
	if d.logger == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}, fields...)
	if err != nil {
		allFields = append(allFields, zap.Error(err))
	}
	d.logger.Error("dispatch operation failed", allFields...)
}

func statusError(response webpush.Response) error {
	if response.Detail == "" {
		return fmt.Errorf("push service responded with status %d", response.StatusCode)
	}
	return fmt.Errorf("push service responded with status %d: %s", response.StatusCode, response.Detail)
}

type resultTally struct {
	mu     sync.Mutex
	result Result
}

func newTally(date schedule.Date, total int) *resultTally {
	return &resultTally{result: Result{Date: date, TotalDueRows: total, Failures: []Failure{}}}
}

func (t *resultTally) skip() {
	t.mu.Lock()
	t.result.Skipped++
	t.mu.Unlock()
}

func (t *resultTally) attempt() {
	t.mu.Lock()
	t.result.Attempted++
	t.mu.Unlock()
}

func (t *resultTally) sent() {
	t.mu.Lock()
	t.result.Sent++
	t.mu.Unlock()
}

func (t *resultTally) deleted() {
	t.mu.Lock()
	t.result.Deleted++
	t.mu.Unlock()
}

func (t *resultTally) fail(endpoint string, err error, statusCode *int) {
	if err == nil {
		err = errors.New("unknown failure")
	}
	t.mu.Lock()
	t.result.Failures = append(t.result.Failures, Failure{Endpoint: endpoint, Error: err.Error(), StatusCode: statusCode})
	t.mu.Unlock()
}

func (t *resultTally) snapshot() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := t.result
	result.Failures = append([]Failure{}, t.result.Failures...)
	return result
}
