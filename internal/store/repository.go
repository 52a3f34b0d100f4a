package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("store: database handle is required")
	// ErrInvalidSubscription indicates a subscription that lacks an endpoint or keys.
	ErrInvalidSubscription = errors.New("store: invalid push subscription")
)

// RepositoryConfig wires a Repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Location *time.Location
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Repository implements dispatch.Store on top of gorm.
type Repository struct {
	db       *gorm.DB
	calendar schedule.Calendar
	clock    func() time.Time
	logger   *zap.Logger
}

var _ dispatch.Store = (*Repository)(nil)

// NewRepository validates configuration. A nil Location means UTC.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		db:       cfg.Database,
		calendar: schedule.NewCalendar(cfg.Location),
		clock:    clock,
		logger:   logger,
	}, nil
}

// DueRows returns one row per subscription of every user with at least one protocol
// due on date and not yet logged that day, ordered by user and subscription.
func (r *Repository) DueRows(ctx context.Context, date schedule.Date) ([]dispatch.DueRow, error) {
	db := r.db.WithContext(ctx)

	var compounds []Compound
	if err := db.
		Where("is_archived = ? AND start_date <= ?", false, date.String()).
		Order("user_id, id").
		Find(&compounds).Error; err != nil {
		return nil, fmt.Errorf("store: load compounds: %w", err)
	}

	protocolsByUser := make(map[string][]schedule.Protocol)
	for _, compound := range compounds {
		protocol, err := compound.Protocol()
		if err != nil {
			r.logger.Warn("compound skipped: unusable recurrence",
				zap.String("compound_id", compound.ID),
				zap.String("user_id", compound.UserID),
				zap.Error(err))
			continue
		}
		if !schedule.IsDue(protocol, date) {
			continue
		}
		protocolsByUser[compound.UserID] = append(protocolsByUser[compound.UserID], protocol)
	}
	if len(protocolsByUser) == 0 {
		return []dispatch.DueRow{}, nil
	}

	userIDs := make([]string, 0, len(protocolsByUser))
	for userID := range protocolsByUser {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)

	dayStart := date.Midnight(r.calendar.Location()).Unix()
	dayEnd := date.AddDays(1).Midnight(r.calendar.Location()).Unix()
	var records []DoseLogRecord
	if err := db.
		Where("user_id IN ? AND taken_at_s >= ? AND taken_at_s < ?", userIDs, dayStart, dayEnd).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("store: load dose logs: %w", err)
	}
	logsByUser := make(map[string][]schedule.DoseLog)
	for _, record := range records {
		logsByUser[record.UserID] = append(logsByUser[record.UserID], schedule.DoseLog{
			ProtocolID: record.CompoundID,
			TakenAt:    time.Unix(record.TakenAtSeconds, 0).UTC(),
		})
	}

	pendingByUser := make(map[string]int, len(userIDs))
	pendingUsers := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		pending := r.calendar.PendingOn(protocolsByUser[userID], logsByUser[userID], date)
		if len(pending) == 0 {
			continue
		}
		pendingByUser[userID] = len(pending)
		pendingUsers = append(pendingUsers, userID)
	}
	if len(pendingUsers) == 0 {
		return []dispatch.DueRow{}, nil
	}

	var subscriptions []PushSubscription
	if err := db.
		Where("user_id IN ?", pendingUsers).
		Order("user_id, id").
		Find(&subscriptions).Error; err != nil {
		return nil, fmt.Errorf("store: load subscriptions: %w", err)
	}

	rows := make([]dispatch.DueRow, 0, len(subscriptions))
	for _, subscription := range subscriptions {
		rows = append(rows, dispatch.DueRow{
			UserID:         subscription.UserID,
			SubscriptionID: subscription.ID,
			Endpoint:       subscription.Endpoint,
			P256dh:         subscription.P256dh,
			AuthKey:        subscription.AuthKey,
			PendingCount:   pendingByUser[subscription.UserID],
			LastSentOn:     r.parseLastSentOn(subscription),
		})
	}
	return rows, nil
}

// ClaimDelivery sets last_sent_on to date with a compare-and-set so that at most one
// invocation per date owns the send.
func (r *Repository) ClaimDelivery(ctx context.Context, subscriptionID string, date schedule.Date) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&PushSubscription{}).
		Where("id = ? AND (last_sent_on IS NULL OR last_sent_on <> ?)", subscriptionID, date.String()).
		Update("last_sent_on", date.String())
	if result.Error != nil {
		return false, fmt.Errorf("store: claim delivery: %w", result.Error)
	}
	return result.RowsAffected == 1, nil
}

// ReleaseDelivery restores previous when the subscription is still claimed for date.
func (r *Repository) ReleaseDelivery(ctx context.Context, subscriptionID string, date schedule.Date, previous *schedule.Date) error {
	var value interface{} = gorm.Expr("NULL")
	if previous != nil {
		value = previous.String()
	}
	err := r.db.WithContext(ctx).
		Model(&PushSubscription{}).
		Where("id = ? AND last_sent_on = ?", subscriptionID, date.String()).
		Update("last_sent_on", value).Error
	if err != nil {
		return fmt.Errorf("store: release delivery: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription the push service reported as gone.
func (r *Repository) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	err := r.db.WithContext(ctx).
		Where("id = ?", subscriptionID).
		Delete(&PushSubscription{}).Error
	if err != nil {
		return fmt.Errorf("store: delete subscription: %w", err)
	}
	return nil
}

// RecordAttempt appends a delivery audit row.
func (r *Repository) RecordAttempt(ctx context.Context, attempt dispatch.Attempt) error {
	record := DeliveryAttempt{
		ID:                 attempt.ID,
		SubscriptionID:     attempt.SubscriptionID,
		Endpoint:           attempt.Endpoint,
		TargetDate:         attempt.TargetDate.String(),
		Outcome:            string(attempt.Outcome),
		StatusCode:         attempt.StatusCode,
		Error:              attempt.Error,
		AttemptedAtSeconds: attempt.AttemptedAt.Unix(),
	}
	if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
		return fmt.Errorf("store: record attempt: %w", err)
	}
	return nil
}

// SaveSubscription registers or refreshes a subscription keyed by endpoint. A
// re-registration replaces the owner and keys and keeps last_sent_on.
func (r *Repository) SaveSubscription(ctx context.Context, subscription PushSubscription) error {
	subscription.Endpoint = strings.TrimSpace(subscription.Endpoint)
	if subscription.ID == "" || subscription.UserID == "" || subscription.Endpoint == "" ||
		subscription.P256dh == "" || subscription.AuthKey == "" {
		return ErrInvalidSubscription
	}
	if subscription.CreatedAtSeconds == 0 {
		subscription.CreatedAtSeconds = r.clock().UTC().Unix()
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"user_id", "p256dh", "auth_key"}),
		}).
		Create(&subscription).Error
	if err != nil {
		return fmt.Errorf("store: save subscription: %w", err)
	}
	return nil
}

func (r *Repository) parseLastSentOn(subscription PushSubscription) *schedule.Date {
	if subscription.LastSentOn == nil || strings.TrimSpace(*subscription.LastSentOn) == "" {
		return nil
	}
	parsed, err := schedule.ParseDate(*subscription.LastSentOn)
	if err != nil {
		r.logger.Warn("subscription has malformed last_sent_on",
			zap.String("subscription_id", subscription.ID),
			zap.String("last_sent_on", *subscription.LastSentOn),
			zap.Error(err))
		return nil
	}
	return &parsed
}
