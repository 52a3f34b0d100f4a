package store

import (
	"strings"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
)

// Compound is the persisted shape of a recurring protocol.
type Compound struct {
	ID           string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID       string  `gorm:"column:user_id;size:190;not null;index:idx_compounds_user"`
	Name         string  `gorm:"column:name;size:190;not null"`
	StartDate    string  `gorm:"column:start_date;size:10;not null"`
	IsArchived   bool    `gorm:"column:is_archived;not null;default:false"`
	IntervalDays *int    `gorm:"column:interval_days"`
	Weekdays     *string `gorm:"column:weekdays;size:64"`
}

// TableName provides the explicit table binding for GORM.
func (Compound) TableName() string {
	return "compounds"
}

// Protocol converts the row into a scheduler protocol. Rows with an unusable start
// date or frequency return an error and must be treated as never due.
func (c Compound) Protocol() (schedule.Protocol, error) {
	startDate, err := schedule.ParseDate(c.StartDate)
	if err != nil {
		return schedule.Protocol{}, err
	}
	var weekdayList []string
	if c.Weekdays != nil {
		weekdayList = strings.Split(*c.Weekdays, ",")
	}
	frequency, err := schedule.FrequencyFromFields(c.IntervalDays, weekdayList)
	if err != nil {
		return schedule.Protocol{}, err
	}
	return schedule.Protocol{
		ID:        c.ID,
		StartDate: startDate,
		Archived:  c.IsArchived,
		Frequency: frequency,
	}, nil
}

// DoseLogRecord is one logged administration of a compound.
type DoseLogRecord struct {
	ID             string `gorm:"column:id;primaryKey;size:190;not null"`
	UserID         string `gorm:"column:user_id;size:190;not null;index:idx_dose_logs_user_taken,priority:1"`
	CompoundID     string `gorm:"column:compound_id;size:190;not null;index:idx_dose_logs_compound"`
	TakenAtSeconds int64  `gorm:"column:taken_at_s;not null;index:idx_dose_logs_user_taken,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (DoseLogRecord) TableName() string {
	return "dose_logs"
}

// PushSubscription is a browser push registration. LastSentOn holds the
// YYYY-MM-DD date of the most recent claimed reminder.
type PushSubscription struct {
	ID               string  `gorm:"column:id;primaryKey;size:190;not null"`
	UserID           string  `gorm:"column:user_id;size:190;not null;index:idx_push_subscriptions_user"`
	Endpoint         string  `gorm:"column:endpoint;type:text;not null;uniqueIndex:idx_push_subscriptions_endpoint"`
	P256dh           string  `gorm:"column:p256dh;size:190;not null"`
	AuthKey          string  `gorm:"column:auth_key;size:190;not null"`
	LastSentOn       *string `gorm:"column:last_sent_on;size:10"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PushSubscription) TableName() string {
	return "push_subscriptions"
}

// DeliveryAttempt is the append-only audit row of one send attempt.
type DeliveryAttempt struct {
	ID                 string `gorm:"column:id;primaryKey;size:190;not null"`
	SubscriptionID     string `gorm:"column:subscription_id;size:190;not null;index:idx_delivery_attempts_subscription_date,priority:1"`
	Endpoint           string `gorm:"column:endpoint;type:text;not null"`
	TargetDate         string `gorm:"column:target_date;size:10;not null;index:idx_delivery_attempts_subscription_date,priority:2"`
	Outcome            string `gorm:"column:outcome;size:32;not null"`
	StatusCode         int    `gorm:"column:status_code;not null;default:0"`
	Error              string `gorm:"column:error;type:text;not null;default:''"`
	AttemptedAtSeconds int64  `gorm:"column:attempted_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeliveryAttempt) TableName() string {
	return "push_delivery_attempts"
}

// Models lists every table owned by the store, in migration order.
func Models() []interface{} {
	return []interface{}{
		&Compound{},
		&DoseLogRecord{},
		&PushSubscription{},
		&DeliveryAttempt{},
	}
}
