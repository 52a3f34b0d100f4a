package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidInterval indicates an interval rule with a non-positive day count.
	ErrInvalidInterval = errors.New("schedule: interval must be a positive number of days")
	// ErrEmptyWeekdays indicates a weekday rule without any weekday.
	ErrEmptyWeekdays = errors.New("schedule: weekday rule requires at least one weekday")
	// ErrUnknownWeekday indicates a weekday name that could not be parsed.
	ErrUnknownWeekday = errors.New("schedule: unknown weekday")
	// ErrAmbiguousFrequency indicates that both an interval and a weekday rule were supplied.
	ErrAmbiguousFrequency = errors.New("schedule: frequency has both interval and weekdays")
	// ErrMissingFrequency indicates that neither an interval nor a weekday rule was supplied.
	ErrMissingFrequency = errors.New("schedule: frequency is missing")
)

// Frequency is the recurrence rule of a protocol: either Interval or Weekdays.
type Frequency interface {
	// Valid reports whether the rule can ever produce a due date.
	Valid() bool
	isFrequency()
}

// Interval is due every Days days counted from the protocol start date.
type Interval struct {
	Days int
}

// NewInterval validates the day count.
func NewInterval(days int) (Interval, error) {
	if days <= 0 {
		return Interval{}, fmt.Errorf("%w: %d", ErrInvalidInterval, days)
	}
	return Interval{Days: days}, nil
}

func (i Interval) Valid() bool { return i.Days > 0 }

func (Interval) isFrequency() {}

// Weekdays is due on every listed day of the week.
type Weekdays struct {
	set [7]bool
}

// NewWeekdays builds a weekday rule; duplicates are ignored.
func NewWeekdays(days ...time.Weekday) (Weekdays, error) {
	var rule Weekdays
	for _, day := range days {
		if day < time.Sunday || day > time.Saturday {
			return Weekdays{}, fmt.Errorf("%w: %d", ErrUnknownWeekday, day)
		}
		rule.set[day] = true
	}
	if !rule.Valid() {
		return Weekdays{}, ErrEmptyWeekdays
	}
	return rule, nil
}

// Contains reports whether day is part of the rule.
func (w Weekdays) Contains(day time.Weekday) bool {
	if day < time.Sunday || day > time.Saturday {
		return false
	}
	return w.set[day]
}

// Days lists the weekdays in Sunday-first order.
func (w Weekdays) Days() []time.Weekday {
	days := make([]time.Weekday, 0, 7)
	for day := time.Sunday; day <= time.Saturday; day++ {
		if w.set[day] {
			days = append(days, day)
		}
	}
	return days
}

func (w Weekdays) Valid() bool {
	for _, included := range w.set {
		if included {
			return true
		}
	}
	return false
}

func (Weekdays) isFrequency() {}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// ParseWeekday accepts full or three-letter English weekday names, case-insensitively.
func ParseWeekday(name string) (time.Weekday, error) {
	day, ok := weekdayNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownWeekday, name)
	}
	return day, nil
}

// FormatWeekdays renders a rule as a comma separated list of three-letter names.
func FormatWeekdays(rule Weekdays) string {
	days := rule.Days()
	names := make([]string, 0, len(days))
	for _, day := range days {
		names = append(names, strings.ToLower(day.String()[:3]))
	}
	return strings.Join(names, ",")
}

// FrequencyFromFields converts the two nullable storage columns into a single rule.
// Exactly one of intervalDays and weekdayList must be populated.
func FrequencyFromFields(intervalDays *int, weekdayList []string) (Frequency, error) {
	hasWeekdays := false
	for _, name := range weekdayList {
		if strings.TrimSpace(name) != "" {
			hasWeekdays = true
			break
		}
	}
	switch {
	case intervalDays != nil && hasWeekdays:
		return nil, ErrAmbiguousFrequency
	case intervalDays != nil:
		rule, err := NewInterval(*intervalDays)
		if err != nil {
			return nil, err
		}
		return rule, nil
	case hasWeekdays:
		days := make([]time.Weekday, 0, len(weekdayList))
		for _, name := range weekdayList {
			if strings.TrimSpace(name) == "" {
				continue
			}
			day, err := ParseWeekday(name)
			if err != nil {
				return nil, err
			}
			days = append(days, day)
		}
		rule, err := NewWeekdays(days...)
		if err != nil {
			return nil, err
		}
		return rule, nil
	default:
		return nil, ErrMissingFrequency
	}
}

// Protocol is a recurring dosing definition.
type Protocol struct {
	ID        string
	StartDate Date
	Archived  bool
	Frequency Frequency
}

// DoseLog records a single administered dose.
type DoseLog struct {
	ProtocolID string
	TakenAt    time.Time
}
