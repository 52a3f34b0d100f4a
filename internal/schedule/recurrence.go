package schedule

import "time"

// IsDue reports whether the protocol should be administered on date.
// Archived protocols, dates before the start date and malformed rules are never due.
func IsDue(protocol Protocol, date Date) bool {
	if protocol.Archived || date.Before(protocol.StartDate) {
		return false
	}
	switch rule := protocol.Frequency.(type) {
	case Interval:
		if !rule.Valid() {
			return false
		}
		return date.DaysSince(protocol.StartDate)%rule.Days == 0
	case Weekdays:
		return rule.Contains(date.Weekday())
	default:
		return false
	}
}

// DueSet returns the protocols due on date, preserving input order.
func DueSet(protocols []Protocol, date Date) []Protocol {
	due := make([]Protocol, 0, len(protocols))
	for _, protocol := range protocols {
		if IsDue(protocol, date) {
			due = append(due, protocol)
		}
	}
	return due
}

// Calendar evaluates dose logs, whose timestamps are instants, against calendar
// dates in a fixed location.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a Calendar for loc; a nil location means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Location exposes the calendar time zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// LogsOnDate returns the logs taken between the start of date and the start of the next day.
func (c Calendar) LogsOnDate(logs []DoseLog, date Date) []DoseLog {
	dayStart := date.Midnight(c.Location())
	dayEnd := date.AddDays(1).Midnight(c.Location())
	matched := make([]DoseLog, 0)
	for _, log := range logs {
		if log.TakenAt.Before(dayStart) || !log.TakenAt.Before(dayEnd) {
			continue
		}
		matched = append(matched, log)
	}
	return matched
}

// PendingOn returns the protocols due on date that have no dose logged on that date.
func (c Calendar) PendingOn(protocols []Protocol, logs []DoseLog, date Date) []Protocol {
	logged := make(map[string]struct{})
	for _, log := range c.LogsOnDate(logs, date) {
		logged[log.ProtocolID] = struct{}{}
	}
	pending := make([]Protocol, 0)
	for _, protocol := range DueSet(protocols, date) {
		if _, done := logged[protocol.ID]; done {
			continue
		}
		pending = append(pending, protocol)
	}
	return pending
}

// NextOccurrence returns the earliest date strictly after from on which the protocol
// is next due. Interval rules restart from the most recent logged dose when there is one.
// The boolean is false only when the frequency rule is missing or invalid.
func (c Calendar) NextOccurrence(protocol Protocol, from Date, logs []DoseLog) (Date, bool) {
	switch rule := protocol.Frequency.(type) {
	case Interval:
		if !rule.Valid() {
			return Date{}, false
		}
		if lastDose, ok := c.lastDoseDate(protocol.ID, logs); ok {
			return advancePast(lastDose.AddDays(rule.Days), from, rule.Days), true
		}
		if protocol.StartDate.After(from) {
			return protocol.StartDate, true
		}
		return advancePast(protocol.StartDate, from, rule.Days), true
	case Weekdays:
		if !rule.Valid() {
			return Date{}, false
		}
		base := from
		if protocol.StartDate.After(from.AddDays(1)) {
			base = protocol.StartDate.AddDays(-1)
		}
		for offset := 1; offset <= 7; offset++ {
			candidate := base.AddDays(offset)
			if rule.Contains(candidate.Weekday()) {
				return candidate, true
			}
		}
		return Date{}, false
	default:
		return Date{}, false
	}
}

// EarliestNext returns the soonest next occurrence across non-archived protocols.
// Protocols sharing the same date are ordered by ID.
func (c Calendar) EarliestNext(protocols []Protocol, from Date, logs []DoseLog) (Date, Protocol, bool) {
	var (
		bestDate     Date
		bestProtocol Protocol
		found        bool
	)
	for _, protocol := range protocols {
		if protocol.Archived {
			continue
		}
		next, ok := c.NextOccurrence(protocol, from, logs)
		if !ok {
			continue
		}
		if !found || next.Before(bestDate) || (next == bestDate && protocol.ID < bestProtocol.ID) {
			bestDate = next
			bestProtocol = protocol
			found = true
		}
	}
	return bestDate, bestProtocol, found
}

func (c Calendar) lastDoseDate(protocolID string, logs []DoseLog) (Date, bool) {
	var (
		latest time.Time
		found  bool
	)
	for _, log := range logs {
		if log.ProtocolID != protocolID {
			continue
		}
		if !found || log.TakenAt.After(latest) {
			latest = log.TakenAt
			found = true
		}
	}
	if !found {
		return Date{}, false
	}
	return DateIn(latest, c.Location()), true
}

// advancePast steps candidate forward in increments of step until it is after from.
func advancePast(candidate, from Date, step int) Date {
	if candidate.After(from) {
		return candidate
	}
	steps := from.DaysSince(candidate)/step + 1
	return candidate.AddDays(steps * step)
}
