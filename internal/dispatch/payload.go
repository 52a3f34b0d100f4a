package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
)

const (
	notificationTitle  = "Dose reminder"
	notificationTagFmt = "dose-reminder-%s"
	defaultOpenURL     = "/"
)

type notification struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Tag     string `json:"tag"`
	URL     string `json:"url"`
	Date    string `json:"date"`
	Pending int    `json:"pending"`
}

func reminderBody(pending int) string {
	if pending == 1 {
		return "You have 1 compound due today"
	}
	return fmt.Sprintf("You have %d compounds due today", pending)
}

func buildPayload(row DueRow, date schedule.Date, openURL string) ([]byte, error) {
	return json.Marshal(notification{
		Title:   notificationTitle,
		Body:    reminderBody(row.PendingCount),
		Tag:     fmt.Sprintf(notificationTagFmt, date),
		URL:     openURL,
		Date:    date.String(),
		Pending: row.PendingCount,
	})
}
