// Package notify delivers reminders, caregiver escalations and stock alerts.
// Delivery is best-effort: callers record failures and carry on.
package notify

import (
	"context"
	"errors"
	"time"

	"medicine-reminder/internal/models"

	"github.com/shopspring/decimal"
)

// ErrDeliveryFailed is wrapped by every adapter error caused by the
// downstream channel rather than by bad input.
var ErrDeliveryFailed = errors.New("notification delivery failed")

// Reminder asks the user to take a dose
type Reminder struct {
	InstanceID   string
	UserID       int64
	MedicineName string
	DoseInfo     string
	ScheduledAt  time.Time
	Attempt      int
	Timezone     string
}

// Escalation tells a caregiver a dose went unconfirmed
type Escalation struct {
	RecordID     string
	ReminderID   string
	UserID       int64
	Username     string
	MedicineName string
	ScheduledAt  time.Time
	Attempts     int
	Timezone     string
}

// LowStock warns the user that a medicine is running out
type LowStock struct {
	UserID       int64
	MedicineID   int64
	MedicineName string
	Quantity     decimal.Decimal
	Threshold    decimal.Decimal
	Unit         string
	Exhausted    bool
}

// Summary reports one local day of a user's doses to a caregiver
type Summary struct {
	UserID    int64
	Username  string
	Date      string // local calendar date, YYYY-MM-DD
	Total     int
	Confirmed int
	Missed    int
	Skipped   int
	Open      int
}

// Notifier is the outbound port used by the engine, the inventory ledger
// and the escalation coordinator.
type Notifier interface {
	SendReminder(ctx context.Context, r Reminder) error
	SendEscalation(ctx context.Context, to *models.Caregiver, e Escalation) error
	SendLowStock(ctx context.Context, l LowStock) error
}

// localTime renders t in the named zone, falling back to UTC
func localTime(t time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil || tz == "" {
		loc = time.UTC
	}
	return t.In(loc).Format("Mon 2 Jan 15:04 MST")
}
