package models

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User represents a person taking medicine
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Timezone     string
	IsActive     bool
	CreatedAt    time.Time
	LastLogin    sql.NullTime
}

// Medicine represents a medicine owned by a user
type Medicine struct {
	ID         int64
	UserID     int64
	Name       string
	DosageUnit string          // e.g. "tablet", "mL"
	DoseAmount decimal.Decimal // amount taken per confirmed dose
	IsActive   bool
	Notes      sql.NullString
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DoseInfo returns the dose in a readable format, e.g. "1 tablet"
func (m *Medicine) DoseInfo() string {
	if m.DosageUnit == "" {
		return m.DoseAmount.String()
	}
	return m.DoseAmount.String() + " " + m.DosageUnit
}

// TimeOfDay is a wall-clock time without a date or zone
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay parses "HH:MM"
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q, use HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	t := TimeOfDay{Hour: h, Minute: m}
	if !t.Valid() {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

// Valid reports whether the time is within 00:00-23:59
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// Minutes returns minutes since midnight
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Recurrence is the repeat rule of a schedule
type Recurrence string

const (
	RecurrenceDaily    Recurrence = "daily"
	RecurrenceWeekdays Recurrence = "weekdays"
	RecurrenceInterval Recurrence = "interval"
)

// Schedule represents a recurring dosing schedule for one medicine
type Schedule struct {
	ID            int64
	MedicineID    int64
	Times         []TimeOfDay
	Recurrence    Recurrence
	Weekdays      []time.Weekday // used by RecurrenceWeekdays
	IntervalHours int            // used by RecurrenceInterval
	Timezone      string
	StartDate     time.Time // local calendar date the schedule starts on
	EndDate       sql.NullTime
	Escalate      bool // false for non-critical schedules, which expire instead
	IsActive      bool
	ExpandedUntil sql.NullTime // reminder instances exist up to this instant
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ReminderState is the lifecycle state of a reminder instance
type ReminderState string

const (
	StatePending      ReminderState = "pending"
	StateFired        ReminderState = "fired"
	StateSnoozed      ReminderState = "snoozed"
	StateAcknowledged ReminderState = "acknowledged"
	StateEscalated    ReminderState = "escalated"
	StateExpired      ReminderState = "expired"
	StateSkipped      ReminderState = "skipped"
	StateCancelled    ReminderState = "cancelled"
)

// Open reports whether the state still has timers attached
func (s ReminderState) Open() bool {
	return s == StatePending || s == StateFired || s == StateSnoozed
}

// ReminderInstance is one concrete firing of a schedule
type ReminderInstance struct {
	ID           string
	MedicineID   int64
	ScheduleID   int64
	UserID       int64
	ScheduledAt  time.Time
	State        ReminderState
	Attempts     int
	NextActionAt time.Time // due time while pending, retry deadline while fired/snoozed
	CutoffAt     time.Time
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time // last transition
}

// InventoryRecord holds the stock of one medicine
type InventoryRecord struct {
	MedicineID        int64
	Quantity          decimal.Decimal
	Unit              string
	LowStockThreshold decimal.NullDecimal // per-medicine override
	LastDecrementAt   sql.NullTime
	UpdatedAt         time.Time
}

// InventoryHistory represents an inventory change record
type InventoryHistory struct {
	ID             int64
	MedicineID     int64
	ChangeAmount   decimal.Decimal
	QuantityBefore decimal.Decimal
	QuantityAfter  decimal.Decimal
	Reason         string // "dose", "restock", "adjust"
	Reference      sql.NullString
	Timestamp      time.Time
}

// ContactKind is how a caregiver is reached
type ContactKind string

const (
	ContactChat  ContactKind = "chat"
	ContactEmail ContactKind = "email"
)

// Caregiver represents a person notified about missed doses
type Caregiver struct {
	ID                  int64
	Name                string
	ContactKind         ContactKind
	ContactRef          string // chat id or email address
	ReceiveEscalations  bool
	ReceiveDailySummary bool
	IsActive            bool
	CreatedAt           time.Time
}

// EscalationAttempt is the outcome of notifying one caregiver
type EscalationAttempt struct {
	CaregiverID int64     `json:"caregiver_id"`
	Delivered   bool      `json:"delivered"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`
}

// EscalationRecord tracks caregiver notifications for one escalated reminder
type EscalationRecord struct {
	ID             string
	ReminderID     string
	UserID         int64
	Targets        []int64 // caregiver ids in notification order
	Attempts       []EscalationAttempt
	Completed      bool
	AcknowledgedBy sql.NullInt64
	AcknowledgedAt sql.NullTime
	Resolved       bool
	ResolvedAt     sql.NullTime
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Attempted reports whether the caregiver already has a recorded attempt
func (r *EscalationRecord) Attempted(caregiverID int64) bool {
	for _, a := range r.Attempts {
		if a.CaregiverID == caregiverID {
			return true
		}
	}
	return false
}

// Notification represents a message queued for the chat layer
type Notification struct {
	ID            int64
	RecipientKind string // "user" or "caregiver"
	RecipientID   int64
	Type          string // "reminder", "escalation", "low_stock"
	ReferenceID   sql.NullString
	Title         string
	Message       string
	IsDelivered   bool
	CreatedAt     time.Time
}

// AuditLog records an action taken by a user or the chat layer
type AuditLog struct {
	ID         int64
	UserID     sql.NullInt64
	Actor      string // "user" or "bot"
	Action     string
	EntityType string
	EntityID   sql.NullString
	Details    sql.NullString // JSON object
	IPAddress  sql.NullString
	Timestamp  time.Time
}
