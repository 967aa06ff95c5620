package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/engine"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/repository"
	"medicine-reminder/internal/schedule"
)

const dateLayout = "2006-01-02"

// ScheduleRequest defines a schedule. Update requests replace the whole
// definition; is_active and escalate keep their value when omitted.
type ScheduleRequest struct {
	Times         []string `json:"times"`
	Recurrence    string   `json:"recurrence"`
	Weekdays      []string `json:"weekdays,omitempty"`
	IntervalHours int      `json:"interval_hours,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
	StartDate     string   `json:"start_date,omitempty"`
	EndDate       string   `json:"end_date,omitempty"`
	Escalate      *bool    `json:"escalate,omitempty"`
	IsActive      *bool    `json:"is_active,omitempty"`
}

// ScheduleResponse represents a schedule in responses
type ScheduleResponse struct {
	ID            int64      `json:"id"`
	MedicineID    int64      `json:"medicine_id"`
	Times         []string   `json:"times"`
	Recurrence    string     `json:"recurrence"`
	Weekdays      []string   `json:"weekdays,omitempty"`
	IntervalHours int        `json:"interval_hours,omitempty"`
	Timezone      string     `json:"timezone"`
	StartDate     string     `json:"start_date"`
	EndDate       string     `json:"end_date,omitempty"`
	Escalate      bool       `json:"escalate"`
	IsActive      bool       `json:"is_active"`
	ExpandedUntil *time.Time `json:"expanded_until,omitempty"`
}

var weekdayNames = map[string]time.Weekday{}

func init() {
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		weekdayNames[name] = d
		weekdayNames[name[:3]] = d
	}
}

func newScheduleResponse(s *models.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:            s.ID,
		MedicineID:    s.MedicineID,
		Recurrence:    string(s.Recurrence),
		IntervalHours: s.IntervalHours,
		Timezone:      s.Timezone,
		StartDate:     s.StartDate.Format(dateLayout),
		Escalate:      s.Escalate,
		IsActive:      s.IsActive,
	}
	for _, t := range s.Times {
		resp.Times = append(resp.Times, t.String())
	}
	for _, d := range s.Weekdays {
		resp.Weekdays = append(resp.Weekdays, strings.ToLower(d.String()[:3]))
	}
	if s.EndDate.Valid {
		resp.EndDate = s.EndDate.Time.Format(dateLayout)
	}
	if s.ExpandedUntil.Valid {
		resp.ExpandedUntil = &s.ExpandedUntil.Time
	}
	return resp
}

// apply copies the request onto s. Missing timezone and start date default
// to the user's timezone and today there.
func (req *ScheduleRequest) apply(s *models.Schedule, userTimezone string, now time.Time) error {
	s.Times = s.Times[:0]
	for _, raw := range req.Times {
		t, err := models.ParseTimeOfDay(raw)
		if err != nil {
			return err
		}
		s.Times = append(s.Times, t)
	}

	s.Recurrence = models.Recurrence(strings.ToLower(req.Recurrence))
	if s.Recurrence == "" {
		s.Recurrence = models.RecurrenceDaily
	}

	s.Weekdays = s.Weekdays[:0]
	for _, raw := range req.Weekdays {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(raw))]
		if !ok {
			return fmt.Errorf("unknown weekday %q", raw)
		}
		s.Weekdays = append(s.Weekdays, d)
	}
	s.IntervalHours = req.IntervalHours

	s.Timezone = req.Timezone
	if s.Timezone == "" {
		s.Timezone = userTimezone
	}

	if req.StartDate != "" {
		d, err := time.Parse(dateLayout, req.StartDate)
		if err != nil {
			return fmt.Errorf("start_date must be YYYY-MM-DD")
		}
		s.StartDate = d
	} else if loc, err := schedule.LoadLocation(s.Timezone); err == nil {
		today := schedule.DateOf(now, loc)
		s.StartDate = time.Date(today.Year, today.Month, today.Day, 0, 0, 0, 0, time.UTC)
	}

	s.EndDate = sql.NullTime{}
	if req.EndDate != "" {
		d, err := time.Parse(dateLayout, req.EndDate)
		if err != nil {
			return fmt.Errorf("end_date must be YYYY-MM-DD")
		}
		s.EndDate = sql.NullTime{Time: d, Valid: true}
	}

	if req.Escalate != nil {
		s.Escalate = *req.Escalate
	}
	if req.IsActive != nil {
		s.IsActive = *req.IsActive
	}

	return schedule.Validate(s)
}

// scheduleOf loads the {scheduleID} schedule of an owned medicine
func scheduleOf(w http.ResponseWriter, r *http.Request, schedules *repository.ScheduleRepository, m *models.Medicine) (*models.Schedule, bool) {
	id, ok := idParam(w, r, "scheduleID")
	if !ok {
		return nil, false
	}
	s, err := schedules.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && s.MedicineID != m.ID) {
		respondError(w, http.StatusNotFound, "Schedule not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load schedule")
		return nil, false
	}
	return s, true
}

func userTimezone(r *http.Request, users *repository.UserRepository, fallback string) string {
	u, err := users.GetByID(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil || u.Timezone == "" {
		return fallback
	}
	return u.Timezone
}

// HandleListSchedules returns the schedules of a medicine
func HandleListSchedules(medicines *repository.MedicineRepository, schedules *repository.ScheduleRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}
		list, err := schedules.ListByMedicine(r.Context(), m.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve schedules")
			return
		}
		out := make([]ScheduleResponse, 0, len(list))
		for _, s := range list {
			out = append(out, newScheduleResponse(s))
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// HandleCreateSchedule validates and stores a schedule, then derives its
// reminders over the look-ahead window
func HandleCreateSchedule(medicines *repository.MedicineRepository, schedules *repository.ScheduleRepository, users *repository.UserRepository, eng *engine.Engine, defaultTimezone string, clk clock.Clock, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}
		if !m.IsActive {
			respondError(w, http.StatusConflict, "Medicine is deactivated")
			return
		}

		var req ScheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		s := &models.Schedule{MedicineID: m.ID, Escalate: true, IsActive: true}
		if err := req.apply(s, userTimezone(r, users, defaultTimezone), clk.Now()); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		if err := schedules.Create(r.Context(), s); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to create schedule")
			return
		}

		if s.IsActive {
			if _, err := eng.StartSchedule(r.Context(), s); err != nil {
				// the next horizon refresh derives the reminders
				logger.WarnContext(r.Context(), "schedule created without reminders", slog.Int64("schedule_id", s.ID), slog.Any("err", err))
			}
		}
		respondJSON(w, http.StatusCreated, newScheduleResponse(s))
	}
}

// HandleUpdateSchedule replaces a schedule definition. Reminders of the
// current local day stay; later ones are derived again.
func HandleUpdateSchedule(medicines *repository.MedicineRepository, schedules *repository.ScheduleRepository, users *repository.UserRepository, eng *engine.Engine, defaultTimezone string, clk clock.Clock, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}
		s, ok := scheduleOf(w, r, schedules, m)
		if !ok {
			return
		}

		var req ScheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := req.apply(s, userTimezone(r, users, defaultTimezone), clk.Now()); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.IsActive && !m.IsActive {
			respondError(w, http.StatusConflict, "Medicine is deactivated")
			return
		}

		if err := schedules.Update(r.Context(), s); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update schedule")
			return
		}
		if err := eng.UpdateSchedule(r.Context(), s); err != nil {
			logger.ErrorContext(r.Context(), "failed to reschedule", slog.Int64("schedule_id", s.ID), slog.Any("err", err))
			respondError(w, http.StatusInternalServerError, "Schedule saved but reminders could not be updated")
			return
		}
		respondJSON(w, http.StatusOK, newScheduleResponse(s))
	}
}

// HandleDeleteSchedule deactivates a schedule and cancels its open reminders
func HandleDeleteSchedule(medicines *repository.MedicineRepository, schedules *repository.ScheduleRepository, eng *engine.Engine, audit *Auditor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}
		s, ok := scheduleOf(w, r, schedules, m)
		if !ok {
			return
		}

		if err := schedules.Deactivate(r.Context(), s.ID); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to deactivate schedule")
			return
		}
		n, err := eng.CancelSchedule(r.Context(), s.ID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to cancel reminders", slog.Int64("schedule_id", s.ID), slog.Any("err", err))
			respondError(w, http.StatusInternalServerError, "Schedule deactivated but reminders could not be cancelled")
			return
		}
		audit.record(r, m.UserID, repository.ActorUser, "schedule_deactivated", "schedule", strconv.FormatInt(s.ID, 10), map[string]interface{}{"medicine_id": m.ID, "cancelled": n})
		w.WriteHeader(http.StatusNoContent)
	}
}
