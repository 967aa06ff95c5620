package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/engine"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/reminder"
	"medicine-reminder/internal/repository"

	"github.com/go-chi/chi/v5"
)

// ReminderResponse represents a reminder instance in responses
type ReminderResponse struct {
	ID           string    `json:"id"`
	MedicineID   int64     `json:"medicine_id"`
	ScheduleID   int64     `json:"schedule_id"`
	ScheduledAt  time.Time `json:"scheduled_at"`
	State        string    `json:"state"`
	Attempts     int       `json:"attempts"`
	NextActionAt time.Time `json:"next_action_at"`
	CutoffAt     time.Time `json:"cutoff_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Stale        bool      `json:"stale,omitempty"` // the action arrived after the reminder closed
}

// AcknowledgeRequest carries a user action on a reminder
type AcknowledgeRequest struct {
	Action string `json:"action"` // "confirm", "snooze" or "skip"
}

func newReminderResponse(inst *models.ReminderInstance) ReminderResponse {
	return ReminderResponse{
		ID:           inst.ID,
		MedicineID:   inst.MedicineID,
		ScheduleID:   inst.ScheduleID,
		ScheduledAt:  inst.ScheduledAt,
		State:        string(inst.State),
		Attempts:     inst.Attempts,
		NextActionAt: inst.NextActionAt,
		CutoffAt:     inst.CutoffAt,
		UpdatedAt:    inst.UpdatedAt,
	}
}

func reminderList(list []*models.ReminderInstance) []ReminderResponse {
	out := make([]ReminderResponse, 0, len(list))
	for _, inst := range list {
		out = append(out, newReminderResponse(inst))
	}
	return out
}

// acknowledge applies the action and writes the outcome. A stale action
// changes nothing and answers 200 with the instance as stored.
func acknowledge(w http.ResponseWriter, r *http.Request, eng *engine.Engine, audit *Auditor, logger *slog.Logger, actor, instanceID, action string) {
	inst, err := eng.Acknowledge(r.Context(), instanceID, action)
	switch {
	case err == nil:
		audit.record(r, inst.UserID, actor, "reminder_"+action, "reminder", inst.ID, map[string]interface{}{"state": inst.State})
		respondJSON(w, http.StatusOK, newReminderResponse(inst))
	case errors.Is(err, reminder.ErrStaleTransition) && inst != nil:
		resp := newReminderResponse(inst)
		resp.Stale = true
		respondJSON(w, http.StatusOK, resp)
	case errors.Is(err, repository.ErrNotFound):
		respondError(w, http.StatusNotFound, "Reminder not found")
	case errors.Is(err, engine.ErrUnknownAction):
		respondError(w, http.StatusBadRequest, "action must be confirm, snooze or skip")
	case errors.Is(err, engine.ErrPersistenceUnavailable):
		logger.ErrorContext(r.Context(), "acknowledgment not stored", slog.String("reminder_id", instanceID), slog.Any("err", err))
		w.Header().Set("Retry-After", "5")
		respondError(w, http.StatusServiceUnavailable, "Storage unavailable, retry shortly")
	default:
		logger.ErrorContext(r.Context(), "acknowledgment failed", slog.String("reminder_id", instanceID), slog.Any("err", err))
		respondError(w, http.StatusInternalServerError, "Failed to acknowledge reminder")
	}
}

// HandleListUpcoming returns the user's open reminders from now on
func HandleListUpcoming(reminders *repository.ReminderRepository, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// fired and snoozed instances are still actionable after their slot
		from := clk.Now().Add(-24 * time.Hour)
		list, err := reminders.ListUpcoming(r.Context(), middleware.GetUserID(r.Context()), from, limitParam(r, 50, 200))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve reminders")
			return
		}
		respondJSON(w, http.StatusOK, reminderList(list))
	}
}

// HandleReminderHistory returns the newest reminders of a medicine
func HandleReminderHistory(medicines *repository.MedicineRepository, reminders *repository.ReminderRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}
		list, err := reminders.ListHistory(r.Context(), m.ID, limitParam(r, 50, 500))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve reminder history")
			return
		}
		respondJSON(w, http.StatusOK, reminderList(list))
	}
}

// HandleAcknowledgeReminder lets the user confirm, snooze or skip one of
// their own reminders
func HandleAcknowledgeReminder(reminders *repository.ReminderRepository, eng *engine.Engine, audit *Auditor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "reminderID")
		inst, err := reminders.GetByID(r.Context(), id)
		if errors.Is(err, repository.ErrNotFound) || (err == nil && inst.UserID != middleware.GetUserID(r.Context())) {
			respondError(w, http.StatusNotFound, "Reminder not found")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to load reminder")
			return
		}

		var req AcknowledgeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		acknowledge(w, r, eng, audit, logger, repository.ActorUser, inst.ID, req.Action)
	}
}
