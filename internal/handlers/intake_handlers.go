package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"medicine-reminder/internal/engine"
	"medicine-reminder/internal/escalation"
	"medicine-reminder/internal/repository"

	"github.com/go-chi/chi/v5"
)

// ReceiptRequest identifies the caregiver acknowledging an escalation
type ReceiptRequest struct {
	CaregiverID int64 `json:"caregiver_id"`
}

// EscalationResponse represents an escalation record after a receipt
type EscalationResponse struct {
	ID             string     `json:"id"`
	ReminderID     string     `json:"reminder_id"`
	Completed      bool       `json:"completed"`
	AcknowledgedBy int64      `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	Resolved       bool       `json:"resolved"`
}

// HandleIntakeAcknowledge applies a chat-layer button press to a reminder
func HandleIntakeAcknowledge(eng *engine.Engine, audit *Auditor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AcknowledgeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		acknowledge(w, r, eng, audit, logger, repository.ActorBot, chi.URLParam(r, "reminderID"), req.Action)
	}
}

// HandleEscalationReceipt records that a caregiver saw an escalation
func HandleEscalationReceipt(coordinator *escalation.Coordinator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReceiptRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.CaregiverID <= 0 {
			respondError(w, http.StatusBadRequest, "caregiver_id is required")
			return
		}

		rec, err := coordinator.AcknowledgeReceipt(r.Context(), chi.URLParam(r, "escalationID"), req.CaregiverID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			respondError(w, http.StatusNotFound, "Escalation not found")
			return
		case errors.Is(err, escalation.ErrNotTarget):
			respondError(w, http.StatusForbidden, "Caregiver was not notified for this escalation")
			return
		case err != nil:
			logger.ErrorContext(r.Context(), "escalation receipt failed", slog.Any("err", err))
			respondError(w, http.StatusInternalServerError, "Failed to record receipt")
			return
		}

		resp := EscalationResponse{
			ID:         rec.ID,
			ReminderID: rec.ReminderID,
			Completed:  rec.Completed,
			Resolved:   rec.Resolved,
		}
		if rec.AcknowledgedBy.Valid {
			resp.AcknowledgedBy = rec.AcknowledgedBy.Int64
			resp.AcknowledgedAt = &rec.AcknowledgedAt.Time
		}
		respondJSON(w, http.StatusOK, resp)
	}
}

// Pinger reports whether storage is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HandleHealth reports storage reachability and the engine's timer backlog
func HandleHealth(db Pinger, eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := db.PingContext(ctx); err != nil {
			status, code = "degraded", http.StatusServiceUnavailable
		}

		body := map[string]interface{}{
			"status": status,
			"timers": eng.Pending(),
		}
		if next, ok := eng.NextWake(); ok {
			body["next_wake"] = next
		}
		respondJSON(w, code, body)
	}
}
