package handlers

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"medicine-reminder/internal/engine"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/repository"

	"github.com/shopspring/decimal"
)

// MedicineRequest is the body of create and update requests. Omitted
// fields keep their current value on update.
type MedicineRequest struct {
	Name       *string          `json:"name"`
	DosageUnit *string          `json:"dosage_unit"`
	DoseAmount *decimal.Decimal `json:"dose_amount"`
	Notes      *string          `json:"notes"`
}

// MedicineResponse represents a medicine in responses
type MedicineResponse struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	DosageUnit string          `json:"dosage_unit"`
	DoseAmount decimal.Decimal `json:"dose_amount"`
	DoseInfo   string          `json:"dose_info"`
	Notes      string          `json:"notes,omitempty"`
	IsActive   bool            `json:"is_active"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func newMedicineResponse(m *models.Medicine) MedicineResponse {
	return MedicineResponse{
		ID:         m.ID,
		Name:       m.Name,
		DosageUnit: m.DosageUnit,
		DoseAmount: m.DoseAmount,
		DoseInfo:   m.DoseInfo(),
		Notes:      m.Notes.String,
		IsActive:   m.IsActive,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

// apply copies the request onto m and validates the result
func (req *MedicineRequest) apply(m *models.Medicine) string {
	if req.Name != nil {
		m.Name = strings.TrimSpace(*req.Name)
	}
	if req.DosageUnit != nil {
		m.DosageUnit = strings.TrimSpace(*req.DosageUnit)
	}
	if req.DoseAmount != nil {
		m.DoseAmount = *req.DoseAmount
	}
	if req.Notes != nil {
		m.Notes = sql.NullString{String: *req.Notes, Valid: *req.Notes != ""}
	}

	switch {
	case m.Name == "":
		return "name is required"
	case len(m.Name) > 100:
		return "name must be at most 100 characters"
	case !m.DoseAmount.IsPositive():
		return "dose_amount must be positive"
	}
	return ""
}

// ownedMedicine loads the {id} medicine of the authenticated user. Other
// users' medicines are reported as not found.
func ownedMedicine(w http.ResponseWriter, r *http.Request, medicines *repository.MedicineRepository) (*models.Medicine, bool) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return nil, false
	}
	m, err := medicines.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && m.UserID != middleware.GetUserID(r.Context())) {
		respondError(w, http.StatusNotFound, "Medicine not found")
		return nil, false
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to load medicine")
		return nil, false
	}
	return m, true
}

// HandleListMedicines returns the user's medicines; ?filter=active hides
// deactivated ones
func HandleListMedicines(medicines *repository.MedicineRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		activeOnly := r.URL.Query().Get("filter") == "active"
		list, err := medicines.ListByUser(r.Context(), middleware.GetUserID(r.Context()), activeOnly)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve medicines")
			return
		}

		out := make([]MedicineResponse, 0, len(list))
		for _, m := range list {
			out = append(out, newMedicineResponse(m))
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// HandleCreateMedicine creates a medicine for the user
func HandleCreateMedicine(medicines *repository.MedicineRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MedicineRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		m := &models.Medicine{
			UserID:     middleware.GetUserID(r.Context()),
			DoseAmount: decimal.NewFromInt(1),
			IsActive:   true,
		}
		if msg := req.apply(m); msg != "" {
			respondError(w, http.StatusBadRequest, msg)
			return
		}

		if err := medicines.Create(r.Context(), m); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to create medicine")
			return
		}
		respondJSON(w, http.StatusCreated, newMedicineResponse(m))
	}
}

// HandleGetMedicine returns one medicine
func HandleGetMedicine(medicines *repository.MedicineRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}
		respondJSON(w, http.StatusOK, newMedicineResponse(m))
	}
}

// HandleUpdateMedicine changes name, dose or notes of an active medicine
func HandleUpdateMedicine(medicines *repository.MedicineRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}
		if !m.IsActive {
			respondError(w, http.StatusConflict, "Medicine is deactivated")
			return
		}

		var req MedicineRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if msg := req.apply(m); msg != "" {
			respondError(w, http.StatusBadRequest, msg)
			return
		}

		if err := medicines.Update(r.Context(), m); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update medicine")
			return
		}
		respondJSON(w, http.StatusOK, newMedicineResponse(m))
	}
}

// HandleDeactivateMedicine deactivates a medicine with its schedules and
// cancels every open reminder of it
func HandleDeactivateMedicine(medicines *repository.MedicineRepository, eng *engine.Engine, audit *Auditor, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}

		if err := medicines.Deactivate(r.Context(), m.ID); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to deactivate medicine")
			return
		}

		n, err := eng.CancelMedicine(r.Context(), m.ID)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to cancel reminders", slog.Int64("medicine_id", m.ID), slog.Any("err", err))
			respondError(w, http.StatusInternalServerError, "Medicine deactivated but reminders could not be cancelled")
			return
		}

		logger.InfoContext(r.Context(), "medicine deactivated", slog.Int64("medicine_id", m.ID), slog.Int("cancelled", n))
		audit.record(r, m.UserID, repository.ActorUser, "medicine_deactivated", "medicine", strconv.FormatInt(m.ID, 10), map[string]interface{}{"cancelled": n})
		w.WriteHeader(http.StatusNoContent)
	}
}
