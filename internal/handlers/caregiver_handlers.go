package handlers

import (
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/repository"
)

// CaregiverRequest links a caregiver to the user
type CaregiverRequest struct {
	Name                string `json:"name"`
	ContactKind         string `json:"contact_kind"`
	ContactRef          string `json:"contact_ref"`
	ReceiveEscalations  *bool  `json:"receive_escalations,omitempty"`
	ReceiveDailySummary *bool  `json:"receive_daily_summary,omitempty"`
}

// CaregiverPreferencesRequest changes what a caregiver receives
type CaregiverPreferencesRequest struct {
	Name                *string `json:"name,omitempty"`
	ReceiveEscalations  *bool   `json:"receive_escalations,omitempty"`
	ReceiveDailySummary *bool   `json:"receive_daily_summary,omitempty"`
	IsActive            *bool   `json:"is_active,omitempty"`
}

// CaregiverResponse represents a caregiver in responses. Position is the
// caregiver's place in the user's notification order.
type CaregiverResponse struct {
	ID                  int64     `json:"id"`
	Position            int       `json:"position"`
	Name                string    `json:"name"`
	ContactKind         string    `json:"contact_kind"`
	ContactRef          string    `json:"contact_ref"`
	ReceiveEscalations  bool      `json:"receive_escalations"`
	ReceiveDailySummary bool      `json:"receive_daily_summary"`
	IsActive            bool      `json:"is_active"`
	CreatedAt           time.Time `json:"created_at"`
}

func newCaregiverResponse(c *models.Caregiver, position int) CaregiverResponse {
	return CaregiverResponse{
		ID:                  c.ID,
		Position:            position,
		Name:                c.Name,
		ContactKind:         string(c.ContactKind),
		ContactRef:          c.ContactRef,
		ReceiveEscalations:  c.ReceiveEscalations,
		ReceiveDailySummary: c.ReceiveDailySummary,
		IsActive:            c.IsActive,
		CreatedAt:           c.CreatedAt,
	}
}

func (req *CaregiverRequest) caregiver() (*models.Caregiver, string) {
	c := &models.Caregiver{
		Name:                strings.TrimSpace(req.Name),
		ContactKind:         models.ContactKind(strings.ToLower(strings.TrimSpace(req.ContactKind))),
		ContactRef:          strings.TrimSpace(req.ContactRef),
		ReceiveEscalations:  true,
		ReceiveDailySummary: false,
		IsActive:            true,
	}
	if req.ReceiveEscalations != nil {
		c.ReceiveEscalations = *req.ReceiveEscalations
	}
	if req.ReceiveDailySummary != nil {
		c.ReceiveDailySummary = *req.ReceiveDailySummary
	}

	switch {
	case c.Name == "":
		return nil, "name is required"
	case len(c.Name) > 100:
		return nil, "name must be at most 100 characters"
	case c.ContactRef == "":
		return nil, "contact_ref is required"
	}

	switch c.ContactKind {
	case models.ContactChat:
		if _, err := strconv.ParseInt(c.ContactRef, 10, 64); err != nil {
			return nil, "contact_ref must be a numeric chat id"
		}
	case models.ContactEmail:
		addr, err := mail.ParseAddress(c.ContactRef)
		if err != nil || addr.Name != "" {
			return nil, "contact_ref must be an email address"
		}
		c.ContactRef = strings.ToLower(addr.Address)
	default:
		return nil, "contact_kind must be chat or email"
	}
	return c, ""
}

// HandleListCaregivers returns the user's caregivers in notification order
func HandleListCaregivers(caregivers *repository.CaregiverRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := caregivers.ListForUser(r.Context(), middleware.GetUserID(r.Context()))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve caregivers")
			return
		}

		out := make([]CaregiverResponse, 0, len(list))
		for i, c := range list {
			out = append(out, newCaregiverResponse(c, i+1))
		}
		respondJSON(w, http.StatusOK, out)
	}
}

// HandleAddCaregiver links a caregiver at the end of the notification order
func HandleAddCaregiver(caregivers *repository.CaregiverRepository, maxPerUser int, audit *Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CaregiverRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		c, problem := req.caregiver()
		if problem != "" {
			respondError(w, http.StatusBadRequest, problem)
			return
		}

		err := caregivers.AddForUser(r.Context(), middleware.GetUserID(r.Context()), c, maxPerUser)
		switch {
		case errors.Is(err, repository.ErrCaregiverLimit):
			respondError(w, http.StatusConflict, "Caregiver limit reached ("+strconv.Itoa(maxPerUser)+")")
			return
		case errors.Is(err, repository.ErrDuplicate):
			respondError(w, http.StatusConflict, "Caregiver is already linked")
			return
		case err != nil:
			respondError(w, http.StatusInternalServerError, "Failed to add caregiver")
			return
		}
		audit.record(r, middleware.GetUserID(r.Context()), repository.ActorUser, "caregiver_added", "caregiver", strconv.FormatInt(c.ID, 10), map[string]interface{}{"contact_kind": c.ContactKind})
		respondJSON(w, http.StatusCreated, newCaregiverResponse(c, 0))
	}
}

// HandleUpdateCaregiver changes the preferences of a linked caregiver
func HandleUpdateCaregiver(caregivers *repository.CaregiverRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "caregiverID")
		if !ok {
			return
		}
		linked, err := caregivers.IsLinked(r.Context(), middleware.GetUserID(r.Context()), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to load caregiver")
			return
		}
		if !linked {
			respondError(w, http.StatusNotFound, "Caregiver not found")
			return
		}

		var req CaregiverPreferencesRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		c, err := caregivers.GetByID(r.Context(), id)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to load caregiver")
			return
		}
		if req.Name != nil {
			c.Name = strings.TrimSpace(*req.Name)
			if c.Name == "" || len(c.Name) > 100 {
				respondError(w, http.StatusBadRequest, "name must be 1-100 characters")
				return
			}
		}
		if req.ReceiveEscalations != nil {
			c.ReceiveEscalations = *req.ReceiveEscalations
		}
		if req.ReceiveDailySummary != nil {
			c.ReceiveDailySummary = *req.ReceiveDailySummary
		}
		if req.IsActive != nil {
			c.IsActive = *req.IsActive
		}

		if err := caregivers.UpdatePreferences(r.Context(), c); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update caregiver")
			return
		}
		respondJSON(w, http.StatusOK, newCaregiverResponse(c, 0))
	}
}

// HandleRemoveCaregiver unlinks a caregiver from the user
func HandleRemoveCaregiver(caregivers *repository.CaregiverRepository, audit *Auditor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "caregiverID")
		if !ok {
			return
		}

		err := caregivers.RemoveForUser(r.Context(), middleware.GetUserID(r.Context()), id)
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Caregiver not found")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to remove caregiver")
			return
		}
		audit.record(r, middleware.GetUserID(r.Context()), repository.ActorUser, "caregiver_removed", "caregiver", strconv.FormatInt(id, 10), nil)
		w.WriteHeader(http.StatusNoContent)
	}
}
