package handlers

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/repository"
)

// Auditor records who changed what. A failed write is logged and the
// request carries on.
type Auditor struct {
	repo   *repository.AuditRepository
	clk    clock.Clock
	logger *slog.Logger
}

func NewAuditor(repo *repository.AuditRepository, clk clock.Clock, logger *slog.Logger) *Auditor {
	return &Auditor{repo: repo, clk: clk, logger: logger}
}

func (a *Auditor) record(r *http.Request, userID int64, actor, action, entityType, entityID string, details map[string]interface{}) {
	if a == nil || a.repo == nil {
		return
	}
	err := a.repo.LogWithDetails(r.Context(), userID, actor, action, entityType, entityID, details, remoteIP(r), a.clk.Now())
	if err != nil {
		a.logger.WarnContext(r.Context(), "failed to write audit log", slog.String("action", action), slog.Any("err", err))
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuditLogResponse represents one audit entry
type AuditLogResponse struct {
	ID         int64     `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	IPAddress  string    `json:"ip_address,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HandleListAuditLog returns the newest audit entries of the user
func HandleListAuditLog(audit *repository.AuditRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logs, err := audit.ListByUser(r.Context(), middleware.GetUserID(r.Context()), limitParam(r, 50, 500))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve audit log")
			return
		}

		out := make([]AuditLogResponse, 0, len(logs))
		for _, l := range logs {
			out = append(out, newAuditLogResponse(l))
		}
		respondJSON(w, http.StatusOK, out)
	}
}

func newAuditLogResponse(l *models.AuditLog) AuditLogResponse {
	return AuditLogResponse{
		ID:         l.ID,
		Actor:      l.Actor,
		Action:     l.Action,
		EntityType: l.EntityType,
		EntityID:   l.EntityID.String,
		Details:    l.Details.String,
		IPAddress:  l.IPAddress.String,
		Timestamp:  l.Timestamp,
	}
}
