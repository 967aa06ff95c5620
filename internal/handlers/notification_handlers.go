package handlers

import (
	"errors"
	"net/http"
	"time"

	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/repository"
)

// NotificationResponse represents an outbox message
type NotificationResponse struct {
	ID            int64     `json:"id"`
	RecipientKind string    `json:"recipient_kind"`
	RecipientID   int64     `json:"recipient_id"`
	Type          string    `json:"type"`
	ReferenceID   string    `json:"reference_id,omitempty"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	IsDelivered   bool      `json:"is_delivered"`
	CreatedAt     time.Time `json:"created_at"`
}

func notificationList(list []*models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(list))
	for _, n := range list {
		out = append(out, NotificationResponse{
			ID:            n.ID,
			RecipientKind: n.RecipientKind,
			RecipientID:   n.RecipientID,
			Type:          n.Type,
			ReferenceID:   n.ReferenceID.String,
			Title:         n.Title,
			Message:       n.Message,
			IsDelivered:   n.IsDelivered,
			CreatedAt:     n.CreatedAt,
		})
	}
	return out
}

// HandleGetNotifications returns the newest messages sent to the user
func HandleGetNotifications(notifications *repository.NotificationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := notifications.ListForRecipient(r.Context(), notify.RecipientUser, middleware.GetUserID(r.Context()), limitParam(r, 50, 200))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve notifications")
			return
		}
		respondJSON(w, http.StatusOK, notificationList(list))
	}
}

// HandleListPendingNotifications hands undelivered messages to the chat layer
func HandleListPendingNotifications(notifications *repository.NotificationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := notifications.ListPending(r.Context(), limitParam(r, 100, 500))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve notifications")
			return
		}
		respondJSON(w, http.StatusOK, notificationList(list))
	}
}

// HandleMarkDelivered records that the chat layer sent a message
func HandleMarkDelivered(notifications *repository.NotificationRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "notificationID")
		if !ok {
			return
		}
		err := notifications.MarkDelivered(r.Context(), id)
		if errors.Is(err, repository.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Notification not found")
			return
		}
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to update notification")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
