package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/models"
)

// Audit actors
const (
	ActorUser = "user"
	ActorBot  = "bot"
)

type AuditRepository struct {
	db *database.DB
}

func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Log creates a new audit log entry
func (r *AuditRepository) Log(ctx context.Context, entry *models.AuditLog) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	entry.Timestamp = dbTime(entry.Timestamp)

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO audit_logs (user_id, actor, action, entity_type, entity_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`,
		entry.UserID,
		entry.Actor,
		entry.Action,
		entry.EntityType,
		entry.EntityID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	return nil
}

// LogWithDetails logs an action with structured details
func (r *AuditRepository) LogWithDetails(ctx context.Context, userID int64, actor, action, entityType, entityID string, details map[string]interface{}, ipAddress string, at time.Time) error {
	var detailsJSON sql.NullString
	if len(details) > 0 {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal details: %w", err)
		}
		detailsJSON = sql.NullString{String: string(b), Valid: true}
	}

	return r.Log(ctx, &models.AuditLog{
		UserID:     sql.NullInt64{Int64: userID, Valid: userID > 0},
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   sql.NullString{String: entityID, Valid: entityID != ""},
		Details:    detailsJSON,
		IPAddress:  sql.NullString{String: ipAddress, Valid: ipAddress != ""},
		Timestamp:  at,
	})
}

// ListByUser retrieves the newest audit logs of a user
func (r *AuditRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, actor, action, entity_type, entity_id, details, ip_address, timestamp
		FROM audit_logs
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit logs by user: %w", err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		var l models.AuditLog
		err := rows.Scan(&l.ID, &l.UserID, &l.Actor, &l.Action, &l.EntityType, &l.EntityID, &l.Details, &l.IPAddress, &l.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
