package repository

import (
	"context"
	"testing"
	"time"
)

func TestAuditRepository_LogAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAuditRepository(db)
	ctx := context.Background()

	alice := createTestUser(t, db, "alice")
	bob := createTestUser(t, db, "bob")
	at := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

	if err := repo.LogWithDetails(ctx, alice.ID, ActorUser, "login", "user", "", nil, "10.0.0.1", at); err != nil {
		t.Fatalf("LogWithDetails failed: %v", err)
	}
	if err := repo.LogWithDetails(ctx, alice.ID, ActorBot, "reminder_confirm", "reminder", "r-1", map[string]interface{}{"state": "acknowledged"}, "", at.Add(time.Minute)); err != nil {
		t.Fatalf("LogWithDetails failed: %v", err)
	}
	if err := repo.LogWithDetails(ctx, bob.ID, ActorUser, "login", "user", "", nil, "", at); err != nil {
		t.Fatalf("LogWithDetails failed: %v", err)
	}

	logs, err := repo.ListByUser(ctx, alice.ID, 10)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("Expected 2 entries for alice, got %d", len(logs))
	}

	newest := logs[0]
	if newest.Action != "reminder_confirm" || newest.Actor != ActorBot || newest.EntityID.String != "r-1" {
		t.Errorf("Unexpected newest entry %+v", newest)
	}
	if newest.Details.String != `{"state":"acknowledged"}` {
		t.Errorf("Unexpected details %q", newest.Details.String)
	}
	if newest.IPAddress.Valid {
		t.Errorf("Expected no IP address, got %q", newest.IPAddress.String)
	}
	if !newest.Timestamp.Equal(at.Add(time.Minute)) {
		t.Errorf("Expected timestamp %v, got %v", at.Add(time.Minute), newest.Timestamp)
	}

	oldest := logs[1]
	if oldest.EntityID.Valid || oldest.Details.Valid || oldest.IPAddress.String != "10.0.0.1" {
		t.Errorf("Unexpected oldest entry %+v", oldest)
	}

	limited, _ := repo.ListByUser(ctx, alice.ID, 1)
	if len(limited) != 1 {
		t.Errorf("Expected limit to apply, got %d", len(limited))
	}
}
