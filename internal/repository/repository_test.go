package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"medicine-reminder/internal/database"
	"medicine-reminder/internal/logging"
	"medicine-reminder/internal/models"

	"github.com/shopspring/decimal"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db, err := database.Open(database.DriverSQLite, dbPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.RunMigrations(context.Background(), logging.Discard()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func createTestUser(t *testing.T, db *database.DB, username string) *models.User {
	t.Helper()
	user := &models.User{Username: username, PasswordHash: "hash", Timezone: "UTC", IsActive: true}
	if err := NewUserRepository(db).Create(context.Background(), user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}

func createTestMedicine(t *testing.T, db *database.DB, userID int64, name string) *models.Medicine {
	t.Helper()
	m := &models.Medicine{UserID: userID, Name: name, DosageUnit: "tablet", DoseAmount: decimal.NewFromInt(1), IsActive: true}
	if err := NewMedicineRepository(db).Create(context.Background(), m); err != nil {
		t.Fatalf("Failed to create medicine: %v", err)
	}
	return m
}

func createTestSchedule(t *testing.T, db *database.DB, medicineID int64) *models.Schedule {
	t.Helper()
	s := &models.Schedule{
		MedicineID: medicineID,
		Times:      []models.TimeOfDay{{Hour: 8}, {Hour: 20, Minute: 30}},
		Recurrence: models.RecurrenceDaily,
		Timezone:   "Europe/Berlin",
		StartDate:  time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Escalate:   true,
		IsActive:   true,
	}
	if err := NewScheduleRepository(db).Create(context.Background(), s); err != nil {
		t.Fatalf("Failed to create schedule: %v", err)
	}
	return s
}
