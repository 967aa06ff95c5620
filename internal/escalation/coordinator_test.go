package escalation

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/database"
	"medicine-reminder/internal/logging"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/repository"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []int64
	failFor map[int64]bool
	started chan struct{} // receives once per send when set
	release chan struct{} // each send waits for it when set
}

func (n *fakeNotifier) SendReminder(ctx context.Context, r notify.Reminder) error { return nil }

func (n *fakeNotifier) SendLowStock(ctx context.Context, l notify.LowStock) error { return nil }

func (n *fakeNotifier) SendEscalation(ctx context.Context, to *models.Caregiver, e notify.Escalation) error {
	if n.started != nil {
		n.started <- struct{}{}
	}
	if n.release != nil {
		<-n.release
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[to.ID] {
		return notify.ErrDeliveryFailed
	}
	n.sent = append(n.sent, to.ID)
	return nil
}

func (n *fakeNotifier) recipients() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.sent...)
}

type fixture struct {
	coord      *Coordinator
	notifier   *fakeNotifier
	records    *repository.EscalationRepository
	reminders  *repository.ReminderRepository
	caregivers []*models.Caregiver
	inst       *models.ReminderInstance
}

var scheduledAt = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, caregiverCount int) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(database.DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.RunMigrations(ctx, logging.Discard()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	users := repository.NewUserRepository(db)
	medicines := repository.NewMedicineRepository(db)
	schedules := repository.NewScheduleRepository(db)
	caregivers := repository.NewCaregiverRepository(db)

	user := &models.User{Username: "alex", PasswordHash: "hash", Timezone: "UTC", IsActive: true}
	if err := users.Create(ctx, user); err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	med := &models.Medicine{UserID: user.ID, Name: "Insulin", DoseAmount: decimal.NewFromInt(1), IsActive: true}
	if err := medicines.Create(ctx, med); err != nil {
		t.Fatalf("Failed to create medicine: %v", err)
	}
	sched := &models.Schedule{
		MedicineID: med.ID,
		Times:      []models.TimeOfDay{{Hour: 8}},
		Recurrence: models.RecurrenceDaily,
		Timezone:   "UTC",
		StartDate:  scheduledAt,
		Escalate:   true,
		IsActive:   true,
	}
	if err := schedules.Create(ctx, sched); err != nil {
		t.Fatalf("Failed to create schedule: %v", err)
	}

	f := &fixture{
		notifier:  &fakeNotifier{},
		records:   repository.NewEscalationRepository(db),
		reminders: repository.NewReminderRepository(db),
	}

	for i := 0; i < caregiverCount; i++ {
		cg := &models.Caregiver{
			Name:               "carer",
			ContactKind:        models.ContactChat,
			ContactRef:         string(rune('a' + i)),
			ReceiveEscalations: true,
			IsActive:           true,
		}
		if err := caregivers.AddForUser(ctx, user.ID, cg, 5); err != nil {
			t.Fatalf("Failed to add caregiver: %v", err)
		}
		f.caregivers = append(f.caregivers, cg)
	}

	f.inst = &models.ReminderInstance{
		ID:           "rem-1",
		MedicineID:   med.ID,
		ScheduleID:   sched.ID,
		UserID:       user.ID,
		ScheduledAt:  scheduledAt,
		State:        models.StateEscalated,
		Attempts:     3,
		NextActionAt: scheduledAt.Add(15 * time.Minute),
		CutoffAt:     scheduledAt.Add(15 * time.Hour),
		CreatedAt:    scheduledAt,
		UpdatedAt:    scheduledAt,
	}
	if _, err := f.reminders.InsertIfAbsent(ctx, f.inst); err != nil {
		t.Fatalf("Failed to insert reminder: %v", err)
	}

	f.coord = NewCoordinator(Deps{
		Records:    f.records,
		Caregivers: caregivers,
		Reminders:  f.reminders,
		Medicines:  medicines,
		Users:      users,
		Notifier:   f.notifier,
		Clock:      clock.NewFake(scheduledAt.Add(15 * time.Minute)),
		Logger:     logging.Discard(),
	})
	return f
}

func (f *fixture) ids(idx ...int) []int64 {
	var out []int64
	for _, i := range idx {
		out = append(out, f.caregivers[i].ID)
	}
	return out
}

func TestEscalate_NotifiesInOrder(t *testing.T) {
	f := setup(t, 3)

	rec, err := f.coord.Escalate(context.Background(), f.inst)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	if diff := cmp.Diff(f.ids(0, 1, 2), f.notifier.recipients()); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}
	if !rec.Completed || len(rec.Attempts) != 3 {
		t.Errorf("Expected completed record with 3 attempts, got %+v", rec)
	}
}

func TestEscalate_Idempotent(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	first, err := f.coord.Escalate(ctx, f.inst)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	second, err := f.coord.Escalate(ctx, f.inst)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("Expected the same record, got %s and %s", first.ID, second.ID)
	}
	if got := len(f.notifier.recipients()); got != 2 {
		t.Errorf("Expected 2 notifications in total, got %d", got)
	}
}

func TestEscalate_ConcurrentCallsNotifyOnce(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.coord.Escalate(ctx, f.inst); err != nil {
				t.Errorf("Escalate failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(f.notifier.recipients()); got != 2 {
		t.Errorf("Expected 2 notifications in total, got %d", got)
	}
}

func TestEscalate_BestEffort(t *testing.T) {
	f := setup(t, 3)
	f.notifier.failFor = map[int64]bool{f.caregivers[0].ID: true}

	rec, err := f.coord.Escalate(context.Background(), f.inst)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	if diff := cmp.Diff(f.ids(1, 2), f.notifier.recipients()); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}

	stored, err := f.records.GetByReminder(context.Background(), f.inst.ID)
	if err != nil {
		t.Fatalf("GetByReminder failed: %v", err)
	}
	if len(stored.Attempts) != 3 || stored.Attempts[0].Delivered || stored.Attempts[0].Error == "" {
		t.Errorf("Expected failed first attempt recorded, got %+v", stored.Attempts)
	}
	if !stored.Attempts[1].Delivered || !stored.Attempts[2].Delivered {
		t.Errorf("Expected later attempts delivered, got %+v", stored.Attempts)
	}
	if !rec.Completed {
		t.Error("Expected completed record")
	}

	again, err := f.coord.Escalate(context.Background(), f.inst)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if len(again.Attempts) != 3 || len(f.notifier.recipients()) != 2 {
		t.Error("Failed caregivers must not be retried")
	}
}

func TestEscalate_NoCaregivers(t *testing.T) {
	f := setup(t, 0)

	rec, err := f.coord.Escalate(context.Background(), f.inst)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if !rec.Completed || len(rec.Targets) != 0 {
		t.Errorf("Expected empty completed record, got %+v", rec)
	}
}

func TestResolve_StopsRemainingNotifications(t *testing.T) {
	f := setup(t, 3)
	f.notifier.started = make(chan struct{}, 3)
	f.notifier.release = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.Escalate(ctx, f.inst)
		done <- err
	}()

	<-f.notifier.started
	f.coord.interrupt(f.inst.ID)
	close(f.notifier.release)

	if err := <-done; err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if err := f.coord.Resolve(ctx, f.inst.ID); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if got := f.notifier.recipients(); len(got) != 1 {
		t.Errorf("Expected only the in-flight notification, got %v", got)
	}

	rec, err := f.records.GetByReminder(ctx, f.inst.ID)
	if err != nil {
		t.Fatalf("GetByReminder failed: %v", err)
	}
	if !rec.Resolved || !rec.ResolvedAt.Valid || rec.Completed {
		t.Errorf("Expected resolved incomplete record, got %+v", rec)
	}

	if _, err := f.coord.Escalate(ctx, f.inst); err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if got := f.notifier.recipients(); len(got) != 1 {
		t.Errorf("Resolved escalation must not notify again, got %v", got)
	}
}

func TestResolve_WithoutEscalation(t *testing.T) {
	f := setup(t, 1)
	if err := f.coord.Resolve(context.Background(), "missing"); err != nil {
		t.Errorf("Expected nil for a reminder without escalation, got %v", err)
	}
}

func TestEscalate_SkipsConfirmedReminder(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	escalated := *f.inst
	f.inst.State = models.StateAcknowledged
	if err := f.reminders.Update(ctx, f.inst); err != nil {
		t.Fatalf("Update reminder failed: %v", err)
	}

	rec, err := f.coord.Escalate(ctx, &escalated)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if rec != nil {
		t.Errorf("Expected no record, got %+v", rec)
	}
	if got := f.notifier.recipients(); len(got) != 0 {
		t.Errorf("Expected no notifications, got %v", got)
	}
	if _, err := f.records.GetByReminder(ctx, f.inst.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("Expected no stored record, got %v", err)
	}
}

func TestEscalate_ResolvesRecordOfConfirmedReminder(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	stored := &models.EscalationRecord{
		ID:         "esc-1",
		ReminderID: f.inst.ID,
		UserID:     f.inst.UserID,
		Targets:    f.ids(0, 1),
		CreatedAt:  scheduledAt.Add(15 * time.Minute),
	}
	if err := f.records.Create(ctx, stored); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	escalated := *f.inst
	f.inst.State = models.StateAcknowledged
	if err := f.reminders.Update(ctx, f.inst); err != nil {
		t.Fatalf("Update reminder failed: %v", err)
	}

	rec, err := f.coord.Escalate(ctx, &escalated)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}
	if rec == nil || !rec.Resolved || rec.Completed {
		t.Errorf("Expected resolved record, got %+v", rec)
	}
	if got := f.notifier.recipients(); len(got) != 0 {
		t.Errorf("Expected no notifications, got %v", got)
	}
}

func TestAcknowledgeReceipt(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	rec, err := f.coord.Escalate(ctx, f.inst)
	if err != nil {
		t.Fatalf("Escalate failed: %v", err)
	}

	if _, err := f.coord.AcknowledgeReceipt(ctx, rec.ID, 9999); !errors.Is(err, ErrNotTarget) {
		t.Errorf("Expected ErrNotTarget, got %v", err)
	}

	got, err := f.coord.AcknowledgeReceipt(ctx, rec.ID, f.caregivers[1].ID)
	if err != nil {
		t.Fatalf("AcknowledgeReceipt failed: %v", err)
	}
	if got.AcknowledgedBy.Int64 != f.caregivers[1].ID || got.Resolved {
		t.Errorf("Expected receipt without resolution, got %+v", got)
	}

	again, err := f.coord.AcknowledgeReceipt(ctx, rec.ID, f.caregivers[0].ID)
	if err != nil {
		t.Fatalf("AcknowledgeReceipt failed: %v", err)
	}
	if again.AcknowledgedBy.Int64 != f.caregivers[1].ID {
		t.Errorf("First acknowledgment must be kept, got %d", again.AcknowledgedBy.Int64)
	}
}

func TestResumeIncomplete(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	// a crash after the first attempt leaves the record incomplete
	rec := &models.EscalationRecord{
		ID:         "esc-1",
		ReminderID: f.inst.ID,
		UserID:     f.inst.UserID,
		Targets:    f.ids(0, 1),
		CreatedAt:  scheduledAt.Add(15 * time.Minute),
	}
	if err := f.records.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	rec.Attempts = []models.EscalationAttempt{{CaregiverID: f.caregivers[0].ID, Delivered: true, At: scheduledAt.Add(15 * time.Minute)}}
	rec.UpdatedAt = scheduledAt.Add(15 * time.Minute)
	if err := f.records.Update(ctx, rec); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	n, err := f.coord.ResumeIncomplete(ctx)
	if err != nil {
		t.Fatalf("ResumeIncomplete failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 resumed escalation, got %d", n)
	}
	if diff := cmp.Diff(f.ids(1), f.notifier.recipients()); diff != "" {
		t.Errorf("recipients mismatch (-want +got):\n%s", diff)
	}
}

func TestResumeIncomplete_ResolvesConfirmedReminders(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()

	rec := &models.EscalationRecord{
		ID:         "esc-1",
		ReminderID: f.inst.ID,
		UserID:     f.inst.UserID,
		Targets:    f.ids(0, 1),
		CreatedAt:  scheduledAt.Add(15 * time.Minute),
	}
	if err := f.records.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	f.inst.State = models.StateAcknowledged
	if err := f.reminders.Update(ctx, f.inst); err != nil {
		t.Fatalf("Update reminder failed: %v", err)
	}

	n, err := f.coord.ResumeIncomplete(ctx)
	if err != nil {
		t.Fatalf("ResumeIncomplete failed: %v", err)
	}
	if n != 0 || len(f.notifier.recipients()) != 0 {
		t.Errorf("Expected no notifications, got %d resumed and %v", n, f.notifier.recipients())
	}

	got, err := f.records.GetByID(ctx, "esc-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !got.Resolved {
		t.Error("Expected record to be resolved")
	}
}
