package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/config"
	"medicine-reminder/internal/logging"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"

	"github.com/google/go-cmp/cmp"
)

type fakeUsers []*models.User

func (f fakeUsers) ListActive(ctx context.Context) ([]*models.User, error) { return f, nil }

type fakeCounter struct {
	counts map[int64]map[models.ReminderState]int
	ranges []time.Time
}

func (f *fakeCounter) CountByState(ctx context.Context, userID int64, from, to time.Time) (map[models.ReminderState]int, error) {
	f.ranges = append(f.ranges, from, to)
	return f.counts[userID], nil
}

type fakeCaregivers map[int64][]*models.Caregiver

func (f fakeCaregivers) ListSummaryTargets(ctx context.Context, userID int64) ([]*models.Caregiver, error) {
	return f[userID], nil
}

type fakeNotifications struct {
	cutoff time.Time
	n      int64
	err    error
}

func (f *fakeNotifications) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.n, f.err
}

type sentSummary struct {
	CaregiverID int64
	Summary     notify.Summary
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentSummary
	fail bool
}

func (r *recordingNotifier) SendSummary(ctx context.Context, to *models.Caregiver, sum notify.Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return notify.ErrDeliveryFailed
	}
	r.sent = append(r.sent, sentSummary{to.ID, sum})
	return nil
}

var testConfig = config.MaintenanceConfig{
	Interval:              15 * time.Minute,
	SummaryHour:           8,
	NotificationRetention: 30 * 24 * time.Hour,
}

type fixture struct {
	m        *Maintenance
	clk      *clock.Fake
	counter  *fakeCounter
	notifier *recordingNotifier
	outbox   *fakeNotifications
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{
		clk: clock.NewFake(now),
		counter: &fakeCounter{counts: map[int64]map[models.ReminderState]int{
			1: {models.StateAcknowledged: 2, models.StateEscalated: 1},
			2: {models.StateSkipped: 1},
		}},
		notifier: &recordingNotifier{},
		outbox:   &fakeNotifications{},
	}
	f.m = NewMaintenance(testConfig, Deps{
		Users: fakeUsers{
			{ID: 1, Username: "alex", Timezone: "Europe/Berlin"},
			{ID: 2, Username: "blair", Timezone: "America/New_York"},
			{ID: 3, Username: "casey", Timezone: "UTC"},
		},
		Reminders: f.counter,
		Caregivers: fakeCaregivers{
			1: {{ID: 10}, {ID: 11}},
			2: {{ID: 20}},
		},
		Notifications:   f.outbox,
		Notifier:        f.notifier,
		DefaultTimezone: "UTC",
		Clock:           f.clk,
		Logger:          logging.Discard(),
	})
	return f
}

func TestSendSummaries_RespectsLocalHour(t *testing.T) {
	// 08:30 in Berlin, 02:30 in New York
	f := newFixture(t, time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC))
	ctx := context.Background()

	n, err := f.m.SendSummaries(ctx)
	if err != nil {
		t.Fatalf("SendSummaries failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 user summarized, got %d", n)
	}

	want := notify.Summary{UserID: 1, Username: "alex", Date: "2026-03-01", Total: 3, Confirmed: 2, Missed: 1}
	wantSent := []sentSummary{{10, want}, {11, want}}
	if diff := cmp.Diff(wantSent, f.notifier.sent); diff != "" {
		t.Errorf("sent summaries mismatch (-want +got):\n%s", diff)
	}

	// Berlin midnight to midnight
	wantRange := []time.Time{
		time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC),
	}
	for i, w := range wantRange {
		if !f.counter.ranges[i].Equal(w) {
			t.Errorf("range[%d] = %v, want %v", i, f.counter.ranges[i], w)
		}
	}

	// once per day
	if n, _ := f.m.SendSummaries(ctx); n != 0 {
		t.Errorf("Expected no repeat summaries, got %d", n)
	}

	// New York reaches 08:00
	f.clk.Advance(6 * time.Hour)
	if n, _ := f.m.SendSummaries(ctx); n != 1 {
		t.Fatalf("Expected New York user summarized, got %d", n)
	}
	last := f.notifier.sent[len(f.notifier.sent)-1]
	if last.CaregiverID != 20 || last.Summary.Skipped != 1 || last.Summary.Date != "2026-03-01" {
		t.Errorf("Unexpected summary %+v", last)
	}
}

func TestSendSummaries_NextDay(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC))
	ctx := context.Background()

	f.m.SendSummaries(ctx)
	f.clk.Advance(24 * time.Hour)
	f.m.SendSummaries(ctx)

	var dates []string
	for _, s := range f.notifier.sent {
		if s.CaregiverID == 10 {
			dates = append(dates, s.Summary.Date)
		}
	}
	if diff := cmp.Diff([]string{"2026-03-01", "2026-03-02"}, dates); diff != "" {
		t.Errorf("summary dates mismatch (-want +got):\n%s", diff)
	}
}

func TestSendSummaries_DeliveryFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC))
	f.notifier.fail = true

	n, err := f.m.SendSummaries(context.Background())
	if err != nil {
		t.Fatalf("Expected delivery failures to be logged only, got %v", err)
	}
	if n != 1 {
		t.Errorf("Expected the user counted as summarized, got %d", n)
	}
}

func TestPurgeDelivered(t *testing.T) {
	now := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	f := newFixture(t, now)
	f.outbox.n = 4

	n, err := f.m.PurgeDelivered(context.Background())
	if err != nil {
		t.Fatalf("PurgeDelivered failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Expected 4 purged, got %d", n)
	}
	if want := now.Add(-30 * 24 * time.Hour); !f.outbox.cutoff.Equal(want) {
		t.Errorf("Expected cutoff %v, got %v", want, f.outbox.cutoff)
	}
}

func TestRunOnce_JoinsErrors(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC))
	boom := errors.New("database locked")
	f.outbox.err = boom

	err := f.m.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Expected purge error, got %v", err)
	}
	if len(f.notifier.sent) == 0 {
		t.Error("Expected summaries to be sent despite the purge failure")
	}
}
