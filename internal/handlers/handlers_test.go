package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"medicine-reminder/internal/auth"
	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/config"
	"medicine-reminder/internal/database"
	"medicine-reminder/internal/engine"
	"medicine-reminder/internal/escalation"
	"medicine-reminder/internal/inventory"
	"medicine-reminder/internal/logging"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/notify"
	"medicine-reminder/internal/repository"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

const testBotToken = "bot-secret"

var testStart = time.Date(2026, 3, 2, 7, 55, 0, 0, time.UTC)

type testEnv struct {
	t       *testing.T
	ctx     context.Context
	clk     *clock.Fake
	srv     *Server
	handler http.Handler
}

func testServerConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			JWTSecret:         "test-secret",
			BotToken:          testBotToken,
			SessionDuration:   time.Hour,
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
			LoginRateLimit:    1000,
			LoginRateWindow:   time.Minute,
		},
		Reminder: config.ReminderConfig{
			SnoozeDelay:          5 * time.Minute,
			MaxAttempts:          3,
			DayCutoff:            models.TimeOfDay{Hour: 23, Minute: 59},
			DefaultTimezone:      "UTC",
			LookAhead:            48 * time.Hour,
			HorizonInterval:      time.Hour,
			DispatchWorkers:      2,
			PersistenceRetryBase: time.Second,
			PersistenceRetryMax:  time.Minute,
		},
		Inventory:  config.InventoryConfig{DefaultLowStockThreshold: decimal.NewFromInt(5)},
		Caregivers: config.CaregiverConfig{MaxPerUser: 2},
	}
}

func newTestEnv(t *testing.T) *testEnv {
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

	cfg := testServerConfig()
	clk := clock.NewFake(testStart)
	logger := logging.Discard()

	s := &Server{
		Config:        cfg,
		DB:            db,
		Users:         repository.NewUserRepository(db),
		Medicines:     repository.NewMedicineRepository(db),
		Schedules:     repository.NewScheduleRepository(db),
		Reminders:     repository.NewReminderRepository(db),
		Inventory:     repository.NewInventoryRepository(db),
		Caregivers:    repository.NewCaregiverRepository(db),
		Notifications: repository.NewNotificationRepository(db),
		Audit:         repository.NewAuditRepository(db),
		Clock:         clk,
		Logger:        logger,
	}

	notifier := notify.NewRouter(notify.NewInbox(s.Notifications), nil)
	s.Ledger = inventory.NewLedger(s.Inventory, s.Medicines, notifier, cfg.Inventory.DefaultLowStockThreshold, clk, logger)
	s.Coordinator = escalation.NewCoordinator(escalation.Deps{
		Records:    repository.NewEscalationRepository(db),
		Caregivers: s.Caregivers,
		Reminders:  s.Reminders,
		Medicines:  s.Medicines,
		Users:      s.Users,
		Notifier:   notifier,
		Clock:      clk,
		Logger:     logger,
	})
	s.Engine = engine.New(cfg.Reminder, engine.Deps{
		Reminders: s.Reminders,
		Schedules: s.Schedules,
		Medicines: s.Medicines,
		Ledger:    s.Ledger,
		Escalator: s.Coordinator,
		Notifier:  notifier,
		Clock:     clk,
		Logger:    logger,
	})
	s.JWT = auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.SessionDuration, clk)
	s.RateLimiter = middleware.NewRateLimiter(cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow, clk)
	s.LoginRateLimiter = middleware.NewRateLimiter(cfg.Security.LoginRateLimit, cfg.Security.LoginRateWindow, clk)

	return &testEnv{t: t, ctx: ctx, clk: clk, srv: s, handler: NewRouter(s)}
}

// createUser stores a user directly and returns a session token for it
func (e *testEnv) createUser(username, timezone string) (*models.User, string) {
	e.t.Helper()
	u := &models.User{Username: username, PasswordHash: "unused", Timezone: timezone, IsActive: true}
	if err := e.srv.Users.Create(e.ctx, u); err != nil {
		e.t.Fatalf("Failed to create user: %v", err)
	}
	token, err := e.srv.JWT.GenerateToken(u.ID, u.Username)
	if err != nil {
		e.t.Fatalf("Failed to create token: %v", err)
	}
	return u, token
}

// do sends a request with an optional JSON body. token is sent as a bearer
// token; tokens starting with "bot:" go in X-Bot-Token instead.
func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.1:1234"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case strings.HasPrefix(token, "bot:"):
		req.Header.Set("X-Bot-Token", strings.TrimPrefix(token, "bot:"))
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

// createMedicine creates a medicine with a daily 08:00 schedule
func (e *testEnv) createMedicine(token, name string) (MedicineResponse, ScheduleResponse) {
	e.t.Helper()
	rr := e.do("POST", "/api/medicines", token, map[string]any{"name": name, "dosage_unit": "tablet"})
	expectStatus(e.t, rr, http.StatusCreated)
	med := decode[MedicineResponse](e.t, rr)

	rr = e.do("POST", fmt.Sprintf("/api/medicines/%d/schedules", med.ID), token, ScheduleRequest{Times: []string{"08:00"}, Recurrence: "daily"})
	expectStatus(e.t, rr, http.StatusCreated)
	return med, decode[ScheduleResponse](e.t, rr)
}

func (e *testEnv) upcoming(token string) []ReminderResponse {
	e.t.Helper()
	rr := e.do("GET", "/api/reminders/upcoming", token, nil)
	expectStatus(e.t, rr, http.StatusOK)
	return decode[[]ReminderResponse](e.t, rr)
}

func TestAuthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("POST", "/api/auth/register", "", RegisterRequest{Username: "alex", Password: "correct horse", Timezone: "Europe/Berlin"})
	expectStatus(t, rr, http.StatusCreated)
	registered := decode[AuthResponse](t, rr)
	if registered.Token == "" || registered.User.Timezone != "Europe/Berlin" {
		t.Fatalf("Unexpected register response %+v", registered)
	}

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"duplicate username", "/api/auth/register", RegisterRequest{Username: "alex", Password: "another password"}, http.StatusConflict},
		{"weak password", "/api/auth/register", RegisterRequest{Username: "blake", Password: "short"}, http.StatusBadRequest},
		{"bad timezone", "/api/auth/register", RegisterRequest{Username: "casey", Password: "long enough", Timezone: "Mars/Base"}, http.StatusBadRequest},
		{"bad username", "/api/auth/register", RegisterRequest{Username: "a b", Password: "long enough"}, http.StatusBadRequest},
		{"unknown field", "/api/auth/register", `{"username":"dana","password":"long enough","admin":true}`, http.StatusBadRequest},
		{"login", "/api/auth/login", LoginRequest{Username: "alex", Password: "correct horse"}, http.StatusOK},
		{"wrong password", "/api/auth/login", LoginRequest{Username: "alex", Password: "wrong horse"}, http.StatusUnauthorized},
		{"unknown user", "/api/auth/login", LoginRequest{Username: "nobody", Password: "correct horse"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, env.do("POST", tt.path, "", tt.body), tt.status)
		})
	}

	rr = env.do("GET", "/api/auth/me", registered.Token, nil)
	expectStatus(t, rr, http.StatusOK)
	if me := decode[UserResponse](t, rr); me.Username != "alex" {
		t.Errorf("Expected alex, got %+v", me)
	}

	expectStatus(t, env.do("GET", "/api/auth/me", "", nil), http.StatusUnauthorized)
	expectStatus(t, env.do("PUT", "/api/auth/me", registered.Token, ProfileRequest{Timezone: "Asia/Tokyo"}), http.StatusOK)
	expectStatus(t, env.do("PUT", "/api/auth/me", registered.Token, ProfileRequest{Timezone: "Nowhere"}), http.StatusBadRequest)
}

func TestScheduleCreatesReminders(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")

	med, sched := env.createMedicine(token, "Aspirin")
	want := ScheduleResponse{
		ID:         sched.ID,
		MedicineID: med.ID,
		Times:      []string{"08:00"},
		Recurrence: "daily",
		Timezone:   "UTC",
		StartDate:  "2026-03-02",
		Escalate:   true,
		IsActive:   true,
	}
	if diff := cmp.Diff(want, sched, cmpIgnoreExpanded); diff != "" {
		t.Errorf("Schedule mismatch (-want +got):\n%s", diff)
	}

	var got []time.Time
	for _, r := range env.upcoming(token) {
		got = append(got, r.ScheduledAt.UTC())
	}
	wantTimes := []time.Time{
		time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(wantTimes, got); diff != "" {
		t.Errorf("Upcoming reminders mismatch (-want +got):\n%s", diff)
	}

	rr := env.do("GET", fmt.Sprintf("/api/medicines/%d/schedules", med.ID), token, nil)
	expectStatus(t, rr, http.StatusOK)
	if list := decode[[]ScheduleResponse](t, rr); len(list) != 1 {
		t.Errorf("Expected one schedule, got %d", len(list))
	}
}

var cmpIgnoreExpanded = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".ExpandedUntil"
}, cmp.Ignore())

func TestScheduleValidation(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	_, other := env.createUser("blake", "UTC")

	rr := env.do("POST", "/api/medicines", token, map[string]any{"name": "Aspirin"})
	expectStatus(t, rr, http.StatusCreated)
	med := decode[MedicineResponse](t, rr)
	path := fmt.Sprintf("/api/medicines/%d/schedules", med.ID)

	tests := []struct {
		name   string
		token  string
		body   ScheduleRequest
		status int
	}{
		{"bad time", token, ScheduleRequest{Times: []string{"25:00"}}, http.StatusBadRequest},
		{"no times", token, ScheduleRequest{Recurrence: "daily"}, http.StatusBadRequest},
		{"unknown weekday", token, ScheduleRequest{Times: []string{"08:00"}, Recurrence: "weekdays", Weekdays: []string{"funday"}}, http.StatusBadRequest},
		{"unknown timezone", token, ScheduleRequest{Times: []string{"08:00"}, Timezone: "Nowhere/City"}, http.StatusBadRequest},
		{"bad start date", token, ScheduleRequest{Times: []string{"08:00"}, StartDate: "03/02/2026"}, http.StatusBadRequest},
		{"other user's medicine", other, ScheduleRequest{Times: []string{"08:00"}}, http.StatusNotFound},
		{"weekdays", token, ScheduleRequest{Times: []string{"09:30"}, Recurrence: "weekdays", Weekdays: []string{"Mon", "friday"}}, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, env.do("POST", path, tt.token, tt.body), tt.status)
		})
	}
}

func TestUpdateAndDeleteSchedule(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	med, sched := env.createMedicine(token, "Aspirin")
	path := fmt.Sprintf("/api/medicines/%d/schedules/%d", med.ID, sched.ID)

	rr := env.do("PUT", path, token, ScheduleRequest{Times: []string{"08:00", "20:00"}, Recurrence: "daily", StartDate: "2026-03-02"})
	expectStatus(t, rr, http.StatusOK)
	if updated := decode[ScheduleResponse](t, rr); len(updated.Times) != 2 {
		t.Fatalf("Expected two times, got %+v", updated)
	}
	if n := len(env.upcoming(token)); n < 3 {
		t.Errorf("Expected evening reminders to be added, got %d upcoming", n)
	}

	expectStatus(t, env.do("PUT", fmt.Sprintf("/api/medicines/%d/schedules/999", med.ID), token, ScheduleRequest{Times: []string{"08:00"}}), http.StatusNotFound)

	expectStatus(t, env.do("DELETE", path, token, nil), http.StatusNoContent)
	if n := len(env.upcoming(token)); n != 0 {
		t.Errorf("Expected no upcoming reminders after delete, got %d", n)
	}
}

func TestAcknowledgeReminder(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	_, other := env.createUser("blake", "UTC")
	env.createMedicine(token, "Aspirin")

	first := env.upcoming(token)[0]
	path := "/api/reminders/" + first.ID + "/ack"

	expectStatus(t, env.do("POST", path, other, AcknowledgeRequest{Action: "confirm"}), http.StatusNotFound)
	expectStatus(t, env.do("POST", path, token, AcknowledgeRequest{Action: "dance"}), http.StatusBadRequest)

	rr := env.do("POST", path, token, AcknowledgeRequest{Action: "confirm"})
	expectStatus(t, rr, http.StatusOK)
	if got := decode[ReminderResponse](t, rr); got.State != string(models.StateAcknowledged) {
		t.Errorf("Expected acknowledged, got %s", got.State)
	}

	// repeated and late actions are no-ops that report the stored state
	for _, action := range []string{"confirm", "snooze", "skip"} {
		rr = env.do("POST", path, token, AcknowledgeRequest{Action: action})
		expectStatus(t, rr, http.StatusOK)
		got := decode[ReminderResponse](t, rr)
		if !got.Stale || got.State != string(models.StateAcknowledged) {
			t.Errorf("%s: expected stale acknowledged reminder, got %+v", action, got)
		}
	}

	expectStatus(t, env.do("POST", "/api/reminders/missing/ack", token, AcknowledgeRequest{Action: "confirm"}), http.StatusNotFound)
}

func TestIntakeEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	env.createMedicine(token, "Aspirin")
	first := env.upcoming(token)[0]

	env.clk.Set(first.ScheduledAt)
	if err := env.srv.Engine.Tick(env.ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	bot := "bot:" + testBotToken
	expectStatus(t, env.do("GET", "/intake/notifications", "", nil), http.StatusUnauthorized)
	expectStatus(t, env.do("GET", "/intake/notifications", "bot:wrong", nil), http.StatusUnauthorized)

	rr := env.do("GET", "/intake/notifications", bot, nil)
	expectStatus(t, rr, http.StatusOK)
	pending := decode[[]NotificationResponse](t, rr)
	if len(pending) != 1 || pending[0].Type != notify.TypeReminder || pending[0].ReferenceID != first.ID {
		t.Fatalf("Expected one reminder notification, got %+v", pending)
	}

	rr = env.do("POST", "/intake/reminders/"+first.ID+"/ack", bot, AcknowledgeRequest{Action: "snooze"})
	expectStatus(t, rr, http.StatusOK)
	if got := decode[ReminderResponse](t, rr); got.State != string(models.StateSnoozed) {
		t.Errorf("Expected snoozed, got %s", got.State)
	}

	expectStatus(t, env.do("POST", fmt.Sprintf("/intake/notifications/%d/delivered", pending[0].ID), bot, nil), http.StatusNoContent)
	expectStatus(t, env.do("POST", "/intake/notifications/9999/delivered", bot, nil), http.StatusNotFound)

	rr = env.do("GET", "/intake/notifications", bot, nil)
	expectStatus(t, rr, http.StatusOK)
	if left := decode[[]NotificationResponse](t, rr); len(left) != 0 {
		t.Errorf("Expected no pending notifications, got %d", len(left))
	}

	rr = env.do("GET", "/api/notifications", token, nil)
	expectStatus(t, rr, http.StatusOK)
	if mine := decode[[]NotificationResponse](t, rr); len(mine) != 1 || !mine[0].IsDelivered {
		t.Errorf("Expected the delivered reminder in the user's list, got %+v", mine)
	}

	expectStatus(t, env.do("POST", "/intake/escalations/missing/receipt", bot, ReceiptRequest{CaregiverID: 1}), http.StatusNotFound)
	expectStatus(t, env.do("POST", "/intake/escalations/missing/receipt", bot, ReceiptRequest{}), http.StatusBadRequest)
}

func TestInventoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	med, _ := env.createMedicine(token, "Aspirin")
	base := fmt.Sprintf("/api/medicines/%d/inventory", med.ID)

	expectStatus(t, env.do("GET", base, token, nil), http.StatusNotFound)
	expectStatus(t, env.do("POST", base+"/restock", token, RestockRequest{Amount: decimal.NewFromInt(5)}), http.StatusNotFound)

	rr := env.do("PUT", base, token, SetInventoryRequest{Quantity: decimal.NewFromInt(4)})
	expectStatus(t, rr, http.StatusOK)
	inv := decode[InventoryResponse](t, rr)
	if !inv.IsLowStock || inv.Unit != "tablet" {
		t.Errorf("Expected low stock in tablets, got %+v", inv)
	}

	rr = env.do("GET", "/api/inventory/alerts", token, nil)
	expectStatus(t, rr, http.StatusOK)
	if alerts := decode[[]InventoryResponse](t, rr); len(alerts) != 1 {
		t.Errorf("Expected one alert, got %d", len(alerts))
	}

	expectStatus(t, env.do("POST", base+"/restock", token, RestockRequest{Amount: decimal.NewFromInt(-1)}), http.StatusBadRequest)
	rr = env.do("POST", base+"/restock", token, RestockRequest{Amount: decimal.NewFromInt(10)})
	expectStatus(t, rr, http.StatusOK)
	if got := decode[map[string]any](t, rr); got["is_low_stock"] != false {
		t.Errorf("Expected stock above threshold after restock, got %v", got)
	}

	threshold := decimal.NewFromInt(20)
	rr = env.do("PUT", base+"/threshold", token, ThresholdRequest{LowStockThreshold: &threshold})
	expectStatus(t, rr, http.StatusOK)
	if inv := decode[InventoryResponse](t, rr); !inv.IsLowStock || !inv.EffectiveThreshold.Equal(threshold) {
		t.Errorf("Expected override threshold 20, got %+v", inv)
	}

	first := env.upcoming(token)[0]
	expectStatus(t, env.do("POST", "/api/reminders/"+first.ID+"/ack", token, AcknowledgeRequest{Action: "confirm"}), http.StatusOK)

	rr = env.do("GET", base, token, nil)
	expectStatus(t, rr, http.StatusOK)
	var body struct {
		Inventory InventoryResponse          `json:"inventory"`
		History   []InventoryHistoryResponse `json:"history"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode inventory: %v", err)
	}
	if !body.Inventory.Quantity.Equal(decimal.NewFromInt(13)) {
		t.Errorf("Expected 13 after one dose, got %s", body.Inventory.Quantity)
	}
	var reasons []string
	for _, h := range body.History {
		reasons = append(reasons, h.Reason)
	}
	if diff := cmp.Diff([]string{"dose", "restock", "adjust"}, reasons); diff != "" {
		t.Errorf("History mismatch (-want +got):\n%s", diff)
	}
}

func TestCaregiverEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")

	tests := []struct {
		name   string
		body   CaregiverRequest
		status int
	}{
		{"chat", CaregiverRequest{Name: "Sam", ContactKind: "chat", ContactRef: "4242"}, http.StatusCreated},
		{"duplicate", CaregiverRequest{Name: "Sam again", ContactKind: "chat", ContactRef: "4242"}, http.StatusConflict},
		{"bad email", CaregiverRequest{Name: "Robin", ContactKind: "email", ContactRef: "not-an-email"}, http.StatusBadRequest},
		{"bad chat id", CaregiverRequest{Name: "Robin", ContactKind: "chat", ContactRef: "@robin"}, http.StatusBadRequest},
		{"bad kind", CaregiverRequest{Name: "Robin", ContactKind: "sms", ContactRef: "555"}, http.StatusBadRequest},
		{"email", CaregiverRequest{Name: "Robin", ContactKind: "email", ContactRef: "Robin@Example.com"}, http.StatusCreated},
		{"over limit", CaregiverRequest{Name: "Kim", ContactKind: "chat", ContactRef: "77"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, env.do("POST", "/api/caregivers", token, tt.body), tt.status)
		})
	}

	rr := env.do("GET", "/api/caregivers", token, nil)
	expectStatus(t, rr, http.StatusOK)
	list := decode[[]CaregiverResponse](t, rr)
	if len(list) != 2 || list[0].Name != "Sam" || list[1].ContactRef != "robin@example.com" || list[1].Position != 2 {
		t.Fatalf("Unexpected caregivers %+v", list)
	}

	_, other := env.createUser("blake", "UTC")
	summary := true
	path := fmt.Sprintf("/api/caregivers/%d", list[1].ID)
	expectStatus(t, env.do("PUT", path, other, CaregiverPreferencesRequest{ReceiveDailySummary: &summary}), http.StatusNotFound)

	rr = env.do("PUT", path, token, CaregiverPreferencesRequest{ReceiveDailySummary: &summary})
	expectStatus(t, rr, http.StatusOK)
	if got := decode[CaregiverResponse](t, rr); !got.ReceiveDailySummary || !got.ReceiveEscalations {
		t.Errorf("Expected summary and escalations enabled, got %+v", got)
	}

	expectStatus(t, env.do("DELETE", path, token, nil), http.StatusNoContent)
	expectStatus(t, env.do("DELETE", path, token, nil), http.StatusNotFound)
}

func TestDeactivateMedicineCancelsReminders(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	_, other := env.createUser("blake", "UTC")
	med, _ := env.createMedicine(token, "Aspirin")
	path := fmt.Sprintf("/api/medicines/%d", med.ID)

	expectStatus(t, env.do("DELETE", path, other, nil), http.StatusNotFound)
	expectStatus(t, env.do("DELETE", path, token, nil), http.StatusNoContent)

	if n := len(env.upcoming(token)); n != 0 {
		t.Errorf("Expected no upcoming reminders, got %d", n)
	}
	if n := env.srv.Engine.Pending(); n != 0 {
		t.Errorf("Expected no armed timers, got %d", n)
	}

	rr := env.do("GET", fmt.Sprintf("/api/medicines/%d/reminders", med.ID), token, nil)
	expectStatus(t, rr, http.StatusOK)
	for _, r := range decode[[]ReminderResponse](t, rr) {
		if r.State != string(models.StateCancelled) {
			t.Errorf("Expected cancelled, got %s", r.State)
		}
	}

	expectStatus(t, env.do("PUT", path, token, MedicineRequest{}), http.StatusConflict)
	expectStatus(t, env.do("POST", path+"/schedules", token, ScheduleRequest{Times: []string{"08:00"}}), http.StatusConflict)
}

func TestAuditLog(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	_, other := env.createUser("blake", "UTC")
	med, _ := env.createMedicine(token, "Aspirin")

	first := env.upcoming(token)[0]
	expectStatus(t, env.do("POST", "/api/reminders/"+first.ID+"/ack", token, AcknowledgeRequest{Action: "dance"}), http.StatusBadRequest)
	expectStatus(t, env.do("POST", "/api/reminders/"+first.ID+"/ack", token, AcknowledgeRequest{Action: "confirm"}), http.StatusOK)
	expectStatus(t, env.do("POST", "/api/caregivers", token, CaregiverRequest{Name: "Sam", ContactKind: "chat", ContactRef: "4242"}), http.StatusCreated)
	expectStatus(t, env.do("DELETE", fmt.Sprintf("/api/medicines/%d", med.ID), token, nil), http.StatusNoContent)

	rr := env.do("GET", "/api/audit", token, nil)
	expectStatus(t, rr, http.StatusOK)
	var actions []string
	for _, l := range decode[[]AuditLogResponse](t, rr) {
		actions = append(actions, l.Action)
	}
	want := []string{"medicine_deactivated", "caregiver_added", "reminder_confirm"}
	if diff := cmp.Diff(want, actions); diff != "" {
		t.Errorf("Audit actions mismatch (-want +got):\n%s", diff)
	}

	rr = env.do("GET", "/api/audit", other, nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[[]AuditLogResponse](t, rr); len(got) != 0 {
		t.Errorf("Expected no entries for another user, got %+v", got)
	}
}

func TestExportCSV(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.createUser("alex", "UTC")
	env.createMedicine(token, "Aspirin")
	first := env.upcoming(token)[0]
	expectStatus(t, env.do("POST", "/api/reminders/"+first.ID+"/ack", token, AcknowledgeRequest{Action: "confirm"}), http.StatusOK)

	rr := env.do("GET", "/api/export/csv?start_date=2026-03-01&end_date=2026-03-03", token, nil)
	expectStatus(t, rr, http.StatusOK)
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Errorf("Expected CSV content type, got %q", ct)
	}

	rows, err := csv.NewReader(rr.Body).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected header and two rows, got %d", len(rows))
	}
	if diff := cmp.Diff(exportHeader, rows[0]); diff != "" {
		t.Errorf("Header mismatch (-want +got):\n%s", diff)
	}
	want := []string{first.ID, "Aspirin", "1 tablet", "2026-03-02 08:00", "acknowledged", "0"}
	if diff := cmp.Diff(want, rows[1][:6]); diff != "" {
		t.Errorf("Row mismatch (-want +got):\n%s", diff)
	}

	expectStatus(t, env.do("GET", "/api/export/csv?start_date=2026-03-05&end_date=2026-03-01", token, nil), http.StatusBadRequest)
	expectStatus(t, env.do("GET", "/api/export/csv?start_date=yesterday", token, nil), http.StatusBadRequest)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do("GET", "/health", "", nil)
	expectStatus(t, rr, http.StatusOK)
	if got := decode[map[string]any](t, rr); got["status"] != "ok" {
		t.Errorf("Expected ok, got %v", got)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Expected security headers on every response")
	}
}
