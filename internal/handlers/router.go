package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"medicine-reminder/internal/auth"
	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/config"
	"medicine-reminder/internal/database"
	"medicine-reminder/internal/engine"
	"medicine-reminder/internal/escalation"
	"medicine-reminder/internal/inventory"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/repository"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Server holds everything the HTTP routes need
type Server struct {
	Config *config.Config
	DB     *database.DB

	Users         *repository.UserRepository
	Medicines     *repository.MedicineRepository
	Schedules     *repository.ScheduleRepository
	Reminders     *repository.ReminderRepository
	Inventory     *repository.InventoryRepository
	Caregivers    *repository.CaregiverRepository
	Notifications *repository.NotificationRepository
	Audit         *repository.AuditRepository

	Engine      *engine.Engine
	Ledger      *inventory.Ledger
	Coordinator *escalation.Coordinator

	JWT              *auth.JWTManager
	RateLimiter      *middleware.RateLimiter
	LoginRateLimiter *middleware.RateLimiter

	Clock  clock.Clock
	Logger *slog.Logger
}

// NewRouter builds the HTTP API. /api is for users with a session token,
// /intake is for the chat layer with the bot token.
func NewRouter(s *Server) http.Handler {
	cfg := s.Config
	tz := cfg.Reminder.DefaultTimezone
	authMiddleware := middleware.NewAuthMiddleware(s.JWT)
	audit := NewAuditor(s.Audit, s.Clock, s.Logger)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(s.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(middleware.SecurityHeaders(cfg.Security.HSTSEnabled))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://localhost:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Bot-Token"},
		MaxAge:         300,
	}))

	r.Get("/health", HandleHealth(s.DB, s.Engine))

	// Public routes
	r.Group(func(r chi.Router) {
		r.Use(s.RateLimiter.Middleware)

		r.Route("/api/auth", func(r chi.Router) {
			r.With(s.LoginRateLimiter.Middleware).Post("/login", HandleLogin(s.Users, s.JWT, audit, s.Clock, s.Logger))
			r.With(s.LoginRateLimiter.Middleware).Post("/register", HandleRegister(s.Users, s.JWT, tz, s.Clock))
			r.Post("/refresh", HandleRefreshToken(s.JWT, s.Clock))
		})
	})

	// User routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.RequireAuth)
		r.Use(s.RateLimiter.Middleware)

		r.Route("/api", func(r chi.Router) {
			r.Get("/auth/me", HandleGetCurrentUser(s.Users))
			r.Put("/auth/me", HandleUpdateProfile(s.Users))

			r.Route("/medicines", func(r chi.Router) {
				r.Get("/", HandleListMedicines(s.Medicines))
				r.Post("/", HandleCreateMedicine(s.Medicines))
				r.Get("/{id}", HandleGetMedicine(s.Medicines))
				r.Put("/{id}", HandleUpdateMedicine(s.Medicines))
				r.Delete("/{id}", HandleDeactivateMedicine(s.Medicines, s.Engine, audit, s.Logger))

				r.Get("/{id}/schedules", HandleListSchedules(s.Medicines, s.Schedules))
				r.Post("/{id}/schedules", HandleCreateSchedule(s.Medicines, s.Schedules, s.Users, s.Engine, tz, s.Clock, s.Logger))
				r.Put("/{id}/schedules/{scheduleID}", HandleUpdateSchedule(s.Medicines, s.Schedules, s.Users, s.Engine, tz, s.Clock, s.Logger))
				r.Delete("/{id}/schedules/{scheduleID}", HandleDeleteSchedule(s.Medicines, s.Schedules, s.Engine, audit, s.Logger))

				r.Get("/{id}/reminders", HandleReminderHistory(s.Medicines, s.Reminders))

				r.Get("/{id}/inventory", HandleGetInventory(s.Medicines, s.Ledger, s.Inventory))
				r.Put("/{id}/inventory", HandleSetInventory(s.Medicines, s.Ledger))
				r.Post("/{id}/inventory/restock", HandleRestock(s.Medicines, s.Ledger))
				r.Put("/{id}/inventory/threshold", HandleSetThreshold(s.Medicines, s.Ledger))
			})

			r.Get("/inventory/alerts", HandleGetInventoryAlerts(s.Medicines, s.Ledger))

			r.Get("/reminders/upcoming", HandleListUpcoming(s.Reminders, s.Clock))
			r.Post("/reminders/{reminderID}/ack", HandleAcknowledgeReminder(s.Reminders, s.Engine, audit, s.Logger))

			r.Route("/caregivers", func(r chi.Router) {
				r.Get("/", HandleListCaregivers(s.Caregivers))
				r.Post("/", HandleAddCaregiver(s.Caregivers, cfg.Caregivers.MaxPerUser, audit))
				r.Put("/{caregiverID}", HandleUpdateCaregiver(s.Caregivers))
				r.Delete("/{caregiverID}", HandleRemoveCaregiver(s.Caregivers, audit))
			})

			r.Get("/notifications", HandleGetNotifications(s.Notifications))
			r.Get("/audit", HandleListAuditLog(s.Audit))
			r.Get("/export/csv", HandleExportCSV(s.Users, s.Medicines, s.Reminders, tz, s.Clock))
		})
	})

	// Chat layer routes
	r.Route("/intake", func(r chi.Router) {
		r.Use(middleware.RequireBotToken(cfg.Security.BotToken))

		r.Post("/reminders/{reminderID}/ack", HandleIntakeAcknowledge(s.Engine, audit, s.Logger))
		r.Post("/escalations/{escalationID}/receipt", HandleEscalationReceipt(s.Coordinator, s.Logger))
		r.Get("/notifications", HandleListPendingNotifications(s.Notifications))
		r.Post("/notifications/{notificationID}/delivered", HandleMarkDelivered(s.Notifications))
	})

	return r
}
