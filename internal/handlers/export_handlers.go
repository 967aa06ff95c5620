package handlers

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"medicine-reminder/internal/clock"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/repository"
	"medicine-reminder/internal/schedule"
)

// maxExportDays bounds a single export
const maxExportDays = 366

var midnight = models.TimeOfDay{}

var exportHeader = []string{"reminder_id", "medicine", "dose", "scheduled_local", "state", "attempts", "last_change_utc"}

// HandleExportCSV writes the user's reminders between start_date and
// end_date (inclusive, in the user's timezone) as CSV. The range defaults to
// the last 30 days.
func HandleExportCSV(users *repository.UserRepository, medicines *repository.MedicineRepository, reminders *repository.ReminderRepository, defaultTimezone string, clk clock.Clock) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.GetUserID(r.Context())
		loc, err := schedule.LoadLocation(userTimezone(r, users, defaultTimezone))
		if err != nil {
			loc = time.UTC
		}

		today := schedule.DateOf(clk.Now(), loc)
		start, end := today.AddDays(-29), today
		if v := r.URL.Query().Get("start_date"); v != "" {
			if start, err = parseDate(v); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid start_date format. Use YYYY-MM-DD")
				return
			}
		}
		if v := r.URL.Query().Get("end_date"); v != "" {
			if end, err = parseDate(v); err != nil {
				respondError(w, http.StatusBadRequest, "Invalid end_date format. Use YYYY-MM-DD")
				return
			}
		}
		if end.Before(start) {
			respondError(w, http.StatusBadRequest, "end_date must not be before start_date")
			return
		}
		if start.AddDays(maxExportDays).Before(end) {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Exports cover at most %d days", maxExportDays))
			return
		}

		from := schedule.ResolveLocal(start, midnight, loc)
		to := schedule.ResolveLocal(end.AddDays(1), midnight, loc)
		list, err := reminders.ListRange(r.Context(), userID, from, to)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to gather export data")
			return
		}

		names := make(map[int64][2]string)
		meds, err := medicines.ListByUser(r.Context(), userID, false)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to gather export data")
			return
		}
		for _, m := range meds {
			names[m.ID] = [2]string{m.Name, m.DoseInfo()}
		}

		filename := fmt.Sprintf("reminders-%s-to-%s.csv", start, end)
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

		writer := csv.NewWriter(w)
		writer.Write(exportHeader)
		for _, inst := range list {
			med := names[inst.MedicineID]
			writer.Write([]string{
				inst.ID,
				med[0],
				med[1],
				inst.ScheduledAt.In(loc).Format("2006-01-02 15:04"),
				string(inst.State),
				strconv.Itoa(inst.Attempts),
				inst.UpdatedAt.UTC().Format(time.RFC3339),
			})
		}
		writer.Flush()
	}
}

func parseDate(s string) (schedule.Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return schedule.Date{}, err
	}
	return schedule.Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}
