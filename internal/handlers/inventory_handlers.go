package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"medicine-reminder/internal/inventory"
	"medicine-reminder/internal/middleware"
	"medicine-reminder/internal/models"
	"medicine-reminder/internal/repository"

	"github.com/shopspring/decimal"
)

// InventoryResponse represents the stock of one medicine
type InventoryResponse struct {
	MedicineID         int64            `json:"medicine_id"`
	Quantity           decimal.Decimal  `json:"quantity"`
	Unit               string           `json:"unit"`
	LowStockThreshold  *decimal.Decimal `json:"low_stock_threshold,omitempty"`
	EffectiveThreshold decimal.Decimal  `json:"effective_threshold"`
	IsLowStock         bool             `json:"is_low_stock"`
	LastDecrementAt    *time.Time       `json:"last_decrement_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// InventoryHistoryResponse represents one ledger movement
type InventoryHistoryResponse struct {
	ID             int64           `json:"id"`
	ChangeAmount   decimal.Decimal `json:"change_amount"`
	QuantityBefore decimal.Decimal `json:"quantity_before"`
	QuantityAfter  decimal.Decimal `json:"quantity_after"`
	Reason         string          `json:"reason"`
	Reference      string          `json:"reference,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// SetInventoryRequest sets the stock of a medicine outright
type SetInventoryRequest struct {
	Quantity          decimal.Decimal  `json:"quantity"`
	Unit              string           `json:"unit"`
	LowStockThreshold *decimal.Decimal `json:"low_stock_threshold,omitempty"`
}

// RestockRequest adds to the stock of a medicine
type RestockRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ThresholdRequest sets the low-stock override; null reverts to the default
type ThresholdRequest struct {
	LowStockThreshold *decimal.Decimal `json:"low_stock_threshold"`
}

func newInventoryResponse(rec *models.InventoryRecord, threshold decimal.Decimal) InventoryResponse {
	resp := InventoryResponse{
		MedicineID:         rec.MedicineID,
		Quantity:           rec.Quantity,
		Unit:               rec.Unit,
		EffectiveThreshold: threshold,
		IsLowStock:         rec.Quantity.LessThanOrEqual(threshold),
		UpdatedAt:          rec.UpdatedAt,
	}
	if rec.LowStockThreshold.Valid {
		resp.LowStockThreshold = &rec.LowStockThreshold.Decimal
	}
	if rec.LastDecrementAt.Valid {
		resp.LastDecrementAt = &rec.LastDecrementAt.Time
	}
	return resp
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

// respondInventoryError maps ledger errors to HTTP statuses
func respondInventoryError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, inventory.ErrNotTracked):
		respondError(w, http.StatusNotFound, "Medicine has no inventory record")
	case errors.Is(err, inventory.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "Amounts must be positive and thresholds must not be negative")
	default:
		respondError(w, http.StatusInternalServerError, fallback)
	}
}

// HandleGetInventory returns the stock of a medicine and its latest movements
func HandleGetInventory(medicines *repository.MedicineRepository, ledger *inventory.Ledger, history *repository.InventoryRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}

		rec, threshold, err := ledger.Get(r.Context(), m.ID)
		if err != nil {
			respondInventoryError(w, err, "Failed to retrieve inventory")
			return
		}

		rows, err := history.GetHistory(r.Context(), m.ID, limitParam(r, 20, 200))
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve inventory history")
			return
		}
		changes := make([]InventoryHistoryResponse, 0, len(rows))
		for _, h := range rows {
			changes = append(changes, InventoryHistoryResponse{
				ID:             h.ID,
				ChangeAmount:   h.ChangeAmount,
				QuantityBefore: h.QuantityBefore,
				QuantityAfter:  h.QuantityAfter,
				Reason:         h.Reason,
				Reference:      h.Reference.String,
				Timestamp:      h.Timestamp,
			})
		}

		respondJSON(w, http.StatusOK, map[string]interface{}{
			"inventory": newInventoryResponse(rec, threshold),
			"history":   changes,
		})
	}
}

// HandleSetInventory creates or overwrites the stock of a medicine
func HandleSetInventory(medicines *repository.MedicineRepository, ledger *inventory.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}

		var req SetInventoryRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		unit := strings.TrimSpace(req.Unit)
		if unit == "" {
			unit = m.DosageUnit
		}

		rec := &models.InventoryRecord{
			MedicineID:        m.ID,
			Quantity:          req.Quantity,
			Unit:              unit,
			LowStockThreshold: nullDecimal(req.LowStockThreshold),
		}
		if err := ledger.Set(r.Context(), rec); err != nil {
			respondInventoryError(w, err, "Failed to update inventory")
			return
		}

		stored, threshold, err := ledger.Get(r.Context(), m.ID)
		if err != nil {
			respondInventoryError(w, err, "Failed to retrieve inventory")
			return
		}
		respondJSON(w, http.StatusOK, newInventoryResponse(stored, threshold))
	}
}

// HandleRestock adds stock to a medicine
func HandleRestock(medicines *repository.MedicineRepository, ledger *inventory.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}

		var req RestockRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		res, err := ledger.Restock(r.Context(), m.ID, req.Amount)
		if err != nil {
			respondInventoryError(w, err, "Failed to restock")
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"quantity_before": res.Before,
			"quantity":        res.Quantity,
			"is_low_stock":    res.Quantity.LessThanOrEqual(res.Threshold),
		})
	}
}

// HandleSetThreshold sets or clears the low-stock override of a medicine
func HandleSetThreshold(medicines *repository.MedicineRepository, ledger *inventory.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, ok := ownedMedicine(w, r, medicines)
		if !ok {
			return
		}

		var req ThresholdRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if err := ledger.SetThreshold(r.Context(), m.ID, nullDecimal(req.LowStockThreshold)); err != nil {
			respondInventoryError(w, err, "Failed to set threshold")
			return
		}

		rec, threshold, err := ledger.Get(r.Context(), m.ID)
		if err != nil {
			respondInventoryError(w, err, "Failed to retrieve inventory")
			return
		}
		respondJSON(w, http.StatusOK, newInventoryResponse(rec, threshold))
	}
}

// HandleGetInventoryAlerts lists the user's active medicines at or below
// their low-stock threshold
func HandleGetInventoryAlerts(medicines *repository.MedicineRepository, ledger *inventory.Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := medicines.ListByUser(r.Context(), middleware.GetUserID(r.Context()), true)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to retrieve medicines")
			return
		}

		alerts := []InventoryResponse{}
		for _, m := range list {
			rec, threshold, err := ledger.Get(r.Context(), m.ID)
			if errors.Is(err, inventory.ErrNotTracked) {
				continue
			}
			if err != nil {
				respondError(w, http.StatusInternalServerError, "Failed to retrieve inventory")
				return
			}
			if resp := newInventoryResponse(rec, threshold); resp.IsLowStock {
				alerts = append(alerts, resp)
			}
		}
		respondJSON(w, http.StatusOK, alerts)
	}
}
