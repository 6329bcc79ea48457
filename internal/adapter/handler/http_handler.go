package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/agrous/stock-ledger/internal/auth"
	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/core/service"
	"github.com/agrous/stock-ledger/internal/logging"
)

const idempotencyHeader = "Idempotency-Key"

type HTTPHandler struct {
	items     *service.ItemService
	stock     *service.StockService
	livestock *service.LivestockService
	audit     *service.AuditService
	validate  *validator.Validate
	log       logrus.FieldLogger
}

type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type MovementHTTPRequest struct {
	Direction string          `json:"direction"`
	Quantity  decimal.Decimal `json:"quantity"`
	RequestID string          `json:"request_id" validate:"omitempty,max=128"`
	Note      *string         `json:"note,omitempty" validate:"omitempty,max=255"`
}

type TransferHTTPRequest struct {
	TargetLotID string `json:"target_lot_id" validate:"required"`
	HeadCount   int    `json:"head_count"`
}

type RelocationHTTPRequest struct {
	PastureID string `json:"pasture_id"`
}

func NewHTTPHandler(
	items *service.ItemService,
	stock *service.StockService,
	livestock *service.LivestockService,
	audit *service.AuditService,
	validate *validator.Validate,
	log logrus.FieldLogger,
) *HTTPHandler {
	return &HTTPHandler{
		items:     items,
		stock:     stock,
		livestock: livestock,
		audit:     audit,
		validate:  validate,
		log:       log,
	}
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req service.NewItem
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.items.Register(r.Context(), ownerID(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "item created", Data: item})
}

func (h *HTTPHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.items.List(r.Context(), ownerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: items})
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.items.Get(r.Context(), ownerID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: item})
}

func (h *HTTPHandler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req service.ItemDetailsInput
	if !h.decode(w, r, &req) {
		return
	}

	item, err := h.items.UpdateDetails(r.Context(), ownerID(r), pathParam(r, "id"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "item updated", Data: item})
}

func (h *HTTPHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.items.Delete(r.Context(), ownerID(r), pathParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "item deleted"})
}

func (h *HTTPHandler) RecordMovement(w http.ResponseWriter, r *http.Request) {
	var req MovementHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get(idempotencyHeader)
	}

	res, err := h.stock.RecordMovement(r.Context(), domain.Movement{
		ItemID:    pathParam(r, "id"),
		OwnerID:   ownerID(r),
		Direction: domain.Direction(req.Direction),
		Quantity:  req.Quantity,
		RequestID: req.RequestID,
		Note:      req.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "movement recorded", Data: res})
}

func (h *HTTPHandler) ItemHistory(w http.ResponseWriter, r *http.Request) {
	itemID := pathParam(r, "id")
	// Ownership check first so a foreign item id reads as not found.
	if _, err := h.items.Get(r.Context(), ownerID(r), itemID); err != nil {
		h.writeError(w, r, err)
		return
	}

	filter, err := parseEntryFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: err.Error(), Code: "invalid_request"})
		return
	}
	filter.ItemID = &itemID
	h.writeHistory(w, r, filter)
}

func (h *HTTPHandler) OwnerHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseEntryFilter(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: err.Error(), Code: "invalid_request"})
		return
	}
	if itemID := r.URL.Query().Get("item_id"); itemID != "" {
		filter.ItemID = &itemID
	}
	h.writeHistory(w, r, filter)
}

func (h *HTTPHandler) writeHistory(w http.ResponseWriter, r *http.Request, filter domain.EntryFilter) {
	entries, err := h.items.History(r.Context(), ownerID(r), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: entries})
}

func (h *HTTPHandler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.audit.Reconcile(r.Context(), ownerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "audit complete", Data: report})
}

func (h *HTTPHandler) CreateLot(w http.ResponseWriter, r *http.Request) {
	var req service.NewLot
	if !h.decode(w, r, &req) {
		return
	}

	lot, err := h.livestock.CreateLot(r.Context(), ownerID(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "lot created", Data: lot})
}

func (h *HTTPHandler) ListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := h.livestock.ListLots(r.Context(), ownerID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: lots})
}

func (h *HTTPHandler) GetLot(w http.ResponseWriter, r *http.Request) {
	lot, err := h.livestock.GetLot(r.Context(), ownerID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: lot})
}

func (h *HTTPHandler) TransferAnimals(w http.ResponseWriter, r *http.Request) {
	var req TransferHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.livestock.TransferAnimals(r.Context(), ownerID(r), pathParam(r, "id"), req.TargetLotID, req.HeadCount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "animals transferred", Data: res})
}

func (h *HTTPHandler) RelocateLot(w http.ResponseWriter, r *http.Request) {
	var req RelocationHTTPRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.livestock.RelocateLot(r.Context(), ownerID(r), pathParam(r, "id"), req.PastureID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, Response{Success: true, Message: "lot relocated", Data: res})
}

func (h *HTTPHandler) LotHistory(w http.ResponseWriter, r *http.Request) {
	movements, err := h.livestock.LotHistory(r.Context(), ownerID(r), pathParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "ok", Data: movements})
}

// decode reads a JSON body and runs struct validation. It writes the 400
// response itself and reports whether the handler may continue.
func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Message: "invalid request body",
			Code:    "invalid_request",
		})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			Success: false,
			Message: err.Error(),
			Code:    "invalid_request",
		})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		logging.LogError(h.log, "handler", "http", r.Method+" "+r.URL.Path, ownerID(r), err)
	}
	writeJSON(w, status, Response{Success: false, Message: message, Code: code})
}

// errorStatus maps service errors to an HTTP status, a stable code and a
// client-facing message.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity):
		return http.StatusBadRequest, "invalid_quantity", err.Error()
	case errors.Is(err, service.ErrInvalidDirection):
		return http.StatusBadRequest, "invalid_direction", err.Error()
	case errors.Is(err, service.ErrInvalidInput),
		errors.Is(err, service.ErrInvalidHeadCount),
		errors.Is(err, service.ErrSameLot),
		errors.Is(err, service.ErrInvalidPasture):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, service.ErrItemNotFound):
		return http.StatusNotFound, "item_not_found", "item not found"
	case errors.Is(err, service.ErrLotNotFound):
		return http.StatusNotFound, "lot_not_found", "lot not found"
	case errors.Is(err, service.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, "insufficient_stock", "insufficient stock"
	case errors.Is(err, service.ErrInsufficientHeadCount):
		return http.StatusUnprocessableEntity, "insufficient_head_count", "not enough animals in lot"
	case errors.Is(err, service.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request", "duplicate request"
	case errors.Is(err, service.ErrTransactionConflict):
		return http.StatusConflict, "transaction_conflict", "too many concurrent updates, try again"
	case errors.Is(err, service.ErrAuditInProgress):
		return http.StatusConflict, "audit_in_progress", "an audit is already running"
	}
	return http.StatusInternalServerError, "internal_error", "internal error"
}

func parseEntryFilter(r *http.Request) (domain.EntryFilter, error) {
	var filter domain.EntryFilter
	q := r.URL.Query()

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("since must be an RFC 3339 timestamp")
		}
		filter.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("until must be an RFC 3339 timestamp")
		}
		filter.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = n
	}
	return filter, nil
}

// pathParam reads a pat route variable.
func pathParam(r *http.Request, name string) string {
	return r.URL.Query().Get(":" + name)
}

func ownerID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
