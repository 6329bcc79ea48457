package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/agrous/stock-ledger/internal/adapter/storage"
	"github.com/agrous/stock-ledger/internal/auth"
	"github.com/agrous/stock-ledger/internal/core/domain"
	"github.com/agrous/stock-ledger/internal/core/service"
	"github.com/agrous/stock-ledger/internal/logging"
)

type testEnv struct {
	routes    http.Handler
	api       *HTTPHandler
	tokens    *auth.Manager
	items     *service.ItemService
	stock     *service.StockService
	livestock *service.LivestockService
	notifier  *storage.MemoryNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := storage.NewMemoryAdapter()
	notifier := storage.NewMemoryNotifier()
	validate := validator.New()
	log := logging.Discard()
	opts := service.Options{MaxAttempts: 5, RetryBackoff: time.Millisecond, QueueSize: 100}

	stock := service.NewStockService(repo, storage.NewMemoryCache(), log, opts)
	items := service.NewItemService(repo, stock, validate, log, opts)
	livestock := service.NewLivestockService(repo, validate, log, opts)
	audit := service.NewAuditService(repo, storage.NewMemoryLocker(), log)

	done := make(chan struct{})
	go func() {
		defer close(done)
		service.PublishLoop(0, stock.GetUpdateQueue(), notifier, log)
	}()
	t.Cleanup(func() {
		stock.Close()
		<-done
	})

	tokens, err := auth.NewManager("test-secret")
	if err != nil {
		t.Fatal(err)
	}

	h := NewHTTPHandler(items, stock, livestock, audit, validate, log)
	ws := NewWSHandler(items, notifier, nil, log)

	return &testEnv{
		routes:    Routes(h, ws, tokens, nil, log),
		api:       h,
		tokens:    tokens,
		items:     items,
		stock:     stock,
		livestock: livestock,
		notifier:  notifier,
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.tokens.NewJWT(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

// do sends body as JSON on behalf of userID and decodes the response
// envelope. An empty userID sends no token.
func (e *testEnv) do(t *testing.T, userID, method, path string, body any) (int, Response) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}

	rec := httptest.NewRecorder()
	e.routes.ServeHTTP(rec, req)

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, resp
}

// decodeData re-marshals the untyped envelope payload into dst.
func decodeData(t *testing.T, resp Response, dst any) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func (e *testEnv) createItem(t *testing.T, userID, name, openingStock string) domain.Item {
	t.Helper()
	code, resp := e.do(t, userID, http.MethodPost, "/api/items", map[string]any{
		"name":          name,
		"unit":          "kg",
		"category":      "feed",
		"opening_stock": openingStock,
	})
	if code != http.StatusCreated {
		t.Fatalf("create item: %d %+v", code, resp)
	}
	var item domain.Item
	decodeData(t, resp, &item)
	return item
}

func TestHealthCheck_NoAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected secure headers on every response")
	}
}

func TestRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(t)

	code, resp := env.do(t, "", http.MethodGet, "/api/items", nil)
	if code != http.StatusUnauthorized || resp.Code != "unauthorized" {
		t.Errorf("expected 401 unauthorized, got %d %+v", code, resp)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/items", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec := httptest.NewRecorder()
	env.routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a forged token, got %d", rec.Code)
	}
}

func TestMovementFlow(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "user-1", "Diesel", "0")
	path := "/api/items/" + item.ID + "/movements"

	code, resp := env.do(t, "user-1", http.MethodPost, path, map[string]any{"direction": "in", "quantity": "100"})
	if code != http.StatusCreated || !resp.Success {
		t.Fatalf("inbound movement: %d %+v", code, resp)
	}

	code, resp = env.do(t, "user-1", http.MethodPost, path, map[string]any{"direction": "out", "quantity": 30})
	if code != http.StatusCreated {
		t.Fatalf("outbound movement: %d %+v", code, resp)
	}
	var res service.MovementResult
	decodeData(t, resp, &res)
	if !res.Item.CurrentStock.Equal(decimal.NewFromInt(70)) || res.Item.Version != 3 {
		t.Errorf("expected stock 70 at version 3, got %s at %d", res.Item.CurrentStock, res.Item.Version)
	}
	if !res.Entry.BalanceAfter.Equal(decimal.NewFromInt(70)) {
		t.Errorf("expected balance_after 70, got %s", res.Entry.BalanceAfter)
	}

	code, resp = env.do(t, "user-1", http.MethodPost, path, map[string]any{"direction": "out", "quantity": "100"})
	if code != http.StatusUnprocessableEntity || resp.Code != "insufficient_stock" {
		t.Errorf("expected insufficient_stock, got %d %+v", code, resp)
	}

	code, resp = env.do(t, "user-1", http.MethodGet, path, nil)
	if code != http.StatusOK {
		t.Fatalf("history: %d %+v", code, resp)
	}
	var entries []domain.LedgerEntry
	decodeData(t, resp, &entries)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Direction != domain.DirectionOut {
		t.Errorf("expected newest entry first, got %s", entries[0].Direction)
	}
}

func TestRecordMovement_ErrorCodes(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "user-1", "Seed", "10")
	path := "/api/items/" + item.ID + "/movements"

	tests := []struct {
		name       string
		user       string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{"zero quantity", "user-1", path, map[string]any{"direction": "in", "quantity": "0"}, http.StatusBadRequest, "invalid_quantity"},
		{"negative quantity", "user-1", path, map[string]any{"direction": "in", "quantity": "-5"}, http.StatusBadRequest, "invalid_quantity"},
		{"too many decimals", "user-1", path, map[string]any{"direction": "in", "quantity": "0.00001"}, http.StatusBadRequest, "invalid_quantity"},
		{"bad direction", "user-1", path, map[string]any{"direction": "sideways", "quantity": "1"}, http.StatusBadRequest, "invalid_direction"},
		{"malformed body", "user-1", path, "not an object", http.StatusBadRequest, "invalid_request"},
		{"unknown item", "user-1", "/api/items/missing/movements", map[string]any{"direction": "in", "quantity": "1"}, http.StatusNotFound, "item_not_found"},
		{"foreign item", "user-2", path, map[string]any{"direction": "in", "quantity": "1"}, http.StatusNotFound, "item_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := env.do(t, tt.user, http.MethodPost, tt.path, tt.body)
			if code != tt.wantStatus || resp.Code != tt.wantCode {
				t.Errorf("expected %d %s, got %d %+v", tt.wantStatus, tt.wantCode, code, resp)
			}
			if resp.Success {
				t.Error("expected success=false")
			}
		})
	}

	got, _ := env.items.Get(t.Context(), "user-1", item.ID)
	if !got.CurrentStock.Equal(decimal.NewFromInt(10)) {
		t.Errorf("rejected movements changed stock to %s", got.CurrentStock)
	}
}

func TestRecordMovement_IdempotencyHeader(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "user-1", "Fertilizer", "0")
	path := "/api/items/" + item.ID + "/movements"

	send := func() (int, Response) {
		body, _ := json.Marshal(map[string]any{"direction": "in", "quantity": "5"})
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+env.token(t, "user-1"))
		req.Header.Set(idempotencyHeader, "req-42")
		rec := httptest.NewRecorder()
		env.routes.ServeHTTP(rec, req)

		var resp Response
		json.Unmarshal(rec.Body.Bytes(), &resp)
		return rec.Code, resp
	}

	if code, resp := send(); code != http.StatusCreated {
		t.Fatalf("first request: %d %+v", code, resp)
	}
	if code, resp := send(); code != http.StatusConflict || resp.Code != "duplicate_request" {
		t.Errorf("expected duplicate_request, got %d %+v", code, resp)
	}

	got, _ := env.items.Get(t.Context(), "user-1", item.ID)
	if !got.CurrentStock.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected stock 5, got %s", got.CurrentStock)
	}
}

func TestRecordMovement_ConcurrentOutbound(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "user-1", "Vaccine", "100")
	path := "/api/items/" + item.ID + "/movements"

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[int]int{}
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, _ := env.do(t, "user-1", http.MethodPost, path, map[string]any{"direction": "out", "quantity": "60"})
			mu.Lock()
			statuses[code]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if statuses[http.StatusCreated] != 1 || statuses[http.StatusUnprocessableEntity] != 1 {
		t.Errorf("expected one success and one insufficient_stock, got %v", statuses)
	}
	got, _ := env.items.Get(t.Context(), "user-1", item.ID)
	if !got.CurrentStock.Equal(decimal.NewFromInt(40)) {
		t.Errorf("expected stock 40, got %s", got.CurrentStock)
	}
}

func TestItemCRUD(t *testing.T) {
	env := newTestEnv(t)
	item := env.createItem(t, "user-1", "Hay", "12.5")
	if !item.CurrentStock.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("expected opening stock 12.5, got %s", item.CurrentStock)
	}

	code, resp := env.do(t, "user-1", http.MethodPut, "/api/items/"+item.ID, map[string]any{
		"name":     "Alfalfa hay",
		"unit":     "bale",
		"category": "feed",
	})
	if code != http.StatusOK {
		t.Fatalf("update: %d %+v", code, resp)
	}
	var updated domain.Item
	decodeData(t, resp, &updated)
	if updated.Name != "Alfalfa hay" || !updated.CurrentStock.Equal(item.CurrentStock) {
		t.Errorf("unexpected update result: %+v", updated)
	}

	code, resp = env.do(t, "user-1", http.MethodPut, "/api/items/"+item.ID, map[string]any{"name": ""})
	if code != http.StatusBadRequest || resp.Code != "invalid_request" {
		t.Errorf("expected invalid_request, got %d %+v", code, resp)
	}

	code, resp = env.do(t, "user-2", http.MethodGet, "/api/items", nil)
	var others []domain.Item
	decodeData(t, resp, &others)
	if code != http.StatusOK || len(others) != 0 {
		t.Errorf("expected no items for another user, got %d %v", code, others)
	}

	if code, resp = env.do(t, "user-1", http.MethodDelete, "/api/items/"+item.ID, nil); code != http.StatusOK {
		t.Fatalf("delete: %d %+v", code, resp)
	}
	if code, resp = env.do(t, "user-1", http.MethodGet, "/api/items/"+item.ID, nil); code != http.StatusNotFound || resp.Code != "item_not_found" {
		t.Errorf("expected item_not_found after delete, got %d %+v", code, resp)
	}

	code, resp = env.do(t, "user-1", http.MethodGet, "/api/movements?item_id="+item.ID, nil)
	var entries []domain.LedgerEntry
	decodeData(t, resp, &entries)
	if code != http.StatusOK || len(entries) != 1 || entries[0].ItemName != "Hay" {
		t.Errorf("expected the opening entry to survive deletion, got %d %+v", code, entries)
	}
}

func TestOwnerHistory_QueryParams(t *testing.T) {
	env := newTestEnv(t)
	a := env.createItem(t, "user-1", "A", "1")
	env.createItem(t, "user-1", "B", "2")

	code, resp := env.do(t, "user-1", http.MethodGet, "/api/movements", nil)
	var all []domain.LedgerEntry
	decodeData(t, resp, &all)
	if code != http.StatusOK || len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d %d", code, len(all))
	}

	_, resp = env.do(t, "user-1", http.MethodGet, "/api/movements?limit=1", nil)
	var limited []domain.LedgerEntry
	decodeData(t, resp, &limited)
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	_, resp = env.do(t, "user-1", http.MethodGet, "/api/movements?since="+future, nil)
	var none []domain.LedgerEntry
	decodeData(t, resp, &none)
	if len(none) != 0 {
		t.Errorf("expected no entries after %s, got %d", future, len(none))
	}

	_, resp = env.do(t, "user-1", http.MethodGet, "/api/movements?item_id="+a.ID, nil)
	var onlyA []domain.LedgerEntry
	decodeData(t, resp, &onlyA)
	if len(onlyA) != 1 || onlyA[0].ItemID != a.ID {
		t.Errorf("expected only item A, got %+v", onlyA)
	}

	for _, q := range []string{"since=yesterday", "until=1", "limit=-1", "limit=ten"} {
		if code, resp := env.do(t, "user-1", http.MethodGet, "/api/movements?"+q, nil); code != http.StatusBadRequest || resp.Code != "invalid_request" {
			t.Errorf("%s: expected invalid_request, got %d %+v", q, code, resp)
		}
	}
}

func TestAudit(t *testing.T) {
	env := newTestEnv(t)
	env.createItem(t, "user-1", "Oats", "3")

	code, resp := env.do(t, "user-1", http.MethodGet, "/api/audit", nil)
	if code != http.StatusOK {
		t.Fatalf("audit: %d %+v", code, resp)
	}
	var report service.AuditReport
	decodeData(t, resp, &report)
	if report.ItemsChecked != 1 || report.EntriesChecked != 1 || len(report.Drifts) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestLivestockFlow(t *testing.T) {
	env := newTestEnv(t)

	newLot := func(name string, heads int) domain.Lot {
		code, resp := env.do(t, "user-1", http.MethodPost, "/api/lots", map[string]any{"name": name, "head_count": heads})
		if code != http.StatusCreated {
			t.Fatalf("create lot: %d %+v", code, resp)
		}
		var lot domain.Lot
		decodeData(t, resp, &lot)
		return lot
	}
	north := newLot("North herd", 50)
	south := newLot("South herd", 10)

	code, resp := env.do(t, "user-1", http.MethodPost, "/api/lots/"+north.ID+"/transfers", map[string]any{
		"target_lot_id": south.ID,
		"head_count":    20,
	})
	if code != http.StatusCreated {
		t.Fatalf("transfer: %d %+v", code, resp)
	}
	var transfer service.TransferResult
	decodeData(t, resp, &transfer)
	if transfer.From.HeadCount != 30 || transfer.To.HeadCount != 30 {
		t.Errorf("expected 30/30, got %d/%d", transfer.From.HeadCount, transfer.To.HeadCount)
	}

	code, resp = env.do(t, "user-1", http.MethodPost, "/api/lots/"+north.ID+"/transfers", map[string]any{
		"target_lot_id": south.ID,
		"head_count":    31,
	})
	if code != http.StatusUnprocessableEntity || resp.Code != "insufficient_head_count" {
		t.Errorf("expected insufficient_head_count, got %d %+v", code, resp)
	}

	code, resp = env.do(t, "user-1", http.MethodPost, "/api/lots/"+north.ID+"/relocations", map[string]any{"pasture_id": "pasture-7"})
	if code != http.StatusCreated {
		t.Fatalf("relocate: %d %+v", code, resp)
	}

	code, resp = env.do(t, "user-1", http.MethodGet, "/api/lots/"+north.ID+"/movements", nil)
	var movements []domain.LotMovement
	decodeData(t, resp, &movements)
	if code != http.StatusOK || len(movements) != 2 {
		t.Errorf("expected 2 lot movements, got %d %d", code, len(movements))
	}

	if code, resp = env.do(t, "user-2", http.MethodGet, "/api/lots/"+north.ID, nil); code != http.StatusNotFound || resp.Code != "lot_not_found" {
		t.Errorf("expected lot_not_found for another user, got %d %+v", code, resp)
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("wrapped: %w", service.ErrTransactionConflict), http.StatusConflict, "transaction_conflict"},
		{service.ErrAuditInProgress, http.StatusConflict, "audit_in_progress"},
		{service.ErrSameLot, http.StatusBadRequest, "invalid_request"},
		{errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		status, code, _ := errorStatus(tt.err)
		if status != tt.wantStatus || code != tt.wantCode {
			t.Errorf("%v: expected %d %s, got %d %s", tt.err, tt.wantStatus, tt.wantCode, status, code)
		}
	}
}

func TestRecoverPanic(t *testing.T) {
	h := recoverPanic(logging.Discard())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	var resp Response
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Code != "internal_error" {
		t.Errorf("expected internal_error, got %+v", resp)
	}
}
