package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway/memory"
	"github.com/dvloznov/offline-ledger/internal/logger"
	"github.com/shopspring/decimal"
)

func newTestRouter(token string) (http.Handler, *memory.Gateway) {
	store := memory.New()
	return NewRouter(store, token, logger.Nop()), store
}

func doRequest(h http.Handler, method, path, owner, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if owner != "" {
		req.Header.Set("X-Owner-ID", owner)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouter_CreateListUpdateDelete(t *testing.T) {
	h, _ := newTestRouter("")

	rec := doRequest(h, http.MethodPost, "/api/transactions", "alice",
		`{"kind":"income","amount":"100.50","description":"Pay","category_id":"salary","date":"2025-01-05"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, body %s", rec.Code, rec.Body.String())
	}
	var created domain.TransactionRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding create response: %v", err)
	}
	if !created.Amount.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("amount = %s, want 100.5", created.Amount)
	}

	rec = doRequest(h, http.MethodGet, "/api/transactions?year=2025&month=1", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rec.Code)
	}
	var list struct {
		Transactions []domain.TransactionRecord `json:"transactions"`
		Count        int                        `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding list response: %v", err)
	}
	if list.Count != 1 || list.Transactions[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	rec = doRequest(h, http.MethodPut, "/api/transactions/"+created.ID, "alice",
		`{"kind":"income","amount":"90","description":"Pay","date":"2025-02-01"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", rec.Code, rec.Body.String())
	}
	var updated domain.TransactionRecord
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Date != (civil.Date{Year: 2025, Month: 2, Day: 1}) {
		t.Errorf("updated date = %v", updated.Date)
	}

	rec = doRequest(h, http.MethodDelete, "/api/transactions/"+created.ID, "alice", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE status = %d", rec.Code)
	}
	rec = doRequest(h, http.MethodDelete, "/api/transactions/"+created.ID, "alice", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second DELETE status = %d, want 404", rec.Code)
	}
}

func TestRouter_Errors(t *testing.T) {
	h, _ := newTestRouter("secret")
	auth := map[string]string{"Authorization": "Bearer secret"}

	tests := []struct {
		name    string
		method  string
		path    string
		owner   string
		body    string
		headers map[string]string
		want    int
	}{
		{"missing token", http.MethodGet, "/api/transactions", "alice", "", nil, http.StatusUnauthorized},
		{"wrong token", http.MethodGet, "/api/transactions", "alice", "", map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized},
		{"missing owner", http.MethodGet, "/api/transactions", "", "", auth, http.StatusUnauthorized},
		{"bad month", http.MethodGet, "/api/transactions?month=13", "alice", "", auth, http.StatusBadRequest},
		{"bad body", http.MethodPost, "/api/transactions", "alice", "{", auth, http.StatusBadRequest},
		{"invalid payload", http.MethodPost, "/api/transactions", "alice", `{"kind":"income","amount":"0","date":"2025-01-01"}`, auth, http.StatusUnprocessableEntity},
		{"unknown id", http.MethodPut, "/api/transactions/srv_404", "alice", `{"kind":"income","amount":"1","date":"2025-01-01"}`, auth, http.StatusNotFound},
		{"method not allowed", http.MethodPatch, "/api/transactions", "alice", "", auth, http.StatusMethodNotAllowed},
		{"health needs no auth", http.MethodGet, "/health", "", "", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, tt.method, tt.path, tt.owner, tt.body, tt.headers)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRouter_ListCategories(t *testing.T) {
	h, _ := newTestRouter("")

	rec := doRequest(h, http.MethodGet, "/api/categories", "alice", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Categories []domain.Category `json:"categories"`
		Count      int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Count != len(memory.DefaultCategories()) {
		t.Errorf("count = %d, want %d", resp.Count, len(memory.DefaultCategories()))
	}
}

func TestRouter_RequestIDEchoed(t *testing.T) {
	h, _ := newTestRouter("")
	rec := doRequest(h, http.MethodGet, "/health", "", "", map[string]string{"X-Request-ID": "req-7"})
	if got := rec.Header().Get("X-Request-ID"); got != "req-7" {
		t.Errorf("X-Request-ID = %q, want req-7", got)
	}
}
