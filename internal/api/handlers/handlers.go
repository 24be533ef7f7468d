package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dvloznov/offline-ledger/internal/api/middleware"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/rs/zerolog"
)

// TransactionsHandler serves the authoritative transaction store.
type TransactionsHandler struct {
	store gateway.Gateway
	log   zerolog.Logger
	now   func() time.Time
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(store gateway.Gateway, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// ListTransactions handles GET /api/transactions?year=YYYY&month=M
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.OwnerFromContext(ctx)

	key := domain.CurrentMonth(h.now())
	query := r.URL.Query()

	if yearStr := query.Get("year"); yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid year")
			return
		}
		key.Year = year
	}
	if monthStr := query.Get("month"); monthStr != "" {
		month, err := strconv.Atoi(monthStr)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid month")
			return
		}
		key.Month = time.Month(month)
	}
	if !key.Valid() {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid year or month")
		return
	}

	transactions, err := h.store.ListForMonth(ctx, owner, key)
	if err != nil {
		h.log.Error().Err(err).Str("owner_id", owner).Str("month", key.String()).Msg("Failed to list transactions")
		writeStoreError(w, err)
		return
	}

	// Return an empty array rather than null for client compatibility
	if transactions == nil {
		transactions = []domain.TransactionRecord{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// CreateTransaction handles POST /api/transactions
func (h *TransactionsHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.OwnerFromContext(ctx)

	payload, ok := decodePayload(w, r)
	if !ok {
		return
	}

	record, err := h.store.Create(ctx, owner, payload)
	if err != nil {
		h.log.Error().Err(err).Str("owner_id", owner).Msg("Failed to create transaction")
		writeStoreError(w, err)
		return
	}

	h.log.Info().Str("owner_id", owner).Str("transaction_id", record.ID).Msg("Transaction created")
	middleware.WriteJSON(w, http.StatusCreated, record)
}

// UpdateTransaction handles PUT /api/transactions/{id}
func (h *TransactionsHandler) UpdateTransaction(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	owner := middleware.OwnerFromContext(ctx)

	payload, ok := decodePayload(w, r)
	if !ok {
		return
	}

	record, err := h.store.Update(ctx, owner, id, payload)
	if err != nil {
		h.log.Error().Err(err).Str("owner_id", owner).Str("transaction_id", id).Msg("Failed to update transaction")
		writeStoreError(w, err)
		return
	}

	middleware.WriteJSON(w, http.StatusOK, record)
}

// DeleteTransaction handles DELETE /api/transactions/{id}
func (h *TransactionsHandler) DeleteTransaction(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	owner := middleware.OwnerFromContext(ctx)

	if err := h.store.Delete(ctx, owner, id); err != nil {
		h.log.Error().Err(err).Str("owner_id", owner).Str("transaction_id", id).Msg("Failed to delete transaction")
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// CategoriesHandler handles category-related endpoints.
type CategoriesHandler struct {
	store gateway.Gateway
	log   zerolog.Logger
}

// NewCategoriesHandler creates a new categories handler.
func NewCategoriesHandler(store gateway.Gateway, log zerolog.Logger) *CategoriesHandler {
	return &CategoriesHandler{
		store: store,
		log:   log,
	}
}

// ListCategories handles GET /api/categories
func (h *CategoriesHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.OwnerFromContext(ctx)

	categories, err := h.store.ListCategories(ctx, owner)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list categories")
		writeStoreError(w, err)
		return
	}

	if categories == nil {
		categories = []domain.Category{}
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"categories": categories,
		"count":      len(categories),
	})
}

func decodePayload(w http.ResponseWriter, r *http.Request) (domain.Payload, bool) {
	var payload domain.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return domain.Payload{}, false
	}
	if err := payload.Validate(); err != nil {
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return domain.Payload{}, false
	}
	return payload, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, gateway.ErrInvalid), errors.Is(err, domain.ErrInvalidPayload):
		middleware.WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, gateway.ErrUnauthorized):
		middleware.WriteError(w, http.StatusForbidden, "Not authorized")
	case errors.Is(err, gateway.ErrTransport):
		middleware.WriteError(w, http.StatusServiceUnavailable, "Store unavailable")
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "Internal server error")
	}
}
