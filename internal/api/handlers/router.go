package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/offline-ledger/internal/api/middleware"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/rs/zerolog"
)

// NewRouter wires the REST endpoints over store and wraps them in the
// middleware chain. token, when non-empty, is required as a bearer credential.
func NewRouter(store gateway.Gateway, token string, log zerolog.Logger) http.Handler {
	transactionsHandler := NewTransactionsHandler(store, log)
	categoriesHandler := NewCategoriesHandler(store, log)

	mux := http.NewServeMux()

	// Transactions endpoints
	mux.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			transactionsHandler.ListTransactions(w, r)
		case http.MethodPost:
			transactionsHandler.CreateTransaction(w, r)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/transactions/", func(w http.ResponseWriter, r *http.Request) {
		// Extract transaction ID from path
		id := strings.TrimPrefix(r.URL.Path, "/api/transactions/")
		if id == "" || strings.Contains(id, "/") {
			middleware.WriteError(w, http.StatusBadRequest, "Transaction ID is required")
			return
		}

		switch r.Method {
		case http.MethodPut:
			transactionsHandler.UpdateTransaction(w, r, id)
		case http.MethodDelete:
			transactionsHandler.DeleteTransaction(w, r, id)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Categories endpoints
	mux.HandleFunc("/api/categories", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			categoriesHandler.ListCategories(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	return middleware.Recovery(log)(
		middleware.RequestID(
			middleware.Logger(log)(
				middleware.CORS(
					middleware.Auth(token)(mux),
				),
			),
		),
	)
}
