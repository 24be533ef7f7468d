// Package postgres is a gateway.Gateway backed by PostgreSQL. The reference
// server uses it as the authoritative store when DATABASE_URL is set.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/offline-ledger/internal/domain"
	"github.com/dvloznov/offline-ledger/internal/gateway"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"
)

// Gateway stores records in the transactions table.
type Gateway struct {
	db  *sql.DB
	now func() time.Time
}

// NormalizeURL accepts postgresql:// URLs and adds sslmode=disable when no
// sslmode is given.
func NormalizeURL(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgresql://") {
		databaseURL = "postgres://" + strings.TrimPrefix(databaseURL, "postgresql://")
	}
	if !strings.Contains(databaseURL, "sslmode=") {
		separator := "?"
		if strings.Contains(databaseURL, "?") {
			separator = "&"
		}
		databaseURL += separator + "sslmode=disable"
	}
	return databaseURL
}

// OpenDB parses databaseURL and returns a pinged *sql.DB using the pgx driver.
func OpenDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	cfg, err := pgx.ParseConfig(NormalizeURL(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("OpenDB: failed to parse database URL: %w", err)
	}

	db := stdlib.OpenDB(*cfg)
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("OpenDB: failed to connect to database: %w", err)
	}
	return db, nil
}

// New wraps db. The schema is created by cmd/migrate.
func New(db *sql.DB) *Gateway {
	return &Gateway{db: db, now: time.Now}
}

// Close closes the underlying pool.
func (g *Gateway) Close() error {
	return g.db.Close()
}

// Ping implements connectivity.Checker.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", gateway.ErrTransport, err)
	}
	return nil
}

const selectColumns = `id, owner_id, kind, amount, description, COALESCE(category_id, ''), tx_date, created_at, updated_at`

// ListForMonth implements gateway.Gateway.
func (g *Gateway) ListForMonth(ctx context.Context, ownerID string, key domain.MonthKey) ([]domain.TransactionRecord, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("ListForMonth: %w: month %q", gateway.ErrInvalid, key)
	}
	first, last := key.FirstDay(), key.LastDay()

	rows, err := g.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM transactions
		WHERE owner_id = $1 AND tx_date BETWEEN $2::date AND $3::date
		ORDER BY tx_date DESC, created_at DESC, id DESC`,
		ownerID, first.String(), last.String())
	if err != nil {
		return nil, fmt.Errorf("ListForMonth: %w", mapError(err))
	}
	defer rows.Close()

	result := []domain.TransactionRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ListForMonth: %w", err)
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListForMonth: %w", mapError(err))
	}
	return result, nil
}

// Create implements gateway.Gateway.
func (g *Gateway) Create(ctx context.Context, ownerID string, payload domain.Payload) (domain.TransactionRecord, error) {
	if err := payload.Validate(); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("Create: %w: %v", gateway.ErrInvalid, err)
	}

	now := g.now().UTC()
	record := payload.Record(uuid.NewString(), ownerID, now)
	record.UpdatedAt = now

	_, err := g.db.ExecContext(ctx, `
		INSERT INTO transactions (id, owner_id, kind, amount, description, category_id, tx_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7::date, $8, $9)`,
		record.ID, record.OwnerID, string(record.Kind), record.Amount, record.Description,
		record.CategoryID, record.Date.String(), record.CreatedAt, record.UpdatedAt)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("Create: %w", mapError(err))
	}
	return record, nil
}

// Update implements gateway.Gateway.
func (g *Gateway) Update(ctx context.Context, ownerID, id string, payload domain.Payload) (domain.TransactionRecord, error) {
	if err := payload.Validate(); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("Update: %w: %v", gateway.ErrInvalid, err)
	}

	row := g.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET kind = $3, amount = $4, description = $5, category_id = NULLIF($6, ''), tx_date = $7::date, updated_at = $8
		WHERE id = $1 AND owner_id = $2
		RETURNING `+selectColumns,
		id, ownerID, string(payload.Kind), payload.Amount, payload.Description,
		payload.CategoryID, payload.Date.String(), g.now().UTC())

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TransactionRecord{}, fmt.Errorf("Update %s: %w", id, gateway.ErrNotFound)
	}
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("Update %s: %w", id, err)
	}
	return record, nil
}

// Delete implements gateway.Gateway.
func (g *Gateway) Delete(ctx context.Context, ownerID, id string) error {
	res, err := g.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("Delete %s: %w", id, mapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("Delete %s: %w", id, mapError(err))
	}
	if n == 0 {
		return fmt.Errorf("Delete %s: %w", id, gateway.ErrNotFound)
	}
	return nil
}

// ListCategories implements gateway.Gateway. Rows with a NULL owner are
// shared by every owner.
func (g *Gateway) ListCategories(ctx context.Context, ownerID string) ([]domain.Category, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, name, kind, COALESCE(color, '')
		FROM categories
		WHERE owner_id IS NULL OR owner_id = $1
		ORDER BY kind, name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: %w", mapError(err))
	}
	defer rows.Close()

	result := []domain.Category{}
	for rows.Next() {
		var c domain.Category
		var kind string
		if err := rows.Scan(&c.ID, &c.Name, &kind, &c.Color); err != nil {
			return nil, fmt.Errorf("ListCategories: scanning row: %w", err)
		}
		c.Kind = domain.Kind(kind)
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListCategories: %w", mapError(err))
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (domain.TransactionRecord, error) {
	var (
		r       domain.TransactionRecord
		kind    string
		txDate  time.Time
		updated sql.NullTime
	)
	err := s.Scan(&r.ID, &r.OwnerID, &kind, &r.Amount, &r.Description, &r.CategoryID, &txDate, &r.CreatedAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return r, err
	}
	if err != nil {
		return r, fmt.Errorf("scanning row: %w", mapError(err))
	}
	r.Kind = domain.Kind(kind)
	r.Date = civil.DateOf(txDate)
	r.CreatedAt = r.CreatedAt.UTC()
	if updated.Valid {
		r.UpdatedAt = updated.Time.UTC()
	}
	return r, nil
}

// mapError turns connection-level failures into gateway.ErrTransport so the
// server reports them as unavailable. Errors reported by the server itself
// pass through unchanged.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 22xxx: data exception, 23xxx: integrity constraint violation.
		if strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("%w: %s", gateway.ErrInvalid, pgErr.Message)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", gateway.ErrTransport, err)
}

var _ gateway.Gateway = (*Gateway)(nil)
