// Package reservation implements the stock-reservation engine: turning a
// cart into pending reservations that hold stock, confirming them on
// payment success, and releasing the hold on expiry or refund.
package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrProductNotFound   = errors.New("reservation: product not found")
	ErrOutOfStock        = errors.New("reservation: out of stock")
	ErrInvalidTransition = errors.New("reservation: invalid status transition")
)

const (
	statusPending   = "pending"
	statusConfirmed = "confirmed"
	statusExpired   = "expired"
)

// Item is one line of a cart, identified by product id and desired
// quantity.
type Item struct {
	ProductID string
	Quantity  int64
}

// Reservation mirrors a row of the reservations table.
type Reservation struct {
	ID                string
	ProductID         string
	Quantity          int64
	ProviderSessionID string
	Status            string
	Created           time.Time
}

// Engine runs reservation operations as single-transaction units against
// db. db must be configured for a single writer (SetMaxOpenConns(1)) so
// that the stock re-check inside a transaction sees a consistent
// snapshot relative to concurrent writers.
type Engine struct {
	db *sql.DB
}

// New constructs an Engine over db.
func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// ReserveOne reserves qty units of productID against providerSessionID,
// failing with ErrOutOfStock if the derived available stock cannot cover
// qty. Runs inside one transaction: tx.Begin / defer tx.Rollback() /
// tx.Commit(), the only transaction idiom used anywhere in this codebase.
func (e *Engine) ReserveOne(ctx context.Context, productID string, qty int64, providerSessionID string) (reservationID string, err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("reservation: begin: %w", err)
	}
	defer tx.Rollback()

	id, err := reserveWithinTx(ctx, tx, productID, qty, providerSessionID)
	if err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("reservation: commit: %w", err)
	}

	return id, nil
}

// ReserveBatch reserves every item in items against providerSessionID as
// one transaction. If any item cannot be reserved, the whole batch rolls
// back (no compensating deletes) and failedProductID names the product id
// that failed.
func (e *Engine) ReserveBatch(ctx context.Context, items []Item, providerSessionID string) (ids []string, failedProductID string, err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("reservation: begin: %w", err)
	}
	defer tx.Rollback()

	ids = make([]string, 0, len(items))
	for _, item := range items {
		id, rerr := reserveWithinTx(ctx, tx, item.ProductID, item.Quantity, providerSessionID)
		if rerr != nil {
			return nil, item.ProductID, rerr
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("reservation: commit: %w", err)
	}

	return ids, "", nil
}

// reserveWithinTx performs the stock re-check and insert for a single
// item inside an already-open transaction. The stock subquery reads
// stock - SUM(quantity) from the same transaction snapshot, so a
// concurrent transaction touching the same product_id blocks on SQLite's
// single-writer serialization until this one commits or rolls back.
func reserveWithinTx(ctx context.Context, tx *sql.Tx, productID string, qty int64, providerSessionID string) (string, error) {
	var stock int64
	err := tx.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = ?`, productID).Scan(&stock)
	if err == sql.ErrNoRows {
		return "", ErrProductNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reservation: lookup product: %w", err)
	}

	if stock != -1 {
		var held sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT SUM(quantity) FROM reservations
			WHERE product_id = ? AND status IN ('pending', 'confirmed')
		`, productID).Scan(&held)
		if err != nil {
			return "", fmt.Errorf("reservation: sum held: %w", err)
		}

		available := stock - held.Int64
		if available < 0 {
			available = 0
		}
		if qty > available {
			return "", ErrOutOfStock
		}
	}

	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, product_id, quantity, provider_session_id, status, created)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, productID, qty, providerSessionID, statusPending, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("reservation: insert: %w", err)
	}

	return id, nil
}

// RebindSession retargets every reservation under the provisional session
// id from to the provider's real checkout session id to, used once
// /api/checkout learns the real session id from the provider after
// reserving stock against a provisional placeholder.
func (e *Engine) RebindSession(ctx context.Context, from, to string) error {
	_, err := e.db.ExecContext(ctx, `
		UPDATE reservations SET provider_session_id = ? WHERE provider_session_id = ?
	`, to, from)
	if err != nil {
		return fmt.Errorf("reservation: rebind session: %w", err)
	}
	return nil
}

// Confirm transitions every pending reservation for providerSessionID to
// confirmed, called on a successful payment webhook.
func (e *Engine) Confirm(ctx context.Context, providerSessionID string) (confirmedCount int, err error) {
	return e.transition(ctx, providerSessionID, statusPending, statusConfirmed)
}

// Expire transitions every pending reservation for providerSessionID to
// expired, releasing the stock hold.
func (e *Engine) Expire(ctx context.Context, providerSessionID string) (expiredCount int, err error) {
	return e.transition(ctx, providerSessionID, statusPending, statusExpired)
}

// RestockFromRefund transitions every confirmed reservation for
// providerSessionID to expired, releasing stock back to the pool on a
// refund.
func (e *Engine) RestockFromRefund(ctx context.Context, providerSessionID string) (restockedCount int, err error) {
	return e.transition(ctx, providerSessionID, statusConfirmed, statusExpired)
}

// transition moves every reservation under providerSessionID currently in
// status from to status to. A session with no reservations at all is not
// an error (the webhook may reference a session this engine never
// reserved, or a duplicate delivery already handled upstream by the
// idempotency claim store) but a session whose reservations exist yet
// are in neither from nor the already-applied to status is a genuine
// state-machine violation and reported as ErrInvalidTransition.
func (e *Engine) transition(ctx context.Context, providerSessionID, from, to string) (int, error) {
	result, err := e.db.ExecContext(ctx, `
		UPDATE reservations SET status = ?
		WHERE provider_session_id = ? AND status = ?
	`, to, providerSessionID, from)
	if err != nil {
		return 0, fmt.Errorf("reservation: transition %s->%s: %w", from, to, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reservation: rows affected: %w", err)
	}
	if rows > 0 {
		return int(rows), nil
	}

	var otherStatusCount int64
	err = e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE provider_session_id = ? AND status NOT IN (?, ?)
	`, providerSessionID, from, to).Scan(&otherStatusCount)
	if err != nil {
		return 0, fmt.Errorf("reservation: check transition state: %w", err)
	}
	if otherStatusCount > 0 {
		return 0, fmt.Errorf("reservation: %s -> %s for session %s: %w", from, to, providerSessionID, ErrInvalidTransition)
	}

	return 0, nil
}

// SweepStale expires every pending reservation older than ageThreshold,
// run periodically to reclaim stock from abandoned checkouts that never
// received a webhook.
func (e *Engine) SweepStale(ctx context.Context, ageThreshold time.Duration) (expiredCount int, err error) {
	cutoff := time.Now().Add(-ageThreshold).Unix()

	result, err := e.db.ExecContext(ctx, `
		UPDATE reservations SET status = ?
		WHERE status = ? AND created < ?
	`, statusExpired, statusPending, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reservation: sweep stale: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reservation: rows affected: %w", err)
	}

	return int(rows), nil
}

// ListBySession returns every reservation tied to providerSessionID,
// oldest first.
func (e *Engine) ListBySession(ctx context.Context, providerSessionID string) ([]Reservation, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, product_id, quantity, provider_session_id, status, created
		FROM reservations WHERE provider_session_id = ?
		ORDER BY created
	`, providerSessionID)
	if err != nil {
		return nil, fmt.Errorf("reservation: list by session: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		var created int64
		if err := rows.Scan(&r.ID, &r.ProductID, &r.Quantity, &r.ProviderSessionID, &r.Status, &created); err != nil {
			return nil, fmt.Errorf("reservation: scan: %w", err)
		}
		r.Created = time.Unix(created, 0)
		out = append(out, r)
	}

	return out, rows.Err()
}
