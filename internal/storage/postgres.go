package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const settlementEventPrefix = "settlement:"

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidCursor      = errors.New("invalid cursor")
	ErrCardInactive       = errors.New("card not active")
	ErrExceedsOutstanding = errors.New("amount exceeds outstanding balance")
	ErrInvalidOutcome     = errors.New("invalid resolution outcome")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) GetCard(ctx context.Context, cardID, userID uuid.UUID) (*Card, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, card_number, card_type, status, credit_limit::text, created_at, updated_at
		FROM cards
		WHERE id = $1 AND user_id = $2
	`, cardID, userID)
	card, err := scanCardRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return card, nil
}

func (s *Store) ListCards(ctx context.Context, userID uuid.UUID) ([]Card, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.user_id, c.card_number, c.card_type, c.status, c.credit_limit::text,
		       COALESCE(SUM(st.balance) FILTER (WHERE NOT st.is_paid), 0)::text,
		       c.created_at, c.updated_at
		FROM cards c
		LEFT JOIN statements st ON st.card_id = c.id
		WHERE c.user_id = $1
		GROUP BY c.id
		ORDER BY c.created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []Card
	for rows.Next() {
		var card Card
		var limitStr, outstandingStr string
		if err := rows.Scan(&card.ID, &card.UserID, &card.CardNumber, &card.CardType, &card.Status, &limitStr, &outstandingStr, &card.CreatedAt, &card.UpdatedAt); err != nil {
			return nil, err
		}
		card.CreditLimit, err = decimal.NewFromString(limitStr)
		if err != nil {
			return nil, fmt.Errorf("parse credit limit: %w", err)
		}
		card.Outstanding, err = decimal.NewFromString(outstandingStr)
		if err != nil {
			return nil, fmt.Errorf("parse outstanding: %w", err)
		}
		cards = append(cards, card)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return cards, nil
}

func (s *Store) ListStatements(ctx context.Context, cardID, userID uuid.UUID) ([]Statement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT st.id, st.card_id, st.period, st.due_date, st.balance::text, st.min_due::text, st.is_paid, st.created_at, st.updated_at
		FROM statements st
		JOIN cards c ON c.id = st.card_id
		WHERE st.card_id = $1 AND c.user_id = $2
		ORDER BY st.due_date ASC, st.id ASC
	`, cardID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatements(rows)
}

// OutstandingBalance sums unpaid statement balances for a user, optionally
// scoped to one card. It is always computed from current rows; there is no
// cached balance anywhere in the system.
func (s *Store) OutstandingBalance(ctx context.Context, userID uuid.UUID, cardID *uuid.UUID) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(st.balance), 0)::text
		FROM statements st
		JOIN cards c ON c.id = st.card_id
		WHERE c.user_id = $1 AND NOT st.is_paid
	`
	args := []any{userID}
	if cardID != nil {
		query += ` AND st.card_id = $2`
		args = append(args, *cardID)
	}

	var totalStr string
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&totalStr); err != nil {
		return decimal.Zero, err
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse outstanding balance: %w", err)
	}
	return total, nil
}

// GetPaymentByKey looks up a prior payment for the same user and idempotency
// key. Schema drift on the key column is tolerated: the lookup degrades to a
// miss so that payment creation keeps working.
func (s *Store) GetPaymentByKey(ctx context.Context, userID uuid.UUID, key string) (*Payment, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrNotFound
	}

	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, card_id, amount::text, method, status, COALESCE(idempotency_key, ''), COALESCE(failure_reason, ''), COALESCE(external_ref, ''), resolved_at, created_at, updated_at
		FROM payments
		WHERE user_id = $1 AND idempotency_key = $2
	`, userID, key)
	payment, err := scanPaymentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		if isSchemaDrift(err) {
			s.logger.Warn("idempotency lookup degraded, treating as miss", "error", err)
			return nil, ErrNotFound
		}
		return nil, err
	}
	return payment, nil
}

// CreatePayment stores a pending payment. When an idempotency key is set and
// a payment with the same (user, key) already exists, the stored payment is
// returned with created=false and nothing is written.
func (s *Store) CreatePayment(ctx context.Context, payment Payment) (*Payment, bool, error) {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO payments (id, user_id, card_id, amount, method, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING id, user_id, card_id, amount::text, method, status, COALESCE(idempotency_key, ''), COALESCE(failure_reason, ''), COALESCE(external_ref, ''), resolved_at, created_at, updated_at
	`, payment.ID, payment.UserID, payment.CardID, payment.Amount.String(), payment.Method, PaymentStatusPending, nullableKey(payment.IdempotencyKey))

	stored, err := scanPaymentRow(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		if isUniqueViolation(err) {
			existing, lookupErr := s.GetPaymentByKey(ctx, payment.UserID, payment.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, false, nil
		}
		if isSchemaDrift(err) {
			s.logger.Warn("idempotency column missing, storing payment without key", "error", err)
			row := s.pool.QueryRow(ctx, `
				INSERT INTO payments (id, user_id, card_id, amount, method, status)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING id, user_id, card_id, amount::text, method, status, ''::text, COALESCE(failure_reason, ''), COALESCE(external_ref, ''), resolved_at, created_at, updated_at
			`, payment.ID, payment.UserID, payment.CardID, payment.Amount.String(), payment.Method, PaymentStatusPending)
			stored, err := scanPaymentRow(row)
			if err != nil {
				return nil, false, err
			}
			return stored, true, nil
		}
		return nil, false, err
	}

	existing, err := s.GetPaymentByKey(ctx, payment.UserID, payment.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetPayment(ctx context.Context, paymentID, userID uuid.UUID) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, card_id, amount::text, method, status, COALESCE(idempotency_key, ''), COALESCE(failure_reason, ''), COALESCE(external_ref, ''), resolved_at, created_at, updated_at
		FROM payments
		WHERE id = $1 AND user_id = $2
	`, paymentID, userID)
	payment, err := scanPaymentRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return payment, nil
}

func (s *Store) ListPayments(ctx context.Context, userID uuid.UUID, filter PaymentFilter) ([]Payment, string, error) {
	limit := clampLimit(filter.Limit)

	query := `
		SELECT id, user_id, card_id, amount::text, method, status, COALESCE(idempotency_key, ''), COALESCE(failure_reason, ''), COALESCE(external_ref, ''), resolved_at, created_at, updated_at
		FROM payments
		WHERE user_id = $1
	`
	args := []any{userID}
	idx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.Method != "" {
		query += fmt.Sprintf(" AND method = $%d", idx)
		args = append(args, filter.Method)
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	payments := make([]Payment, 0, limit)
	for rows.Next() {
		payment, err := scanPaymentRow(rows)
		if err != nil {
			return nil, "", err
		}
		payments = append(payments, *payment)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(payments) > limit {
		last := payments[limit]
		payments = payments[:limit]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return payments, nextCursor, nil
}

func (s *Store) ListApplications(ctx context.Context, paymentID uuid.UUID) ([]PaymentApplication, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payment_id, statement_id, amount::text, created_at
		FROM payment_applications
		WHERE payment_id = $1
		ORDER BY created_at ASC, id ASC
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apps []PaymentApplication
	for rows.Next() {
		var app PaymentApplication
		var amountStr string
		if err := rows.Scan(&app.ID, &app.PaymentID, &app.StatementID, &amountStr, &app.CreatedAt); err != nil {
			return nil, err
		}
		app.Amount, err = decimal.NewFromString(amountStr)
		if err != nil {
			return nil, fmt.Errorf("parse application amount: %w", err)
		}
		apps = append(apps, app)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return apps, nil
}

// ResolvePayment moves a pending payment to its terminal status and, on
// success, pays statements down oldest due date first in the same
// transaction. Resolving an already terminal payment is a no-op reported via
// AlreadyResolved. Any amount beyond the remaining statement balances is
// discarded, not credited.
func (s *Store) ResolvePayment(ctx context.Context, req ResolveRequest) (*ResolveResult, error) {
	if req.Outcome != PaymentStatusSuccess && req.Outcome != PaymentStatusFailed {
		return nil, ErrInvalidOutcome
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if req.EventID != "" {
		processed, err := isEventProcessed(ctx, tx, req.EventID)
		if err != nil {
			return nil, err
		}
		if processed {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			committed = true
			return &ResolveResult{AlreadyResolved: true}, nil
		}
	}

	payment, err := getPaymentForUpdate(ctx, tx, req.PaymentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if payment.Status != PaymentStatusPending {
		if err := markEventProcessed(ctx, tx, req.EventID); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		committed = true
		return &ResolveResult{Payment: payment, AlreadyResolved: true}, nil
	}

	now := time.Now().UTC()

	if req.Outcome == PaymentStatusFailed {
		if _, err := tx.Exec(ctx, `
			UPDATE payments
			SET status = $1, failure_reason = $2, external_ref = NULLIF($3, ''), resolved_at = $4, updated_at = $4
			WHERE id = $5
		`, PaymentStatusFailed, req.FailureReason, req.ExternalRef, now, payment.ID); err != nil {
			return nil, err
		}
		if err := markEventProcessed(ctx, tx, req.EventID); err != nil {
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		committed = true

		payment.Status = PaymentStatusFailed
		payment.FailureReason = req.FailureReason
		payment.ExternalRef = req.ExternalRef
		payment.ResolvedAt = &now
		payment.UpdatedAt = now
		return &ResolveResult{Payment: payment, Discarded: decimal.Zero}, nil
	}

	statements, err := getUnpaidStatementsForUpdate(ctx, tx, payment)
	if err != nil {
		return nil, err
	}

	allocations, discarded := applyToStatements(payment.Amount, statements)

	applications := make([]PaymentApplication, 0, len(allocations))
	for _, alloc := range allocations {
		stmt := statements[alloc.Index]
		if _, err := tx.Exec(ctx, `
			UPDATE statements
			SET balance = $1, is_paid = $2, updated_at = $3
			WHERE id = $4
		`, alloc.NewBalance.String(), alloc.Paid, now, stmt.ID); err != nil {
			return nil, err
		}

		appID := uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_applications (id, payment_id, statement_id, amount, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, appID, payment.ID, stmt.ID, alloc.Applied.String(), now); err != nil {
			return nil, err
		}
		applications = append(applications, PaymentApplication{
			ID:          appID,
			PaymentID:   payment.ID,
			StatementID: stmt.ID,
			Amount:      alloc.Applied,
			CreatedAt:   now,
		})
	}

	if _, err := tx.Exec(ctx, `
		UPDATE payments
		SET status = $1, external_ref = NULLIF($2, ''), resolved_at = $3, updated_at = $3
		WHERE id = $4
	`, PaymentStatusSuccess, req.ExternalRef, now, payment.ID); err != nil {
		return nil, err
	}

	if err := markEventProcessed(ctx, tx, req.EventID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true

	if discarded.GreaterThan(decimal.Zero) {
		s.logger.Warn("overpayment discarded", "payment_id", payment.ID.String(), "discarded", discarded.String())
	}

	payment.Status = PaymentStatusSuccess
	payment.ExternalRef = req.ExternalRef
	payment.ResolvedAt = &now
	payment.UpdatedAt = now
	return &ResolveResult{
		Payment:      payment,
		Applications: applications,
		Discarded:    discarded,
	}, nil
}

func (s *Store) InsertActivity(ctx context.Context, activity Activity) error {
	if activity.ID == uuid.Nil {
		activity.ID = uuid.New()
	}
	details := activity.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal activity details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO activities (id, user_id, action, entity_type, entity_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
	`, activity.ID, activity.UserID, activity.Action, activity.EntityType, activity.EntityID, raw)
	return err
}

func (s *Store) ListActivities(ctx context.Context, userID uuid.UUID, limit int) ([]Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, action, entity_type, entity_id, details, created_at
		FROM activities
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []Activity
	for rows.Next() {
		var act Activity
		var raw []byte
		if err := rows.Scan(&act.ID, &act.UserID, &act.Action, &act.EntityType, &act.EntityID, &raw, &act.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &act.Details); err != nil {
				return nil, fmt.Errorf("decode activity details: %w", err)
			}
		}
		activities = append(activities, act)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return activities, nil
}

func getPaymentForUpdate(ctx context.Context, tx pgx.Tx, paymentID uuid.UUID) (*Payment, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, user_id, card_id, amount::text, method, status, COALESCE(idempotency_key, ''), COALESCE(failure_reason, ''), COALESCE(external_ref, ''), resolved_at, created_at, updated_at
		FROM payments
		WHERE id = $1
		FOR UPDATE
	`, paymentID)
	return scanPaymentRow(row)
}

// Payments made without a card pay down every unpaid statement the user has;
// card payments only touch that card's statements. Either way the lock order
// is due date then id, which keeps concurrent resolutions deadlock free.
func getUnpaidStatementsForUpdate(ctx context.Context, tx pgx.Tx, payment *Payment) ([]Statement, error) {
	var rows pgx.Rows
	var err error
	if payment.CardID != nil {
		rows, err = tx.Query(ctx, `
			SELECT id, card_id, period, due_date, balance::text, min_due::text, is_paid, created_at, updated_at
			FROM statements
			WHERE card_id = $1 AND NOT is_paid
			ORDER BY due_date ASC, id ASC
			FOR UPDATE
		`, *payment.CardID)
	} else {
		rows, err = tx.Query(ctx, `
			SELECT st.id, st.card_id, st.period, st.due_date, st.balance::text, st.min_due::text, st.is_paid, st.created_at, st.updated_at
			FROM statements st
			JOIN cards c ON c.id = st.card_id
			WHERE c.user_id = $1 AND NOT st.is_paid
			ORDER BY st.due_date ASC, st.id ASC
			FOR UPDATE OF st
		`, payment.UserID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStatements(rows)
}

func isEventProcessed(ctx context.Context, tx pgx.Tx, eventID string) (bool, error) {
	eventID = settlementEventKey(eventID)
	if eventID == "" {
		return false, nil
	}
	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func markEventProcessed(ctx context.Context, tx pgx.Tx, eventID string) error {
	eventID = settlementEventKey(eventID)
	if eventID == "" {
		return nil
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID)
	return err
}

func settlementEventKey(eventID string) string {
	trimmed := strings.TrimSpace(eventID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, settlementEventPrefix) {
		return trimmed
	}
	return settlementEventPrefix + trimmed
}

func scanCardRow(row pgx.Row) (*Card, error) {
	var card Card
	var limitStr string
	if err := row.Scan(&card.ID, &card.UserID, &card.CardNumber, &card.CardType, &card.Status, &limitStr, &card.CreatedAt, &card.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	card.CreditLimit, err = decimal.NewFromString(limitStr)
	if err != nil {
		return nil, fmt.Errorf("parse credit limit: %w", err)
	}
	return &card, nil
}

func scanPaymentRow(row pgx.Row) (*Payment, error) {
	var payment Payment
	var amountStr string
	if err := row.Scan(&payment.ID, &payment.UserID, &payment.CardID, &amountStr, &payment.Method, &payment.Status, &payment.IdempotencyKey, &payment.FailureReason, &payment.ExternalRef, &payment.ResolvedAt, &payment.CreatedAt, &payment.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	payment.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse payment amount: %w", err)
	}
	return &payment, nil
}

func scanStatements(rows pgx.Rows) ([]Statement, error) {
	var statements []Statement
	for rows.Next() {
		var stmt Statement
		var balanceStr, minDueStr string
		if err := rows.Scan(&stmt.ID, &stmt.CardID, &stmt.Period, &stmt.DueDate, &balanceStr, &minDueStr, &stmt.IsPaid, &stmt.CreatedAt, &stmt.UpdatedAt); err != nil {
			return nil, err
		}
		var err error
		stmt.Balance, err = decimal.NewFromString(balanceStr)
		if err != nil {
			return nil, fmt.Errorf("parse statement balance: %w", err)
		}
		stmt.MinDue, err = decimal.NewFromString(minDueStr)
		if err != nil {
			return nil, fmt.Errorf("parse statement min due: %w", err)
		}
		statements = append(statements, stmt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return statements, nil
}

func nullableKey(key string) any {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return key
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// 42703 is undefined_column, 42P01 undefined_table. Both mean the deployed
// schema predates the idempotency key and the guard should fail open.
func isSchemaDrift(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42703" || pgErr.Code == "42P01"
	}
	return false
}
