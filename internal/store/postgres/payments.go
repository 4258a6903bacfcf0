package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/xid"
)

const paymentColumns = `
	order_code, status, amount, description, cart, created_by,
	COALESCE(checkout_url, ''), COALESCE(qr_code, ''), provider_payload, created_at, resolved_at`

func scanPayment(row rowScanner) (*domain.PendingPayment, error) {
	var (
		p          domain.PendingPayment
		status     string
		cart       []byte
		payload    []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(&p.OrderCode, &status, &p.Amount, &p.Description, &cart, &p.CreatedBy,
		&p.CheckoutURL, &p.QRCode, &payload, &p.CreatedAt, &resolvedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	p.Status = domain.PaymentStatus(status)
	if err := json.Unmarshal(cart, &p.Cart); err != nil {
		return nil, fmt.Errorf("decode cart snapshot for order %d: %w", p.OrderCode, err)
	}
	if len(payload) > 0 {
		p.ProviderPayload = json.RawMessage(payload)
	}
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		p.ResolvedAt = &at
	}
	return &p, nil
}

func (s *Store) CreatePendingPayment(ctx context.Context, payment domain.PendingPayment) error {
	if payment.OrderCode < 1 || payment.Amount < 1 {
		return store.ErrInvalidRequest
	}
	cart, err := json.Marshal(payment.Cart)
	if err != nil {
		return err
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO transactions (order_code, status, amount, description, cart, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, payment.OrderCode, string(payment.Status), payment.Amount, payment.Description, cart, payment.CreatedBy, payment.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) DeletePendingPayment(ctx context.Context, orderCode int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE order_code = $1 AND status = 'PENDING'`, orderCode)
	return expectOneRow(res, err)
}

func (s *Store) AttachPaymentLink(ctx context.Context, orderCode int64, checkoutURL string, qrCode string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET checkout_url = $2, qr_code = $3
		WHERE order_code = $1
	`, orderCode, nullIfEmpty(checkoutURL), nullIfEmpty(qrCode))
	return expectOneRow(res, err)
}

func (s *Store) GetPendingPayment(ctx context.Context, orderCode int64) (*domain.PendingPayment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM transactions WHERE order_code = $1`, orderCode)
	return scanPayment(row)
}

func (s *Store) ListPendingPayments(ctx context.Context, status domain.PaymentStatus, limit int) ([]domain.PendingPayment, error) {
	if limit < 1 {
		limit = 500
	}
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM transactions
		WHERE $1::text = '' OR status = $1::text
		ORDER BY created_at
		LIMIT $2
	`, string(status), limit)
}

func (s *Store) ListPaidWithoutBill(ctx context.Context, limit int) ([]domain.PendingPayment, error) {
	if limit < 1 {
		limit = 500
	}
	return s.queryPayments(ctx, `
		SELECT `+paymentColumns+`
		FROM transactions t
		WHERE t.status = 'PAID'
			AND NOT EXISTS (SELECT 1 FROM bills b WHERE b.order_code = t.order_code)
		ORDER BY t.created_at
		LIMIT $1
	`, limit)
}

func (s *Store) queryPayments(ctx context.Context, query string, args ...any) ([]domain.PendingPayment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.PendingPayment, 0, 16)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *Store) ResolvePendingPayment(ctx context.Context, orderCode int64, status domain.PaymentStatus, payload json.RawMessage, at time.Time) (*domain.PendingPayment, bool, error) {
	if !status.Terminal() {
		return nil, false, store.ErrInvalidRequest
	}

	var payloadArg any
	if len(payload) > 0 {
		payloadArg = []byte(payload)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE transactions
		SET status = $2, provider_payload = $3, resolved_at = $4
		WHERE order_code = $1 AND status = 'PENDING'
		RETURNING `+paymentColumns,
		orderCode, string(status), payloadArg, at.UTC())
	resolved, err := scanPayment(row)
	if err == nil {
		return resolved, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	current, err := s.GetPendingPayment(ctx, orderCode)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidRequest
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicate
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username)), password)
	return expectOneRow(res, err)
}
