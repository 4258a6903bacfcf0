package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates any missing tables and indexes. It is safe to run on every
// start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Atomically runs fn inside a SERIALIZABLE transaction. Serialization
// failures and deadlocks surface as store.ErrConflict.
func (s *Store) Atomically(ctx context.Context, fn store.TxFunc) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		return classify(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanProduct(row)
}

func (t *pgTx) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanCustomer(row)
}

func (t *pgTx) FindBillByOrderCode(ctx context.Context, orderCode int64) (*domain.Bill, error) {
	return findBill(ctx, t.tx, "order_code", orderCode)
}

func (t *pgTx) SetProductStock(ctx context.Context, id string, stock int) error {
	if stock < 0 {
		return store.ErrInvalidRequest
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = $1, updated_at = now()
		WHERE id = $2
	`, stock, id)
	return expectOneRow(res, err)
}

func (t *pgTx) SetCustomerPoints(ctx context.Context, id string, points int) error {
	if points < 0 {
		return store.ErrInvalidRequest
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET points = $1, updated_at = now()
		WHERE id = $2
	`, points, id)
	return expectOneRow(res, err)
}

func (t *pgTx) InsertBill(ctx context.Context, bill domain.Bill) error {
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO bills (
			id, customer_id, customer_name, points_before, points_used, points_earned,
			points_after, subtotal, tax, total, discount, total_after_discount,
			payment_method, cash_received, change_amount, order_code, cashier_username, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, bill.ID, nullIfEmpty(bill.CustomerID), nullIfEmpty(bill.CustomerName), bill.PointsBefore,
		bill.PointsUsed, bill.PointsEarned, bill.PointsAfter, bill.Subtotal, bill.Tax, bill.Total,
		bill.Discount, bill.TotalAfterDiscount, bill.PaymentMethod, bill.CashReceived, bill.Change,
		nullIfZero(bill.OrderCode), bill.CashierUsername, bill.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) && bill.OrderCode != 0 {
			// another finalizer committed this order first
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
		return err
	}

	for i, item := range bill.Items {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO bill_items (bill_id, line_no, product_id, name, unit_price, qty, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, bill.ID, i+1, item.ProductID, item.Name, item.UnitPrice, item.Qty, item.LineTotal)
		if err != nil {
			return err
		}
	}
	return nil
}

const productColumns = `id, name, category, price, stock, import_price, active, created_at, updated_at`

const customerColumns = `id, name, COALESCE(phone, ''), points, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*domain.Product, error) {
	var p domain.Product
	err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Stock, &p.ImportPrice, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Points, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListProducts(ctx context.Context, includeArchived bool) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE active = true OR $1::boolean
		ORDER BY category, name
	`, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

func (s *Store) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	ids = uniqueIDs(ids)
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result[p.ID] = *p
	}
	return result, rows.Err()
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price < 1 || product.Stock < 0 {
		return nil, store.ErrInvalidRequest
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO products (id, name, category, price, stock, import_price, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, product.Price, product.Stock, product.ImportPrice, product.Active)
	created, err := scanProduct(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price = $4, active = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, product.Price, product.Active)
	return scanProduct(row)
}

func (s *Store) ReceiveStock(ctx context.Context, id string, qty int, importPrice int64, at time.Time) (*domain.Product, error) {
	if qty < 1 || importPrice < 0 {
		return nil, store.ErrInvalidRequest
	}
	row := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
			import_price = CASE WHEN $3::bigint > 0 THEN $3::bigint ELSE import_price END,
			updated_at = $4
		WHERE id = $1
		RETURNING `+productColumns,
		id, qty, importPrice, at.UTC())
	return scanProduct(row)
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]domain.Customer, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+customerColumns+`
		FROM customers
		ORDER BY name
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, *c)
	}
	return customers, rows.Err()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = $1`, id)
	return scanCustomer(row)
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" || customer.Points < 0 {
		return nil, store.ErrInvalidRequest
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO customers (id, name, phone, points, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),now())
		RETURNING `+customerColumns,
		customer.ID, customer.Name, nullIfEmpty(customer.Phone), customer.Points)
	created, err := scanCustomer(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return created, nil
}

const billColumns = `
	id, COALESCE(customer_id, ''), COALESCE(customer_name, ''), points_before, points_used,
	points_earned, points_after, subtotal, tax, total, discount, total_after_discount,
	payment_method, cash_received, change_amount, COALESCE(order_code, 0), cashier_username, created_at`

func scanBill(row rowScanner) (*domain.Bill, error) {
	var b domain.Bill
	err := row.Scan(&b.ID, &b.CustomerID, &b.CustomerName, &b.PointsBefore, &b.PointsUsed,
		&b.PointsEarned, &b.PointsAfter, &b.Subtotal, &b.Tax, &b.Total, &b.Discount,
		&b.TotalAfterDiscount, &b.PaymentMethod, &b.CashReceived, &b.Change, &b.OrderCode,
		&b.CashierUsername, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func findBill(ctx context.Context, q querier, column string, value any) (*domain.Bill, error) {
	row := q.QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE `+column+` = $1`, value)
	bill, err := scanBill(row)
	if err != nil {
		return nil, err
	}
	items, err := loadBillItems(ctx, q, []string{bill.ID})
	if err != nil {
		return nil, err
	}
	bill.Items = items[bill.ID]
	return bill, nil
}

func loadBillItems(ctx context.Context, q querier, billIDs []string) (map[string][]domain.BillLine, error) {
	result := make(map[string][]domain.BillLine, len(billIDs))
	if len(billIDs) == 0 {
		return result, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT bill_id, product_id, name, unit_price, qty, line_total
		FROM bill_items
		WHERE bill_id = ANY($1)
		ORDER BY bill_id, line_no
	`, billIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var billID string
		var line domain.BillLine
		if err := rows.Scan(&billID, &line.ProductID, &line.Name, &line.UnitPrice, &line.Qty, &line.LineTotal); err != nil {
			return nil, err
		}
		result[billID] = append(result[billID], line)
	}
	return result, rows.Err()
}

func (s *Store) ListBills(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.Bill, error) {
	if limit < 1 {
		limit = 20000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+billColumns+`
		FROM bills
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}

	bills := make([]domain.Bill, 0, 64)
	ids := make([]string, 0, 64)
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		bills = append(bills, *b)
		ids = append(ids, b.ID)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	items, err := loadBillItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range bills {
		bills[i].Items = items[bills[i].ID]
	}
	return bills, nil
}

func (s *Store) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	return findBill(ctx, s.db, "id", id)
}

func (s *Store) FindBillByOrderCode(ctx context.Context, orderCode int64) (*domain.Bill, error) {
	return findBill(ctx, s.db, "order_code", orderCode)
}

// classify maps retryable PostgreSQL failures onto store.ErrConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		}
	}
	return err
}

func expectOneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullIfZero(val int64) any {
	if val == 0 {
		return nil
	}
	return val
}
