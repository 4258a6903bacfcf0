package memory

import (
	"context"
	"encoding/json"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/xid"
)

// Store keeps every collection in process memory. Atomic units use
// optimistic concurrency: each product and customer document carries a
// version that is validated when the unit commits.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	customers       map[string]domain.Customer
	versions        map[string]int64
	bills           []domain.Bill
	billIndex       map[string]int
	billByOrderCode map[int64]string
	payments        map[int64]domain.PendingPayment
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		customers:       make(map[string]domain.Customer),
		versions:        make(map[string]int64),
		bills:           make([]domain.Bill, 0, 64),
		billIndex:       make(map[string]int),
		billByOrderCode: make(map[int64]string),
		payments:        make(map[int64]domain.PendingPayment),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD;
// hardcoded dev defaults are used when unset.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		zap.L().Warn("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override",
			zap.String("component", "memory-store"))
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			zap.L().Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with a demo catalog, two loyalty customers and
// the dev user accounts.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prd-mie-goreng", Name: "Mie Goreng Instan", Category: "grocery", Price: 3500, ImportPrice: 2700},
		{ID: "prd-telur-10", Name: "Telur 10 Butir", Category: "grocery", Price: 26500, ImportPrice: 23000},
		{ID: "prd-susu-uht", Name: "Susu UHT 1L", Category: "dairy", Price: 18900, ImportPrice: 13600},
		{ID: "prd-roti-tawar", Name: "Roti Tawar", Category: "bakery", Price: 17800, ImportPrice: 12500},
		{ID: "prd-kopi-sachet", Name: "Kopi Sachet", Category: "beverage", Price: 2600, ImportPrice: 1700},
		{ID: "prd-gula-1kg", Name: "Gula 1kg", Category: "grocery", Price: 17400, ImportPrice: 15300},
		{ID: "prd-teh-celup", Name: "Teh Celup", Category: "beverage", Price: 9800, ImportPrice: 7200},
		{ID: "prd-air-600", Name: "Air Mineral 600ml", Category: "beverage", Price: 3900, ImportPrice: 3200},
		{ID: "prd-keripik", Name: "Keripik Singkong", Category: "snack", Price: 12800, ImportPrice: 8000},
		{ID: "prd-sabun", Name: "Sabun Mandi", Category: "household", Price: 7400, ImportPrice: 5000},
	}
	for _, p := range products {
		p.Stock = 120
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		s.products[p.ID] = p
		s.versions[productKey(p.ID)] = 1
	}

	for _, c := range []domain.Customer{
		{ID: "cus-budi", Name: "Budi Santoso", Phone: "081234567890", Points: 12},
		{ID: "cus-siti", Name: "Siti Aminah", Phone: "081298765432", Points: 0},
	} {
		c.CreatedAt = now
		c.UpdatedAt = now
		s.customers[c.ID] = c
		s.versions[customerKey(c.ID)] = 1
	}

	s.usersByUsername = seedUsers()
	return s
}

// PutProduct inserts or replaces a product, bumping its version.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[product.ID] = product
	s.versions[productKey(product.ID)]++
}

// PutCustomer inserts or replaces a customer, bumping its version.
func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.ID] = customer
	s.versions[customerKey(customer.ID)]++
}

func (s *Store) Atomically(ctx context.Context, fn store.TxFunc) error {
	tx := &memTx{
		s:         s,
		reads:     make(map[string]int64),
		products:  make(map[string]domain.Product),
		customers: make(map[string]domain.Customer),
		stock:     make(map[string]int),
		points:    make(map[string]int),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range tx.reads {
		if s.versions[key] != version {
			return store.ErrConflict
		}
	}
	for _, bill := range tx.bills {
		if _, exists := s.billIndex[bill.ID]; exists {
			return store.ErrDuplicate
		}
		if bill.OrderCode == 0 {
			continue
		}
		if _, exists := s.billByOrderCode[bill.OrderCode]; exists {
			return store.ErrConflict
		}
	}

	for id, stock := range tx.stock {
		p := s.products[id]
		p.Stock = stock
		p.UpdatedAt = tx.now()
		s.products[id] = p
		s.versions[productKey(id)]++
	}
	for id, points := range tx.points {
		c := s.customers[id]
		c.Points = points
		c.UpdatedAt = tx.now()
		s.customers[id] = c
		s.versions[customerKey(id)]++
	}
	for _, bill := range tx.bills {
		s.billIndex[bill.ID] = len(s.bills)
		s.bills = append(s.bills, cloneBill(bill))
		if bill.OrderCode != 0 {
			s.billByOrderCode[bill.OrderCode] = bill.ID
		}
	}
	return nil
}

type memTx struct {
	s         *Store
	reads     map[string]int64
	products  map[string]domain.Product
	customers map[string]domain.Customer
	stock     map[string]int
	points    map[string]int
	bills     []domain.Bill
	at        time.Time
}

func (t *memTx) now() time.Time {
	if t.at.IsZero() {
		t.at = time.Now().UTC()
	}
	return t.at
}

func (t *memTx) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	if p, ok := t.products[id]; ok {
		return &p, nil
	}

	t.s.mu.RLock()
	p, ok := t.s.products[id]
	version := t.s.versions[productKey(id)]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	t.reads[productKey(id)] = version
	t.products[id] = p
	return &p, nil
}

func (t *memTx) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	if c, ok := t.customers[id]; ok {
		return &c, nil
	}

	t.s.mu.RLock()
	c, ok := t.s.customers[id]
	version := t.s.versions[customerKey(id)]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	t.reads[customerKey(id)] = version
	t.customers[id] = c
	return &c, nil
}

func (t *memTx) FindBillByOrderCode(_ context.Context, orderCode int64) (*domain.Bill, error) {
	for _, bill := range t.bills {
		if bill.OrderCode == orderCode {
			out := cloneBill(bill)
			return &out, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.billByOrderCode[orderCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := cloneBill(t.s.bills[t.s.billIndex[id]])
	return &out, nil
}

func (t *memTx) SetProductStock(_ context.Context, id string, stock int) error {
	p, ok := t.products[id]
	if !ok || stock < 0 {
		return store.ErrInvalidRequest
	}
	p.Stock = stock
	t.products[id] = p
	t.stock[id] = stock
	return nil
}

func (t *memTx) SetCustomerPoints(_ context.Context, id string, points int) error {
	c, ok := t.customers[id]
	if !ok || points < 0 {
		return store.ErrInvalidRequest
	}
	c.Points = points
	t.customers[id] = c
	t.points[id] = points
	return nil
}

func (t *memTx) InsertBill(_ context.Context, bill domain.Bill) error {
	if bill.ID == "" {
		bill.ID = xid.New("bill")
	}
	t.bills = append(t.bills, cloneBill(bill))
	return nil
}

func (s *Store) ListProducts(_ context.Context, includeArchived bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active && !includeArchived {
			continue
		}
		result = append(result, p)
	}
	slices.SortFunc(result, func(a, b domain.Product) int {
		if c := strings.Compare(a.Category, b.Category); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return result, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	if product.Name == "" || product.Price < 1 || product.Stock < 0 {
		return nil, store.ErrInvalidRequest
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	now := time.Now().UTC()
	product.CreatedAt = now
	product.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrDuplicate
	}
	s.products[product.ID] = product
	s.versions[productKey(product.ID)] = 1
	return &product, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Name = product.Name
	existing.Category = product.Category
	existing.Price = product.Price
	existing.Active = product.Active
	existing.UpdatedAt = time.Now().UTC()
	s.products[product.ID] = existing
	s.versions[productKey(product.ID)]++
	return &existing, nil
}

func (s *Store) ReceiveStock(_ context.Context, id string, qty int, importPrice int64, at time.Time) (*domain.Product, error) {
	if qty < 1 || importPrice < 0 {
		return nil, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	p.Stock += qty
	if importPrice > 0 {
		p.ImportPrice = importPrice
	}
	p.UpdatedAt = at.UTC()
	s.products[id] = p
	s.versions[productKey(id)]++
	return &p, nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		result = append(result, c)
	}
	slices.SortFunc(result, func(a, b domain.Customer) int {
		return strings.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	if customer.Name == "" || customer.Points < 0 {
		return nil, store.ErrInvalidRequest
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	now := time.Now().UTC()
	customer.CreatedAt = now
	customer.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[customer.ID]; exists {
		return nil, store.ErrDuplicate
	}
	for _, c := range s.customers {
		if customer.Phone != "" && c.Phone == customer.Phone {
			return nil, store.ErrDuplicate
		}
	}
	s.customers[customer.ID] = customer
	s.versions[customerKey(customer.ID)] = 1
	return &customer, nil
}

func (s *Store) ListBills(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Bill, 0, 32)
	for i := len(s.bills) - 1; i >= 0; i-- {
		bill := s.bills[i]
		if bill.CreatedAt.Before(from) || !bill.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneBill(bill))
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) GetBill(_ context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.billIndex[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	bill := cloneBill(s.bills[idx])
	return &bill, nil
}

func (s *Store) FindBillByOrderCode(_ context.Context, orderCode int64) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.billByOrderCode[orderCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	bill := cloneBill(s.bills[s.billIndex[id]])
	return &bill, nil
}

func (s *Store) CreatePendingPayment(_ context.Context, payment domain.PendingPayment) error {
	if payment.OrderCode < 1 || payment.Amount < 1 {
		return store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[payment.OrderCode]; exists {
		return store.ErrDuplicate
	}
	s.payments[payment.OrderCode] = clonePayment(payment)
	return nil
}

func (s *Store) DeletePendingPayment(_ context.Context, orderCode int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[orderCode]; !ok {
		return store.ErrNotFound
	}
	delete(s.payments, orderCode)
	return nil
}

func (s *Store) AttachPaymentLink(_ context.Context, orderCode int64, checkoutURL string, qrCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[orderCode]
	if !ok {
		return store.ErrNotFound
	}
	p.CheckoutURL = checkoutURL
	p.QRCode = qrCode
	s.payments[orderCode] = p
	return nil
}

func (s *Store) GetPendingPayment(_ context.Context, orderCode int64) (*domain.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[orderCode]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := clonePayment(p)
	return &out, nil
}

func (s *Store) ListPendingPayments(_ context.Context, status domain.PaymentStatus, limit int) ([]domain.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PendingPayment, 0, 8)
	for _, p := range s.payments {
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, clonePayment(p))
	}
	sortPayments(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListPaidWithoutBill(_ context.Context, limit int) ([]domain.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PendingPayment, 0, 4)
	for code, p := range s.payments {
		if p.Status != domain.PaymentPaid {
			continue
		}
		if _, billed := s.billByOrderCode[code]; billed {
			continue
		}
		result = append(result, clonePayment(p))
	}
	sortPayments(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ResolvePendingPayment(_ context.Context, orderCode int64, status domain.PaymentStatus, payload json.RawMessage, at time.Time) (*domain.PendingPayment, bool, error) {
	if !status.Terminal() {
		return nil, false, store.ErrInvalidRequest
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[orderCode]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if p.Status != domain.PaymentPending {
		out := clonePayment(p)
		return &out, false, nil
	}

	resolvedAt := at.UTC()
	p.Status = status
	p.ResolvedAt = &resolvedAt
	p.ProviderPayload = slices.Clone(payload)
	s.payments[orderCode] = p

	out := clonePayment(p)
	return &out, true, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidRequest
	}
	user.Username = username

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrDuplicate
	}
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		result = append(result, user)
	}
	slices.SortFunc(result, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func productKey(id string) string {
	return "products/" + id
}

func customerKey(id string) string {
	return "customers/" + id
}

func sortPayments(payments []domain.PendingPayment) {
	slices.SortFunc(payments, func(a, b domain.PendingPayment) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}

func cloneBill(src domain.Bill) domain.Bill {
	out := src
	out.Items = slices.Clone(src.Items)
	return out
}

func clonePayment(src domain.PendingPayment) domain.PendingPayment {
	out := src
	out.Cart.Items = slices.Clone(src.Cart.Items)
	out.ProviderPayload = slices.Clone(src.ProviderPayload)
	if src.ResolvedAt != nil {
		at := *src.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
