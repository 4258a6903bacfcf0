package httpapi

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/logger"
	"kasirpoin/backend/internal/store"
)

var (
	errInvalidCredentials = errors.New("invalid credentials")
	errInactiveAccount    = errors.New("account is inactive")
	errInvalidToken       = errors.New("invalid or expired token")
)

const tokenIssuer = "kasirpoin"

// AuthManager issues and checks bearer tokens for POS staff. Accounts are
// cached in memory and refreshed from the user store on login.
type AuthManager struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	users    UserStore
	accounts map[string]account
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type account struct {
	hash    string
	role    string
	active  bool
	created time.Time
}

func (a account) cashierView(username string) domain.CashierUser {
	return domain.CashierUser{Username: username, Role: a.role, Active: a.active, CreatedAt: a.created}
}

type staffClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		accounts: make(map[string]account),
	}
	manager.refresh(ctx)
	return manager
}

// Login refreshes the account cache first so staff created by another
// instance can sign in.
func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refresh(ctx)

	username := normalizeUsername(req.Username)
	acct, ok := a.lookup(username)
	if !ok || !passwordMatches(acct.hash, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !acct.active {
		return domain.LoginResponse{}, errInactiveAccount
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, acct.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        acct.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims staffClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, errInvalidToken
	}
	if claims.Subject == "" || claims.Role == "" {
		return domain.Actor{}, errInvalidToken
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := staffClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// CreateCashier stores a new active cashier. Validation failures wrap
// store.ErrInvalidRequest and taken usernames wrap store.ErrDuplicate.
func (a *AuthManager) CreateCashier(ctx context.Context, req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.refresh(ctx)

	username := normalizeUsername(req.Username)
	if err := validateCashier(username, req.Password); err != nil {
		return domain.CashierUser{}, err
	}
	if _, taken := a.lookup(username); taken {
		return domain.CashierUser{}, fmt.Errorf("username %q: %w", username, store.ErrDuplicate)
	}

	hash, err := hashPassword(req.Password)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("hash password: %w", err)
	}
	acct := account{hash: hash, role: domain.RoleCashier, active: true, created: time.Now().UTC()}

	if a.users != nil {
		err := a.users.CreateUser(ctx, domain.UserAccount{
			Username:  username,
			Password:  hash,
			Role:      acct.role,
			Active:    acct.active,
			CreatedAt: acct.created,
		})
		if err != nil {
			return domain.CashierUser{}, fmt.Errorf("create cashier %q: %w", username, err)
		}
	}

	a.mu.Lock()
	a.accounts[username] = acct
	a.mu.Unlock()
	return acct.cashierView(username), nil
}

func (a *AuthManager) ListCashiers(ctx context.Context) []domain.CashierUser {
	a.refresh(ctx)

	a.mu.RLock()
	cashiers := make([]domain.CashierUser, 0, len(a.accounts))
	for username, acct := range a.accounts {
		if acct.role == domain.RoleCashier {
			cashiers = append(cashiers, acct.cashierView(username))
		}
	}
	a.mu.RUnlock()

	slices.SortFunc(cashiers, func(x, y domain.CashierUser) int {
		return cmp.Compare(x.Username, y.Username)
	})
	return cashiers
}

func (a *AuthManager) lookup(username string) (account, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[username]
	return acct, ok
}

// refresh reloads accounts from the user store. Plain-text passwords left by
// seeding are replaced with bcrypt hashes and written back.
func (a *AuthManager) refresh(ctx context.Context) {
	if a.users == nil {
		return
	}
	log := logger.FromContext(ctx)

	stored, err := a.users.ListUsers(ctx)
	if err != nil {
		log.Warn("loading staff accounts", zap.Error(err))
		return
	}

	loaded := make(map[string]account, len(stored))
	for _, user := range stored {
		username := normalizeUsername(user.Username)
		if username == "" {
			continue
		}
		hash := user.Password
		if !isPasswordHash(hash) {
			upgraded, err := hashPassword(hash)
			if err != nil {
				log.Warn("hashing stored password", zap.String("username", username), zap.Error(err))
				continue
			}
			if err := a.users.UpdateUserPassword(ctx, username, upgraded); err != nil {
				log.Warn("saving upgraded password", zap.String("username", username), zap.Error(err))
			}
			hash = upgraded
		}
		loaded[username] = account{hash: hash, role: user.Role, active: user.Active, created: user.CreatedAt}
	}

	a.mu.Lock()
	for username, acct := range loaded {
		a.accounts[username] = acct
	}
	a.mu.Unlock()
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func validateCashier(username, password string) error {
	switch {
	case len(username) < 4:
		return fmt.Errorf("%w: username needs at least 4 characters", store.ErrInvalidRequest)
	case strings.ContainsFunc(username, func(r rune) bool { return r == ' ' || r == '\t' || r == '\r' || r == '\n' }):
		return fmt.Errorf("%w: username must not contain whitespace", store.ErrInvalidRequest)
	case len(strings.TrimSpace(password)) < 6:
		return fmt.Errorf("%w: password needs at least 6 characters", store.ErrInvalidRequest)
	}
	return nil
}

func passwordMatches(hash, input string) bool {
	if strings.TrimSpace(input) == "" || !isPasswordHash(hash) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

func isPasswordHash(value string) bool {
	_, err := bcrypt.Cost([]byte(value))
	return err == nil
}
