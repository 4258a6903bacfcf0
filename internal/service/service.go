package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"kasirpoin/backend/internal/cache"
	"kasirpoin/backend/internal/checkout"
	"kasirpoin/backend/internal/domain"
	"kasirpoin/backend/internal/payment"
	"kasirpoin/backend/internal/reconcile"
	"kasirpoin/backend/internal/store"
	"kasirpoin/backend/internal/xid"
)

var ErrForbidden = errors.New("forbidden")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Deps struct {
	Repo     store.Repository
	Engine   *checkout.Engine
	Broker   *payment.Broker
	Listener *reconcile.Listener
	Carts    cache.CartStore
	CartTTL  time.Duration
	Logger   *zap.Logger
}

// Service orchestrates the POS use cases on top of the ledger, the payment
// broker and the reconciliation listener.
type Service struct {
	repo     store.Repository
	engine   *checkout.Engine
	broker   *payment.Broker
	listener *reconcile.Listener
	carts    cache.CartStore
	cartTTL  time.Duration
	log      *zap.Logger
	now      func() time.Time
}

func New(deps Deps) *Service {
	if deps.Carts == nil {
		deps.Carts = cache.NewMemoryCartStore()
	}
	if deps.CartTTL <= 0 {
		deps.CartTTL = 12 * time.Hour
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Service{
		repo:     deps.Repo,
		engine:   deps.Engine,
		broker:   deps.Broker,
		listener: deps.Listener,
		carts:    deps.Carts,
		cartTTL:  deps.CartTTL,
		log:      deps.Logger.With(zap.String("component", "service")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.Actor{}, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return actor, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.log.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err))
	}
}

// parseDay accepts YYYY-MM-DD and defaults to today (UTC).
func (s *Service) parseDay(date string) (time.Time, error) {
	if strings.TrimSpace(date) == "" {
		now := s.now()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", store.ErrInvalidRequest)
	}
	return parsed.UTC(), nil
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
