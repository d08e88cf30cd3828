// Package gateway is the public edge: it authenticates callers, accepts the
// order command, and serves the token and key-discovery endpoints. Accepting
// an order writes one transaction (saga row + outbox command) and returns
// 202; everything after that is asynchronous.
package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/keys"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/auth/token"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/event"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/outbox"
	"github.com/DimitryIvaniuta/order-platform-sub001/internal/saga"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/config"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/database"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/logger"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/response"
)

// ScopeOrdersWrite is the scope required to submit orders.
const ScopeOrdersWrite = "orders.write"

// TxRunner runs a function inside one database transaction.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

var _ TxRunner = (*database.PostgresDB)(nil)

// SagaStore creates saga rows.
type SagaStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, sg *saga.Saga) error
}

var _ SagaStore = (*saga.Store)(nil)

// OutboxStore stages the order command.
type OutboxStore interface {
	SaveTx(ctx context.Context, tx pgx.Tx, row *outbox.Row) error
}

var _ OutboxStore = (*outbox.Store)(nil)

// LoginService authenticates password grants. Satisfied by auth.Service.
type LoginService interface {
	Login(ctx context.Context, username, password, remoteIP string) (*auth.Grant, error)
}

var _ LoginService = (*auth.Service)(nil)

// KeySet publishes the verification keys. Satisfied by keys.Manager.
type KeySet interface {
	JWKS() *keys.JWKS
	Healthy() bool
}

var _ KeySet = (*keys.Manager)(nil)

// Handler serves the gateway routes.
type Handler struct {
	tx     TxRunner
	sagas  SagaStore
	outbox OutboxStore
	login  LoginService
	keys   KeySet
	cfg    *config.Config
	health func(ctx context.Context) error
	log    *logger.Logger
}

// NewHandler creates a handler.
func NewHandler(tx TxRunner, sagas SagaStore, ob OutboxStore, login LoginService, ks KeySet, cfg *config.Config, health func(ctx context.Context) error, log *logger.Logger) *Handler {
	return &Handler{
		tx:     tx,
		sagas:  sagas,
		outbox: ob,
		login:  login,
		keys:   ks,
		cfg:    cfg,
		health: health,
		log:    log.Named("gateway"),
	}
}

// Register mounts the routes. authed wraps the routes that require a valid
// token; the token and discovery endpoints stay open.
func (h *Handler) Register(r *gin.Engine, authed gin.HandlerFunc, idem gin.HandlerFunc) {
	r.GET("/health", h.healthz)
	r.GET("/ready", h.ready)
	r.POST("/oauth/token", h.tokenEndpoint)
	r.GET("/.well-known/jwks.json", h.jwks)
	r.GET("/.well-known/openid-configuration", h.openidConfiguration)
	r.POST("/orders", authed, idem, h.createOrder)
}

type orderLineRequest struct {
	SKU   string `json:"sku" binding:"required"`
	Qty   int    `json:"qty" binding:"required,gt=0"`
	Price string `json:"price" binding:"required"`
}

type createOrderRequest struct {
	OrderID          string             `json:"orderId"`
	CustomerID       string             `json:"customerId" binding:"required"`
	Lines            []orderLineRequest `json:"lines" binding:"required,min=1,dive"`
	CurrencyCode     string             `json:"currencyCode" binding:"required,len=3"`
	TotalAmountMinor int64              `json:"totalAmountMinor" binding:"required,gt=0"`
}

func (h *Handler) createOrder(c *gin.Context) {
	correlationID := CorrelationIDFrom(c)

	principal, ok := PrincipalFrom(c)
	if !ok {
		response.Unauthorized(c, "invalid_token")
		return
	}
	if !principal.HasScope(h.cfg.Authz.ScopeAuthorityPrefix, ScopeOrdersWrite) {
		response.Forbidden(c, "missing scope "+ScopeOrdersWrite)
		return
	}

	tenantID, ok := h.resolveTenant(c, principal)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid order body")
		return
	}

	sg, err := saga.NewSaga(tenantID, principal.Subject)
	if err != nil {
		response.InternalError(c, "saga id generation failed")
		return
	}

	lines := make([]event.OrderLine, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = event.OrderLine{SKU: l.SKU, Qty: l.Qty, Price: l.Price}
	}
	env, err := event.New(sg.ID, tenantID, event.TypeOrderCreate, event.OrderCreatePayload{
		OrderID:          req.OrderID,
		CustomerID:       req.CustomerID,
		UserID:           principal.Subject,
		Lines:            lines,
		CurrencyCode:     req.CurrencyCode,
		TotalAmountMinor: req.TotalAmountMinor,
	})
	if err != nil {
		response.InternalError(c, "command encoding failed")
		return
	}
	row, err := outbox.NewRow(env, h.cfg.Kafka.Topics.OrderCreateCommand, correlationID)
	if err != nil {
		response.InternalError(c, "command encoding failed")
		return
	}

	err = h.tx.WithinTx(c.Request.Context(), func(tx pgx.Tx) error {
		if err := h.sagas.CreateTx(c.Request.Context(), tx, sg); err != nil {
			return err
		}
		return h.outbox.SaveTx(c.Request.Context(), tx, row)
	})
	if err != nil {
		h.log.Error("order intake failed",
			zap.String("saga_id", sg.ID),
			zap.String("correlation_id", correlationID),
			zap.Error(err))
		response.ServiceUnavailable(c, "order intake unavailable", "order-db", correlationID)
		return
	}

	h.log.Info("order accepted",
		zap.String("saga_id", sg.ID),
		zap.String("tenant_id", tenantID),
		zap.String("correlation_id", correlationID))
	c.JSON(http.StatusAccepted, gin.H{
		"sagaId":        sg.ID,
		"correlationId": correlationID,
	})
}

// resolveTenant picks the tenant the order is placed in. The header wins
// only when the principal already holds an authority in that tenant; a
// principal in exactly one tenant may omit the header.
func (h *Handler) resolveTenant(c *gin.Context, principal *token.Principal) (string, bool) {
	if requested := c.GetHeader(h.cfg.Authz.TenantHeader); requested != "" {
		if !principal.MemberOf(requested) {
			response.Forbidden(c, "not a member of tenant "+requested)
			return "", false
		}
		return requested, true
	}
	if len(principal.Tenants) == 1 {
		return principal.Tenants[0], true
	}
	response.BadRequest(c, "tenant is ambiguous; set the "+h.cfg.Authz.TenantHeader+" header")
	return "", false
}

type tokenRequest struct {
	GrantType string `form:"grant_type" json:"grant_type"`
	Username  string `form:"username" json:"username"`
	Password  string `form:"password" json:"password"`
}

// tokenEndpoint implements the password grant, accepting form and JSON
// bodies. An absent grant_type means password. Error bodies follow the
// OAuth error shape, not the platform envelope.
func (h *Handler) tokenEndpoint(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBind(&req); err != nil || req.Username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.GrantType != "" && req.GrantType != "password" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
		return
	}

	grant, err := h.login.Login(c.Request.Context(), req.Username, req.Password, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_grant"})
		return
	}
	c.JSON(http.StatusOK, grant)
}

func (h *Handler) jwks(c *gin.Context) {
	c.Header("Cache-Control", "public, max-age=600")
	c.JSON(http.StatusOK, h.keys.JWKS())
}

func (h *Handler) openidConfiguration(c *gin.Context) {
	issuer := h.cfg.JWT.Issuer
	c.Header("Cache-Control", "public, max-age=600")
	c.JSON(http.StatusOK, gin.H{
		"issuer":                                issuer,
		"token_endpoint":                        issuer + "/oauth/token",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"grant_types_supported":                 []string{"password"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}

// ready degrades when key rotation is failing or the database is gone.
func (h *Handler) ready(c *gin.Context) {
	if !h.keys.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "reason": "key rotation"})
		return
	}
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "reason": "database"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}
