package order

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/DimitryIvaniuta/order-platform-sub001/internal/saga"
	"github.com/DimitryIvaniuta/order-platform-sub001/pkg/response"
)

// Handler serves the order service's read API. The gateway authenticates;
// internally the tenant arrives via the X-Tenant-ID header.
type Handler struct {
	orders *Repository
	sagas  *saga.Store
	health func(ctx context.Context) error
}

// NewHandler creates a handler.
func NewHandler(orders *Repository, sagas *saga.Store, health func(ctx context.Context) error) *Handler {
	return &Handler{orders: orders, sagas: sagas, health: health}
}

// Register mounts the routes.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/health", h.healthz)
	r.GET("/ready", h.healthz)
	r.GET("/orders/:id", h.getOrder)
	r.GET("/sagas/:id", h.getSaga)
}

type orderView struct {
	ID               string `json:"id"`
	SagaID           string `json:"sagaId"`
	CustomerID       string `json:"customerId"`
	CurrencyCode     string `json:"currencyCode"`
	TotalAmountMinor int64  `json:"totalAmountMinor"`
	Status           string `json:"status"`
}

func (h *Handler) getOrder(c *gin.Context) {
	tenantID := c.GetHeader("X-Tenant-ID")
	if tenantID == "" {
		response.BadRequest(c, "missing tenant")
		return
	}
	o, err := h.orders.Get(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			response.NotFound(c, "order not found")
			return
		}
		response.InternalError(c, "order lookup failed")
		return
	}
	response.Success(c, orderView{
		ID:               o.ID,
		SagaID:           o.SagaID,
		CustomerID:       o.CustomerID,
		CurrencyCode:     o.CurrencyCode,
		TotalAmountMinor: o.TotalAmountMinor,
		Status:           o.Status.String(),
	})
}

type sagaView struct {
	ID            string `json:"id"`
	OrderID       string `json:"orderId,omitempty"`
	State         string `json:"state"`
	LastEventType string `json:"lastEventType,omitempty"`
}

func (h *Handler) getSaga(c *gin.Context) {
	tenantID := c.GetHeader("X-Tenant-ID")
	if tenantID == "" {
		response.BadRequest(c, "missing tenant")
		return
	}
	sg, err := h.sagas.Get(c.Request.Context(), tenantID, c.Param("id"))
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			response.NotFound(c, "saga not found")
			return
		}
		response.InternalError(c, "saga lookup failed")
		return
	}
	response.Success(c, sagaView{
		ID:            sg.ID,
		OrderID:       sg.OrderID,
		State:         sg.State.String(),
		LastEventType: sg.LastEventType.String(),
	})
}

func (h *Handler) healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}
