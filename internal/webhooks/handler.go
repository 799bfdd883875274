package webhooks

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler exposes read-only webhook status over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a new webhook Handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register registers all webhook routes on the given router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	wh := rg.Group("/webhooks")
	{
		wh.GET("", h.ListSubscriptions)
		wh.GET("/deliveries", h.ListDeliveries)
	}
}

// ListSubscriptions handles GET /webhooks. Secrets are never included.
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs := h.svc.Subscriptions()
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs), "event_types": EventTypes})
}

// ListDeliveries handles GET /webhooks/deliveries?limit=.
func (h *Handler) ListDeliveries(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	deliveries, err := h.svc.Deliveries(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list webhook deliveries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deliveries"})
		return
	}
	if deliveries == nil {
		deliveries = []*WebhookDelivery{}
	}

	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries, "count": len(deliveries)})
}
