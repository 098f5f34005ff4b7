package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/jwks"
	"github.com/upb/tokengate/utils"
)

// readinessTimeout bounds the key-set check behind /readyz
const readinessTimeout = 2 * time.Second

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	keys      jwks.Fetcher
	authority string
	logger    *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. keys is normally the cache,
// so readiness probes do not add load on the identity provider.
func NewHealthHandler(keys jwks.Fetcher, authority string, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		keys:      keys,
		authority: authority,
		logger:    logger,
	}
}

// HandleHealth handles GET /healthz
// Always returns 200 while the process is serving.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz
// Ready once the provider's key set can be retrieved and holds at least one
// key.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if err := h.checkKeySet(ctx); err != nil {
		h.logger.Warn("key set readiness check failed",
			zap.String("authority", h.authority),
			zap.String("error_kind", string(autherr.KindOf(err))),
			zap.Error(err))
		checks["jwks"] = "unhealthy"
		healthy = false
	} else {
		checks["jwks"] = "healthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	if err := utils.WriteJSON(w, httpStatus, utils.SuccessResponse{Data: response}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkKeySet(ctx context.Context) error {
	doc, err := h.keys.Fetch(ctx, h.authority)
	if err != nil {
		return err
	}
	if len(doc.Keys) == 0 {
		return autherr.Parse("key set is empty", nil)
	}
	return nil
}
