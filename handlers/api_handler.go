// Package handlers implements the HTTP endpoints served behind the gate.
package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/tokengate/middleware"
	"github.com/upb/tokengate/utils"
)

// AuthorizationFailed is the body /api returns for anonymous and rejected
// requests.
const AuthorizationFailed = "Authorization Failed"

// APIHandler serves the protected resource endpoints. It expects Gate.Attach
// to have run earlier in the chain.
type APIHandler struct {
	logger *zap.Logger
}

// NewAPIHandler creates a new APIHandler
func NewAPIHandler(logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{logger: logger}
}

// HandleAPI handles GET /api
// Always answers 200: the verified claims as indented JSON, or the literal
// failure text. Callers cannot tell anonymous from rejected.
func (h *APIHandler) HandleAPI(w http.ResponseWriter, r *http.Request) {
	outcome, ok := middleware.GetOutcomeFromContext(r.Context())
	if !ok || !outcome.Authenticated() {
		_ = utils.WriteText(w, http.StatusOK, AuthorizationFailed)
		return
	}

	body, err := json.MarshalIndent(outcome.Claims, "", "  ")
	if err != nil {
		h.logger.Error("failed to render claims",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.Error(err))
		_ = utils.WriteText(w, http.StatusOK, AuthorizationFailed)
		return
	}

	_ = utils.WriteText(w, http.StatusOK, string(body))
}

// MeResponse is the body of GET /api/v1/me
type MeResponse struct {
	Subject string         `json:"subject"`
	Claims  map[string]any `json:"claims"`
}

// HandleMe handles GET /api/v1/me
// Must run behind Gate.RequireAuth.
func (h *APIHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		_ = utils.WriteUnauthorized(w, "Invalid or missing token")
		return
	}

	sub, _ := claims.GetSubject()
	if err := utils.WriteOK(w, MeResponse{Subject: sub, Claims: claims}); err != nil {
		h.logger.Error("failed to write response", zap.Error(err))
	}
}
