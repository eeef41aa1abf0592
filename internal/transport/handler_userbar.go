package transport

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/observability"
	"github.com/pitabwire/userbar/model"
)

// UserData is the aggregated user data source behind the toolbar endpoints.
type UserData interface {
	GetUserData(ctx context.Context, id model.Identity) (model.AttributeMap, error)
	Invalidate(ctx context.Context, id model.Identity) error
}

// PanelRenderer turns aggregated user data into toolbar nodes.
type PanelRenderer interface {
	Visible(ctx context.Context, rctx *model.RequestContext) bool
	Nodes(ctx context.Context, id model.Identity, data model.AttributeMap) ([]model.ToolbarNode, error)
}

// nodesResponse is the body of GET /ui/userbar.
type nodesResponse struct {
	Nodes []model.ToolbarNode `json:"nodes"`
}

// handleGetUserbar returns the toolbar nodes for the caller. A hidden panel
// or an identity without a profile yields 204 so the toolbar omits the panel.
func handleGetUserbar(data UserData, renderer PanelRenderer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		rctx := model.RequestContextFrom(ctx)
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		if !renderer.Visible(ctx, rctx) {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		m, err := data.GetUserData(ctx, rctx.Identity)
		if errors.Is(err, model.ErrIdentityNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			observability.LoggerFrom(ctx, logger).Error("user data unavailable", zap.Error(err))
			WriteUnavailable(w, "user data unavailable")
			return
		}

		nodes, err := renderer.Nodes(ctx, rctx.Identity, m)
		if err != nil {
			observability.LoggerFrom(ctx, logger).Error("panel render failed", zap.Error(err))
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, nodesResponse{Nodes: nodes})
	}
}

// handleGetUserData returns the caller's attribute map.
func handleGetUserData(data UserData, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, ok := model.CurrentIdentity(ctx)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		m, err := data.GetUserData(ctx, id)
		if errors.Is(err, model.ErrIdentityNotFound) {
			WriteNotFound(w, "no profile for the current identity")
			return
		}
		if err != nil {
			observability.LoggerFrom(ctx, logger).Error("user data unavailable", zap.Error(err))
			WriteUnavailable(w, "user data unavailable")
			return
		}
		WriteJSON(w, http.StatusOK, m)
	}
}

// handleInvalidate drops the caller's cached entry. A cache failure is
// reported as 503; the invalidation listeners have fired either way.
func handleInvalidate(data UserData, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, ok := model.CurrentIdentity(ctx)
		if !ok {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		if err := data.Invalidate(ctx, id); err != nil {
			observability.LoggerFrom(ctx, logger).Warn("invalidate failed", zap.Error(err))
			WriteUnavailable(w, "cache unavailable")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
