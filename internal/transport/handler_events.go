package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/userbar/internal/observability"
	"github.com/pitabwire/userbar/model"
)

// EventTokenHeader carries the shared secret on host event webhooks.
const EventTokenHeader = "X-Event-Token"

const maxEventBody = 64 << 10

// eventRequest is the body of a host event webhook.
type eventRequest struct {
	Identity model.Identity `json:"identity"`
}

// EventFirer dispatches a host event for an identity.
type EventFirer func(ctx context.Context, id model.Identity)

// EventToken returns middleware that rejects requests whose X-Event-Token
// header does not match token.
func EventToken(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(EventTokenHeader))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				WriteError(w, model.NewUnauthorizedError("Invalid event token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handleEvent decodes {"identity": "..."} and fires the event. The listeners
// run synchronously, so the entry is gone by the time 202 is written.
func handleEvent(name string, fire EventFirer, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "userbar.event", observability.AttrEvent.String(name))
		defer span.End()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
		if err != nil {
			WriteBadRequest(w, "unreadable body")
			return
		}
		var req eventRequest
		if err := json.Unmarshal(body, &req); err != nil {
			WriteBadRequest(w, "body must be a JSON object with an identity")
			return
		}
		req.Identity = model.Identity(strings.TrimSpace(string(req.Identity)))
		if req.Identity == "" {
			WriteBadRequest(w, "identity is required")
			return
		}

		l := observability.LoggerFrom(ctx, logger)
		if ce := l.Check(zap.DebugLevel, "event payload"); ce != nil {
			var payload map[string]any
			_ = json.Unmarshal(body, &payload)
			ce.Write(zap.String("event", name), zap.Any("body", observability.RedactEvent(payload)))
		}

		span.SetAttributes(observability.AttrIdentity.String(string(req.Identity)))
		fire(ctx, req.Identity)
		l.Info("host event handled",
			zap.String("event", name),
			zap.String("identity", string(req.Identity)),
		)
		w.WriteHeader(http.StatusAccepted)
	}
}
