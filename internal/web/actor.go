package web

// actor.go resolves the authenticated principal. Authentication itself is an
// upstream concern: the gateway verifies credentials and forwards identity
// headers. Handlers never read ambient session state; the actor is extracted
// once here and passed explicitly into every service call.

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/opencivic/backoffice/internal/importer"
	"github.com/opencivic/backoffice/internal/logging"
)

// Identity headers set by the authenticating gateway.
const (
	HeaderUserID    = "X-User-Id"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
	HeaderSessionID = "X-Session-Id"
)

type actorCtxKey struct{}

// RequireActor rejects requests without a valid user identity and stores the
// actor in the request context.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawID := r.Header.Get(HeaderUserID)
		if rawID == "" {
			writeError(w, r, http.StatusUnauthorized, "AUTH001", "missing user identity")
			return
		}

		userID, err := uuid.Parse(rawID)
		if err != nil {
			logging.FromContext(r.Context()).Warn("invalid user id header", "value", rawID)
			writeError(w, r, http.StatusUnauthorized, "AUTH002", "invalid user identity")
			return
		}

		actor := importer.Actor{
			ID:    userID,
			Name:  r.Header.Get(HeaderUserName),
			Email: r.Header.Get(HeaderUserEmail),
		}
		ctx := context.WithValue(r.Context(), actorCtxKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// actorFromContext returns the actor stored by RequireActor.
func actorFromContext(ctx context.Context) (importer.Actor, bool) {
	actor, ok := ctx.Value(actorCtxKey{}).(importer.Actor)
	return actor, ok
}

// requestContext collects the request metadata recorded on a batch.
func requestContext(r *http.Request) importer.RequestContext {
	return importer.RequestContext{
		IPAddress: r.RemoteAddr,
		UserAgent: r.UserAgent(),
		SessionID: r.Header.Get(HeaderSessionID),
	}
}
