package jithttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/lunzai/arguspam-sub003/internal/platform/httpx"
	"github.com/lunzai/arguspam-sub003/internal/shared"
)

const (
	provisionRateLimit  = 20
	provisionRateWindow = time.Minute
)

const (
	headerUserID = "X-User-ID"
	headerOrgID  = "X-Org-ID"
)

// MountRoutes registers the engine endpoints. Callers must install
// RequireActor (or their own actor middleware) in front.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(provisionRateLimit, provisionRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "provisioning rate limit exceeded")
		}),
	)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/actions", h.getActions)
		r.Get("/audits", h.listAudits)
		r.Post("/end", h.endSession)
		r.Post("/terminate", h.terminateSession)
		r.Post("/cancel", h.cancelSession)
		r.Delete("/account", h.terminateAccount)
		r.Group(func(gr chi.Router) {
			gr.Use(limiter)
			gr.Post("/account", h.createAccount)
			gr.Post("/start", h.startSession)
		})
	})
	r.Post("/accounts/cleanup", h.cleanup)
	r.Route("/assets/{id}", func(r chi.Router) {
		r.Use(limiter)
		r.Post("/test-connection", h.testConnection)
		r.Get("/databases", h.listDatabases)
	})
}

// RequireActor reads the caller identity forwarded by the fronting
// application and stores it in the request context.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, errUser := strconv.ParseInt(strings.TrimSpace(r.Header.Get(headerUserID)), 10, 64)
		orgID, errOrg := strconv.ParseInt(strings.TrimSpace(r.Header.Get(headerOrgID)), 10, 64)
		if errUser != nil || errOrg != nil || userID <= 0 || orgID <= 0 {
			httpx.RespondError(w, httpx.ErrUnauthorized)
			return
		}
		ctx := shared.ContextWithActor(r.Context(), shared.Actor{UserID: userID, OrgID: orgID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(actor.UserID, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
