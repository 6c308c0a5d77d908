package jithttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lunzai/arguspam-sub003/internal/dbdriver"
	"github.com/lunzai/arguspam-sub003/internal/jit"
	"github.com/lunzai/arguspam-sub003/internal/platform/httpx"
	"github.com/lunzai/arguspam-sub003/internal/session"
	"github.com/lunzai/arguspam-sub003/internal/shared"
)

// LifecycleService is the credential engine surface exposed over HTTP.
type LifecycleService interface {
	GetSession(ctx context.Context, id int64) (jit.Session, error)
	GetAsset(ctx context.Context, id int64) (jit.Asset, error)
	CreateAccount(ctx context.Context, sessionID int64) (jit.Account, error)
	TerminateAccount(ctx context.Context, sessionID int64) error
	StartSession(ctx context.Context, sessionID int64) (jit.Account, error)
	EndSession(ctx context.Context, sessionID int64) error
	TerminateSession(ctx context.Context, sessionID int64) error
	CancelSession(ctx context.Context, sessionID int64) error
	Actions(ctx context.Context, sessionID int64) (session.Actions, error)
	ListAudits(ctx context.Context, sessionID int64) ([]jit.Audit, error)
	CleanupExpiredAccounts(ctx context.Context) (int, error)
	TestAssetConnection(ctx context.Context, assetID int64) error
	ListAssetDatabases(ctx context.Context, assetID int64) ([]string, error)
}

// ActionRecorder stores operator actions.
type ActionRecorder interface {
	Record(ctx context.Context, log shared.ActionLog) error
}

// Handler exposes JIT account and session operations as JSON.
type Handler struct {
	logger   *slog.Logger
	service  LifecycleService
	actions  ActionRecorder
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler constructs a Handler. actions may be nil.
func NewHandler(logger *slog.Logger, service LifecycleService, actions ActionRecorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:   logger,
		service:  service,
		actions:  actions,
		validate: validator.New(),
		now:      time.Now,
	}
}

type accountResponse struct {
	ID        int64          `json:"id"`
	SessionID int64          `json:"session_id"`
	Username  string         `json:"username"`
	Password  string         `json:"password"`
	Databases []string       `json:"databases"`
	Scope     dbdriver.Scope `json:"scope"`
	ExpiresAt *time.Time     `json:"expires_at"`
}

type auditResponse struct {
	ID             int64     `json:"id"`
	Query          string    `json:"query"`
	QueryTimestamp time.Time `json:"query_timestamp"`
	UserID         int64     `json:"user_id"`
}

type auditListResponse struct {
	Data       []auditResponse   `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

type pageQuery struct {
	Page    int `validate:"gte=0"`
	PerPage int `validate:"gte=0,lte=500"`
}

func toAccountResponse(sessionID int64, acct jit.Account) accountResponse {
	databases := acct.Databases
	if databases == nil {
		databases = []string{}
	}
	return accountResponse{
		ID:        acct.ID,
		SessionID: sessionID,
		Username:  acct.Username,
		Password:  acct.Password,
		Databases: databases,
		Scope:     acct.Scope,
		ExpiresAt: acct.ExpiresAt,
	}
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authorizedSession(w, r)
	if !ok {
		return
	}
	acct, err := h.service.CreateAccount(r.Context(), sess.ID)
	if err != nil {
		h.fail(w, r, "create jit account", err)
		return
	}
	h.record(r, "jit.account.create", "session", sess, map[string]any{"username": acct.Username})
	httpx.JSON(w, http.StatusCreated, toAccountResponse(sess.ID, acct))
}

func (h *Handler) terminateAccount(w http.ResponseWriter, r *http.Request) {
	h.closeSession(w, r, "jit.account.terminate", h.service.TerminateAccount)
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authorizedSession(w, r)
	if !ok {
		return
	}
	acct, err := h.service.StartSession(r.Context(), sess.ID)
	if err != nil {
		h.fail(w, r, "start session", err)
		return
	}
	h.record(r, "session.start", "session", sess, map[string]any{"username": acct.Username})
	httpx.JSON(w, http.StatusOK, toAccountResponse(sess.ID, acct))
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	h.closeSession(w, r, "session.end", h.service.EndSession)
}

func (h *Handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	h.closeSession(w, r, "session.terminate", h.service.TerminateSession)
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	h.closeSession(w, r, "session.cancel", h.service.CancelSession)
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request, action string, op func(context.Context, int64) error) {
	sess, ok := h.authorizedSession(w, r)
	if !ok {
		return
	}
	err := op(r.Context(), sess.ID)
	if err == nil || errors.Is(err, jit.ErrRemoteTermination) {
		h.record(r, action, "session", sess, nil)
	}
	h.respondClosed(w, r, action, err)
}

// respondClosed reports a remote drop failure as accepted with a warning since
// the local state already changed.
func (h *Handler) respondClosed(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, jit.ErrRemoteTermination):
		h.logger.WarnContext(r.Context(), op, slog.Any("error", err))
		httpx.JSON(w, http.StatusAccepted, map[string]string{
			"status":  "deactivated",
			"warning": "remote account could not be dropped; the expiry sweep will retry",
		})
	default:
		h.fail(w, r, op, err)
	}
}

func (h *Handler) getActions(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.authorizedSession(w, r)
	if !ok {
		return
	}
	actions, err := h.service.Actions(r.Context(), sess.ID)
	if err != nil {
		h.fail(w, r, "session actions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, actions)
}

func (h *Handler) listAudits(w http.ResponseWriter, r *http.Request) {
	q, err := h.parsePage(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	sess, ok := h.authorizedSession(w, r)
	if !ok {
		return
	}
	audits, err := h.service.ListAudits(r.Context(), sess.ID)
	if err != nil {
		h.fail(w, r, "list audits", err)
		return
	}
	page := shared.NewPagination(q.Page, q.PerPage, len(audits))
	start, end := page.Bounds()
	rows := make([]auditResponse, 0, end-start)
	for _, a := range audits[start:end] {
		rows = append(rows, auditResponse{ID: a.ID, Query: a.Query, QueryTimestamp: a.QueryTimestamp, UserID: a.UserID})
	}
	httpx.JSON(w, http.StatusOK, auditListResponse{Data: rows, Pagination: page})
}

func (h *Handler) cleanup(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	n, err := h.service.CleanupExpiredAccounts(r.Context())
	if err != nil {
		h.fail(w, r, "cleanup expired accounts", err)
		return
	}
	h.recordAction(r.Context(), shared.ActionLog{
		ActorID: actor.UserID, OrgID: actor.OrgID, Action: "jit.account.cleanup",
		Entity: "asset_account", EntityID: "*", Meta: map[string]any{"processed": n},
	})
	httpx.JSON(w, http.StatusOK, map[string]int{"processed": n})
}

func (h *Handler) testConnection(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.authorizedAsset(w, r)
	if !ok {
		return
	}
	if err := h.service.TestAssetConnection(r.Context(), asset.ID); err != nil {
		h.logger.InfoContext(r.Context(), "asset connection probe failed",
			slog.Int64("asset_id", asset.ID), slog.Any("error", err))
		httpx.JSON(w, http.StatusOK, map[string]any{"ok": false, "error": probeMessage(err)})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handler) listDatabases(w http.ResponseWriter, r *http.Request) {
	asset, ok := h.authorizedAsset(w, r)
	if !ok {
		return
	}
	dbs, err := h.service.ListAssetDatabases(r.Context(), asset.ID)
	if err != nil {
		h.fail(w, r, "list asset databases", err)
		return
	}
	if dbs == nil {
		dbs = []string{}
	}
	httpx.JSON(w, http.StatusOK, map[string][]string{"databases": dbs})
}

func (h *Handler) authorizedSession(w http.ResponseWriter, r *http.Request) (jit.Session, bool) {
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return jit.Session{}, false
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return jit.Session{}, false
	}
	sess, err := h.service.GetSession(r.Context(), id)
	if err != nil {
		h.fail(w, r, "load session", err)
		return jit.Session{}, false
	}
	// Other organisations' sessions are reported as missing.
	if sess.OrgID != actor.OrgID {
		httpx.RespondError(w, fmt.Errorf("%w: session %d", httpx.ErrNotFound, id))
		return jit.Session{}, false
	}
	return sess, true
}

func (h *Handler) authorizedAsset(w http.ResponseWriter, r *http.Request) (jit.Asset, bool) {
	id, err := parseID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return jit.Asset{}, false
	}
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return jit.Asset{}, false
	}
	asset, err := h.service.GetAsset(r.Context(), id)
	if err != nil {
		h.fail(w, r, "load asset", err)
		return jit.Asset{}, false
	}
	if asset.OrgID != actor.OrgID {
		httpx.RespondError(w, fmt.Errorf("%w: asset %d", httpx.ErrNotFound, id))
		return jit.Asset{}, false
	}
	return asset, true
}

func (h *Handler) parsePage(r *http.Request) (pageQuery, error) {
	var q pageQuery
	for name, dst := range map[string]*int{"page": &q.Page, "per_page": &q.PerPage} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return pageQuery{}, fmt.Errorf("%w: %s must be an integer", httpx.ErrValidation, name)
		}
		*dst = v
	}
	if err := h.validate.Struct(q); err != nil {
		return pageQuery{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return q, nil
}

func (h *Handler) record(r *http.Request, action, entity string, sess jit.Session, meta map[string]any) {
	actor, _ := shared.ActorFromContext(r.Context())
	h.recordAction(r.Context(), shared.ActionLog{
		ActorID:  actor.UserID,
		OrgID:    sess.OrgID,
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(sess.ID, 10),
		Meta:     meta,
		At:       h.now().UTC(),
	})
}

func (h *Handler) recordAction(ctx context.Context, log shared.ActionLog) {
	if h.actions == nil {
		return
	}
	if err := h.actions.Record(ctx, log); err != nil {
		h.logger.WarnContext(ctx, "record action", slog.String("action", log.Action), slog.Any("error", err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	mapped := mapError(err)
	if errors.Is(mapped, errInternal) {
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}

func parseID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}
