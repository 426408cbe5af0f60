package matrix

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/gatekeep/internal/access"
	"github.com/noah-isme/gatekeep/internal/audit"
	"github.com/noah-isme/gatekeep/internal/overrides"
	"github.com/noah-isme/gatekeep/internal/platform/httpx"
	"github.com/noah-isme/gatekeep/internal/shared"
)

// TrailService reads the audit trail for the API surface.
type TrailService interface {
	Trail(ctx context.Context, userID int64) ([]audit.Entry, error)
	TrailPage(ctx context.Context, userID int64, page, perPage int) (audit.Result, error)
}

// ExportEnqueuer schedules background audit exports.
type ExportEnqueuer interface {
	EnqueueAuditExport(ctx context.Context, userID int64, requestedBy string) (string, error)
}

// Guard protects routes with permission requirements.
type Guard interface {
	RequireAny(perms ...string) func(http.Handler) http.Handler
}

// Handler exposes the matrix administration API.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	coordinator *Coordinator
	trail       TrailService
	exports     ExportEnqueuer
	guard       Guard
	validator   *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, coordinator *Coordinator, trail TrailService, exports ExportEnqueuer, guard Guard) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		coordinator: coordinator,
		trail:       trail,
		exports:     exports,
		guard:       guard,
		validator:   validator.New(),
	}
}

// MountRoutes registers matrix routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(shared.PermMatrixView))
		r.Get("/matrix", h.getMatrix)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(shared.PermMatrixEdit))
		r.Put("/users/{userID}/overrides/{permissionKey}", h.setOverride)
		r.Delete("/users/{userID}/overrides/{permissionKey}", h.removeOverride)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(shared.PermAuditView, shared.PermMatrixView))
		r.Get("/users/{userID}/audit", h.getAuditTrail)
		r.Get("/users/{userID}/audit/export.csv", h.exportAuditCSV)
		r.Post("/users/{userID}/audit/export", h.enqueueAuditExport)
	})
}

func (h *Handler) getMatrix(w http.ResponseWriter, r *http.Request) {
	filter := parseFilter(r)
	snap, err := h.service.GetMatrix(r.Context(), filter)
	if err != nil {
		h.logger.Error("build matrix", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

type setOverrideRequest struct {
	Action string `json:"action" validate:"required,oneof=grant deny"`
	Reason string `json:"reason" validate:"omitempty,max=500"`
}

type setOverrideResponse struct {
	Override     *overrideJSON `json:"override"`
	AuditEntryID int64         `json:"auditEntryId"`
	PrevState    access.State  `json:"previousState"`
	NewState     access.State  `json:"newState"`
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	pair, err := parsePair(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req setOverrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, shared.Validationf("invalid request body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.RespondError(w, shared.Validationf("%s", validationDetail(err)))
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())

	var view CellView
	result, err := h.coordinator.SetOverride(r.Context(), &view, pair, access.OverrideAction(req.Action), req.Reason, actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, setOverrideResponse{
		Override:     toOverrideJSON(result.Override),
		AuditEntryID: result.AuditEntryID,
		PrevState:    result.Previous,
		NewState:     result.Current,
	})
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	pair, err := parsePair(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())

	var view CellView
	if _, err := h.coordinator.RemoveOverride(r.Context(), &view, pair, actor); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type auditTrailResponse struct {
	Entries []audit.Entry     `json:"entries"`
	Paging  shared.Pagination `json:"paging"`
}

func (h *Handler) getAuditTrail(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	page, perPage := parsePaging(r)
	result, err := h.trail.TrailPage(r.Context(), userID, page, perPage)
	if err != nil {
		h.logger.Error("load audit trail", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if result.Entries == nil {
		result.Entries = []audit.Entry{}
	}
	httpx.JSON(w, http.StatusOK, auditTrailResponse{Entries: result.Entries, Paging: result.Paging})
}

func (h *Handler) exportAuditCSV(w http.ResponseWriter, r *http.Request) {
	userID, err := parseUserID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.trail.Trail(r.Context(), userID)
	if err != nil {
		h.logger.Error("export audit trail", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	csvBytes, err := audit.WriteCSV(entries)
	if err != nil {
		h.logger.Error("encode csv", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"override-audit.csv\"")
	if _, err := w.Write(csvBytes); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) enqueueAuditExport(w http.ResponseWriter, r *http.Request) {
	if h.exports == nil {
		http.Error(w, http.StatusText(http.StatusNotImplemented), http.StatusNotImplemented)
		return
	}
	userID, err := parseUserID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	jobID, err := h.exports.EnqueueAuditExport(r.Context(), userID, actor.Email)
	if err != nil {
		h.logger.Error("enqueue audit export", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

type overrideJSON struct {
	UserID        int64  `json:"userId"`
	PermissionKey string `json:"permissionKey"`
	Action        string `json:"action"`
	Reason        string `json:"reason,omitempty"`
	GrantedBy     int64  `json:"grantedBy"`
	GrantedByName string `json:"grantedByName,omitempty"`
	GrantedAt     string `json:"grantedAt"`
	Version       int64  `json:"version"`
}

func toOverrideJSON(ov *overrides.Override) *overrideJSON {
	if ov == nil {
		return nil
	}
	return &overrideJSON{
		UserID:        ov.UserID,
		PermissionKey: ov.PermissionKey,
		Action:        string(ov.Action),
		Reason:        ov.Reason,
		GrantedBy:     ov.GrantedBy,
		GrantedByName: ov.GrantedByName,
		GrantedAt:     ov.GrantedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Version:       ov.Version,
	}
}

func parsePair(r *http.Request) (Pair, error) {
	userID, err := parseUserID(r)
	if err != nil {
		return Pair{}, err
	}
	key := strings.TrimSpace(chi.URLParam(r, "permissionKey"))
	if key == "" {
		return Pair{}, shared.Validationf("permission key required")
	}
	return Pair{UserID: userID, PermissionKey: key}, nil
}

func parseUserID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "userID")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		return 0, shared.Validationf("invalid user id %q", raw)
	}
	return userID, nil
}

func parseFilter(r *http.Request) Filter {
	q := r.URL.Query()
	filter := Filter{
		Query:        strings.TrimSpace(q.Get("q")),
		HideInactive: q.Get("hide_inactive") == "1" || strings.EqualFold(q.Get("hide_inactive"), "true"),
		CustomOnly:   q.Get("custom_only") == "1" || strings.EqualFold(q.Get("custom_only"), "true"),
		Preset:       strings.TrimSpace(q.Get("preset")),
	}
	if raw := strings.TrimSpace(q.Get("modules")); raw != "" {
		for _, m := range strings.Split(raw, ",") {
			if m = strings.TrimSpace(m); m != "" {
				filter.Modules = append(filter.Modules, m)
			}
		}
	}
	return filter
}

func parsePaging(r *http.Request) (page, perPage int) {
	page, perPage = 1, shared.DefaultPerPage
	if v := strings.TrimSpace(r.URL.Query().Get("page")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			page = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("page_size")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= shared.MaxPerPage {
			perPage = parsed
		}
	}
	return page, perPage
}

func validationDetail(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return "invalid request"
	}
	fields := make([]string, 0, len(errs))
	for _, fieldErr := range errs {
		fields = append(fields, strings.ToLower(fieldErr.Field()))
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}
