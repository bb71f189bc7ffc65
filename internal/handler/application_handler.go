package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"kyc-onboarding/internal/model"
	"kyc-onboarding/internal/queue"
	"kyc-onboarding/internal/repository"
	"kyc-onboarding/internal/service"
)

const (
	defaultPageSize = 50
	maxBulkIDs      = 200
)

var errInvalidInput = errors.New("invalid input")

// QueueStats reports per partner message queue counters.
type QueueStats interface {
	PartnerStats(partnerID uint) (queue.PartnerStats, bool)
}

// ApplicationHandler serves the admin endpoints for KYC applications.
type ApplicationHandler struct {
	apps   *service.ApplicationService
	queue  QueueStats
	logger *zap.Logger
}

func NewApplicationHandler(apps *service.ApplicationService, stats QueueStats, logger *zap.Logger) *ApplicationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApplicationHandler{apps: apps, queue: stats, logger: logger.Named("admin")}
}

// Response is the JSON envelope of every admin API reply.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// Meta carries paging information for list replies.
type Meta struct {
	Total  int64 `json:"total"`
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
}

type decisionRequest struct {
	Admin  string `json:"admin"`
	Remark string `json:"remark"`
}

type bulkRequest struct {
	IDs    []uint `json:"ids"`
	Admin  string `json:"admin"`
	Remark string `json:"remark"`
}

type flagsRequest struct {
	IsProcessed *bool `json:"is_processed"`
	IsReviewed  *bool `json:"is_reviewed"`
}

// RegisterRoutes registers the partner scoped admin routes.
func (h *ApplicationHandler) RegisterRoutes(router chi.Router) {
	router.Route("/partners/{partnerID}", func(r chi.Router) {
		r.Get("/applications", h.ListApplications)
		r.Post("/applications/bulk-confirm", h.BulkConfirm)
		r.Post("/applications/bulk-reject", h.BulkReject)
		r.Get("/applications/{id}", h.GetApplication)
		r.Post("/applications/{id}/confirm", h.ConfirmApplication)
		r.Post("/applications/{id}/reject", h.RejectApplication)
		r.Patch("/applications/{id}/flags", h.UpdateFlags)
		r.Post("/applications/{id}/stamp", h.StampApplication)
		r.Get("/queue/stats", h.QueueStats)
	})
}

func (h *ApplicationHandler) ListApplications(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := h.partnerID(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid query")
		return
	}

	if filter.Limit == 0 {
		filter.Limit = defaultPageSize
	}

	apps, total, err := h.apps.List(r.Context(), partnerID, filter)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to list applications")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, Response{
		Success: true,
		Data:    apps,
		Meta:    &Meta{Total: total, Limit: filter.Limit, Offset: filter.Offset},
	})
}

func (h *ApplicationHandler) GetApplication(w http.ResponseWriter, r *http.Request) {
	partnerID, id, ok := h.ids(w, r)
	if !ok {
		return
	}
	app, err := h.apps.Get(r.Context(), partnerID, id)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to get application")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(app, ""))
}

func (h *ApplicationHandler) ConfirmApplication(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "confirmed", h.apps.Confirm)
}

func (h *ApplicationHandler) RejectApplication(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, "rejected", h.apps.Reject)
}

type decision func(ctx context.Context, partnerID, id uint, admin, remark string) (*model.Application, error)

func (h *ApplicationHandler) decide(w http.ResponseWriter, r *http.Request, verb string, fn decision) {
	partnerID, id, ok := h.ids(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := decodeOptional(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	app, err := fn(r.Context(), partnerID, id, adminName(r, req.Admin), strings.TrimSpace(req.Remark))
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to update application")
		return
	}
	h.logger.Info("application "+verb,
		zap.Uint("partner_id", partnerID),
		zap.Uint("application_id", id),
	)
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(app, "Application "+verb))
}

func (h *ApplicationHandler) BulkConfirm(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.apps.BulkConfirm)
}

func (h *ApplicationHandler) BulkReject(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.apps.BulkReject)
}

func (h *ApplicationHandler) bulk(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, partnerID uint, ids []uint, admin, remark string) service.BulkResult) {
	partnerID, ok := h.partnerID(w, r)
	if !ok {
		return
	}
	var req bulkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBulkIDs {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: ids must hold 1 to %d entries", errInvalidInput, maxBulkIDs), "Invalid request body")
		return
	}

	result := fn(r.Context(), partnerID, req.IDs, adminName(r, req.Admin), strings.TrimSpace(req.Remark))
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(result,
		fmt.Sprintf("%d succeeded, %d failed", len(result.Succeeded), len(result.Failed))))
}

func (h *ApplicationHandler) UpdateFlags(w http.ResponseWriter, r *http.Request) {
	partnerID, id, ok := h.ids(w, r)
	if !ok {
		return
	}
	var req flagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.IsProcessed == nil && req.IsReviewed == nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Errorf("%w: no flag given", errInvalidInput), "Invalid request body")
		return
	}

	app, err := h.apps.UpdateFlags(r.Context(), partnerID, id, req.IsProcessed, req.IsReviewed)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to update flags")
		return
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(app, "Flags updated"))
}

func (h *ApplicationHandler) StampApplication(w http.ResponseWriter, r *http.Request) {
	partnerID, id, ok := h.ids(w, r)
	if !ok {
		return
	}
	app, err := h.apps.Stamp(r.Context(), partnerID, id)
	if err != nil {
		h.respondWithError(w, statusCode(err), err, "Failed to stamp application")
		return
	}
	respondWithJSON(h.logger, w, http.StatusAccepted, successResponse(app, "Stamping started"))
}

func (h *ApplicationHandler) QueueStats(w http.ResponseWriter, r *http.Request) {
	partnerID, ok := h.partnerID(w, r)
	if !ok {
		return
	}
	stats := queue.PartnerStats{PartnerID: partnerID}
	if h.queue != nil {
		if s, found := h.queue.PartnerStats(partnerID); found {
			stats = s
		}
	}
	respondWithJSON(h.logger, w, http.StatusOK, successResponse(stats, ""))
}

func (h *ApplicationHandler) partnerID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := parseID(chi.URLParam(r, "partnerID"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid partner ID")
		return 0, false
	}
	return id, true
}

func (h *ApplicationHandler) ids(w http.ResponseWriter, r *http.Request) (uint, uint, bool) {
	partnerID, ok := h.partnerID(w, r)
	if !ok {
		return 0, 0, false
	}
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid application ID")
		return 0, 0, false
	}
	return partnerID, id, true
}

func (h *ApplicationHandler) respondWithError(w http.ResponseWriter, code int, err error, message string) {
	h.logger.Warn("HTTP error response",
		zap.Error(err),
		zap.Int("status_code", code),
		zap.String("message", message),
	)
	respondWithJSON(h.logger, w, code, errorResponse(err, message))
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

func respondWithJSON(logger *zap.Logger, w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// statusCode maps service errors onto HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidTransition), errors.Is(err, service.ErrNotStampable):
		return http.StatusConflict
	case errors.Is(err, service.ErrNoGenerator):
		return http.StatusNotImplemented
	case errors.Is(err, errInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func parseID(raw string) (uint, error) {
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: id %q", errInvalidInput, raw)
	}
	return uint(n), nil
}

func parseFilter(r *http.Request) (repository.ApplicationFilter, error) {
	q := r.URL.Query()
	var filter repository.ApplicationFilter

	if s := q.Get("status"); s != "" {
		status := model.ApplicationStatus(strings.ToLower(s))
		switch status {
		case model.StatusDraft, model.StatusConfirmed, model.StatusRejected:
			filter.Status = status
		default:
			return filter, fmt.Errorf("%w: status %q", errInvalidInput, s)
		}
	}
	for key, dst := range map[string]**bool{"processed": &filter.IsProcessed, "reviewed": &filter.IsReviewed} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, fmt.Errorf("%w: %s %q", errInvalidInput, key, raw)
		}
		*dst = &v
	}
	for key, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return filter, fmt.Errorf("%w: %s %q", errInvalidInput, key, raw)
		}
		*dst = v
	}
	return filter, nil
}

// decodeOptional decodes a JSON body when one was sent.
func decodeOptional(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(dst)
}

func adminName(r *http.Request, fromBody string) string {
	if v := strings.TrimSpace(fromBody); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get(adminUserHeader)); v != "" {
		return v
	}
	return "admin"
}
