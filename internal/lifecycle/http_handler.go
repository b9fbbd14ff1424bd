package lifecycle

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/datagov/internal/domain"
	"github.com/rpattn/datagov/internal/repository"
)

type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/approve"):
		h.handleApprove(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/reject"):
		h.handleReject(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/request-approval"):
		h.handleRequestApproval(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/execute"):
		h.handleExecute(w, r)
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
		h.handleCancel(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/preview"):
		h.handlePreview(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/iterations"):
		h.handleListIterations(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/executions"):
		h.handleListExecutions(w, r)
	case r.Method == http.MethodPost:
		// Creation only on the collection path; a POST to a plan path
		// without a known action is not a create.
		if strings.TrimSuffix(r.URL.Path, "/") == "/plans" {
			h.handleCreate(w, r)
			return
		}
		http.Error(w, "not found", http.StatusNotFound)
	case r.Method == http.MethodGet:
		if _, ok := planIDFromPath(r.URL.Path); ok {
			h.handleGet(w, r)
			return
		}
		h.handleList(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type createPlanPayload struct {
	SourceType         string         `json:"sourceType"`
	SourceID           string         `json:"sourceId"`
	TargetAsset        string         `json:"targetAsset"`
	TargetColumn       string         `json:"targetColumn"`
	TransformationType string         `json:"transformationType"`
	Description        string         `json:"description"`
	Parameters         map[string]any `json:"parameters"`
	RequestedBy        string         `json:"requestedBy"`
	AccuracyThreshold  float64        `json:"accuracyThreshold"`
	MaxIterations      int            `json:"maxIterations"`
}

type reviewPayload struct {
	ReviewedBy string `json:"reviewedBy"`
	Comment    string `json:"comment"`
}

type executePayload struct {
	ExecutedBy string `json:"executedBy"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload createPlanPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}

	req := domain.TransformationRequest{
		SourceType:         payload.SourceType,
		SourceID:           payload.SourceID,
		TargetAsset:        payload.TargetAsset,
		TargetColumn:       payload.TargetColumn,
		TransformationType: domain.TransformationType(payload.TransformationType),
		Description:        payload.Description,
		Parameters:         payload.Parameters,
		RequestedBy:        payload.RequestedBy,
		AccuracyThreshold:  payload.AccuracyThreshold,
		MaxIterations:      payload.MaxIterations,
	}
	plan, err := h.service.CreatePlan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, plan)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromPath(r.URL.Path)
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	plan, err := h.service.GetPlan(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repository.PlanFilter{TargetAsset: strings.TrimSpace(query.Get("targetAsset"))}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.PlanStatus(raw)
		filter.Status = &status
	}
	limit := 25
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			http.Error(w, "offset must be zero or positive", http.StatusBadRequest)
			return
		}
		offset = parsed
	}
	history, err := h.service.ListHistory(r.Context(), filter, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/preview")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	preview, err := h.service.GetPreview(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *Handler) handleListIterations(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/iterations")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	iterations, err := h.service.ListIterations(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iterations)
}

func (h *Handler) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/executions")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	logs, err := h.service.ListExecutionLogs(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/approve")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var payload reviewPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	plan, err := h.service.Approve(r.Context(), planID, payload.ReviewedBy, payload.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/reject")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var payload reviewPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	plan, err := h.service.Reject(r.Context(), planID, payload.ReviewedBy, payload.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/request-approval")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	plan, err := h.service.RequestApproval(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/execute")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	var payload executePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	plan, entry, err := h.service.Execute(r.Context(), planID, payload.ExecutedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":      plan,
		"execution": entry,
	})
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	planID, ok := planIDFromAction(r.URL.Path, "/cancel")
	if !ok {
		http.Error(w, "invalid plan identifier", http.StatusBadRequest)
		return
	}
	plan, err := h.service.Cancel(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func planIDFromAction(path, action string) (uuid.UUID, bool) {
	trimmed := strings.TrimSuffix(strings.TrimSuffix(path, "/"), action)
	return planIDFromPath(trimmed)
}

func planIDFromPath(path string) (uuid.UUID, bool) {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx == -1 || idx == len(trimmed)-1 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(trimmed[idx+1:])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	var (
		validationErr *domain.ValidationError
		reviewerErr   *domain.MissingReviewerError
		reasonErr     *domain.MissingReasonError
		transitionErr *domain.InvalidStateTransitionError
	)
	switch {
	case errors.As(err, &validationErr), errors.As(err, &reviewerErr), errors.As(err, &reasonErr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &transitionErr):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
