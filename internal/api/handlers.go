package api

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/transfa/settlement-service/internal/audit"
	"github.com/transfa/settlement-service/internal/domain"
	"github.com/transfa/settlement-service/internal/flow"
	"github.com/transfa/settlement-service/pkg/webhookclient"
)

const maxWebhookBody = 1 << 20

// SignalDeliverer hands external signals to the engine.
type SignalDeliverer interface {
	DeliverSignal(ctx context.Context, in flow.Signal) (flow.SignalDelivery, error)
}

// FlowAuditor is the operator surface over flow instances.
type FlowAuditor interface {
	List(ctx context.Context, filter audit.ListFilter) (audit.ListResult, error)
	Get(ctx context.Context, id uuid.UUID) (*audit.FlowDetail, error)
	ResetStep(ctx context.Context, flowID, stepID uuid.UUID, action audit.Action) (*audit.FlowDetail, error)
}

// Deduper suppresses repeated webhook deliveries.
type Deduper interface {
	FirstSeen(ctx context.Context, source, key string) (bool, error)
	Release(ctx context.Context, source, key string) error
}

// Handler serves the webhook and admin routes.
type Handler struct {
	signals       SignalDeliverer
	auditor       FlowAuditor
	deduper       Deduper
	signingSecret string
	logger        *slog.Logger
}

// NewHandler creates the HTTP handlers. deduper may be nil.
func NewHandler(signals SignalDeliverer, auditor FlowAuditor, deduper Deduper, signingSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		signals:       signals,
		auditor:       auditor,
		deduper:       deduper,
		signingSecret: strings.TrimSpace(signingSecret),
		logger:        logger.With("component", "http_api"),
	}
}

// signalRequest is the generic inbound signal envelope.
type signalRequest struct {
	Source         string         `json:"source"`
	IdempotencyKey string         `json:"idempotencyKey"`
	FlowInstanceID *uuid.UUID     `json:"flowInstanceId,omitempty"`
	Correlation    map[string]any `json:"correlation"`
	Payload        map[string]any `json:"payload"`
}

type signalResponse struct {
	SignalID  *uuid.UUID `json:"signalId,omitempty"`
	Duplicate bool       `json:"duplicate"`
	Delivered int        `json:"delivered"`
}

func (h *Handler) handleSignalWebhook(w http.ResponseWriter, r *http.Request) {
	if h.signingSecret == "" {
		respondWithError(w, http.StatusServiceUnavailable, "webhook signing secret is not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	expected := webhookclient.Sign(h.signingSecret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(r.Header.Get(webhookclient.SignatureHeader)))) {
		respondWithError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var req signalRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Source = strings.TrimSpace(req.Source)
	if req.Source == "" {
		respondWithError(w, http.StatusBadRequest, "source is required")
		return
	}
	if req.FlowInstanceID == nil && len(req.Correlation) == 0 {
		respondWithError(w, http.StatusBadRequest, flow.ErrSignalUnroutable.Error())
		return
	}

	claimed := false
	if h.deduper != nil && req.IdempotencyKey != "" {
		first, err := h.deduper.FirstSeen(r.Context(), req.Source, req.IdempotencyKey)
		if err != nil {
			// The signal ledger still deduplicates by idempotency key.
			h.logger.Warn("signal dedupe unavailable", "source", req.Source, "error", err)
		} else if !first {
			respondWithJSON(w, http.StatusOK, signalResponse{Duplicate: true})
			return
		} else {
			claimed = true
		}
	}

	delivery, err := h.signals.DeliverSignal(r.Context(), flow.Signal{
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
		FlowInstanceID: req.FlowInstanceID,
		Correlation:    req.Correlation,
		Payload:        req.Payload,
	})
	if err != nil {
		if claimed {
			if releaseErr := h.deduper.Release(context.WithoutCancel(r.Context()), req.Source, req.IdempotencyKey); releaseErr != nil {
				h.logger.Warn("failed to release dedupe key", "source", req.Source, "error", releaseErr)
			}
		}
		if errors.Is(err, flow.ErrSignalUnroutable) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("signal delivery failed", "source", req.Source, "error", err)
		respondWithError(w, http.StatusInternalServerError, "signal delivery failed")
		return
	}

	resp := signalResponse{Duplicate: delivery.Duplicate, Delivered: delivery.Delivered}
	if delivery.SignalID != uuid.Nil {
		resp.SignalID = &delivery.SignalID
	}
	status := http.StatusAccepted
	if delivery.Duplicate {
		status = http.StatusOK
	}
	respondWithJSON(w, status, resp)
}

func (h *Handler) handleListFlows(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter audit.ListFilter

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status := domain.FlowStatus(strings.ToUpper(raw))
		switch status {
		case domain.FlowInProgress, domain.FlowWaiting, domain.FlowCompleted, domain.FlowFailed:
			filter.Status = &status
		default:
			respondWithError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if raw := strings.TrimSpace(query.Get("transactionId")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid transactionId")
			return
		}
		filter.TransactionID = &id
	}

	ints := []struct {
		name   string
		target *int
		max    int
	}{
		{"stuckMinutes", &filter.StuckMinutes, 0},
		{"limit", &filter.Limit, 200},
		{"offset", &filter.Offset, 0},
	}
	for _, p := range ints {
		raw := strings.TrimSpace(query.Get(p.name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid "+p.name)
			return
		}
		if p.max > 0 && value > p.max {
			value = p.max
		}
		*p.target = value
	}

	result, err := h.auditor.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list flows failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to list flows")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid flow id")
		return
	}
	detail, err := h.auditor.Get(r.Context(), id)
	if err != nil {
		h.respondWithAuditError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleRetryStep(w http.ResponseWriter, r *http.Request) {
	h.resetStep(w, r, audit.ActionRetry)
}

func (h *Handler) handleRequeueStep(w http.ResponseWriter, r *http.Request) {
	h.resetStep(w, r, audit.ActionRequeue)
}

func (h *Handler) resetStep(w http.ResponseWriter, r *http.Request, action audit.Action) {
	flowID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid flow id")
		return
	}
	stepID, err := uuid.Parse(chi.URLParam(r, "stepId"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid step id")
		return
	}

	detail, err := h.auditor.ResetStep(r.Context(), flowID, stepID, action)
	if err != nil {
		h.respondWithAuditError(w, err)
		return
	}
	h.logger.Info("operator step action",
		"operator_id", OperatorIDFromContext(r.Context()),
		"flow_instance_id", flowID,
		"step_id", stepID,
		"action", action,
	)
	respondWithJSON(w, http.StatusOK, detail)
}

func (h *Handler) respondWithAuditError(w http.ResponseWriter, err error) {
	var instanceNotFound *audit.FlowInstanceNotFoundError
	var stepNotFound *audit.FlowStepNotFoundError
	var actionErr *audit.FlowStepActionError
	switch {
	case errors.As(err, &instanceNotFound), errors.As(err, &stepNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &actionErr):
		respondWithError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("flow audit request failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

// respondWithJSON is a helper function to write JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
