package booking

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/wolfman30/workcomp-booking/internal/voice"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

const maxWebhookBody = 1 << 20

// SignatureVerifier checks the provider's webhook signature headers.
type SignatureVerifier interface {
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

// HandlerConfig wires the HTTP handler.
type HandlerConfig struct {
	Orchestrator        *Orchestrator
	Processor           *Processor
	Sweeper             *Sweeper
	Verifier            SignatureVerifier
	VerifySignatures    bool
	FailedDisplayCutoff time.Duration
	// Requester names the authenticated caller; it fills requestedBy when the
	// body leaves it empty.
	Requester           func(*http.Request) string
	Logger              *logging.Logger
}

// Handler exposes the booking workflow over HTTP.
type Handler struct {
	orchestrator *Orchestrator
	processor    *Processor
	sweeper      *Sweeper
	verifier     SignatureVerifier
	verify       bool
	cutoff       time.Duration
	requester    func(*http.Request) string
	validate     *validator.Validate
	logger       *logging.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.FailedDisplayCutoff <= 0 {
		cfg.FailedDisplayCutoff = time.Hour
	}
	return &Handler{
		orchestrator: cfg.Orchestrator,
		processor:    cfg.Processor,
		sweeper:      cfg.Sweeper,
		verifier:     cfg.Verifier,
		verify:       cfg.VerifySignatures,
		cutoff:       cfg.FailedDisplayCutoff,
		requester:    cfg.Requester,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		logger:       cfg.Logger,
	}
}

// RegisterRoutes mounts the operator endpoints. Callers wrap them in admin auth.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/initiate-booking", h.initiateBooking)
	r.Post("/process-retries", h.processRetries)
	r.Post("/cancel-workflow", h.cancelWorkflow)
	r.Get("/booking-workflows", h.listWorkflows)
	r.Get("/booking-workflows/{workflowID}", h.getWorkflow)
}

// RegisterWebhookRoutes mounts the provider callback, authenticated by signature.
func (h *Handler) RegisterWebhookRoutes(r chi.Router) {
	r.Post("/webhook-handler", h.webhook)
}

type initiateResponse struct {
	WorkflowID string `json:"workflowId"`
	TaskID     string `json:"taskId"`
	CallID     string `json:"callId"`
	CallStatus string `json:"callStatus"`
	Message    string `json:"message"`
}

func (h *Handler) initiateBooking(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	req.IncidentID = strings.TrimSpace(req.IncidentID)
	req.MedicalCenterID = strings.TrimSpace(req.MedicalCenterID)
	if req.DoctorPreference == "" {
		req.DoctorPreference = string(AnyDoctor)
	}
	if strings.TrimSpace(req.RequestedBy) == "" && h.requester != nil {
		req.RequestedBy = h.requester(r)
	}
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationMessage(err)})
		return
	}

	res, err := h.orchestrator.Initiate(r.Context(), req)
	if err != nil {
		h.writeError(w, "initiate booking", err)
		return
	}
	writeJSON(w, http.StatusOK, initiateResponse{
		WorkflowID: res.Workflow.ID.String(),
		TaskID:     res.Call.ID.String(),
		CallID:     res.Call.CallID,
		CallStatus: res.CallStatus,
		Message:    "Calling " + res.Call.TargetName + " for available appointment times",
	})
}

func (h *Handler) processRetries(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		h.writeError(w, "process retries", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type cancelRequest struct {
	IncidentID string `json:"incidentId" validate:"required"`
	Reason     string `json:"reason,omitempty"`
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	req.IncidentID = strings.TrimSpace(req.IncidentID)
	if err := h.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationMessage(err)})
		return
	}
	if err := h.orchestrator.Cancel(r.Context(), req.IncidentID, req.Reason); err != nil {
		h.writeError(w, "cancel workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid workflow id"})
		return
	}
	detail, err := h.orchestrator.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, "get workflow", err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	incidentID := strings.TrimSpace(r.URL.Query().Get("incidentId"))
	if incidentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "incidentId is required"})
		return
	}
	list, err := h.orchestrator.ListActive(r.Context(), incidentID, h.cutoff)
	if err != nil {
		h.writeError(w, "list workflows", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflows": list,
		"count":     len(list),
	})
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "unreadable body"})
		return
	}
	if h.verify {
		if h.verifier == nil {
			h.logger.Error("booking: webhook verification enabled without a verifier")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
			return
		}
		err := h.verifier.VerifyWebhookSignature(r.Header.Get(voice.TimestampHeader), r.Header.Get(voice.SignatureHeader), body)
		if err != nil {
			h.logger.Warn("booking: webhook signature rejected", "error", err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"success": false, "error": "invalid signature"})
			return
		}
	}

	evt, err := voice.ParseWebhookEvent(body)
	if err != nil {
		h.logger.Warn("booking: malformed webhook", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed event"})
		return
	}

	if _, err := h.processor.HandleCallEvent(r.Context(), evt); err != nil {
		if errors.Is(err, ErrDispatchPending) || errors.Is(err, ErrLocked) {
			w.Header().Set("Retry-After", "5")
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "retry later"})
			return
		}
		h.logger.Error("booking: webhook processing failed",
			"call_id", evt.Call.CallID,
			"event", evt.Event,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeError maps workflow errors onto status codes.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"

	var dispatch *CallDispatchError
	switch {
	case errors.Is(err, ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, ErrActiveWorkflowExists):
		status, msg = http.StatusConflict, "an active booking workflow already exists for this incident"
	case errors.Is(err, ErrMedicalCenterAttemptsExhausted):
		status, msg = http.StatusConflict, "maximum number of medical centers already tried for this incident"
	case IsInvalidTransition(err), errors.Is(err, ErrStaleState):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, ErrOutsideCallingHours):
		status, msg = http.StatusUnprocessableEntity, "outside calling hours"
	case errors.As(err, &dispatch):
		status, msg = http.StatusBadGateway, dispatch.ProviderMessage()
	case errors.Is(err, ErrLocked):
		status, msg = http.StatusServiceUnavailable, "workflow busy, retry shortly"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("booking handler: "+op, "error", err)
	} else {
		h.logger.Info("booking handler: "+op+" rejected", "status", status, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required", "required_if":
			parts = append(parts, fe.Field()+" is required")
		case "oneof":
			parts = append(parts, fe.Field()+" must be one of: "+fe.Param())
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
