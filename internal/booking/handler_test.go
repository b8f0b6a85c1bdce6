package booking

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/workcomp-booking/internal/voice"
)

type verifierFunc func(timestamp, signature string, payload []byte) error

func (f verifierFunc) VerifyWebhookSignature(timestamp, signature string, payload []byte) error {
	return f(timestamp, signature, payload)
}

func newTestRouter(h *harness, verifier SignatureVerifier) http.Handler {
	handler := NewHandler(HandlerConfig{
		Orchestrator:     h.o,
		Processor:        h.p,
		Sweeper:          h.s,
		Verifier:         verifier,
		VerifySignatures: verifier != nil,
	})
	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	handler.RegisterWebhookRoutes(r)
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandlerInitiateBooking(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h, nil)

	rec := doJSON(t, router, http.MethodPost, "/initiate-booking", map[string]string{
		"incidentId":       "42",
		"medicalCenterId":  "C1",
		"doctorPreference": "any_doctor",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "call-1", body["callId"])
	assert.Equal(t, "registered", body["callStatus"])
	assert.NotEmpty(t, body["workflowId"])
	assert.NotEmpty(t, body["taskId"])

	rec = doJSON(t, router, http.MethodPost, "/initiate-booking", map[string]string{
		"incidentId":      "42",
		"medicalCenterId": "C2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerInitiateValidation(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h, nil)

	cases := []struct {
		name string
		body map[string]string
		code int
	}{
		{"missing incident", map[string]string{"medicalCenterId": "C1"}, http.StatusBadRequest},
		{"specific doctor without id", map[string]string{"incidentId": "42", "medicalCenterId": "C1", "doctorPreference": "specific_doctor"}, http.StatusBadRequest},
		{"bad urgency", map[string]string{"incidentId": "42", "medicalCenterId": "C1", "urgency": "asap"}, http.StatusBadRequest},
		{"unknown doctor", map[string]string{"incidentId": "42", "medicalCenterId": "C1", "doctorPreference": "specific_doctor", "preferredDoctorId": "d-9"}, http.StatusBadRequest},
		{"unknown incident", map[string]string{"incidentId": "404", "medicalCenterId": "C1"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, router, http.MethodPost, "/initiate-booking", tc.body)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, 0, h.placer.placed())
}

func TestHandlerInitiateOutsideHoursAndDispatchFailure(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h, nil)
	body := map[string]string{"incidentId": "42", "medicalCenterId": "C1"}

	h.clock.Set(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))
	rec := doJSON(t, router, http.MethodPost, "/initiate-booking", body)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	h.clock.Set(inHours)
	h.placer.failNext(&voice.APIError{StatusCode: 422, Message: "number not reachable"})
	rec = doJSON(t, router, http.MethodPost, "/initiate-booking", body)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "number not reachable")
}

func TestHandlerWebhook(t *testing.T) {
	h := newHarness(t)
	wf := h.initiate(t, "42", "C1")

	var verified int
	router := newTestRouter(h, verifierFunc(func(ts, sig string, payload []byte) error {
		if sig != "good" {
			return &voice.SignatureError{Reason: "mismatch"}
		}
		verified++
		return nil
	}))

	post := func(sig string, evt voice.WebhookEvent) *httptest.ResponseRecorder {
		payload, err := json.Marshal(evt)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/webhook-handler", bytes.NewReader(payload))
		req.Header.Set(voice.SignatureHeader, sig)
		req.Header.Set(voice.TimestampHeader, "1773154800")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := post("bad", ended("call-1", "dial_no_answer"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, StatusCallingMedicalCenter, h.get(t, wf).Status)

	rec = post("good", ended("call-1", "dial_no_answer"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	assert.Equal(t, StatusAwaitingMedicalCenterRetry, h.get(t, wf).Status)

	// redelivery is acknowledged without effect
	rec = post("good", ended("call-1", "dial_no_answer"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, h.get(t, wf).RetryAttempt)

	pending, err := h.store.Create(t.Context(), CreateInput{IncidentID: "43", MedicalCenterID: "C2"})
	require.NoError(t, err)
	evt := ended("call-x", "dial_no_answer")
	evt.Call.Metadata = map[string]string{"workflow_id": pending.ID.String()}
	rec = post("good", evt)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodPost, "/webhook-handler", bytes.NewReader([]byte(`{"event":"call_ended"}`)))
	req.Header.Set(voice.SignatureHeader, "good")
	malformed := httptest.NewRecorder()
	router.ServeHTTP(malformed, req)
	assert.Equal(t, http.StatusBadRequest, malformed.Code)
	assert.Equal(t, 4, verified)
}

func TestHandlerProcessRetriesAndQueries(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h, nil)
	wf := h.initiate(t, "42", "C1")
	h.deliver(t, ended("call-1", "dial_no_answer"))
	h.clock.Advance(5 * time.Minute)

	rec := doJSON(t, router, http.MethodPost, "/process-retries", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sweep SweepResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sweep))
	assert.Equal(t, 1, sweep.MedicalCenterCallsPlaced)
	assert.Equal(t, 0, sweep.PatientCallsPlaced)

	rec = doJSON(t, router, http.MethodGet, "/booking-workflows/"+wf.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Workflow Workflow      `json:"workflow"`
		Calls    []*CallRecord `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, StatusCallingMedicalCenter, detail.Workflow.Status)
	assert.Len(t, detail.Calls, 2)

	rec = doJSON(t, router, http.MethodGet, "/booking-workflows/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/booking-workflows?incidentId=42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = doJSON(t, router, http.MethodGet, "/booking-workflows", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerCancelWorkflow(t *testing.T) {
	h := newHarness(t)
	router := newTestRouter(h, nil)

	rec := doJSON(t, router, http.MethodPost, "/cancel-workflow", map[string]string{"incidentId": "42"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/cancel-workflow", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	wf := h.initiate(t, "42", "C1")
	rec = doJSON(t, router, http.MethodPost, "/cancel-workflow", map[string]string{"incidentId": "42", "reason": "worker declined"})
	require.Equal(t, http.StatusOK, rec.Code)
	got := h.get(t, wf)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "worker declined", got.FailureReason)
}

func TestHandlerErrorStatusCodes(t *testing.T) {
	handler := NewHandler(HandlerConfig{})
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("cancel: %w", &InvalidTransitionError{From: StatusCompleted, To: StatusCancelled}), http.StatusConflict},
		{fmt.Errorf("sweep: %w", ErrStaleState), http.StatusConflict},
		{ErrLocked, http.StatusServiceUnavailable},
		{ErrOutsideCallingHours, http.StatusUnprocessableEntity},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.writeError(rec, "test", tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}
