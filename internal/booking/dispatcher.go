package booking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/workcomp-booking/internal/observability/metrics"
	"github.com/wolfman30/workcomp-booking/internal/voice"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

var dispatchTracer = otel.Tracer("workcomp.internal.booking.dispatch")

// CallPlacer is the provider call-creation endpoint.
type CallPlacer interface {
	CreatePhoneCall(ctx context.Context, req voice.CreateCallRequest) (*voice.Call, error)
}

// Agents maps each leg to the provider agent (script) that runs it.
type Agents struct {
	MedicalCenter string
	Patient       string
	Confirm       string
}

func (a Agents) forLeg(leg Leg) string {
	switch leg {
	case LegPatientConfirm:
		return a.Patient
	case LegMedicalConfirm:
		if a.Confirm != "" {
			return a.Confirm
		}
		return a.MedicalCenter
	default:
		return a.MedicalCenter
	}
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Voice      CallPlacer
	Phones     voice.PhoneNormalizer
	FromNumber string
	Agents     Agents
	Timeout    time.Duration
	Metrics    *metrics.BookingMetrics
	Logger     *logging.Logger
}

// Dispatcher places outbound calls with the voice provider.
type Dispatcher struct {
	voice   CallPlacer
	phones  voice.PhoneNormalizer
	from    string
	agents  Agents
	timeout time.Duration
	metrics *metrics.BookingMetrics
	logger  *logging.Logger
}

// CallRequest is one call to place.
type CallRequest struct {
	Leg              Leg
	ToPhone          string
	ToName           string
	DynamicVariables map[string]string
	Metadata         map[string]string
}

// PlacedCall is the provider's acceptance of a call.
type PlacedCall struct {
	CallID     string
	CallStatus string
	ToPhone    string
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Voice == nil {
		return nil, fmt.Errorf("booking: voice client required")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, fmt.Errorf("booking: from number required")
	}
	if cfg.Agents.MedicalCenter == "" || cfg.Agents.Patient == "" {
		return nil, fmt.Errorf("booking: medical center and patient agent ids required")
	}
	if cfg.Phones == nil {
		cfg.Phones = voice.NewCountryNormalizer("")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Dispatcher{
		voice:   cfg.Voice,
		phones:  cfg.Phones,
		from:    cfg.FromNumber,
		agents:  cfg.Agents,
		timeout: cfg.Timeout,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}, nil
}

// PlaceCall normalizes the target number and creates the call. Every failure
// is a *CallDispatchError; provider timeouts, 429 and 5xx are marked transient.
func (d *Dispatcher) PlaceCall(ctx context.Context, req CallRequest) (*PlacedCall, error) {
	ctx, span := dispatchTracer.Start(ctx, "booking.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("booking.leg", string(req.Leg)))

	to, err := d.phones.Normalize(req.ToPhone)
	if err != nil {
		d.metrics.ObserveDispatch(string(req.Leg), "invalid_phone")
		span.SetStatus(codes.Error, "invalid phone")
		return nil, &CallDispatchError{Leg: req.Leg, Err: fmt.Errorf("normalize %q: %w", logging.MaskPhone(req.ToPhone), err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	call, err := d.voice.CreatePhoneCall(callCtx, voice.CreateCallRequest{
		FromNumber:       d.from,
		ToNumber:         to,
		AgentID:          d.agents.forLeg(req.Leg),
		DynamicVariables: req.DynamicVariables,
		Metadata:         req.Metadata,
	})
	if err != nil {
		transient := voice.IsTransient(err)
		result := "error"
		if transient {
			result = "transient_error"
		}
		d.metrics.ObserveDispatch(string(req.Leg), result)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create call failed")
		d.logger.Warn("booking: call dispatch failed",
			"leg", req.Leg,
			"to", logging.MaskPhone(to),
			"transient", transient,
			"error", err,
		)
		return nil, &CallDispatchError{Leg: req.Leg, Transient: transient, Err: err}
	}

	d.metrics.ObserveDispatch(string(req.Leg), "ok")
	span.SetAttributes(attribute.String("voice.call_id", call.CallID))
	d.logger.Info("booking: call dispatched",
		"leg", req.Leg,
		"call_id", call.CallID,
		"to", logging.MaskPhone(to),
	)
	return &PlacedCall{CallID: call.CallID, CallStatus: call.CallStatus, ToPhone: to}, nil
}
