package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"

	"github.com/wolfman30/workcomp-booking/internal/booking"
	"github.com/wolfman30/workcomp-booking/internal/directory"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

// Service emails the requester (and optionally an ops inbox) when a booking
// workflow finishes.
type Service struct {
	email     EmailSender
	directory directory.Reader
	opsEmail  string
	logger    *logging.Logger
}

var _ booking.Notifier = (*Service)(nil)

// NewService creates a notification service. dir may be nil, in which case
// emails carry ids instead of names.
func NewService(email EmailSender, dir directory.Reader, opsEmail string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		email:     email,
		directory: dir,
		opsEmail:  strings.TrimSpace(opsEmail),
		logger:    logger,
	}
}

// WorkflowFinished sends the outcome email.
func (s *Service) WorkflowFinished(ctx context.Context, wf *booking.Workflow) error {
	if s == nil || s.email == nil || wf == nil {
		return nil
	}
	recipients := s.recipients(wf.RequestedBy)
	if len(recipients) == 0 {
		s.logger.Debug("notify: no email recipient for workflow", "workflow_id", wf.ID)
		return nil
	}

	d := s.describe(ctx, wf)
	subject, text, htmlBody := compose(wf, d)

	var errs []error
	for _, to := range recipients {
		msg := EmailMessage{
			To:         to,
			Subject:    subject,
			Body:       text,
			HTML:       htmlBody,
			Category:   category(wf.Status),
			WorkflowID: wf.ID.String(),
		}
		// replies from the requester go to the ops inbox
		if addr, ok := emailAddress(s.opsEmail); ok && !strings.EqualFold(addr, to) {
			msg.ReplyTo = addr
		}
		if err := s.email.Send(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("notify: email %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) recipients(requestedBy string) []string {
	var out []string
	if addr, ok := emailAddress(requestedBy); ok {
		out = append(out, addr)
	}
	if addr, ok := emailAddress(s.opsEmail); ok && !strings.EqualFold(addr, firstOrEmpty(out)) {
		out = append(out, addr)
	}
	return out
}

func firstOrEmpty(list []string) string {
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// emailAddress accepts bare addresses only; requested_by is frequently a user id.
func emailAddress(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || !strings.Contains(v, "@") {
		return "", false
	}
	addr, err := mail.ParseAddress(v)
	if err != nil || addr.Address != v {
		return "", false
	}
	return addr.Address, true
}

type details struct {
	worker   string
	employer string
	center   string
}

func (s *Service) describe(ctx context.Context, wf *booking.Workflow) details {
	d := details{worker: "incident " + wf.IncidentID, center: wf.MedicalCenterID}
	if s.directory == nil {
		return d
	}
	if inc, err := s.directory.Incident(ctx, wf.IncidentID); err == nil {
		if inc.WorkerName != "" {
			d.worker = inc.WorkerName
		}
		d.employer = inc.EmployerName
	} else {
		s.logger.Warn("notify: incident lookup failed", "incident_id", wf.IncidentID, "error", err)
	}
	if mc, err := s.directory.MedicalCenter(ctx, wf.MedicalCenterID); err == nil && mc.Name != "" {
		d.center = mc.Name
	}
	return d
}

func category(status booking.Status) string {
	switch status {
	case booking.StatusCompleted:
		return CategoryBooked
	case booking.StatusCancelled:
		return CategoryCancelled
	default:
		return CategoryFailed
	}
}

func compose(wf *booking.Workflow, d details) (subject, text, htmlBody string) {
	var headline string
	switch wf.Status {
	case booking.StatusCompleted:
		subject = fmt.Sprintf("Appointment booked for %s", d.worker)
		headline = fmt.Sprintf("An appointment for %s at %s is confirmed for %s.", d.worker, d.center, wf.ConfirmedDatetime)
	case booking.StatusCancelled:
		subject = fmt.Sprintf("Booking cancelled for %s", d.worker)
		headline = fmt.Sprintf("Booking for %s at %s was cancelled: %s.", d.worker, d.center, wf.FailureReason)
	default:
		subject = fmt.Sprintf("Booking failed for %s", d.worker)
		headline = fmt.Sprintf("Booking for %s at %s failed: %s.", d.worker, d.center, wf.FailureReason)
	}

	lines := []string{headline}
	if d.employer != "" {
		lines = append(lines, "Employer: "+d.employer)
	}
	lines = append(lines,
		"Incident: "+wf.IncidentID,
		fmt.Sprintf("Calls placed: %d", wf.CallCount),
		"Workflow: "+wf.ID.String(),
	)
	text = strings.Join(lines, "\n")

	var sb strings.Builder
	sb.WriteString("<p>" + html.EscapeString(headline) + "</p><ul>")
	for _, l := range lines[1:] {
		sb.WriteString("<li>" + html.EscapeString(l) + "</li>")
	}
	sb.WriteString("</ul>")
	return subject, text, sb.String()
}
