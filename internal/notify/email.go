package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

const defaultFromName = "Booking Desk"

// EmailSender delivers one booking outcome email.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailMessage is an outcome email for a single recipient. Category and
// WorkflowID are attached as provider metadata so bounces and opens can be
// traced back to the workflow.
type EmailMessage struct {
	To         string
	Subject    string
	Body       string
	HTML       string
	ReplyTo    string
	Category   string
	WorkflowID string
}

// Outcome categories.
const (
	CategoryBooked    = "booking-completed"
	CategoryFailed    = "booking-failed"
	CategoryCancelled = "booking-cancelled"
)

// SendGridSender sends through the SendGrid v3 API.
type SendGridSender struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil without an API key.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SendGridSender{
		client:    sendgrid.NewSendClient(cfg.APIKey),
		fromEmail: cfg.FromEmail,
		fromName:  cfg.FromName,
		logger:    logger,
	}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	response, err := s.client.SendWithContext(ctx, s.build(msg))
	if err != nil {
		s.logger.Error("notify: sendgrid send failed", "error", err, "to", msg.To, "workflow_id", msg.WorkflowID)
		return fmt.Errorf("notify: sendgrid send: %w", err)
	}
	if response.StatusCode >= 400 {
		s.logger.Error("notify: sendgrid rejected email", "status", response.StatusCode, "body", response.Body, "workflow_id", msg.WorkflowID)
		return fmt.Errorf("notify: sendgrid returned status %d", response.StatusCode)
	}
	s.logger.Info("notify: email sent via sendgrid", "to", msg.To, "category", msg.Category, "workflow_id", msg.WorkflowID)
	return nil
}

func (s *SendGridSender) build(msg EmailMessage) *mail.SGMailV3 {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(s.fromName, s.fromEmail))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.To))
	if msg.WorkflowID != "" {
		p.SetCustomArg("workflow_id", msg.WorkflowID)
	}
	m.AddPersonalizations(p)

	// text/plain must precede text/html
	m.AddContent(mail.NewContent("text/plain", msg.Body))
	if msg.HTML != "" {
		m.AddContent(mail.NewContent("text/html", msg.HTML))
	}
	if msg.Category != "" {
		m.AddCategories(msg.Category)
	}
	if msg.ReplyTo != "" {
		m.SetReplyTo(mail.NewEmail("", msg.ReplyTo))
	}
	return m
}

// StubEmailSender logs instead of sending. Used when EMAIL_PROVIDER is
// "stub" or the chosen provider is not configured.
type StubEmailSender struct {
	logger *logging.Logger
}

func NewStubEmailSender(logger *logging.Logger) *StubEmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubEmailSender{logger: logger}
}

func (s *StubEmailSender) Send(ctx context.Context, msg EmailMessage) error {
	s.logger.Info("notify: email not sent (stub sender)", "to", msg.To, "subject", msg.Subject, "category", msg.Category, "workflow_id", msg.WorkflowID)
	return nil
}
