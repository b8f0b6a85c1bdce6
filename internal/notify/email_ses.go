package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender sends through SES v2. Category and workflow id become message
// tags, which the configuration set can route to CloudWatch or SNS.
type SESSender struct {
	client           sesAPI
	from             string
	configurationSet string
	logger           *logging.Logger
}

type SESConfig struct {
	FromEmail        string
	FromName         string
	ConfigurationSet string
}

var _ EmailSender = (*SESSender)(nil)

func NewSESSender(client sesAPI, cfg SESConfig, logger *logging.Logger) *SESSender {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SESSender{
		client:           client,
		from:             fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail),
		configurationSet: cfg.ConfigurationSet,
		logger:           logger,
	}
}

func (s *SESSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: SES client not configured")
	}
	out, err := s.client.SendEmail(ctx, s.input(msg))
	if err != nil {
		s.logger.Error("notify: SES send failed", "error", err, "to", msg.To, "workflow_id", msg.WorkflowID)
		return fmt.Errorf("notify: SES send: %w", err)
	}
	s.logger.Info("notify: email sent via SES", "to", msg.To, "category", msg.Category, "workflow_id", msg.WorkflowID, "message_id", aws.ToString(out.MessageId))
	return nil
}

func (s *SESSender) input(msg EmailMessage) *sesv2.SendEmailInput {
	body := &types.Body{Text: utf8(msg.Body)}
	if msg.HTML != "" {
		body.Html = utf8(msg.HTML)
	}
	in := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{Subject: utf8(msg.Subject), Body: body},
		},
	}
	if msg.ReplyTo != "" {
		in.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configurationSet != "" {
		in.ConfigurationSetName = aws.String(s.configurationSet)
	}
	// tag values are limited to [A-Za-z0-9_-], which categories and uuids satisfy
	if msg.Category != "" {
		in.EmailTags = append(in.EmailTags, types.MessageTag{Name: aws.String("category"), Value: aws.String(msg.Category)})
	}
	if msg.WorkflowID != "" {
		in.EmailTags = append(in.EmailTags, types.MessageTag{Name: aws.String("workflow_id"), Value: aws.String(msg.WorkflowID)})
	}
	return in
}

func utf8(s string) *types.Content {
	return &types.Content{Data: aws.String(s), Charset: aws.String("UTF-8")}
}
