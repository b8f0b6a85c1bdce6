package bootstrap

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	appconfig "github.com/wolfman30/workcomp-booking/internal/config"
	"github.com/wolfman30/workcomp-booking/internal/notify"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

// BuildEmailSender picks the sender named by EMAIL_PROVIDER, falling back to
// the logging stub when the provider is not fully configured.
func BuildEmailSender(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) notify.EmailSender {
	if logger == nil {
		logger = logging.Default()
	}
	switch cfg.EmailProvider {
	case "sendgrid":
		if sender := notify.NewSendGridSender(notify.SendGridConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		}, logger); sender != nil {
			return sender
		}
		logger.Warn("sendgrid selected without SENDGRID_API_KEY, using stub email sender")
	case "ses":
		if awsCfg != nil && cfg.SESFromEmail != "" {
			return notify.NewSESSender(sesv2.NewFromConfig(*awsCfg), notify.SESConfig{
				FromEmail:        cfg.SESFromEmail,
				FromName:         cfg.SendGridFromName,
				ConfigurationSet: cfg.SESConfigSet,
			}, logger)
		}
		logger.Warn("ses selected without AWS config or SES_FROM_EMAIL, using stub email sender")
	}
	return notify.NewStubEmailSender(logger)
}
