package bootstrap

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/workcomp-booking/internal/archive"
	"github.com/wolfman30/workcomp-booking/internal/booking"
	"github.com/wolfman30/workcomp-booking/internal/callinghours"
	appconfig "github.com/wolfman30/workcomp-booking/internal/config"
	"github.com/wolfman30/workcomp-booking/internal/directory"
	"github.com/wolfman30/workcomp-booking/internal/events"
	httpmiddleware "github.com/wolfman30/workcomp-booking/internal/http/middleware"
	"github.com/wolfman30/workcomp-booking/internal/notify"
	"github.com/wolfman30/workcomp-booking/internal/observability/metrics"
	"github.com/wolfman30/workcomp-booking/internal/voice"
	"github.com/wolfman30/workcomp-booking/pkg/logging"
)

const (
	lockTTL  = 30 * time.Second
	lockWait = 2 * time.Second
)

// BookingDeps are the long-lived clients the booking runtime is built on.
type BookingDeps struct {
	Config    *appconfig.Config
	DB        booking.DB
	Directory directory.Reader
	Redis     *redis.Client
	AWS       *aws.Config
	Metrics   *metrics.BookingMetrics
	Logger    *logging.Logger

	// Voice overrides the provider client, for tests and local runs.
	Voice booking.CallPlacer
}

// BookingRuntime is the wired booking workflow.
type BookingRuntime struct {
	Orchestrator *booking.Orchestrator
	Processor    *booking.Processor
	Sweeper      *booking.Sweeper
	Handler      *booking.Handler
	Outbox       *events.OutboxStore
	// Deliverer is nil when no events queue is configured.
	Deliverer *events.Deliverer
	// Processed is set when webhook dedup lives in Postgres and needs purging.
	Processed *events.ProcessedStore
}

// BuildBooking wires store, dispatcher, notifiers, dedup and handler from config.
func BuildBooking(deps BookingDeps) (*BookingRuntime, error) {
	cfg := deps.Config
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config required")
	}
	if deps.DB == nil || deps.Directory == nil {
		return nil, fmt.Errorf("bootstrap: database and directory required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}

	hours, err := callinghours.Parse(cfg.CallingHoursStart, cfg.CallingHoursEnd, cfg.CallingHoursTimezone)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: calling hours: %w", err)
	}
	limits := booking.Limits{
		MedicalCenterRetries: cfg.MedicalCenterMaxRetries,
		PatientRetries:       cfg.PatientMaxRetries,
		MedicalCenters:       cfg.MaxMedicalCenters,
	}

	placer := deps.Voice
	var verifier booking.SignatureVerifier
	if placer == nil {
		client, err := voice.New(voice.Config{
			BaseURL:       cfg.VoiceBaseURL,
			APIKey:        cfg.VoiceAPIKey,
			WebhookSecret: cfg.VoiceWebhookSecret,
			Timeout:       cfg.VoiceTimeout,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: voice client: %w", err)
		}
		placer, verifier = client, client
	}

	dispatcher, err := booking.NewDispatcher(booking.DispatcherConfig{
		Voice:      placer,
		Phones:     voice.NewCountryNormalizer(cfg.PhoneCountryCode),
		FromNumber: cfg.VoiceFromNumber,
		Agents: booking.Agents{
			MedicalCenter: cfg.VoiceAgentMedicalCenter,
			Patient:       cfg.VoiceAgentPatient,
			Confirm:       cfg.VoiceAgentConfirm,
		},
		Timeout: cfg.VoiceTimeout,
		Metrics: deps.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: dispatcher: %w", err)
	}

	store := booking.NewPostgresStore(deps.DB, limits)
	outbox := events.NewOutboxStore(deps.DB)

	notifiers := []booking.Notifier{
		events.NewOutboxNotifier(outbox),
		notify.NewService(BuildEmailSender(cfg, deps.AWS, logger), deps.Directory, cfg.NotifyOpsEmail, logger),
	}
	if deps.AWS != nil && cfg.ArchiveBucket != "" {
		s3Client := s3.NewFromConfig(*deps.AWS, func(o *s3.Options) {
			o.UsePathStyle = cfg.AWSEndpointOverride != ""
		})
		if a := archive.NewArchiver(archive.NewStore(s3Client, cfg.ArchiveBucket, logger), store); a != nil {
			notifiers = append(notifiers, a)
		}
	}

	var locker booking.Locker = booking.NopLocker()
	if deps.Redis != nil {
		locker = booking.NewRedisLocker(deps.Redis, lockTTL, lockWait)
	} else {
		logger.Warn("redis not configured, webhook and sweep rely on row locks only")
	}

	orchestrator, err := booking.NewOrchestrator(booking.Config{
		Store:                   store,
		Directory:               deps.Directory,
		Dispatcher:              dispatcher,
		Hours:                   hours,
		Limits:                  limits,
		MedicalCenterRetryDelay: cfg.MedicalCenterRetryDelay,
		PatientRetryDelay:       cfg.PatientRetryDelay,
		StaleCallTimeout:        cfg.StaleCallTimeout,
		StoreTimeout:            cfg.StoreTimeout,
		Notifier:                booking.NewMultiNotifier(logger, notifiers...),
		Locker:                  locker,
		Metrics:                 deps.Metrics,
		Logger:                  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: orchestrator: %w", err)
	}

	rt := &BookingRuntime{Orchestrator: orchestrator, Outbox: outbox}

	var dedup booking.EventDeduper
	if deps.AWS != nil && cfg.ProcessedEventsTable != "" {
		dedup = events.NewDynamoProcessedStore(dynamodb.NewFromConfig(*deps.AWS), cfg.ProcessedEventsTable, cfg.ProcessedEventRetention)
	} else {
		rt.Processed = events.NewProcessedStore(deps.DB)
		dedup = rt.Processed
	}

	rt.Processor = booking.NewProcessor(orchestrator, dedup)
	rt.Sweeper = booking.NewSweeper(orchestrator, cfg.RetryBatchSize)
	rt.Handler = booking.NewHandler(booking.HandlerConfig{
		Orchestrator:        orchestrator,
		Processor:           rt.Processor,
		Sweeper:             rt.Sweeper,
		Verifier:            verifier,
		VerifySignatures:    cfg.VoiceWebhookVerify,
		FailedDisplayCutoff: cfg.FailedDisplayCutoff,
		Requester:           httpmiddleware.AdminSubject,
		Logger:              logger,
	})

	if deps.AWS != nil && cfg.BookingEventsQueueURL != "" {
		publisher := events.NewSQSPublisher(sqs.NewFromConfig(*deps.AWS), cfg.BookingEventsQueueURL)
		rt.Deliverer = events.NewDeliverer(outbox, publisher, logger).WithInterval(cfg.OutboxPollInterval)
	}
	return rt, nil
}
