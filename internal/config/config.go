package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port            string
	Env             string
	LogLevel        string
	DatabaseURL     string
	StoreTimeout    time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisTLS        bool
	AdminJWTSecret  string
	UpstreamBaseURL string

	CORSAllowedOrigins  []string
	AdminRateLimitRPS   float64
	AdminRateLimitBurst int

	// Voice-call provider
	VoiceAPIKey             string
	VoiceBaseURL            string
	VoiceWebhookSecret      string
	VoiceWebhookVerify      bool
	VoiceFromNumber         string
	VoiceAgentMedicalCenter string
	VoiceAgentPatient       string
	VoiceAgentConfirm       string
	VoiceTimeout            time.Duration
	PhoneCountryCode        string

	// Calling hours
	CallingHoursStart    string
	CallingHoursEnd      string
	CallingHoursTimezone string

	// Retry policy
	MedicalCenterMaxRetries int
	PatientMaxRetries       int
	MaxMedicalCenters       int
	MedicalCenterRetryDelay time.Duration
	PatientRetryDelay       time.Duration
	RetrySweepInterval      time.Duration
	RetryBatchSize          int
	StaleCallTimeout        time.Duration
	FailedDisplayCutoff     time.Duration

	// AWS
	AWSRegion             string
	AWSAccessKeyID        string
	AWSSecretAccessKey    string
	AWSEndpointOverride   string
	BookingEventsQueueURL string
	ArchiveBucket         string
	ProcessedEventsTable  string

	// Email notifications
	EmailProvider     string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string
	SESFromEmail      string
	SESConfigSet      string
	NotifyOpsEmail    string

	// Outbox and dedup housekeeping
	OutboxPollInterval      time.Duration
	ProcessedEventRetention time.Duration

	// Retry worker
	WorkerMetricsPort string
}

// ConfigurationError reports missing or invalid settings. It is fatal at startup.
type ConfigurationError struct {
	Problems []string
}

func (e *ConfigurationError) Error() string {
	return "config: " + strings.Join(e.Problems, "; ")
}

// LoadDotEnv reads a .env file into the process environment when one exists.
// Variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables
func Load() *Config {
	medicalAgent := getEnv("VOICE_AGENT_MEDICAL_CENTER", "")
	return &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		StoreTimeout:    getEnvAsDuration("STORE_TIMEOUT", 5*time.Second),
		RedisAddr:       getEnv("REDIS_ADDR", ""),
		RedisPassword:   getEnv("REDIS_PASSWORD", ""),
		RedisTLS:        getEnvAsBool("REDIS_TLS", false),
		AdminJWTSecret:  getEnv("ADMIN_JWT_SECRET", ""),
		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", ""),

		CORSAllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS"),
		AdminRateLimitRPS:   getEnvAsFloat("ADMIN_RATE_LIMIT_RPS", 5),
		AdminRateLimitBurst: getEnvAsInt("ADMIN_RATE_LIMIT_BURST", 20),

		VoiceAPIKey:             getEnv("VOICE_API_KEY", ""),
		VoiceBaseURL:            getEnv("VOICE_BASE_URL", ""),
		VoiceWebhookSecret:      getEnv("VOICE_WEBHOOK_SECRET", ""),
		VoiceWebhookVerify:      getEnvAsBool("VOICE_WEBHOOK_VERIFY", true),
		VoiceFromNumber:         getEnv("VOICE_FROM_NUMBER", ""),
		VoiceAgentMedicalCenter: medicalAgent,
		VoiceAgentPatient:       getEnv("VOICE_AGENT_PATIENT", ""),
		VoiceAgentConfirm:       getEnv("VOICE_AGENT_CONFIRM", medicalAgent),
		VoiceTimeout:            getEnvAsDuration("VOICE_TIMEOUT", 15*time.Second),
		PhoneCountryCode:        getEnv("PHONE_COUNTRY_CODE", "61"),

		CallingHoursStart:    getEnv("CALLING_HOURS_START", "07:00"),
		CallingHoursEnd:      getEnv("CALLING_HOURS_END", "21:30"),
		CallingHoursTimezone: getEnv("CALLING_HOURS_TZ", "Australia/Sydney"),

		MedicalCenterMaxRetries: getEnvAsInt("MEDICAL_CENTER_MAX_RETRIES", 5),
		PatientMaxRetries:       getEnvAsInt("PATIENT_MAX_RETRIES", 3),
		MaxMedicalCenters:       getEnvAsInt("MAX_MEDICAL_CENTERS", 3),
		MedicalCenterRetryDelay: getEnvAsDuration("MEDICAL_CENTER_RETRY_DELAY", 5*time.Minute),
		PatientRetryDelay:       getEnvAsDuration("PATIENT_RETRY_DELAY", 30*time.Minute),
		RetrySweepInterval:      getEnvAsDuration("RETRY_SWEEP_INTERVAL", 5*time.Minute),
		RetryBatchSize:          getEnvAsInt("RETRY_BATCH_SIZE", 50),
		StaleCallTimeout:        getEnvAsDuration("STALE_CALL_TIMEOUT", time.Hour),
		FailedDisplayCutoff:     getEnvAsDuration("FAILED_DISPLAY_CUTOFF", time.Hour),

		AWSRegion:             getEnv("AWS_REGION", "ap-southeast-2"),
		AWSAccessKeyID:        getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride:   getEnv("AWS_ENDPOINT_OVERRIDE", ""),
		BookingEventsQueueURL: getEnv("BOOKING_EVENTS_QUEUE_URL", ""),
		ArchiveBucket:         getEnv("BOOKING_ARCHIVE_BUCKET", ""),
		ProcessedEventsTable:  getEnv("PROCESSED_EVENTS_TABLE", ""),

		EmailProvider:     strings.ToLower(strings.TrimSpace(getEnv("EMAIL_PROVIDER", "stub"))),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "Care Booking"),
		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SESConfigSet:      getEnv("SES_CONFIGURATION_SET", ""),
		NotifyOpsEmail:    getEnv("NOTIFY_OPS_EMAIL", ""),

		OutboxPollInterval:      getEnvAsDuration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		ProcessedEventRetention: getEnvAsDuration("PROCESSED_EVENT_RETENTION", 7*24*time.Hour),

		WorkerMetricsPort: getEnv("WORKER_METRICS_PORT", "9091"),
	}
}

// Validate checks the settings the booking service cannot run without.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" is required")
		}
	}
	require(c.DatabaseURL, "DATABASE_URL")
	require(c.VoiceAPIKey, "VOICE_API_KEY")
	require(c.VoiceFromNumber, "VOICE_FROM_NUMBER")
	require(c.VoiceAgentMedicalCenter, "VOICE_AGENT_MEDICAL_CENTER")
	require(c.VoiceAgentPatient, "VOICE_AGENT_PATIENT")
	if c.VoiceWebhookVerify {
		require(c.VoiceWebhookSecret, "VOICE_WEBHOOK_SECRET")
	}
	if _, err := time.LoadLocation(c.CallingHoursTimezone); err != nil {
		problems = append(problems, fmt.Sprintf("CALLING_HOURS_TZ %q is invalid", c.CallingHoursTimezone))
	}
	for key, clock := range map[string]string{"CALLING_HOURS_START": c.CallingHoursStart, "CALLING_HOURS_END": c.CallingHoursEnd} {
		if _, err := time.Parse("15:04", clock); err != nil {
			problems = append(problems, fmt.Sprintf("%s %q must be HH:MM", key, clock))
		}
	}
	if c.MedicalCenterMaxRetries <= 0 || c.PatientMaxRetries <= 0 {
		problems = append(problems, "retry ceilings must be positive")
	}
	switch c.EmailProvider {
	case "", "stub", "sendgrid", "ses":
	default:
		problems = append(problems, fmt.Sprintf("EMAIL_PROVIDER %q is not supported", c.EmailProvider))
	}
	if len(problems) == 0 {
		return nil
	}
	return &ConfigurationError{Problems: problems}
}

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma-separated variable, dropping empty items.
func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
