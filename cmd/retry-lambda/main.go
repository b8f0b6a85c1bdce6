package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/golang-jwt/jwt/v5"
)

const tokenSubject = "retry-scheduler"

type config struct {
	upstreamBaseURL string
	upstreamTimeout time.Duration
	jwtSecret       string
}

type sweepSummary struct {
	MedicalCenterCallsPlaced int `json:"medicalCenterCallsPlaced"`
	PatientCallsPlaced       int `json:"patientCallsPlaced"`
}

func loadConfig() (config, error) {
	baseURL := strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL"))
	if baseURL == "" {
		return config{}, errors.New("UPSTREAM_BASE_URL is required")
	}
	secret := strings.TrimSpace(os.Getenv("ADMIN_JWT_SECRET"))
	if secret == "" {
		return config{}, errors.New("ADMIN_JWT_SECRET is required")
	}

	// A sweep can place a full batch of calls, so allow longer than the webhook proxy.
	timeout := 55 * time.Second
	if raw := strings.TrimSpace(os.Getenv("UPSTREAM_TIMEOUT")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return config{}, fmt.Errorf("invalid UPSTREAM_TIMEOUT: %w", err)
		}
		timeout = parsed
	}

	return config{
		upstreamBaseURL: strings.TrimRight(baseURL, "/"),
		upstreamTimeout: timeout,
		jwtSecret:       secret,
	}, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	client := &http.Client{Timeout: cfg.upstreamTimeout}
	lambda.Start(func(ctx context.Context, evt events.CloudWatchEvent) (sweepSummary, error) {
		return handle(ctx, cfg, client, evt, time.Now())
	})
}

func handle(ctx context.Context, cfg config, client *http.Client, evt events.CloudWatchEvent, now time.Time) (sweepSummary, error) {
	token, err := signToken(cfg.jwtSecret, now, cfg.upstreamTimeout)
	if err != nil {
		return sweepSummary{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, cfg.upstreamTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, cfg.upstreamBaseURL+"/process-retries", nil)
	if err != nil {
		return sweepSummary{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if evt.ID != "" {
		req.Header.Set("X-Request-ID", evt.ID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return sweepSummary{}, fmt.Errorf("process retries: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return sweepSummary{}, fmt.Errorf("process retries: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var summary sweepSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		return sweepSummary{}, fmt.Errorf("decode sweep result: %w", err)
	}
	return summary, nil
}

// signToken mints a short-lived operator token for the sweep call.
func signToken(secret string, now time.Time, ttl time.Duration) (string, error) {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	claims := jwt.RegisteredClaims{
		Subject:   tokenSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
