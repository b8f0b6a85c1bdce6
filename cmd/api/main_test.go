package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/wolfman30/workcomp-booking/internal/config"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestSetupMetricsExposesBookingMetrics(t *testing.T) {
	handler, m := setupMetrics()
	require.NotNil(t, handler)
	require.NotNil(t, m)

	m.ObserveDispatch("medical_center_get_times", "ok")

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "workcomp_booking_calls_dispatched_total")
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestHealthChecks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checks := healthChecks(fakePinger{}, fakePinger{err: errors.New("down")}, client)
	require.Len(t, checks, 3)

	ctx := context.Background()
	assert.NoError(t, checks["postgres"](ctx))
	assert.EqualError(t, checks["directory"](ctx), "down")
	assert.NoError(t, checks["redis"](ctx))

	mr.Close()
	assert.Error(t, checks["redis"](ctx))
}

func TestHealthChecksSkipsMissingDependencies(t *testing.T) {
	checks := healthChecks(nil, nil, nil)
	assert.Empty(t, checks)
}

func TestNeedsAWS(t *testing.T) {
	assert.False(t, needsAWS(&appconfig.Config{EmailProvider: "stub"}))
	assert.True(t, needsAWS(&appconfig.Config{EmailProvider: "ses"}))
	assert.True(t, needsAWS(&appconfig.Config{ArchiveBucket: "archive"}))
	assert.True(t, needsAWS(&appconfig.Config{ProcessedEventsTable: "dedup"}))
	assert.True(t, needsAWS(&appconfig.Config{BookingEventsQueueURL: "https://sqs.example/q"}))
}
