package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	requestsRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "snsoap_rate_limit_remaining",
		Help: "Requests remaining in the current ServiceNow rate limit window",
	}, []string{"instance"})

	rateLimitBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snsoap_rate_limit_blocks_total",
		Help: "Total number of requests blocked because the rate limit window is used up",
	}, []string{"instance"})

	rateLimitThrottlesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "snsoap_rate_limit_throttles_total",
		Help: "Total number of requests throttled near the rate limit",
	}, []string{"instance"})
)

// ThrottleDelay is the pause applied to each request in the warning zone.
var ThrottleDelay = 1 * time.Second

// Tracker records rate limit state per instance in Redis, so that every
// process querying the same instance sees the same window.
type Tracker struct {
	redis    *redis.Client
	instance string
	logger   zerolog.Logger
}

// NewTracker creates a new rate limit tracker for instance.
func NewTracker(redisClient *redis.Client, instance string, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:    redisClient,
		instance: instance,
		logger:   logger,
	}
}

// RedisKey returns the key holding the state for the tracker's instance.
func (t *Tracker) RedisKey() string {
	return "snsoap:rate_limit:" + t.instance
}

// GetState retrieves the current rate limit state from Redis.
// Returns a default healthy state if no data exists in Redis.
func (t *Tracker) GetState(ctx context.Context) (*State, error) {
	data, err := t.redis.Get(ctx, t.RedisKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		t.logger.Debug().Msg("No rate limit state in Redis, returning default healthy state")
		return &State{
			Remaining:  1,
			LastUpdate: time.Now(),
			IsHealthy:  true,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate limit state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse rate limit state: %w", err)
	}
	state.UpdateHealth()

	return &state, nil
}

// UpdateFromHeaders parses rate limit headers and updates Redis state.
// Responses without rate limit headers leave the state untouched.
func (t *Tracker) UpdateFromHeaders(ctx context.Context, headers http.Header) error {
	state, ok, err := ParseHeaders(headers)
	if err != nil || !ok {
		return err
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}

	// Keep the state a little past the reset so late readers still see it.
	ttl := state.TimeUntilReset() + time.Minute
	if err := t.redis.Set(ctx, t.RedisKey(), data, ttl).Err(); err != nil {
		return fmt.Errorf("store rate limit state in redis: %w", err)
	}

	requestsRemaining.WithLabelValues(t.instance).Set(float64(state.Remaining))

	switch {
	case state.NeedsCriticalBlock():
		t.logger.Error().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit exhausted - requests will be blocked")
	case state.NeedsThrottling():
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Int("limit", state.Limit).
			Msg("Rate limit low - requests will be throttled")
	default:
		t.logger.Debug().
			Int("remaining", state.Remaining).
			Time("reset_at", state.ResetAt).
			Msg("Rate limit state updated")
	}

	return nil
}

// ShouldAllowRequest checks if a request should be allowed based on current state.
// Returns false if the window is used up. Sleeps ThrottleDelay (or until ctx
// is done) when the window is nearly used up.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get rate limit state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("remaining", state.Remaining).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Rate limit exhausted - blocking request")

		rateLimitBlocksTotal.WithLabelValues(t.instance).Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("remaining", state.Remaining).
			Msg("Rate limit low - throttling request")

		rateLimitThrottlesTotal.WithLabelValues(t.instance).Inc()

		timer := time.NewTimer(ThrottleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}

	return true, nil
}
