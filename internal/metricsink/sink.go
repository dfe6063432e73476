// Package metricsink implements the fire-and-forget delivery of round
// outcome events to an external tracking service, backed by a Redis queue
// (spec.md §4.7). Failures to record a metric never fail a round; they are
// retried with bounded backoff and otherwise logged and dropped.
package metricsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/medhive/flcoordinator/internal/round"
)

const defaultQueueKey = "flcoordinator:metrics"

// Sink pushes round.MetricEvent values onto a Redis list. It implements
// round.MetricSink.
type Sink struct {
	client     *redis.Client
	queueKey   string
	maxRetries int
	retryDelay time.Duration
	log        zerolog.Logger
}

// Option configures a Sink at construction time.
type Option func(*Sink)

// WithQueueKey overrides the default Redis list key.
func WithQueueKey(key string) Option { return func(s *Sink) { s.queueKey = key } }

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option { return func(s *Sink) { s.maxRetries = n } }

// WithRetryDelay overrides the delay between retries.
func WithRetryDelay(d time.Duration) Option { return func(s *Sink) { s.retryDelay = d } }

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option { return func(s *Sink) { s.log = log } }

// New constructs a Sink over an existing Redis client.
func New(client *redis.Client, opts ...Option) *Sink {
	s := &Sink{
		client:     client,
		queueKey:   defaultQueueKey,
		maxRetries: 5,
		retryDelay: 2 * time.Second,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// wireEvent is the JSON-serializable form of a round.MetricEvent.
type wireEvent struct {
	RoundID   string         `json:"roundId"`
	ModelID   string         `json:"modelId"`
	Kind      string         `json:"kind"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	EnqueuedAt time.Time     `json:"enqueuedAt"`
}

// Emit implements round.MetricSink. It never blocks the caller: delivery
// (with retry) runs on its own goroutine and its outcome is only logged.
func (s *Sink) Emit(event round.MetricEvent) {
	go s.deliver(event)
}

func (s *Sink) deliver(event round.MetricEvent) {
	payload, err := json.Marshal(wireEvent{
		RoundID:    event.RoundID,
		ModelID:    event.ModelID,
		Kind:       event.Kind,
		Metrics:    event.Metrics,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		s.log.Error().Err(err).Str("roundId", event.RoundID).Msg("metric event not serializable, dropping")
		return
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.client.LPush(ctx, s.queueKey, payload).Err()
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		s.log.Warn().Err(err).Int("attempt", attempt).Str("roundId", event.RoundID).Msg("metric delivery attempt failed")
		time.Sleep(s.retryDelay)
	}

	s.log.Error().Err(lastErr).Str("roundId", event.RoundID).Msg("metric event dropped after exhausting retries")
}

// Drain pops and decodes the next queued event, blocking up to timeout.
// Intended for the (out-of-scope) downstream consumer; exposed so
// operators and tests can verify delivery without constructing wireEvent
// by hand.
func (s *Sink) Drain(ctx context.Context, timeout time.Duration) (*round.MetricEvent, error) {
	res, err := s.client.BRPop(ctx, timeout, s.queueKey).Result()
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, redis.Nil
	}

	var we wireEvent
	if err := json.Unmarshal([]byte(res[1]), &we); err != nil {
		return nil, err
	}
	return &round.MetricEvent{RoundID: we.RoundID, ModelID: we.ModelID, Kind: we.Kind, Metrics: we.Metrics}, nil
}
