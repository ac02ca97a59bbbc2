package sshconn

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the per-client circuit breaker guarding session opens.
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"maxRequests" json:"maxRequests"`
	Interval            time.Duration `yaml:"interval" json:"interval"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures" json:"consecutiveFailures"`
}

// ResilienceConfig holds retry and breaker settings shared by dialing and
// script execution.
type ResilienceConfig struct {
	InitialInterval     time.Duration `yaml:"initialInterval" json:"initialInterval"`
	MaxInterval         time.Duration `yaml:"maxInterval" json:"maxInterval"`
	Multiplier          float64       `yaml:"multiplier" json:"multiplier"`
	RandomizationFactor float64       `yaml:"randomizationFactor" json:"randomizationFactor"`
	MaxElapsedTime      time.Duration `yaml:"maxElapsedTime" json:"maxElapsedTime"`
	MaxRetries          uint64        `yaml:"maxRetries" json:"maxRetries"`
	Breaker             BreakerConfig `yaml:"breaker" json:"breaker"`
}

func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxElapsedTime:      time.Minute,
		MaxRetries:          5,
		Breaker: BreakerConfig{
			MaxRequests:         5,
			Interval:            time.Minute,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
	}
}

// newBackOff returns a fresh policy; backoff.BackOff values are stateful and
// must not be shared between retries.
func (r ResilienceConfig) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.InitialInterval
	eb.MaxInterval = r.MaxInterval
	eb.Multiplier = r.Multiplier
	eb.RandomizationFactor = r.RandomizationFactor
	eb.MaxElapsedTime = r.MaxElapsedTime
	eb.Reset()

	var b backoff.BackOff = eb
	if r.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, r.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

func (r ResilienceConfig) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := r.Breaker.ConsecutiveFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.Breaker.MaxRequests,
		Interval:    r.Breaker.Interval,
		Timeout:     r.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
	})
}
