// Package ratelimit throttles outbound sends for a single batch.
//
// A Limiter is created per batch through a Factory that the worker receives
// at construction time, so limiter state never outlives the batch it was
// made for and nothing is shared across jobs.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultLimit    = 80
	DefaultInterval = time.Second
)

// Limiter delays callers so that starts stay under a fixed ceiling.
// Wait only fails when ctx ends; throttling itself never errors.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Factory builds a Limiter admitting at most limit calls per interval.
type Factory func(limit int, interval time.Duration) Limiter

// New spaces starts evenly, one every interval/limit, with no burst. Any
// half-open window of length interval therefore sees at most limit starts.
func New(limit int, interval time.Duration) Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return rate.NewLimiter(rate.Every(interval/time.Duration(limit)), 1)
}

// Unlimited never delays.
func Unlimited(int, time.Duration) Limiter {
	return rate.NewLimiter(rate.Inf, 0)
}
