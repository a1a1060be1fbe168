package models

import (
	"math"
	"time"
)

// RetryPolicy governs how failed attempts of a task are retried.
type RetryPolicy struct {
	// MaxRetries is the number of attempts allowed before the task is
	// dead-lettered.
	MaxRetries int `json:"max_retries"`
	// BaseDelayMs is the delay before the first retry.
	BaseDelayMs int64 `json:"base_delay_ms"`
	// MaxDelayMs caps the computed backoff delay.
	MaxDelayMs int64 `json:"max_delay_ms"`
	// BackoffFactor is the exponential growth factor between retries.
	BackoffFactor float64 `json:"backoff_factor"`
}

// DefaultRetryPolicy returns the policy applied when a submission carries none.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelayMs:   1000,
		MaxDelayMs:    60000,
		BackoffFactor: 2,
	}
}

// Normalize fills zero fields from the default policy so partial submissions
// behave predictably.
func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.BaseDelayMs <= 0 {
		p.BaseDelayMs = def.BaseDelayMs
	}
	if p.MaxDelayMs <= 0 {
		p.MaxDelayMs = def.MaxDelayMs
	}
	if p.BackoffFactor <= 0 {
		p.BackoffFactor = def.BackoffFactor
	}
	return p
}

// Delay returns the backoff before the given retry. Retries are numbered from
// 1, so the first retry waits exactly BaseDelayMs and each subsequent retry
// grows by BackoffFactor, capped at MaxDelayMs.
func (p RetryPolicy) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	ms := float64(p.BaseDelayMs) * math.Pow(p.BackoffFactor, float64(retry-1))
	if cap := float64(p.MaxDelayMs); p.MaxDelayMs > 0 && ms > cap {
		ms = cap
	}
	return time.Duration(ms) * time.Millisecond
}
