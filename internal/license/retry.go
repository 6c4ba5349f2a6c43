package license

import (
	"errors"
	"math"
	"time"
)

// RetryConfig defines retry behavior for activation calls
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier"`
}

// NewRetryConfig returns the default retry configuration
func NewRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Validate checks the retry settings
func (r RetryConfig) Validate() error {
	switch {
	case r.MaxAttempts < 1:
		return errors.New("max_attempts must be at least 1")
	case r.InitialDelay < 0 || r.MaxDelay < 0:
		return errors.New("retry delays must not be negative")
	case r.MaxDelay < r.InitialDelay:
		return errors.New("max_delay must not be less than initial_delay")
	case r.Multiplier < 1:
		return errors.New("multiplier must be at least 1")
	}
	return nil
}

// Delay returns the wait before the given retry (1 is the first retry)
func (r RetryConfig) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := float64(r.InitialDelay) * math.Pow(r.Multiplier, float64(retry-1))
	if d > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	return time.Duration(d)
}
