// Package alert routes integrity faults and other operator-facing
// incidents to an external tracker. The service layer depends on the
// Reporter interface so tests and local runs can swap in the nop.
package alert

import (
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter records incidents that need a human to look at them.
type Reporter interface {
	// Critical reports a fault that requires manual reconciliation,
	// such as an on-chain write that could not be persisted locally.
	Critical(err error, tags map[string]string)
	// Warn reports a degraded but self-healing condition.
	Warn(msg string, tags map[string]string)
}

// NopReporter discards everything. Used when no DSN is configured.
type NopReporter struct{}

func (NopReporter) Critical(error, map[string]string) {}
func (NopReporter) Warn(string, map[string]string)    {}

type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
}

func (cfg *SentryConfig) Validate() error {
	if cfg.DSN == "" {
		return errors.New("dsn is required")
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	return nil
}

// SentryReporter forwards incidents to Sentry.
type SentryReporter struct{}

// NewSentryReporter initializes the global Sentry client and returns a
// reporter bound to it.
func NewSentryReporter(cfg SentryConfig) (*SentryReporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return &SentryReporter{}, nil
}

func (r *SentryReporter) Critical(err error, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelFatal)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

func (r *SentryReporter) Warn(msg string, tags map[string]string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelWarning)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureMessage(msg)
	})
}

// Flush drains buffered events before shutdown.
func (r *SentryReporter) Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}
