// Package chain is the on-chain read/write layer: a resilient
// multi-endpoint JSON-RPC reader and a typed client for the distributor
// contract.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrAllProvidersExhausted is returned only after every configured
// endpoint has exhausted its retries.
var ErrAllProvidersExhausted = errors.New("all rpc providers exhausted")

type ReaderConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	// Endpoints is the ordered provider list; the first entry is primary.
	Endpoints []string
	// Timeout is the hard per-attempt deadline.
	Timeout time.Duration
	// MaxRetries is the attempt budget per endpoint.
	MaxRetries int
	// RetryDelay is the base backoff; attempt n waits
	// RetryDelay * BackoffMultiplier^n.
	RetryDelay        time.Duration
	BackoffMultiplier float64
}

func (cfg *ReaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Endpoints) == 0 {
		return errors.New("at least one endpoint is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2.0
	}
	return nil
}

// Reader executes read-only chain calls against an ordered endpoint list.
// Failed attempts back off exponentially and retry on the same endpoint;
// connection-level failures and retry exhaustion advance to the next
// endpoint with a fresh attempt counter. Safe for concurrent use; callers
// pace themselves (the reader does not rate-limit).
type Reader struct {
	log *slog.Logger
	cfg ReaderConfig
}

func NewReader(cfg ReaderConfig) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Reader{log: cfg.Logger, cfg: cfg}, nil
}

// Primary returns the first configured endpoint.
func (r *Reader) Primary() string {
	return r.cfg.Endpoints[0]
}

// Execute runs fn against the current endpoint until it succeeds, the
// context is cancelled, or every endpoint is exhausted.
func (r *Reader) Execute(ctx context.Context, fn func(ctx context.Context, endpoint string) error) error {
	var lastErr error
	for _, endpoint := range r.cfg.Endpoints {
		for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
			if attempt > 0 {
				backoff := time.Duration(float64(r.cfg.RetryDelay) * math.Pow(r.cfg.BackoffMultiplier, float64(attempt-1)))
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-r.cfg.Clock.After(backoff):
				}
			}

			attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
			err := fn(attemptCtx, endpoint)
			cancel()
			if err == nil {
				return nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isConnectionError(err) {
				// The endpoint itself is unreachable; retrying it is
				// pointless, move on immediately.
				r.log.Warn("chain: endpoint unreachable, advancing",
					"endpoint", endpoint, "error", err)
				break
			}
			r.log.Debug("chain: attempt failed",
				"endpoint", endpoint, "attempt", attempt+1, "error", err)
		}
	}
	return fmt.Errorf("%w after %d endpoints: %v", ErrAllProvidersExhausted, len(r.cfg.Endpoints), lastErr)
}

// isConnectionError reports failures that indicate the endpoint itself is
// unreachable rather than a transient request problem.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"broken pipe",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
