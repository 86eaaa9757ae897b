// Package client orchestrates chat and stream calls across an ordered set
// of provider adapters: health-gated selection, per-provider retries with
// exponential backoff, and failover to the next adapter when a provider's
// retry budget is exhausted.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/quillhq/quill/internal/backoff"
	"github.com/quillhq/quill/internal/health"
	"github.com/quillhq/quill/internal/llm"
	"github.com/quillhq/quill/internal/observability"
)

// Config configures the client's retry behavior.
type Config struct {
	// MaxRetries is the attempt budget per provider. Default 3.
	MaxRetries int

	// AttemptTimeout bounds each individual provider call. Default 120s.
	AttemptTimeout time.Duration

	// Backoff is the retry delay curve.
	Backoff backoff.Policy
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		AttemptTimeout: 120 * time.Second,
		Backoff:        backoff.DefaultPolicy(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = d.Backoff
	}
}

// AllProvidersFailed is raised after every adapter's retry budget is spent.
// It carries the last classified error per adapter.
type AllProvidersFailed struct {
	Errors map[string]error
}

// Error implements the error interface.
func (e *AllProvidersFailed) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for name, err := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %v", name, err))
	}
	sort.Strings(parts)
	return "all providers failed: " + strings.Join(parts, "; ")
}

type entry struct {
	provider llm.Provider
	priority int
}

// Client routes requests to providers in priority order. Safe for
// concurrent use.
type Client struct {
	entries []entry
	monitor *health.Monitor
	metrics *observability.Metrics
	cfg     Config
	logger  *slog.Logger
}

// New creates a client. Providers are attached with Add. metrics may be
// nil to disable instrumentation.
func New(cfg Config, monitor *health.Monitor, metrics *observability.Metrics, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{monitor: monitor, metrics: metrics, cfg: cfg, logger: logger}
}

// observeAttempt records one provider attempt's outcome and latency.
func (c *Client) observeAttempt(provider string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(llm.KindOf(err))
	}
	c.metrics.LLMRequests.WithLabelValues(provider, outcome).Inc()
	c.metrics.LLMRequestDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}

// observeFailover counts a provider whose retry budget was exhausted.
func (c *Client) observeFailover(provider string) {
	if c.metrics == nil {
		return
	}
	c.metrics.Failovers.WithLabelValues(provider).Inc()
}

// Add registers a provider at the given priority; lower dispatches first.
func (c *Client) Add(p llm.Provider, priority int) {
	c.entries = append(c.entries, entry{provider: p, priority: priority})
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].priority < c.entries[j].priority
	})
}

// Primary returns the highest-priority provider, nil when none registered.
func (c *Client) Primary() llm.Provider {
	if len(c.entries) == 0 {
		return nil
	}
	return c.entries[0].provider
}

// Providers returns the registered providers in priority order.
func (c *Client) Providers() []llm.Provider {
	out := make([]llm.Provider, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.provider
	}
	return out
}

// Chat performs a blocking completion with retry and failover.
func (c *Client) Chat(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	lastErrs := map[string]error{}

	for _, e := range c.entries {
		name := e.provider.Name()
		if !c.monitor.IsAvailable(name) {
			c.logger.Debug("provider skipped: cooling down", "provider", name)
			continue
		}

		resp, err := c.tryChat(ctx, e.provider, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErrs[name] = err
		c.observeFailover(name)
		c.logger.Warn("provider exhausted, failing over", "provider", name, "error", err)
	}

	if len(lastErrs) == 0 {
		return nil, &AllProvidersFailed{Errors: map[string]error{"": fmt.Errorf("no providers available")}}
	}
	return nil, &AllProvidersFailed{Errors: lastErrs}
}

// tryChat runs the retry loop against one provider.
func (c *Client) tryChat(ctx context.Context, p llm.Provider, req *llm.Request) (*llm.Response, error) {
	var lastErr error
	name := p.Name()

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		start := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		resp, err := p.Chat(attemptCtx, req)
		cancel()
		c.observeAttempt(name, start, err)

		if err == nil {
			c.monitor.RecordSuccess(name, time.Since(start))
			return resp, nil
		}

		lastErr = err
		c.monitor.RecordFailure(name, err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !llm.KindOf(err).Retryable() {
			return nil, err
		}
		if attempt < c.cfg.MaxRetries {
			if serr := c.sleepBeforeRetry(ctx, err, attempt); serr != nil {
				return nil, serr
			}
		}
	}

	return nil, lastErr
}

// Stream performs a streaming completion. Failover is permitted only before
// the first chunk has been forwarded downstream; after that any failure is
// terminal and surfaces as a ChunkError on the returned channel.
func (c *Client) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	out := make(chan llm.Chunk)
	started := make(chan error, 1)

	go func() {
		defer close(out)
		lastErrs := map[string]error{}
		signalled := false

		signal := func(err error) {
			if !signalled {
				started <- err
				signalled = true
			}
		}

		for _, e := range c.entries {
			name := e.provider.Name()
			if !c.monitor.IsAvailable(name) {
				continue
			}

			err := c.tryStream(ctx, e.provider, req, out, signal)
			if err == nil {
				signal(nil)
				return
			}
			if ctx.Err() != nil {
				signal(ctx.Err())
				return
			}
			lastErrs[name] = err
			c.observeFailover(name)
			c.logger.Warn("stream provider exhausted, failing over", "provider", name, "error", err)
		}

		if len(lastErrs) == 0 {
			signal(&AllProvidersFailed{Errors: map[string]error{"": fmt.Errorf("no providers available")}})
			return
		}
		signal(&AllProvidersFailed{Errors: lastErrs})
	}()

	if err := <-started; err != nil {
		return nil, err
	}
	return out, nil
}

// tryStream runs the retry loop for streaming against one provider. Once a
// chunk has been forwarded, failure is emitted on out and reported as nil
// here so no failover happens mid-stream.
func (c *Client) tryStream(ctx context.Context, p llm.Provider, req *llm.Request, out chan<- llm.Chunk, signal func(error)) error {
	var lastErr error
	name := p.Name()

	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		start := time.Now()
		chunks, err := p.Stream(ctx, req)
		if err == nil {
			forwarded, streamErr := c.forward(ctx, chunks, out, signal)
			c.observeAttempt(name, start, streamErr)
			if streamErr == nil {
				c.monitor.RecordSuccess(name, time.Since(start))
				return nil
			}
			c.monitor.RecordFailure(name, streamErr)
			if forwarded {
				// Downstream already saw output; terminal.
				select {
				case out <- llm.Chunk{Type: llm.ChunkError, Err: streamErr}:
				case <-ctx.Done():
				}
				return nil
			}
			err = streamErr
		} else {
			c.observeAttempt(name, start, err)
			c.monitor.RecordFailure(name, err)
		}

		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !llm.KindOf(err).Retryable() {
			return err
		}
		if attempt < c.cfg.MaxRetries {
			if serr := c.sleepBeforeRetry(ctx, err, attempt); serr != nil {
				return serr
			}
		}
	}

	return lastErr
}

// forward relays provider chunks downstream, reporting whether anything was
// forwarded and the stream's terminal error if it failed.
func (c *Client) forward(ctx context.Context, in <-chan llm.Chunk, out chan<- llm.Chunk, signal func(error)) (bool, error) {
	forwarded := false
	for chunk := range in {
		if chunk.Type == llm.ChunkError {
			return forwarded, chunk.Err
		}
		signal(nil)
		select {
		case out <- chunk:
			forwarded = true
		case <-ctx.Done():
			return forwarded, ctx.Err()
		}
	}
	return forwarded, nil
}

// sleepBeforeRetry honors a vendor-provided retry-after before falling back
// to the exponential curve.
func (c *Client) sleepBeforeRetry(ctx context.Context, err error, attempt int) error {
	if perr, ok := llm.AsError(err); ok && perr.RetryAfter > 0 {
		timer := time.NewTimer(perr.RetryAfter)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.cfg.Backoff.Sleep(ctx, attempt)
}
