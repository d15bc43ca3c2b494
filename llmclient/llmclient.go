// Package llmclient wraps the host-provided LLM helper function with JSON
// validation, retry with validation feedback, and rate limiting. The
// helper itself (prompting, model choice) stays outside the core.
package llmclient

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/resilience"
	"github.com/swarmguard/taskman/fault"
)

const (
	component   = "llmclient"
	maxAttempts = 3
)

// Caller is the host-provided format-aware LLM call:
// (prompt, systemPrompt, config, label, format) -> raw response.
type Caller func(ctx context.Context, prompt, systemPrompt string, cfg map[string]string, label, format string) (string, error)

// Client enforces JSON validity over a Caller.
type Client struct {
	call    Caller
	limiter *resilience.RateLimiter

	calls      metric.Int64Counter
	retries    metric.Int64Counter
	rejections metric.Int64Counter
	tracer     trace.Tracer
}

// New wraps a caller. The limiter bounds call volume to the helper.
func New(call Caller, meter metric.Meter) *Client {
	calls, _ := meter.Int64Counter("taskman_llm_calls_total")
	retries, _ := meter.Int64Counter("taskman_llm_retries_total")
	rejections, _ := meter.Int64Counter("taskman_llm_rejections_total")
	return &Client{
		call:       call,
		limiter:    resilience.NewRateLimiter(10, 2, time.Minute, 60),
		calls:      calls,
		retries:    retries,
		rejections: rejections,
		tracer:     otel.Tracer("taskman-llmclient"),
	}
}

// CallJSON invokes the helper with format "json" and unmarshals the
// response into out. Invalid JSON is retried up to 3 attempts with the
// validation error injected into the next prompt.
func (c *Client) CallJSON(ctx context.Context, prompt, systemPrompt, label string, out any) error {
	ctx, span := c.tracer.Start(ctx, "llm.call_json",
		trace.WithAttributes(attribute.String("label", label)),
	)
	defer span.End()

	if c.call == nil {
		return fault.New(fault.KindConfiguration, component, "call_json", "no llm caller wired")
	}

	current := prompt
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.waitForSlot(ctx); err != nil {
			return err
		}

		c.calls.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
		raw, err := c.call(ctx, current, systemPrompt, nil, label, "json")
		if err != nil {
			return fault.Wrap(fault.KindTransient, component, "call_json", err).With("label", label)
		}

		cleaned := stripFences(raw)
		if err := json.Unmarshal([]byte(cleaned), out); err == nil {
			return nil
		} else {
			lastErr = err
		}

		c.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
		slog.Warn("llm response failed json validation",
			"label", label,
			"attempt", attempt,
			"error", lastErr,
		)
		current = prompt +
			"\n\nYour previous response was not valid JSON (" + lastErr.Error() +
			"). Respond with only a valid JSON document and nothing else."
	}

	c.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("label", label)))
	return fault.Wrap(fault.KindTransient, component, "call_json", lastErr).
		With("label", label).With("attempts", "3")
}

func (c *Client) waitForSlot(ctx context.Context) error {
	if c.limiter.Allow() {
		return nil
	}
	wait := c.limiter.ReserveAfter(1)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fault.Wrap(fault.KindCancelled, component, "call_json", ctx.Err())
	case <-timer.C:
	}
	if !c.limiter.Allow() {
		return fault.New(fault.KindExhausted, component, "call_json", "llm rate limit exceeded")
	}
	return nil
}

// stripFences removes a markdown code fence around a JSON body, a common
// LLM response artifact.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
