// Package natschan is the NATS-backed agent channel. Task payloads are
// published on taskman.agents.<id>.tasks and responses consumed from
// taskman.agents.<id>.results, with trace context propagated through
// message headers.
package natschan

import (
	"context"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskman/core/resilience"
	"github.com/swarmguard/taskman/fault"
)

const component = "natschan"

var propagator = propagation.TraceContext{}

// Channel implements transport.AgentChannel over a NATS connection.
type Channel struct {
	nc      *nats.Conn
	breaker *resilience.CircuitBreaker
	retry   resilience.Policy
	tracer  trace.Tracer

	mu        sync.Mutex
	responses map[string]chan string // agentID -> buffered responses
	subs      map[string]*nats.Subscription
}

// New wraps an established NATS connection. The circuit breaker guards the
// send path against a flapping broker; transient publish failures are
// retried under the default policy.
func New(nc *nats.Conn) *Channel {
	return &Channel{
		nc:        nc,
		breaker:   resilience.NewCircuitBreaker(30*time.Second, 6, 10, 0.5, 5*time.Second, 3),
		retry:     resilience.DefaultPolicy(),
		tracer:    otel.Tracer("taskman-natschan"),
		responses: make(map[string]chan string),
		subs:      make(map[string]*nats.Subscription),
	}
}

// SendTask publishes the payload to the agent's task subject with the
// current trace context injected into headers. Transient broker errors
// are retried; an open breaker fails fast without burning retries.
func (c *Channel) SendTask(ctx context.Context, agentID string, payload []byte) error {
	ctx, span := c.tracer.Start(ctx, "natschan.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("agent_id", agentID)),
	)
	defer span.End()

	if !c.breaker.Allow() {
		// Not retryable here: the breaker reopens on its own schedule.
		return fault.New(fault.KindExhausted, component, "send_task", "circuit open").With("agent_id", agentID)
	}

	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: taskSubject(agentID), Data: payload, Header: hdr}

	err := c.retry.Do(ctx, "send_task", func() error {
		if err := c.nc.PublishMsg(msg); err != nil {
			return fault.Wrap(fault.KindTransient, component, "send_task", err).With("agent_id", agentID)
		}
		return nil
	})
	c.breaker.RecordResult(err == nil)
	return err
}

// ReceiveResponse waits up to poll for one response from the agent. The
// first call per agent subscribes to its result subject.
func (c *Channel) ReceiveResponse(ctx context.Context, agentID string, poll time.Duration) (string, bool, error) {
	ch, err := c.ensureSubscribed(agentID)
	if err != nil {
		return "", false, err
	}

	timer := time.NewTimer(poll)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, true, nil
	case <-ctx.Done():
		return "", false, fault.Wrap(fault.KindCancelled, component, "receive_response", ctx.Err()).With("agent_id", agentID)
	case <-timer.C:
		return "", false, nil
	}
}

// Close drains the per-agent subscriptions.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.subs = make(map[string]*nats.Subscription)
}

func (c *Channel) ensureSubscribed(agentID string) (chan string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.responses[agentID]; ok {
		return ch, nil
	}
	ch := make(chan string, 64)
	sub, err := c.nc.Subscribe(resultSubject(agentID), func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		_, span := otel.Tracer("taskman-natschan").Start(ctx, "natschan.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("agent_id", agentID)),
		)
		defer span.End()
		select {
		case ch <- string(m.Data):
		default:
			// Buffer full; drop oldest behavior is not worth the complexity,
			// the agent will resend on timeout.
		}
	})
	if err != nil {
		return nil, fault.Wrap(fault.KindTransient, component, "subscribe", err).With("agent_id", agentID)
	}
	c.responses[agentID] = ch
	c.subs[agentID] = sub
	return ch, nil
}

func taskSubject(agentID string) string   { return "taskman.agents." + agentID + ".tasks" }
func resultSubject(agentID string) string { return "taskman.agents." + agentID + ".results" }
