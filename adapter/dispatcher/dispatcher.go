// Package dispatcher turns one tool call into one command bound to a live executor
// connection and hands back a future for its correlated response.
package dispatcher

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/codec"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/correlator"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
	"github.com/scttfrdmn/browsergate/browsergate-go/observability"
)

// DefaultTimeout is used when a dispatch does not name its own timeout.
const DefaultTimeout = 5 * time.Second

// Dispatcher sends commands to executors. It holds no per-request state of its own:
// pending requests live in the correlator and connections in the registry.
type Dispatcher struct {
	registry   *registry.Registry
	correlator *correlator.Correlator

	defaultTimeout time.Duration
	metrics        *observability.GatewayMetrics
	tracer         trace.Tracer
	logger         *slog.Logger
	now            func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultTimeout sets the timeout used when Dispatch is called with timeout <= 0.
func WithDefaultTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.defaultTimeout = d
		}
	}
}

// WithMetrics records dispatch outcomes on m.
func WithMetrics(m *observability.GatewayMetrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(disp *Dispatcher) { disp.logger = logger }
}

// WithClock replaces time.Now for deadline computation.
func WithClock(now func() time.Time) Option {
	return func(disp *Dispatcher) { disp.now = now }
}

// New creates a dispatcher over reg and corr.
func New(reg *registry.Registry, corr *correlator.Correlator, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:       reg,
		correlator:     corr,
		defaultTimeout: DefaultTimeout,
		tracer:         observability.Tracer("dispatcher"),
		logger:         slog.Default(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch sends verb with payload to executorID.
//
// Args:
//   - ctx: Context for the send and the parent of the dispatch span
//   - executorID: Target executor
//   - verb: Command verb, e.g. "capture"
//   - payload: Command fields, flattened into the frame; not modified
//   - timeout: Response deadline relative to now (<= 0 for the default)
//
// Returns:
//   - *correlator.Future: resolves with the response, Timeout or ConnectionLost
//   - error: ExecutorUnavailable if no live connection exists, SendFailed if the write fails
func (d *Dispatcher) Dispatch(ctx context.Context, executorID, verb string, payload map[string]interface{}, timeout time.Duration) (*correlator.Future, error) {
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	conn, ok := d.registry.Lookup(executorID)
	if !ok || !conn.State().Live() {
		d.metrics.RecordDispatch(ctx, verb, observability.OutcomeUnavailable, 0)
		return nil, errors.NewExecutorUnavailableError(executorID, "no live connection")
	}

	spanCtx, span := d.tracer.Start(ctx, "gateway.dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("executor.id", executorID),
			attribute.String("command.verb", verb),
		),
	)

	start := d.now()
	requestID, future := d.correlator.Create(executorID, start.Add(timeout))
	span.SetAttributes(attribute.String("request.id", requestID))

	// Eviction closes Done before cancelling pending requests, so a request created
	// after that cancel is caught here.
	select {
	case <-conn.Done():
		d.correlator.Cancel(requestID, errors.NewConnectionLostError(executorID, "connection evicted before send"))
		d.await(future, span, verb, start)
		return future, nil
	default:
	}

	cmd := &gateway.Command{
		ExecutorID: executorID,
		Verb:       verb,
		Payload:    observability.InjectTraceContext(spanCtx, clonePayload(payload)),
		RequestID:  requestID,
	}

	data, err := codec.EncodeCommand(cmd)
	if err != nil {
		d.correlator.Cancel(requestID, err)
		d.finish(span, verb, start, err)
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	if err := conn.Transport.SendFramed(ctx, data); err != nil {
		sendErr := errors.NewSendFailedError(executorID, requestID, err)
		d.correlator.Cancel(requestID, sendErr)
		d.logger.Warn("command send failed",
			"executor_id", executorID,
			"request_id", requestID,
			"verb", verb,
			"error", err,
		)
		d.finish(span, verb, start, sendErr)
		return nil, sendErr
	}

	d.logger.Debug("command dispatched",
		"executor_id", executorID,
		"request_id", requestID,
		"verb", verb,
		"timeout", timeout,
	)

	d.await(future, span, verb, start)
	return future, nil
}

// await ends the dispatch span once future resolves.
func (d *Dispatcher) await(future *correlator.Future, span trace.Span, verb string, start time.Time) {
	go func() {
		<-future.Done()
		resp, resErr := future.Result()
		if resErr == nil && !resp.Success {
			resErr = errors.NewExecutorError(future.ExecutorID(), future.RequestID(), resp.Error)
		}
		d.finish(span, verb, start, resErr)
	}()
}

// Call dispatches and waits for the response. If ctx ends first the pending request is
// cancelled locally; the executor is not told.
//
// A response with success=false is returned together with an ExecutorError.
func (d *Dispatcher) Call(ctx context.Context, executorID, verb string, payload map[string]interface{}, timeout time.Duration) (*gateway.Response, error) {
	future, err := d.Dispatch(ctx, executorID, verb, payload, timeout)
	if err != nil {
		return nil, err
	}

	resp, err := future.Wait(ctx)
	if err != nil && ctx.Err() != nil && stderrors.Is(err, ctx.Err()) {
		cancelErr := errors.NewCancelledError(executorID, "caller stopped waiting", ctx.Err())
		d.correlator.Cancel(future.RequestID(), cancelErr)
		// Either the cancel won or a result landed first; the future holds the outcome.
		resp, err = future.Result()
	}
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return resp, errors.NewExecutorError(executorID, resp.RequestID, resp.Error)
	}
	return resp, nil
}

// HandleResponse routes a response read from executorID's connection to its pending
// request. Responses for requests bound to another executor are dropped. The payload
// is never interpreted here.
func (d *Dispatcher) HandleResponse(executorID string, resp *gateway.Response) bool {
	return d.correlator.Resolve(executorID, resp)
}

// Pending returns the number of requests awaiting a response.
func (d *Dispatcher) Pending() int {
	return d.correlator.Pending()
}

func (d *Dispatcher) finish(span trace.Span, verb string, start time.Time, err error) {
	outcome := outcomeOf(err)
	d.metrics.RecordDispatch(context.Background(), verb, outcome, d.now().Sub(start))

	span.SetAttributes(attribute.String("dispatch.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func outcomeOf(err error) string {
	if err == nil {
		return observability.OutcomeSuccess
	}
	switch errors.KindOf(err) {
	case errors.KindTimeout:
		return observability.OutcomeTimeout
	case errors.KindConnectionLost:
		return observability.OutcomeLost
	case errors.KindSendFailed:
		return observability.OutcomeSendFailed
	case errors.KindExecutorUnavailable:
		return observability.OutcomeUnavailable
	case errors.KindCancelled:
		return observability.OutcomeCancelled
	default:
		return observability.OutcomeFailure
	}
}

func clonePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	return out
}
