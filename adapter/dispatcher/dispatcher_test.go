package dispatcher

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/codec"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/correlator"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/registry"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/transport"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
	"github.com/scttfrdmn/browsergate/browsergate-go/observability"
)

type fixture struct {
	reg  *registry.Registry
	corr *correlator.Correlator
	disp *Dispatcher
}

func newFixture() *fixture {
	corr := correlator.New()
	reg := registry.New(registry.WithCanceler(corr))
	return &fixture{reg: reg, corr: corr, disp: New(reg, corr)}
}

// connect registers executorID and returns the executor's end of the pipe.
func (f *fixture) connect(t *testing.T, executorID string) *transport.PipeTransport {
	t.Helper()
	local, remote := transport.Pipe()
	_, err := f.reg.Register(executorID, local)
	require.NoError(t, err)
	return remote
}

// serve answers every command read from remote with answer, routing replies back
// through the dispatcher the way the server read loop does.
func (f *fixture) serve(executorID string, remote *transport.PipeTransport, answer func(cmd *gateway.Command) *gateway.Response) {
	go func() {
		for {
			data, err := remote.ReceiveFramed(context.Background())
			if err != nil {
				return
			}
			frame := codec.Decode(data)
			if frame.Kind != codec.KindCommand {
				continue
			}
			if resp := answer(frame.Command); resp != nil {
				f.disp.HandleResponse(executorID, resp)
			}
		}
	}()
}

func readCommand(t *testing.T, remote *transport.PipeTransport) *gateway.Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := remote.ReceiveFramed(ctx)
	require.NoError(t, err)
	frame := codec.Decode(data)
	require.Equal(t, codec.KindCommand, frame.Kind)
	return frame.Command
}

func TestCaptureRoundTrip(t *testing.T) {
	f := newFixture()
	remote := f.connect(t, "E1")
	f.serve("E1", remote, func(cmd *gateway.Command) *gateway.Response {
		assert.Equal(t, gateway.VerbCapture, cmd.Verb)
		assert.Equal(t, "https://example.com", cmd.URL())
		resp, err := codec.NewResponse(cmd.RequestID, gateway.Image{Data: "aGVsbG8="}, nil)
		require.NoError(t, err)
		return resp
	})

	resp, err := f.disp.Call(context.Background(), "E1", gateway.VerbCapture,
		map[string]interface{}{"url": "https://example.com"}, time.Second)
	require.NoError(t, err)
	require.True(t, resp.Success)

	var img gateway.Image
	require.NoError(t, resp.Decode(&img))
	assert.Equal(t, "aGVsbG8=", img.Data)
	assert.Equal(t, 0, f.disp.Pending())
}

func TestDispatchToAbsentExecutor(t *testing.T) {
	f := newFixture()

	future, err := f.disp.Dispatch(context.Background(), "E9", gateway.VerbExtract,
		map[string]interface{}{"url": "https://example.com"}, time.Second)
	assert.Nil(t, future)
	assert.True(t, stderrors.Is(err, errors.ErrExecutorUnavailable))
	assert.Equal(t, 0, f.disp.Pending())
}

func TestDispatchSendFailureCancelsPending(t *testing.T) {
	f := newFixture()
	local, _ := transport.Pipe()
	_, err := f.reg.Register("E1", local)
	require.NoError(t, err)
	local.FailSends(io.ErrClosedPipe)

	future, err := f.disp.Dispatch(context.Background(), "E1", gateway.VerbNavigate,
		map[string]interface{}{"url": "https://example.com"}, time.Second)
	assert.Nil(t, future)
	assert.True(t, stderrors.Is(err, errors.ErrSendFailed))
	assert.Equal(t, errors.KindSendFailed, errors.KindOf(err))
	assert.Equal(t, 0, f.disp.Pending())
}

func TestDispatchTimesOut(t *testing.T) {
	f := newFixture()
	remote := f.connect(t, "E1")

	start := time.Now()
	future, err := f.disp.Dispatch(context.Background(), "E1", gateway.VerbCapture, nil, 30*time.Millisecond)
	require.NoError(t, err)
	readCommand(t, remote)

	_, err = future.Wait(context.Background())
	assert.True(t, stderrors.Is(err, errors.ErrTimeout))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, 0, f.disp.Pending())
}

func TestCallerCancellationIsLocal(t *testing.T) {
	f := newFixture()
	remote := f.connect(t, "E1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := f.disp.Call(ctx, "E1", gateway.VerbCapture, nil, time.Minute)
		done <- err
	}()

	cmd := readCommand(t, remote)
	cancel()

	select {
	case err := <-done:
		assert.True(t, stderrors.Is(err, errors.ErrCancelled))
	case <-time.After(time.Second):
		t.Fatal("Call did not return after cancellation")
	}
	assert.Equal(t, 0, f.disp.Pending())

	// A late answer is dropped.
	assert.False(t, f.disp.HandleResponse("E1", &gateway.Response{RequestID: cmd.RequestID, Success: true}))
}

func TestBusyIsSurfacedAsExecutorError(t *testing.T) {
	f := newFixture()
	remote := f.connect(t, "E1")
	f.serve("E1", remote, func(cmd *gateway.Command) *gateway.Response {
		return &gateway.Response{RequestID: cmd.RequestID, Success: false, Error: "Busy"}
	})

	resp, err := f.disp.Call(context.Background(), "E1", gateway.VerbCapture, nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, errors.KindExecutorError, errors.KindOf(err))
	assert.Contains(t, err.Error(), "Busy")
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
}

func TestEvictionResolvesPendingWithConnectionLost(t *testing.T) {
	f := newFixture()
	remote := f.connect(t, "E1")

	first, err := f.disp.Dispatch(context.Background(), "E1", gateway.VerbCapture, nil, time.Minute)
	require.NoError(t, err)
	second, err := f.disp.Dispatch(context.Background(), "E1", gateway.VerbExtract, nil, time.Minute)
	require.NoError(t, err)
	readCommand(t, remote)
	readCommand(t, remote)
	require.Equal(t, 2, f.disp.Pending())

	require.True(t, f.reg.Evict("E1", io.ErrUnexpectedEOF))

	for _, future := range []*correlator.Future{first, second} {
		_, err := future.Wait(context.Background())
		assert.True(t, stderrors.Is(err, errors.ErrConnectionLost))
	}
	assert.Equal(t, 0, f.disp.Pending())

	_, err = f.disp.Dispatch(context.Background(), "E1", gateway.VerbCapture, nil, time.Second)
	assert.True(t, stderrors.Is(err, errors.ErrExecutorUnavailable))
}

func TestEvictionBetweenLookupAndCreateIsConnectionLost(t *testing.T) {
	corr := correlator.New()
	reg := registry.New(registry.WithCanceler(corr))
	var once sync.Once
	// The clock runs after Lookup and before Create, so evicting here lands the whole
	// eviction, request cancellation included, inside that window.
	clock := func() time.Time {
		once.Do(func() { reg.Evict("E1", nil) })
		return time.Now()
	}
	disp := New(reg, corr, WithClock(clock))

	local, _ := transport.Pipe()
	_, err := reg.Register("E1", local)
	require.NoError(t, err)

	future, err := disp.Dispatch(context.Background(), "E1", gateway.VerbCapture, nil, time.Minute)
	require.NoError(t, err)

	select {
	case <-future.Done():
	case <-time.After(time.Second):
		t.Fatal("request outlived its evicted connection")
	}
	_, err = future.Result()
	assert.True(t, stderrors.Is(err, errors.ErrConnectionLost))
	assert.Equal(t, 0, disp.Pending())
}

func TestDegradedExecutorStillReceivesCommands(t *testing.T) {
	f := newFixture()
	remote := f.connect(t, "E1")
	require.True(t, f.reg.MarkDegraded("E1"))

	future, err := f.disp.Dispatch(context.Background(), "E1", gateway.VerbCapture, nil, time.Second)
	require.NoError(t, err)
	cmd := readCommand(t, remote)
	assert.Equal(t, future.RequestID(), cmd.RequestID)
}

func TestDispatchInjectsTraceContext(t *testing.T) {
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(tracetest.NewInMemoryExporter()))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer provider.Shutdown(context.Background())

	f := newFixture()
	remote := f.connect(t, "E1")

	payload := map[string]interface{}{"url": "https://example.com"}
	_, err := f.disp.Dispatch(context.Background(), "E1", gateway.VerbCapture, payload, time.Second)
	require.NoError(t, err)

	cmd := readCommand(t, remote)
	assert.Contains(t, cmd.Payload, observability.TraceContextField)
	assert.NotContains(t, payload, observability.TraceContextField, "caller payload must not be modified")
}

func TestDefaultTimeoutApplies(t *testing.T) {
	now := time.Unix(1000, 0)
	corr := correlator.New(correlator.WithClock(func() time.Time { return now }))
	reg := registry.New(registry.WithCanceler(corr))
	disp := New(reg, corr, WithDefaultTimeout(2*time.Second), WithClock(func() time.Time { return now }))
	assert.Equal(t, 2*time.Second, disp.defaultTimeout)

	WithDefaultTimeout(0)(disp)
	assert.Equal(t, 2*time.Second, disp.defaultTimeout)
	assert.Equal(t, DefaultTimeout, New(reg, corr).defaultTimeout)
}
