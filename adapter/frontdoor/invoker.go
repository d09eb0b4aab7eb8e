// Package frontdoor exposes gateway commands to request/response tool-calling clients.
package frontdoor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/dispatcher"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// Argument keys the invoker consumes itself; they are not forwarded to the executor.
const (
	ArgExecutorID = "executor_id"
	ArgTimeout    = "timeout_ms"
)

// verbAliases maps tool and command names onto executor verbs.
var verbAliases = map[string]string{
	"screenshot":         gateway.VerbCapture,
	gateway.VerbCapture:  gateway.VerbCapture,
	gateway.VerbExtract:  gateway.VerbExtract,
	"extract_content":    gateway.VerbExtract,
	gateway.VerbNavigate: gateway.VerbNavigate,
}

// VerbFor returns the executor verb for a tool or command name.
func VerbFor(name string) (string, bool) {
	verb, ok := verbAliases[name]
	return verb, ok
}

// LocalTool runs in the gateway process without an executor.
type LocalTool func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Invoker turns one tool call into one executor command and waits for its result.
type Invoker struct {
	disp            *dispatcher.Dispatcher
	defaultExecutor string
	timeout         time.Duration
	local           map[string]LocalTool
	archiver        *Archiver
	logger          *slog.Logger
	now             func() time.Time
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithDefaultExecutor sets the executor used when a call names none.
func WithDefaultExecutor(executorID string) InvokerOption {
	return func(i *Invoker) { i.defaultExecutor = executorID }
}

// WithCommandTimeout sets the per-call deadline.
func WithCommandTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// WithLocalTool registers a tool served by the gateway itself.
func WithLocalTool(name string, tool LocalTool) InvokerOption {
	return func(i *Invoker) { i.local[name] = tool }
}

// WithArchiver keeps a copy of every successful extract result.
func WithArchiver(a *Archiver) InvokerOption {
	return func(i *Invoker) { i.archiver = a }
}

// WithInvokerLogger sets the logger.
func WithInvokerLogger(logger *slog.Logger) InvokerOption {
	return func(i *Invoker) { i.logger = logger }
}

// WithInvokerClock sets the clock used by get_server_time.
func WithInvokerClock(now func() time.Time) InvokerOption {
	return func(i *Invoker) { i.now = now }
}

// NewInvoker creates an invoker with the built-in local tools add and get_server_time.
func NewInvoker(disp *dispatcher.Dispatcher, opts ...InvokerOption) *Invoker {
	i := &Invoker{
		disp:    disp,
		timeout: dispatcher.DefaultTimeout,
		local:   make(map[string]LocalTool),
		logger:  slog.Default(),
		now:     time.Now,
	}
	i.local["add"] = addTool
	i.local["get_server_time"] = func(context.Context, map[string]interface{}) (interface{}, error) {
		return i.now().Format(time.RFC3339Nano), nil
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Tools lists every tool name the invoker accepts.
func (i *Invoker) Tools() []string {
	names := make([]string, 0, len(verbAliases)+len(i.local))
	for name := range verbAliases {
		names = append(names, name)
	}
	for name := range i.local {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs tool with args.
//
// Executor tools require args["url"] and target args["executor_id"] or the default
// executor. Capture returns *gateway.Image, extract returns *gateway.Content, other verbs
// return the decoded JSON result.
func (i *Invoker) Invoke(ctx context.Context, tool string, args map[string]interface{}) (interface{}, error) {
	if local, ok := i.local[tool]; ok {
		return local(ctx, args)
	}

	verb, ok := VerbFor(tool)
	if !ok {
		return nil, errors.NewMalformedError(fmt.Sprintf("unknown tool %q", tool), nil)
	}

	executorID := i.defaultExecutor
	if id, ok := args[ArgExecutorID].(string); ok && id != "" {
		executorID = id
	}
	if executorID == "" {
		return nil, errors.NewExecutorUnavailableError("", "no executor configured")
	}

	timeout := i.timeout
	if ms, ok := args[ArgTimeout].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	payload := make(map[string]interface{}, len(args))
	for k, v := range args {
		if k == ArgExecutorID || k == ArgTimeout {
			continue
		}
		payload[k] = v
	}
	if u, _ := payload["url"].(string); u == "" {
		return nil, errors.NewMalformedError(fmt.Sprintf("%s: url is required", tool), nil)
	}

	i.logger.Debug("invoking executor tool", "tool", tool, "verb", verb, "executor_id", executorID)
	resp, err := i.disp.Call(ctx, executorID, verb, payload, timeout)
	if err != nil {
		return nil, err
	}
	result, err := decodeResult(verb, resp)
	if err != nil {
		return nil, err
	}

	if content, ok := result.(*gateway.Content); ok && i.archiver != nil {
		pageURL, _ := payload["url"].(string)
		if _, err := i.archiver.Archive(ctx, pageURL, content); err != nil {
			i.logger.Warn("failed to archive extract result", "url", pageURL, "error", err)
		}
	}
	return result, nil
}

func decodeResult(verb string, resp *gateway.Response) (interface{}, error) {
	switch verb {
	case gateway.VerbCapture:
		var img gateway.Image
		if err := resp.Decode(&img); err != nil {
			return nil, errors.NewMalformedError("invalid capture result", err)
		}
		return &img, nil
	case gateway.VerbExtract:
		var content gateway.Content
		if err := resp.Decode(&content); err != nil {
			return nil, errors.NewMalformedError("invalid extract result", err)
		}
		return &content, nil
	default:
		if len(resp.Result) == 0 {
			return nil, nil
		}
		var v interface{}
		if err := json.Unmarshal(resp.Result, &v); err != nil {
			return nil, errors.NewMalformedError("invalid result", err)
		}
		return v, nil
	}
}

func addTool(_ context.Context, args map[string]interface{}) (interface{}, error) {
	a, okA := args["a"].(float64)
	b, okB := args["b"].(float64)
	if !okA || !okB {
		return nil, errors.NewMalformedError("add: a and b must be numbers", nil)
	}
	if a != math.Trunc(a) || b != math.Trunc(b) {
		return nil, errors.NewMalformedError("add: a and b must be integers", nil)
	}
	return int64(a) + int64(b), nil
}
