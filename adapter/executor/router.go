package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// Router is a CommandHandler that dispatches on the command verb.
//
// The capture, extract and navigate verbs are bound to the browser implementations
// given to NewRouter; any of them may be nil, in which case the verb is unsupported.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]gateway.CommandHandler
}

// NewRouter binds the built-in verbs.
func NewRouter(capturer gateway.Capturer, extractor gateway.Extractor, navigator gateway.Navigator) *Router {
	r := &Router{handlers: make(map[string]gateway.CommandHandler)}

	if capturer != nil {
		r.Handle(gateway.VerbCapture, gateway.CommandHandlerFunc(func(ctx context.Context, cmd *gateway.Command) (interface{}, error) {
			var opts gateway.CaptureOptions
			if err := decodePayload(cmd, &opts); err != nil {
				return nil, err
			}
			return capturer.Capture(ctx, opts)
		}))
	}

	if extractor != nil {
		r.Handle(gateway.VerbExtract, gateway.CommandHandlerFunc(func(ctx context.Context, cmd *gateway.Command) (interface{}, error) {
			var opts gateway.ExtractOptions
			if err := decodePayload(cmd, &opts); err != nil {
				return nil, err
			}
			return extractor.ExtractContent(ctx, opts)
		}))
	}

	if navigator != nil {
		r.Handle(gateway.VerbNavigate, gateway.CommandHandlerFunc(func(ctx context.Context, cmd *gateway.Command) (interface{}, error) {
			target := cmd.URL()
			if target == "" {
				return nil, fmt.Errorf("%s: url is required", cmd.Verb)
			}
			if err := navigator.Navigate(ctx, target); err != nil {
				return nil, err
			}
			return map[string]interface{}{"url": target}, nil
		}))
	}

	return r
}

// Handle registers h for verb, replacing any previous handler.
func (r *Router) Handle(verb string, h gateway.CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[verb] = h
}

// Verbs returns the registered verbs.
func (r *Router) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verbs := make([]string, 0, len(r.handlers))
	for v := range r.handlers {
		verbs = append(verbs, v)
	}
	return verbs
}

// HandleCommand implements gateway.CommandHandler.
func (r *Router) HandleCommand(ctx context.Context, cmd *gateway.Command) (interface{}, error) {
	r.mu.RLock()
	h, ok := r.handlers[cmd.Verb]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown command: %q", cmd.Verb)
	}
	return h.HandleCommand(ctx, cmd)
}

// decodePayload maps the command payload onto v and requires a url.
func decodePayload(cmd *gateway.Command, v interface{}) error {
	if cmd.URL() == "" {
		return fmt.Errorf("%s: url is required", cmd.Verb)
	}
	data, err := json.Marshal(cmd.Payload)
	if err != nil {
		return fmt.Errorf("%s: failed to encode payload: %w", cmd.Verb, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", cmd.Verb, err)
	}
	return nil
}
