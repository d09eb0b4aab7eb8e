// Package gateway provides the core types shared by the browsergate gateway and its executors.
package gateway

import (
	"context"
	"encoding/json"
	"time"
)

// Verbs understood by the reference executor.
const (
	VerbCapture  = "capture"
	VerbExtract  = "extract"
	VerbNavigate = "navigate"
)

// State is the lifecycle state of an executor connection.
type State int

const (
	// StateDisconnected means no socket is open.
	StateDisconnected State = iota
	// StateConnecting means a connect attempt (dial + auth) is in flight.
	StateConnecting
	// StateConnected means the handshake completed and traffic is flowing.
	StateConnected
	// StateDegraded means the connection is up but has missed a heartbeat window.
	StateDegraded
	// StateFailedTerminal means the connection will not be retried without operator action.
	StateFailedTerminal
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailedTerminal:
		return "failed_terminal"
	default:
		return "unknown"
	}
}

// Live reports whether commands may be sent over a connection in this state.
func (s State) Live() bool {
	return s == StateConnected || s == StateDegraded
}

// Command is a logical command addressed to one executor. It is immutable once sent.
type Command struct {
	ExecutorID string                 `json:"-"`
	Verb       string                 `json:"command"`
	Payload    map[string]interface{} `json:"-"`
	RequestID  string                 `json:"message_id"`
}

// URL returns the "url" payload field, if any.
func (c *Command) URL() string {
	if c.Payload == nil {
		return ""
	}
	u, _ := c.Payload["url"].(string)
	return u
}

// Response is an executor's answer to a Command.
type Response struct {
	RequestID string          `json:"message_id"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Decode unmarshals the result payload into v.
func (r *Response) Decode(v interface{}) error {
	if len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, v)
}

// ServerStatus is the gateway status snapshot carried in pong frames and /health.
type ServerStatus struct {
	Running     bool    `json:"running"`
	Connections int     `json:"client_count"`
	Pending     int     `json:"pending_requests"`
	Uptime      float64 `json:"uptime"`
}

// CommandHandler executes commands on the executor side.
type CommandHandler interface {
	// HandleCommand runs cmd and returns a JSON-serialisable result.
	HandleCommand(ctx context.Context, cmd *Command) (interface{}, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd *Command) (interface{}, error)

// HandleCommand calls f(ctx, cmd).
func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd *Command) (interface{}, error) {
	return f(ctx, cmd)
}

// CaptureOptions controls a page capture.
type CaptureOptions struct {
	URL      string `json:"url"`
	FullPage bool   `json:"fullPage"`
	Format   string `json:"format,omitempty"`
}

// Image is a captured page image.
type Image struct {
	// Data is the base64 encoded image.
	Data     string `json:"image_data"`
	MimeType string `json:"mime_type,omitempty"`
}

// ExtractOptions controls content extraction.
type ExtractOptions struct {
	URL           string   `json:"url"`
	ExtractImages bool     `json:"extractImages"`
	ExtractLinks  bool     `json:"extractLinks"`
	Selectors     []string `json:"selectors,omitempty"`
}

// Content is structured page content.
type Content struct {
	Title     string                 `json:"title"`
	Text      string                 `json:"text"`
	Links     []string               `json:"links,omitempty"`
	Images    []string               `json:"images,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Extracted time.Time              `json:"extracted_at"`
}

// Capturer captures page images. Implemented outside this module.
type Capturer interface {
	Capture(ctx context.Context, opts CaptureOptions) (*Image, error)
}

// Extractor extracts structured content. Implemented outside this module.
type Extractor interface {
	ExtractContent(ctx context.Context, opts ExtractOptions) (*Content, error)
}

// Navigator opens a URL. Implemented outside this module.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}
