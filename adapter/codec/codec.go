// Package codec provides wire frame serialization and classification for the gateway protocol.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/errors"
	"github.com/scttfrdmn/browsergate/browsergate-go/gateway"
)

// Frame types on the wire.
const (
	TypeCommand      = "command"
	TypeResponse     = "response"
	TypeAuth         = "auth"
	TypeAuthResponse = "auth_response"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Reserved frame fields. Command payload keys with these names are ignored.
const (
	fieldType      = "type"
	fieldCommand   = "command"
	fieldMessageID = "message_id"
)

// Kind classifies an inbound frame. Every frame decodes to exactly one kind.
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformed
	KindAuth
	KindAuthResponse
	KindCommand
	KindResponse
	KindPing
	KindPong
	KindError
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindAuth:
		return TypeAuth
	case KindAuthResponse:
		return TypeAuthResponse
	case KindCommand:
		return TypeCommand
	case KindResponse:
		return TypeResponse
	case KindPing:
		return TypePing
	case KindPong:
		return TypePong
	case KindError:
		return TypeError
	default:
		return "unknown"
	}
}

// AuthFrame is the executor's first frame after connecting.
type AuthFrame struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey"`
	// Attempt is the number of failed connection attempts preceding this one.
	Attempt int `json:"attempt,omitempty"`
}

// AuthResponseFrame is the gateway's answer to an AuthFrame.
type AuthResponseFrame struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	ConnID  string `json:"conn_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// PongFrame answers a ping and carries the gateway status.
type PongFrame struct {
	Type         string                `json:"type"`
	Timestamp    string                `json:"timestamp"`
	ServerStatus *gateway.ServerStatus `json:"server_status,omitempty"`
}

// ErrorFrame reports a protocol problem to the peer.
type ErrorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

type responseFrame struct {
	Type      string          `json:"type"`
	MessageID string          `json:"message_id"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Frame is a decoded inbound frame. Exactly one of the typed fields is set, according to Kind.
type Frame struct {
	Kind         Kind
	Type         string
	Auth         *AuthFrame
	AuthResponse *AuthResponseFrame
	Command      *gateway.Command
	Response     *gateway.Response
	Pong         *PongFrame
	Error        *ErrorFrame
	// Err is set for KindMalformed.
	Err error
}

// Decode parses and classifies a frame. It never fails: unparseable input yields KindMalformed.
func Decode(data []byte) Frame {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return malformed("", fmt.Errorf("failed to decode JSON: %w", err))
	}

	var frameType string
	if raw, ok := fields[fieldType]; ok {
		if err := json.Unmarshal(raw, &frameType); err != nil {
			return malformed("", fmt.Errorf("'type' is not a string: %w", err))
		}
	} else if _, ok := fields[fieldMessageID]; ok {
		// Executors that omit "type" on replies are still correlated by message_id.
		frameType = TypeResponse
	}

	switch frameType {
	case TypeAuth:
		var f AuthFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return malformed(frameType, err)
		}
		return Frame{Kind: KindAuth, Type: frameType, Auth: &f}

	case TypeAuthResponse:
		var f AuthResponseFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return malformed(frameType, err)
		}
		return Frame{Kind: KindAuthResponse, Type: frameType, AuthResponse: &f}

	case TypeCommand:
		cmd, err := decodeCommand(fields)
		if err != nil {
			return malformed(frameType, err)
		}
		return Frame{Kind: KindCommand, Type: frameType, Command: cmd}

	case TypeResponse:
		var f responseFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return malformed(frameType, err)
		}
		if f.MessageID == "" {
			return malformed(frameType, fmt.Errorf("missing 'message_id' field in response"))
		}
		return Frame{Kind: KindResponse, Type: frameType, Response: &gateway.Response{
			RequestID: f.MessageID,
			Success:   f.Success,
			Result:    f.Result,
			Error:     f.Error,
		}}

	case TypePing:
		return Frame{Kind: KindPing, Type: frameType}

	case TypePong:
		var f PongFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return malformed(frameType, err)
		}
		return Frame{Kind: KindPong, Type: frameType, Pong: &f}

	case TypeError:
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return malformed(frameType, err)
		}
		return Frame{Kind: KindError, Type: frameType, Error: &f}

	case "":
		return malformed("", fmt.Errorf("missing 'type' field in frame"))

	default:
		return Frame{Kind: KindUnknown, Type: frameType}
	}
}

func malformed(frameType string, cause error) Frame {
	return Frame{
		Kind: KindMalformed,
		Type: frameType,
		Err:  errors.NewMalformedError("unparseable frame", cause),
	}
}

func decodeCommand(fields map[string]json.RawMessage) (*gateway.Command, error) {
	cmd := &gateway.Command{Payload: make(map[string]interface{})}
	for key, raw := range fields {
		switch key {
		case fieldType:
		case fieldCommand:
			if err := json.Unmarshal(raw, &cmd.Verb); err != nil {
				return nil, fmt.Errorf("'command' is not a string: %w", err)
			}
		case fieldMessageID:
			if err := json.Unmarshal(raw, &cmd.RequestID); err != nil {
				return nil, fmt.Errorf("'message_id' is not a string: %w", err)
			}
		default:
			var v interface{}
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			cmd.Payload[key] = v
		}
	}
	if cmd.Verb == "" {
		return nil, fmt.Errorf("missing 'command' field in command frame")
	}
	if cmd.RequestID == "" {
		return nil, fmt.Errorf("missing 'message_id' field in command frame")
	}
	return cmd, nil
}

// EncodeCommand flattens a command into a command frame. Payload fields sit beside the
// reserved fields, which always win.
func EncodeCommand(cmd *gateway.Command) ([]byte, error) {
	if cmd.Verb == "" {
		return nil, errors.NewInvalidMessageError("command verb is required", nil)
	}
	if cmd.RequestID == "" {
		return nil, errors.NewInvalidMessageError("command message_id is required", nil)
	}
	frame := make(map[string]interface{}, len(cmd.Payload)+3)
	for k, v := range cmd.Payload {
		frame[k] = v
	}
	frame[fieldType] = TypeCommand
	frame[fieldCommand] = cmd.Verb
	frame[fieldMessageID] = cmd.RequestID
	return json.Marshal(frame)
}

// EncodeResponse encodes a response frame.
func EncodeResponse(resp *gateway.Response) ([]byte, error) {
	return json.Marshal(responseFrame{
		Type:      TypeResponse,
		MessageID: resp.RequestID,
		Success:   resp.Success,
		Result:    resp.Result,
		Error:     resp.Error,
	})
}

// NewResponse builds a response, marshalling result into the raw payload.
func NewResponse(requestID string, result interface{}, execErr error) (*gateway.Response, error) {
	resp := &gateway.Response{RequestID: requestID, Success: execErr == nil}
	if execErr != nil {
		resp.Error = execErr.Error()
		return resp, nil
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}
		resp.Result = raw
	}
	return resp, nil
}

// EncodeAuth encodes the executor's auth frame.
func EncodeAuth(apiKey string, attempt int) ([]byte, error) {
	return json.Marshal(AuthFrame{Type: TypeAuth, APIKey: apiKey, Attempt: attempt})
}

// EncodeAuthResponse encodes the gateway's auth answer.
func EncodeAuthResponse(success bool, connID, errMsg string) ([]byte, error) {
	return json.Marshal(AuthResponseFrame{
		Type:    TypeAuthResponse,
		Success: success,
		ConnID:  connID,
		Error:   errMsg,
	})
}

// EncodePing encodes a heartbeat frame.
func EncodePing() []byte {
	return []byte(`{"type":"ping"}`)
}

// EncodePong encodes a heartbeat answer.
func EncodePong(status *gateway.ServerStatus) ([]byte, error) {
	return json.Marshal(PongFrame{
		Type:         TypePong,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		ServerStatus: status,
	})
}

// EncodeError encodes an error frame.
func EncodeError(message, requestID string) ([]byte, error) {
	return json.Marshal(ErrorFrame{
		Type:      TypeError,
		Message:   message,
		MessageID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
