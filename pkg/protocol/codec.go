package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge means the raw frame exceeded the absolute byte ceiling.
	// Checked before any parsing happens.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrTooDeeplyNested means the frame's JSON nesting exceeded the guard.
	ErrTooDeeplyNested = errors.New("frame too deeply nested")
	// ErrUnknownType means the frame's type is outside the closed vocabulary.
	ErrUnknownType = errors.New("unknown frame type")
	// ErrFieldTooLarge means a content field exceeded its per-field ceiling.
	ErrFieldTooLarge = errors.New("frame field exceeds maximum size")
	// ErrInvalidFrame means the frame was malformed JSON or failed validation.
	ErrInvalidFrame = errors.New("invalid frame")
)

// Limits bounds what the codec accepts. Zero values fall back to defaults.
type Limits struct {
	MaxFrameBytes   int // absolute ceiling, enforced pre-parse
	MaxDepth        int // JSON nesting guard
	MaxContentBytes int // full message content (message_complete, send_message)
	MaxChunkBytes   int // single chunk content
	MaxResultBytes  int // terminal task result data
}

// DefaultLimits returns the production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxFrameBytes:   1024 * 1024, // 1MB
		MaxDepth:        10,
		MaxContentBytes: 256 * 1024,
		MaxChunkBytes:   64 * 1024,
		MaxResultBytes:  128 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxFrameBytes <= 0 {
		l.MaxFrameBytes = d.MaxFrameBytes
	}
	if l.MaxDepth <= 0 {
		l.MaxDepth = d.MaxDepth
	}
	if l.MaxContentBytes <= 0 {
		l.MaxContentBytes = d.MaxContentBytes
	}
	if l.MaxChunkBytes <= 0 {
		l.MaxChunkBytes = d.MaxChunkBytes
	}
	if l.MaxResultBytes <= 0 {
		l.MaxResultBytes = d.MaxResultBytes
	}
	return l
}

// rawEnvelope is the inbound half of Envelope: the payload stays undecoded
// until the type is known.
type rawEnvelope struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Payload         json.RawMessage `json:"payload"`
}

// checkDepth walks the JSON token stream and rejects nesting beyond max.
// This runs before full decoding so a hostile frame cannot force deep
// recursive allocation.
func checkDepth(data []byte, max int) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
				if depth > max {
					return ErrTooDeeplyNested
				}
			case '}', ']':
				depth--
			}
		}
	}
}

// decodeEnvelope applies the pre-parse guards and returns the raw envelope.
func decodeEnvelope(data []byte, lim Limits) (*rawEnvelope, error) {
	if len(data) > lim.MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	if err := checkDepth(data, lim.MaxDepth); err != nil {
		return nil, err
	}
	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return &env, nil
}

func decodePayload(env *rawEnvelope, dst any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidFrame, env.Type, err)
	}
	return nil
}

// ParseGatewayFrame parses and validates a frame received on a gateway
// connection. The returned version string is the sender's advisory
// protocol_version field, empty when absent.
func ParseGatewayFrame(data []byte, lim Limits) (GatewayFrame, string, error) {
	lim = lim.withDefaults()
	env, err := decodeEnvelope(data, lim)
	if err != nil {
		return nil, "", err
	}

	switch env.Type {
	case TypeGatewayAuth:
		var f GatewayAuth
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.Token == "" || f.GatewayID == "" {
			return nil, "", fmt.Errorf("%w: auth requires token and gateway_id", ErrInvalidFrame)
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayRegisterAgent:
		var f GatewayRegisterAgent
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.AgentID == "" || f.Name == "" {
			return nil, "", fmt.Errorf("%w: register_agent requires agent_id and name", ErrInvalidFrame)
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayUnregisterAgent:
		var f GatewayUnregisterAgent
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.AgentID == "" {
			return nil, "", fmt.Errorf("%w: unregister_agent requires agent_id", ErrInvalidFrame)
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayMessageChunk:
		var f GatewayMessageChunk
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.MessageID == "" || f.RoomID == "" || f.AgentID == "" {
			return nil, "", fmt.Errorf("%w: message_chunk requires message_id, room_id, agent_id", ErrInvalidFrame)
		}
		if len(f.Content) > lim.MaxChunkBytes {
			return nil, "", ErrFieldTooLarge
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayMessageComplete:
		var f GatewayMessageComplete
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.MessageID == "" || f.RoomID == "" || f.AgentID == "" {
			return nil, "", fmt.Errorf("%w: message_complete requires message_id, room_id, agent_id", ErrInvalidFrame)
		}
		if len(f.Content) > lim.MaxContentBytes {
			return nil, "", ErrFieldTooLarge
		}
		if f.Depth < 0 {
			return nil, "", fmt.Errorf("%w: negative depth", ErrInvalidFrame)
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayAgentStatus:
		var f GatewayAgentStatus
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.AgentID == "" || !validAgentStatus(f.Status) {
			return nil, "", fmt.Errorf("%w: agent_status requires agent_id and a known status", ErrInvalidFrame)
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayTaskUpdate:
		var f GatewayTaskUpdate
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.TaskID == "" || f.AgentID == "" {
			return nil, "", fmt.Errorf("%w: task_update requires task_id and agent_id", ErrInvalidFrame)
		}
		if len(f.Result) > lim.MaxResultBytes {
			return nil, "", ErrFieldTooLarge
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayPermissionRequest:
		var f GatewayPermissionRequest
		if err := decodePayload(env, &f); err != nil {
			return nil, "", err
		}
		if f.RequestID == "" || f.AgentID == "" || f.RoomID == "" || f.Tool == "" {
			return nil, "", fmt.Errorf("%w: permission_request requires request_id, agent_id, room_id, tool", ErrInvalidFrame)
		}
		return f, env.ProtocolVersion, nil

	case TypeGatewayPing:
		return GatewayPing{}, env.ProtocolVersion, nil
	}

	return nil, "", fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

// ParseClientFrame parses and validates a frame received on a client
// connection.
func ParseClientFrame(data []byte, lim Limits) (ClientFrame, error) {
	lim = lim.withDefaults()
	env, err := decodeEnvelope(data, lim)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeClientJoinRoom:
		var f ClientJoinRoom
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: join_room requires room_id", ErrInvalidFrame)
		}
		return f, nil

	case TypeClientLeaveRoom:
		var f ClientLeaveRoom
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if f.RoomID == "" {
			return nil, fmt.Errorf("%w: leave_room requires room_id", ErrInvalidFrame)
		}
		return f, nil

	case TypeClientSendMessage:
		var f ClientSendMessage
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if f.RoomID == "" || f.Content == "" {
			return nil, fmt.Errorf("%w: send_message requires room_id and content", ErrInvalidFrame)
		}
		if len(f.Content) > lim.MaxContentBytes {
			return nil, ErrFieldTooLarge
		}
		return f, nil

	case TypeClientPermissionDecision:
		var f ClientPermissionDecision
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		if f.RequestID == "" {
			return nil, fmt.Errorf("%w: permission_decision requires request_id", ErrInvalidFrame)
		}
		return f, nil

	case TypeClientPing:
		return ClientPing{}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
}

func validAgentStatus(s string) bool {
	switch s {
	case "online", "offline", "busy", "error":
		return true
	}
	return false
}
