package bridge

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/fault"
	"github.com/GriffinCanCode/AnnotationBridge/internal/shared/id"
)

// codec is encoding/json compatible so envelopes produced by browser
// JSON.stringify round-trip unchanged.
var codec = sonic.ConfigStd

// Source identifies which side of the trust boundary produced a message
type Source string

const (
	SourceMain     Source = "main"
	SourceEmbedded Source = "embedded"
)

// Kind distinguishes requests from replies on the wire
type Kind string

const (
	KindMessage  Kind = "message"
	KindResponse Kind = "response"
)

// HandshakeType is the message type exchanged by Initialize
const HandshakeType = "bridge:handshake"

// Message is a request crossing the trust boundary
type Message struct {
	ID        id.MessageID    `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
	Source    Source          `json:"source"`
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fault.Newf(fault.KindValidation, "bridge.decode", "message %s has no payload", m.Type)
	}
	if err := codec.Unmarshal(m.Payload, v); err != nil {
		return fault.Wrap(fault.KindValidation, "bridge.decode", err)
	}
	return nil
}

// SigningInput returns the canonical bytes covered by the signature
func (m *Message) SigningInput() []byte {
	return canonical(string(KindMessage), string(m.ID), m.Type,
		strconv.FormatInt(m.Timestamp, 10), string(m.Source), string(m.Payload))
}

func (m *Message) Time() time.Time         { return time.UnixMilli(m.Timestamp) }
func (m *Message) GetSignature() string    { return m.Signature }
func (m *Message) SetSignature(sig string) { m.Signature = sig }

// Response correlates 1:1 with the Message carrying the same ID
type Response struct {
	ID        id.MessageID    `json:"id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Code      fault.Kind      `json:"code,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
}

// Decode unmarshals the response data into v
func (r *Response) Decode(v interface{}) error {
	if len(r.Data) == 0 {
		return nil
	}
	if err := codec.Unmarshal(r.Data, v); err != nil {
		return fault.Wrap(fault.KindValidation, "bridge.decode", err)
	}
	return nil
}

// Err converts an application-level failure into an error. Returns nil
// for successful responses.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	kind := r.Code
	if kind == "" {
		kind = fault.KindRemote
	}
	msg := r.Error
	if msg == "" {
		msg = "request failed"
	}
	return fault.New(kind, "bridge.remote", msg)
}

// SigningInput returns the canonical bytes covered by the signature
func (r *Response) SigningInput() []byte {
	return canonical(string(KindResponse), string(r.ID), strconv.FormatBool(r.Success),
		string(r.Code), r.Error, strconv.FormatInt(r.Timestamp, 10), string(r.Data))
}

func (r *Response) Time() time.Time         { return time.UnixMilli(r.Timestamp) }
func (r *Response) GetSignature() string    { return r.Signature }
func (r *Response) SetSignature(sig string) { r.Signature = sig }

// Envelope is the unit written to the window
type Envelope struct {
	Kind     Kind      `json:"kind"`
	Message  *Message  `json:"message,omitempty"`
	Response *Response `json:"response,omitempty"`
}

// ID returns the id of whichever side the envelope carries
func (e *Envelope) ID() id.MessageID {
	switch {
	case e.Message != nil:
		return e.Message.ID
	case e.Response != nil:
		return e.Response.ID
	default:
		return ""
	}
}

func encodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	switch env.Kind {
	case KindMessage:
		if env.Message == nil || env.Message.ID == "" || env.Message.Type == "" {
			return nil, fmt.Errorf("message envelope missing id or type")
		}
	case KindResponse:
		if env.Response == nil || env.Response.ID == "" {
			return nil, fmt.Errorf("response envelope missing id")
		}
	default:
		return nil, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return &env, nil
}

func marshalPayload(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "bridge.encode", err)
	}
	return data, nil
}

// canonical length-prefixes each field so no two field sequences share
// an encoding.
func canonical(fields ...string) []byte {
	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = binary.BigEndian.AppendUint32(out, uint32(len(f)))
		out = append(out, f...)
	}
	return out
}
