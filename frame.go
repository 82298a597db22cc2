package starling

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// ProtocolName is the value every outbound frame advertises in its
// "protocol" field.
const ProtocolName = "helios-starling"

// ProtocolVersion is the semver string stamped onto outbound frames that
// do not already carry one.
const ProtocolVersion = "1.0.0"

// FrameType identifies which of the four wire-level frame kinds a message
// carries.
type FrameType string

const (
	FrameTypeRequest      FrameType = "request"
	FrameTypeResponse     FrameType = "response"
	FrameTypeNotification FrameType = "notification"
	FrameTypeError        FrameType = "error"
)

// frameMethodPattern validates the "method" field of an inbound/outbound
// request frame: a leading letter followed by word characters, dots, or
// colons. This is deliberately more permissive than methodNamePattern
// (below), which governs local registerMethod calls — the wire format
// allows dotted method names even though this client never registers one.
var frameMethodPattern = regexp.MustCompile(`^[a-zA-Z][\w.:]*$`)

// Frame is the common interface implemented by all four frame kinds.
type Frame interface {
	FrameType() FrameType
	header() frameHeader
}

type frameHeader struct {
	Protocol  string
	Version   string
	Timestamp int64
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// RequestFrame is an outbound or inbound RPC invocation.
type RequestFrame struct {
	frameHeader
	RequestID string
	Method    string
	Payload   json.RawMessage
	Options   json.RawMessage
}

func (f *RequestFrame) FrameType() FrameType { return FrameTypeRequest }
func (f *RequestFrame) header() frameHeader  { return f.frameHeader }

// ResponseFrame answers a prior RequestFrame, by RequestID.
type ResponseFrame struct {
	frameHeader
	RequestID string
	Success   bool
	Data      json.RawMessage
	Err       *ProtocolError
}

func (f *ResponseFrame) FrameType() FrameType { return FrameTypeResponse }
func (f *ResponseFrame) header() frameHeader  { return f.frameHeader }

// NotificationFrame is either topic-scoped (Topic != "") or
// request-scoped progress (RequestID != "").
type NotificationFrame struct {
	frameHeader
	Topic     string
	RequestID string
	Data      json.RawMessage
}

func (f *NotificationFrame) FrameType() FrameType { return FrameTypeNotification }
func (f *NotificationFrame) header() frameHeader  { return f.frameHeader }

// ErrorFrame is a transport- or request-level error, optionally
// correlated to a RequestID.
type ErrorFrame struct {
	frameHeader
	RequestID string
	Err       *ProtocolError
}

func (f *ErrorFrame) FrameType() FrameType { return FrameTypeError }
func (f *ErrorFrame) header() frameHeader  { return f.frameHeader }

// wireFrame is the JSON shape shared by all frame kinds; decode/encode
// pivot through it since the frame kind is only known from its "type"
// field.
type wireFrame struct {
	Protocol     string            `json:"protocol,omitempty"`
	Version      string            `json:"version,omitempty"`
	Timestamp    int64             `json:"timestamp,omitempty"`
	Type         FrameType         `json:"type"`
	RequestID    string            `json:"requestId,omitempty"`
	Method       string            `json:"method,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Options      json.RawMessage   `json:"options,omitempty"`
	Success      *bool             `json:"success,omitempty"`
	Data         json.RawMessage   `json:"data,omitempty"`
	Error        *wireError        `json:"error,omitempty"`
	Notification *wireNotification `json:"notification,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type wireNotification struct {
	Topic     string          `json:"topic,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// encodeFrame stamps protocol/version/timestamp if absent and serializes
// to UTF-8 JSON, matching MessageCodec.encode.
func encodeFrame(f Frame) ([]byte, error) {
	h := f.header()
	w := wireFrame{
		Protocol:  h.Protocol,
		Version:   h.Version,
		Timestamp: h.Timestamp,
		Type:      f.FrameType(),
	}
	if w.Protocol == "" {
		w.Protocol = ProtocolName
	}
	if w.Version == "" {
		w.Version = ProtocolVersion
	}
	if w.Timestamp == 0 {
		w.Timestamp = nowMillis()
	}

	switch v := f.(type) {
	case *RequestFrame:
		w.RequestID = v.RequestID
		w.Method = v.Method
		w.Payload = v.Payload
		w.Options = v.Options
	case *ResponseFrame:
		w.RequestID = v.RequestID
		success := v.Success
		w.Success = &success
		if v.Success {
			w.Data = v.Data
		} else if v.Err != nil {
			w.Error = &wireError{Code: v.Err.Code, Message: v.Err.Message, Details: v.Err.Details}
		}
	case *NotificationFrame:
		w.Notification = &wireNotification{Topic: v.Topic, RequestID: v.RequestID, Data: v.Data}
	case *ErrorFrame:
		w.RequestID = v.RequestID
		if v.Err != nil {
			w.Error = &wireError{Code: v.Err.Code, Message: v.Err.Message, Details: v.Err.Details}
		}
	default:
		return nil, fmt.Errorf("starling: unknown frame type %T", f)
	}

	return json.Marshal(w)
}

// DecodeKind classifies the outcome of decoding an inbound text message,
// matching MessageCodec.decode's {text, json_invalid, binary, valid}
// variants. Binary is handled by ConnectionCore directly from the
// transport's message-type tag, not by this codec, since it never sees
// binary bytes as text.
type DecodeKind int

const (
	// DecodeInvalidText means the bytes are not valid JSON at all; routed
	// to the onText hook.
	DecodeInvalidText DecodeKind = iota
	// DecodeInvalidSchema means the bytes parse as JSON but fail the
	// frame field rules (or, with a SchemaValidator configured, the
	// payload schema); routed to the onJson hook and message:invalid.
	DecodeInvalidSchema
	// DecodeValid means the bytes decoded into a well-formed Frame.
	DecodeValid
)

// DecodeResult is the outcome of decodeFrame.
type DecodeResult struct {
	Kind  DecodeKind
	Frame Frame
	Raw   []byte
	Err   error
}

// decodeFrame parses and validates a single inbound text message per the
// field rules in §3 of the specification. A missing "protocol" field is
// tolerated for backward compatibility; an unrecognized "type" fails
// validation.
func decodeFrame(data []byte, validator SchemaValidator) DecodeResult {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return DecodeResult{Kind: DecodeInvalidText, Raw: data, Err: err}
	}

	frame, err := frameFromWire(w)
	if err != nil {
		return DecodeResult{Kind: DecodeInvalidSchema, Raw: data, Err: err}
	}

	if validator != nil {
		var payload json.RawMessage
		switch v := frame.(type) {
		case *RequestFrame:
			payload = v.Payload
		case *ResponseFrame:
			if v.Success {
				payload = v.Data
			}
		}
		if len(payload) > 0 {
			if err := validator.Validate(payload); err != nil {
				return DecodeResult{Kind: DecodeInvalidSchema, Raw: data, Err: err}
			}
		}
	}

	return DecodeResult{Kind: DecodeValid, Frame: frame, Raw: data}
}

func frameFromWire(w wireFrame) (Frame, error) {
	h := frameHeader{Protocol: w.Protocol, Version: w.Version, Timestamp: w.Timestamp}

	switch w.Type {
	case FrameTypeRequest:
		if w.RequestID == "" {
			return nil, fmt.Errorf("starling: request frame missing requestId")
		}
		if !frameMethodPattern.MatchString(w.Method) || len(w.Method) < 3 {
			return nil, fmt.Errorf("starling: request frame has invalid method %q", w.Method)
		}
		return &RequestFrame{frameHeader: h, RequestID: w.RequestID, Method: w.Method, Payload: w.Payload, Options: w.Options}, nil

	case FrameTypeResponse:
		if w.RequestID == "" {
			return nil, fmt.Errorf("starling: response frame missing requestId")
		}
		if w.Success == nil {
			return nil, fmt.Errorf("starling: response frame missing success")
		}
		r := &ResponseFrame{frameHeader: h, RequestID: w.RequestID, Success: *w.Success}
		if r.Success {
			r.Data = w.Data
		} else {
			if w.Error == nil {
				return nil, fmt.Errorf("starling: failed response frame missing error")
			}
			r.Err = &ProtocolError{Code: w.Error.Code, Message: w.Error.Message, Details: w.Error.Details}
		}
		return r, nil

	case FrameTypeNotification:
		if w.Notification == nil {
			return nil, fmt.Errorf("starling: notification frame missing notification object")
		}
		return &NotificationFrame{
			frameHeader: h,
			Topic:       w.Notification.Topic,
			RequestID:   w.Notification.RequestID,
			Data:        w.Notification.Data,
		}, nil

	case FrameTypeError:
		e := &ErrorFrame{frameHeader: h, RequestID: w.RequestID}
		if w.Error != nil {
			e.Err = &ProtocolError{Code: w.Error.Code, Message: w.Error.Message, Details: w.Error.Details}
		}
		return e, nil

	default:
		return nil, fmt.Errorf("starling: unknown frame type %q", w.Type)
	}
}
