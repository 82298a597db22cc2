package starling

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRequestFrame(t *testing.T) {
	f := &RequestFrame{RequestID: "req-1", Method: "orders:create", Payload: json.RawMessage(`{"sku":"x"}`)}
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	res := decodeFrame(data, nil)
	if res.Kind != DecodeValid {
		t.Fatalf("expected DecodeValid, got %v (err=%v)", res.Kind, res.Err)
	}

	got, ok := res.Frame.(*RequestFrame)
	if !ok {
		t.Fatalf("expected *RequestFrame, got %T", res.Frame)
	}
	if got.RequestID != "req-1" || got.Method != "orders:create" {
		t.Errorf("unexpected decoded frame: %+v", got)
	}
}

func TestDecodeFrameInvalidText(t *testing.T) {
	res := decodeFrame([]byte("not json"), nil)
	if res.Kind != DecodeInvalidText {
		t.Fatalf("expected DecodeInvalidText, got %v", res.Kind)
	}
}

func TestDecodeFrameInvalidSchema(t *testing.T) {
	res := decodeFrame([]byte(`{"type":"request","method":"ok:method"}`), nil)
	if res.Kind != DecodeInvalidSchema {
		t.Fatalf("expected DecodeInvalidSchema for missing requestId, got %v", res.Kind)
	}
}

func TestDecodeFrameRejectsShortMethod(t *testing.T) {
	res := decodeFrame([]byte(`{"type":"request","requestId":"r1","method":"ab"}`), nil)
	if res.Kind != DecodeInvalidSchema {
		t.Fatalf("expected DecodeInvalidSchema for too-short method, got %v", res.Kind)
	}
}

func TestEncodeResponseFrameFailure(t *testing.T) {
	f := &ResponseFrame{RequestID: "req-2", Success: false, Err: newProtocolError(CodeMethodError, "boom")}
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	res := decodeFrame(data, nil)
	if res.Kind != DecodeValid {
		t.Fatalf("expected DecodeValid, got %v (err=%v)", res.Kind, res.Err)
	}
	got := res.Frame.(*ResponseFrame)
	if got.Success {
		t.Errorf("expected Success=false")
	}
	if got.Err == nil || got.Err.Code != CodeMethodError {
		t.Errorf("unexpected error payload: %+v", got.Err)
	}
}

func TestEncodeNotificationFrame(t *testing.T) {
	f := &NotificationFrame{Topic: "orders:created", Data: json.RawMessage(`{"id":1}`)}
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	res := decodeFrame(data, nil)
	if res.Kind != DecodeValid {
		t.Fatalf("expected DecodeValid, got %v (err=%v)", res.Kind, res.Err)
	}
	got := res.Frame.(*NotificationFrame)
	if got.Topic != "orders:created" {
		t.Errorf("unexpected topic: %q", got.Topic)
	}
}

type rejectAllValidator struct{}

func (rejectAllValidator) Validate(json.RawMessage) error {
	return newProtocolError("TEST", "rejected")
}

func TestDecodeFrameAppliesSchemaValidator(t *testing.T) {
	f := &RequestFrame{RequestID: "req-3", Method: "orders:create", Payload: json.RawMessage(`{"sku":"x"}`)}
	data, err := encodeFrame(f)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	res := decodeFrame(data, rejectAllValidator{})
	if res.Kind != DecodeInvalidSchema {
		t.Fatalf("expected validator rejection to produce DecodeInvalidSchema, got %v", res.Kind)
	}
}
