package starling

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestRequestRegistryCompleteResolvesWait(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	handle := reg.Execute("orders:create", nil, RequestOptions{}, func(h *RequestHandle) {})

	go reg.Complete(handle.ID, json.RawMessage(`{"ok":true}`))

	data, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"ok":true}` {
		t.Errorf("unexpected data: %s", data)
	}
	if handle.State() != RequestCompleted {
		t.Errorf("expected state Completed, got %v", handle.State())
	}
}

func TestRequestRegistryFailResolvesWaitWithError(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	handle := reg.Execute("orders:create", nil, RequestOptions{}, func(h *RequestHandle) {})

	go reg.Fail(handle.ID, newProtocolError(CodeMethodError, "nope"))

	_, err := handle.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Code != CodeMethodError {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRequestRegistryTimeoutExpires(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	handle := reg.Execute("orders:create", nil, RequestOptions{Timeout: 10 * time.Millisecond}, func(h *RequestHandle) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := handle.Wait(ctx)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Code != CodeRequestTimeout {
		t.Errorf("expected REQUEST_TIMEOUT, got %v", err)
	}
}

func TestRequestHandleTerminalOnlyOnce(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	handle := reg.Execute("orders:create", nil, RequestOptions{}, func(h *RequestHandle) {})

	reg.Complete(handle.ID, json.RawMessage(`{"first":true}`))
	reg.Complete(handle.ID, json.RawMessage(`{"second":true}`)) // late duplicate, must be dropped

	data, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"first":true}` {
		t.Errorf("expected first completion to win, got %s", data)
	}
}

func TestRequestRegistryDeliverProgress(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	var received []string
	handle := reg.Execute("orders:create", nil, RequestOptions{}, func(h *RequestHandle) {})
	handle.OnProgress(func(data json.RawMessage) { received = append(received, string(data)) })

	ok := reg.DeliverProgress(handle.ID, json.RawMessage(`"step1"`))
	if !ok {
		t.Fatalf("expected progress delivery to succeed for pending request")
	}

	reg.Complete(handle.ID, json.RawMessage(`"done"`))

	ok = reg.DeliverProgress(handle.ID, json.RawMessage(`"late"`))
	if ok {
		t.Errorf("expected DeliverProgress to fail for a completed request")
	}

	if len(received) != 1 || received[0] != `"step1"` {
		t.Errorf("unexpected progress stream: %v", received)
	}
}

func TestRequestRegistryDeliverProgressUnknownID(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	if reg.DeliverProgress("missing", json.RawMessage(`1`)) {
		t.Errorf("expected DeliverProgress to report false for an unknown id")
	}
}

func TestRequestHandleCancel(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	handle := reg.Execute("orders:create", nil, RequestOptions{}, func(h *RequestHandle) {})
	handle.Cancel("user aborted")

	_, err := handle.Wait(context.Background())
	if err == nil {
		t.Fatalf("expected cancellation error")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Code != CodeRequestCancelled {
		t.Errorf("expected REQUEST_CANCELLED, got %v", err)
	}
}

func TestRequestRegistryCancelAll(t *testing.T) {
	reg := NewRequestRegistry(NewEventBus())
	h1 := reg.Execute("a:b", nil, RequestOptions{}, func(h *RequestHandle) {})
	h2 := reg.Execute("c:d", nil, RequestOptions{}, func(h *RequestHandle) {})

	reg.CancelAll("shutdown")

	for _, h := range []*RequestHandle{h1, h2} {
		if h.State() != RequestCancelled {
			t.Errorf("expected %s cancelled, got %v", h.ID, h.State())
		}
	}
}
