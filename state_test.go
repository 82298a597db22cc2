package starling

import (
	"encoding/json"
	"testing"
	"time"
)

func fakeIssuer(token string, fail bool) requestIssuer {
	return func(method string, payload json.RawMessage, opts RequestOptions) *RequestHandle {
		reg := NewRequestRegistry(nil)
		handle := reg.Execute(method, payload, opts, func(h *RequestHandle) {
			go func() {
				if fail {
					reg.Fail(h.ID, newProtocolError(CodeStateRefreshFailed, "refresh failed"))
					return
				}
				data, _ := json.Marshal(map[string]string{"token": token})
				reg.Complete(h.ID, data)
			}()
		})
		return handle
	}
}

func TestStateManagerRefreshSucceeds(t *testing.T) {
	sm := NewStateManager(NewEventBus(), fakeIssuer("tok-1", false), StateManagerOptions{RetryAttempts: 1})

	token, err := sm.Refresh(RefreshOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("expected tok-1, got %q", token)
	}
	if sm.Token() != "tok-1" {
		t.Errorf("expected Token() to reflect the refreshed token")
	}
}

func TestStateManagerRefreshRetriesThenFails(t *testing.T) {
	sm := NewStateManager(NewEventBus(), fakeIssuer("", true), StateManagerOptions{RetryAttempts: 2, RetryDelay: time.Millisecond})

	_, err := sm.Refresh(RefreshOptions{})
	if err == nil {
		t.Fatalf("expected refresh to fail after exhausting retries")
	}
	if sm.GetMetrics().RefreshFailures != 2 {
		t.Errorf("expected 2 recorded failures, got %d", sm.GetMetrics().RefreshFailures)
	}
}

func TestStateManagerThrottlesNonForcedRefresh(t *testing.T) {
	sm := NewStateManager(NewEventBus(), fakeIssuer("tok-1", false), StateManagerOptions{
		RetryAttempts:      1,
		MinRefreshInterval: time.Hour,
	})

	if _, err := sm.Refresh(RefreshOptions{}); err != nil {
		t.Fatalf("unexpected error on first refresh: %v", err)
	}

	_, err := sm.Refresh(RefreshOptions{})
	if err == nil {
		t.Fatalf("expected second non-forced refresh within MinRefreshInterval to reject")
	}
	pe, ok := err.(*ProtocolError)
	if !ok || pe.Code != CodeMinIntervalNotReached {
		t.Errorf("expected MIN_INTERVAL_NOT_REACHED, got %v", err)
	}
}

func TestStateManagerForceBypassesThrottle(t *testing.T) {
	sm := NewStateManager(NewEventBus(), fakeIssuer("tok-1", false), StateManagerOptions{
		RetryAttempts:      1,
		MinRefreshInterval: time.Hour,
	})

	if _, err := sm.Refresh(RefreshOptions{}); err != nil {
		t.Fatalf("unexpected error on first refresh: %v", err)
	}
	if _, err := sm.Refresh(RefreshOptions{Force: true}); err != nil {
		t.Errorf("expected forced refresh to bypass throttle, got %v", err)
	}
}

func TestStateManagerOnDisconnectedRecordsMetrics(t *testing.T) {
	bus := NewEventBus()
	sm := NewStateManager(bus, fakeIssuer("tok-1", false), StateManagerOptions{})

	bus.Emit("starling:disconnected", "network error")
	if sm.GetMetrics().LastDisconnect.IsZero() {
		t.Errorf("expected LastDisconnect to be recorded")
	}

	bus.Emit("starling:connected", nil)
	if sm.GetMetrics().Reconnections != 1 {
		t.Errorf("expected 1 recorded reconnection, got %d", sm.GetMetrics().Reconnections)
	}
}
