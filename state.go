package starling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// stateRefreshMethod is the protocol method used to refresh the recovery
// token. The reference shows two call sites, starling:state and
// starling:getToken; this implementation commits to starling:state (see
// DESIGN.md for the decision record).
const stateRefreshMethod = "starling:state"

// StateManagerOptions tunes StateManager. Zero values of the duration and
// count fields are replaced by the spec-mandated defaults in
// NewStateManager. ForceRefreshOnReconnect is used as given: its zero
// value, false, leaves the forced refresh on reconnect turned off.
type StateManagerOptions struct {
	RefreshInterval         time.Duration
	MinRefreshInterval      time.Duration
	RetryAttempts           int
	RetryDelay              time.Duration
	ForceRefreshOnReconnect bool
}

func (o *StateManagerOptions) applyDefaults() {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 300 * time.Second
	}
	if o.MinRefreshInterval <= 0 {
		o.MinRefreshInterval = 60 * time.Second
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 1 * time.Second
	}
}

// StateMetrics is a point-in-time snapshot of StateManager's observable
// metrics surface.
type StateMetrics struct {
	Refreshes       int
	RefreshFailures int
	Reconnections   int
	TotalDowntime   time.Duration
	LastDisconnect  time.Time
}

// RefreshOptions configures a single StateManager.Refresh call.
type RefreshOptions struct {
	Force   bool
	Timeout time.Duration
}

// requestIssuer is how StateManager sends the starling:state protocol
// request without depending on ConnectionCore directly; ConnectionCore
// supplies it at construction as an observer dependency, not an owning
// one (§3 Ownership, §9 Observer cycles).
type requestIssuer func(method string, payload json.RawMessage, opts RequestOptions) *RequestHandle

// StateManager owns the opaque recovery token and the periodic refresh
// loop that keeps it current: throttled, retried, and force-refreshed on
// reconnect.
type StateManager struct {
	opts    StateManagerOptions
	bus     *EventBus
	request requestIssuer

	mu          sync.Mutex
	token       string
	lastRefresh time.Time
	refreshing  bool
	metrics     StateMetrics

	refreshTimer *time.Timer
	disposers    []func()
}

// NewStateManager constructs a StateManager that issues refresh requests
// via request and observes bus for starling:connected/disconnected.
func NewStateManager(bus *EventBus, request requestIssuer, opts StateManagerOptions) *StateManager {
	opts.applyDefaults()
	sm := &StateManager{opts: opts, bus: bus, request: request}
	sm.disposers = append(sm.disposers,
		bus.On("starling:connected", sm.onConnected),
		bus.On("starling:disconnected", sm.onDisconnected),
	)
	return sm
}

// Close removes the manager's event-bus subscriptions and cancels any
// scheduled refresh.
func (sm *StateManager) Close() {
	for _, dispose := range sm.disposers {
		dispose()
	}
	sm.mu.Lock()
	if sm.refreshTimer != nil {
		sm.refreshTimer.Stop()
		sm.refreshTimer = nil
	}
	sm.mu.Unlock()
}

// Token returns the currently held recovery token, or "" if none has
// been obtained yet.
func (sm *StateManager) Token() string {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.token
}

// GetMetrics returns a snapshot of the manager's observable metrics.
func (sm *StateManager) GetMetrics() StateMetrics {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.metrics
}

// Refresh performs a throttled, retried token refresh over the
// starling:state protocol method, per §4.8.
func (sm *StateManager) Refresh(opts RefreshOptions) (string, error) {
	sm.mu.Lock()
	if sm.refreshing {
		sm.mu.Unlock()
		return "", newProtocolError(CodeRefreshInProgress, "a refresh is already in progress")
	}
	now := time.Now()
	if !opts.Force && !sm.lastRefresh.IsZero() && now.Sub(sm.lastRefresh) < sm.opts.MinRefreshInterval {
		sm.mu.Unlock()
		return "", newProtocolError(CodeMinIntervalNotReached, "minimum refresh interval not reached")
	}
	sm.refreshing = true
	sm.mu.Unlock()

	defer func() {
		sm.mu.Lock()
		sm.refreshing = false
		sm.mu.Unlock()
	}()

	var lastErr error
	for attempt := 0; attempt < sm.opts.RetryAttempts; attempt++ {
		token, err := sm.attemptRefresh(opts.Timeout)
		if err == nil {
			sm.mu.Lock()
			sm.token = token
			sm.lastRefresh = time.Now()
			sm.metrics.Refreshes++
			sm.mu.Unlock()
			sm.scheduleNextRefresh()
			if sm.bus != nil {
				sm.bus.Emit("state:refreshed", token)
			}
			return token, nil
		}
		lastErr = err
		sm.mu.Lock()
		sm.metrics.RefreshFailures++
		sm.mu.Unlock()
		if attempt < sm.opts.RetryAttempts-1 {
			time.Sleep(sm.opts.RetryDelay)
		}
	}
	return "", fmt.Errorf("%s: %w", CodeStateRefreshFailed, lastErr)
}

func (sm *StateManager) attemptRefresh(timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	handle := sm.request(stateRefreshMethod, nil, RequestOptions{Timeout: timeout})

	ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
	defer cancel()
	data, err := handle.Wait(ctx)
	if err != nil {
		return "", err
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("starling: malformed state refresh response: %w", err)
	}
	return resp.Token, nil
}

func (sm *StateManager) scheduleNextRefresh() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.refreshTimer != nil {
		sm.refreshTimer.Stop()
	}
	sm.refreshTimer = time.AfterFunc(sm.opts.RefreshInterval, func() {
		sm.Refresh(RefreshOptions{})
	})
}

func (sm *StateManager) onConnected(_ string, _ any) {
	sm.mu.Lock()
	lastDisconnect := sm.metrics.LastDisconnect
	force := sm.opts.ForceRefreshOnReconnect
	if !lastDisconnect.IsZero() {
		sm.metrics.Reconnections++
		sm.metrics.TotalDowntime += time.Since(lastDisconnect)
	}
	sm.mu.Unlock()

	if force {
		go sm.Refresh(RefreshOptions{Force: true})
	}
}

func (sm *StateManager) onDisconnected(_ string, _ any) {
	sm.mu.Lock()
	sm.metrics.LastDisconnect = time.Now()
	if sm.refreshTimer != nil {
		sm.refreshTimer.Stop()
		sm.refreshTimer = nil
	}
	sm.mu.Unlock()
}
