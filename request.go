package starling

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RequestState is the lifecycle stage of a client-held Request.
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestCompleted RequestState = "completed"
	RequestFailed    RequestState = "failed"
	RequestCancelled RequestState = "cancelled"
	RequestTimedOut  RequestState = "timed_out"
)

// DefaultRequestTimeout and MaxRequestTimeout bound RequestOptions.Timeout:
// zero falls back to the default, anything above the ceiling is clamped.
const (
	DefaultRequestTimeout = 30 * time.Second
	MaxRequestTimeout     = 300 * time.Second
)

// RequestOptions configures a single Request call.
type RequestOptions struct {
	Timeout time.Duration
	// Retry controls whether the request is buffered (and later sent)
	// while offline. Defaults to true when nil.
	Retry    *bool
	Metadata map[string]any
}

func (o RequestOptions) retry() bool {
	return o.Retry == nil || *o.Retry
}

// RequestOutcome is the terminal resolution of a Request: exactly one of
// Data or Err is populated.
type RequestOutcome struct {
	Data json.RawMessage
	Err  *ProtocolError
}

// RequestHandle is returned by RequestRegistry.Execute. It exposes the
// completion future and the (single, dual-named) progress/notification
// stream, matching the specification's request() contract.
type RequestHandle struct {
	ID        string
	Method    string
	Payload   json.RawMessage
	Options   RequestOptions
	CreatedAt time.Time

	reg *RequestRegistry

	mu               sync.Mutex
	state            RequestState
	outcome          RequestOutcome
	done             chan struct{}
	progressHandlers []func(json.RawMessage)
	timer            *time.Timer
}

// State reports the current lifecycle stage.
func (r *RequestHandle) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Wait blocks until the request reaches a terminal state or ctx is
// cancelled, returning the response payload or the structured error.
func (r *RequestHandle) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r.mu.Lock()
	o := r.outcome
	r.mu.Unlock()
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Data, nil
}

// OnProgress registers a callback invoked for every progress notification
// that arrives before the request reaches a terminal state. Returns r for
// chaining. A no-op once the request is already terminal.
func (r *RequestHandle) OnProgress(cb func(json.RawMessage)) *RequestHandle {
	r.mu.Lock()
	if r.state == RequestPending {
		r.progressHandlers = append(r.progressHandlers, cb)
	}
	r.mu.Unlock()
	return r
}

// OnNotification is an alias for OnProgress: the specification names the
// same underlying stream twice.
func (r *RequestHandle) OnNotification(cb func(json.RawMessage)) *RequestHandle {
	return r.OnProgress(cb)
}

// Cancel transitions the request to cancelled with reason, if it is still
// pending.
func (r *RequestHandle) Cancel(reason string) {
	r.reg.cancel(r.ID, reason)
}

// finish performs the terminal-once transition. It returns false if the
// request was already terminal, in which case the caller must treat the
// frame/timeout that triggered this call as a silently dropped late
// event.
func (r *RequestHandle) finish(state RequestState, outcome RequestOutcome) bool {
	r.mu.Lock()
	if r.state != RequestPending {
		r.mu.Unlock()
		return false
	}
	r.state = state
	r.outcome = outcome
	if r.timer != nil {
		r.timer.Stop()
	}
	close(r.done)
	r.mu.Unlock()
	return true
}

// RequestRegistry correlates outbound requests to responses, enforces
// per-request timeouts, and fans inbound progress notifications out to
// the originating request's stream.
type RequestRegistry struct {
	mu             sync.Mutex
	pending        map[string]*RequestHandle
	bus            *EventBus
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewRequestRegistry constructs an empty RequestRegistry wired to bus.
func NewRequestRegistry(bus *EventBus) *RequestRegistry {
	return &RequestRegistry{
		pending:        make(map[string]*RequestHandle),
		bus:            bus,
		defaultTimeout: DefaultRequestTimeout,
		maxTimeout:     MaxRequestTimeout,
	}
}

// Execute constructs and registers a new Request, then invokes send with
// the handle so the caller can build and hand off the corresponding
// RequestFrame. Request IDs are UUID v4, generated with
// github.com/google/uuid; a collision is treated as a programming error
// and is not defended against.
func (reg *RequestRegistry) Execute(method string, payload json.RawMessage, opts RequestOptions, send func(*RequestHandle)) *RequestHandle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = reg.defaultTimeout
	}
	if timeout > reg.maxTimeout {
		timeout = reg.maxTimeout
	}

	handle := &RequestHandle{
		ID:        uuid.New().String(),
		Method:    method,
		Payload:   payload,
		Options:   opts,
		CreatedAt: time.Now(),
		reg:       reg,
		state:     RequestPending,
		done:      make(chan struct{}),
	}

	reg.mu.Lock()
	reg.pending[handle.ID] = handle
	reg.mu.Unlock()

	handle.timer = time.AfterFunc(timeout, func() { reg.timeoutExpire(handle.ID) })

	send(handle)
	return handle
}

func (reg *RequestRegistry) lookup(id string) (*RequestHandle, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	h, ok := reg.pending[id]
	return h, ok
}

func (reg *RequestRegistry) remove(id string) {
	reg.mu.Lock()
	delete(reg.pending, id)
	reg.mu.Unlock()
}

// Complete resolves a pending request with a successful response. A
// request that is missing (unknown id) or already terminal is left
// untouched — the late frame is silently dropped, per invariant 1/10.
func (reg *RequestRegistry) Complete(id string, data json.RawMessage) {
	h, ok := reg.lookup(id)
	if !ok {
		return
	}
	if h.finish(RequestCompleted, RequestOutcome{Data: data}) {
		reg.remove(id)
	}
}

// Fail rejects a pending request with a structured error.
func (reg *RequestRegistry) Fail(id string, errObj *ProtocolError) {
	h, ok := reg.lookup(id)
	if !ok {
		return
	}
	if h.finish(RequestFailed, RequestOutcome{Err: errObj}) {
		reg.remove(id)
	}
}

// DeliverProgress pushes data to the progress/notification stream of the
// still-pending request id. It returns false if there is no such pending
// request, signalling the caller to route the notification elsewhere
// (e.g. TopicRouter or the onnotification hook).
func (reg *RequestRegistry) DeliverProgress(id string, data json.RawMessage) bool {
	h, ok := reg.lookup(id)
	if !ok {
		return false
	}
	h.mu.Lock()
	if h.state != RequestPending {
		h.mu.Unlock()
		return false
	}
	handlers := append([]func(json.RawMessage){}, h.progressHandlers...)
	h.mu.Unlock()

	for _, cb := range handlers {
		invokeProgressSafely(cb, data)
	}
	return true
}

func invokeProgressSafely(cb func(json.RawMessage), data json.RawMessage) {
	defer func() { recover() }()
	cb(data)
}

func (reg *RequestRegistry) timeoutExpire(id string) {
	h, ok := reg.lookup(id)
	if !ok {
		return
	}
	if h.finish(RequestTimedOut, RequestOutcome{Err: newProtocolError(CodeRequestTimeout, "request timed out")}) {
		reg.remove(id)
		if reg.bus != nil {
			reg.bus.Emit("message:request:timeout", id)
		}
	}
}

func (reg *RequestRegistry) cancel(id, reason string) {
	h, ok := reg.lookup(id)
	if !ok {
		return
	}
	if h.finish(RequestCancelled, RequestOutcome{Err: newProtocolError(CodeRequestCancelled, reason)}) {
		reg.remove(id)
	}
}

// CancelAll rejects every pending request with reason and clears the
// table. Used by ConnectionCore.disconnect.
func (reg *RequestRegistry) CancelAll(reason string) {
	reg.mu.Lock()
	all := make([]*RequestHandle, 0, len(reg.pending))
	for _, h := range reg.pending {
		all = append(all, h)
	}
	reg.pending = make(map[string]*RequestHandle)
	reg.mu.Unlock()

	for _, h := range all {
		h.finish(RequestCancelled, RequestOutcome{Err: newProtocolError(CodeRequestCancelled, reason)})
	}
}
