package starling

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultMethodTimeout bounds how long a registered handler may run
// before MethodRegistry.Dispatch sends a timeout failure on its behalf.
const DefaultMethodTimeout = 30 * time.Second

// methodNamePattern governs locally registered method names. It is
// stricter than frameMethodPattern (no dots), matching §4.5's
// registration rule.
var methodNamePattern = regexp.MustCompile(`^[a-zA-Z][\w:]*$`)

// reservedNamespaces lists the server-defined prefixes a client may
// never register a method under.
var reservedNamespaces = map[string]bool{
	"system":   true,
	"internal": true,
	"stream":   true,
	"helios":   true,
}

// starlingNamespace is reserved by the protocol itself, not by the
// server: starling:state and any other starling:* method must remain
// callable (MethodRegistry.Dispatch never consults this list) but not
// registrable by user code, so it is checked separately from
// reservedNamespaces.
const starlingNamespace = "starling"

// MethodHandler is invoked for every inbound request whose method name
// matches a registration. It must call exactly one of ctx.Success /
// ctx.Error, and may call ctx.Notification any number of times before
// doing so.
type MethodHandler func(ctx *RequestContext)

// MethodOptions configures a single method registration.
type MethodOptions struct {
	Timeout time.Duration
}

// Method is a single client-registered inbound RPC handler.
type Method struct {
	Name    string
	Handler MethodHandler
	Options MethodOptions
}

func namespaceOf(name string) string {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i]
	}
	return name
}

// MethodRegistry owns every locally registered Method and dispatches
// inbound request frames to them.
type MethodRegistry struct {
	mu      sync.Mutex
	methods map[string]*Method
	bus     *EventBus
}

// NewMethodRegistry constructs an empty MethodRegistry wired to bus.
func NewMethodRegistry(bus *EventBus) *MethodRegistry {
	return &MethodRegistry{methods: make(map[string]*Method), bus: bus}
}

// Register validates and adds a method. Names must be at least 3
// characters, match methodNamePattern, not fall in a reserved namespace,
// and be unique.
func (mr *MethodRegistry) Register(name string, handler MethodHandler, opts MethodOptions) error {
	if len(name) < 3 || !methodNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidMethodName, name)
	}
	ns := namespaceOf(name)
	if reservedNamespaces[ns] || ns == starlingNamespace {
		return fmt.Errorf("%w: %q", ErrNameReserved, name)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultMethodTimeout
	}
	opts.Timeout = timeout

	mr.mu.Lock()
	defer mr.mu.Unlock()
	if _, exists := mr.methods[name]; exists {
		return fmt.Errorf("%w: %q", ErrMethodExists, name)
	}
	mr.methods[name] = &Method{Name: name, Handler: handler, Options: opts}
	return nil
}

// Unregister removes a previously registered method, if present.
func (mr *MethodRegistry) Unregister(name string) {
	mr.mu.Lock()
	delete(mr.methods, name)
	mr.mu.Unlock()
}

func (mr *MethodRegistry) lookup(name string) (*Method, bool) {
	mr.mu.Lock()
	defer mr.mu.Unlock()
	m, ok := mr.methods[name]
	return m, ok
}

// Dispatch routes an inbound RequestFrame to its registered handler.
// respond sends the eventual success/failure ResponseFrame; notify sends
// any progress NotificationFrames the handler emits via
// RequestContext.Notification.
func (mr *MethodRegistry) Dispatch(req *RequestFrame, respond func(*ResponseFrame), notify func(*NotificationFrame)) {
	m, ok := mr.lookup(req.Method)
	if !ok {
		respond(&ResponseFrame{
			RequestID: req.RequestID,
			Success:   false,
			Err:       newProtocolError(CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)),
		})
		return
	}

	ctx := &RequestContext{
		Payload:   req.Payload,
		RequestID: req.RequestID,
		Timestamp: nowMillis(),
		Options:   req.Options,
		respond:   respond,
		notify:    notify,
	}

	done := make(chan struct{})
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ctx.Error(newProtocolError(CodeMethodError, fmt.Sprintf("%v", rec)))
			}
			close(done)
		}()
		m.Handler(ctx)
	}()

	select {
	case <-done:
	case <-time.After(m.Options.Timeout):
		ctx.Error(newProtocolError(CodeMethodError, "Method timeout"))
	}
}

// RequestContext is handed to a MethodHandler for the lifetime of one
// inbound request. Success and Error are each callable at most once, and
// together at most once; Notification may be called any number of times
// until one of them is called.
type RequestContext struct {
	Payload   json.RawMessage
	RequestID string
	Timestamp int64
	Options   json.RawMessage

	mu       sync.Mutex
	finished bool
	respond  func(*ResponseFrame)
	notify   func(*NotificationFrame)
}

// Finished reports whether Success or Error has already been called.
func (c *RequestContext) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Success completes the request with data.
func (c *RequestContext) Success(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrContextAlreadyFinished
	}
	c.finished = true
	c.mu.Unlock()
	c.respond(&ResponseFrame{RequestID: c.RequestID, Success: true, Data: raw})
	return nil
}

// Error fails the request with a structured error.
func (c *RequestContext) Error(errObj *ProtocolError) error {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return ErrContextAlreadyFinished
	}
	c.finished = true
	c.mu.Unlock()
	c.respond(&ResponseFrame{RequestID: c.RequestID, Success: false, Err: errObj})
	return nil
}

// Notification pushes an incremental progress update to the request's
// stream on the peer. It is silently dropped once the context has
// finished.
func (c *RequestContext) Notification(data any) {
	c.mu.Lock()
	finished := c.finished
	c.mu.Unlock()
	if finished {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	c.notify(&NotificationFrame{RequestID: c.RequestID, Data: raw})
}
