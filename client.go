package starling

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ConnState is the connection lifecycle state described in §3/§4.1.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnClosing      ConnState = "closing"
)

// DefaultConnectTimeout bounds how long Connect waits for the socket to
// reach ConnConnected before failing with CONNECTION_TIMEOUT.
const DefaultConnectTimeout = 10 * time.Second

// Option configures a Client at construction time, following the
// functional-options idiom: each Option mutates the Client directly
// before any subcomponent is wired up.
type Option func(*Client)

// WithAutoReconnect enables or disables automatic reconnection on
// unintentional disconnect. Enabled by default.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Client) { c.autoReconnect = enabled }
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Client) { c.connectTimeout = d }
}

// WithSendBufferCapacity overrides DefaultSendBufferCapacity.
func WithSendBufferCapacity(n int) Option {
	return func(c *Client) { c.sendBufferCapacity = n }
}

// WithReconnection overrides the ReconnectionController's tuning.
func WithReconnection(opts ReconnectionOptions) Option {
	return func(c *Client) { c.reconnectionOpts = opts }
}

// WithStateManagerOptions overrides the StateManager's tuning.
func WithStateManagerOptions(opts StateManagerOptions) Option {
	return func(c *Client) { c.stateOpts = opts }
}

// WithSchemaValidator installs a SchemaValidator used to validate decoded
// payloads. The default is a no-op validator.
func WithSchemaValidator(v SchemaValidator) Option {
	return func(c *Client) { c.validator = v }
}

// Client is the Helios-Starling connection: it owns the socket, drives
// the connection state machine, and exposes the library's full public
// surface (connect/disconnect/send/notify/request/registerMethod/
// subscribe/sync).
type Client struct {
	url string

	autoReconnect      bool
	connectTimeout     time.Duration
	sendBufferCapacity int
	reconnectionOpts   ReconnectionOptions
	stateOpts          StateManagerOptions
	validator          SchemaValidator

	bus        *EventBus
	sendBuffer *SendBuffer
	requests   *RequestRegistry
	methods    *MethodRegistry
	topics     *TopicRouter
	recon      *ReconnectionController
	state      *StateManager

	mu            sync.Mutex
	connState     ConnState
	conn          *websocket.Conn
	lastConnected time.Time
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hookMu        sync.Mutex
	onText        []func([]byte)
	onJSON        []func([]byte, error)
	onBinary      []func([]byte)
	onNotifyHooks []func(*NotificationFrame)
}

// New constructs a Client for the given WebSocket URL. The connection is
// not opened until Connect is called.
func New(rawURL string, opts ...Option) *Client {
	c := &Client{
		url:                rawURL,
		autoReconnect:      true,
		connectTimeout:     DefaultConnectTimeout,
		sendBufferCapacity: DefaultSendBufferCapacity,
		validator:          noopValidator{},
		connState:          ConnDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.bus = NewEventBus()
	c.sendBuffer = NewSendBuffer(c.sendBufferCapacity, c.bus)
	c.requests = NewRequestRegistry(c.bus)
	c.methods = NewMethodRegistry(c.bus)
	c.topics = NewTopicRouter()
	c.recon = NewReconnectionController(c.bus, c.Connect, c.reconnectionOpts)
	c.state = NewStateManager(c.bus, c.issueStateRequest, c.stateOpts)
	return c
}

// Bus exposes the client's EventBus for observation: starling:{connected,
// disconnected,error}, starling:reconnect:*, state:refreshed,
// message:{request,response,notification,error,invalid},
// buffer:{added,full,flushed,cleared}.
func (c *Client) Bus() *EventBus { return c.bus }

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState
}

// IsConnected reports whether the client currently holds an open socket.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connState == ConnConnected
}

// ReconnectionMetrics returns a snapshot of the reconnection controller.
func (c *Client) ReconnectionMetrics() ReconnectionMetrics { return c.recon.GetMetrics() }

// StateMetrics returns a snapshot of the state manager's metrics.
func (c *Client) StateMetrics() StateMetrics { return c.state.GetMetrics() }

// Connect opens the socket. It fails immediately if the client is not in
// ConnDisconnected. On success it returns once the connection is
// ConnConnected; on failure it returns a ProtocolError
// (CONNECTION_TIMEOUT or CONNECTION_FAILED).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connState != ConnDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.connState = ConnConnecting
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.dialURL(), nil)
	if err != nil {
		c.mu.Lock()
		c.connState = ConnDisconnected
		c.mu.Unlock()

		var dialErr error
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			dialErr = newProtocolError(CodeConnectionTimeout, "connect timed out")
		} else {
			dialErr = newProtocolError(CodeConnectionFailed, err.Error())
		}

		c.bus.Emit("starling:disconnected", dialErr)
		if c.autoReconnect {
			c.recon.Start()
		}
		return dialErr
	}

	genCtx, genCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connState = ConnConnected
	c.lastConnected = time.Now()
	c.cancel = genCancel
	c.mu.Unlock()

	c.bus.Emit("starling:connected", nil)
	c.sendBuffer.Flush(c.IsConnected, c.writeFrame)

	c.wg.Add(1)
	go c.readLoop(genCtx, conn)

	return nil
}

// dialURL builds the WebSocket URL, normalizing an http(s) scheme to
// ws(s) and, if the StateManager holds a recovery token, merging it in
// as the recover query parameter — matching the teacher's scheme-rewrite
// approach in realtime.go, generalized to preserve any existing query.
func (c *Client) dialURL() string {
	target := c.url
	target = strings.Replace(target, "https://", "wss://", 1)
	target = strings.Replace(target, "http://", "ws://", 1)

	token := c.state.Token()
	if token == "" {
		return target
	}

	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("recover", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Disconnect stops reconnection, cancels every pending request, clears
// the send buffer, and gracefully closes the socket with code 1000.
func (c *Client) Disconnect(reason string) error {
	c.recon.Stop()
	c.requests.CancelAll(reason)
	c.sendBuffer.Clear()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	prevState := c.connState
	c.connState = ConnClosing
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		closeReason := reason
		if closeReason == "" {
			closeReason = "client disconnect"
		}
		conn.Close(websocket.StatusNormalClosure, closeReason)
	}

	c.wg.Wait()

	c.mu.Lock()
	c.connState = ConnDisconnected
	c.mu.Unlock()

	if prevState != ConnDisconnected {
		c.bus.Emit("starling:disconnected", reason)
	}
	return nil
}

// Send writes frame if connected, otherwise appends it to the SendBuffer.
// A write failure while connected falls back to buffering, per §4.1.
func (c *Client) Send(frame Frame) {
	if c.IsConnected() {
		if err := c.writeFrame(frame); err == nil {
			return
		}
	}
	c.sendBuffer.Add(frame)
}

// Notify constructs and sends a notification frame.
func (c *Client) Notify(topic string, data any, requestID string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.Send(&NotificationFrame{Topic: topic, RequestID: requestID, Data: raw})
	return nil
}

// Request issues an RPC call and returns a handle for its completion and
// progress stream.
func (c *Client) Request(method string, payload any, opts RequestOptions) (*RequestHandle, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	handle := c.requests.Execute(method, raw, opts, func(h *RequestHandle) {
		frame := &RequestFrame{RequestID: h.ID, Method: method, Payload: raw}
		if c.IsConnected() {
			if werr := c.writeFrame(frame); werr == nil {
				c.bus.Emit("message:request", frame)
				return
			}
		}
		if opts.retry() {
			c.sendBuffer.Add(frame)
		}
	})
	return handle, nil
}

func (c *Client) issueStateRequest(method string, payload json.RawMessage, opts RequestOptions) *RequestHandle {
	return c.requests.Execute(method, payload, opts, func(h *RequestHandle) {
		c.Send(&RequestFrame{RequestID: h.ID, Method: method, Payload: payload})
	})
}

// RegisterMethod registers a locally handled inbound RPC method.
func (c *Client) RegisterMethod(name string, handler MethodHandler, opts MethodOptions) error {
	return c.methods.Register(name, handler, opts)
}

// UnregisterMethod removes a previously registered method.
func (c *Client) UnregisterMethod(name string) { c.methods.Unregister(name) }

// Subscribe registers handler for topic notifications matching pattern
// and returns a disposer.
func (c *Client) Subscribe(pattern string, handler TopicHandler, opts SubscriptionOptions) func() {
	return c.topics.Subscribe(pattern, handler, opts)
}

// Sync refreshes the recovery token via StateManager.Refresh.
func (c *Client) Sync(opts RefreshOptions) (string, error) {
	return c.state.Refresh(opts)
}

// OnText registers a hook for inbound text frames that are not valid
// JSON at all.
func (c *Client) OnText(h func([]byte)) {
	c.hookMu.Lock()
	c.onText = append(c.onText, h)
	c.hookMu.Unlock()
}

// OnJSON registers a hook for inbound frames that parse as JSON but fail
// field or schema validation.
func (c *Client) OnJSON(h func([]byte, error)) {
	c.hookMu.Lock()
	c.onJSON = append(c.onJSON, h)
	c.hookMu.Unlock()
}

// OnBinary registers a hook for inbound binary WebSocket frames.
func (c *Client) OnBinary(h func([]byte)) {
	c.hookMu.Lock()
	c.onBinary = append(c.onBinary, h)
	c.hookMu.Unlock()
}

// OnNotification registers a hook for notifications with neither a
// matching pending requestId nor a topic.
func (c *Client) OnNotification(h func(*NotificationFrame)) {
	c.hookMu.Lock()
	c.onNotifyHooks = append(c.onNotifyHooks, h)
	c.hookMu.Unlock()
}

func (c *Client) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			wasClosing := c.connState == ConnClosing
			c.connState = ConnDisconnected
			c.conn = nil
			reconnectEnabled := c.autoReconnect
			c.mu.Unlock()

			if !wasClosing {
				if websocket.CloseStatus(err) == -1 {
					c.bus.Emit("starling:error", newProtocolError(CodeConnectionLost, err.Error()))
				}
				c.bus.Emit("starling:disconnected", err.Error())
				if reconnectEnabled {
					c.recon.Start()
				}
			}
			return
		}

		if msgType == websocket.MessageBinary {
			c.dispatchBinary(data)
			continue
		}
		c.dispatchText(data)
	}
}

func (c *Client) dispatchText(data []byte) {
	res := decodeFrame(data, c.validator)
	switch res.Kind {
	case DecodeInvalidText:
		c.invokeBytesHooks(c.onText, data)
	case DecodeInvalidSchema:
		c.invokeJSONHooks(data, res.Err)
		c.bus.Emit("message:invalid", res.Err)
	case DecodeValid:
		c.routeFrame(res.Frame)
	}
}

func (c *Client) dispatchBinary(data []byte) {
	c.invokeBytesHooks(c.onBinary, data)
}

func (c *Client) routeFrame(f Frame) {
	switch v := f.(type) {
	case *RequestFrame:
		c.bus.Emit("message:request", v)
		c.methods.Dispatch(v,
			func(resp *ResponseFrame) { c.Send(resp) },
			func(n *NotificationFrame) { c.Send(n) },
		)
	case *ResponseFrame:
		c.bus.Emit("message:response", v)
		if v.Success {
			c.requests.Complete(v.RequestID, v.Data)
		} else {
			c.requests.Fail(v.RequestID, v.Err)
		}
	case *ErrorFrame:
		c.bus.Emit("message:error", v)
		if v.RequestID != "" {
			c.requests.Fail(v.RequestID, v.Err)
		} else {
			c.bus.Emit("starling:message:error", v.Err)
		}
	case *NotificationFrame:
		c.bus.Emit("message:notification", v)
		if v.RequestID != "" && c.requests.DeliverProgress(v.RequestID, v.Data) {
			return
		}
		if v.Topic != "" {
			c.topics.Dispatch(v.Topic, v.Data)
			return
		}
		c.invokeNotificationHooks(v)
	}
}

func (c *Client) invokeBytesHooks(hooks []func([]byte), data []byte) {
	c.hookMu.Lock()
	snapshot := append([]func([]byte){}, hooks...)
	c.hookMu.Unlock()
	for _, h := range snapshot {
		invokeBytesHookSafely(h, data)
	}
}

func invokeBytesHookSafely(h func([]byte), data []byte) {
	defer func() { recover() }()
	h(data)
}

func (c *Client) invokeJSONHooks(data []byte, err error) {
	c.hookMu.Lock()
	snapshot := append([]func([]byte, error){}, c.onJSON...)
	c.hookMu.Unlock()
	for _, h := range snapshot {
		invokeJSONHookSafely(h, data, err)
	}
}

func invokeJSONHookSafely(h func([]byte, error), data []byte, err error) {
	defer func() { recover() }()
	h(data, err)
}

func (c *Client) invokeNotificationHooks(n *NotificationFrame) {
	c.hookMu.Lock()
	snapshot := append([]func(*NotificationFrame){}, c.onNotifyHooks...)
	c.hookMu.Unlock()
	for _, h := range snapshot {
		invokeNotificationHookSafely(h, n)
	}
}

func invokeNotificationHookSafely(h func(*NotificationFrame), n *NotificationFrame) {
	defer func() { recover() }()
	h(n)
}
