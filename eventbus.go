package starling

import (
	"strings"
	"sync"
)

// EventHandler receives the payload for a single EventBus emission.
type EventHandler func(event string, payload any)

// Middleware wraps every Emit call; calling next continues the chain,
// not calling it suppresses delivery to handlers (and to later
// middleware).
type Middleware func(event string, payload any, next func())

// EventBus is a named-event pub/sub hub shared by every component for
// observation. It is the coordination substrate described in §5 and §9:
// ReconnectionController and StateManager observe ConnectionCore through
// it and hold no owning reference back.
//
// Dispatch is synchronous within a single Emit call. Exact-name
// subscribers run before wildcard subscribers; within each group,
// handlers run in registration order. A panicking handler is recovered
// and does not stop delivery to the remaining handlers, mirroring the
// teacher's offlineEmitter.emit.
type EventBus struct {
	mu         sync.RWMutex
	exact      map[string][]*subscription
	wildcard   []*subscription
	middleware []Middleware
	seq        uint64
}

type subscription struct {
	id      uint64
	event   string
	handler EventHandler
}

// NewEventBus constructs an empty EventBus.
func NewEventBus() *EventBus {
	return &EventBus{exact: make(map[string][]*subscription)}
}

// On registers h for event. event may end in "*" to match every event
// sharing that prefix (e.g. "starling:reconnect:*"). It returns a
// disposer that removes the subscription.
func (b *EventBus) On(event string, h EventHandler) (dispose func()) {
	b.mu.Lock()
	b.seq++
	sub := &subscription{id: b.seq, event: event, handler: h}
	if strings.HasSuffix(event, "*") {
		b.wildcard = append(b.wildcard, sub)
	} else {
		b.exact[event] = append(b.exact[event], sub)
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if strings.HasSuffix(event, "*") {
			b.wildcard = removeSub(b.wildcard, sub.id)
		} else {
			b.exact[event] = removeSub(b.exact[event], sub.id)
		}
	}
}

func removeSub(subs []*subscription, id uint64) []*subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Use registers middleware run, in registration order, before any handler
// sees an emitted event.
func (b *EventBus) Use(mw Middleware) {
	b.mu.Lock()
	b.middleware = append(b.middleware, mw)
	b.mu.Unlock()
}

// Emit delivers payload to every subscriber of event, exact-name
// subscribers first, then wildcard subscribers whose prefix matches.
func (b *EventBus) Emit(event string, payload any) {
	b.mu.RLock()
	chain := append([]Middleware{}, b.middleware...)
	exact := append([]*subscription{}, b.exact[event]...)
	var wild []*subscription
	for _, s := range b.wildcard {
		if strings.HasPrefix(event, strings.TrimSuffix(s.event, "*")) {
			wild = append(wild, s)
		}
	}
	b.mu.RUnlock()

	deliver := func() {
		for _, s := range exact {
			invokeHandlerSafely(s.handler, event, payload)
		}
		for _, s := range wild {
			invokeHandlerSafely(s.handler, event, payload)
		}
	}

	runMiddleware(chain, event, payload, deliver)
}

func runMiddleware(chain []Middleware, event string, payload any, final func()) {
	if len(chain) == 0 {
		final()
		return
	}
	mw := chain[0]
	rest := chain[1:]
	mw(event, payload, func() { runMiddleware(rest, event, payload, final) })
}

// invokeHandlerSafely recovers from a panicking handler so that one
// broken subscriber cannot take down the connection goroutine or stop
// delivery to other subscribers.
func invokeHandlerSafely(h EventHandler, event string, payload any) {
	defer func() { recover() }()
	h(event, payload)
}
