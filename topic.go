package starling

import (
	"encoding/json"
	"regexp"
	"sort"
	"sync"
)

// topicSplitPattern splits a dotted/colon-separated topic or pattern
// string into its tokens.
var topicSplitPattern = regexp.MustCompile(`[.:]`)

func splitTopic(s string) []string {
	return topicSplitPattern.Split(s, -1)
}

// TopicEvent is delivered to a TopicRouter subscription handler.
type TopicEvent struct {
	Topic     string
	Data      json.RawMessage
	Timestamp int64
}

// TopicHandler receives matched notifications.
type TopicHandler func(TopicEvent)

// TopicFilter inspects a notification's data before delivery; returning
// false skips that subscriber for this event without affecting others.
type TopicFilter func(json.RawMessage) bool

// SubscriptionOptions configures a single TopicRouter subscription.
type SubscriptionOptions struct {
	Persistent bool
	Priority   int
	Filter     TopicFilter
}

type topicSubscription struct {
	id      uint64
	pattern string
	tokens  []string
	handler TopicHandler
	options SubscriptionOptions
}

// TopicRouter dispatches inbound topic-scoped notifications to
// subscribers whose pattern matches, in priority-then-insertion order.
// Pattern tokens are dot/colon separated; "*" matches exactly one token,
// "**" (only valid as the final token) matches one or more trailing
// tokens.
type TopicRouter struct {
	mu   sync.Mutex
	subs []*topicSubscription
	seq  uint64
}

// NewTopicRouter constructs an empty TopicRouter.
func NewTopicRouter() *TopicRouter {
	return &TopicRouter{}
}

// Subscribe registers handler for pattern and returns a disposer that
// removes the subscription.
func (tr *TopicRouter) Subscribe(pattern string, handler TopicHandler, opts SubscriptionOptions) func() {
	tr.mu.Lock()
	tr.seq++
	sub := &topicSubscription{
		id:      tr.seq,
		pattern: pattern,
		tokens:  splitTopic(pattern),
		handler: handler,
		options: opts,
	}
	tr.subs = append(tr.subs, sub)
	tr.mu.Unlock()

	return func() { tr.remove(sub.id) }
}

func (tr *TopicRouter) remove(id uint64) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := tr.subs[:0:0]
	for _, s := range tr.subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	tr.subs = out
}

// Dispatch invokes every subscriber whose pattern matches topic, higher
// Priority first and registration order among ties, skipping any whose
// Filter rejects data.
func (tr *TopicRouter) Dispatch(topic string, data json.RawMessage) {
	topicTokens := splitTopic(topic)

	tr.mu.Lock()
	var matched []*topicSubscription
	for _, s := range tr.subs {
		if matchTopicPattern(s.tokens, topicTokens) {
			matched = append(matched, s)
		}
	}
	tr.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].options.Priority > matched[j].options.Priority
	})

	ev := TopicEvent{Topic: topic, Data: data, Timestamp: nowMillis()}
	for _, s := range matched {
		if s.options.Filter != nil && !s.options.Filter(data) {
			continue
		}
		invokeTopicHandlerSafely(s.handler, ev)
	}
}

// matchTopicPattern evaluates pattern token-by-token against topic
// tokens. A trailing "**" consumes one or more remaining topic tokens; a
// "**" anywhere else in the pattern never matches, since the grammar
// defines it only as a tail wildcard.
func matchTopicPattern(pattern, topic []string) bool {
	pi, ti := 0, 0
	for pi < len(pattern) {
		tok := pattern[pi]
		if tok == "**" {
			if pi != len(pattern)-1 {
				return false
			}
			return ti < len(topic)
		}
		if ti >= len(topic) {
			return false
		}
		if tok != "*" && tok != topic[ti] {
			return false
		}
		pi++
		ti++
	}
	return ti == len(topic)
}

func invokeTopicHandlerSafely(h TopicHandler, ev TopicEvent) {
	defer func() { recover() }()
	h(ev)
}
