package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/epbforge/shellsync/collab"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultBufferSize is the number of undelivered events a subscriber may have queued before
// further events to it are dropped.
const DefaultBufferSize = 256

// Hub is the in-process broker. All topic state is guarded by one mutex: every operation only
// enqueues into buffered channels, so nothing blocks while it is held and per-sender order
// falls out of the lock order.
type Hub struct {
	mu         sync.Mutex
	topics     map[string]map[*Subscription]struct{}
	bufferSize int
	onEmpty    func(topic string)

	numSubscriptions prometheus.Gauge
	droppedEvents    *prometheus.CounterVec
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

func (h *Hub) AddPrometheusMetrics() {
	h.numSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shellsync",
		Subsystem: "channel",
		Name:      "num_subscriptions",
		Help:      "Number of open channel subscriptions",
	})
	h.droppedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shellsync",
		Subsystem: "channel",
		Name:      "dropped_events",
		Help:      "Events dropped because a subscriber was not keeping up",
	}, []string{"kind"})
	prometheus.MustRegister(h.numSubscriptions)
	prometheus.MustRegister(h.droppedEvents)
}

func (h *Hub) Teardown() {
	if h.numSubscriptions != nil {
		prometheus.Unregister(h.numSubscriptions)
	}
	if h.droppedEvents != nil {
		prometheus.Unregister(h.droppedEvents)
	}
}

// Subscription is a Conn to a Hub topic.
type Subscription struct {
	hub    *Hub
	topic  string
	key    string
	events chan Event

	// guarded by hub.mu
	meta   *collab.PresenceMeta
	closed bool
}

// Join subscribes key to topic. The first event on the returned Conn is a presence sync.
func (h *Hub) Join(ctx context.Context, topic, key string) (Conn, error) {
	return h.Subscribe(topic, key)
}

func (h *Hub) Subscribe(topic, key string) (*Subscription, error) {
	if topic == "" || key == "" {
		return nil, fmt.Errorf("Subscribe: topic and key are required")
	}
	sub := &Subscription{
		hub:    h,
		topic:  topic,
		key:    key,
		events: make(chan Event, h.bufferSize),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	h.deliver(sub, Event{
		Topic:    topic,
		Kind:     KindPresenceSync,
		Presence: h.presenceState(topic),
	})
	if h.numSubscriptions != nil {
		h.numSubscriptions.Inc()
	}
	return sub, nil
}

// OnTopicEmpty registers fn to run when the last subscriber leaves a topic. It is not called
// for topics ended by CloseTopic. fn runs without the hub lock and must not block.
func (h *Hub) OnTopicEmpty(fn func(topic string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onEmpty = fn
}

// Presence returns the current presence state of a topic.
func (h *Hub) Presence(topic string) map[string]collab.PresenceMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presenceState(topic)
}

// Broadcast sends a server-originated event to every subscriber of topic.
func (h *Hub) Broadcast(topic, event string, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanout(topic, nil, Event{Topic: topic, Kind: KindBroadcast, Name: event, Payload: raw})
	return nil
}

// CloseTopic broadcasts a final event and then ends every subscription to topic.
func (h *Hub) CloseTopic(topic, event string, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanout(topic, nil, Event{Topic: topic, Kind: KindBroadcast, Name: event, Payload: raw})
	for sub := range h.topics[topic] {
		h.closeLocked(sub, false)
	}
	delete(h.topics, topic)
	return nil
}

func (h *Hub) NumSubscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// presenceState must be called with mu held. When a key is tracked by several subscriptions
// (the same user in two tabs) the most recent metadata wins.
func (h *Hub) presenceState(topic string) map[string]collab.PresenceMeta {
	state := make(map[string]collab.PresenceMeta)
	for sub := range h.topics[topic] {
		if sub.meta == nil {
			continue
		}
		if existing, ok := state[sub.key]; ok && existing.OnlineAt.After(sub.meta.OnlineAt) {
			continue
		}
		state[sub.key] = *sub.meta
	}
	return state
}

// keyTracked reports whether any subscription other than except tracks key. mu must be held.
func (h *Hub) keyTracked(topic, key string, except *Subscription) bool {
	for sub := range h.topics[topic] {
		if sub != except && sub.key == key && sub.meta != nil {
			return true
		}
	}
	return false
}

// fanout delivers ev to every subscriber of topic except the sender. mu must be held.
func (h *Hub) fanout(topic string, sender *Subscription, ev Event) {
	for sub := range h.topics[topic] {
		if sub == sender {
			continue
		}
		h.deliver(sub, ev)
	}
}

// deliver never blocks. mu must be held.
func (h *Hub) deliver(sub *Subscription, ev Event) {
	if sub.closed {
		return
	}
	select {
	case sub.events <- ev:
	default:
		if h.droppedEvents != nil {
			h.droppedEvents.WithLabelValues(string(ev.Kind)).Inc()
		}
		logger.Warn().Str("topic", sub.topic).Str("key", sub.key).Str("kind", string(ev.Kind)).Str("event", ev.Name).
			Msg("subscriber is not keeping up, dropping event")
	}
}

// closeLocked ends sub. When announce is set and sub was the last tracker of its key, the
// other subscribers see a presence leave. mu must be held.
func (h *Hub) closeLocked(sub *Subscription, announce bool) {
	if sub.closed {
		return
	}
	if announce && sub.meta != nil && !h.keyTracked(sub.topic, sub.key, sub) {
		left := map[string]collab.PresenceMeta{sub.key: *sub.meta}
		sub.meta = nil
		h.fanout(sub.topic, sub, Event{Topic: sub.topic, Kind: KindPresenceLeave, Presence: left})
	}
	sub.closed = true
	close(sub.events)
	if subs := h.topics[sub.topic]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	if h.numSubscriptions != nil {
		h.numSubscriptions.Dec()
	}
}

func (s *Subscription) Key() string {
	return s.key
}

func (s *Subscription) Topic() string {
	return s.topic
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Track publishes this subscriber's presence metadata. Tracking again replaces it.
func (s *Subscription) Track(ctx context.Context, meta collab.PresenceMeta) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	m := meta
	s.meta = &m
	h.fanout(s.topic, nil, Event{
		Topic:    s.topic,
		Kind:     KindPresenceJoin,
		Presence: map[string]collab.PresenceMeta{s.key: m},
	})
	return nil
}

// Untrack removes this subscriber's presence. The subscription stays open.
func (s *Subscription) Untrack(ctx context.Context) error {
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.meta == nil {
		return nil
	}
	left := map[string]collab.PresenceMeta{s.key: *s.meta}
	s.meta = nil
	if !h.keyTracked(s.topic, s.key, s) {
		h.fanout(s.topic, nil, Event{Topic: s.topic, Kind: KindPresenceLeave, Presence: left})
	}
	return nil
}

// Publish broadcasts to every other subscriber of the topic.
func (s *Subscription) Publish(ctx context.Context, event string, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	h := s.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	h.fanout(s.topic, s, Event{
		Topic:   s.topic,
		Kind:    KindBroadcast,
		Name:    event,
		Sender:  s.key,
		Payload: raw,
	})
	return nil
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() error {
	h := s.hub
	h.mu.Lock()
	wasOpen := !s.closed
	h.closeLocked(s, true)
	emptied := wasOpen && len(h.topics[s.topic]) == 0
	onEmpty := h.onEmpty
	h.mu.Unlock()
	if emptied && onEmpty != nil {
		onEmpty(s.topic)
	}
	return nil
}

var _ Dialer = (*Hub)(nil)
var _ Conn = (*Subscription)(nil)
