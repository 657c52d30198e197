// Package pubsub is the notification and cache-coherence substrate: an
// in-process topic bus that every server always runs, plus an optional
// NATS bridge that relays messages between sibling processes.
package pubsub

import (
	"sync"

	"github.com/trovelabs/trove/internal/logger"
)

// Data-change tags pushed on a user's topic after mutations. WebSocket
// sessions subscribed to the username receive them verbatim.
const (
	TagEventsChanged         = "events-changed"
	TagStreamsChanged        = "streams-changed"
	TagAccessesChanged       = "accesses-changed"
	TagFollowedSlicesChanged = "followedslices-changed"
	TagAccountChanged        = "account-changed"
)

// Cache-coherence tags. Per-user coherence messages travel on the
// userId topic; unset-user rides a single global channel because the
// receiving process may not know the user's id yet. Payload fields are
// flat string maps so they survive the bridge unchanged.
const (
	TagUnsetAccessLogic = "unset-access-logic"
	TagUnsetUserData    = "unset-user-data"
	TagUnsetUser        = "unset-user"

	TopicUnsetUser = "unset-user"
)

// Message is the unit carried by the bus. Data-change messages use Topic
// = username and Tag = one of the *Changed constants; coherence messages
// use Topic = userId (or the global unset-user channel) and carry their
// ids in Fields.
type Message struct {
	Topic  string            `json:"topic"`
	Tag    string            `json:"tag,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Handler receives messages delivered on a subscribed topic. Handlers run
// on the publisher's goroutine and must not block.
type Handler func(msg Message)

// Bus fans messages out to local subscribers and, when a bridge is
// attached, to sibling processes. Local delivery is synchronous, so a
// subscriber observing a notification also observes the mutation that
// preceded the publish.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]Handler
	bridge *Bridge
	logger *logger.Logger
}

func New(log *logger.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[int]Handler),
		logger: log.WithComponent("pubsub"),
	}
}

// AttachBridge wires the cross-process relay. Safe to skip entirely: with
// no bridge the bus degrades to single-process delivery.
func (b *Bus) AttachBridge(bridge *Bridge) {
	if bridge == nil {
		return
	}
	b.mu.Lock()
	b.bridge = bridge
	b.mu.Unlock()
}

// Subscription identifies one handler registration.
type Subscription struct {
	bus   *Bus
	topic string
	id    int
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	if handlers := s.bus.subs[s.topic]; handlers != nil {
		delete(handlers, s.id)
		if len(handlers) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus.mu.Unlock()
}

// Subscribe registers a handler for one topic.
func (b *Bus) Subscribe(topic string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]Handler)
	}
	b.subs[topic][id] = h
	return &Subscription{bus: b, topic: topic, id: id}
}

// Publish delivers the message to local subscribers and forwards it over
// the bridge when one is attached.
func (b *Bus) Publish(msg Message) {
	b.deliver(msg)

	b.mu.RLock()
	bridge := b.bridge
	b.mu.RUnlock()
	if bridge != nil {
		bridge.forward(msg)
	}
}

// deliver fans out to local subscribers only. The bridge uses it for
// inbound messages so they are not re-forwarded.
func (b *Bus) deliver(msg Message) {
	b.mu.RLock()
	registered := b.subs[msg.Topic]
	handlers := make([]Handler, 0, len(registered))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(msg)
	}
}

// NotifyDataChange publishes a change tag on the user's topic. Called by
// services after storage has confirmed the mutation.
func (b *Bus) NotifyDataChange(username, tag string) {
	b.Publish(Message{Topic: username, Tag: tag})
}

// UnsetAccessLogic tells every process to evict one access from its
// caches, by id and by token.
func (b *Bus) UnsetAccessLogic(userID, accessID, accessToken string) {
	b.Publish(Message{
		Topic: userID,
		Tag:   TagUnsetAccessLogic,
		Fields: map[string]string{
			"userId":      userID,
			"accessId":    accessID,
			"accessToken": accessToken,
		},
	})
}

// UnsetUserData tells every process to drop cached streams and accesses
// for one user.
func (b *Bus) UnsetUserData(userID string) {
	b.Publish(Message{
		Topic:  userID,
		Tag:    TagUnsetUserData,
		Fields: map[string]string{"userId": userID},
	})
}

// UnsetUser tells every process to drop the username binding and cascade
// a full user-data eviction.
func (b *Bus) UnsetUser(username string) {
	b.Publish(Message{
		Topic:  TopicUnsetUser,
		Tag:    TagUnsetUser,
		Fields: map[string]string{"username": username},
	})
}
