// Package cache keeps per-process LRU copies of the hot lookup paths:
// username to userId, a user's stream forest, and a user's accesses
// indexed by token and by id. Entries are evicted through the coherence
// messages of the pubsub bus, so sibling processes converge after every
// mutation. The whole layer can be disabled by configuration, in which
// case every read misses and every write is a no-op.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/model"
	"github.com/trovelabs/trove/internal/pubsub"
)

// AccessIndex is a user's accesses, addressable by token and by id. Both
// maps hold the same *model.Access values.
type AccessIndex struct {
	mu     sync.RWMutex
	tokens map[string]*model.Access
	ids    map[string]*model.Access
}

func newAccessIndex() *AccessIndex {
	return &AccessIndex{
		tokens: make(map[string]*model.Access),
		ids:    make(map[string]*model.Access),
	}
}

func (x *AccessIndex) byToken(token string) (*model.Access, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.tokens[token]
	return a, ok
}

func (x *AccessIndex) byID(id string) (*model.Access, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	a, ok := x.ids[id]
	return a, ok
}

func (x *AccessIndex) set(a *model.Access) {
	x.mu.Lock()
	x.tokens[a.Token] = a
	x.ids[a.ID] = a
	x.mu.Unlock()
}

func (x *AccessIndex) unset(id, token string) {
	x.mu.Lock()
	delete(x.ids, id)
	delete(x.tokens, token)
	x.mu.Unlock()
}

// Cache is the per-process LRU layer. All methods are safe for
// concurrent use.
type Cache struct {
	enabled bool
	bus     *pubsub.Bus
	logger  *logger.Logger

	userIDs  *lru.Cache[string, string]
	streams  *lru.Cache[string, []*model.Stream]
	accesses *lru.Cache[string, *AccessIndex]

	mu        sync.Mutex
	listeners map[string]*pubsub.Subscription
}

// New builds the cache and, when enabled, hooks the global unset-user
// channel. Size bounds each namespace independently.
func New(enabled bool, size int, bus *pubsub.Bus, log *logger.Logger) (*Cache, error) {
	c := &Cache{
		enabled:   enabled,
		bus:       bus,
		logger:    log.WithComponent("cache"),
		listeners: make(map[string]*pubsub.Subscription),
	}
	if !enabled {
		return c, nil
	}

	var err error
	if c.userIDs, err = lru.New[string, string](size); err != nil {
		return nil, err
	}
	if c.streams, err = lru.New[string, []*model.Stream](size); err != nil {
		return nil, err
	}
	if c.accesses, err = lru.New[string, *AccessIndex](size); err != nil {
		return nil, err
	}

	bus.Subscribe(pubsub.TopicUnsetUser, c.handleUnsetUser)
	return c, nil
}

// Enabled reports whether the cache layer is active.
func (c *Cache) Enabled() bool { return c.enabled }

// ensureListener subscribes to the user's coherence topic the first time
// anything is cached for that user.
func (c *Cache) ensureListener(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.listeners[userID]; ok {
		return
	}
	c.listeners[userID] = c.bus.Subscribe(userID, c.handleUserMessage)
}

// dropListener deregisters the user's coherence listener once nothing is
// cached for them anymore.
func (c *Cache) dropListener(userID string) {
	c.mu.Lock()
	sub := c.listeners[userID]
	delete(c.listeners, userID)
	c.mu.Unlock()
	sub.Unsubscribe()
}

func (c *Cache) handleUserMessage(msg pubsub.Message) {
	switch msg.Tag {
	case pubsub.TagUnsetAccessLogic:
		c.unsetAccess(msg.Fields["userId"], msg.Fields["accessId"], msg.Fields["accessToken"])
	case pubsub.TagUnsetUserData:
		c.dropUserData(msg.Fields["userId"])
	}
}

func (c *Cache) handleUnsetUser(msg pubsub.Message) {
	username := msg.Fields["username"]
	userID, ok := c.userIDs.Get(username)
	c.userIDs.Remove(username)
	if ok {
		c.dropUserData(userID)
	}
}

// GetUserID resolves a cached username binding.
func (c *Cache) GetUserID(username string) (string, bool) {
	if !c.enabled {
		return "", false
	}
	return c.userIDs.Get(username)
}

// SetUserID caches a username binding.
func (c *Cache) SetUserID(username, userID string) {
	if !c.enabled {
		return
	}
	c.userIDs.Add(username, userID)
	c.ensureListener(userID)
}

// GetStreams returns the cached stream forest. Callers must treat the
// slice as read-only; mutators publish unset-user-data instead.
func (c *Cache) GetStreams(userID string) ([]*model.Stream, bool) {
	if !c.enabled {
		return nil, false
	}
	return c.streams.Get(userID)
}

// SetStreams caches a user's stream forest.
func (c *Cache) SetStreams(userID string, streams []*model.Stream) {
	if !c.enabled {
		return
	}
	c.streams.Add(userID, streams)
	c.ensureListener(userID)
}

// GetAccessByToken resolves a cached access by token.
func (c *Cache) GetAccessByToken(userID, token string) (*model.Access, bool) {
	if !c.enabled {
		return nil, false
	}
	idx, ok := c.accesses.Get(userID)
	if !ok {
		return nil, false
	}
	return idx.byToken(token)
}

// GetAccessByID resolves a cached access by id.
func (c *Cache) GetAccessByID(userID, accessID string) (*model.Access, bool) {
	if !c.enabled {
		return nil, false
	}
	idx, ok := c.accesses.Get(userID)
	if !ok {
		return nil, false
	}
	return idx.byID(accessID)
}

// SetAccess caches an access under both its token and its id.
func (c *Cache) SetAccess(userID string, a *model.Access) {
	if !c.enabled || a == nil {
		return
	}
	idx, ok := c.accesses.Get(userID)
	if !ok {
		idx = newAccessIndex()
		c.accesses.Add(userID, idx)
	}
	idx.set(a)
	c.ensureListener(userID)
}

func (c *Cache) unsetAccess(userID, accessID, token string) {
	if !c.enabled {
		return
	}
	if idx, ok := c.accesses.Get(userID); ok {
		idx.unset(accessID, token)
	}
}

func (c *Cache) dropUserData(userID string) {
	if !c.enabled || userID == "" {
		return
	}
	c.streams.Remove(userID)
	c.accesses.Remove(userID)
	c.dropListener(userID)
}
