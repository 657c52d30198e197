// Package wsapi adapts the WebSocket surface onto the method dispatcher.
// One socket serves one user's namespace (GET /:username upgraded): frames
// carry {id, method, params} calls answered with the usual envelope, and
// the user's change notifications are pushed as {event} frames.
package wsapi

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/trovelabs/trove/internal/access"
	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/pubsub"
)

// Cross-origin pages are allowed to connect; the token in the auth query
// parameter is the actual gate.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// pushTags are the data-change notifications forwarded to sockets.
var pushTags = map[string]bool{
	pubsub.TagEventsChanged:         true,
	pubsub.TagStreamsChanged:        true,
	pubsub.TagAccessesChanged:       true,
	pubsub.TagFollowedSlicesChanged: true,
	pubsub.TagAccountChanged:        true,
}

// Hub tracks the open sessions per username and owns the upgrade handler.
type Hub struct {
	dispatcher *api.Dispatcher
	access     *access.Service
	bus        *pubsub.Bus
	logger     *logger.Logger

	mu       sync.RWMutex
	sessions map[string]map[*session]bool
}

func NewHub(d *api.Dispatcher, a *access.Service, bus *pubsub.Bus, log *logger.Logger) *Hub {
	return &Hub{
		dispatcher: d,
		access:     a,
		bus:        bus,
		logger:     log.WithComponent("wsapi"),
		sessions:   make(map[string]map[*session]bool),
	}
}

// Handler returns the gin handler the HTTP adapter mounts on GET /:username.
func (h *Hub) Handler() gin.HandlerFunc {
	return h.handle
}

func (h *Hub) handle(c *gin.Context) {
	username := c.Param("username")
	token := c.Query("auth")
	ctx := c.Request.Context()

	// Refuse bad handshakes with a regular HTTP error. Each frame is still
	// re-authenticated by the dispatcher, so a token revoked while the
	// socket is open fails the next call.
	user, err := h.access.ResolveUser(ctx, username)
	if err != nil {
		h.refuse(c, err)
		return
	}
	if _, err := h.access.Authenticate(ctx, user, token, "", "ws.connect"); err != nil {
		h.refuse(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already answered.
		h.logger.WithContext(ctx).Warn("websocket upgrade failed",
			"username", username, "error", err)
		return
	}

	s := newSession(h, conn, username, api.Auth{Token: token}, c.GetHeader("Origin"))
	h.register(s)
	h.logger.WithContext(ctx).Debug("websocket session opened",
		"username", username, "sessions", h.SessionCount(username))

	go s.writePump()
	s.readPump()
}

func (h *Hub) refuse(c *gin.Context, err error) {
	var e *apierr.E
	if !errors.As(err, &e) {
		h.logger.WithContext(c.Request.Context()).Error("websocket handshake failed", "error", err)
		e = apierr.Unexpected(err)
	}
	meta := h.dispatcher.Meta()
	c.Header("API-Version", meta.APIVersion)
	c.JSON(e.HTTPStatus(), gin.H{"error": e, "meta": meta})
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	if h.sessions[s.username] == nil {
		h.sessions[s.username] = make(map[*session]bool)
	}
	h.sessions[s.username][s] = true
	h.mu.Unlock()

	// The subscription handler runs on the publisher's goroutine; enqueue
	// never blocks it.
	s.sub = h.bus.Subscribe(s.username, func(msg pubsub.Message) {
		if pushTags[msg.Tag] {
			s.push(msg.Tag)
		}
	})
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if open := h.sessions[s.username]; open != nil {
		delete(open, s)
		if len(open) == 0 {
			delete(h.sessions, s.username)
		}
	}
	h.mu.Unlock()
}

// SessionCount reports the open sessions of one username.
func (h *Hub) SessionCount(username string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[username])
}

// Shutdown closes every open session.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	var all []*session
	for _, open := range h.sessions {
		for s := range open {
			all = append(all, s)
		}
	}
	h.mu.Unlock()

	for _, s := range all {
		s.close()
	}
}
