package wsapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trovelabs/trove/internal/api"
	"github.com/trovelabs/trove/internal/apierr"
	"github.com/trovelabs/trove/internal/pubsub"
)

const (
	pingPeriod = 30 * time.Second
	writeWait  = 10 * time.Second
	// sendBuffer bounds the per-session outbox; a consumer that falls this
	// far behind is disconnected rather than ever blocking the bus.
	sendBuffer = 64
)

// frame is one inbound call. The id is echoed on the reply; a call without
// an id runs but gets no reply. Params may be an object or, for batch
// calls, an array of sub-calls.
type frame struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

type session struct {
	hub      *Hub
	conn     *websocket.Conn
	username string
	auth     api.Auth
	origin   string
	sub      *pubsub.Subscription

	send chan []byte
	done chan struct{}
	once sync.Once
}

func newSession(h *Hub, conn *websocket.Conn, username string, auth api.Auth, origin string) *session {
	return &session{
		hub:      h,
		conn:     conn,
		username: username,
		auth:     auth,
		origin:   origin,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// close tears the session down exactly once: the hub entry, the bus
// subscription, then the connection. In-flight calls keep running; only
// their replies are dropped.
func (s *session) close() {
	s.once.Do(func() {
		s.hub.unregister(s)
		s.sub.Unsubscribe()
		close(s.done)
		s.conn.Close()
	})
}

// enqueue hands a frame to the write pump without ever blocking the
// caller. A full outbox means the consumer is too slow; drop it.
func (s *session) enqueue(raw []byte) {
	select {
	case s.send <- raw:
	case <-s.done:
	default:
		s.hub.logger.Warn("websocket consumer too slow, dropping session",
			"username", s.username)
		go s.close()
	}
}

// push forwards one data-change notification.
func (s *session) push(tag string) {
	raw, err := json.Marshal(map[string]string{"event": tag})
	if err != nil {
		return
	}
	s.enqueue(raw)
}

// readPump runs on the handler goroutine until the peer disconnects.
// Frames are processed in order; each call is re-authenticated by the
// dispatcher with the handshake token.
func (s *session) readPump() {
	defer s.close()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.handleFrame(raw)
	}
}

func (s *session) handleFrame(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.hub.logger.Debug("unreadable websocket frame", "username", s.username, "error", err)
		return
	}
	if f.Method == "" {
		return
	}

	call := &api.Call{
		MethodID: f.Method,
		Username: s.username,
		Params:   callParams(f.Params),
		Auth:     s.auth,
		Origin:   s.origin,
	}
	// Disconnecting does not cancel an accepted call; only the reply is
	// dropped with the session.
	result, apiErr := s.hub.dispatcher.Invoke(context.Background(), call)

	if f.ID == nil {
		return
	}

	reply := map[string]interface{}{"id": f.ID, "meta": s.hub.dispatcher.Meta()}
	switch {
	case apiErr != nil:
		reply["error"] = apiErr
	case result.File() != nil:
		result.File().Reader.Close()
		reply["error"] = apierr.InvalidOperation(
			"This transport cannot stream attachment bytes; use the HTTP route.", nil)
	default:
		for k, v := range result.Object() {
			reply[k] = v
		}
	}

	raw, err := json.Marshal(reply)
	if err != nil {
		s.hub.logger.Error("websocket reply marshal failed",
			"username", s.username, "method", f.Method, "error", err)
		return
	}
	s.enqueue(raw)
}

// callParams shapes the frame's params for the dispatcher: objects pass
// through, a bare array is a batch's call list.
func callParams(params interface{}) map[string]interface{} {
	switch p := params.(type) {
	case map[string]interface{}:
		return p
	case []interface{}:
		return map[string]interface{}{"calls": p}
	default:
		return map[string]interface{}{}
	}
}

// writePump owns all writes on the connection: replies, pushes, pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.close()

	for {
		select {
		case raw := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
