package signaling

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/access"
)

// Authorizer decides whether a user may join a room.  *access.Policy
// satisfies it.
type Authorizer interface {
	Decide(ctx context.Context, userID uint64, roomName string) (access.Decision, error)
}

// Options tunes connection handling.  Zero values select defaults.
type Options struct {
	PingInterval   time.Duration
	WriteWait      time.Duration
	SendBuffer     int
	MaxMessageSize int64
	DecideTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	if o.DecideTimeout <= 0 {
		o.DecideTimeout = 5 * time.Second
	}
	return o
}

// Hub tracks room membership and routes frames between clients.
type Hub struct {
	auth   Authorizer
	logger *zap.Logger
	opts   Options

	mu      sync.Mutex
	rooms   map[string]map[string]*client // room -> user id -> client
	clients map[*client]struct{}
}

// NewHub returns an empty Hub.
func NewHub(auth Authorizer, logger *zap.Logger, opts Options) *Hub {
	return &Hub{
		auth:    auth,
		logger:  logger,
		opts:    opts.withDefaults(),
		rooms:   make(map[string]map[string]*client),
		clients: make(map[*client]struct{}),
	}
}

type client struct {
	id     string
	userID uint64
	uid    string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	rooms  map[string]struct{} // guarded by Hub.mu
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Serve runs an authenticated websocket connection until it closes.  It
// blocks, so the HTTP handler that upgraded conn should call it directly.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, userID uint64) {
	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		uid:    strconv.FormatUint(userID, 10),
		conn:   conn,
		send:   make(chan []byte, h.opts.SendBuffer),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	log := h.logger.With(zap.String("conn_id", c.id), zap.Uint64("user_id", userID))
	log.Debug("signaling connection opened")

	go h.writePump(c)
	h.readPump(ctx, c, log)

	c.close()
	h.disconnect(c)
	log.Debug("signaling connection closed")
}

func (h *Hub) readPump(ctx context.Context, c *client, log *zap.Logger) {
	pongWait := h.opts.PingInterval * 2
	c.conn.SetReadLimit(h.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("signaling read failed", zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			log.Warn("signaling: malformed frame dropped", zap.Int("bytes", len(data)))
			h.sendError(c, "", "malformed message", "")
			continue
		}
		h.dispatch(ctx, c, msg, log)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteWait)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, msg Message, log *zap.Logger) {
	switch {
	case msg.Event == EventJoinRoom:
		h.join(ctx, c, msg.RoomID, log)
	case msg.Event == EventLeaveRoom:
		h.leave(c, msg.RoomID)
	case msg.Event.Relayed():
		h.relay(c, msg, log)
	default:
		log.Warn("signaling: unsupported event", zap.String("event", string(msg.Event)))
		h.sendError(c, msg.RoomID, "unsupported event "+string(msg.Event), "")
	}
}

func (h *Hub) join(ctx context.Context, c *client, room string, log *zap.Logger) {
	if room == "" {
		h.sendError(c, room, "roomId required", "")
		return
	}

	dctx, cancel := context.WithTimeout(ctx, h.opts.DecideTimeout)
	decision, err := h.auth.Decide(dctx, c.userID, room)
	cancel()
	if err != nil {
		log.Error("signaling: access check failed", zap.String("room", room), zap.Error(err))
		h.sendError(c, room, "could not verify room access", "")
		return
	}
	if !decision.IsValid {
		log.Info("signaling: join denied", zap.String("room", room), zap.String("reason", string(decision.Reason)))
		h.sendError(c, room, "room access denied", string(decision.Reason))
		return
	}

	h.mu.Lock()
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*client)
		h.rooms[room] = members
	}
	prev := members[c.uid]
	others := make([]*client, 0, len(members))
	ids := make([]string, 0, len(members))
	for uid, m := range members {
		if uid == c.uid {
			continue
		}
		others = append(others, m)
		ids = append(ids, uid)
	}
	members[c.uid] = c
	c.rooms[room] = struct{}{}
	if prev != nil && prev != c {
		delete(prev.rooms, room)
	}
	h.mu.Unlock()

	if prev != nil && prev != c {
		// Same user joined from a new connection; the old one loses the seat.
		h.sendError(prev, room, "joined from another connection", "")
	}

	sort.Strings(ids)
	info, _ := NewMessage(EventRoomInfo, room, RoomInfo{Participants: ids})
	h.enqueue(c, info)
	if prev == c {
		return
	}
	joined := Message{Event: EventUserJoined, RoomID: room, FromUserID: c.uid}
	for _, m := range others {
		h.enqueue(m, joined)
	}
	log.Debug("signaling: joined room", zap.String("room", room), zap.Int("members", len(ids)+1))
}

func (h *Hub) leave(c *client, room string) {
	h.mu.Lock()
	others := h.removeLocked(c, room)
	h.mu.Unlock()
	h.broadcastLeft(c.uid, room, others)
}

// removeLocked drops c from room and returns the remaining members, or
// nil when c was not a member.
func (h *Hub) removeLocked(c *client, room string) []*client {
	members := h.rooms[room]
	if members[c.uid] != c {
		return nil
	}
	delete(members, c.uid)
	delete(c.rooms, room)
	if len(members) == 0 {
		delete(h.rooms, room)
		return nil
	}
	out := make([]*client, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

func (h *Hub) broadcastLeft(uid, room string, members []*client) {
	left := Message{Event: EventUserLeft, RoomID: room, FromUserID: uid}
	for _, m := range members {
		h.enqueue(m, left)
	}
}

func (h *Hub) disconnect(c *client) {
	type departure struct {
		room    string
		members []*client
	}
	var gone []departure

	h.mu.Lock()
	delete(h.clients, c)
	for room := range c.rooms {
		if members := h.removeLocked(c, room); members != nil {
			gone = append(gone, departure{room, members})
		}
	}
	h.mu.Unlock()

	for _, d := range gone {
		h.broadcastLeft(c.uid, d.room, d.members)
	}
}

func (h *Hub) relay(c *client, msg Message, log *zap.Logger) {
	h.mu.Lock()
	members := h.rooms[msg.RoomID]
	member := members[c.uid] == c
	target := members[msg.TargetUserID]
	h.mu.Unlock()

	fields := []zap.Field{
		zap.String("event", string(msg.Event)),
		zap.String("room", msg.RoomID),
		zap.String("target", msg.TargetUserID),
	}
	switch {
	case !member:
		log.Warn("signaling: sender is not in room, dropped", fields...)
		return
	case target == nil || target == c:
		log.Warn("signaling: unknown target, dropped", fields...)
		return
	}

	msg.FromUserID = c.uid
	h.enqueue(target, msg)
}

func (h *Hub) sendError(c *client, room, text, reason string) {
	msg, _ := NewMessage(EventError, room, ErrorPayload{Message: text, Reason: reason})
	h.enqueue(c, msg)
}

// enqueue hands msg to c's write pump.  A full queue means the client is
// not keeping up; it is disconnected rather than allowed to stall others.
func (h *Hub) enqueue(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("signaling: marshal frame", zap.Error(err))
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		h.logger.Warn("signaling: send queue full, dropping connection",
			zap.String("conn_id", c.id), zap.Uint64("user_id", c.userID))
		c.close()
	}
}

// Participants lists the user ids currently in room.
func (h *Hub) Participants(room string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.rooms[room]))
	for uid := range h.rooms[room] {
		ids = append(ids, uid)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown closes every connection.  Serve calls return shortly after.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		c.close()
	}
}
