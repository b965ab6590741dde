package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"museum-presence/domain"
	"museum-presence/ratelimit"
	"museum-presence/registry"
)

type Config struct {
	PositionWindow  time.Duration
	PositionMax     int
	CommentWindow   time.Duration
	CommentMax      int
	CleanupInterval time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		PositionWindow:  time.Second,
		PositionMax:     10,
		CommentWindow:   5 * time.Second,
		CommentMax:      1,
		CleanupInterval: time.Minute,
	}
}

// room is one museum's broadcast domain. mu is held for the whole handling of a message so
// that every observer sees the same order of events.
type room struct {
	id         string
	clients    map[string]domain.Connection
	visitors   *registry.Registry
	positions  *ratelimit.Limiter
	// identities maps a connection id to the user id it joined with.
	identities map[string]string
	stop       context.CancelFunc
	mu         sync.Mutex
}

// Hub lock order is h.mu, then r.mu, then h.commentsMu.
type Hub struct {
	cfg   Config
	rooms map[string]*room
	wg    sync.WaitGroup
	mu    sync.RWMutex

	// comments is shared by all rooms so a signed-in user keeps one budget across
	// reconnects and rooms.
	comments   *ratelimit.Limiter
	commentsMu sync.Mutex
}

func New(cfg Config) *Hub {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Hub{
		cfg:      cfg,
		rooms:    make(map[string]*room),
		comments: ratelimit.New(cfg.CommentWindow, cfg.CommentMax, ratelimit.WithClock(cfg.Now)),
	}
}

func (h *Hub) newRoom(id string) *room {
	return &room{
		id:         id,
		clients:    make(map[string]domain.Connection),
		visitors:   registry.New(),
		positions:  ratelimit.New(h.cfg.PositionWindow, h.cfg.PositionMax, ratelimit.WithClock(h.cfg.Now)),
		identities: make(map[string]string),
	}
}

// Register adds conn to its room and sends it the current visitor list. The connection has
// no session until it joins.
func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	r, exists := h.rooms[conn.Room()]
	if !exists {
		r = h.newRoom(conn.Room())
		h.rooms[conn.Room()] = r
	}
	r.mu.Lock()
	h.mu.Unlock()
	defer r.mu.Unlock()

	r.clients[conn.ID()] = conn
	if r.stop == nil && h.cfg.CleanupInterval > 0 {
		h.startCleanup(r)
	}

	h.send(conn, domain.VisitorList{
		Type:     domain.TypeVisitorList,
		SelfID:   conn.ID(),
		Visitors: r.visitors.All(),
	})

	slog.Info("client connected", "room", r.id, "clientId", conn.ID(), "clients", len(r.clients))
}

// Unregister removes conn and its session. Calling it again for the same connection is a
// no-op.
func (h *Hub) Unregister(conn domain.Connection) {
	h.mu.RLock()
	r, exists := h.rooms[conn.Room()]
	h.mu.RUnlock()

	if !exists {
		return
	}

	r.mu.Lock()
	if _, ok := r.clients[conn.ID()]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.clients, conn.ID())
	delete(r.identities, conn.ID())
	r.positions.Forget(conn.ID())
	h.commentsMu.Lock()
	h.comments.Forget(conn.ID())
	h.commentsMu.Unlock()

	if r.visitors.Remove(conn.ID()) {
		h.broadcast(r, conn.ID(), domain.VisitorLeave{
			Type:      domain.TypeVisitorLeave,
			VisitorID: conn.ID(),
		})
	}

	slog.Info("client disconnected", "room", r.id, "clientId", conn.ID(), "clients", len(r.clients))
	empty := len(r.clients) == 0
	r.mu.Unlock()

	if empty {
		h.removeRoom(r)
	}
}

// removeRoom deletes r unless a connection registered after it emptied.
func (h *Hub) removeRoom(r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.clients) > 0 || h.rooms[r.id] != r {
		return
	}
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	delete(h.rooms, r.id)
	slog.Info("room removed", "room", r.id)
}

// Join creates or renames conn's session. userID is empty for anonymous visitors; when set
// it keys the comment limiter instead of the connection id.
func (h *Hub) Join(conn domain.Connection, name, userID string) {
	h.withRoom(conn, func(r *room) {
		name = strings.TrimSpace(name)
		if name == "" {
			name = domain.AnonymousName
		}
		if userID = strings.TrimSpace(userID); userID != "" {
			r.identities[conn.ID()] = userID
		} else {
			delete(r.identities, conn.ID())
		}

		v, ok := r.visitors.Get(conn.ID())
		if ok {
			v.Name = name
		} else {
			v = &domain.Visitor{
				ID:       conn.ID(),
				Name:     name,
				Position: domain.SpawnPosition,
			}
			r.visitors.Put(v)
		}
		v.LastUpdate = h.cfg.Now().UnixMilli()

		h.broadcast(r, conn.ID(), domain.VisitorJoin{
			Type:    domain.TypeVisitorJoin,
			Visitor: *v,
		})
		slog.Info("visitor joined", "room", r.id, "clientId", conn.ID(), "name", name, "rejoin", ok)
	})
}

func (h *Hub) Move(conn domain.Connection, position, rotation domain.Vector3) {
	h.withRoom(conn, func(r *room) {
		v, ok := r.visitors.Get(conn.ID())
		if !ok {
			slog.Warn("position from unknown visitor", "room", r.id, "clientId", conn.ID())
			return
		}
		if !r.positions.Check(conn.ID()) {
			slog.Debug("position rate limited", "room", r.id, "clientId", conn.ID())
			return
		}

		v.Position = position
		v.Rotation = rotation
		v.LastUpdate = h.cfg.Now().UnixMilli()

		h.broadcast(r, conn.ID(), domain.VisitorPosition{
			Type:      domain.TypeVisitorPosition,
			VisitorID: conn.ID(),
			Position:  position,
			Rotation:  rotation,
		})
	})
}

func (h *Hub) Comment(conn domain.Connection, frameID string, comment domain.Comment) {
	h.withRoom(conn, func(r *room) {
		v, ok := r.visitors.Get(conn.ID())
		if !ok {
			slog.Warn("comment from unknown visitor", "room", r.id, "clientId", conn.ID())
			return
		}
		if !h.allowComment(r, conn.ID()) {
			slog.Debug("comment rate limited", "room", r.id, "clientId", conn.ID())
			return
		}

		if comment.AuthorName == "" {
			comment.AuthorName = v.Name
		}
		comment.Timestamp = h.cfg.Now().UnixMilli()

		h.broadcast(r, "", domain.CommentNew{
			Type:    domain.TypeCommentNew,
			FrameID: frameID,
			Comment: comment,
		})
	})
}

func (h *Hub) allowComment(r *room, connID string) bool {
	key := connID
	if userID, ok := r.identities[connID]; ok {
		key = "user:" + userID
	}
	h.commentsMu.Lock()
	defer h.commentsMu.Unlock()
	return h.comments.Check(key)
}

// DeleteComment relays a deletion that the storage service has already authorized. Any
// joined connection may request it.
func (h *Hub) DeleteComment(conn domain.Connection, frameID, commentID string) {
	h.withRoom(conn, func(r *room) {
		if _, ok := r.visitors.Get(conn.ID()); !ok {
			slog.Warn("comment delete from unknown visitor", "room", r.id, "clientId", conn.ID())
			return
		}

		h.broadcast(r, "", domain.CommentDeleted{
			Type:      domain.TypeCommentDeleted,
			FrameID:   frameID,
			CommentID: commentID,
		})
	})
}

// Visitors returns a snapshot of the joined visitors of roomID.
func (h *Hub) Visitors(roomID string) []domain.Visitor {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()

	if !exists {
		return []domain.Visitor{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visitors.All()
}

func (h *Hub) Stats() domain.Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := domain.Stats{Rooms: len(h.rooms)}
	for _, r := range h.rooms {
		r.mu.Lock()
		stats.Connections += len(r.clients)
		stats.Visitors += r.visitors.Len()
		r.mu.Unlock()
	}
	return stats
}

// Close stops every room's cleanup loop and waits for them to exit. Connections are left to
// the transport.
func (h *Hub) Close() {
	h.mu.Lock()
	for _, r := range h.rooms {
		r.mu.Lock()
		if r.stop != nil {
			r.stop()
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

// withRoom runs fn with conn's room locked. Messages from connections that are no longer
// registered are ignored.
func (h *Hub) withRoom(conn domain.Connection, fn func(r *room)) {
	h.mu.RLock()
	r, exists := h.rooms[conn.Room()]
	h.mu.RUnlock()

	if !exists {
		slog.Warn("message for unknown room", "room", conn.Room(), "clientId", conn.ID())
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[conn.ID()]; !ok {
		slog.Warn("message from unregistered client", "room", r.id, "clientId", conn.ID())
		return
	}
	fn(r)
}

// broadcast sends msg to every client in r except the one with id except. A recipient
// whose queue is full is closed; its read pump unregisters it.
func (h *Hub) broadcast(r *room, except string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal error", "room", r.id, "error", err)
		return
	}

	for id, conn := range r.clients {
		if id == except {
			continue
		}
		if err := conn.Send(data); err != nil {
			slog.Warn("send failed, dropping client", "room", r.id, "clientId", id, "error", err)
			_ = conn.Close()
		}
	}
}

func (h *Hub) send(conn domain.Connection, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal error", "clientId", conn.ID(), "error", err)
		return
	}
	if err := conn.Send(data); err != nil {
		slog.Warn("send failed", "clientId", conn.ID(), "error", err)
	}
}

// startCleanup runs the room's limiter sweep until the room is emptied or the hub closes.
// Caller holds r.mu.
func (h *Hub) startCleanup(r *room) {
	ctx, cancel := context.WithCancel(context.Background())
	r.stop = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(h.cfg.CleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.mu.Lock()
				removed := r.positions.Cleanup()
				r.mu.Unlock()
				h.commentsMu.Lock()
				removed += h.comments.Cleanup()
				h.commentsMu.Unlock()
				if removed > 0 {
					slog.Debug("rate limit records cleaned", "room", r.id, "removed", removed)
				}
			}
		}
	}()
}
