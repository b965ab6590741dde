// Package client is the visitor side of the presence protocol. A Client keeps one connection
// to a museum room, mirrors the other visitors into a local view model, and reconnects with
// exponential backoff when the connection drops.
//
// All connection state is owned by a single event loop goroutine started by Connect.
// Public methods only exchange messages with that loop.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"museum-presence/domain"
	"museum-presence/protocol"
)

var (
	ErrNotConnected = errors.New("not connected")
	ErrClosed       = errors.New("client is not running")
	ErrNoRoom       = errors.New("room is required")
)

type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	}
	return "disconnected"
}

// Identity is the signed-in user, if any.
type Identity struct {
	ID          string
	DisplayName string
	PictureURL  string
}

type Options struct {
	Host string
	Room string
	// Identity is nil for anonymous visitors.
	Identity *Identity
	Dialer   Dialer

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	QueueSize   int
	// Jitter is added to every backoff delay. Defaults to a uniform value in [0, 1s).
	Jitter func() time.Duration
	// OnStatus is called from the event loop on every status change.
	OnStatus func(Status)
}

// Notification is a comment event relayed for the comment display.
type Notification struct {
	Type      string
	FrameID   string
	Comment   *domain.Comment
	CommentID string
}

type outbound struct {
	msg      domain.Message
	position *PositionUpdate
	result   chan error
}

type frame struct {
	conn Transport
	data []byte
	err  error
}

type dialResult struct {
	conn Transport
	err  error
}

// run is one Connect..Disconnect lifetime.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
	outbox chan outbound
}

type Client struct {
	opts          Options
	url           string
	status        atomic.Int32
	notifications chan Notification

	mu       sync.Mutex
	current  *run
	visitors map[string]*VisitorView
	selfID   string
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Jitter == nil {
		opts.Jitter = func() time.Duration { return randomJitter(DefaultMaxJitter) }
	}
	return &Client{
		opts:          opts,
		url:           RoomURL(opts.Host, opts.Room),
		notifications: make(chan Notification, 32),
		visitors:      make(map[string]*VisitorView),
	}
}

// Connect starts the event loop. It returns immediately; progress is visible through
// Status. Calling Connect on a running client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if c.opts.Room == "" {
		return ErrNoRoom
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r := &run{
		cancel: cancel,
		done:   make(chan struct{}),
		outbox: make(chan outbound, 64),
	}
	c.current = r
	go c.loop(ctx, r)
	return nil
}

// Disconnect cancels any pending reconnect, closes the live connection and waits for the
// event loop to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	r := c.current
	c.current = nil
	c.mu.Unlock()

	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (c *Client) Status() Status {
	return Status(c.status.Load())
}

// Notifications delivers comment_new and comment_deleted events. Events are dropped when
// the channel is full.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// SelfID is the connection id the server assigned to this client.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Visitors returns a copy of the remote visitors, sorted by id.
func (c *Client) Visitors() []VisitorView {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]VisitorView, 0, len(c.visitors))
	for _, v := range c.visitors {
		out = append(out, *v)
	}
	slices.SortFunc(out, func(a, b VisitorView) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Interpolate advances every remote visitor's current transform a fraction alpha toward
// its latest server transform. Renderers call it once per frame before reading Visitors.
func (c *Client) Interpolate(alpha float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.visitors {
		v.Interpolate(alpha)
	}
}

// BroadcastPosition sends the local transform, or queues it while disconnected. It never
// blocks; if the loop is saturated the update is dropped and the next one supersedes it.
func (c *Client) BroadcastPosition(position, rotation domain.Vector3) {
	r := c.running()
	if r == nil {
		return
	}
	out := outbound{
		msg:      domain.Message{Type: domain.TypePosition, Position: &position, Rotation: &rotation},
		position: &PositionUpdate{Position: position, Rotation: rotation},
	}
	select {
	case r.outbox <- out:
	default:
		slog.Debug("position dropped, outbox full", "room", c.opts.Room)
	}
}

func (c *Client) BroadcastComment(ctx context.Context, frameID, text, authorName, authorPicture string) error {
	return c.request(ctx, domain.Message{
		Type:          domain.TypeComment,
		FrameID:       frameID,
		Text:          text,
		AuthorName:    authorName,
		AuthorPicture: authorPicture,
	})
}

func (c *Client) BroadcastCommentDelete(ctx context.Context, frameID, commentID string) error {
	return c.request(ctx, domain.Message{
		Type:      domain.TypeCommentDelete,
		FrameID:   frameID,
		CommentID: commentID,
	})
}

func (c *Client) request(ctx context.Context, msg domain.Message) error {
	r := c.running()
	if r == nil {
		return ErrClosed
	}
	out := outbound{msg: msg, result: make(chan error, 1)}

	select {
	case r.outbox <- out:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-out.result:
		return err
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) running() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) setStatus(s Status) {
	if Status(c.status.Swap(int32(s))) == s {
		return
	}
	slog.Debug("presence status", "room", c.opts.Room, "status", s.String())
	if c.opts.OnStatus != nil {
		c.opts.OnStatus(s)
	}
}

func (c *Client) displayName() string {
	if c.opts.Identity != nil {
		if name := strings.TrimSpace(c.opts.Identity.DisplayName); name != "" {
			return name
		}
	}
	return domain.AnonymousName
}

func (c *Client) userID() string {
	if c.opts.Identity == nil {
		return ""
	}
	return c.opts.Identity.ID
}

func (c *Client) loop(ctx context.Context, r *run) {
	defer close(r.done)

	var (
		conn    Transport
		attempt int
		retry   *time.Timer
		retryC  <-chan time.Time
		dialed  = make(chan dialResult, 1)
		inbound = make(chan frame, 64)
		queue   = NewPendingQueue(c.opts.QueueSize)
	)

	dial := func() {
		go func() {
			t, err := c.opts.Dialer.Dial(ctx, c.url)
			if err == nil && ctx.Err() != nil {
				_ = t.Close()
				t, err = nil, ctx.Err()
			}
			dialed <- dialResult{conn: t, err: err}
		}()
	}

	closeConn := func() {
		if conn != nil {
			_ = conn.Close()
			conn = nil
		}
	}

	scheduleReconnect := func() {
		if attempt >= c.opts.MaxAttempts {
			slog.Error("max reconnect attempts reached", "room", c.opts.Room, "attempts", attempt)
			c.clearVisitors()
			c.setStatus(StatusDisconnected)
			return
		}
		delay := BackoffDelay(attempt, c.opts.BaseDelay, c.opts.MaxDelay) + c.opts.Jitter()
		attempt++
		slog.Info("reconnect scheduled", "room", c.opts.Room, "attempt", attempt, "delay", delay)
		retry = time.NewTimer(delay)
		retryC = retry.C
		c.setStatus(StatusReconnecting)
	}

	lost := func(err error) {
		slog.Warn("connection lost", "room", c.opts.Room, "error", err)
		closeConn()
		scheduleReconnect()
	}

	write := func(msg domain.Message) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return conn.WriteMessage(data)
	}

	// drainOutbox moves everything produced while offline into the queue, so a fresh
	// connection sees it before new traffic.
	drainOutbox := func() {
		for {
			select {
			case out := <-r.outbox:
				if out.position != nil {
					queue.Push(*out.position)
				} else {
					out.result <- ErrNotConnected
				}
			default:
				return
			}
		}
	}

	c.setStatus(StatusConnecting)
	dial()

	for {
		select {
		case <-ctx.Done():
			if retry != nil {
				retry.Stop()
			}
			closeConn()
			c.clearVisitors()
			c.setStatus(StatusDisconnected)
			return

		case res := <-dialed:
			if res.err != nil {
				slog.Warn("dial failed", "room", c.opts.Room, "error", res.err)
				scheduleReconnect()
				continue
			}
			conn = res.conn
			attempt = 0
			c.setStatus(StatusConnected)
			go c.readLoop(ctx, conn, inbound)

			drainOutbox()
			if err := write(domain.Message{Type: domain.TypeJoin, Name: c.displayName(), UserID: c.userID()}); err != nil {
				lost(err)
				continue
			}
			if u, ok := queue.Drain(); ok {
				if err := write(domain.Message{Type: domain.TypePosition, Position: &u.Position, Rotation: &u.Rotation}); err != nil {
					queue.Push(u)
					lost(err)
				}
			}

		case f := <-inbound:
			if f.conn != conn {
				continue
			}
			if f.err != nil {
				lost(f.err)
				continue
			}
			c.apply(f.data)

		case <-retryC:
			retry, retryC = nil, nil
			dial()

		case out := <-r.outbox:
			if conn == nil {
				if out.position != nil {
					queue.Push(*out.position)
				} else {
					out.result <- ErrNotConnected
				}
				continue
			}
			err := write(out.msg)
			if out.result != nil {
				out.result <- err
			}
			if err != nil {
				if out.position != nil {
					queue.Push(*out.position)
				}
				lost(err)
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn Transport, inbound chan<- frame) {
	for {
		data, err := conn.ReadMessage()
		select {
		case inbound <- frame{conn: conn, data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// apply folds one server frame into the local view model.
func (c *Client) apply(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("invalid server message", "room", c.opts.Room, "error", err)
		return
	}

	switch msg.Type {
	case domain.TypeVisitorList:
		c.mu.Lock()
		c.selfID = msg.SelfID
		c.visitors = make(map[string]*VisitorView, len(msg.Visitors))
		for _, v := range msg.Visitors {
			if v.ID == c.selfID {
				continue
			}
			c.visitors[v.ID] = newVisitorView(v)
		}
		c.mu.Unlock()

	case domain.TypeVisitorJoin:
		if msg.Visitor == nil {
			return
		}
		c.mu.Lock()
		if msg.Visitor.ID != c.selfID {
			if existing, ok := c.visitors[msg.Visitor.ID]; ok {
				existing.Name = msg.Visitor.Name
				existing.setTarget(msg.Visitor.Position, msg.Visitor.Rotation.Y, msg.Visitor.LastUpdate)
			} else {
				c.visitors[msg.Visitor.ID] = newVisitorView(*msg.Visitor)
			}
		}
		c.mu.Unlock()

	case domain.TypeVisitorPosition:
		if msg.Position == nil || msg.Rotation == nil {
			return
		}
		c.mu.Lock()
		if msg.VisitorID != c.selfID {
			v, ok := c.visitors[msg.VisitorID]
			if !ok {
				v = newVisitorView(domain.Visitor{ID: msg.VisitorID, Name: domain.AnonymousName, Position: *msg.Position, Rotation: *msg.Rotation})
				c.visitors[msg.VisitorID] = v
			}
			v.setTarget(*msg.Position, msg.Rotation.Y, time.Now().UnixMilli())
		}
		c.mu.Unlock()

	case domain.TypeVisitorLeave:
		c.mu.Lock()
		delete(c.visitors, msg.VisitorID)
		c.mu.Unlock()

	case domain.TypeCommentNew:
		c.notify(Notification{Type: msg.Type, FrameID: msg.FrameID, Comment: msg.Comment})

	case domain.TypeCommentDeleted:
		c.notify(Notification{Type: msg.Type, FrameID: msg.FrameID, CommentID: msg.CommentID})

	default:
		slog.Debug("unhandled server message", "room", c.opts.Room, "type", msg.Type)
	}
}

func (c *Client) notify(n Notification) {
	select {
	case c.notifications <- n:
	default:
		slog.Warn("notification dropped", "room", c.opts.Room, "type", n.Type)
	}
}

func (c *Client) clearVisitors() {
	c.mu.Lock()
	c.visitors = make(map[string]*VisitorView)
	c.mu.Unlock()
}

// VisitorView is the local, non-authoritative picture of a remote visitor. Position and
// RotationY are the latest values from the server; Current and CurrentRotationY trail them
// for smooth rendering.
type VisitorView struct {
	ID               string
	Name             string
	Position         domain.Vector3
	RotationY        float64
	Current          domain.Vector3
	CurrentRotationY float64
	LastUpdate       int64
}

func newVisitorView(v domain.Visitor) *VisitorView {
	return &VisitorView{
		ID:               v.ID,
		Name:             v.Name,
		Position:         v.Position,
		RotationY:        v.Rotation.Y,
		Current:          v.Position,
		CurrentRotationY: v.Rotation.Y,
		LastUpdate:       v.LastUpdate,
	}
}

func (v *VisitorView) setTarget(position domain.Vector3, rotationY float64, at int64) {
	v.Position = position
	v.RotationY = rotationY
	v.LastUpdate = at
}

// Interpolate moves the current transform a fraction alpha toward the target. Rotation
// takes the shorter way around.
func (v *VisitorView) Interpolate(alpha float64) {
	alpha = math.Max(0, math.Min(1, alpha))
	v.Current.X += (v.Position.X - v.Current.X) * alpha
	v.Current.Y += (v.Position.Y - v.Current.Y) * alpha
	v.Current.Z += (v.Position.Z - v.Current.Z) * alpha

	diff := math.Remainder(v.RotationY-v.CurrentRotationY, 2*math.Pi)
	v.CurrentRotationY += diff * alpha
}
