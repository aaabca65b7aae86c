package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/db"
	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
	"github.com/manpreetbhatti/sketchroom/internal/relay"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	proto "github.com/manpreetbhatti/sketchroom/internal/sync"
)

const defaultCursorInterval = 16 * time.Millisecond

// EventRecorder receives ledger events. Record must not block.
type EventRecorder interface {
	Record(ev db.Event)
}

type nopRecorder struct{}

func (nopRecorder) Record(db.Event) {}

// The hub owns every connected client and applies their intents one at a
// time, so each room sees a single order of events.
type Hub struct {
	engine    *canvas.Engine
	directory *room.Directory
	recorder  EventRecorder
	relay     relay.Publisher
	cursors   *ratelimit.ClientLimiters

	// Owned by the Run goroutine
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool

	// Intents from clients
	inbound chan request

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	done        chan struct{}
	clientCount atomic.Int64
}

type request struct {
	client *Client
	msg    proto.Inbound
}

type Option func(*Hub)

func WithRecorder(r EventRecorder) Option {
	return func(h *Hub) { h.recorder = r }
}

func WithRelay(p relay.Publisher) Option {
	return func(h *Hub) { h.relay = p }
}

// WithCursorInterval sets the minimum gap between relayed cursor moves of one user
func WithCursorInterval(d time.Duration) Option {
	return func(h *Hub) {
		h.cursors.Stop()
		h.cursors = ratelimit.NewClientLimiters(ratelimit.Every(d), 1)
	}
}

func NewHub(engine *canvas.Engine, directory *room.Directory, opts ...Option) *Hub {
	h := &Hub{
		engine:     engine,
		directory:  directory,
		recorder:   nopRecorder{},
		relay:      relay.Nop{},
		cursors:    ratelimit.NewClientLimiters(ratelimit.Every(defaultCursorInterval), 1),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		inbound:    make(chan request, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run dispatches until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		for c := range h.clients {
			h.closeSend(c)
		}
		h.cursors.Stop()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			total := h.clientCount.Add(1)
			slog.Debug("client connected", "user", c.userID, "clients", total)

		case c := <-h.unregister:
			if !h.clients[c] {
				continue
			}
			h.leave(c)
			h.closeSend(c)
			delete(h.clients, c)
			total := h.clientCount.Add(-1)
			slog.Debug("client disconnected", "user", c.userID, "clients", total)

		case req := <-h.inbound:
			if !h.clients[req.client] || req.client.closed {
				continue
			}
			h.handle(req.client, req.msg)
		}
	}
}

// The submit helpers report false once the hub has stopped

func (h *Hub) submitRegister(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) submitUnregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) submit(c *Client, msg proto.Inbound) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbound <- request{client: c, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) handle(c *Client, msg proto.Inbound) {
	if join, ok := msg.(*proto.Join); ok {
		h.join(c, join)
		return
	}
	if c.roomID == "" {
		h.sendError(c, fmt.Sprintf("join a room before sending %s", msg.Type()))
		return
	}

	switch m := msg.(type) {
	case *proto.StrokeStart:
		h.strokeStart(c, m)
	case *proto.StrokePoint:
		h.strokePoint(c, m)
	case *proto.StrokeEnd:
		h.strokeEnd(c, m)
	case *proto.CursorMove:
		h.cursorMove(c, m)
	case *proto.Undo:
		h.undo(c)
	case *proto.Redo:
		h.redo(c)
	case *proto.ClearMine:
		h.clearMine(c)
	default:
		slog.Warn("unhandled message", "type", msg.Type(), "user", c.userID)
	}
}

// join moves the client into a room. Joining the room it is already in
// only renames the member and resends the snapshot.
func (h *Hub) join(c *Client, m *proto.Join) {
	roomID := m.RoomID
	if c.roomID != "" && c.roomID != roomID {
		h.leave(c)
	}

	name := m.DisplayName
	if name == "" {
		name = defaultName(c.userID)
	}

	h.engine.EnsureRoom(roomID)
	member, rejoin := h.directory.Member(roomID, c.userID)
	if rejoin {
		member.Name = name
	} else {
		member = room.Member{
			ID:       c.userID,
			Name:     name,
			Color:    h.directory.AssignColor(roomID),
			JoinedAt: time.Now(),
		}
	}
	members := h.directory.AddUser(roomID, member)

	c.roomID = roomID
	c.name = name
	clients, ok := h.rooms[roomID]
	if !ok {
		clients = make(map[*Client]bool)
		h.rooms[roomID] = clients
	}
	clients[c] = true

	h.sendTo(c, proto.MessageJoined, proto.Joined{
		RoomID:  roomID,
		UserID:  c.userID,
		User:    member,
		Members: members,
		History: h.engine.History(roomID),
	})
	if c.closed {
		return
	}
	h.broadcast(roomID, c, proto.MessageMemberJoined, proto.MemberJoined{
		Member:  member,
		Members: members,
	})

	h.recorder.Record(db.Event{RoomID: roomID, Kind: db.EventJoin, ActorID: c.userID, ActorName: name})
	slog.Info("member joined", "room", roomID, "user", c.userID, "members", len(members), "rejoin", rejoin)
}

func defaultName(userID string) string {
	if len(userID) > 4 {
		userID = userID[:4]
	}
	return "User_" + userID
}

// leave commits the client's unfinished strokes and removes its membership.
// Safe to call for a client that is in no room.
func (h *Hub) leave(c *Client) {
	roomID := c.roomID
	if roomID == "" {
		return
	}

	for _, s := range h.engine.FinishPendingFor(roomID, c.userID) {
		h.broadcast(roomID, c, proto.MessageStrokeEnd, proto.StrokeEnded{
			StrokeID: s.ID,
			AuthorID: s.AuthorID,
			Order:    s.Order,
		})
		h.recorder.Record(db.Event{RoomID: roomID, Kind: db.EventStroke, ActorID: c.userID, ActorName: c.name, StrokeID: s.ID, Detail: "committed on leave"})
	}

	if clients, ok := h.rooms[roomID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
	c.roomID = ""
	h.cursors.Remove(c.userID)

	remaining := h.directory.RemoveUser(roomID, c.userID)
	h.recorder.Record(db.Event{RoomID: roomID, Kind: db.EventLeave, ActorID: c.userID, ActorName: c.name})

	if remaining == 0 {
		h.engine.DropRoom(roomID)
		h.recorder.Record(db.Event{RoomID: roomID, Kind: db.EventClosed})
		slog.Info("room closed (empty)", "room", roomID)
		return
	}

	h.broadcast(roomID, nil, proto.MessageMemberLeft, proto.MemberLeft{
		UserID:      c.userID,
		DisplayName: c.name,
		Members:     h.directory.ListUsers(roomID),
	})
	slog.Info("member left", "room", roomID, "user", c.userID, "remaining", remaining)
}

func (h *Hub) strokeStart(c *Client, m *proto.StrokeStart) {
	if h.engine.HasStroke(c.roomID, m.StrokeID) {
		slog.Debug("duplicate stroke id dropped", "room", c.roomID, "user", c.userID, "stroke", m.StrokeID)
		return
	}

	stroke := canvas.Stroke{
		ID:         m.StrokeID,
		AuthorID:   c.userID,
		AuthorName: c.name,
		Points:     []canvas.Point{m.Point},
		Style:      m.Style,
		Tool:       m.Tool,
		CreatedAt:  time.Now(),
	}
	h.engine.StartStroke(c.roomID, stroke)
	h.directory.UpdateDrawingFlag(c.roomID, c.userID, true)
	h.directory.UpdateCursor(c.roomID, c.userID, m.Point)

	h.broadcast(c.roomID, c, proto.MessageStrokeStart, proto.StrokeStarted{Stroke: stroke})
	h.broadcastDrawingState(c, true, &m.Point)
}

func (h *Hub) strokePoint(c *Client, m *proto.StrokePoint) {
	if !h.authorOf(c, m.StrokeID) {
		return
	}

	h.engine.AppendPoint(c.roomID, m.StrokeID, m.Point)
	h.directory.UpdateCursor(c.roomID, c.userID, m.Point)
	h.broadcast(c.roomID, c, proto.MessageStrokePoint, proto.StrokePointAdded{
		StrokeID: m.StrokeID,
		Point:    m.Point,
		AuthorID: c.userID,
	})
}

func (h *Hub) strokeEnd(c *Client, m *proto.StrokeEnd) {
	if !h.authorOf(c, m.StrokeID) {
		return
	}

	stroke, ok := h.engine.FinishStroke(c.roomID, m.StrokeID)
	if !ok {
		return
	}
	h.directory.UpdateDrawingFlag(c.roomID, c.userID, false)

	h.broadcast(c.roomID, c, proto.MessageStrokeEnd, proto.StrokeEnded{
		StrokeID: stroke.ID,
		AuthorID: stroke.AuthorID,
		Order:    stroke.Order,
	})
	h.broadcastDrawingState(c, false, nil)
	h.recorder.Record(db.Event{RoomID: c.roomID, Kind: db.EventStroke, ActorID: c.userID, ActorName: c.name, StrokeID: stroke.ID})
}

// authorOf reports whether the stroke is pending and was started by c
func (h *Hub) authorOf(c *Client, strokeID string) bool {
	author, ok := h.engine.PendingAuthor(c.roomID, strokeID)
	if !ok {
		return false
	}
	if author != c.userID {
		slog.Warn("stroke update from non-author dropped", "room", c.roomID, "user", c.userID, "stroke", strokeID)
		return false
	}
	return true
}

func (h *Hub) cursorMove(c *Client, m *proto.CursorMove) {
	h.directory.UpdateCursor(c.roomID, c.userID, m.Point)
	if !h.cursors.Allow(c.userID) {
		return
	}

	member, ok := h.directory.Member(c.roomID, c.userID)
	if !ok {
		return
	}
	h.broadcast(c.roomID, c, proto.MessageCursorUpdate, proto.CursorUpdate{
		UserID:      c.userID,
		Point:       m.Point,
		DisplayName: member.Name,
		Color:       member.Color,
		IsDrawing:   member.IsDrawing,
	})
}

func (h *Hub) broadcastDrawingState(c *Client, drawing bool, p *canvas.Point) {
	member, ok := h.directory.Member(c.roomID, c.userID)
	if !ok {
		return
	}
	h.broadcast(c.roomID, c, proto.MessageDrawingState, proto.DrawingState{
		UserID:      c.userID,
		DisplayName: member.Name,
		Color:       member.Color,
		IsDrawing:   drawing,
		Point:       p,
	})
}

// undo, redo and clearMine send history-sync to the actor too, which may
// drop it as a slow client and clear c.roomID. Ledger events use the room
// captured beforehand.
func (h *Hub) undo(c *Client) {
	roomID := c.roomID
	stroke, ok := h.engine.Undo(roomID, c.userID)
	if !ok {
		return
	}
	h.syncHistory(c, proto.ActionUndo)
	h.recorder.Record(db.Event{RoomID: roomID, Kind: db.EventUndo, ActorID: c.userID, ActorName: c.name, StrokeID: stroke.ID})
}

func (h *Hub) redo(c *Client) {
	roomID := c.roomID
	stroke, ok := h.engine.Redo(roomID, c.userID)
	if !ok {
		return
	}
	h.syncHistory(c, proto.ActionRedo)
	h.recorder.Record(db.Event{RoomID: roomID, Kind: db.EventRedo, ActorID: c.userID, ActorName: c.name, StrokeID: stroke.ID})
}

func (h *Hub) clearMine(c *Client) {
	roomID := c.roomID
	res := h.engine.ClearUserDrawings(roomID, c.userID)
	removed := res.RemovedCount

	h.broadcast(roomID, nil, proto.MessageHistorySync, proto.HistorySync{
		History:      res.History,
		Action:       proto.ActionClear,
		ActorID:      c.userID,
		ActorName:    c.name,
		RemovedCount: &removed,
	})
	h.recorder.Record(db.Event{
		RoomID:    roomID,
		Kind:      db.EventClear,
		ActorID:   c.userID,
		ActorName: c.name,
		Detail:    fmt.Sprintf("removed %d", removed),
	})
}

func (h *Hub) syncHistory(c *Client, action proto.HistoryAction) {
	h.broadcast(c.roomID, nil, proto.MessageHistorySync, proto.HistorySync{
		History:   h.engine.History(c.roomID),
		Action:    action,
		ActorID:   c.userID,
		ActorName: c.name,
	})
}

func (h *Hub) sendError(c *Client, message string) {
	h.sendTo(c, proto.MessageError, proto.Error{Message: message})
}

func (h *Hub) sendTo(c *Client, t proto.MessageType, payload any) {
	data, err := proto.Encode(t, payload)
	if err != nil {
		slog.Error("failed to encode message", "type", t, "err", err)
		return
	}
	if !h.deliver(c, data) {
		h.dropSlow(c)
	}
}

// broadcast sends to every client in the room except skip, then mirrors the
// frame to the relay. Clients whose buffers are full are dropped afterwards
// so the frame still reaches everyone else in order.
func (h *Hub) broadcast(roomID string, skip *Client, t proto.MessageType, payload any) {
	data, err := proto.Encode(t, payload)
	if err != nil {
		slog.Error("failed to encode message", "type", t, "room", roomID, "err", err)
		return
	}

	var slow []*Client
	for c := range h.rooms[roomID] {
		if c == skip {
			continue
		}
		if !h.deliver(c, data) {
			slow = append(slow, c)
		}
	}
	h.relay.Publish(roomID, data)

	for _, c := range slow {
		h.dropSlow(c)
	}
}

func (h *Hub) deliver(c *Client, data []byte) bool {
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// dropSlow removes a client that stopped reading. Its pumps exit once the
// closed send channel is noticed and it unregisters as usual.
func (h *Hub) dropSlow(c *Client) {
	if c.closed {
		return
	}
	slog.Warn("dropping slow client", "room", c.roomID, "user", c.userID)
	h.closeSend(c)
	h.leave(c)
}

func (h *Hub) closeSend(c *Client) {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Stats, safe to call from any goroutine

func (h *Hub) GetRoomCount() int {
	return h.directory.RoomCount()
}

func (h *Hub) GetClientCount() int {
	return int(h.clientCount.Load())
}

// Room ID to member count for every occupied room
func (h *Hub) GetActiveRooms() map[string]int {
	return h.directory.ActiveRooms()
}

// Finished strokes held across all occupied rooms
func (h *Hub) GetStrokeCount() int {
	total := 0
	for roomID := range h.directory.ActiveRooms() {
		total += h.engine.HistoryLen(roomID)
	}
	return total
}

// Members joined to any room. Connections that never joined are not counted.
func (h *Hub) GetMemberCount() int {
	return h.directory.MemberCount()
}

// Finished strokes held by one room, zero when it is not active
func (h *Hub) RoomStrokeCount(roomID string) int {
	return h.engine.HistoryLen(roomID)
}

type RoomSnapshot struct {
	RoomID  string          `json:"roomId"`
	Members []room.Member   `json:"members"`
	History []canvas.Stroke `json:"history"`
}

// Snapshot returns the live state of an occupied room
func (h *Hub) Snapshot(roomID string) (RoomSnapshot, bool) {
	members := h.directory.ListUsers(roomID)
	if len(members) == 0 {
		return RoomSnapshot{}, false
	}
	return RoomSnapshot{
		RoomID:  roomID,
		Members: members,
		History: h.engine.History(roomID),
	}, true
}
