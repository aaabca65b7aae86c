// Package canvas holds the per-room collaborative stroke state: the ordered
// history of finished strokes, strokes still being drawn, the z-order counter
// and one redo stack per user.
//
// Every lookup of an unknown room, stroke or user is a no-op that reports an
// absent result. Late and duplicate network messages are expected and must
// never take a room down.
package canvas

import (
	"slices"
	"sync"
	"time"
)

const DefaultHistoryCap = 500

type Option func(*Engine)

// WithHistoryCap bounds the number of finished strokes kept per room
func WithHistoryCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine owns the stroke state of every room. The room table and each room
// have their own locks; no lock is ever held across rooms.
type Engine struct {
	rooms      map[string]*roomState
	historyCap int
	now        func() time.Time
	mu         sync.RWMutex
}

type roomState struct {
	history []Stroke // ascending by Order
	pending map[string]Stroke
	counter int64
	redo    map[string][]Stroke
	mu      sync.Mutex
}

// The outcome of removing one user's strokes from a room
type ClearResult struct {
	RemovedCount int
	History      []Stroke
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rooms:      make(map[string]*roomState),
		historyCap: DefaultHistoryCap,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newRoomState() *roomState {
	return &roomState{
		history: make([]Stroke, 0),
		pending: make(map[string]Stroke),
		redo:    make(map[string][]Stroke),
	}
}

func (e *Engine) lookup(roomID string) *roomState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rooms[roomID]
}

func (e *Engine) ensure(roomID string) *roomState {
	if rs := e.lookup(roomID); rs != nil {
		return rs
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rs, ok := e.rooms[roomID]; ok {
		return rs
	}
	rs := newRoomState()
	e.rooms[roomID] = rs
	return rs
}

// EnsureRoom creates empty state for the room if it has none
func (e *Engine) EnsureRoom(roomID string) {
	e.ensure(roomID)
}

// DropRoom discards everything the room owns
func (e *Engine) DropRoom(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rooms, roomID)
}

func (e *Engine) RoomCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rooms)
}

// NextOrder increments and returns the room's order counter
func (e *Engine) NextOrder(roomID string) int64 {
	rs := e.ensure(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.nextOrder()
}

func (rs *roomState) nextOrder() int64 {
	rs.counter++
	return rs.counter
}

// StartStroke stores a copy of the stroke as pending and clears the author's
// redo stack. Callers own uniqueness of stroke ids.
func (e *Engine) StartStroke(roomID string, s Stroke) {
	rs := e.ensure(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	c := s.Clone()
	c.Completed = false
	c.Order = 0
	if c.CreatedAt.IsZero() {
		c.CreatedAt = e.now()
	}
	if c.Points == nil {
		c.Points = make([]Point, 0, 16)
	}
	rs.pending[c.ID] = c
	delete(rs.redo, c.AuthorID)
}

func (e *Engine) AppendPoint(roomID, strokeID string, p Point) {
	rs := e.lookup(roomID)
	if rs == nil {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	s, ok := rs.pending[strokeID]
	if !ok {
		return
	}
	s.Points = append(s.Points, p)
	rs.pending[strokeID] = s
}

// FinishStroke moves a pending stroke into history on top of everything
// finished so far. It reports false when the stroke is not pending.
func (e *Engine) FinishStroke(roomID, strokeID string) (Stroke, bool) {
	rs := e.lookup(roomID)
	if rs == nil {
		return Stroke{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.finish(strokeID, e.historyCap)
}

func (rs *roomState) finish(strokeID string, historyCap int) (Stroke, bool) {
	s, ok := rs.pending[strokeID]
	if !ok {
		return Stroke{}, false
	}
	delete(rs.pending, strokeID)

	s.Completed = true
	s.Order = rs.nextOrder()
	rs.push(s, historyCap)
	return s.Clone(), true
}

// push appends to history and evicts the oldest entries beyond the cap
func (rs *roomState) push(s Stroke, historyCap int) {
	rs.history = append(rs.history, s)
	if over := len(rs.history) - historyCap; over > 0 {
		rs.history = slices.Delete(rs.history, 0, over)
	}
}

// History returns the finished strokes ascending by order
func (e *Engine) History(roomID string) []Stroke {
	rs := e.lookup(roomID)
	if rs == nil {
		return []Stroke{}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.sortedHistory()
}

func (rs *roomState) sortedHistory() []Stroke {
	out := cloneAll(rs.history)
	slices.SortStableFunc(out, func(a, b Stroke) int {
		switch {
		case a.Order < b.Order:
			return -1
		case a.Order > b.Order:
			return 1
		}
		return 0
	})
	return out
}

// Undo removes the user's most recently finished stroke still in history,
// which need not be the globally most recent one.
func (e *Engine) Undo(roomID, userID string) (Stroke, bool) {
	rs := e.lookup(roomID)
	if rs == nil {
		return Stroke{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i := len(rs.history) - 1; i >= 0; i-- {
		if rs.history[i].AuthorID != userID {
			continue
		}
		s := rs.history[i]
		rs.history = slices.Delete(rs.history, i, i+1)
		rs.redo[userID] = append(rs.redo[userID], s)
		return s.Clone(), true
	}
	return Stroke{}, false
}

// Redo restores the user's most recently undone stroke with a fresh order, so
// it always lands on top of the canvas.
func (e *Engine) Redo(roomID, userID string) (Stroke, bool) {
	rs := e.lookup(roomID)
	if rs == nil {
		return Stroke{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	stack := rs.redo[userID]
	if len(stack) == 0 {
		return Stroke{}, false
	}
	s := stack[len(stack)-1]
	stack[len(stack)-1] = Stroke{}
	if len(stack) == 1 {
		delete(rs.redo, userID)
	} else {
		rs.redo[userID] = stack[:len(stack)-1]
	}

	s.Order = rs.nextOrder()
	rs.push(s, e.historyCap)
	return s.Clone(), true
}

// ClearUserDrawings removes every finished stroke the user authored and
// empties their redo stack. Other authors' strokes keep their order.
func (e *Engine) ClearUserDrawings(roomID, userID string) ClearResult {
	rs := e.lookup(roomID)
	if rs == nil {
		return ClearResult{History: []Stroke{}}
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	before := len(rs.history)
	rs.history = slices.DeleteFunc(rs.history, func(s Stroke) bool {
		return s.AuthorID == userID
	})
	delete(rs.redo, userID)

	return ClearResult{
		RemovedCount: before - len(rs.history),
		History:      rs.sortedHistory(),
	}
}

// FinishPendingFor commits every stroke the user left pending, oldest first.
// It is the cleanup hook for an author who disconnects mid-stroke.
func (e *Engine) FinishPendingFor(roomID, userID string) []Stroke {
	rs := e.lookup(roomID)
	if rs == nil {
		return nil
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var mine []Stroke
	for _, s := range rs.pending {
		if s.AuthorID == userID {
			mine = append(mine, s)
		}
	}
	slices.SortFunc(mine, func(a, b Stroke) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	finished := make([]Stroke, 0, len(mine))
	for _, s := range mine {
		if f, ok := rs.finish(s.ID, e.historyCap); ok {
			finished = append(finished, f)
		}
	}
	return finished
}

// PendingAuthor reports who is drawing the given pending stroke
func (e *Engine) PendingAuthor(roomID, strokeID string) (string, bool) {
	rs := e.lookup(roomID)
	if rs == nil {
		return "", false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	s, ok := rs.pending[strokeID]
	return s.AuthorID, ok
}

// HasStroke reports whether the id is pending, in history or waiting on a
// redo stack
func (e *Engine) HasStroke(roomID, strokeID string) bool {
	rs := e.lookup(roomID)
	if rs == nil {
		return false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if _, ok := rs.pending[strokeID]; ok {
		return true
	}
	sameID := func(s Stroke) bool { return s.ID == strokeID }
	if slices.ContainsFunc(rs.history, sameID) {
		return true
	}
	for _, stack := range rs.redo {
		if slices.ContainsFunc(stack, sameID) {
			return true
		}
	}
	return false
}

func (e *Engine) PendingCount(roomID string) int {
	rs := e.lookup(roomID)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.pending)
}

// HistoryLen counts finished strokes without copying them
func (e *Engine) HistoryLen(roomID string) int {
	rs := e.lookup(roomID)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.history)
}

func (e *Engine) RedoDepth(roomID, userID string) int {
	rs := e.lookup(roomID)
	if rs == nil {
		return 0
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.redo[userID])
}
