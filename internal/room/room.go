package room

import (
	"math/rand"
	"sync"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
)

// Colors handed out to members, first unused one wins
var Palette = []string{
	"#e74c3c", "#3498db", "#2ecc71", "#f39c12", "#9b59b6",
	"#1abc9c", "#e91e63", "#00bcd4", "#ff5722", "#607d8b",
}

// A user present in a room
type Member struct {
	ID        string       `json:"id"`
	Name      string       `json:"displayName"`
	Color     string       `json:"color"`
	Cursor    canvas.Point `json:"cursor"`
	IsDrawing bool         `json:"isDrawing"`
	JoinedAt  time.Time    `json:"joinedAt"`
}

// Tracks who occupies which room. It holds no drawing state.
type Directory struct {
	rooms map[string]map[string]*Member
	rand  func(n int) int
	mu    sync.RWMutex
}

func NewDirectory() *Directory {
	return &Directory{
		rooms: make(map[string]map[string]*Member),
		rand:  rand.Intn,
	}
}

// Creates empty membership if the room has none
func (d *Directory) EnsureRoom(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ensure(roomID)
}

func (d *Directory) ensure(roomID string) map[string]*Member {
	members, ok := d.rooms[roomID]
	if !ok {
		members = make(map[string]*Member)
		d.rooms[roomID] = members
	}
	return members
}

// Inserts or overwrites the member and returns the room's members
func (d *Directory) AddUser(roomID string, m Member) []Member {
	d.mu.Lock()
	defer d.mu.Unlock()

	members := d.ensure(roomID)
	stored := m
	members[m.ID] = &stored
	return snapshot(members)
}

// Removes the member and returns how many remain. An emptied room is
// forgotten.
func (d *Directory) RemoveUser(roomID, userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	members, ok := d.rooms[roomID]
	if !ok {
		return 0
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(d.rooms, roomID)
	}
	return len(members)
}

// Members in no particular order
func (d *Directory) ListUsers(roomID string) []Member {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return snapshot(d.rooms[roomID])
}

func (d *Directory) Member(roomID, userID string) (Member, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	m, ok := d.rooms[roomID][userID]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

func (d *Directory) UpdateCursor(roomID, userID string, p canvas.Point) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.rooms[roomID][userID]; ok {
		m.Cursor = p
	}
}

func (d *Directory) UpdateDrawingFlag(roomID, userID string, drawing bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if m, ok := d.rooms[roomID][userID]; ok {
		m.IsDrawing = drawing
	}
}

// AssignColor picks the first palette color nobody in the room uses, or a
// random palette entry once all are taken.
func (d *Directory) AssignColor(roomID string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	used := make(map[string]bool)
	for _, m := range d.rooms[roomID] {
		used[m.Color] = true
	}
	for _, c := range Palette {
		if !used[c] {
			return c
		}
	}
	return Palette[d.rand(len(Palette))]
}

func (d *Directory) RoomCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func (d *Directory) MemberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	total := 0
	for _, members := range d.rooms {
		total += len(members)
	}
	return total
}

// Room ID to member count for every occupied room
func (d *Directory) ActiveRooms() map[string]int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string]int, len(d.rooms))
	for id, members := range d.rooms {
		result[id] = len(members)
	}
	return result
}

func snapshot(members map[string]*Member) []Member {
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, *m)
	}
	return out
}
