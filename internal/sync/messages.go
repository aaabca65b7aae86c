package sync

import (
	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/room"
)

type HistoryAction string

const (
	ActionUndo  HistoryAction = "undo"
	ActionRedo  HistoryAction = "redo"
	ActionClear HistoryAction = "clear"
)

// Sent only to the member who joined
type Joined struct {
	RoomID  string          `json:"roomId"`
	UserID  string          `json:"userId"`
	User    room.Member     `json:"user"`
	Members []room.Member   `json:"members"`
	History []canvas.Stroke `json:"history"`
}

type MemberJoined struct {
	Member  room.Member   `json:"member"`
	Members []room.Member `json:"members"`
}

type MemberLeft struct {
	UserID      string        `json:"userId"`
	DisplayName string        `json:"displayName"`
	Members     []room.Member `json:"members"`
}

type StrokeStarted struct {
	Stroke canvas.Stroke `json:"stroke"`
}

type StrokePointAdded struct {
	StrokeID string       `json:"strokeId"`
	Point    canvas.Point `json:"point"`
	AuthorID string       `json:"authorId"`
}

type StrokeEnded struct {
	StrokeID string `json:"strokeId"`
	AuthorID string `json:"authorId"`
	Order    int64  `json:"order"`
}

type CursorUpdate struct {
	UserID      string       `json:"userId"`
	Point       canvas.Point `json:"point"`
	DisplayName string       `json:"displayName"`
	Color       string       `json:"color"`
	IsDrawing   bool         `json:"isDrawing"`
}

// Point is nil when the member stopped drawing
type DrawingState struct {
	UserID      string        `json:"userId"`
	DisplayName string        `json:"displayName"`
	Color       string        `json:"color"`
	IsDrawing   bool          `json:"isDrawing"`
	Point       *canvas.Point `json:"point"`
}

// Full redraw payload sent to the whole room, actor included
type HistorySync struct {
	History      []canvas.Stroke `json:"history"`
	Action       HistoryAction   `json:"action"`
	ActorID      string          `json:"actorId"`
	ActorName    string          `json:"actorName"`
	RemovedCount *int            `json:"removedCount,omitempty"`
}

type Error struct {
	Message string `json:"message"`
}
