// Package sync defines the message vocabulary exchanged between canvas
// clients and the server. Each websocket text frame carries one envelope:
//
//	{"type": "stroke-point", "data": {"strokeId": "...", "point": {"x": 1, "y": 2}}}
//
// Inbound kinds decode into a closed set of types; anything else is rejected.
package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
)

// Represents the kind of a protocol message
type MessageType string

// Inbound (client to server)
const (
	MessageJoin        MessageType = "join"
	MessageStrokeStart MessageType = "stroke-start"
	MessageStrokePoint MessageType = "stroke-point"
	MessageStrokeEnd   MessageType = "stroke-end"
	MessageCursorMove  MessageType = "cursor-move"
	MessageUndo        MessageType = "undo"
	MessageRedo        MessageType = "redo"
	MessageClearMine   MessageType = "clear-mine"
)

// Outbound (server to clients). Stroke lifecycle broadcasts reuse the
// inbound stroke-start, stroke-point and stroke-end names.
const (
	MessageJoined       MessageType = "joined"
	MessageMemberJoined MessageType = "member-joined"
	MessageMemberLeft   MessageType = "member-left"
	MessageCursorUpdate MessageType = "cursor-update"
	MessageDrawingState MessageType = "drawing-state"
	MessageHistorySync  MessageType = "history-sync"
	MessageError        MessageType = "error"
)

const (
	DefaultRoomID = "default"

	MaxRoomIDLength   = 64
	MaxStrokeIDLength = 128
	MaxNameLength     = 32
	MaxStrokeWidth    = 200

	// Eraser strokes paint this when the client sends no color
	BackgroundColor = "#ffffff"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidPayload = errors.New("invalid payload")
)

type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound is implemented only by the intent types of this package
type Inbound interface {
	Type() MessageType
	inbound()
}

type Join struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

type StrokeStart struct {
	StrokeID string       `json:"strokeId"`
	Point    canvas.Point `json:"point"`
	Style    canvas.Style `json:"style"`
	Tool     canvas.Tool  `json:"tool"`
}

type StrokePoint struct {
	StrokeID string       `json:"strokeId"`
	Point    canvas.Point `json:"point"`
}

type StrokeEnd struct {
	StrokeID string `json:"strokeId"`
}

type CursorMove struct {
	Point canvas.Point `json:"point"`
}

type Undo struct{}

type Redo struct{}

type ClearMine struct{}

func (*Join) Type() MessageType        { return MessageJoin }
func (*StrokeStart) Type() MessageType { return MessageStrokeStart }
func (*StrokePoint) Type() MessageType { return MessageStrokePoint }
func (*StrokeEnd) Type() MessageType   { return MessageStrokeEnd }
func (*CursorMove) Type() MessageType  { return MessageCursorMove }
func (*Undo) Type() MessageType        { return MessageUndo }
func (*Redo) Type() MessageType        { return MessageRedo }
func (*ClearMine) Type() MessageType   { return MessageClearMine }

func (*Join) inbound()        {}
func (*StrokeStart) inbound() {}
func (*StrokePoint) inbound() {}
func (*StrokeEnd) inbound()   {}
func (*CursorMove) inbound()  {}
func (*Undo) inbound()        {}
func (*Redo) inbound()        {}
func (*ClearMine) inbound()   {}

// Decode parses and validates one inbound frame
func Decode(data []byte) (Inbound, error) {
	if len(data) == 0 {
		return nil, ErrEmptyMessage
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var msg Inbound
	switch env.Type {
	case MessageJoin:
		msg = &Join{}
	case MessageStrokeStart:
		msg = &StrokeStart{}
	case MessageStrokePoint:
		msg = &StrokePoint{}
	case MessageStrokeEnd:
		msg = &StrokeEnd{}
	case MessageCursorMove:
		msg = &CursorMove{}
	case MessageUndo:
		return &Undo{}, nil
	case MessageRedo:
		return &Redo{}, nil
	case MessageClearMine:
		return &ClearMine{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s requires data", ErrInvalidPayload, env.Type)
	}
	if err := json.Unmarshal(env.Data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, env.Type, err)
	}
	return msg, nil
}

// NewJoin builds a join intent with the same normalization as a decoded one
func NewJoin(roomID, displayName string) (*Join, error) {
	j := &Join{RoomID: roomID, DisplayName: displayName}
	if err := validate(j); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, MessageJoin, err)
	}
	return j, nil
}

func validate(msg Inbound) error {
	switch m := msg.(type) {
	case *Join:
		m.RoomID = strings.TrimSpace(m.RoomID)
		if m.RoomID == "" {
			m.RoomID = DefaultRoomID
		}
		if len(m.RoomID) > MaxRoomIDLength {
			return fmt.Errorf("room id longer than %d bytes", MaxRoomIDLength)
		}
		m.DisplayName = truncateRunes(strings.TrimSpace(m.DisplayName), MaxNameLength)
	case *StrokeStart:
		if err := validateStrokeID(m.StrokeID); err != nil {
			return err
		}
		if err := validatePoint(m.Point); err != nil {
			return err
		}
		if m.Tool == "" {
			m.Tool = canvas.ToolBrush
		}
		if !m.Tool.Valid() {
			return fmt.Errorf("unknown tool %q", m.Tool)
		}
		if m.Style.Width <= 0 || m.Style.Width > MaxStrokeWidth || math.IsNaN(m.Style.Width) {
			return fmt.Errorf("width %v outside (0, %d]", m.Style.Width, MaxStrokeWidth)
		}
		if m.Style.Color == "" {
			if m.Tool != canvas.ToolEraser {
				return errors.New("color is required")
			}
			m.Style.Color = BackgroundColor
		}
	case *StrokePoint:
		if err := validateStrokeID(m.StrokeID); err != nil {
			return err
		}
		return validatePoint(m.Point)
	case *StrokeEnd:
		return validateStrokeID(m.StrokeID)
	case *CursorMove:
		return validatePoint(m.Point)
	}
	return nil
}

func validateStrokeID(id string) error {
	if id == "" {
		return errors.New("stroke id is required")
	}
	if len(id) > MaxStrokeIDLength {
		return fmt.Errorf("stroke id longer than %d bytes", MaxStrokeIDLength)
	}
	return nil
}

func validatePoint(p canvas.Point) error {
	for _, v := range []float64{p.X, p.Y} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("point is not finite")
		}
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Encode wraps an outbound payload in an envelope
func Encode(t MessageType, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// NewStrokeID builds an id unique per author across reconnects: the author,
// a per-author counter and the creation time in milliseconds.
func NewStrokeID(authorID string, seq uint64, at time.Time) string {
	return fmt.Sprintf("%s-%d-%d", authorID, seq, at.UnixMilli())
}
