package canvas

import "time"

// Point is a position on the canvas in client coordinates
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Tool string

const (
	ToolBrush Tool = "brush"

	// Paints the background color over earlier strokes; it never removes them
	ToolEraser Tool = "eraser"
)

func (t Tool) Valid() bool {
	return t == ToolBrush || t == ToolEraser
}

type Style struct {
	Color string  `json:"color"`
	Width float64 `json:"width"`
}

// The atomic drawable unit. Order is zero until the stroke is finished.
type Stroke struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"authorId"`
	AuthorName string    `json:"authorName,omitempty"`
	Points     []Point   `json:"points"`
	Style      Style     `json:"style"`
	Tool       Tool      `json:"tool"`
	Completed  bool      `json:"completed"`
	CreatedAt  time.Time `json:"createdAt"`
	Order      int64     `json:"order"`
}

// Clone returns a copy that shares no point storage with s
func (s Stroke) Clone() Stroke {
	c := s
	if s.Points != nil {
		c.Points = make([]Point, len(s.Points))
		copy(c.Points, s.Points)
	}
	return c
}

func cloneAll(strokes []Stroke) []Stroke {
	out := make([]Stroke, len(strokes))
	for i, s := range strokes {
		out[i] = s.Clone()
	}
	return out
}
