package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	proto "github.com/manpreetbhatti/sketchroom/internal/sync"
)

func startServer(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := NewHub(canvas.NewEngine(), room.NewDirectory())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ proto.MessageType, data any) {
	t.Helper()
	frame, err := proto.Encode(typ, data)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
}

// readUntil skips frames until one of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ proto.MessageType) proto.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed waiting for %s: %v", typ, err)
		}
		var env proto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("Failed to decode frame: %v", err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func joinOver(t *testing.T, base, roomID, name string) (*websocket.Conn, proto.Joined) {
	t.Helper()
	conn := dial(t, base+"?room="+roomID+"&name="+name)
	joined := payload[proto.Joined](t, readUntil(t, conn, proto.MessageJoined))
	return conn, joined
}

func TestWebSocketDrawingSession(t *testing.T) {
	_, url := startServer(t)

	alice, aliceJoined := joinOver(t, url, "studio", "Alice")
	bob, _ := joinOver(t, url, "studio", "Bob")
	readUntil(t, alice, proto.MessageMemberJoined)

	send(t, alice, proto.MessageStrokeStart, map[string]any{
		"strokeId": "a-1",
		"point":    map[string]float64{"x": 1, "y": 1},
		"style":    map[string]any{"color": "#123456", "width": 4},
		"tool":     "brush",
	})
	send(t, alice, proto.MessageStrokePoint, map[string]any{"strokeId": "a-1", "point": map[string]float64{"x": 2, "y": 2}})
	send(t, alice, proto.MessageStrokeEnd, map[string]any{"strokeId": "a-1"})

	ended := payload[proto.StrokeEnded](t, readUntil(t, bob, proto.MessageStrokeEnd))
	if ended.StrokeID != "a-1" || ended.AuthorID != aliceJoined.UserID || ended.Order != 1 {
		t.Errorf("Unexpected stroke end %+v", ended)
	}

	_, carolJoined := joinOver(t, url, "studio", "Carol")
	if len(carolJoined.History) != 1 || len(carolJoined.History[0].Points) != 2 {
		t.Fatalf("Late joiner should see the finished stroke, got %+v", carolJoined.History)
	}
	if len(carolJoined.Members) != 3 {
		t.Errorf("Expected 3 members, got %d", len(carolJoined.Members))
	}

	send(t, alice, proto.MessageUndo, nil)
	for _, conn := range []*websocket.Conn{alice, bob} {
		sync := payload[proto.HistorySync](t, readUntil(t, conn, proto.MessageHistorySync))
		if sync.Action != proto.ActionUndo || len(sync.History) != 0 {
			t.Errorf("Unexpected history sync %+v", sync)
		}
	}
}

func TestWebSocketDisconnectMidStroke(t *testing.T) {
	hub, url := startServer(t)

	alice, aliceJoined := joinOver(t, url, "studio", "Alice")
	bob, _ := joinOver(t, url, "studio", "Bob")

	send(t, alice, proto.MessageStrokeStart, map[string]any{
		"strokeId": "a-1",
		"point":    map[string]float64{"x": 1, "y": 1},
		"style":    map[string]any{"color": "#123456", "width": 4},
	})
	readUntil(t, bob, proto.MessageStrokeStart)

	alice.Close()

	ended := payload[proto.StrokeEnded](t, readUntil(t, bob, proto.MessageStrokeEnd))
	if ended.StrokeID != "a-1" || ended.AuthorID != aliceJoined.UserID {
		t.Errorf("Unexpected stroke end %+v", ended)
	}
	left := payload[proto.MemberLeft](t, readUntil(t, bob, proto.MessageMemberLeft))
	if left.UserID != aliceJoined.UserID {
		t.Errorf("Expected alice to leave, got %+v", left)
	}

	snap, ok := hub.Snapshot("studio")
	if !ok || len(snap.History) != 1 || !snap.History[0].Completed {
		t.Errorf("Expected committed stroke in snapshot, got %+v", snap)
	}
}

func TestWebSocketInvalidFramesDropped(t *testing.T) {
	_, url := startServer(t)

	conn := dial(t, url)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	send(t, conn, proto.MessageUndo, nil)

	// Not joined yet, so the valid frame is answered with an error
	if msg := payload[proto.Error](t, readUntil(t, conn, proto.MessageError)); msg.Message == "" {
		t.Error("Expected an error message")
	}

	send(t, conn, proto.MessageJoin, map[string]string{"roomId": "studio", "displayName": "Dee"})
	readUntil(t, conn, proto.MessageJoined)

	send(t, conn, proto.MessageClearMine, nil)
	sync := payload[proto.HistorySync](t, readUntil(t, conn, proto.MessageHistorySync))
	if sync.Action != proto.ActionClear || sync.RemovedCount == nil || *sync.RemovedCount != 0 {
		t.Errorf("Unexpected clear sync %+v", sync)
	}
}

func TestServeWsRejectsLongRoomID(t *testing.T) {
	hub := NewHub(canvas.NewEngine(), room.NewDirectory())
	defer hub.cursors.Stop()

	req := httptest.NewRequest("GET", "/ws?room="+strings.Repeat("r", proto.MaxRoomIDLength+1), nil)
	w := httptest.NewRecorder()

	ServeWs(hub, w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}
