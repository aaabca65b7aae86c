package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/sketchroom/internal/canvas"
	"github.com/manpreetbhatti/sketchroom/internal/db"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	proto "github.com/manpreetbhatti/sketchroom/internal/sync"
	"github.com/manpreetbhatti/sketchroom/internal/ws"
)

type testAPI struct {
	*API
	database *db.Database
	handler  http.Handler
}

func setupTestAPI(t *testing.T) (*testAPI, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "sketchroom-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(canvas.NewEngine(), room.NewDirectory())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	api := New(hub, database)

	cleanup := func() {
		cancel()
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return &testAPI{API: api, database: database, handler: api.Router()}, cleanup
}

func (a *testAPI) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func TestHealthHandler(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	w := api.do(t, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if response := decode(t, w); response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	api.database.RecordEvent(db.Event{RoomID: "r", Kind: db.EventStroke})

	w := api.do(t, "GET", "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	for _, key := range []string{"active_rooms", "active_clients", "active_members", "active_strokes", "total_rooms", "total_events"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["total_strokes"] != float64(1) {
		t.Errorf("Expected 1 recorded stroke, got %v", response["total_strokes"])
	}
}

func TestCreateRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{"Create room with ID and name", `{"id":"test-room-1","name":"Test Room 1"}`, http.StatusCreated},
		{"Create room with only ID", `{"id":"test-room-2"}`, http.StatusCreated},
		{"Missing ID should fail", `{"name":"No ID Room"}`, http.StatusBadRequest},
		{"Malformed body should fail", `{"id":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, "POST", "/api/rooms", []byte(tt.body))
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}

	room, _ := api.database.GetRoom("test-room-1")
	if room == nil || room.Name != "Test Room 1" {
		t.Errorf("Expected ledger record, got %+v", room)
	}
}

func TestGetRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	roomID := "get-test-room"
	api.database.CreateRoom(roomID, "Get Test Room")
	api.database.RecordEvent(db.Event{RoomID: roomID, Kind: db.EventJoin})

	w := api.do(t, "GET", "/api/rooms/"+roomID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	response := decode(t, w)
	if response["id"] != roomID {
		t.Errorf("Expected room ID '%s', got '%v'", roomID, response["id"])
	}
	if response["name"] != "Get Test Room" {
		t.Errorf("Expected name, got '%v'", response["name"])
	}
	if response["event_count"] != float64(1) {
		t.Errorf("Expected 1 event, got %v", response["event_count"])
	}
	if response["active_users"] != float64(0) {
		t.Errorf("Expected no active users, got %v", response["active_users"])
	}
}

func TestGetRoomNotFound(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	if w := api.do(t, "GET", "/api/rooms/non-existent", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListRooms(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		api.database.CreateRoom("list-room-"+string(rune('a'+i)), "Room "+string(rune('A'+i)))
	}

	w := api.do(t, "GET", "/api/rooms", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	rooms, ok := decode(t, w)["rooms"].([]any)
	if !ok {
		t.Fatal("Response should contain 'rooms' array")
	}
	if len(rooms) != 5 {
		t.Errorf("Expected 5 rooms, got %d", len(rooms))
	}
}

func TestListRoomsPagination(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		api.database.CreateRoom("page-room-"+string(rune('a'+i)), "")
	}

	rooms := decode(t, api.do(t, "GET", "/api/rooms?limit=3", nil))["rooms"].([]any)
	if len(rooms) != 3 {
		t.Errorf("Expected 3 rooms with limit, got %d", len(rooms))
	}

	rooms = decode(t, api.do(t, "GET", "/api/rooms?limit=3&offset=8", nil))["rooms"].([]any)
	if len(rooms) != 2 {
		t.Errorf("Expected 2 rooms at the end, got %d", len(rooms))
	}

	response := decode(t, api.do(t, "GET", "/api/rooms?limit=1000&offset=-4", nil))
	if response["limit"] != float64(20) || response["offset"] != float64(0) {
		t.Errorf("Expected clamped pagination, got limit=%v offset=%v", response["limit"], response["offset"])
	}
}

func TestDeleteRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	roomID := "delete-test-room"
	api.database.RecordEvent(db.Event{RoomID: roomID, Kind: db.EventJoin})

	if w := api.do(t, "DELETE", "/api/rooms/"+roomID, nil); w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	room, _ := api.database.GetRoom(roomID)
	if room != nil {
		t.Error("Room should be deleted")
	}
	if count, _ := api.database.GetEventCount(roomID); count != 0 {
		t.Errorf("Events should be deleted, got %d", count)
	}

	if w := api.do(t, "DELETE", "/api/rooms/"+roomID, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 on second delete, got %d", w.Code)
	}
}

func TestRoomEvents(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	for _, kind := range []db.EventKind{db.EventJoin, db.EventStroke, db.EventUndo} {
		api.database.RecordEvent(db.Event{RoomID: "studio", Kind: kind, ActorID: "u1"})
	}

	response := decode(t, api.do(t, "GET", "/api/rooms/studio/events?limit=2", nil))
	events, ok := response["events"].([]any)
	if !ok {
		t.Fatal("Response should contain 'events' array")
	}
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if first := events[0].(map[string]any); first["kind"] != "undo" {
		t.Errorf("Expected newest event first, got %v", first["kind"])
	}

	response = decode(t, api.do(t, "GET", "/api/rooms/empty/events", nil))
	if events, ok := response["events"].([]any); !ok || len(events) != 0 {
		t.Errorf("Expected empty events array, got %v", response["events"])
	}
}

func TestCanvasNotActive(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	if w := api.do(t, "GET", "/api/rooms/nobody-here/canvas", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestCanvasOfLiveRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=studio&name=Ada"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	defer conn.Close()

	for _, frame := range []string{
		`{"type":"stroke-start","data":{"strokeId":"s1","point":{"x":1,"y":2},"style":{"color":"#000000","width":2}}}`,
		`{"type":"stroke-end","data":{"strokeId":"s1"}}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	var snap ws.RoomSnapshot
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		w := api.do(t, "GET", "/api/rooms/studio/canvas", nil)
		if w.Code == http.StatusOK {
			if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
				t.Fatalf("Failed to decode snapshot: %v", err)
			}
			if len(snap.History) == 1 {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(snap.History) != 1 || snap.History[0].ID != "s1" || snap.History[0].Order != 1 {
		t.Fatalf("Expected the finished stroke, got %+v", snap.History)
	}
	if len(snap.Members) != 1 || snap.Members[0].Name != "Ada" {
		t.Errorf("Expected Ada as the only member, got %+v", snap.Members)
	}

	response := decode(t, api.do(t, "GET", "/api/rooms/studio", nil))
	if response["active_users"] != float64(1) || response["stroke_count"] != float64(1) {
		t.Errorf("Unexpected live room %v", response)
	}

	if err := api.database.CreateRoom("studio", "Studio"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	if err := api.database.CreateRoom("empty", "Empty"); err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}
	var list struct {
		Rooms []RoomResponse `json:"rooms"`
	}
	if err := json.NewDecoder(api.do(t, "GET", "/api/rooms", nil).Body).Decode(&list); err != nil {
		t.Fatalf("Failed to decode rooms: %v", err)
	}
	counts := map[string]RoomResponse{}
	for _, r := range list.Rooms {
		counts[r.ID] = r
	}
	if r := counts["studio"]; r.ActiveUsers != 1 || r.StrokeCount != 1 {
		t.Errorf("Expected live counts for studio, got %+v", r)
	}
	if r := counts["empty"]; r.ActiveUsers != 0 || r.StrokeCount != 0 {
		t.Errorf("Expected an idle room, got %+v", r)
	}

	stats := decode(t, api.do(t, "GET", "/api/stats", nil))
	if stats["active_members"] != float64(1) || stats["active_strokes"] != float64(1) {
		t.Errorf("Unexpected live stats %v", stats)
	}
}

func TestRouting(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		method         string
		target         string
		expectedStatus int
	}{
		{"Unknown path", "GET", "/api/unknown", http.StatusNotFound},
		{"Wrong method", "PUT", "/api/rooms", http.StatusMethodNotAllowed},
		{"Preflight", "OPTIONS", "/api/rooms/x", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, tt.method, tt.target, nil)
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("CORS header missing")
			}
		})
	}
}

func TestWebSocketRouteRejectsBadRoom(t *testing.T) {
	api, cleanup := setupTestAPI(t)
	defer cleanup()

	target := "/ws?room=" + strings.Repeat("r", proto.MaxRoomIDLength+1)
	if w := api.do(t, "GET", target, nil); w.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", w.Code)
	}
}
