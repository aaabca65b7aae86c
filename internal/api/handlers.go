package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/manpreetbhatti/sketchroom/internal/db"
	"github.com/manpreetbhatti/sketchroom/internal/ws"
)

// Ledger is the slice of the activity database the API reads
type Ledger interface {
	CreateRoom(id, name string) error
	GetRoom(id string) (*db.Room, error)
	ListRooms(limit, offset int) ([]db.Room, error)
	DeleteRoom(id string) error
	ListEvents(roomID string, limit, offset int) ([]db.Event, error)
	GetEventCount(roomID string) (int, error)
	GetStats() (map[string]interface{}, error)
}

type API struct {
	hub    *ws.Hub
	ledger Ledger
}

func New(hub *ws.Hub, ledger Ledger) *API {
	return &API{
		hub:    hub,
		ledger: ledger,
	}
}

// Router serves the REST endpoints and the websocket upgrade
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(a.HealthHandler)
	r.Methods(http.MethodGet).Path("/api/stats").HandlerFunc(a.StatsHandler)
	r.Methods(http.MethodGet).Path("/api/rooms").HandlerFunc(a.ListRoomsHandler)
	r.Methods(http.MethodPost).Path("/api/rooms").HandlerFunc(a.CreateRoomHandler)
	r.Methods(http.MethodGet).Path("/api/rooms/{id}").HandlerFunc(a.GetRoomHandler)
	r.Methods(http.MethodDelete).Path("/api/rooms/{id}").HandlerFunc(a.DeleteRoomHandler)
	r.Methods(http.MethodGet).Path("/api/rooms/{id}/canvas").HandlerFunc(a.CanvasHandler)
	r.Methods(http.MethodGet).Path("/api/rooms/{id}/events").HandlerFunc(a.EventsHandler)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	return corsMiddleware(r)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		slog.Info("handled", "method", r.Method, "url", r.URL, "duration", m.Duration, "status", m.Code)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// pagination reads limit and offset, clamping limit to (0, max]
func pagination(r *http.Request, def, max int) (int, int) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > max {
		limit = def
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"active_members": a.hub.GetMemberCount(),
		"active_strokes": a.hub.GetStrokeCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.ledger != nil {
		dbStats, err := a.ledger.GetStats()
		if err != nil {
			slog.Warn("failed to read ledger stats", "err", err)
		} else {
			stats["total_rooms"] = dbStats["room_count"]
			stats["total_events"] = dbStats["event_count"]
			stats["total_strokes"] = dbStats["stroke_count"]
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	ActiveUsers int       `json:"active_users"`
	StrokeCount int       `json:"stroke_count"`
	EventCount  int       `json:"event_count,omitempty"`
}

type CreateRoomRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r, 20, 100)

	rooms, err := a.ledger.ListRooms(limit, offset)
	if err != nil {
		slog.Error("failed to list rooms", "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
		return
	}

	activeRooms := a.hub.GetActiveRooms()

	response := make([]RoomResponse, len(rooms))
	for i, room := range rooms {
		response[i] = RoomResponse{
			ID:          room.ID,
			Name:        room.Name,
			CreatedAt:   room.CreatedAt,
			UpdatedAt:   room.UpdatedAt,
			ActiveUsers: activeRooms[room.ID],
		}
		if activeRooms[room.ID] > 0 {
			response[i].StrokeCount = a.hub.RoomStrokeCount(room.ID)
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms":  response,
		"limit":  limit,
		"offset": offset,
	})
}

// CreateRoomHandler names a room ahead of anyone joining it
func (a *API) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" {
		errorResponse(w, http.StatusBadRequest, "Room ID is required")
		return
	}

	if err := a.ledger.CreateRoom(req.ID, req.Name); err != nil {
		slog.Error("failed to create room", "room", req.ID, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create room")
		return
	}

	jsonResponse(w, http.StatusCreated, RoomResponse{
		ID:        req.ID,
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, err := a.ledger.GetRoom(roomID)
	if err != nil {
		slog.Error("failed to get room", "room", roomID, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	snap, live := a.hub.Snapshot(roomID)
	if room == nil && !live {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	response := RoomResponse{
		ID:          roomID,
		ActiveUsers: len(snap.Members),
		StrokeCount: len(snap.History),
	}
	if room != nil {
		response.Name = room.Name
		response.CreatedAt = room.CreatedAt
		response.UpdatedAt = room.UpdatedAt
		response.EventCount, _ = a.ledger.GetEventCount(roomID)
	}

	jsonResponse(w, http.StatusOK, response)
}

// DeleteRoomHandler forgets the ledger record. A live room keeps drawing.
func (a *API) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	room, err := a.ledger.GetRoom(roomID)
	if err != nil {
		slog.Error("failed to get room", "room", roomID, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}
	if room == nil {
		errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	if err := a.ledger.DeleteRoom(roomID); err != nil {
		slog.Error("failed to delete room", "room", roomID, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete room")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Room deleted"})
}

// CanvasHandler returns the ordered history and members of a live room
func (a *API) CanvasHandler(w http.ResponseWriter, r *http.Request) {
	snap, ok := a.hub.Snapshot(mux.Vars(r)["id"])
	if !ok {
		errorResponse(w, http.StatusNotFound, "Room is not active")
		return
	}
	jsonResponse(w, http.StatusOK, snap)
}

func (a *API) EventsHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	limit, offset := pagination(r, 50, 500)

	events, err := a.ledger.ListEvents(roomID, limit, offset)
	if err != nil {
		slog.Error("failed to list events", "room", roomID, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if events == nil {
		events = []db.Event{}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"room_id": roomID,
		"events":  events,
		"limit":   limit,
		"offset":  offset,
	})
}
