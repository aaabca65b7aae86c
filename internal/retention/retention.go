package retention

import (
	"log/slog"
	"sync"
	"time"

	"github.com/manpreetbhatti/sketchroom/internal/db"
)

type Config struct {
	Interval       time.Duration
	EventThreshold int
	KeepRecent     int
}

func DefaultConfig() Config {
	return Config{
		Interval:       5 * time.Minute,
		EventThreshold: 1000,
		KeepRecent:     200,
	}
}

// Store is the slice of the ledger the service needs
type Store interface {
	ListRooms(limit, offset int) ([]db.Room, error)
	GetEventCount(roomID string) (int, error)
	DeleteOldEvents(roomID string, keepCount int) (int64, error)
}

// Service periodically trims each room's event log down to its most recent
// entries once it grows past the threshold.
type Service struct {
	store    Store
	config   Config
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store Store, config Config) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.KeepRecent < 0 {
		config.KeepRecent = 0
	}
	return &Service{
		store:  store,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	slog.Info("retention service started",
		"interval", s.config.Interval, "threshold", s.config.EventThreshold, "keep", s.config.KeepRecent)
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	slog.Info("retention service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.pruneAllRooms()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.pruneAllRooms()
		}
	}
}

const pageSize = 500

func (s *Service) pruneAllRooms() int {
	pruned := 0
	for offset := 0; ; offset += pageSize {
		rooms, err := s.store.ListRooms(pageSize, offset)
		if err != nil {
			slog.Error("retention: failed to list rooms", "err", err)
			return pruned
		}

		for _, room := range rooms {
			if !s.shouldPrune(room.ID) {
				continue
			}
			if _, err := s.PruneNow(room.ID); err != nil {
				slog.Error("retention: prune failed", "room", room.ID, "err", err)
			} else {
				pruned++
			}
		}

		if len(rooms) < pageSize {
			break
		}
	}

	if pruned > 0 {
		slog.Info("retention: pruned rooms", "count", pruned)
	}
	return pruned
}

func (s *Service) shouldPrune(roomID string) bool {
	count, err := s.store.GetEventCount(roomID)
	if err != nil {
		return false
	}
	return count >= s.config.EventThreshold
}

// PruneNow trims one room regardless of the threshold
func (s *Service) PruneNow(roomID string) (int64, error) {
	deleted, err := s.store.DeleteOldEvents(roomID, s.config.KeepRecent)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		slog.Debug("retention: pruned room", "room", roomID, "deleted", deleted, "kept", s.config.KeepRecent)
	}
	return deleted, nil
}
