// Package relay mirrors outbound room broadcasts to external observers.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix = "sketchroom"

	queueSize      = 4096
	publishTimeout = 2 * time.Second
)

// Publisher receives every frame broadcast to a room, in broadcast order
type Publisher interface {
	Publish(roomID string, payload []byte)
}

// Nop discards everything
type Nop struct{}

func (Nop) Publish(string, []byte) {}

// Channel names the pub/sub channel carrying a room's broadcasts
func Channel(prefix, roomID string) string {
	return prefix + ":" + roomID
}

type message struct {
	channel string
	payload []byte
}

// Redis publishes broadcasts through Redis pub/sub from one goroutine, so
// callers never wait on the network and per-room order is kept.
type Redis struct {
	client *redis.Client
	prefix string
	queue  chan message
	closed bool
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

// NewRedis connects to addr and verifies the server answers
func NewRedis(ctx context.Context, addr, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return newRedis(client, prefix, queueSize), nil
}

func newRedis(client *redis.Client, prefix string, size int) *Redis {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	r := &Redis{
		client: client,
		prefix: prefix,
		queue:  make(chan message, size),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Redis) Publish(roomID string, payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return
	}
	select {
	case r.queue <- message{channel: Channel(r.prefix, roomID), payload: payload}:
	default:
		slog.Warn("relay queue full, dropping broadcast", "room", roomID)
	}
}

// Close drains queued broadcasts and closes the client
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}

func (r *Redis) run() {
	defer r.wg.Done()

	for msg := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := r.client.Publish(ctx, msg.channel, msg.payload).Err(); err != nil {
			slog.Error("relay publish failed", "channel", msg.channel, "err", err)
		}
		cancel()
	}
}
