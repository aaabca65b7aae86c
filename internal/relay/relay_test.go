package relay

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestChannel(t *testing.T) {
	if c := Channel("sketchroom", "lobby"); c != "sketchroom:lobby" {
		t.Errorf("Unexpected channel %s", c)
	}
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = Nop{}
	p.Publish("room", []byte("ignored"))
}

func TestRedisCloseWithUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := newRedis(client, "", 4)
	if r.prefix != DefaultPrefix {
		t.Errorf("Expected default prefix, got %s", r.prefix)
	}

	for i := 0; i < 10; i++ {
		r.Publish("room", []byte("frame"))
	}

	done := make(chan struct{})
	go func() {
		r.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close should drain the queue even when publishes fail")
	}

	r.Publish("room", []byte("after close"))
	if err := r.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}
}
