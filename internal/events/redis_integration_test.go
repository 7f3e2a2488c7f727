package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisBridgeForwardsBetweenInstances(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	channel := "testswarm:test:" + time.Now().UTC().Format("150405.000000000")
	sender := NewRedisBridge(client, channel, NewBus(nil, nil), nil)
	receiverBus := NewBus(nil, nil)
	receiver := NewRedisBridge(client, channel, receiverBus, nil)

	received, unsubscribe := receiverBus.Subscribe(4)
	defer unsubscribe()

	go func() { _ = receiver.Run(ctx) }()
	time.Sleep(200 * time.Millisecond)

	if err := sender.Publish(ctx, New(JobComplete, "job-42", "", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case ev := <-received:
		if ev.Name != JobComplete || ev.JobID != "job-42" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for bridged event")
	}
}
