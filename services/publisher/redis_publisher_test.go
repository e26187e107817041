package publisher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()
	pub := NewRedisPublisher("localhost:6379", 0, "test_stream_revisions", 100)
	defer pub.Close()

	// Create a subscriber to verify the message was published
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   0,
	})
	defer client.Close()

	// Test if Redis is available
	_, err := client.Ping(ctx).Result()
	if err != nil {
		t.Skip("Redis is not available, skipping test")
	}

	err = client.XGroupCreateMkStream(ctx, "test_stream_revisions", "test_group", "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		panic(err)
	}

	messages := make(chan string, 1)

	go func() {
		message, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Streams:  []string{"test_stream_revisions", ">"},
			Group:    "test_group",
			Consumer: "test_consumer",
			Block:    0,
		}).Result()
		assert.NoError(t, err)
		messages <- message[0].Messages[0].Values[FieldRevision].(string)
	}()

	time.Sleep(100 * time.Millisecond)

	event := Event{Plan: "students", Date: "2024-01-08", Timestamp: 1704697380, Size: 2048}
	err = pub.PublishRevision(ctx, event)
	assert.NoError(t, err)

	select {
	case msg := <-messages:
		payload, err := base64.StdEncoding.DecodeString(msg)
		require.NoError(t, err)

		var got Event
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, event, got)
	case <-time.After(1 * time.Second):
		t.Error("Timed out waiting for message")
	}
}
