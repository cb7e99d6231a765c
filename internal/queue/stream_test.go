package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"nexuschat/internal/chat"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	q := NewStreamQueue(rdb, "nexuschat:turns", "workers", "w1", 50*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	if _, err := q.Enqueue(ctx, TurnJob{
		Source:         SourceAPI,
		Owner:          "alice",
		ConversationID: "c1",
		Prompt:         "hello",
		Files:          []chat.AttachedFile{{Name: "a.txt", Content: "x", MimeType: "text/plain"}},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "nexuschat:turns", Values: map[string]any{"payload": "{broken"}}).Err(); err != nil {
		t.Fatalf("xadd broken: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one decodable job, got %d", len(msgs))
	}
	job := msgs[0].Job
	if job.JobID == "" || job.EnqueuedAt.IsZero() || job.Owner != "alice" || len(job.Files) != 1 {
		t.Fatalf("unexpected job %#v", job)
	}
	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	n, err := rdb.XLen(ctx, "nexuschat:turns").Result()
	if err != nil || n != 0 {
		t.Fatalf("stream should be empty after ack, len=%d err=%v", n, err)
	}

	msgs, err = q.Read(ctx, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty read, got %d err=%v", len(msgs), err)
	}
}
