package notify

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/ratify/model"
)

func TestRedisStreamNotifier_appendsEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	n := NewRedisStreamNotifier(client, "approvals", 100)
	if err := n.Notify(ctx, testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	msgs, err := client.XRange(ctx, "approvals", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("stream length = %d, want 1", len(msgs))
	}
	vals := msgs[0].Values
	if vals["id"] != "wf-1-3" || vals["type"] != "stage_entered" {
		t.Errorf("values = %v", vals)
	}

	var got model.Notification
	payload, _ := vals["payload"].(string)
	if err := json.Unmarshal([]byte(payload), &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if got.Sequence != 3 || got.DocumentID != "inv-42" {
		t.Errorf("payload = %+v", got)
	}
}

func TestRedisStreamNotifier_unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	n := NewRedisStreamNotifier(client, "", 0)
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Error("Notify() = nil with redis down, want error")
	}
}
