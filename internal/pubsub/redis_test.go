package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	publisher, err := NewRedisPublisher("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	return publisher, s
}

func TestChannelNames(t *testing.T) {
	if got := IssueChannel("iss_42"); got != "issues/iss_42" {
		t.Errorf("unexpected issue channel %q", got)
	}
	if got := UserNotificationChannel("carol"); got != "users/carol/notifications" {
		t.Errorf("unexpected notification channel %q", got)
	}
}

func TestPublishReachesSubscriber(t *testing.T) {
	publisher, s := setupTestPublisher(t)
	defer publisher.Close()
	defer s.Close()

	ctx := context.Background()
	sub := publisher.Subscribe(ctx, IssueChannel("iss_1"))
	defer sub.Close()

	// Wait for the subscription to be established before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	event := Event{
		Kind:    "issue_updated",
		Payload: map[string]any{"issueId": "iss_1"},
		At:      time.Now().UTC(),
	}
	if err := publisher.Publish(ctx, IssueChannel("iss_1"), event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if got.Kind != "issue_updated" {
			t.Errorf("expected kind issue_updated, got %s", got.Kind)
		}
		if got.Payload["issueId"] != "iss_1" {
			t.Errorf("expected issueId iss_1, got %v", got.Payload["issueId"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestPublishOrderWithinChannel(t *testing.T) {
	publisher, s := setupTestPublisher(t)
	defer publisher.Close()
	defer s.Close()

	ctx := context.Background()
	sub := publisher.Subscribe(ctx, IssueChannel("iss_2"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	kinds := []string{"comment_created", "comment_updated", "comment_deleted"}
	for _, kind := range kinds {
		if err := publisher.Publish(ctx, IssueChannel("iss_2"), Event{Kind: kind, At: time.Now()}); err != nil {
			t.Fatalf("Publish %s failed: %v", kind, err)
		}
	}

	for _, want := range kinds {
		select {
		case msg := <-sub.Channel():
			var got Event
			if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
				t.Fatalf("unmarshal event: %v", err)
			}
			if got.Kind != want {
				t.Errorf("expected kind %s, got %s", want, got.Kind)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPublishToClosedServerReturnsError(t *testing.T) {
	publisher, s := setupTestPublisher(t)
	defer publisher.Close()

	s.Close()

	err := publisher.Publish(context.Background(), IssueChannel("iss_3"), Event{Kind: "issue_updated"})
	if err == nil {
		t.Error("expected publish error after server close")
	}
}
