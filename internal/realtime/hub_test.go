package realtime

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_AllEvents(t *testing.T) {
	h := testHub()
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: EventSubmission, Timestamp: time.Now()}
	if !h.shouldSend(client, event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		EventTypes: []EventType{EventSubmission},
	}}

	submission := &Event{Type: EventSubmission}
	rejection := &Event{Type: EventRejection}

	if !h.shouldSend(client, submission) {
		t.Error("Should receive submission events")
	}
	if h.shouldSend(client, rejection) {
		t.Error("Should NOT receive rejection events")
	}
}

func TestShouldSend_IdentityFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		Identities: []string{"0xplayer1"},
	}}

	matching := &Event{
		Type: EventSubmission,
		Data: map[string]interface{}{"identity": "0xplayer1", "score": float64(100)},
	}
	notMatching := &Event{
		Type: EventSubmission,
		Data: map[string]interface{}{"identity": "0xother", "score": float64(100)},
	}

	if !h.shouldSend(client, matching) {
		t.Error("Should match on identity")
	}
	if h.shouldSend(client, notMatching) {
		t.Error("Should NOT match unrelated identities")
	}
}

func TestShouldSend_MinScoreFilter(t *testing.T) {
	h := testHub()

	client := &Client{sub: Subscription{
		MinScore: 500,
	}}

	high := &Event{
		Type: EventSubmission,
		Data: map[string]interface{}{"identity": "0xplayer1", "score": float64(750)},
	}
	low := &Event{
		Type: EventSubmission,
		Data: map[string]interface{}{"identity": "0xplayer1", "score": float64(100)},
	}

	if !h.shouldSend(client, high) {
		t.Error("Should receive submissions at or above MinScore")
	}
	if h.shouldSend(client, low) {
		t.Error("Should NOT receive submissions below MinScore")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHubRegisterAndBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{AllEvents: true}}
	h.register <- client

	h.BroadcastSubmission(map[string]interface{}{
		"identity": "0xplayer1",
		"score":    float64(150),
	})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("empty broadcast payload")
		}
	case <-time.After(time.Second):
		t.Fatal("client never received broadcast")
	}

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}
}

func TestHubShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 4), sub: Subscription{AllEvents: true}}
	h.register <- client

	cancel()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected send channel closed on shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("send channel not closed on shutdown")
	}
}
