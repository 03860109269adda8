package collaboration

import (
	"context"
	"testing"
	"time"

	"github.com/betomoedano/sketch-app/internal/models"
	"github.com/betomoedano/sketch-app/internal/pubsub"
)

func TestCursorColorIsStable(t *testing.T) {
	if cursorColor("alice") != cursorColor("alice") {
		t.Fatal("color changed between calls")
	}
	for _, id := range []string{"", "alice", "bob", "a-much-longer-client-id"} {
		c := cursorColor(id)
		if err := models.ValidateColor(c); err != nil {
			t.Fatalf("%q got invalid color %q: %v", id, c, err)
		}
	}
}

func TestPresenceIsPerCanvas(t *testing.T) {
	sm := NewSessionManager(nil, time.Minute)
	sm.updatePresence("one", models.Presence{ClientID: "a", Selected: "x"})
	sm.updatePresence("one", models.Presence{ClientID: "a", Selected: "y"})
	sm.updatePresence("two", models.Presence{ClientID: "b"})

	got := sm.Presence("one")
	if len(got) != 1 || got[0].Selected != "y" || got[0].Color == "" {
		t.Fatalf("unexpected presence %+v", got)
	}
	if len(sm.Presence("three")) != 0 {
		t.Fatal("presence leaked to another canvas")
	}
}

func TestShutdownStopsSubscription(t *testing.T) {
	hub := pubsub.NewLocal()
	sm := NewSessionManager(nil, time.Minute)
	if err := sm.Start(context.Background(), hub); err != nil {
		t.Fatal(err)
	}
	// No sessions: broadcasting must not block.
	hub.Publish(context.Background(), models.ChangeEvent{CanvasID: "c", Seq: 1})

	done := make(chan struct{})
	go func() {
		sm.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown hung")
	}

	// After shutdown, late broadcasts and unregisters return immediately.
	sm.Broadcast("c", []byte("x"), nil)
}
