package ws

import (
	"context"
	"testing"
)

func TestNewHub(t *testing.T) {
	h := NewHub()
	if h == nil {
		t.Fatal("expected hub")
	}
	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("expected 0 connections, got %d", got)
	}
}

func TestBroadcastNoConnections(t *testing.T) {
	h := NewHub()
	// Must not panic or block with zero subscribers.
	h.Broadcast(context.Background(), Message{Type: EventMissionStatus})
}

func TestBroadcastEventNoConnections(t *testing.T) {
	h := NewHub()
	h.BroadcastEvent(context.Background(), EventMissionStatus, MissionStatusEvent{
		MissionID: "m-1",
		Status:    "running",
		Priority:  "high",
		AgentID:   2,
	})
}

func TestBroadcastEventMarshalError(t *testing.T) {
	h := NewHub()
	// Channels cannot be marshaled; the event must be dropped without panic.
	h.BroadcastEvent(context.Background(), EventAgentStatus, make(chan int))
}

func TestRemoveNonexistent(t *testing.T) {
	h := NewHub()
	c := &conn{cancel: func() {}}
	h.remove(c)
	if got := h.ConnectionCount(); got != 0 {
		t.Fatalf("expected 0 connections, got %d", got)
	}
}
