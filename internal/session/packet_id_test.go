package session

import (
	"testing"

	"github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/mqtt"
)

func TestPacketID(t *testing.T) {
	mgr := NewPacketIDs()

	id1, err := mgr.Acquire(mqtt.Message{Topic: "a"})
	if err != nil || id1 != 1 {
		t.Fatalf("Expected 1, got %d (%v)", id1, err)
	}

	id2, _ := mgr.Acquire(mqtt.Message{Topic: "b"})
	if id2 != 2 {
		t.Fatalf("Expected 2, got %d", id2)
	}

	msg, ok := mgr.Release(id1)
	if !ok || msg.Topic != "a" {
		t.Fatalf("Expected release of 1 to return message a, got %+v %v", msg, ok)
	}
	if _, ok := mgr.Release(id1); ok {
		t.Fatal("Expected second release to report false")
	}

	// wrap around skips zero and identifiers still in flight
	mgr.next = 65535
	id3, _ := mgr.Acquire(mqtt.Message{})
	if id3 != 65535 {
		t.Fatalf("Expected 65535, got %d", id3)
	}
	id4, _ := mgr.Acquire(mqtt.Message{})
	if id4 != 1 {
		t.Fatalf("Expected 1 after overflow, got %d", id4)
	}
	id5, _ := mgr.Acquire(mqtt.Message{})
	if id5 != 3 {
		t.Fatalf("Expected 3 since 2 is in flight, got %d", id5)
	}
	if mgr.InFlight() != 4 {
		t.Fatalf("Expected 4 in flight, got %d", mgr.InFlight())
	}
}

func TestPacketIDExhausted(t *testing.T) {
	mgr := NewPacketIDs()
	for i := 0; i < 65535; i++ {
		if _, err := mgr.Acquire(mqtt.Message{}); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if _, err := mgr.Acquire(mqtt.Message{}); err != ErrPacketIDsExhausted {
		t.Fatalf("Expected ErrPacketIDsExhausted, got %v", err)
	}
}
