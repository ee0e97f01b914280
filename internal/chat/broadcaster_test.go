package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/registry"
)

// failingTransport fails sends to specific connections while recording the rest.
type failingTransport struct {
	mu     sync.Mutex
	failed map[string]bool
	sent   map[string]int
}

func (t *failingTransport) Send(connID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed[connID] {
		return errors.New("connection gone")
	}
	t.sent[connID]++
	return nil
}

func (t *failingTransport) Disconnect(connID string) {}

func TestPublishReachesAllRoomMembers(t *testing.T) {
	reg := registry.New()
	transport := newMemTransport()
	b := NewBroadcaster(reg, transport)

	for _, c := range []struct{ conn, member, name, room string }{
		{"c1", "m1", "alice", "lounge"},
		{"c2", "m2", "bob", "lounge"},
		{"c3", "m3", "carol", "study"},
	} {
		if err := reg.Register(c.conn, c.member, c.name); err != nil {
			t.Fatalf("register %s: %v", c.conn, err)
		}
		if err := reg.Join(c.conn, c.room); err != nil {
			t.Fatalf("join %s: %v", c.conn, err)
		}
	}

	b.Publish("lounge", Message{Room: "lounge", SenderID: "m1", SenderName: "alice", Text: "hi", Ts: "1"})

	for _, connID := range []string{"c1", "c2"} {
		types := transport.types(t, connID)
		if len(types) != 1 || types[0] != protocol.TypeMessage {
			t.Errorf("%s: expected exactly one message frame, got %v", connID, types)
		}
	}
	if got := transport.types(t, "c3"); len(got) != 0 {
		t.Errorf("other room received frames: %v", got)
	}
}

func TestPublishEncodesSenderName(t *testing.T) {
	reg := registry.New()
	transport := newMemTransport()
	b := NewBroadcaster(reg, transport)

	if err := reg.Register("c1", "m1", "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Join("c1", "lounge"); err != nil {
		t.Fatalf("join: %v", err)
	}

	b.Publish("lounge", Message{Room: "lounge", SenderID: "m1", SenderName: "alice", Text: "hi", Ts: "09:15"})

	transport.mu.Lock()
	frame := transport.frames["c1"][0]
	transport.mu.Unlock()

	var msg protocol.ServerChatMsg
	if err := json.Unmarshal(frame, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.From != "alice" {
		t.Errorf("expected display name in from field, got %q", msg.From)
	}
	if msg.Ts != "09:15" {
		t.Errorf("timestamp must be relayed verbatim, got %q", msg.Ts)
	}
}

func TestPublishSkipsFailedRecipients(t *testing.T) {
	reg := registry.New()
	transport := &failingTransport{
		failed: map[string]bool{"c2": true},
		sent:   make(map[string]int),
	}
	b := NewBroadcaster(reg, transport)

	for _, connID := range []string{"c1", "c2", "c3"} {
		if err := reg.Register(connID, "m-"+connID, connID); err != nil {
			t.Fatalf("register %s: %v", connID, err)
		}
		if err := reg.Join(connID, "lounge"); err != nil {
			t.Fatalf("join %s: %v", connID, err)
		}
	}

	b.Publish("lounge", Message{Room: "lounge", SenderName: "alice", Text: "hi", Ts: "1"})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.sent["c1"] != 1 || transport.sent["c3"] != 1 {
		t.Errorf("delivery to healthy connections must survive a failed one: %v", transport.sent)
	}
}

func TestPublishEmptyRoom(t *testing.T) {
	reg := registry.New()
	transport := newMemTransport()
	b := NewBroadcaster(reg, transport)

	// No members, nothing sent, no panic.
	b.Publish("empty", Message{Room: "empty", Text: "hi"})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.frames) != 0 {
		t.Errorf("expected no frames, got %v", transport.frames)
	}
}
