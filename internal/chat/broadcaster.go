package chat

import (
	"log"

	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/registry"
)

// Transport is the connection-facing surface the chat layer writes through.
// Implemented by the WebSocket server.
type Transport interface {
	// Send writes a frame to the identified connection. A failure concerns
	// only that connection.
	Send(connID string, data []byte) error

	// Disconnect tears down the identified connection's transport session.
	// Unknown connections are a no-op.
	Disconnect(connID string)
}

// Broadcaster fans an accepted message out to every connection subscribed
// to its room at publish time.
type Broadcaster struct {
	registry  *registry.Registry
	transport Transport
}

// NewBroadcaster creates a Broadcaster over the given registry and transport.
func NewBroadcaster(reg *registry.Registry, transport Transport) *Broadcaster {
	return &Broadcaster{registry: reg, transport: transport}
}

// Publish delivers msg to exactly the membership snapshot taken at
// invocation time. Delivery is best-effort per recipient: a connection that
// disconnected between snapshot and write is logged and skipped, never
// surfaced to the publisher, and never aborts delivery to the others.
func (b *Broadcaster) Publish(room string, msg Message) {
	data, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		Room: msg.Room,
		From: msg.SenderName,
		Text: msg.Text,
		Ts:   msg.Ts,
	})
	if err != nil {
		log.Printf("chat: failed to encode broadcast for room %s: %v", room, err)
		return
	}

	for _, connID := range b.registry.MembersOf(room) {
		if err := b.transport.Send(connID, data); err != nil {
			log.Printf("chat: deliver to %s failed: %v", connID, err)
		}
	}
}
