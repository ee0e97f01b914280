// Package chat implements the moderated-send pipeline: the room broadcaster,
// the per-room recent-message buffer, and the connection controller that
// drives each inbound event through ban check, moderation gate, and fan-out.
package chat

// Message is the transient value carried through one gate-evaluate-broadcast
// cycle. It is never persisted by the core; it exists only between the
// moment a send arrives and the moment it is delivered or dropped.
type Message struct {
	Room       string
	SenderID   string // member id bound to the sending connection
	SenderName string // display name shown to recipients
	Text       string
	Ts         string // client-supplied display timestamp label, relayed verbatim
}
