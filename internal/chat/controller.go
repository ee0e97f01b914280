package chat

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/campuslink/chat-app/internal/audit"
	"github.com/campuslink/chat-app/internal/ban"
	"github.com/campuslink/chat-app/internal/metrics"
	"github.com/campuslink/chat-app/internal/moderation"
	"github.com/campuslink/chat-app/internal/presence"
	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/registry"
)

// Suspension notices shown to the kicked connection.
const (
	reasonFlagged = "Suspended for inappropriate language."
	reasonBlocked = "Your account has been suspended."
)

// banCheckTimeout bounds the ledger read on the send path.
const banCheckTimeout = 3 * time.Second

// banWriteTimeout bounds the durable ban write triggered by a reject. It is
// generous because the ledger retries transient failures internally.
const banWriteTimeout = 10 * time.Second

// FlaggedPublisher receives encoded flagged-message events for the audit
// trail. Implemented by messaging.NATSClient.
type FlaggedPublisher interface {
	PublishFlagged(data []byte) error
}

// Controller drives each inbound connection event through the moderated-send
// state machine: ban check, moderation gate, then broadcast, suspension, or
// drop. Per-connection ordering is guaranteed by the transport layer, which
// admits one frame per connection at a time — the gate call for message N
// finishes before message N+1 reaches the ban check.
type Controller struct {
	registry    *registry.Registry
	gate        *moderation.Gate
	ledger      *ban.Ledger
	broadcaster *Broadcaster
	transport   Transport
	buffer      *MessageBuffer

	flagged  FlaggedPublisher // optional audit channel
	presence *presence.Store  // optional presence tracking
}

// NewController wires the moderated-send pipeline.
func NewController(reg *registry.Registry, gate *moderation.Gate, ledger *ban.Ledger,
	broadcaster *Broadcaster, transport Transport) *Controller {
	return &Controller{
		registry:    reg,
		gate:        gate,
		ledger:      ledger,
		broadcaster: broadcaster,
		transport:   transport,
		buffer:      NewMessageBuffer(),
	}
}

// SetFlaggedPublisher attaches the audit event channel. Publishing is
// best-effort; ban enforcement never depends on it.
func (c *Controller) SetFlaggedPublisher(p FlaggedPublisher) {
	c.flagged = p
}

// SetPresence attaches the Redis presence tracker.
func (c *Controller) SetPresence(p *presence.Store) {
	c.presence = p
}

// HandleJoin subscribes the connection to a room. Joins never pass through
// the moderation gate.
func (c *Controller) HandleJoin(connID, room string) {
	if room == "" {
		c.sendError(connID, "invalid_room", "room name is empty")
		return
	}

	if err := c.registry.Join(connID, room); err != nil {
		log.Printf("chat: join %s -> %q: %v", connID, room, err)
		c.sendError(connID, "unknown_connection", "connection is not registered")
		return
	}

	if c.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), banCheckTimeout)
		if err := c.presence.SetRoom(ctx, connID, room); err != nil {
			log.Printf("chat: presence update for %s: %v", connID, err)
		}
		cancel()
	}

	metrics.RoomsTotal.Set(float64(c.registry.Rooms()))

	data, err := protocol.NewServerMessage(protocol.TypeRoomJoined, protocol.RoomJoinedMsg{Room: room})
	if err != nil {
		log.Printf("chat: failed to build room_joined for %s: %v", connID, err)
		return
	}
	if err := c.transport.Send(connID, data); err != nil {
		log.Printf("chat: failed to send room_joined to %s: %v", connID, err)
	}
}

// HandleSend runs one send through the state machine. The sender identity is
// whatever member the connection authenticated as; any identity claim inside
// the payload is ignored.
func (c *Controller) HandleSend(connID string, msg protocol.ChatMsg) {
	conn := c.registry.Get(connID)
	if conn == nil {
		log.Printf("chat: send from unknown connection %s", connID)
		return
	}

	room := msg.Room
	if room == "" {
		room = conn.Room
	}
	if room == "" {
		c.sendError(connID, "not_in_room", "join a room before sending")
		return
	}

	if err := protocol.ValidateText(msg.Text); err != nil {
		c.sendError(connID, "invalid_message", err.Error())
		return
	}

	// Ban check before every gate call. A member banned by a concurrent
	// evaluation on another connection is caught here on their next send,
	// closing the stale-connection window.
	checkCtx, cancel := context.WithTimeout(context.Background(), banCheckTimeout)
	banned, err := c.ledger.IsBanned(checkCtx, conn.MemberID)
	cancel()
	if err != nil {
		// Fail open, consistent with the gate: availability over strictness.
		log.Printf("chat: ban check for %s: %v", conn.MemberID, err)
		banned = false
	}
	if banned {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		log.Printf("chat: blocked send from banned member=%s conn=%s", conn.MemberID, connID)
		c.suspend(connID, reasonBlocked)
		return
	}

	start := time.Now()
	verdict := c.gate.Evaluate(context.Background(), msg.Text)
	metrics.GateLatency.Observe(time.Since(start).Seconds())

	switch verdict {
	case moderation.VerdictReject:
		c.flag(conn, room, msg)

	case moderation.VerdictGateFailure:
		if c.gate.FailClosed() {
			metrics.MessagesTotal.WithLabelValues("dropped").Inc()
			log.Printf("chat: gate failure, dropping message from %s (fail-closed)", conn.MemberID)
			return
		}
		// Fail open: deliver exactly as if the gate had allowed it.
		metrics.MessagesTotal.WithLabelValues("gate_failure").Inc()
		c.deliver(conn, room, msg)

	default:
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		c.deliver(conn, room, msg)
	}
}

// HandleDisconnect releases the connection's registry state. Idempotent, so
// racing cleanup paths are harmless.
func (c *Controller) HandleDisconnect(connID string) {
	c.registry.Unregister(connID)
	metrics.RoomsTotal.Set(float64(c.registry.Rooms()))
}

// deliver fans the accepted message out and records it in the room's recent
// buffer for audit context.
func (c *Controller) deliver(conn *registry.Connection, room string, msg protocol.ChatMsg) {
	m := Message{
		Room:       room,
		SenderID:   conn.MemberID,
		SenderName: conn.Name,
		Text:       msg.Text,
		Ts:         msg.Ts,
	}
	c.broadcaster.Publish(room, m)
	c.buffer.Add(room, BufferedMessage{From: conn.Name, Text: msg.Text, Ts: msg.Ts})
}

// flag handles a reject verdict: durable ban first, then audit, then the
// suspension notice and transport teardown. The ban write runs on its own
// context so a sender disconnecting mid-evaluation cannot escape it; the
// notice and kick simply have no recipient in that case. The message itself
// is never broadcast.
func (c *Controller) flag(conn *registry.Connection, room string, msg protocol.ChatMsg) {
	metrics.MessagesTotal.WithLabelValues("rejected").Inc()

	banCtx, cancel := context.WithTimeout(context.Background(), banWriteTimeout)
	if err := c.ledger.Ban(banCtx, conn.MemberID, reasonFlagged); err != nil {
		log.Printf("chat: ban write for %s: %v", conn.MemberID, err)
	} else {
		metrics.BansTotal.Inc()
	}
	cancel()

	c.publishFlagged(conn, room, msg)

	log.Printf("chat: member=%s suspended for flagged message in room=%s", conn.MemberID, room)
	c.suspend(conn.ID, reasonFlagged)
}

// publishFlagged emits the audit event with recent room context attached.
func (c *Controller) publishFlagged(conn *registry.Connection, room string, msg protocol.ChatMsg) {
	if c.flagged == nil {
		return
	}

	recent := c.buffer.Get(room)
	entries := make([]audit.ContextEntry, 0, len(recent))
	for _, b := range recent {
		entries = append(entries, audit.ContextEntry{From: b.From, Text: b.Text, Ts: b.Ts})
	}

	event := audit.FlaggedEvent{
		MemberID: conn.MemberID,
		Room:     room,
		Text:     msg.Text,
		Context:  entries,
		Ts:       time.Now().Unix(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("chat: marshal flagged event: %v", err)
		return
	}
	if err := c.flagged.PublishFlagged(data); err != nil {
		log.Printf("chat: publish flagged event: %v", err)
	}
}

// suspend sends the suspension notice to the connection alone and tears the
// transport session down. Both steps are best-effort: the connection may
// already be gone.
func (c *Controller) suspend(connID, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeSuspended, protocol.SuspendedMsg{Reason: reason})
	if err != nil {
		log.Printf("chat: failed to build suspension notice for %s: %v", connID, err)
	} else if err := c.transport.Send(connID, data); err != nil {
		log.Printf("chat: failed to send suspension notice to %s: %v", connID, err)
	}
	c.transport.Disconnect(connID)
}

// sendError sends a structured error message back to the client.
func (c *Controller) sendError(connID, code, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("chat: failed to build error message for %s: %v", connID, err)
		return
	}
	if err := c.transport.Send(connID, data); err != nil {
		log.Printf("chat: failed to send error message to %s: %v", connID, err)
	}
}
