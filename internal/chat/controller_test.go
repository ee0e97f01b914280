package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campuslink/chat-app/internal/audit"
	"github.com/campuslink/chat-app/internal/ban"
	"github.com/campuslink/chat-app/internal/moderation"
	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/registry"
)

// memTransport records frames and disconnects in memory.
type memTransport struct {
	mu          sync.Mutex
	frames      map[string][][]byte
	disconnects []string
}

func newMemTransport() *memTransport {
	return &memTransport{frames: make(map[string][][]byte)}
}

func (t *memTransport) Send(connID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames[connID] = append(t.frames[connID], data)
	return nil
}

func (t *memTransport) Disconnect(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects = append(t.disconnects, connID)
}

// types returns the "type" field of every frame sent to connID, in order.
func (t *memTransport) types(tb testing.TB, connID string) []string {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	for _, data := range t.frames[connID] {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			tb.Fatalf("undecodable frame for %s: %v", connID, err)
		}
		out = append(out, env.Type)
	}
	return out
}

func (t *memTransport) disconnected(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.disconnects {
		if id == connID {
			return true
		}
	}
	return false
}

// memFlags is an in-memory stand-in for the durable member store.
type memFlags struct {
	mu     sync.Mutex
	banned map[string]bool
	checks int
}

func newMemFlags(members ...string) *memFlags {
	f := &memFlags{banned: make(map[string]bool)}
	for _, m := range members {
		f.banned[m] = false
	}
	return f
}

func (f *memFlags) IsBanned(_ context.Context, memberID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.banned[memberID], nil
}

func (f *memFlags) SetBanned(_ context.Context, memberID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banned[memberID] = true
	return nil
}

func (f *memFlags) isBanned(memberID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.banned[memberID]
}

// scriptedClassifier returns a fixed result or error and counts calls.
// Per-call latencies can be scripted through delays, indexed by call order.
type scriptedClassifier struct {
	result moderation.Result
	err    error
	delays []time.Duration
	calls  int32
}

func (c *scriptedClassifier) Classify(_ context.Context, _ string) (moderation.Result, error) {
	n := atomic.AddInt32(&c.calls, 1)
	if int(n) <= len(c.delays) {
		time.Sleep(c.delays[n-1])
	}
	return c.result, c.err
}

// memPublisher captures flagged audit events.
type memPublisher struct {
	mu     sync.Mutex
	events [][]byte
}

func (p *memPublisher) PublishFlagged(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, data)
	return nil
}

type fixture struct {
	registry   *registry.Registry
	transport  *memTransport
	flags      *memFlags
	classifier *scriptedClassifier
	publisher  *memPublisher
	controller *Controller
}

func newFixture(t *testing.T, failClosed bool) *fixture {
	t.Helper()

	f := &fixture{
		registry:   registry.New(),
		transport:  newMemTransport(),
		flags:      newMemFlags(),
		classifier: &scriptedClassifier{},
		publisher:  &memPublisher{},
	}

	gate := moderation.NewGate(f.classifier, moderation.GateConfig{
		Timeout:    time.Second,
		FailClosed: failClosed,
	})
	ledger := ban.NewLedger(f.flags, nil)
	broadcaster := NewBroadcaster(f.registry, f.transport)

	f.controller = NewController(f.registry, gate, ledger, broadcaster, f.transport)
	f.controller.SetFlaggedPublisher(f.publisher)
	return f
}

// join registers a connection and subscribes it to a room, consuming the ack.
func (f *fixture) join(t *testing.T, connID, memberID, name, room string) {
	t.Helper()
	if err := f.registry.Register(connID, memberID, name); err != nil {
		t.Fatalf("register %s: %v", connID, err)
	}
	f.controller.HandleJoin(connID, room)

	got := f.transport.types(t, connID)
	if len(got) == 0 || got[len(got)-1] != protocol.TypeRoomJoined {
		t.Fatalf("expected room_joined ack for %s, got %v", connID, got)
	}
}

func TestSendAllowedBroadcastsToRoom(t *testing.T) {
	f := newFixture(t, false)
	f.join(t, "c1", "m1", "alice", "lounge")
	f.join(t, "c2", "m2", "bob", "lounge")
	f.join(t, "c3", "m3", "carol", "study")

	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "hello", Ts: "10:00"})

	for _, connID := range []string{"c1", "c2"} {
		types := f.transport.types(t, connID)
		if types[len(types)-1] != protocol.TypeMessage {
			t.Errorf("%s: expected message frame, got %v", connID, types)
		}
	}

	// A member of a different room never sees it.
	for _, ft := range f.transport.types(t, "c3") {
		if ft == protocol.TypeMessage {
			t.Error("study room member received lounge message")
		}
	}

	if f.flags.isBanned("m1") {
		t.Error("allowed message must not ban the sender")
	}

	// The delivered payload relays the client timestamp and display name.
	f.transport.mu.Lock()
	last := f.transport.frames["c2"][len(f.transport.frames["c2"])-1]
	f.transport.mu.Unlock()
	var msg protocol.ServerChatMsg
	if err := json.Unmarshal(last, &msg); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if msg.From != "alice" || msg.Text != "hello" || msg.Ts != "10:00" || msg.Room != "lounge" {
		t.Errorf("unexpected broadcast payload: %+v", msg)
	}
}

func TestSendOrderPreservedPerConnection(t *testing.T) {
	f := newFixture(t, false)
	// The earliest messages take longest to classify. If moderation latency
	// could reorder delivery, the later, faster messages would overtake them.
	f.classifier.delays = []time.Duration{
		40 * time.Millisecond,
		20 * time.Millisecond,
		5 * time.Millisecond,
	}

	f.join(t, "c1", "m1", "alice", "lounge")
	f.join(t, "c2", "m2", "bob", "lounge")

	texts := []string{"first", "second", "third", "fourth"}
	for i, text := range texts {
		f.controller.HandleSend("c1", protocol.ChatMsg{
			Room: "lounge",
			Text: text,
			Ts:   fmt.Sprintf("%d", i),
		})
	}

	f.transport.mu.Lock()
	frames := append([][]byte(nil), f.transport.frames["c2"]...)
	f.transport.mu.Unlock()

	var got []string
	for _, data := range frames {
		var msg protocol.ServerChatMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		if msg.Type == protocol.TypeMessage {
			got = append(got, msg.Text)
		}
	}

	if len(got) != len(texts) {
		t.Fatalf("recipient saw %d messages %v, want %d", len(got), got, len(texts))
	}
	for i := range texts {
		if got[i] != texts[i] {
			t.Fatalf("delivery order %v, want %v", got, texts)
		}
	}
}

func TestSendRejectedBansAndSuspends(t *testing.T) {
	f := newFixture(t, false)
	f.classifier.result = moderation.Result{Disallowed: true, RawLabel: "YES"}

	f.join(t, "c1", "m1", "alice", "lounge")
	f.join(t, "c2", "m2", "bob", "lounge")

	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "offensive", Ts: "1"})

	if !f.flags.isBanned("m1") {
		t.Fatal("rejected message must ban the sender")
	}

	types := f.transport.types(t, "c1")
	if types[len(types)-1] != protocol.TypeSuspended {
		t.Errorf("expected suspended notice to sender, got %v", types)
	}
	if !f.transport.disconnected("c1") {
		t.Error("sender connection must be torn down")
	}

	// The flagged text is never broadcast, and the other member sees nothing.
	for _, ft := range f.transport.types(t, "c2") {
		if ft == protocol.TypeMessage || ft == protocol.TypeSuspended {
			t.Errorf("room member received %s for a rejected message", ft)
		}
	}

	// The audit channel received the event.
	f.publisher.mu.Lock()
	events := len(f.publisher.events)
	var event audit.FlaggedEvent
	if events > 0 {
		if err := json.Unmarshal(f.publisher.events[0], &event); err != nil {
			t.Fatalf("unmarshal flagged event: %v", err)
		}
	}
	f.publisher.mu.Unlock()
	if events != 1 {
		t.Fatalf("expected 1 flagged event, got %d", events)
	}
	if event.MemberID != "m1" || event.Room != "lounge" || event.Text != "offensive" {
		t.Errorf("unexpected flagged event: %+v", event)
	}
}

func TestSendGateFailureFailOpen(t *testing.T) {
	f := newFixture(t, false)
	f.classifier.err = errors.New("upstream unavailable")

	f.join(t, "c1", "m1", "alice", "lounge")
	f.join(t, "c2", "m2", "bob", "lounge")

	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "hello", Ts: "1"})

	types := f.transport.types(t, "c2")
	if types[len(types)-1] != protocol.TypeMessage {
		t.Errorf("fail-open must deliver on gate failure, got %v", types)
	}
	if f.flags.isBanned("m1") {
		t.Error("gate failure must never ban the sender")
	}
	if f.transport.disconnected("c1") {
		t.Error("gate failure must not disconnect the sender")
	}
}

func TestSendGateFailureFailClosed(t *testing.T) {
	f := newFixture(t, true)
	f.classifier.err = errors.New("upstream unavailable")

	f.join(t, "c1", "m1", "alice", "lounge")
	f.join(t, "c2", "m2", "bob", "lounge")

	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "hello", Ts: "1"})

	for _, ft := range f.transport.types(t, "c2") {
		if ft == protocol.TypeMessage {
			t.Error("fail-closed must drop the message on gate failure")
		}
	}
	// Dropped, not punished: no ban, no suspension, connection stays up.
	if f.flags.isBanned("m1") {
		t.Error("gate failure must never ban the sender")
	}
	if f.transport.disconnected("c1") {
		t.Error("fail-closed drop must not disconnect the sender")
	}
}

func TestSendFromBannedMemberBlockedWithoutGateCall(t *testing.T) {
	f := newFixture(t, false)
	f.join(t, "c1", "m1", "alice", "lounge")
	f.flags.SetBanned(context.Background(), "m1")

	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "hello", Ts: "1"})

	types := f.transport.types(t, "c1")
	if types[len(types)-1] != protocol.TypeSuspended {
		t.Errorf("expected suspended notice, got %v", types)
	}
	if !f.transport.disconnected("c1") {
		t.Error("banned sender connection must be torn down")
	}
	if atomic.LoadInt32(&f.classifier.calls) != 0 {
		t.Error("banned member's message must not reach the classifier")
	}
}

func TestSendWithoutRoom(t *testing.T) {
	f := newFixture(t, false)
	if err := f.registry.Register("c1", "m1", "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	f.controller.HandleSend("c1", protocol.ChatMsg{Text: "hello", Ts: "1"})

	types := f.transport.types(t, "c1")
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("expected error frame, got %v", types)
	}
	if atomic.LoadInt32(&f.classifier.calls) != 0 {
		t.Error("message without a room must not reach the classifier")
	}
}

func TestSendOversizedText(t *testing.T) {
	f := newFixture(t, false)
	f.join(t, "c1", "m1", "alice", "lounge")

	big := make([]byte, protocol.MaxMessageBytes+1)
	for i := range big {
		big[i] = 'a'
	}
	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: string(big), Ts: "1"})

	types := f.transport.types(t, "c1")
	if types[len(types)-1] != protocol.TypeError {
		t.Errorf("expected error frame for oversized text, got %v", types)
	}
	if atomic.LoadInt32(&f.classifier.calls) != 0 {
		t.Error("invalid message must not reach the classifier")
	}
}

func TestJoinEmptyRoom(t *testing.T) {
	f := newFixture(t, false)
	if err := f.registry.Register("c1", "m1", "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}

	f.controller.HandleJoin("c1", "")

	types := f.transport.types(t, "c1")
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("expected error frame, got %v", types)
	}
}

func TestJoinUnknownConnection(t *testing.T) {
	f := newFixture(t, false)

	f.controller.HandleJoin("ghost", "lounge")

	types := f.transport.types(t, "ghost")
	if len(types) != 1 || types[0] != protocol.TypeError {
		t.Fatalf("expected error frame, got %v", types)
	}
}

func TestJoinSecondRoomLeavesFirst(t *testing.T) {
	f := newFixture(t, false)
	f.join(t, "c1", "m1", "alice", "lounge")
	f.join(t, "c2", "m2", "bob", "lounge")

	// Bob moves to a different room, then Alice posts to the first one.
	f.controller.HandleJoin("c2", "study")
	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "hello", Ts: "1"})

	for _, ft := range f.transport.types(t, "c2") {
		if ft == protocol.TypeMessage {
			t.Error("member who left the room still received its messages")
		}
	}
}

func TestDisconnectRemovesFromRoom(t *testing.T) {
	f := newFixture(t, false)
	f.join(t, "c1", "m1", "alice", "lounge")
	f.join(t, "c2", "m2", "bob", "lounge")

	f.controller.HandleDisconnect("c2")
	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "hello", Ts: "1"})

	for _, ft := range f.transport.types(t, "c2") {
		if ft == protocol.TypeMessage {
			t.Error("disconnected member received a message")
		}
	}

	// Double disconnect is harmless.
	f.controller.HandleDisconnect("c2")
}

func TestBanPersistsAcrossReconnect(t *testing.T) {
	f := newFixture(t, false)
	f.classifier.result = moderation.Result{Disallowed: true}

	f.join(t, "c1", "m1", "alice", "lounge")
	f.controller.HandleSend("c1", protocol.ChatMsg{Room: "lounge", Text: "offensive", Ts: "1"})
	f.controller.HandleDisconnect("c1")

	// Same member on a fresh connection: blocked before the gate.
	f.classifier.result = moderation.Result{}
	before := atomic.LoadInt32(&f.classifier.calls)
	f.join(t, "c9", "m1", "alice", "lounge")
	f.controller.HandleSend("c9", protocol.ChatMsg{Room: "lounge", Text: "hello again", Ts: "2"})

	types := f.transport.types(t, "c9")
	if types[len(types)-1] != protocol.TypeSuspended {
		t.Errorf("expected suspended notice on reconnect, got %v", types)
	}
	if atomic.LoadInt32(&f.classifier.calls) != before {
		t.Error("banned member's message must not reach the classifier after reconnect")
	}
}
