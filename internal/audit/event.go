// Package audit captures flagged-message records for moderator review. The
// chat server publishes a FlaggedEvent whenever the gate rejects a message;
// the auditor service persists them to PostgreSQL. Ban enforcement never
// depends on this trail — it is review material, not the ban ledger.
package audit

// ContextEntry is one recent room message attached to a flagged record for
// reviewer context.
type ContextEntry struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   string `json:"ts"`
}

// FlaggedEvent is published on the moderation.flagged subject when a
// message is rejected by the gate.
type FlaggedEvent struct {
	MemberID string         `json:"member_id"`
	Room     string         `json:"room"`
	Text     string         `json:"text"`
	Label    string         `json:"label"`   // classifier's raw label, if any
	Context  []ContextEntry `json:"context"` // recent room messages
	Ts       int64          `json:"ts"`      // server unix timestamp
}
