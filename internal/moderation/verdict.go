// Package moderation provides the per-message content gate. Every chat
// message passes through Gate.Evaluate before fan-out: a classifier backend
// (hosted LLM or local lexicon) labels the text, and the gate maps the
// outcome to a verdict. The gate is deliberately fail-open by default —
// when the classifier times out, errors, or answers nonsense, the message is
// let through and the failure is logged, trading moderation completeness for
// chat availability. FailClosed flips that policy for deployments that
// prefer strictness.
package moderation

// Verdict is the gate's classification outcome for one message.
type Verdict int

const (
	// VerdictAllow means the classifier confidently cleared the text.
	VerdictAllow Verdict = iota

	// VerdictReject means the classifier confidently flagged the text as
	// disallowed. The sender is suspended and the message is not delivered.
	VerdictReject

	// VerdictGateFailure means the classifier could not produce a confident
	// answer (timeout, transport error, malformed response). Under the
	// default fail-open policy the message is delivered as if allowed, and
	// no ban is written.
	VerdictGateFailure
)

// String returns the verdict's wire/log label.
func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictReject:
		return "reject"
	case VerdictGateFailure:
		return "gate_failure"
	default:
		return "unknown"
	}
}
