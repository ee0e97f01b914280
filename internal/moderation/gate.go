package moderation

import (
	"context"
	"log"
	"time"
)

// Result is a classifier's answer for one piece of text.
type Result struct {
	Disallowed bool   // confident "this content is not allowed"
	RawLabel   string // backend-specific label for logging and audit
}

// Classifier is the external text-classification capability the gate wraps.
// Any backend satisfying this contract is interchangeable: a hosted LLM, a
// local lexicon, a rule engine. A returned error means the backend could not
// produce a confident answer; the gate folds it into a gate failure.
type Classifier interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// GateConfig holds gate policy parameters.
type GateConfig struct {
	// Timeout bounds the single classifier call per message. Zero means
	// DefaultTimeout.
	Timeout time.Duration

	// FailClosed drops messages when the classifier fails instead of letting
	// them through. The default (false, fail-open) prioritizes chat
	// availability over moderation completeness; fail-closed is the strict
	// alternative for deployments that cannot tolerate unscreened messages.
	// A gate failure never writes a ban in either mode: under fail-closed
	// the message is dropped, not treated as an offense.
	FailClosed bool
}

// DefaultTimeout bounds the classifier round trip per message.
const DefaultTimeout = 5 * time.Second

// Gate evaluates message text against a classifier with a bounded wait.
// It performs exactly one classifier call per message and no retries, so the
// worst-case latency added to a send is one round trip plus the timeout.
type Gate struct {
	classifier Classifier
	timeout    time.Duration
	failClosed bool
}

// NewGate creates a Gate around the given classifier.
func NewGate(classifier Classifier, config GateConfig) *Gate {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{
		classifier: classifier,
		timeout:    timeout,
		failClosed: config.FailClosed,
	}
}

// Evaluate classifies text and returns a verdict. The classifier call is
// bounded by the gate timeout; the parent context is detached from any
// caller cancellation so that a sender disconnecting mid-evaluation cannot
// abort the call (the result may still matter — a reject must reach the ban
// ledger even if the connection is gone).
func (g *Gate) Evaluate(ctx context.Context, text string) Verdict {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
	defer cancel()

	result, err := g.classifier.Classify(callCtx, text)
	if err != nil {
		log.Printf("moderation: classifier failure (fail_closed=%v): %v", g.failClosed, err)
		return VerdictGateFailure
	}

	if result.Disallowed {
		return VerdictReject
	}
	return VerdictAllow
}

// FailClosed reports whether the caller should drop (rather than deliver)
// messages that resolve to VerdictGateFailure. It never turns a gate failure
// into an offense; no ban is written either way.
func (g *Gate) FailClosed() bool {
	return g.failClosed
}
