// Package feed holds the shared domain types flowing through the pipeline.
// It is a leaf package: everything else imports it, it imports nothing.
package feed

import "time"

// Candidate is one raw scraped item. It is consumed by the classifier and
// then discarded; only its ProcessedRecord survives.
type Candidate struct {
	// ID is the dedup key: a stable hash of the normalized content.
	ID string

	Source       string
	Content      string
	Permalink    string
	DiscoveredAt time.Time
}

// Decision is the classifier verdict for a candidate.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Outcome is the dispatch result recorded alongside a decision.
type Outcome string

const (
	// OutcomeDelivered means every recipient got the message.
	OutcomeDelivered Outcome = "delivered"
	// OutcomeFailed means at least one recipient terminally failed.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped means no dispatch was attempted (rejected items).
	OutcomeSkipped Outcome = "skipped"
)

// ProcessedRecord is the append-only ledger entry for a candidate. Once a
// record exists for an ID, the item is never dispatched again.
type ProcessedRecord struct {
	ID          string
	Source      string
	Decision    Decision
	Outcome     Outcome
	Summary     string
	ProcessedAt time.Time
}

// PromptPair is the operator-defined classification instruction set.
type PromptPair struct {
	System string
	User   string
}
