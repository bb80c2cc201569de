// Package engine drives a pipeline run through its state machine:
// clone, verify, then either complete or iterate the bounded
// plan/implement/review loop until approval, exhaustion, or failure.
package engine

import "github.com/fyrsmithlabs/testwright/internal/agent"

// State names a position in the run's state machine.
type State string

const (
	StateCloned                State = "cloned"
	StateVerified              State = "verified"
	StatePlanned               State = "planned"
	StateImplemented           State = "implemented"
	StateReviewed              State = "reviewed"
	StateCompleted             State = "completed"
	StateProposalCreated       State = "proposal_created"
	StateRevisionLimitExceeded State = "revision_limit_exceeded"
	StateFailed                State = "failed"
)

// Stage is a routing target chosen after a stage completes.
type Stage string

const (
	StageComplete       Stage = "complete"
	StagePlan           Stage = "plan"
	StageCreateProposal Stage = "create_proposal"
	StageRevisionLimit  Stage = "revision_limit"
)

// Outcome is the terminal record of a run. Exactly one per run.
type Outcome string

const (
	OutcomeNoActionNeeded        Outcome = "no_action_needed"
	OutcomeProposalCreated       Outcome = "proposal_created"
	OutcomeRevisionLimitExceeded Outcome = "revision_limit_exceeded"
	OutcomeFailed                Outcome = "failed"
)

// Succeeded reports whether the outcome maps to a zero exit code.
func (o Outcome) Succeeded() bool {
	return o == OutcomeNoActionNeeded || o == OutcomeProposalCreated
}

// RouteAfterVerify maps the verification verdict to the next stage. An
// adequate suite completes the run without planning anything.
func RouteAfterVerify(res *agent.VerificationResult) Stage {
	if res.Adequate {
		return StageComplete
	}
	return StagePlan
}

// RouteAfterReview maps the review verdict to the next stage. Approval
// always wins; rejection routes back to planning only while revisions
// remain.
func RouteAfterReview(res *agent.ReviewResult, rc *RevisionController) Stage {
	if res.Approved {
		return StageCreateProposal
	}
	if rc.Exhausted() {
		return StageRevisionLimit
	}
	return StagePlan
}

// RevisionController bounds the plan/implement/review loop. The counter
// starts at zero, increments once on entry to each revision cycle (the
// first plan included), never decreases, and never exceeds its ceiling.
type RevisionController struct {
	counter int
	ceiling int
}

// NewRevisionController creates a controller with the given ceiling.
// The ceiling is fixed for the run.
func NewRevisionController(ceiling int) *RevisionController {
	if ceiling < 0 {
		ceiling = 0
	}
	return &RevisionController{ceiling: ceiling}
}

// BeginCycle enters the next revision cycle. Returns false when the
// ceiling has been reached and no further cycle may start.
func (c *RevisionController) BeginCycle() bool {
	if c.counter >= c.ceiling {
		return false
	}
	c.counter++
	return true
}

// Exhausted reports whether the counter has reached the ceiling, which
// forces the next failing review to the revision limit outcome.
func (c *RevisionController) Exhausted() bool {
	return c.counter >= c.ceiling
}

// Count returns the number of cycles entered so far.
func (c *RevisionController) Count() int { return c.counter }

// Ceiling returns the fixed ceiling.
func (c *RevisionController) Ceiling() int { return c.ceiling }
