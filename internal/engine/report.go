package engine

import (
	"fmt"
	"strings"
	"time"
)

// Report summarizes a finished run. It is the machine-readable form of
// the terminal outcome; String renders it for humans.
type Report struct {
	RunID   string  `json:"run_id"`
	Repo    string  `json:"repo"`
	Outcome Outcome `json:"outcome"`

	FailureReason string `json:"failure_reason,omitempty"`

	VerificationNotes     string   `json:"verification_notes,omitempty"`
	ImplementationSummary string   `json:"implementation_summary,omitempty"`
	ReviewNotes           string   `json:"review_notes,omitempty"`
	Files                 []string `json:"files,omitempty"`

	Revisions  int    `json:"revisions"`
	ProposalID string `json:"proposal_id,omitempty"`
	Branch     string `json:"branch,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration is the total run time.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s  %s  outcome=%s  duration=%s\n",
		r.RunID, r.Repo, r.Outcome, r.Duration().Round(time.Millisecond))

	if r.FailureReason != "" {
		fmt.Fprintf(&b, "  failure: %s\n", r.FailureReason)
	}
	if r.VerificationNotes != "" {
		fmt.Fprintf(&b, "  verification: %s\n", r.VerificationNotes)
	}
	if r.Revisions > 0 {
		fmt.Fprintf(&b, "  revision cycles: %d\n", r.Revisions)
	}
	if r.ImplementationSummary != "" {
		fmt.Fprintf(&b, "  implementation: %s\n", r.ImplementationSummary)
	}
	if len(r.Files) > 0 {
		fmt.Fprintf(&b, "  files: %s\n", strings.Join(r.Files, ", "))
	}
	if r.ReviewNotes != "" {
		fmt.Fprintf(&b, "  review: %s\n", r.ReviewNotes)
	}
	if r.Branch != "" {
		fmt.Fprintf(&b, "  branch: %s\n", r.Branch)
	}
	if r.ProposalID != "" {
		fmt.Fprintf(&b, "  proposal: %s\n", r.ProposalID)
	}
	return b.String()
}
