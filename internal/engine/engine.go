package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testwright/internal/agent"
	"github.com/fyrsmithlabs/testwright/internal/config"
	"github.com/fyrsmithlabs/testwright/internal/logging"
	"github.com/fyrsmithlabs/testwright/internal/secrets"
	"github.com/fyrsmithlabs/testwright/internal/telemetry"
	"github.com/fyrsmithlabs/testwright/internal/vcs"
)

// Engine owns one pipeline run: the revision counter, the accumulated
// stage notes, and the single terminal outcome. Engines are not reused;
// create one per run.
type Engine struct {
	cfg      *config.Config
	invoker  agent.Invoker
	collab   vcs.Collaborator
	scrubber *secrets.Scrubber
	logger   *logging.Logger

	tracer    trace.Tracer
	revisions metric.Int64Counter
}

// New wires an engine for a single run.
func New(cfg *config.Config, invoker agent.Invoker, collab vcs.Collaborator, scrubber *secrets.Scrubber, logger *logging.Logger, tel *telemetry.Telemetry) *Engine {
	e := &Engine{
		cfg:      cfg,
		invoker:  invoker,
		collab:   collab,
		scrubber: scrubber,
		logger:   logger.Named("engine"),
		tracer:   tel.Tracer("testwright/engine"),
	}
	// Metric creation on a no-op meter cannot fail in practice; a nil
	// counter is tolerated everywhere it is used.
	e.revisions, _ = tel.Meter("testwright/engine").Int64Counter("pipeline.revision_cycles",
		metric.WithDescription("Revision cycles entered per run"))
	return e
}

// Run executes the pipeline to its terminal state. The report is always
// returned; the error is non-nil only for the Failed outcome.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)

	if timeout := e.cfg.Pipeline.RunTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	repo := vcs.RepoRef{
		Owner:    e.cfg.Repo.Owner,
		Name:     e.cfg.Repo.Name,
		CloneURL: e.cfg.CloneURL(),
	}
	report := &Report{
		RunID:     runID,
		Repo:      repo.String(),
		StartedAt: time.Now(),
	}

	e.logger.Info(ctx, "starting run",
		zap.String("repo", report.Repo),
		zap.String("branch", e.cfg.Repo.TargetBranch))

	outcome, err := e.run(ctx, repo, report)
	report.Outcome = outcome
	report.FinishedAt = time.Now()

	if err != nil {
		report.FailureReason = err.Error()
		e.logger.Error(ctx, "run failed", zap.Error(err))
		return report, err
	}

	e.logger.Info(ctx, "run finished",
		zap.String("outcome", string(outcome)),
		zap.Int("revisions", report.Revisions),
		zap.Duration("duration", report.Duration()))
	return report, nil
}

func (e *Engine) run(ctx context.Context, repo vcs.RepoRef, report *Report) (Outcome, error) {
	workspace := e.cfg.Pipeline.WorkspaceRoot

	if err := e.clone(ctx, repo, workspace); err != nil {
		return OutcomeFailed, err
	}

	verification, err := e.verify(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	report.VerificationNotes = verification.Notes

	if RouteAfterVerify(verification) == StageComplete {
		e.logger.Info(ctx, "test suite adequate, no action needed")
		return OutcomeNoActionNeeded, nil
	}

	rc := NewRevisionController(e.cfg.Pipeline.RevisionCeiling)
	var (
		review        *agent.ReviewResult
		impl          *agent.ImplementationResult
		reviewerNotes string
	)

	for {
		if !rc.BeginCycle() {
			// Ceiling zero, or re-entry after exhaustion.
			return OutcomeRevisionLimitExceeded, nil
		}
		report.Revisions = rc.Count()
		if e.revisions != nil {
			e.revisions.Add(ctx, 1, metric.WithAttributes(attribute.String("repo", report.Repo)))
		}
		e.logger.Info(ctx, "entering revision cycle",
			zap.Int("cycle", rc.Count()),
			zap.Int("ceiling", rc.Ceiling()))

		plan, err := e.plan(ctx, verification.Notes, reviewerNotes)
		if err != nil {
			return OutcomeFailed, err
		}

		impl, err = e.implement(ctx, plan.Plan, reviewerNotes)
		if err != nil {
			return OutcomeFailed, err
		}
		report.ImplementationSummary = impl.Summary
		report.Files = impl.Files

		review, err = e.review(ctx, plan.Plan, impl)
		if err != nil {
			return OutcomeFailed, err
		}
		report.ReviewNotes = review.Notes

		switch RouteAfterReview(review, rc) {
		case StageCreateProposal:
			return e.propose(ctx, repo, workspace, report, verification, impl, review)
		case StageRevisionLimit:
			e.logger.Warn(ctx, "revision limit exceeded",
				zap.Int("cycles", rc.Count()))
			return OutcomeRevisionLimitExceeded, nil
		case StagePlan:
			reviewerNotes = review.Notes
		}
	}
}

func (e *Engine) clone(ctx context.Context, repo vcs.RepoRef, workspace string) error {
	ctx, span := e.startStage(ctx, "clone")
	defer span.End()
	return e.fail(span, e.collab.CloneOrPull(ctx, repo, e.cfg.Repo.TargetBranch, workspace))
}

func (e *Engine) verify(ctx context.Context) (*agent.VerificationResult, error) {
	ctx, span := e.startStage(ctx, "verify")
	defer span.End()
	res, err := e.invoker.Verify(ctx)
	return res, e.fail(span, err)
}

func (e *Engine) plan(ctx context.Context, verifierNotes, reviewerNotes string) (*agent.PlanArtifact, error) {
	ctx, span := e.startStage(ctx, "plan")
	defer span.End()
	res, err := e.invoker.Plan(ctx, verifierNotes, reviewerNotes)
	return res, e.fail(span, err)
}

func (e *Engine) implement(ctx context.Context, plan, reviewerNotes string) (*agent.ImplementationResult, error) {
	ctx, span := e.startStage(ctx, "implement")
	defer span.End()
	res, err := e.invoker.Implement(ctx, plan, reviewerNotes)
	return res, e.fail(span, err)
}

func (e *Engine) review(ctx context.Context, plan string, impl *agent.ImplementationResult) (*agent.ReviewResult, error) {
	ctx, span := e.startStage(ctx, "review")
	defer span.End()
	res, err := e.invoker.Review(ctx, plan, impl)
	return res, e.fail(span, err)
}

// propose publishes the branch and opens the change proposal. Both
// collaborator calls happen exactly once per run.
func (e *Engine) propose(ctx context.Context, repo vcs.RepoRef, workspace string, report *Report, verification *agent.VerificationResult, impl *agent.ImplementationResult, review *agent.ReviewResult) (Outcome, error) {
	ctx, span := e.startStage(ctx, "create_proposal")
	defer span.End()

	branch := e.cfg.Pipeline.BranchPrefix + shortID(report.RunID)
	report.Branch = branch

	if err := e.collab.CreateBranch(ctx, workspace, e.cfg.Repo.TargetBranch, branch); err != nil {
		return OutcomeFailed, e.fail(span, err)
	}

	body := e.scrubber.Scrub(proposalBody(verification, impl, review)).Scrubbed
	title := e.scrubber.Scrub(e.cfg.Pipeline.ProposalTitle).Scrubbed

	id, err := e.collab.CreateChangeProposal(ctx, repo, vcs.ProposalDescriptor{
		TargetBranch: e.cfg.Repo.TargetBranch,
		SourceBranch: branch,
		Title:        title,
		Body:         body,
		Labels:       e.cfg.Pipeline.ProposalLabels,
	})
	if err != nil {
		return OutcomeFailed, e.fail(span, err)
	}

	report.ProposalID = id
	e.logger.Info(ctx, "change proposal created",
		zap.String("branch", branch),
		zap.String("proposal", id))
	return OutcomeProposalCreated, nil
}

func (e *Engine) startStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	ctx = logging.WithStage(ctx, stage)
	return e.tracer.Start(ctx, "pipeline."+stage)
}

func (e *Engine) fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// proposalBody assembles the accumulated stage notes into the proposal
// text. Scrubbing happens in the caller.
func proposalBody(verification *agent.VerificationResult, impl *agent.ImplementationResult, review *agent.ReviewResult) string {
	var b strings.Builder
	b.WriteString("Automated test generation run.\n")

	b.WriteString("\n## Verification\n\n")
	b.WriteString(verification.Notes)

	if impl != nil {
		b.WriteString("\n\n## Implementation\n\n")
		b.WriteString(impl.Summary)
		if len(impl.Files) > 0 {
			b.WriteString("\n\nFiles:\n")
			for _, f := range impl.Files {
				fmt.Fprintf(&b, "- %s\n", f)
			}
		}
	}

	if review != nil {
		b.WriteString("\n## Review\n\n")
		b.WriteString(review.Notes)
		b.WriteString("\n")
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
