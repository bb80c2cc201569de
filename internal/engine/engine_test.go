package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testwright/internal/agent"
	"github.com/fyrsmithlabs/testwright/internal/config"
	"github.com/fyrsmithlabs/testwright/internal/logging"
	"github.com/fyrsmithlabs/testwright/internal/secrets"
	"github.com/fyrsmithlabs/testwright/internal/telemetry"
	"github.com/fyrsmithlabs/testwright/internal/vcs"
)

type mockInvoker struct {
	mock.Mock
}

func (m *mockInvoker) Verify(ctx context.Context) (*agent.VerificationResult, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.VerificationResult), args.Error(1)
}

func (m *mockInvoker) Plan(ctx context.Context, verifierNotes, reviewerNotes string) (*agent.PlanArtifact, error) {
	args := m.Called(ctx, verifierNotes, reviewerNotes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.PlanArtifact), args.Error(1)
}

func (m *mockInvoker) Implement(ctx context.Context, plan, reviewerNotes string) (*agent.ImplementationResult, error) {
	args := m.Called(ctx, plan, reviewerNotes)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.ImplementationResult), args.Error(1)
}

func (m *mockInvoker) Review(ctx context.Context, plan string, impl *agent.ImplementationResult) (*agent.ReviewResult, error) {
	args := m.Called(ctx, plan, impl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*agent.ReviewResult), args.Error(1)
}

type mockCollaborator struct {
	mock.Mock
}

func (m *mockCollaborator) CloneOrPull(ctx context.Context, repo vcs.RepoRef, branch, dest string) error {
	return m.Called(ctx, repo, branch, dest).Error(0)
}

func (m *mockCollaborator) CreateBranch(ctx context.Context, dest, fromBranch, newBranch string) error {
	return m.Called(ctx, dest, fromBranch, newBranch).Error(0)
}

func (m *mockCollaborator) CreateChangeProposal(ctx context.Context, repo vcs.RepoRef, d vcs.ProposalDescriptor) (string, error) {
	args := m.Called(ctx, repo, d)
	return args.String(0), args.Error(1)
}

func testConfig(ceiling int) *config.Config {
	return &config.Config{
		Repo: config.RepoConfig{
			Owner:        "acme",
			Name:         "app",
			TargetBranch: "main",
		},
		Pipeline: config.PipelineConfig{
			WorkspaceRoot:   "/tmp/testwright/acme-app",
			BranchPrefix:    "testwright/add-tests-",
			ProposalTitle:   "Add generated unit tests",
			ProposalLabels:  []string{"automated-tests"},
			RevisionCeiling: ceiling,
		},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, inv *mockInvoker, collab *mockCollaborator) *Engine {
	t.Helper()
	tel, err := telemetry.New(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)
	return New(cfg, inv, collab, secrets.MustNew(), logging.NewTestLogger().Logger, tel)
}

func TestRun_AdequateSuiteCompletesWithoutLoop(t *testing.T) {
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(nil)
	inv.On("Verify", mock.Anything).Return(&agent.VerificationResult{Adequate: true, Notes: "all covered"}, nil)

	e := newTestEngine(t, testConfig(3), inv, collab)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoActionNeeded, report.Outcome)
	assert.True(t, report.Outcome.Succeeded())
	assert.Equal(t, "all covered", report.VerificationNotes)
	assert.Zero(t, report.Revisions)
	inv.AssertNotCalled(t, "Plan", mock.Anything, mock.Anything, mock.Anything)
	inv.AssertNotCalled(t, "Implement", mock.Anything, mock.Anything, mock.Anything)
	inv.AssertNotCalled(t, "Review", mock.Anything, mock.Anything, mock.Anything)
	collab.AssertNotCalled(t, "CreateBranch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	collab.AssertNotCalled(t, "CreateChangeProposal", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ApprovedFirstCycleCreatesProposalOnce(t *testing.T) {
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(nil)
	inv.On("Verify", mock.Anything).Return(&agent.VerificationResult{Adequate: false, Notes: "parser untested"}, nil)
	inv.On("Plan", mock.Anything, "parser untested", "").Return(&agent.PlanArtifact{Plan: "test the parser"}, nil)
	inv.On("Implement", mock.Anything, "test the parser", "").Return(&agent.ImplementationResult{
		Files:   []string{"tests/test_parser.py"},
		Summary: "added 6 parser tests",
	}, nil)
	inv.On("Review", mock.Anything, "test the parser", mock.Anything).Return(&agent.ReviewResult{Approved: true, Notes: "meets standards"}, nil)
	collab.On("CreateBranch", mock.Anything, mock.Anything, "main", mock.MatchedBy(func(b string) bool {
		return strings.HasPrefix(b, "testwright/add-tests-")
	})).Return(nil)
	collab.On("CreateChangeProposal", mock.Anything, mock.Anything, mock.Anything).Return("https://github.com/acme/app/pull/9", nil)

	e := newTestEngine(t, testConfig(3), inv, collab)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeProposalCreated, report.Outcome)
	assert.Equal(t, 1, report.Revisions)
	assert.Equal(t, "https://github.com/acme/app/pull/9", report.ProposalID)
	collab.AssertNumberOfCalls(t, "CreateBranch", 1)
	collab.AssertNumberOfCalls(t, "CreateChangeProposal", 1)

	// Proposal body carries the accumulated notes.
	d := collab.Calls[len(collab.Calls)-1].Arguments.Get(2).(vcs.ProposalDescriptor)
	assert.Contains(t, d.Body, "parser untested")
	assert.Contains(t, d.Body, "added 6 parser tests")
	assert.Contains(t, d.Body, "meets standards")
	assert.Contains(t, d.Body, "tests/test_parser.py")
	assert.Equal(t, []string{"automated-tests"}, d.Labels)
	assert.Equal(t, "main", d.TargetBranch)
}

func TestRun_PermanentRejectionStopsAtCeiling(t *testing.T) {
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(nil)
	inv.On("Verify", mock.Anything).Return(&agent.VerificationResult{Adequate: false, Notes: "gaps"}, nil)
	inv.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(&agent.PlanArtifact{Plan: "plan"}, nil)
	inv.On("Implement", mock.Anything, mock.Anything, mock.Anything).Return(&agent.ImplementationResult{Summary: "wrote tests"}, nil)
	inv.On("Review", mock.Anything, mock.Anything, mock.Anything).Return(&agent.ReviewResult{Approved: false, Notes: "not good enough"}, nil)

	e := newTestEngine(t, testConfig(3), inv, collab)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRevisionLimitExceeded, report.Outcome)
	assert.False(t, report.Outcome.Succeeded())
	assert.Equal(t, 3, report.Revisions)
	inv.AssertNumberOfCalls(t, "Plan", 3)
	inv.AssertNumberOfCalls(t, "Implement", 3)
	inv.AssertNumberOfCalls(t, "Review", 3)
	collab.AssertNotCalled(t, "CreateBranch", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	collab.AssertNotCalled(t, "CreateChangeProposal", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ReviewerFeedbackFlowsIntoNextCycle(t *testing.T) {
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(nil)
	collab.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	collab.On("CreateChangeProposal", mock.Anything, mock.Anything, mock.Anything).Return("pr-1", nil)
	inv.On("Verify", mock.Anything).Return(&agent.VerificationResult{Adequate: false, Notes: "gaps"}, nil)
	inv.On("Plan", mock.Anything, "gaps", "").Return(&agent.PlanArtifact{Plan: "plan v1"}, nil).Once()
	inv.On("Implement", mock.Anything, "plan v1", "").Return(&agent.ImplementationResult{Summary: "v1"}, nil).Once()
	inv.On("Review", mock.Anything, "plan v1", mock.Anything).Return(&agent.ReviewResult{Approved: false, Notes: "rename fixtures"}, nil).Once()
	// Second cycle must receive the rejection notes.
	inv.On("Plan", mock.Anything, "gaps", "rename fixtures").Return(&agent.PlanArtifact{Plan: "plan v2"}, nil).Once()
	inv.On("Implement", mock.Anything, "plan v2", "rename fixtures").Return(&agent.ImplementationResult{Summary: "v2"}, nil).Once()
	inv.On("Review", mock.Anything, "plan v2", mock.Anything).Return(&agent.ReviewResult{Approved: true, Notes: "good"}, nil).Once()

	e := newTestEngine(t, testConfig(3), inv, collab)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeProposalCreated, report.Outcome)
	assert.Equal(t, 2, report.Revisions)
	inv.AssertExpectations(t)
}

func TestRun_ImplementerFailureIsTerminal(t *testing.T) {
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(nil)
	inv.On("Verify", mock.Anything).Return(&agent.VerificationResult{Adequate: false, Notes: "gaps"}, nil)
	inv.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(&agent.PlanArtifact{Plan: "plan"}, nil)
	inv.On("Implement", mock.Anything, mock.Anything, mock.Anything).Return(nil, agent.ErrStepFailure)

	e := newTestEngine(t, testConfig(3), inv, collab)
	report, err := e.Run(context.Background())
	require.ErrorIs(t, err, agent.ErrStepFailure)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.NotEmpty(t, report.FailureReason)
	inv.AssertNotCalled(t, "Review", mock.Anything, mock.Anything, mock.Anything)
	collab.AssertNotCalled(t, "CreateChangeProposal", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_CloneFailureIsTerminal(t *testing.T) {
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(vcs.ErrCollaboratorFailure)

	e := newTestEngine(t, testConfig(3), inv, collab)
	report, err := e.Run(context.Background())
	require.ErrorIs(t, err, vcs.ErrCollaboratorFailure)

	assert.Equal(t, OutcomeFailed, report.Outcome)
	inv.AssertNotCalled(t, "Verify", mock.Anything)
}

func TestRun_CeilingZeroSkipsLoop(t *testing.T) {
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(nil)
	inv.On("Verify", mock.Anything).Return(&agent.VerificationResult{Adequate: false, Notes: "gaps"}, nil)

	e := newTestEngine(t, testConfig(0), inv, collab)
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRevisionLimitExceeded, report.Outcome)
	inv.AssertNotCalled(t, "Plan", mock.Anything, mock.Anything, mock.Anything)
}

func TestRun_ProposalBodyIsScrubbed(t *testing.T) {
	token := "ghp_" + strings.Repeat("a", 36)
	inv := &mockInvoker{}
	collab := &mockCollaborator{}
	collab.On("CloneOrPull", mock.Anything, mock.Anything, "main", mock.Anything).Return(nil)
	collab.On("CreateBranch", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	collab.On("CreateChangeProposal", mock.Anything, mock.Anything, mock.Anything).Return("pr-2", nil)
	inv.On("Verify", mock.Anything).Return(&agent.VerificationResult{Adequate: false, Notes: "config holds " + token}, nil)
	inv.On("Plan", mock.Anything, mock.Anything, mock.Anything).Return(&agent.PlanArtifact{Plan: "plan"}, nil)
	inv.On("Implement", mock.Anything, mock.Anything, mock.Anything).Return(&agent.ImplementationResult{Summary: "done"}, nil)
	inv.On("Review", mock.Anything, mock.Anything, mock.Anything).Return(&agent.ReviewResult{Approved: true, Notes: "ok"}, nil)

	e := newTestEngine(t, testConfig(3), inv, collab)
	_, err := e.Run(context.Background())
	require.NoError(t, err)

	var d vcs.ProposalDescriptor
	for _, call := range collab.Calls {
		if call.Method == "CreateChangeProposal" {
			d = call.Arguments.Get(2).(vcs.ProposalDescriptor)
		}
	}
	assert.NotContains(t, d.Body, token)
	assert.Contains(t, d.Body, "[REDACTED]")
}

func TestRouteAfterVerify(t *testing.T) {
	assert.Equal(t, StageComplete, RouteAfterVerify(&agent.VerificationResult{Adequate: true}))
	assert.Equal(t, StagePlan, RouteAfterVerify(&agent.VerificationResult{Adequate: false}))
}

func TestRouteAfterReview(t *testing.T) {
	rc := NewRevisionController(2)
	require.True(t, rc.BeginCycle())

	assert.Equal(t, StageCreateProposal, RouteAfterReview(&agent.ReviewResult{Approved: true}, rc))
	assert.Equal(t, StagePlan, RouteAfterReview(&agent.ReviewResult{Approved: false}, rc))

	require.True(t, rc.BeginCycle())
	// At the ceiling a rejection can only terminate, regardless of notes.
	assert.Equal(t, StageRevisionLimit, RouteAfterReview(&agent.ReviewResult{Approved: false, Notes: "minor nit"}, rc))
	assert.Equal(t, StageCreateProposal, RouteAfterReview(&agent.ReviewResult{Approved: true}, rc))
}

func TestRevisionController(t *testing.T) {
	rc := NewRevisionController(3)
	assert.Equal(t, 0, rc.Count())
	assert.False(t, rc.Exhausted())

	for i := 1; i <= 3; i++ {
		require.True(t, rc.BeginCycle())
		assert.Equal(t, i, rc.Count())
	}
	assert.True(t, rc.Exhausted())
	assert.False(t, rc.BeginCycle())
	assert.Equal(t, 3, rc.Count(), "counter never exceeds the ceiling")

	negative := NewRevisionController(-1)
	assert.False(t, negative.BeginCycle())
}

func TestReportString(t *testing.T) {
	r := &Report{
		RunID:             "abc123",
		Repo:              "acme/app",
		Outcome:           OutcomeProposalCreated,
		VerificationNotes: "gaps in parser",
		Revisions:         2,
		ProposalID:        "https://github.com/acme/app/pull/9",
		Branch:            "testwright/add-tests-abc123",
	}
	out := r.String()
	assert.Contains(t, out, "abc123")
	assert.Contains(t, out, "outcome=proposal_created")
	assert.Contains(t, out, "revision cycles: 2")
	assert.Contains(t, out, "pull/9")
}
