// Package vcs is the pipeline's boundary to the hosting provider. It
// owns cloning the target repository, publishing the generated branch,
// and opening the change proposal.
package vcs

import (
	"context"
	"errors"
)

// ErrCollaboratorFailure indicates the hosting provider or local git
// operation failed. Fatal to the run.
var ErrCollaboratorFailure = errors.New("collaborator failure")

// RepoRef identifies the repository the pipeline operates on.
type RepoRef struct {
	Owner    string
	Name     string
	CloneURL string
}

// String returns the owner/name form.
func (r RepoRef) String() string {
	return r.Owner + "/" + r.Name
}

// ProposalDescriptor carries everything needed to open a change proposal.
type ProposalDescriptor struct {
	TargetBranch string
	SourceBranch string
	Title        string
	Body         string
	Labels       []string
}

// Collaborator is the version control surface the engine drives. Every
// method failure wraps ErrCollaboratorFailure.
type Collaborator interface {
	// CloneOrPull materializes branch of repo at dest: a fresh clone
	// when dest is empty, a fast-forward pull when it already holds one.
	CloneOrPull(ctx context.Context, repo RepoRef, branch, dest string) error

	// CreateBranch creates newBranch from fromBranch in the clone at
	// dest, commits all workspace changes, and pushes it with upstream
	// tracking. A clean workspace still publishes the branch ref.
	CreateBranch(ctx context.Context, dest, fromBranch, newBranch string) error

	// CreateChangeProposal opens a proposal for the pushed branch and
	// returns the provider's identifier for it.
	CreateChangeProposal(ctx context.Context, repo RepoRef, d ProposalDescriptor) (string, error)
}
