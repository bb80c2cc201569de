package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	appconfig "github.com/fyrsmithlabs/testwright/internal/config"
	"github.com/fyrsmithlabs/testwright/internal/logging"
)

const (
	commitMessage = "Add generated unit tests"
	commitAuthor  = "testwright"
	commitEmail   = "testwright@users.noreply.github.com"
)

// GitHub implements Collaborator against github.com using go-git for
// repository operations and the REST API for proposals.
type GitHub struct {
	token  appconfig.Secret
	client *github.Client
	logger *logging.Logger
	dryRun bool
}

// GitHubOption configures the collaborator.
type GitHubOption func(*GitHub)

// WithDryRun publishes nothing: branches are created and committed
// locally but never pushed, and proposals are logged instead of opened.
func WithDryRun() GitHubOption {
	return func(g *GitHub) { g.dryRun = true }
}

// WithClient overrides the API client (for testing).
func WithClient(c *github.Client) GitHubOption {
	return func(g *GitHub) { g.client = c }
}

// NewGitHub creates the collaborator. A token is required unless dry-run
// is set or a client is injected.
func NewGitHub(ctx context.Context, token appconfig.Secret, logger *logging.Logger, opts ...GitHubOption) (*GitHub, error) {
	g := &GitHub{
		token:  token,
		logger: logger.Named("vcs"),
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if !token.IsSet() {
			if !g.dryRun {
				return nil, fmt.Errorf("%w: github token not set", ErrCollaboratorFailure)
			}
		} else {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
			g.client = github.NewClient(oauth2.NewClient(ctx, ts))
		}
	}
	return g, nil
}

var _ Collaborator = (*GitHub)(nil)

// CloneOrPull clones branch of repo into dest, or fast-forwards an
// existing clone.
func (g *GitHub) CloneOrPull(ctx context.Context, repo RepoRef, branch, dest string) error {
	ref := plumbing.NewBranchReferenceName(branch)

	if _, err := os.Stat(filepath.Join(dest, ".git")); err == nil {
		return g.pull(ctx, dest, ref)
	}

	g.logger.Info(ctx, "cloning repository",
		zap.String("repo", repo.String()),
		zap.String("branch", branch))

	_, err := git.PlainCloneContext(ctx, dest, false, &git.CloneOptions{
		URL:           repo.CloneURL,
		ReferenceName: ref,
		SingleBranch:  true,
		Auth:          g.auth(),
	})
	if err != nil {
		return fmt.Errorf("%w: cloning %s: %v", ErrCollaboratorFailure, repo, err)
	}
	return nil
}

func (g *GitHub) pull(ctx context.Context, dest string, ref plumbing.ReferenceName) error {
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return fmt.Errorf("%w: opening clone at %s: %v", ErrCollaboratorFailure, dest, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollaboratorFailure, err)
	}

	g.logger.Info(ctx, "pulling existing clone", zap.String("dest", dest))
	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: ref,
		SingleBranch:  true,
		Auth:          g.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: pulling %s: %v", ErrCollaboratorFailure, dest, err)
	}
	return nil
}

// CreateBranch checks out newBranch from fromBranch, commits all
// workspace changes, and pushes the branch ref with upstream tracking.
func (g *GitHub) CreateBranch(ctx context.Context, dest, fromBranch, newBranch string) error {
	repo, err := git.PlainOpen(dest)
	if err != nil {
		return fmt.Errorf("%w: opening clone at %s: %v", ErrCollaboratorFailure, dest, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollaboratorFailure, err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollaboratorFailure, err)
	}
	if head.Name() != plumbing.NewBranchReferenceName(fromBranch) {
		return fmt.Errorf("%w: clone is on %s, expected %s", ErrCollaboratorFailure, head.Name().Short(), fromBranch)
	}

	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(newBranch),
		Create: true,
		Keep:   true,
	}); err != nil {
		return fmt.Errorf("%w: creating branch %s: %v", ErrCollaboratorFailure, newBranch, err)
	}

	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("%w: staging changes: %v", ErrCollaboratorFailure, err)
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollaboratorFailure, err)
	}
	if !status.IsClean() {
		_, err = wt.Commit(commitMessage, &git.CommitOptions{
			Author: &object.Signature{
				Name:  commitAuthor,
				Email: commitEmail,
				When:  time.Now(),
			},
		})
		if err != nil {
			return fmt.Errorf("%w: committing: %v", ErrCollaboratorFailure, err)
		}
	} else {
		g.logger.Info(ctx, "workspace clean, publishing branch without a commit",
			zap.String("branch", newBranch))
	}

	if g.dryRun {
		g.logger.Info(ctx, "dry-run: skipping push", zap.String("branch", newBranch))
		return nil
	}

	refSpec := config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", newBranch, newBranch))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       g.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("%w: pushing %s: %v", ErrCollaboratorFailure, newBranch, err)
	}

	g.logger.Info(ctx, "branch pushed", zap.String("branch", newBranch))
	return nil
}

// CreateChangeProposal opens a pull request for the pushed branch and
// attaches labels. Returns the proposal URL.
func (g *GitHub) CreateChangeProposal(ctx context.Context, repo RepoRef, d ProposalDescriptor) (string, error) {
	if g.dryRun {
		g.logger.Info(ctx, "dry-run: skipping change proposal",
			zap.String("title", d.Title),
			zap.String("source", d.SourceBranch),
			zap.String("target", d.TargetBranch))
		return "dry-run", nil
	}
	if g.client == nil {
		return "", fmt.Errorf("%w: no API client", ErrCollaboratorFailure)
	}

	pr, _, err := g.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
		Title: github.String(d.Title),
		Head:  github.String(d.SourceBranch),
		Base:  github.String(d.TargetBranch),
		Body:  github.String(d.Body),
	})
	if err != nil {
		return "", fmt.Errorf("%w: creating proposal: %v", ErrCollaboratorFailure, err)
	}

	if len(d.Labels) > 0 {
		if _, _, err := g.client.Issues.AddLabelsToIssue(ctx, repo.Owner, repo.Name, pr.GetNumber(), d.Labels); err != nil {
			return "", fmt.Errorf("%w: labeling proposal #%d: %v", ErrCollaboratorFailure, pr.GetNumber(), err)
		}
	}

	g.logger.Info(ctx, "change proposal created",
		zap.Int("number", pr.GetNumber()),
		zap.String("url", pr.GetHTMLURL()))
	return pr.GetHTMLURL(), nil
}

func (g *GitHub) auth() transport.AuthMethod {
	if !g.token.IsSet() {
		return nil
	}
	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: g.token.Value(),
	}
}
