package vcs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/go-github/v57/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/testwright/internal/config"
	"github.com/fyrsmithlabs/testwright/internal/logging"
)

// newRemote builds a seeded bare repository that acts as origin.
// Returns the bare path and the branch name it was seeded on.
func newRemote(t *testing.T) (string, string) {
	t.Helper()

	src := t.TempDir()
	repo, err := git.PlainInit(src, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.py"), []byte("def add(a, b):\n    return a + b\n"), 0o644))
	_, err = wt.Add("app.py")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "seed", Email: "seed@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	head, err := repo.Head()
	require.NoError(t, err)

	bare := t.TempDir()
	_, err = git.PlainClone(bare, true, &git.CloneOptions{URL: src})
	require.NoError(t, err)

	return bare, head.Name().Short()
}

func newCollaborator(t *testing.T, opts ...GitHubOption) *GitHub {
	t.Helper()
	opts = append([]GitHubOption{WithClient(github.NewClient(nil))}, opts...)
	g, err := NewGitHub(context.Background(), config.Secret(""), logging.NewTestLogger().Logger, opts...)
	require.NoError(t, err)
	return g
}

func TestCloneOrPull_FreshClone(t *testing.T) {
	remote, branch := newRemote(t)
	g := newCollaborator(t)
	dest := filepath.Join(t.TempDir(), "clone")

	err := g.CloneOrPull(context.Background(), RepoRef{Owner: "acme", Name: "app", CloneURL: remote}, branch, dest)
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dest, "app.py"))
}

func TestCloneOrPull_ExistingCloneUpToDate(t *testing.T) {
	remote, branch := newRemote(t)
	g := newCollaborator(t)
	dest := filepath.Join(t.TempDir(), "clone")
	ref := RepoRef{Owner: "acme", Name: "app", CloneURL: remote}

	require.NoError(t, g.CloneOrPull(context.Background(), ref, branch, dest))
	// Second run must pull, not fail on the existing clone.
	require.NoError(t, g.CloneOrPull(context.Background(), ref, branch, dest))
}

func TestCloneOrPull_BadRemote(t *testing.T) {
	g := newCollaborator(t)
	dest := filepath.Join(t.TempDir(), "clone")

	err := g.CloneOrPull(context.Background(), RepoRef{CloneURL: filepath.Join(t.TempDir(), "missing")}, "main", dest)
	require.ErrorIs(t, err, ErrCollaboratorFailure)
}

func TestCreateBranch_CommitsAndPushes(t *testing.T) {
	remote, branch := newRemote(t)
	g := newCollaborator(t)
	dest := filepath.Join(t.TempDir(), "clone")
	ref := RepoRef{Owner: "acme", Name: "app", CloneURL: remote}

	require.NoError(t, g.CloneOrPull(context.Background(), ref, branch, dest))
	require.NoError(t, os.MkdirAll(filepath.Join(dest, "tests"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "tests", "test_app.py"),
		[]byte("from app import add\n\ndef test_add():\n    assert add(1, 2) == 3\n"), 0o644))

	require.NoError(t, g.CreateBranch(context.Background(), dest, branch, "testwright/add-tests-1"))

	// The branch ref must exist on the remote with the new commit.
	bare, err := git.PlainOpen(remote)
	require.NoError(t, err)
	remoteRef, err := bare.Reference(plumbing.NewBranchReferenceName("testwright/add-tests-1"), true)
	require.NoError(t, err)

	commit, err := bare.CommitObject(remoteRef.Hash())
	require.NoError(t, err)
	assert.Equal(t, commitMessage, commit.Message)

	tree, err := commit.Tree()
	require.NoError(t, err)
	_, err = tree.File("tests/test_app.py")
	require.NoError(t, err)
}

func TestCreateBranch_CleanWorkspaceStillPushesRef(t *testing.T) {
	remote, branch := newRemote(t)
	g := newCollaborator(t)
	dest := filepath.Join(t.TempDir(), "clone")
	ref := RepoRef{Owner: "acme", Name: "app", CloneURL: remote}

	require.NoError(t, g.CloneOrPull(context.Background(), ref, branch, dest))
	require.NoError(t, g.CreateBranch(context.Background(), dest, branch, "testwright/add-tests-2"))

	bare, err := git.PlainOpen(remote)
	require.NoError(t, err)
	_, err = bare.Reference(plumbing.NewBranchReferenceName("testwright/add-tests-2"), true)
	require.NoError(t, err)
}

func TestCreateBranch_WrongBaseBranch(t *testing.T) {
	remote, branch := newRemote(t)
	g := newCollaborator(t)
	dest := filepath.Join(t.TempDir(), "clone")
	ref := RepoRef{Owner: "acme", Name: "app", CloneURL: remote}

	require.NoError(t, g.CloneOrPull(context.Background(), ref, branch, dest))

	err := g.CreateBranch(context.Background(), dest, "some-other-branch", "testwright/add-tests-3")
	require.ErrorIs(t, err, ErrCollaboratorFailure)
}

func TestCreateBranch_DryRunSkipsPush(t *testing.T) {
	remote, branch := newRemote(t)
	g := newCollaborator(t, WithDryRun())
	dest := filepath.Join(t.TempDir(), "clone")
	ref := RepoRef{Owner: "acme", Name: "app", CloneURL: remote}

	require.NoError(t, g.CloneOrPull(context.Background(), ref, branch, dest))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "new.py"), []byte("pass\n"), 0o644))
	require.NoError(t, g.CreateBranch(context.Background(), dest, branch, "testwright/dry"))

	// Local branch exists, remote ref does not.
	local, err := git.PlainOpen(dest)
	require.NoError(t, err)
	_, err = local.Reference(plumbing.NewBranchReferenceName("testwright/dry"), true)
	require.NoError(t, err)

	bare, err := git.PlainOpen(remote)
	require.NoError(t, err)
	_, err = bare.Reference(plumbing.NewBranchReferenceName("testwright/dry"), true)
	require.Error(t, err)
}

func TestCreateChangeProposal(t *testing.T) {
	var gotLabels []string
	var gotPR map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/acme/app/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPR))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 7, "html_url": "https://github.com/acme/app/pull/7"}`))
	})
	mux.HandleFunc("/api/v3/repos/acme/app/issues/7/labels", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotLabels))
		_, _ = w.Write([]byte(`[{"name": "automated-tests"}]`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client, err := github.NewClient(nil).WithEnterpriseURLs(server.URL, server.URL)
	require.NoError(t, err)
	g := newCollaborator(t, WithClient(client))

	id, err := g.CreateChangeProposal(context.Background(), RepoRef{Owner: "acme", Name: "app"}, ProposalDescriptor{
		TargetBranch: "main",
		SourceBranch: "testwright/add-tests-1",
		Title:        "Add generated unit tests",
		Body:         "Adds pytest coverage.",
		Labels:       []string{"automated-tests"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/acme/app/pull/7", id)

	assert.Equal(t, "testwright/add-tests-1", gotPR["head"])
	assert.Equal(t, "main", gotPR["base"])
	assert.Equal(t, []string{"automated-tests"}, gotLabels)
}

func TestCreateChangeProposal_DryRun(t *testing.T) {
	g, err := NewGitHub(context.Background(), config.Secret(""), logging.NewTestLogger().Logger, WithDryRun())
	require.NoError(t, err)

	id, err := g.CreateChangeProposal(context.Background(), RepoRef{Owner: "acme", Name: "app"}, ProposalDescriptor{
		Title: "Add generated unit tests",
	})
	require.NoError(t, err)
	assert.Equal(t, "dry-run", id)
}

func TestNewGitHub_RequiresToken(t *testing.T) {
	_, err := NewGitHub(context.Background(), config.Secret(""), logging.NewTestLogger().Logger)
	require.ErrorIs(t, err, ErrCollaboratorFailure)
}
