package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// maxRunnerOutput caps captured pytest output. The tail is kept because
// pytest prints its failure summary last.
const maxRunnerOutput = 32 * 1024

// TestResult is the outcome of a pytest invocation.
type TestResult struct {
	Passed bool   `json:"passed"`
	Output string `json:"output"`
}

// CoverageResult is the outcome of a pytest run with coverage collection.
type CoverageResult struct {
	Passed  bool   `json:"passed"`
	Output  string `json:"output"`
	Summary string `json:"summary,omitempty"`
}

// pytestRunner shells out to pytest in the workspace root. Missing runner
// packages are installed at most once per package, then the run is
// retried once.
type pytestRunner struct {
	python  string
	workdir string

	mu        sync.Mutex
	installed map[string]bool
}

func newPytestRunner(workdir string) *pytestRunner {
	return &pytestRunner{
		python:    "python3",
		workdir:   workdir,
		installed: make(map[string]bool),
	}
}

// run executes pytest with args. pkg names the pip package required for
// this flavor of run ("pytest" or "pytest-cov").
func (r *pytestRunner) run(ctx context.Context, pkg string, args []string) (*TestResult, error) {
	out, err := r.exec(ctx, append([]string{"-m", "pytest"}, args...))
	if err == nil {
		return &TestResult{Passed: true, Output: out}, nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("running pytest: %w", err)
	}

	if moduleMissing(out) {
		if installErr := r.installOnce(ctx, pkg); installErr != nil {
			return nil, installErr
		}
		out, err = r.exec(ctx, append([]string{"-m", "pytest"}, args...))
		if err == nil {
			return &TestResult{Passed: true, Output: out}, nil
		}
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("running pytest after install: %w", err)
		}
		if moduleMissing(out) {
			return nil, fmt.Errorf("pytest unavailable after installing %s: %s", pkg, tail(out, 512))
		}
	}

	// Nonzero exit with the module present means test failures, which is
	// a valid result, not a runner error.
	return &TestResult{Passed: false, Output: out}, nil
}

func (r *pytestRunner) exec(ctx context.Context, args []string) (string, error) {
	cmd := exec.CommandContext(ctx, r.python, args...)
	cmd.Dir = r.workdir
	out, err := cmd.CombinedOutput()
	return tail(string(out), maxRunnerOutput), err
}

// installOnce runs pip install for pkg the first time it is requested.
// Later requests for the same package are no-ops even if the install
// failed, so a broken environment surfaces once instead of looping.
func (r *pytestRunner) installOnce(ctx context.Context, pkg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.installed[pkg] {
		return nil
	}
	r.installed[pkg] = true

	cmd := exec.CommandContext(ctx, r.python, "-m", "pip", "install", pkg)
	cmd.Dir = r.workdir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("installing %s: %w: %s", pkg, err, tail(string(out), 512))
	}
	return nil
}

func moduleMissing(output string) bool {
	return strings.Contains(output, "No module named pytest") ||
		strings.Contains(output, "No module named 'pytest'") ||
		strings.Contains(output, "unrecognized arguments: --cov")
}

// coverageSummary extracts the TOTAL line from a coverage report.
func coverageSummary(output string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "TOTAL") {
			return strings.Join(strings.Fields(line), " ")
		}
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
