// Package tools implements the sandboxed tool surface the pipeline steps
// operate through. Every filesystem path crosses the sandbox before any
// I/O happens, and the registry enforces which tools each step may call.
package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testwright/internal/logging"
	"github.com/fyrsmithlabs/testwright/internal/sandbox"
)

// maxListResults caps a single directory listing so one tool call cannot
// flood a model context window.
const maxListResults = 100

// skipDirs are directory names excluded from listings.
var skipDirs = map[string]bool{
	".git":         true,
	"__pycache__":  true,
	"node_modules": true,
	".venv":        true,
}

// dangerousPatternChars match shell metacharacters and ReDoS shapes that
// have no place in a file glob.
var dangerousPatternChars = regexp.MustCompile("[;|$`\\\\<>&(){}]|\\.{3,}|\\*{3,}")

// Surface exposes workspace file operations and the test runner, all
// scoped to a single sandbox.
type Surface struct {
	sandbox       *sandbox.Sandbox
	standardsPath string
	logger        *logging.Logger

	runner *pytestRunner
}

// Option configures a Surface.
type Option func(*Surface)

// WithStandardsPath points FetchStandards at an external document instead
// of the embedded default.
func WithStandardsPath(path string) Option {
	return func(s *Surface) { s.standardsPath = path }
}

// WithPython overrides the python interpreter used by the test runner.
func WithPython(bin string) Option {
	return func(s *Surface) { s.runner.python = bin }
}

// NewSurface creates a tool surface bound to the given sandbox.
func NewSurface(sb *sandbox.Sandbox, logger *logging.Logger, opts ...Option) *Surface {
	s := &Surface{
		sandbox: sb,
		logger:  logger.Named("tools"),
		runner:  newPytestRunner(sb.Root()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadFile returns the content of a workspace file.
func (s *Surface) ReadFile(path string) (string, error) {
	rel, err := s.sandbox.Resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.sandbox.Abs(rel))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}
	return string(data), nil
}

// WriteFile writes content to a workspace file, creating intermediate
// directories as needed.
func (s *Surface) WriteFile(path, content string) error {
	rel, err := s.sandbox.Resolve(path)
	if err != nil {
		return err
	}
	abs := s.sandbox.Abs(rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("creating directories for %s: %w", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", rel, err)
	}
	return nil
}

// ListFiles walks dir recursively and returns workspace-relative paths of
// files whose base name matches pattern. Version control and dependency
// directories are skipped, and the result is capped at maxListResults.
func (s *Surface) ListFiles(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if err := validatePattern(pattern); err != nil {
		return nil, err
	}

	rel, err := s.sandbox.Resolve(dir)
	if err != nil {
		return nil, err
	}
	root := s.sandbox.Abs(rel)
	if info, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("listing %s: %w", rel, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrInvalidPattern, rel)
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		matched, err := filepath.Match(pattern, d.Name())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
		if !matched {
			return nil
		}
		wsRel, err := filepath.Rel(s.sandbox.Root(), path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(wsRel))
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(files)
	if len(files) > maxListResults {
		files = files[:maxListResults]
	}
	return files, nil
}

// FetchStandards returns the testing standards document. An explicitly
// configured path wins over the embedded default.
func (s *Surface) FetchStandards() (string, error) {
	if s.standardsPath == "" {
		return defaultStandards, nil
	}
	data, err := os.ReadFile(s.standardsPath)
	if err != nil {
		return "", fmt.Errorf("reading standards %s: %w", s.standardsPath, err)
	}
	return string(data), nil
}

// RunTests executes pytest against path inside the workspace.
func (s *Surface) RunTests(ctx context.Context, path string, verbose bool) (*TestResult, error) {
	target, err := s.resolveTestTarget(path)
	if err != nil {
		return nil, err
	}

	args := []string{target}
	if verbose {
		args = append(args, "-v")
	}
	res, err := s.runner.run(ctx, "pytest", args)
	if err != nil {
		return nil, err
	}

	s.logger.Debug(ctx, "pytest finished",
		zap.String("target", target),
		zap.Bool("passed", res.Passed))
	return res, nil
}

// RunTestsWithCoverage executes pytest with coverage collection for
// sourcePath.
func (s *Surface) RunTestsWithCoverage(ctx context.Context, path, sourcePath string) (*CoverageResult, error) {
	target, err := s.resolveTestTarget(path)
	if err != nil {
		return nil, err
	}
	source, err := s.sandbox.Resolve(sourcePath)
	if err != nil {
		return nil, err
	}

	args := []string{target, "--cov=" + source, "--cov-report=term-missing"}
	res, err := s.runner.run(ctx, "pytest-cov", args)
	if err != nil {
		return nil, err
	}

	cov := &CoverageResult{
		Passed:  res.Passed,
		Output:  res.Output,
		Summary: coverageSummary(res.Output),
	}
	s.logger.Debug(ctx, "pytest coverage finished",
		zap.String("target", target),
		zap.String("source", source),
		zap.Bool("passed", cov.Passed))
	return cov, nil
}

func (s *Surface) resolveTestTarget(path string) (string, error) {
	if path == "" || path == "." {
		return ".", nil
	}
	return s.sandbox.Resolve(path)
}

func validatePattern(pattern string) error {
	if dangerousPatternChars.MatchString(pattern) {
		return fmt.Errorf("%w: contains dangerous characters", ErrInvalidPattern)
	}
	if strings.Contains(pattern, "..") {
		return fmt.Errorf("%w: contains path traversal", ErrInvalidPattern)
	}
	if _, err := filepath.Match(pattern, "probe"); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}
