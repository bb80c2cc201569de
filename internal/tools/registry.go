package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/testwright/internal/logging"
)

// Tool names as exposed to the model.
const (
	ToolReadFile    = "read_file"
	ToolWriteFile   = "write_file"
	ToolListFiles   = "list_files"
	ToolRunTests    = "run_tests"
	ToolRunCoverage = "run_tests_with_coverage"
	ToolStandards   = "get_testing_standards"
)

// Handler executes one tool call. The returned string goes back to the
// model verbatim.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Tool pairs a callable handler with the metadata the model needs to
// invoke it.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Registry holds all registered tools and per-caller grants. A caller may
// only dispatch tools explicitly granted to it; everything else fails
// with ErrCapabilityViolation.
type Registry struct {
	logger *logging.Logger
	tools  map[string]Tool
	grants map[string]map[string]bool
}

// NewRegistry registers the full tool surface and returns a registry with
// no grants. Callers receive subsets via Grant.
func NewRegistry(surface *Surface, logger *logging.Logger) *Registry {
	r := &Registry{
		logger: logger.Named("registry"),
		tools:  make(map[string]Tool),
		grants: make(map[string]map[string]bool),
	}
	for _, t := range surfaceTools(surface) {
		r.tools[t.Name] = t
	}
	return r
}

// Grant allows caller to dispatch the named tools.
func (r *Registry) Grant(caller string, names ...string) error {
	set := r.grants[caller]
	if set == nil {
		set = make(map[string]bool)
		r.grants[caller] = set
	}
	for _, name := range names {
		if _, ok := r.tools[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		set[name] = true
	}
	return nil
}

// Granted returns the tools available to caller, sorted by name.
func (r *Registry) Granted(caller string) []Tool {
	set := r.grants[caller]
	result := make([]Tool, 0, len(set))
	for name := range set {
		result = append(result, r.tools[name])
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Dispatch runs a tool call on behalf of caller. An ungranted or unknown
// tool name is a capability violation. Tool execution errors (missing
// files, path violations) are returned as ordinary errors for the caller
// to relay.
func (r *Registry) Dispatch(ctx context.Context, caller, name string, args json.RawMessage) (string, error) {
	if !r.grants[caller][name] {
		r.logger.Warn(ctx, "capability violation",
			zap.String("caller", caller),
			zap.String("tool", name))
		return "", fmt.Errorf("%w: caller %q, tool %q", ErrCapabilityViolation, caller, name)
	}

	r.logger.Trace(ctx, "dispatching tool",
		zap.String("caller", caller),
		zap.String("tool", name))
	return r.tools[name].Handler(ctx, args)
}

func surfaceTools(s *Surface) []Tool {
	return []Tool{
		{
			Name:        ToolReadFile,
			Description: "Read a file from the cloned repository workspace.",
			Parameters: objectSchema(map[string]any{
				"path": stringProp("Workspace-relative path to the file"),
			}, "path"),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Path string `json:"path"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("decoding read_file args: %w", err)
				}
				return s.ReadFile(args.Path)
			},
		},
		{
			Name:        ToolWriteFile,
			Description: "Write content to a file in the cloned repository workspace, creating parent directories as needed.",
			Parameters: objectSchema(map[string]any{
				"path":    stringProp("Workspace-relative path to the file"),
				"content": stringProp("Full content to write"),
			}, "path", "content"),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Path    string `json:"path"`
					Content string `json:"content"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("decoding write_file args: %w", err)
				}
				if err := s.WriteFile(args.Path, args.Content); err != nil {
					return "", err
				}
				return fmt.Sprintf("wrote %s", args.Path), nil
			},
		},
		{
			Name:        ToolListFiles,
			Description: "Recursively list files in a workspace directory, optionally filtered by a glob pattern on the file name.",
			Parameters: objectSchema(map[string]any{
				"directory": stringProp("Workspace-relative directory, '.' for the repository root"),
				"pattern":   stringProp("Glob pattern matched against file names, for example '*.py'"),
			}, "directory"),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Directory string `json:"directory"`
					Pattern   string `json:"pattern"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("decoding list_files args: %w", err)
				}
				files, err := s.ListFiles(args.Directory, args.Pattern)
				if err != nil {
					return "", err
				}
				if len(files) == 0 {
					return "no matching files", nil
				}
				return strings.Join(files, "\n"), nil
			},
		},
		{
			Name:        ToolRunTests,
			Description: "Run pytest against a workspace path and report whether the tests passed.",
			Parameters: objectSchema(map[string]any{
				"path":    stringProp("Workspace-relative path to the tests, '.' for the whole repository"),
				"verbose": boolProp("Run pytest with -v"),
			}, "path"),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Path    string `json:"path"`
					Verbose bool   `json:"verbose"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("decoding run_tests args: %w", err)
				}
				res, err := s.RunTests(ctx, args.Path, args.Verbose)
				if err != nil {
					return "", err
				}
				return marshalResult(res)
			},
		},
		{
			Name:        ToolRunCoverage,
			Description: "Run pytest with coverage collection for a source path and report the coverage summary.",
			Parameters: objectSchema(map[string]any{
				"path":        stringProp("Workspace-relative path to the tests"),
				"source_path": stringProp("Workspace-relative path to the source code being measured"),
			}, "path", "source_path"),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Path       string `json:"path"`
					SourcePath string `json:"source_path"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", fmt.Errorf("decoding run_tests_with_coverage args: %w", err)
				}
				res, err := s.RunTestsWithCoverage(ctx, args.Path, args.SourcePath)
				if err != nil {
					return "", err
				}
				return marshalResult(res)
			},
		},
		{
			Name:        ToolStandards,
			Description: "Fetch the testing standards document that generated tests must follow.",
			Parameters:  objectSchema(map[string]any{}),
			Handler: func(ctx context.Context, raw json.RawMessage) (string, error) {
				return s.FetchStandards()
			},
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding tool result: %w", err)
	}
	return string(data), nil
}
