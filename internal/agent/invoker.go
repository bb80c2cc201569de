package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/testwright/internal/config"
	"github.com/fyrsmithlabs/testwright/internal/logging"
	"github.com/fyrsmithlabs/testwright/internal/tools"
)

// ErrStepFailure indicates a step could not produce its structured
// result. Fatal to the run; steps are never retried.
var ErrStepFailure = errors.New("step failure")

// Invoker executes one pipeline step per method. The engine depends only
// on this interface.
type Invoker interface {
	Verify(ctx context.Context) (*VerificationResult, error)
	Plan(ctx context.Context, verifierNotes, reviewerNotes string) (*PlanArtifact, error)
	Implement(ctx context.Context, plan, reviewerNotes string) (*ImplementationResult, error)
	Review(ctx context.Context, plan string, impl *ImplementationResult) (*ReviewResult, error)
}

// LLMInvoker runs steps against a chat model with tool calling. Every
// tool call round-trips through the registry, which enforces per-role
// capability subsets.
type LLMInvoker struct {
	model       llms.Model
	registry    *tools.Registry
	limiter     *rate.Limiter
	logger      *logging.Logger
	maxTurns    int
	temperature float64
}

// NewModel builds the chat model client from config. Targets any
// OpenAI-compatible endpoint.
func NewModel(cfg config.LLMConfig) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey.Value()),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}
	return model, nil
}

// NewLLMInvoker wires the invoker and grants each role its tool subset
// on the registry.
func NewLLMInvoker(model llms.Model, registry *tools.Registry, cfg config.LLMConfig, logger *logging.Logger) (*LLMInvoker, error) {
	for _, role := range Roles() {
		if err := registry.Grant(role.String(), role.Tools()...); err != nil {
			return nil, fmt.Errorf("granting tools to %s: %w", role, err)
		}
	}

	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &LLMInvoker{
		model:       model,
		registry:    registry,
		limiter:     rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		logger:      logger.Named("agent"),
		maxTurns:    cfg.MaxTurns,
		temperature: cfg.Temperature,
	}, nil
}

// Verify runs the Verifier against the workspace.
func (inv *LLMInvoker) Verify(ctx context.Context) (*VerificationResult, error) {
	task := "Analyze the repository cloned at the workspace root and determine whether its pytest test suite is adequate."

	var result VerificationResult
	if err := inv.run(ctx, RoleVerifier, task, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Plan runs the Planner. Verifier notes describe the coverage gaps;
// reviewer notes, when present, carry feedback from a rejected revision.
func (inv *LLMInvoker) Plan(ctx context.Context, verifierNotes, reviewerNotes string) (*PlanArtifact, error) {
	var b strings.Builder
	b.WriteString("Create a pytest test plan for the repository cloned at the workspace root.")
	if verifierNotes != "" {
		b.WriteString("\n\nVerifier analysis of the current suite:\n")
		b.WriteString(verifierNotes)
	}
	if reviewerNotes != "" {
		b.WriteString("\n\nReviewer feedback from the previous revision, which this plan must resolve:\n")
		b.WriteString(reviewerNotes)
	}

	var result PlanArtifact
	if err := inv.run(ctx, RolePlanner, b.String(), &result); err != nil {
		return nil, err
	}
	if strings.TrimSpace(result.Plan) == "" {
		return nil, fmt.Errorf("%w: planner returned an empty plan", ErrStepFailure)
	}
	return &result, nil
}

// Implement runs the Implementer against the given plan.
func (inv *LLMInvoker) Implement(ctx context.Context, plan, reviewerNotes string) (*ImplementationResult, error) {
	var b strings.Builder
	b.WriteString("Implement the following test plan for the repository cloned at the workspace root.\n\nTest plan:\n")
	b.WriteString(plan)
	if reviewerNotes != "" {
		b.WriteString("\n\nReviewer feedback from the previous revision to apply:\n")
		b.WriteString(reviewerNotes)
	}

	var result ImplementationResult
	if err := inv.run(ctx, RoleImplementer, b.String(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Review runs the Reviewer over the implemented tests.
func (inv *LLMInvoker) Review(ctx context.Context, plan string, impl *ImplementationResult) (*ReviewResult, error) {
	var b strings.Builder
	b.WriteString("Review the tests implemented for the repository cloned at the workspace root.\n\nTest plan they were built from:\n")
	b.WriteString(plan)
	if impl != nil {
		b.WriteString("\n\nImplementer summary:\n")
		b.WriteString(impl.Summary)
		if len(impl.Files) > 0 {
			b.WriteString("\n\nFiles written:\n")
			b.WriteString(strings.Join(impl.Files, "\n"))
		}
	}

	var result ReviewResult
	if err := inv.run(ctx, RoleReviewer, b.String(), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// run drives the tool-calling conversation for one step and decodes the
// final message into out. Transport errors, schema violations, exhausted
// turn budgets, and capability violations all map to ErrStepFailure.
func (inv *LLMInvoker) run(ctx context.Context, role Role, task string, out any) error {
	history := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, role.Instructions()),
		llms.TextParts(llms.ChatMessageTypeHuman, task),
	}
	toolDefs := toolDefinitions(inv.registry.Granted(role.String()))

	for turn := 0; turn < inv.maxTurns; turn++ {
		if err := inv.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %s rate limit wait: %v", ErrStepFailure, role, err)
		}

		resp, err := inv.model.GenerateContent(ctx, history,
			llms.WithTools(toolDefs),
			llms.WithTemperature(inv.temperature),
		)
		if err != nil {
			return fmt.Errorf("%w: %s model call: %v", ErrStepFailure, role, err)
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("%w: %s model returned no choices", ErrStepFailure, role)
		}
		choice := resp.Choices[0]

		if len(choice.ToolCalls) == 0 {
			if err := decodeResult(choice.Content, out); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrStepFailure, role, err)
			}
			inv.logger.Debug(ctx, "step completed",
				zap.String("role", role.String()),
				zap.Int("turns", turn+1))
			return nil
		}

		assistant := llms.MessageContent{Role: llms.ChatMessageTypeAI}
		for _, tc := range choice.ToolCalls {
			assistant.Parts = append(assistant.Parts, tc)
		}
		history = append(history, assistant)

		for _, tc := range choice.ToolCalls {
			msg, err := inv.executeToolCall(ctx, role, tc)
			if err != nil {
				return err
			}
			history = append(history, msg)
		}
	}

	return fmt.Errorf("%w: %s exhausted %d turns without a result", ErrStepFailure, role, inv.maxTurns)
}

// executeToolCall dispatches one tool call. Tool-level errors (missing
// files, path violations) are relayed to the model; a capability
// violation ends the step.
func (inv *LLMInvoker) executeToolCall(ctx context.Context, role Role, tc llms.ToolCall) (llms.MessageContent, error) {
	if tc.FunctionCall == nil {
		return llms.MessageContent{}, fmt.Errorf("%w: %s issued a tool call without a function", ErrStepFailure, role)
	}

	name := tc.FunctionCall.Name
	args := json.RawMessage(tc.FunctionCall.Arguments)
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	content, err := inv.registry.Dispatch(ctx, role.String(), name, args)
	if err != nil {
		if errors.Is(err, tools.ErrCapabilityViolation) {
			return llms.MessageContent{}, fmt.Errorf("%w: %v", ErrStepFailure, err)
		}
		inv.logger.Debug(ctx, "tool call failed",
			zap.String("role", role.String()),
			zap.String("tool", name),
			zap.Error(err))
		content = "tool error: " + err.Error()
	}

	return llms.MessageContent{
		Role: llms.ChatMessageTypeTool,
		Parts: []llms.ContentPart{llms.ToolCallResponse{
			ToolCallID: tc.ID,
			Name:       name,
			Content:    content,
		}},
	}, nil
}

func toolDefinitions(granted []tools.Tool) []llms.Tool {
	defs := make([]llms.Tool, 0, len(granted))
	for _, t := range granted {
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}

var _ Invoker = (*LLMInvoker)(nil)
