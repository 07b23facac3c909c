// Package agent implements the run orchestrator: the step loop that drives
// the model, arbitrates and executes tool calls, and emits the run's event
// stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/ponchohq/poncho/internal/approval"
	"github.com/ponchohq/poncho/internal/mcp"
	"github.com/ponchohq/poncho/internal/provider"
	"github.com/ponchohq/poncho/internal/tools"
	"github.com/ponchohq/poncho/pkg/models"
)

// DefaultMaxSteps bounds a run when the manifest sets no limit.
const DefaultMaxSteps = 10

// Emitter receives the run's events in order. The SSE broker's Publish
// satisfies it.
type Emitter func(models.AgentEvent)

// Orchestrator drives runs for one agent.
type Orchestrator struct {
	Provider provider.Client
	Registry *tools.Registry
	Arbiter  *approval.Arbiter
	Logger   *slog.Logger

	// System is the fully rendered system prompt (manifest body plus skill
	// listing).
	System string

	Model       string
	Temperature *float64
	MaxTokens   int

	// MaxSteps is the step budget; zero means DefaultMaxSteps.
	MaxSteps int

	// ApprovalTimeout bounds each gated tool call; zero waits indefinitely
	// (until run cancellation).
	ApprovalTimeout time.Duration

	AgentID    string
	WorkingDir string
}

// Input is one run request.
type Input struct {
	RunID          string
	ConversationID string

	// Task is the user's message; it is appended to the history as the run's
	// user message.
	Task string

	// Attachments are file parts riding with the task message.
	Attachments []models.ContentPart

	// Parameters are exposed to tool handlers via the run context.
	Parameters map[string]any

	// History is the conversation's committed transcript before this run.
	History []models.Message
}

// Output pairs the run result with the staged messages. Staged holds the
// user message plus everything the run produced; the caller commits it to
// the conversation only when Status is completed, so a failed or cancelled
// run never leaves a partial append behind.
type Output struct {
	Result *models.RunResult
	Staged []models.Message
}

// fauxToolPattern flags final texts that narrate a tool invocation that
// never happened. Advisory only.
var fauxToolPattern = regexp.MustCompile(
	"(?i)(<tool_call>|<function_call>|\\b(?:calling|invoking|running) the [`\"']?[\\w./-]+[`\"']? tool\\b)")

// Run executes the step loop. Events go to emit in order, ending with
// exactly one terminal event. The returned error mirrors run:error.
func (o *Orchestrator) Run(ctx context.Context, in Input, emit Emitter) (*Output, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "run", in.RunID)

	maxSteps := o.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	result := &models.RunResult{
		RunID:          in.RunID,
		ConversationID: in.ConversationID,
		Status:         models.RunCompleted,
		MaxSteps:       maxSteps,
	}

	staged := make([]models.Message, 0, 8)
	if in.Task != "" || len(in.Attachments) > 0 {
		user := models.TextMessage(models.RoleUser, in.Task)
		if len(in.Attachments) > 0 {
			user.Parts = append([]models.ContentPart{{Type: models.PartText, Text: in.Task}}, in.Attachments...)
		}
		staged = append(staged, user)
	}
	transcript := append(append([]models.Message(nil), in.History...), staged...)

	emit(models.Event(models.EventRunStarted, models.RunStartedPayload{
		RunID:          in.RunID,
		ConversationID: in.ConversationID,
	}))

	sawToolEvents := false
	lastText := ""

	for step := 1; ; step++ {
		if step > maxSteps {
			result.Continuation = true
			break
		}
		if err := ctx.Err(); err != nil {
			return o.cancelled(in, result, emit, logger), nil
		}

		stepStart := time.Now()
		emit(models.Event(models.EventStepStarted, models.StepStartedPayload{Step: step}))
		result.Steps = step

		final, err := o.generate(ctx, transcript, emit)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return o.cancelled(in, result, emit, logger), nil
			}
			code := "model-error"
			if errors.Is(err, provider.ErrModelNotFound) {
				code = "model-not-found"
			}
			logger.Error("model call failed", "step", step, "error", err)
			result.Status = models.RunError
			emit(models.Event(models.EventRunError, models.RunErrorPayload{
				Code:    code,
				Message: err.Error(),
			}))
			return &Output{Result: result}, err
		}

		result.Usage.Add(final.Usage)
		emit(models.Event(models.EventModelResponse, models.ModelResponsePayload{Usage: final.Usage}))
		lastText = final.Text

		if len(final.ToolCalls) == 0 {
			assistant := models.TextMessage(models.RoleAssistant, final.Text)
			staged = append(staged, assistant)
			emit(models.Event(models.EventStepCompleted, models.StepCompletedPayload{
				Step:       step,
				DurationMs: time.Since(stepStart).Milliseconds(),
			}))
			if !sawToolEvents && fauxToolPattern.MatchString(final.Text) {
				emit(models.Event(models.EventRunWarning, models.RunWarningPayload{
					Message: "response narrates a tool call but no tool ran",
				}))
			}
			break
		}

		sawToolEvents = true
		assistant := models.TextMessage(models.RoleAssistant, final.Text)
		assistant.ToolCalls = final.ToolCalls

		toolMsg, sections, cancelled := o.executeToolCalls(ctx, in, step, final.ToolCalls, emit, logger)
		if cancelled {
			return o.cancelled(in, result, emit, logger), nil
		}
		assistant.Metadata = &models.MessageMeta{Step: step, Sections: sections}
		staged = append(staged, assistant, toolMsg)
		transcript = append(transcript, assistant, toolMsg)

		emit(models.Event(models.EventStepCompleted, models.StepCompletedPayload{
			Step:       step,
			DurationMs: time.Since(stepStart).Milliseconds(),
		}))
	}

	result.Response = lastText
	emit(models.Event(models.EventRunCompleted, models.RunCompletedPayload{Result: *result}))
	logger.Info("run completed",
		"steps", result.Steps, "continuation", result.Continuation,
		"inputTokens", result.Usage.InputTokens, "outputTokens", result.Usage.OutputTokens)
	return &Output{Result: result, Staged: staged}, nil
}

// generate runs one model call, fanning chunks out as events. Cancellation
// between chunks surfaces as the stream's error.
func (o *Orchestrator) generate(ctx context.Context, transcript []models.Message, emit Emitter) (*provider.Final, error) {
	req := &provider.Request{
		System:      o.System,
		Messages:    transcript,
		Tools:       o.Registry.Specs(),
		Model:       o.Model,
		Temperature: o.Temperature,
		MaxTokens:   o.MaxTokens,
	}
	events, err := o.Provider.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	for ev := range events {
		switch {
		case ev.Err != nil:
			return nil, ev.Err
		case ev.Final != nil:
			return ev.Final, nil
		case ev.Text != "":
			emit(models.Event(models.EventModelChunk, models.ModelChunkPayload{Text: ev.Text}))
		}
	}
	return nil, fmt.Errorf("model stream ended without a final event")
}

// toolSection records one executed call for the assistant message's
// metadata: name, input, outcome.
func toolSection(call models.ToolCall, outcome string) models.Section {
	body := outcome
	if len(call.Input) > 0 {
		body = "input: " + string(call.Input) + "\n" + outcome
	}
	return models.Section{Type: "tool", Title: call.Name, Body: body}
}

// executeToolCalls runs the step's tool calls sequentially in model order
// and builds the tool-result message plus the activity sections for the
// calling assistant message.
func (o *Orchestrator) executeToolCalls(ctx context.Context, in Input, step int, calls []models.ToolCall, emit Emitter, logger *slog.Logger) (models.Message, []models.Section, bool) {
	toolCtx := tools.NewContext(ctx, tools.RunContext{
		RunID:      in.RunID,
		AgentID:    o.AgentID,
		Step:       step,
		WorkingDir: o.WorkingDir,
		Parameters: in.Parameters,
	})

	msg := models.Message{Role: models.RoleTool, CreatedAt: time.Now().UTC()}
	sections := make([]models.Section, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return msg, sections, true
		}

		tool, ok := o.Registry.Get(call.Name)
		if !ok {
			logger.Warn("unknown tool requested", "tool", call.Name)
			emit(models.Event(models.EventToolError, models.ToolErrorPayload{
				Tool:        call.Name,
				Error:       "tool not found",
				Recoverable: true,
			}))
			msg.ToolResults = append(msg.ToolResults, models.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("tool not found: %s", call.Name),
				IsError:    true,
			})
			sections = append(sections, toolSection(call, "tool not found"))
			continue
		}

		if o.Registry.Gated(tool) {
			granted, cancelled := o.arbitrate(ctx, in, call, emit, logger)
			if cancelled {
				return msg, sections, true
			}
			if !granted {
				emit(models.Event(models.EventToolError, models.ToolErrorPayload{
					Tool:        call.Name,
					Error:       "not approved",
					Recoverable: false,
				}))
				msg.ToolResults = append(msg.ToolResults, models.ToolResult{
					ToolCallID: call.ID,
					Content:    fmt.Sprintf("tool call %s was not approved", call.Name),
					IsError:    true,
				})
				sections = append(sections, toolSection(call, "not approved"))
				continue
			}
		}

		emit(models.Event(models.EventToolStarted, models.ToolStartedPayload{
			Tool:  call.Name,
			Input: call.Input,
		}))

		start := time.Now()
		output, err := o.invoke(toolCtx, tool, call)
		if err != nil {
			if ctx.Err() != nil {
				return msg, sections, true
			}
			recoverable := mcp.IsTransient(err)
			logger.Warn("tool failed", "tool", call.Name, "recoverable", recoverable, "error", err)
			emit(models.Event(models.EventToolError, models.ToolErrorPayload{
				Tool:        call.Name,
				Error:       err.Error(),
				Recoverable: recoverable,
			}))
			msg.ToolResults = append(msg.ToolResults, models.ToolResult{
				ToolCallID: call.ID,
				Content:    err.Error(),
				IsError:    true,
			})
			sections = append(sections, toolSection(call, "error: "+err.Error()))
			continue
		}

		emit(models.Event(models.EventToolCompleted, models.ToolCompletedPayload{
			Tool:       call.Name,
			Output:     output,
			DurationMs: time.Since(start).Milliseconds(),
		}))
		msg.ToolResults = append(msg.ToolResults, models.ToolResult{
			ToolCallID: call.ID,
			Content:    output,
		})
		sections = append(sections, toolSection(call, output))
	}
	return msg, sections, false
}

// invoke validates and runs one tool handler, converting panics into
// errors so a misbehaving handler cannot take the run down.
func (o *Orchestrator) invoke(ctx context.Context, tool *tools.Tool, call models.ToolCall) (output string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	if err := tool.ValidateInput(call.Input); err != nil {
		return "", err
	}
	return tool.Handler(ctx, call.Input)
}

// arbitrate suspends a gated call on the approval arbiter. A missing
// arbiter denies outright.
func (o *Orchestrator) arbitrate(ctx context.Context, in Input, call models.ToolCall, emit Emitter, logger *slog.Logger) (granted, cancelled bool) {
	if o.Arbiter == nil {
		return false, false
	}
	req := o.Arbiter.Create(in.RunID, in.ConversationID, call.Name, call.Input)
	emit(models.Event(models.EventApprovalRequired, models.ApprovalPayload{
		ApprovalID: req.ID,
		Tool:       call.Name,
		Input:      call.Input,
	}))

	waitCtx := ctx
	if o.ApprovalTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, o.ApprovalTimeout)
		defer cancel()
	}
	decision := o.Arbiter.Await(waitCtx, req)
	if ctx.Err() != nil {
		return false, true
	}

	if decision.Approved {
		emit(models.Event(models.EventApprovalGranted, models.ApprovalPayload{
			ApprovalID: req.ID,
			Tool:       call.Name,
		}))
		return true, false
	}
	logger.Info("tool call denied", "tool", call.Name, "reason", decision.Reason)
	emit(models.Event(models.EventApprovalDenied, models.ApprovalPayload{
		ApprovalID: req.ID,
		Tool:       call.Name,
	}))
	return false, false
}

// cancelled finalizes a cancelled run: deny pending approvals, emit the
// terminal event, stage nothing.
func (o *Orchestrator) cancelled(in Input, result *models.RunResult, emit Emitter, logger *slog.Logger) *Output {
	if o.Arbiter != nil {
		o.Arbiter.CancelRun(in.RunID)
	}
	result.Status = models.RunCancelled
	emit(models.Event(models.EventRunCancelled, models.RunCancelledPayload{RunID: in.RunID}))
	logger.Info("run cancelled", "steps", result.Steps)
	return &Output{Result: result}
}
