// internal/agent/agent.go
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/agent/memory"
	"github.com/xkilldash9x/voyager-cli/internal/config"
	"github.com/xkilldash9x/voyager-cli/internal/controller"
	"github.com/xkilldash9x/voyager-cli/internal/llm"
	"github.com/xkilldash9x/voyager-cli/internal/tokencost"
)

const defaultMaxSteps = 100

// errStopped ends the run loop when Stop was requested. It is a disposition,
// not a failure, and never reaches the caller.
var errStopped = errors.New("agent stopped")

// Deps bundles the collaborators one agent instance drives.
type Deps struct {
	Router      *llm.Router
	Registry    *controller.Registry
	Environment schemas.EnvironmentController
	// Ledger records token usage of every model call. Nil disables cost
	// accounting.
	Ledger *tokencost.Ledger
	Logger *zap.Logger
}

func (d Deps) validate() error {
	if d.Router == nil {
		return errors.New("agent requires a model router")
	}
	if d.Registry == nil {
		return errors.New("agent requires an action registry")
	}
	if d.Environment == nil {
		return errors.New("agent requires an environment controller")
	}
	if d.Logger == nil {
		return errors.New("agent requires a logger")
	}
	return nil
}

// Agent drives one task through the observe, decide, act loop until the model
// declares it done, the failure allowance runs out, or the step budget ends.
// One Agent owns its state exclusively; the environment collaborator may be
// shared with other agents and serializes conflicting operations itself.
type Agent struct {
	cfg         config.AgentConfig
	plannerTier schemas.ModelTier
	logger      *zap.Logger

	router   *llm.Router
	registry *controller.Registry
	env      schemas.EnvironmentController
	ledger   *tokencost.Ledger
	memory   *memory.Manager

	mu    sync.Mutex
	state schemas.AgentState
	// wake interrupts a paused run on Resume and Stop.
	wake chan struct{}
}

// stepOutcome is what one step attempt reports back to the run loop.
type stepOutcome struct {
	record *schemas.AgentHistory
	done   bool
	// failed marks attempts that count against the failure allowance.
	failed bool
	err    error
}

// New creates an agent for the given task.
func New(task string, cfg *config.Config, deps Deps) (*Agent, error) {
	if strings.TrimSpace(task) == "" {
		return nil, errors.New("task must not be empty")
	}
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}

	agentID := uuid.New().String()[:8]
	logger := deps.Logger.Named("agent").With(zap.String("agent_id", agentID))

	decider, err := deps.Router.Route(schemas.TierPowerful)
	if err != nil {
		return nil, fmt.Errorf("no decision model available: %w", err)
	}

	plannerTier := schemas.TierFast
	if cfg.LLM.PlannerTier == string(schemas.TierPowerful) {
		plannerTier = schemas.TierPowerful
	}

	prompt := systemPrompt(cfg.Agent.MaxActionsPerStep, cfg.Agent.ExtendSystemPrompt)
	mem := memory.New(task, prompt, cfg.Agent, llm.NewEstimator(decider.Model()), logger)

	return &Agent{
		cfg:         cfg.Agent,
		plannerTier: plannerTier,
		logger:      logger,
		router:      deps.Router,
		registry:    deps.Registry,
		env:         deps.Environment,
		ledger:      deps.Ledger,
		memory:      mem,
		state:       schemas.AgentState{AgentID: agentID},
		wake:        make(chan struct{}, 1),
	}, nil
}

// ID returns the agent's identifier, also present on every log line.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.AgentID
}

// Pause suspends the run before its next model call. Actions already in
// flight finish first.
func (a *Agent) Pause() {
	a.mu.Lock()
	a.state.Paused = true
	a.mu.Unlock()
	a.logger.Info("Pause requested, the run suspends at the next step boundary")
}

// Resume lifts a pause.
func (a *Agent) Resume() {
	a.mu.Lock()
	a.state.Paused = false
	a.mu.Unlock()
	a.signal()
	a.logger.Info("Run resumed")
}

// Stop ends the run at the next step boundary. It is terminal; a stopped
// agent cannot run again.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.state.Stopped = true
	a.mu.Unlock()
	a.signal()
	a.logger.Info("Stop requested, the run ends at the next step boundary")
}

// AddNewTask appends a follow-up goal. Intended between runs of the same
// agent; the conversation so far stays in place so the model builds on it.
func (a *Agent) AddNewTask(task string) {
	a.memory.AddTask(task)
	a.logger.Info("Follow-up task added", zap.String("task", task))
}

// State snapshots the agent for persistence. Unmarshaling it into LoadState
// restores an equivalent agent; run history is deliberately not part of it.
func (a *Agent) State() (*schemas.AgentState, error) {
	raw, err := json.Marshal(a.memory.State())
	if err != nil {
		return nil, fmt.Errorf("could not serialize conversation state: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.state
	st.MessageManagerState = raw
	st.LastResult = append([]schemas.ActionResult(nil), a.state.LastResult...)
	if a.state.LastPlan != nil {
		plan := *a.state.LastPlan
		st.LastPlan = &plan
	}
	if a.state.LastModelOutput != nil {
		out := *a.state.LastModelOutput
		st.LastModelOutput = &out
	}
	return &st, nil
}

// LoadState restores a previously persisted agent. The current conversation
// and counters are replaced wholesale.
func (a *Agent) LoadState(st *schemas.AgentState) error {
	if st == nil {
		return nil
	}
	if len(st.MessageManagerState) > 0 {
		var ms memory.State
		if err := json.Unmarshal(st.MessageManagerState, &ms); err != nil {
			return fmt.Errorf("could not restore conversation state: %w", err)
		}
		a.memory.LoadState(ms)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	restored := *st
	restored.MessageManagerState = nil
	if restored.AgentID == "" {
		restored.AgentID = a.state.AgentID
	}
	a.state = restored
	return nil
}

// Run executes the task for at most maxSteps steps. maxSteps <= 0 falls back
// to the configured default. The returned history is never nil, also on
// failure, so callers can inspect partial progress; the error reports why a
// failed run failed.
func (a *Agent) Run(ctx context.Context, maxSteps int) (*schemas.AgentHistoryList, error) {
	if maxSteps <= 0 {
		maxSteps = a.cfg.MaxSteps
	}
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	history := &schemas.AgentHistoryList{}

	a.mu.Lock()
	if a.state.Stopped {
		a.mu.Unlock()
		history.Status = schemas.RunStatusStopped
		return history, errors.New("agent was stopped and cannot run again")
	}
	a.mu.Unlock()

	a.logger.Info("Starting run",
		zap.String("task", a.memory.Task()),
		zap.Int("max_steps", maxSteps),
	)

	var lastErr error
	var wait time.Duration

	for stepNum := 1; stepNum <= maxSteps; stepNum++ {
		if err := a.gate(ctx); err != nil {
			history.Status = schemas.RunStatusStopped
			if errors.Is(err, errStopped) {
				a.finishRun(history)
				return history, nil
			}
			a.finishRun(history)
			return history, err
		}

		if wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				history.Status = schemas.RunStatusStopped
				a.finishRun(history)
				return history, err
			}
		}

		outcome := a.step(ctx, stepNum, maxSteps)
		if outcome.record != nil {
			history.Add(*outcome.record)
		}
		if outcome.err != nil {
			lastErr = outcome.err
		} else if outcome.failed {
			lastErr = errors.New(firstError(outcome.record))
		}

		// Cancellation surfaces through step errors; it ends the run as
		// stopped, never as a counted failure.
		if ctx.Err() != nil {
			history.Status = schemas.RunStatusStopped
			a.finishRun(history)
			return history, ctx.Err()
		}

		rateLimited := outcome.err != nil && llm.IsRateLimit(outcome.err)

		a.mu.Lock()
		switch {
		case rateLimited:
			// Not counted, not reset. The step budget still bounds the run.
		case outcome.failed:
			a.state.ConsecutiveFailures++
		default:
			a.state.ConsecutiveFailures = 0
		}
		failures := a.state.ConsecutiveFailures
		a.mu.Unlock()

		if outcome.failed && !rateLimited && failures > a.cfg.MaxFailures {
			history.Status = schemas.RunStatusFailed
			a.logger.Error("Giving up after repeated failures",
				zap.Int("consecutive_failures", failures),
				zap.Error(lastErr),
			)
			a.finishRun(history)
			return history, lastErr
		}

		if outcome.done {
			history.Status = schemas.RunStatusDone
			a.finishRun(history)
			return history, nil
		}

		switch {
		case rateLimited:
			wait = retryAfter(outcome.err, a.cfg.RetryDelay)
			a.logger.Warn("Model rate limited beyond in-call retries, waiting before the next attempt",
				zap.Int("step", stepNum),
				zap.Duration("wait", wait),
			)
		case outcome.failed:
			wait = a.cfg.RetryDelay
		default:
			wait = 0
		}
	}

	history.Status = schemas.RunStatusMaxSteps
	a.logger.Warn("Step budget exhausted before the task finished", zap.Int("max_steps", maxSteps))
	a.finishRun(history)
	return history, nil
}

// step performs one observe, decide, act, evaluate iteration.
func (a *Agent) step(ctx context.Context, stepNum, maxSteps int) stepOutcome {
	meta := schemas.StepMetadata{StepNumber: stepNum, StartedAt: time.Now().UTC()}

	a.mu.Lock()
	a.state.NSteps++
	lastResults := a.state.LastResult
	plan := a.state.LastPlan
	a.mu.Unlock()

	if a.cfg.PlannerInterval > 0 && stepNum%a.cfg.PlannerInterval == 0 {
		a.runPlanner(ctx, stepNum)
		a.mu.Lock()
		plan = a.state.LastPlan
		a.mu.Unlock()
	}

	snapshot, err := a.env.Snapshot(ctx, a.cfg.UseVision)
	if err != nil {
		return a.failStep(meta, fmt.Errorf("environment snapshot failed: %w", err))
	}

	messages := a.memory.Prepare(memory.StepContext{
		Snapshot:    snapshot,
		LastResults: lastResults,
		Plan:        plan,
		StepNumber:  stepNum,
		MaxSteps:    maxSteps,
		UseVision:   a.cfg.UseVision,
	})

	available := a.registry.Available(snapshot)
	if len(available) == 0 {
		return a.failStep(meta, errors.New("no actions are available on the current page"))
	}
	opts := &schemas.InvokeOptions{
		OutputSchema: decisionSchema(available, a.cfg.UseThinking, a.cfg.MaxActionsPerStep),
		SchemaName:   "AgentDecision",
	}

	res, err := a.invoke(ctx, schemas.TierPowerful, messages, opts)
	if err != nil {
		return a.failStep(meta, fmt.Errorf("model decision failed: %w", err))
	}

	var out schemas.AgentOutput
	if err := json.Unmarshal(res.Parsed, &out); err != nil {
		return a.failStep(meta, fmt.Errorf("could not parse the model decision: %w", err))
	}
	if len(out.Action) == 0 {
		return a.failStep(meta, errors.New("the model returned no actions"))
	}
	if a.cfg.MaxActionsPerStep > 0 && len(out.Action) > a.cfg.MaxActionsPerStep {
		out.Action = out.Action[:a.cfg.MaxActionsPerStep]
	}

	a.logger.Info("Decision",
		zap.Int("step", stepNum),
		zap.String("next_goal", out.NextGoal),
		zap.Strings("actions", out.ActionNames()),
	)
	a.logger.Debug("Full model output", zap.Any("output", &out))

	a.memory.AddModelOutput(&out)

	results := a.registry.ExecuteAll(ctx, out.Action, &controller.ExecutionContext{
		Environment: a.env,
		Secrets:     a.memory.Secrets(),
		PageURL:     snapshot.URL,
		FilePaths:   a.cfg.AvailableFilePaths,
	})
	a.memory.AddResults(results)

	failed := false
	for _, r := range results {
		if r.Error != "" {
			failed = true
		}
	}
	last := results[len(results)-1]
	done := last.IsDone && last.Error == ""

	if done && a.cfg.ValidateOutput {
		if ok, reason := a.validateDone(ctx, last); !ok {
			done = false
			rejection := schemas.ActionResult{
				Error:           "The declared result was rejected: " + reason,
				IncludeInMemory: true,
			}
			a.memory.AddResults([]schemas.ActionResult{rejection})
			results = append(results, rejection)
		}
	}

	a.mu.Lock()
	a.state.LastResult = results
	a.state.LastModelOutput = &out
	a.mu.Unlock()

	meta.FinishedAt = time.Now().UTC()
	logFields := []zap.Field{
		zap.Int("step", stepNum),
		zap.Duration("duration", meta.Duration()),
		zap.Bool("failed", failed),
		zap.Bool("done", done),
	}
	if res.Usage != nil {
		logFields = append(logFields,
			zap.Int("prompt_tokens", res.Usage.PromptTokens),
			zap.Int("completion_tokens", res.Usage.CompletionTokens),
		)
	}
	a.logger.Info("Step finished", logFields...)

	return stepOutcome{
		record: &schemas.AgentHistory{
			ModelOutput: &out,
			Result:      results,
			URL:         snapshot.URL,
			Title:       snapshot.Title,
			Screenshot:  snapshot.Screenshot,
			Usage:       res.Usage,
			Metadata:    meta,
		},
		done:   done,
		failed: failed,
	}
}

// failStep wraps a step-level error into an outcome whose history record
// makes the failure inspectable, and keeps it visible to the model on the
// next attempt.
func (a *Agent) failStep(meta schemas.StepMetadata, err error) stepOutcome {
	a.logger.Warn("Step failed", zap.Int("step", meta.StepNumber), zap.Error(err))

	results := []schemas.ActionResult{{Error: err.Error()}}
	a.mu.Lock()
	a.state.LastResult = results
	a.mu.Unlock()

	meta.FinishedAt = time.Now().UTC()
	return stepOutcome{
		record: &schemas.AgentHistory{Result: results, Metadata: meta},
		failed: true,
		err:    err,
	}
}

// invoke routes one model call and records its usage.
func (a *Agent) invoke(ctx context.Context, tier schemas.ModelTier, messages []schemas.Message, opts *schemas.InvokeOptions) (*schemas.ChatResult, error) {
	client, err := a.router.Route(tier)
	if err != nil {
		return nil, err
	}
	res, err := client.Invoke(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	if a.ledger != nil && res.Usage != nil {
		a.ledger.Record(client.Model(), client.Provider(), *res.Usage)
	}
	return res, nil
}

// runPlanner asks the planning model for fresh guidance. Best effort: a
// failed planner call never fails the step.
func (a *Agent) runPlanner(ctx context.Context, stepNum int) {
	conversation := a.memory.Conversation()
	messages := make([]schemas.Message, 0, len(conversation)+1)
	messages = append(messages, schemas.NewSystemMessage(plannerPrompt))
	if len(conversation) > 1 {
		messages = append(messages, conversation[1:]...)
	}

	res, err := a.invoke(ctx, a.plannerTier, messages, nil)
	if err != nil {
		a.logger.Warn("Planner call failed, continuing with the previous plan", zap.Error(err))
		return
	}
	plan := strings.TrimSpace(res.Content)
	if plan == "" {
		return
	}

	a.mu.Lock()
	a.state.LastPlan = &plan
	a.mu.Unlock()
	a.logger.Info("Plan updated", zap.Int("step", stepNum))
	a.logger.Debug("Plan text", zap.String("plan", plan))
}

// validateDone has a model review the declared final result against the task.
// A validator that cannot run accepts the result; refusing to finish over an
// internal error would trade a suspect answer for none at all.
func (a *Agent) validateDone(ctx context.Context, final schemas.ActionResult) (bool, string) {
	conversation := a.memory.Conversation()
	messages := make([]schemas.Message, 0, len(conversation)+1)
	messages = append(messages, schemas.NewSystemMessage(validatorPrompt(a.memory.Task())))
	if len(conversation) > 1 {
		messages = append(messages, conversation[1:]...)
	}
	messages = append(messages, schemas.NewUserMessage("The agent's final answer:\n"+final.ExtractedContent))

	opts := &schemas.InvokeOptions{OutputSchema: verdictSchema(), SchemaName: "DoneVerdict"}
	res, err := a.invoke(ctx, schemas.TierPowerful, messages, opts)
	if err != nil {
		a.logger.Warn("Output validation could not run, accepting the declared result", zap.Error(err))
		return true, ""
	}

	var v doneVerdict
	if err := json.Unmarshal(res.Parsed, &v); err != nil {
		a.logger.Warn("Output validator verdict was unreadable, accepting the declared result", zap.Error(err))
		return true, ""
	}
	if !v.IsValid {
		a.logger.Info("Declared result rejected by the output validator", zap.String("reason", v.Reason))
	}
	return v.IsValid, v.Reason
}

// gate blocks while the agent is paused and reports whether the run may
// continue.
func (a *Agent) gate(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.mu.Lock()
		stopped, paused := a.state.Stopped, a.state.Paused
		a.mu.Unlock()
		if stopped {
			return errStopped
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.wake:
		}
	}
}

func (a *Agent) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) finishRun(history *schemas.AgentHistoryList) {
	fields := []zap.Field{
		zap.String("status", string(history.Status)),
		zap.Int("steps", history.Len()),
	}
	if a.ledger != nil {
		s := a.ledger.Summary()
		fields = append(fields,
			zap.Int("prompt_tokens", s.Usage.PromptTokens),
			zap.Int("completion_tokens", s.Usage.CompletionTokens),
			zap.Float64("cost_usd", s.TotalCost),
		)
	}
	a.logger.Info("Run finished", fields...)
}

func firstError(rec *schemas.AgentHistory) string {
	if rec != nil {
		for _, r := range rec.Result {
			if r.Error != "" {
				return r.Error
			}
		}
	}
	return "step failed"
}

// retryAfter prefers the provider's suggested wait over the configured one.
func retryAfter(err error, fallback time.Duration) time.Duration {
	var rl *llm.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
