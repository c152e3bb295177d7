package schemas

import (
	"encoding/json"
	"fmt"
	"time"
)

// -- Agent Decision Schemas --

// ActionCall is one action invocation requested by the model. On the wire it
// is an object with exactly one key, the action name, mapping to the action's
// parameters: {"click_element": {"index": 7}}.
type ActionCall struct {
	Name string
	Args json.RawMessage
}

// MarshalJSON renders the single-key wire form.
func (c ActionCall) MarshalJSON() ([]byte, error) {
	args := c.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return json.Marshal(map[string]json.RawMessage{c.Name: args})
}

// UnmarshalJSON parses the single-key wire form. An object with zero or more
// than one key is rejected.
func (c *ActionCall) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("action call must be an object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("action call must have exactly one key, got %d", len(raw))
	}
	for name, args := range raw {
		c.Name = name
		c.Args = args
	}
	return nil
}

// AgentOutput is the structured decision the model returns every step.
type AgentOutput struct {
	// Thinking is optional free-form reasoning. Present only when the model
	// was asked for it.
	Thinking               string       `json:"thinking,omitempty"`
	EvaluationPreviousGoal string       `json:"evaluationPreviousGoal"`
	Memory                 string       `json:"memory"`
	NextGoal               string       `json:"nextGoal"`
	Action                 []ActionCall `json:"action"`
}

// ActionNames lists the requested actions in order.
func (o *AgentOutput) ActionNames() []string {
	names := make([]string, 0, len(o.Action))
	for _, a := range o.Action {
		names = append(names, a.Name)
	}
	return names
}

// -- Action Result Schemas --

// ActionResult is the outcome of executing one action.
type ActionResult struct {
	// IsDone marks the terminal action of a task.
	IsDone bool `json:"isDone,omitempty"`
	// Success is only meaningful together with IsDone and reports whether the
	// task was completed successfully.
	Success          *bool  `json:"success,omitempty"`
	ExtractedContent string `json:"extractedContent,omitempty"`
	Error            string `json:"error,omitempty"`
	// IncludeInMemory controls whether ExtractedContent enters durable
	// conversation history. When false the content is shown to the model
	// exactly once, in the next state message.
	IncludeInMemory bool `json:"includeInMemory,omitempty"`
	// LongTermMemory is a compact summary that persists in history even when
	// the full content does not, so later steps know the action happened.
	LongTermMemory string `json:"longTermMemory,omitempty"`
}

// -- Persisted Agent State --

// AgentState is the serializable snapshot of an agent between runs. Marshaling
// it to JSON and back restores an equivalent agent.
type AgentState struct {
	AgentID             string          `json:"agentId"`
	NSteps              int             `json:"nSteps"`
	ConsecutiveFailures int             `json:"consecutiveFailures"`
	LastResult          []ActionResult  `json:"lastResult,omitempty"`
	LastPlan            *string         `json:"lastPlan,omitempty"`
	LastModelOutput     *AgentOutput    `json:"lastModelOutput,omitempty"`
	Paused              bool            `json:"paused"`
	Stopped             bool            `json:"stopped"`
	MessageManagerState json.RawMessage `json:"messageManagerState,omitempty"`
	FileSystemState     json.RawMessage `json:"fileSystemState,omitempty"`
}

// -- Run History Schemas --

// RunStatus is the terminal disposition of an agent run.
type RunStatus string

const (
	RunStatusDone     RunStatus = "done"      // The model issued a done action.
	RunStatusFailed   RunStatus = "failed"    // Consecutive failures exceeded the allowance.
	RunStatusStopped  RunStatus = "stopped"   // An external Stop request ended the run.
	RunStatusMaxSteps RunStatus = "max_steps" // The step budget ran out first.
)

// StepMetadata carries timing bookkeeping for one step.
type StepMetadata struct {
	StepNumber int       `json:"stepNumber"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Duration returns the wall-clock time the step took.
func (m StepMetadata) Duration() time.Duration {
	return m.FinishedAt.Sub(m.StartedAt)
}

// AgentHistory records everything that happened in one step.
type AgentHistory struct {
	ModelOutput *AgentOutput   `json:"modelOutput,omitempty"`
	Result      []ActionResult `json:"result,omitempty"`
	URL         string         `json:"url,omitempty"`
	Title       string         `json:"title,omitempty"`
	// Screenshot is the base64 PNG observed this step, empty when vision is
	// off.
	Screenshot string `json:"screenshot,omitempty"`
	// Usage is the decision call's token accounting, nil when the provider
	// reported none.
	Usage    *TokenUsage  `json:"usage,omitempty"`
	Metadata StepMetadata `json:"metadata"`
}

// AgentHistoryList is the full record of a run. It is always returned, even
// when the run fails.
type AgentHistoryList struct {
	Items  []AgentHistory `json:"items"`
	Status RunStatus      `json:"status,omitempty"`
}

// Add appends one step record.
func (h *AgentHistoryList) Add(item AgentHistory) {
	h.Items = append(h.Items, item)
}

// Len returns the number of recorded steps.
func (h *AgentHistoryList) Len() int { return len(h.Items) }

// IsDone reports whether the run ended with a done action.
func (h *AgentHistoryList) IsDone() bool {
	last := h.lastResult()
	return last != nil && last.IsDone
}

// IsSuccessful reports the success flag of the terminal done action. It
// returns nil when the run never finished.
func (h *AgentHistoryList) IsSuccessful() *bool {
	last := h.lastResult()
	if last == nil || !last.IsDone {
		return nil
	}
	return last.Success
}

// FinalResult returns the extracted content of the terminal action, or "" when
// the run never finished.
func (h *AgentHistoryList) FinalResult() string {
	last := h.lastResult()
	if last == nil || !last.IsDone {
		return ""
	}
	return last.ExtractedContent
}

// Errors collects every action error across all steps, in order.
func (h *AgentHistoryList) Errors() []string {
	var errs []string
	for _, item := range h.Items {
		for _, r := range item.Result {
			if r.Error != "" {
				errs = append(errs, r.Error)
			}
		}
	}
	return errs
}

// URLs lists the page URL observed at each step.
func (h *AgentHistoryList) URLs() []string {
	urls := make([]string, 0, len(h.Items))
	for _, item := range h.Items {
		urls = append(urls, item.URL)
	}
	return urls
}

func (h *AgentHistoryList) lastResult() *ActionResult {
	for i := len(h.Items) - 1; i >= 0; i-- {
		if n := len(h.Items[i].Result); n > 0 {
			return &h.Items[i].Result[n-1]
		}
	}
	return nil
}
