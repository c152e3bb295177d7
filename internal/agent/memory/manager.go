// internal/agent/memory/manager.go
package memory

import (
	"fmt"
	"strings"
	"sync"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// maxErrorChars bounds how much of an action error is replayed to the model.
const maxErrorChars = 400

// defaultInputBudget applies when the configuration leaves the token budget
// unset.
const defaultInputBudget = 128000

// TokenEstimator counts tokens the way the active model tokenizes them.
type TokenEstimator interface {
	CountMessage(m schemas.Message) int
}

// TrackedMessage pairs one chat turn with its cached token estimate, so the
// budget check does not re-tokenize the whole conversation every step.
type TrackedMessage struct {
	Message schemas.Message `json:"message"`
	Tokens  int             `json:"tokens"`
}

// State is the serializable snapshot of the manager. Marshaling it into
// AgentState and loading it back restores an equivalent conversation.
type State struct {
	Task        string           `json:"task"`
	Messages    []TrackedMessage `json:"messages"`
	TotalTokens int              `json:"totalTokens"`
}

// StepContext carries everything one observation folds into the conversation.
type StepContext struct {
	Snapshot *schemas.BrowserStateSnapshot
	// LastResults are the results of the previous step's actions. Results
	// that asked to be remembered are already in durable history; the rest
	// appear in this step's state message and nowhere else.
	LastResults []schemas.ActionResult
	// Plan is the most recent planner output, shown as guidance.
	Plan       *string
	StepNumber int
	MaxSteps   int
	// UseVision attaches the snapshot's screenshot to the state message.
	UseVision bool
}

// Manager owns the conversation sent to the model: one system message that is
// never trimmed, the durable history of decisions and remembered results, and
// a per-step state message built fresh from the latest observation. It keeps
// the whole list under the configured token budget, oldest entries dropped
// first and images sacrificed before any text.
type Manager struct {
	mu        sync.Mutex
	logger    *zap.Logger
	estimator TokenEstimator
	secrets   *SecretStore
	budget    int

	task     string
	messages []TrackedMessage
}

// New creates a manager seeded with the system prompt and the initial task.
func New(task, systemPrompt string, cfg config.AgentConfig, estimator TokenEstimator, logger *zap.Logger) *Manager {
	budget := cfg.MaxInputTokens
	if budget <= 0 {
		budget = defaultInputBudget
	}

	m := &Manager{
		logger:    logger.Named("message_manager"),
		estimator: estimator,
		secrets:   NewSecretStore(cfg.SensitiveData),
		budget:    budget,
		task:      task,
	}

	m.appendLocked(schemas.NewSystemMessage(systemPrompt))
	m.appendLocked(schemas.NewUserMessage(m.taskText(task)))
	return m
}

// Task returns the current goal text.
func (m *Manager) Task() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.task
}

// AddTask appends a follow-up goal. The previous conversation stays in place
// so the model can build on what it already did.
func (m *Manager) AddTask(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.task = task
	text := fmt.Sprintf("Your new task is: %q. It builds on the steps above, so keep their outcome in mind and continue from there.", task)
	m.appendLocked(schemas.NewUserMessage(text))
}

// Secrets exposes the sensitive-data store so action dispatch can resolve
// placeholders at the last moment.
func (m *Manager) Secrets() *SecretStore {
	return m.secrets
}

// AddModelOutput records the model's decision as a durable assistant turn.
func (m *Manager) AddModelOutput(out *schemas.AgentOutput) {
	if out == nil {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		m.logger.Warn("Could not serialize model output for history", zap.Error(err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(schemas.NewAssistantMessage(string(data)))
}

// AddResults persists what each result asked to keep: the full content when
// IncludeInMemory is set, otherwise the compact LongTermMemory summary when
// one was provided. Everything else is shown exactly once, in the next state
// message.
func (m *Manager) AddResults(results []schemas.ActionResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range results {
		if r.IncludeInMemory {
			if r.ExtractedContent != "" {
				m.appendLocked(schemas.NewUserMessage("Action result: " + r.ExtractedContent))
			}
			if r.Error != "" {
				m.appendLocked(schemas.NewUserMessage("Action error: " + tail(r.Error, maxErrorChars)))
			}
			continue
		}
		if r.LongTermMemory != "" {
			m.appendLocked(schemas.NewUserMessage("Action result: " + r.LongTermMemory))
		}
	}
}

// Prepare assembles the message list for one model call: system message,
// durable history, and a state message built from the step context. The
// returned list is always within the token budget.
func (m *Manager) Prepare(sc StepContext) []schemas.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := schemas.NewUserMessage(m.stateTextLocked(sc))
	if sc.UseVision && sc.Snapshot != nil && sc.Snapshot.Screenshot != "" {
		msg = msg.WithImage("data:image/png;base64,"+sc.Snapshot.Screenshot, "auto")
	}
	state := m.trackLocked(msg)

	m.fitLocked(&state)

	out := make([]schemas.Message, 0, len(m.messages)+1)
	for _, tm := range m.messages {
		out = append(out, tm.Message)
	}
	return append(out, state.Message)
}

// Conversation returns a copy of the durable history, system message first.
// The planner builds its own prompt on top of everything after index 0.
func (m *Manager) Conversation() []schemas.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schemas.Message, 0, len(m.messages))
	for _, tm := range m.messages {
		out = append(out, tm.Message)
	}
	return out
}

// TotalTokens reports the estimated size of the durable history.
func (m *Manager) TotalTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalLocked()
}

// State exports the manager for persistence.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]TrackedMessage, len(m.messages))
	for i, tm := range m.messages {
		parts := make([]schemas.ContentPart, len(tm.Message.Parts))
		copy(parts, tm.Message.Parts)
		msgs[i] = TrackedMessage{
			Message: schemas.Message{Role: tm.Message.Role, Parts: parts},
			Tokens:  tm.Tokens,
		}
	}
	return State{Task: m.task, Messages: msgs, TotalTokens: m.totalLocked()}
}

// LoadState replaces the conversation with a previously exported one. A state
// without messages is ignored so a fresh manager keeps its seed. Entries
// missing a token count are re-estimated.
func (m *Manager) LoadState(s State) {
	if len(s.Messages) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.Task != "" {
		m.task = s.Task
	}
	m.messages = make([]TrackedMessage, len(s.Messages))
	copy(m.messages, s.Messages)
	for i := range m.messages {
		if m.messages[i].Tokens == 0 {
			m.messages[i].Tokens = m.estimator.CountMessage(m.messages[i].Message)
		}
	}
}

// -- Internal Helpers --

// appendLocked masks secrets, estimates tokens, and appends a durable turn.
func (m *Manager) appendLocked(msg schemas.Message) {
	m.messages = append(m.messages, m.trackLocked(msg))
}

func (m *Manager) trackLocked(msg schemas.Message) TrackedMessage {
	masked := m.maskMessage(msg)
	return TrackedMessage{Message: masked, Tokens: m.estimator.CountMessage(masked)}
}

// maskMessage replaces literal secret values in every text-bearing part.
func (m *Manager) maskMessage(msg schemas.Message) schemas.Message {
	if m.secrets.Empty() {
		return msg
	}
	parts := make([]schemas.ContentPart, len(msg.Parts))
	copy(parts, msg.Parts)
	for i := range parts {
		if parts[i].Type != schemas.ContentImage && parts[i].Text != "" {
			parts[i].Text = m.secrets.MaskValues(parts[i].Text)
		}
	}
	return schemas.Message{Role: msg.Role, Parts: parts}
}

func (m *Manager) totalLocked() int {
	total := 0
	for _, tm := range m.messages {
		total += tm.Tokens
	}
	return total
}

// fitLocked trims until durable history plus the state message fit the
// budget. Images go first, oldest turn first, then whole turns starting at
// the oldest non-system entry, and as a last resort the state text itself is
// cut down. Running it on an already fitting list changes nothing.
func (m *Manager) fitLocked(state *TrackedMessage) {
	total := m.totalLocked() + state.Tokens
	if total <= m.budget {
		return
	}

	// Images dominate token cost, so every image goes before any text.
	for i := range m.messages {
		if total <= m.budget {
			break
		}
		if m.messages[i].Message.HasImage() {
			m.messages[i].Message = m.messages[i].Message.StripImages()
			total -= m.messages[i].Tokens
			m.messages[i].Tokens = m.estimator.CountMessage(m.messages[i].Message)
			total += m.messages[i].Tokens
		}
	}
	if total > m.budget && state.Message.HasImage() {
		state.Message = state.Message.StripImages()
		state.Tokens = m.estimator.CountMessage(state.Message)
		total = m.totalLocked() + state.Tokens
	}

	// Drop whole turns, oldest first. Index 0 is the system message and is
	// never a candidate.
	dropped := 0
	for total > m.budget && len(m.messages) > 1 {
		total -= m.messages[1].Tokens
		m.messages = append(m.messages[:1], m.messages[2:]...)
		dropped++
	}
	if dropped > 0 {
		m.logger.Debug("Trimmed conversation history to fit token budget",
			zap.Int("dropped_messages", dropped),
			zap.Int("total_tokens", total),
			zap.Int("budget", m.budget),
		)
	}

	if total <= m.budget {
		return
	}

	// Only the system message and the state message remain. Cut the state
	// text until the pair fits.
	avail := m.budget - m.totalLocked()
	for state.Tokens > avail {
		idx := firstTextPart(state.Message)
		if idx < 0 || state.Message.Parts[idx].Text == "" {
			m.logger.Warn("Token budget too small for the system prompt and state frame",
				zap.Int("budget", m.budget))
			break
		}
		text := state.Message.Parts[idx].Text
		keep := 0
		if state.Tokens > 0 && avail > 0 {
			keep = len(text) * avail / state.Tokens
		}
		if keep >= len(text) {
			keep = len(text) - 1
		}
		if keep < 0 {
			keep = 0
		}
		state.Message.Parts[idx].Text = strings.ToValidUTF8(text[:keep], "")
		state.Tokens = m.estimator.CountMessage(state.Message)
	}
}

// stateTextLocked renders the per-step user message.
func (m *Manager) stateTextLocked(sc StepContext) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Your current task: %s\n", m.task)

	visible := transientResults(sc.LastResults)
	if len(visible) > 0 {
		sb.WriteString("\nResults of your previous actions:\n")
		for _, line := range visible {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	if sc.Plan != nil && *sc.Plan != "" {
		fmt.Fprintf(&sb, "\nCurrent plan:\n%s\n", *sc.Plan)
	}

	if sc.MaxSteps > 0 {
		fmt.Fprintf(&sb, "\nStep %d of %d.\n", sc.StepNumber, sc.MaxSteps)
	}

	snap := sc.Snapshot
	if snap == nil {
		sb.WriteString("\nNo browser state is available for this step.")
		return sb.String()
	}

	fmt.Fprintf(&sb, "\nCurrent url: %s\n", snap.URL)
	if len(snap.Tabs) > 0 {
		sb.WriteString("Open tabs:\n")
		for _, tab := range snap.Tabs {
			fmt.Fprintf(&sb, "  %d: %s (%s)\n", tab.ID, tab.Title, tab.URL)
		}
	}

	sb.WriteString("Interactive elements of the current page:\n")
	if snap.PixelsAbove > 0 {
		fmt.Fprintf(&sb, "... %d pixels of page content above, scroll up to see it ...\n", snap.PixelsAbove)
	}
	sb.WriteString(snap.DescribeElements())
	if snap.PixelsBelow > 0 {
		fmt.Fprintf(&sb, "\n... %d pixels of page content below, scroll down to see it ...", snap.PixelsBelow)
	}

	return sb.String()
}

// taskText renders the initial task message, including the placeholder notice
// when sensitive data is configured.
func (m *Manager) taskText(task string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your task is: %q. When it is complete, finish with the \"done\" action; until then keep working step by step.", task)
	if keys := m.secrets.PlaceholderKeys(); len(keys) > 0 {
		fmt.Fprintf(&sb, "\nSensitive values are available under these placeholders: %s. Reference one as %s; the real value is filled in outside the conversation and you will never see it.",
			strings.Join(keys, ", "), Placeholder("key"))
	}
	return sb.String()
}

// transientResults renders the result lines that only ride along once.
func transientResults(results []schemas.ActionResult) []string {
	var lines []string
	for i, r := range results {
		if r.IncludeInMemory {
			// Already part of durable history.
			continue
		}
		if r.ExtractedContent != "" {
			lines = append(lines, fmt.Sprintf("Action %d/%d result: %s", i+1, len(results), r.ExtractedContent))
		}
		if r.Error != "" {
			lines = append(lines, fmt.Sprintf("Action %d/%d error: %s", i+1, len(results), tail(r.Error, maxErrorChars)))
		}
	}
	return lines
}

func firstTextPart(msg schemas.Message) int {
	for i, p := range msg.Parts {
		if p.Type != schemas.ContentImage {
			return i
		}
	}
	return -1
}

// tail returns the last n bytes of s, on a valid UTF-8 boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[len(s)-n:], "")
}
