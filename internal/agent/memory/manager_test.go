package memory

import (
	stdjson "encoding/json"
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/config"
)

// -- Test Setup Helpers --

const testSystemPrompt = "You control a browser and decide one step at a time."

// fixedEstimator makes token math deterministic: one token per four
// characters of text (plus one per part), and a flat charge per image.
type fixedEstimator struct{}

func (fixedEstimator) CountMessage(m schemas.Message) int {
	total := 0
	for _, p := range m.Parts {
		if p.Type == schemas.ContentImage {
			total += 800
		} else {
			total += len(p.Text)/4 + 1
		}
	}
	return total
}

func countAll(msgs []schemas.Message) int {
	total := 0
	for _, m := range msgs {
		total += fixedEstimator{}.CountMessage(m)
	}
	return total
}

func setupManager(t *testing.T, task string, cfg config.AgentConfig) (*Manager, *observer.ObservedLogs) {
	t.Helper()
	core, observedLogs := observer.New(zap.DebugLevel)
	return New(task, testSystemPrompt, cfg, fixedEstimator{}, zap.New(core)), observedLogs
}

func testSnapshot() *schemas.BrowserStateSnapshot {
	return &schemas.BrowserStateSnapshot{
		URL:   "https://example.com/login",
		Title: "Login",
		Tabs:  []schemas.TabInfo{{ID: 0, URL: "https://example.com/login", Title: "Login"}},
		Elements: []schemas.InteractiveElement{
			{Index: 0, Tag: "input", Attributes: map[string]string{"type": "text"}},
			{Index: 1, Tag: "button", Text: "Sign in"},
		},
	}
}

// -- Test Cases: Seeding and Tasks --

func TestNew_SeedsSystemAndTask(t *testing.T) {
	m, _ := setupManager(t, "find the pricing page", config.AgentConfig{})

	conv := m.Conversation()
	require.Len(t, conv, 2)
	assert.Equal(t, schemas.RoleSystem, conv[0].Role)
	assert.Equal(t, testSystemPrompt, conv[0].Text())
	assert.Equal(t, schemas.RoleUser, conv[1].Role)
	assert.Contains(t, conv[1].Text(), "find the pricing page")
	assert.Equal(t, "find the pricing page", m.Task())
}

func TestAddTask_AppendsFollowUpGoal(t *testing.T) {
	m, _ := setupManager(t, "first goal", config.AgentConfig{})

	m.AddTask("second goal")

	assert.Equal(t, "second goal", m.Task())
	conv := m.Conversation()
	require.Len(t, conv, 3)
	assert.Contains(t, conv[2].Text(), "second goal")

	out := m.Prepare(StepContext{Snapshot: testSnapshot(), StepNumber: 1, MaxSteps: 10})
	assert.Contains(t, out[len(out)-1].Text(), "second goal")
}

// -- Test Cases: Building the Step Message List --

func TestPrepare_StateMessageContent(t *testing.T) {
	m, _ := setupManager(t, "log in", config.AgentConfig{})

	remembered := schemas.ActionResult{ExtractedContent: "saved note", IncludeInMemory: true}
	transient := schemas.ActionResult{ExtractedContent: "clicked the button", Error: "field was disabled"}
	m.AddResults([]schemas.ActionResult{remembered, transient})

	plan := "1. open the login form\n2. submit credentials"
	out := m.Prepare(StepContext{
		Snapshot:    testSnapshot(),
		LastResults: []schemas.ActionResult{remembered, transient},
		Plan:        &plan,
		StepNumber:  2,
		MaxSteps:    10,
	})

	require.NotEmpty(t, out)
	assert.Equal(t, schemas.RoleSystem, out[0].Role)

	state := out[len(out)-1].Text()
	assert.Contains(t, state, "Your current task: log in")
	assert.Contains(t, state, "clicked the button")
	assert.Contains(t, state, "field was disabled")
	assert.NotContains(t, state, "saved note", "remembered results live in history, not the state message")
	assert.Contains(t, state, "Current plan:")
	assert.Contains(t, state, "Step 2 of 10.")
	assert.Contains(t, state, "Current url: https://example.com/login")
	assert.Contains(t, state, "[1]<button>Sign in</button>")

	// The remembered result is a durable turn instead.
	conv := m.Conversation()
	assert.Contains(t, conv[len(conv)-1].Text(), "saved note")
}

func TestAddResults_SummarySurvivesTransientContent(t *testing.T) {
	m, _ := setupManager(t, "research pricing", config.AgentConfig{})

	dump := schemas.ActionResult{
		ExtractedContent: "Page content for goal \"prices\":\nStarter: $9\nTeam: $29",
		IncludeInMemory:  false,
		LongTermMemory:   "Extracted content from https://example.com for goal \"prices\".",
	}
	m.AddResults([]schemas.ActionResult{dump})

	conv := m.Conversation()
	last := conv[len(conv)-1].Text()
	assert.Contains(t, last, "Extracted content from https://example.com")
	assert.NotContains(t, last, "Starter: $9", "the full dump only appears in the next state message")

	// The dump itself rides along exactly once, via the step context.
	out := m.Prepare(StepContext{
		Snapshot:    testSnapshot(),
		LastResults: []schemas.ActionResult{dump},
		StepNumber:  2,
		MaxSteps:    10,
	})
	assert.Contains(t, out[len(out)-1].Text(), "Starter: $9")
}

func TestPrepare_NilSnapshot(t *testing.T) {
	m, _ := setupManager(t, "task", config.AgentConfig{})

	out := m.Prepare(StepContext{StepNumber: 1, MaxSteps: 5})

	assert.Contains(t, out[len(out)-1].Text(), "No browser state is available")
}

func TestPrepare_VisionControlsScreenshot(t *testing.T) {
	snap := testSnapshot()
	snap.Screenshot = "aGVsbG8="

	m, _ := setupManager(t, "task", config.AgentConfig{})
	out := m.Prepare(StepContext{Snapshot: snap, UseVision: true, StepNumber: 1, MaxSteps: 5})
	assert.True(t, out[len(out)-1].HasImage())

	m2, _ := setupManager(t, "task", config.AgentConfig{})
	out2 := m2.Prepare(StepContext{Snapshot: snap, UseVision: false, StepNumber: 1, MaxSteps: 5})
	assert.False(t, out2[len(out2)-1].HasImage())
}

func TestAddModelOutput_RecordsAssistantTurn(t *testing.T) {
	m, _ := setupManager(t, "task", config.AgentConfig{})

	m.AddModelOutput(&schemas.AgentOutput{
		EvaluationPreviousGoal: "success",
		Memory:                 "logged in already",
		NextGoal:               "open settings",
		Action:                 []schemas.ActionCall{{Name: "click_element", Args: stdjson.RawMessage(`{"index":3}`)}},
	})

	conv := m.Conversation()
	last := conv[len(conv)-1]
	assert.Equal(t, schemas.RoleAssistant, last.Role)
	assert.Contains(t, last.Text(), `"nextGoal":"open settings"`)
	assert.Contains(t, last.Text(), `"click_element"`)
}

// -- Test Cases: Token Budget --

func TestPrepare_DropsOldestFirst(t *testing.T) {
	m, observedLogs := setupManager(t, "task", config.AgentConfig{MaxInputTokens: 300})

	first := strings.Repeat("a", 400)
	second := strings.Repeat("b", 400)
	third := strings.Repeat("c", 400)
	for _, content := range []string{first, second, third} {
		m.AddResults([]schemas.ActionResult{{ExtractedContent: content, IncludeInMemory: true}})
	}

	out := m.Prepare(StepContext{Snapshot: testSnapshot(), StepNumber: 4, MaxSteps: 10})

	assert.LessOrEqual(t, countAll(out), 300)
	assert.Equal(t, schemas.RoleSystem, out[0].Role, "the system message survives every trim")

	conv := m.Conversation()
	joined := ""
	for _, msg := range conv {
		joined += msg.Text()
	}
	assert.NotContains(t, joined, first, "oldest entries go first")
	assert.Contains(t, joined, third)

	assert.NotEmpty(t, observedLogs.FilterMessage("Trimmed conversation history to fit token budget").All())
}

func TestPrepare_TrimIsIdempotent(t *testing.T) {
	m, _ := setupManager(t, "task", config.AgentConfig{MaxInputTokens: 300})
	for i := 0; i < 5; i++ {
		m.AddResults([]schemas.ActionResult{{ExtractedContent: strings.Repeat("x", 300), IncludeInMemory: true}})
	}

	sc := StepContext{Snapshot: testSnapshot(), StepNumber: 6, MaxSteps: 10}
	out1 := m.Prepare(sc)
	out2 := m.Prepare(sc)

	require.Equal(t, len(out1), len(out2))
	for i := range out1 {
		assert.Equal(t, out1[i].Text(), out2[i].Text())
	}
}

func TestPrepare_ImagesGoBeforeText(t *testing.T) {
	snap := testSnapshot()
	snap.Screenshot = "aGVsbG8="
	sc := StepContext{Snapshot: snap, UseVision: true, StepNumber: 1, MaxSteps: 5}

	// Measure the text-only size of the exact same conversation first.
	probe, _ := setupManager(t, "task", config.AgentConfig{})
	textOnly := probe.Prepare(StepContext{Snapshot: snap, UseVision: false, StepNumber: 1, MaxSteps: 5})
	textTokens := countAll(textOnly)

	// Enough budget for all the text but not for the 800-token image.
	m, _ := setupManager(t, "task", config.AgentConfig{MaxInputTokens: textTokens + 400})
	out := m.Prepare(sc)

	require.Equal(t, len(textOnly), len(out), "no text turn may be dropped while an image can go instead")
	assert.False(t, out[len(out)-1].HasImage())
	assert.LessOrEqual(t, countAll(out), textTokens+400)
}

func TestPrepare_StateTextCutAsLastResort(t *testing.T) {
	systemTokens := fixedEstimator{}.CountMessage(schemas.NewSystemMessage(testSystemPrompt))
	budget := systemTokens + 8

	m, _ := setupManager(t, "a very long task description repeated over and over", config.AgentConfig{MaxInputTokens: budget})
	out := m.Prepare(StepContext{Snapshot: testSnapshot(), StepNumber: 1, MaxSteps: 10})

	assert.LessOrEqual(t, countAll(out), budget)
	assert.Equal(t, testSystemPrompt, out[0].Text(), "the system prompt is never touched")
}

// -- Test Cases: Sensitive Data --

func TestOutgoingMessagesNeverCarrySecrets(t *testing.T) {
	cfg := config.AgentConfig{
		SensitiveData: map[string]map[string]string{
			"https://example.com": {"user": "alice"},
		},
	}
	m, _ := setupManager(t, "log in with the user placeholder", cfg)

	// The seeded task message announces the placeholder keys.
	conv := m.Conversation()
	assert.Contains(t, conv[1].Text(), "user")

	// A result that leaks the literal value is masked before it is stored.
	m.AddResults([]schemas.ActionResult{{ExtractedContent: "typed alice into the field", IncludeInMemory: true}})
	conv = m.Conversation()
	assert.NotContains(t, conv[len(conv)-1].Text(), "alice")
	assert.Contains(t, conv[len(conv)-1].Text(), "<secret>user</secret>")

	// The same holds for the transient state message.
	snap := testSnapshot()
	snap.Elements[1].Text = "Welcome back, alice"
	out := m.Prepare(StepContext{Snapshot: snap, StepNumber: 1, MaxSteps: 5})
	state := out[len(out)-1].Text()
	assert.NotContains(t, state, "alice")
	assert.Contains(t, state, "<secret>user</secret>")
}

// -- Test Cases: Persistence --

func TestStateRoundTrip(t *testing.T) {
	m, _ := setupManager(t, "task", config.AgentConfig{})
	m.AddModelOutput(&schemas.AgentOutput{NextGoal: "go", Action: []schemas.ActionCall{{Name: "navigate", Args: stdjson.RawMessage(`{"url":"https://example.com"}`)}}})
	m.AddResults([]schemas.ActionResult{{ExtractedContent: "landed", IncludeInMemory: true}})

	exported := m.State()
	data, err := json.Marshal(exported)
	require.NoError(t, err)

	var restored State
	require.NoError(t, json.Unmarshal(data, &restored))

	m2, _ := setupManager(t, "placeholder", config.AgentConfig{})
	m2.LoadState(restored)

	assert.Equal(t, m.Task(), m2.Task())
	assert.Equal(t, m.TotalTokens(), m2.TotalTokens())

	want := m.Conversation()
	got := m2.Conversation()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].Role, got[i].Role)
		assert.Equal(t, want[i].Text(), got[i].Text())
	}
}

func TestLoadState_EmptyStateKeepsSeed(t *testing.T) {
	m, _ := setupManager(t, "task", config.AgentConfig{})
	before := len(m.Conversation())

	m.LoadState(State{})

	assert.Len(t, m.Conversation(), before)
	assert.Equal(t, "task", m.Task())
}
