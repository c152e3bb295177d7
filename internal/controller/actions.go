// internal/controller/actions.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

const (
	// maxWaitSeconds caps the wait action so the model cannot stall a run.
	maxWaitSeconds = 30
	// maxExtractedChars bounds extract_content output before the context
	// manager ever sees it.
	maxExtractedChars = 20000
)

// -- Built-in Argument Payloads --

type doneArgs struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
}

type navigateArgs struct {
	URL string `json:"url"`
}

type clickArgs struct {
	Index int `json:"index"`
}

type inputTextArgs struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type scrollArgs struct {
	Direction string  `json:"direction"`
	Pages     float64 `json:"pages"`
}

type sendKeysArgs struct {
	Keys string `json:"keys"`
}

type openTabArgs struct {
	URL string `json:"url"`
}

type tabArgs struct {
	TabID int `json:"tabId"`
}

type extractArgs struct {
	Goal string `json:"goal"`
}

type waitArgs struct {
	Seconds float64 `json:"seconds"`
}

// registerBuiltins loads the standard browser action set. Each one can be
// replaced later by registering under the same name.
func registerBuiltins(r *Registry) {
	r.mustRegister(ActionDefinition{
		Name:        "done",
		Description: "Finish the task. Use it when the goal is achieved or cannot be achieved; set success accordingly and put the final answer for the user in text.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"text":    {Type: "string", Description: "The final answer or outcome summary."},
			"success": {Type: "boolean", Description: "Whether the task was fully achieved."},
		}, "text", "success"),
		Handler: handleDone,
	})

	r.mustRegister(ActionDefinition{
		Name:        "navigate",
		Description: "Navigate the current tab to a URL.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"url": {Type: "string", Description: "The absolute URL to open."},
		}, "url"),
		Handler: handleNavigate,
	})

	r.mustRegister(ActionDefinition{
		Name:        "go_back",
		Description: "Go back to the previous page in the current tab.",
		Schema:      objectSchema(nil),
		Handler:     handleGoBack,
	})

	r.mustRegister(ActionDefinition{
		Name:        "click_element",
		Description: "Click the interactive element with the given index from the element list.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"index": indexSchema(),
		}, "index"),
		Handler: handleClick,
	})

	r.mustRegister(ActionDefinition{
		Name:        "input_text",
		Description: "Type text into the input element with the given index, replacing its current value.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"index": indexSchema(),
			"text":  {Type: "string", Description: "The text to type."},
		}, "index", "text"),
		Handler: handleInputText,
	})

	r.mustRegister(ActionDefinition{
		Name:        "scroll",
		Description: "Scroll the page up or down by a number of viewport heights.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"direction": {Type: "string", Enum: []any{"down", "up"}},
			"pages":     {Type: "number", Minimum: floatPtr(0), Description: "How many viewport heights to scroll. Defaults to one."},
		}, "direction"),
		Handler: handleScroll,
	})

	r.mustRegister(ActionDefinition{
		Name:        "send_keys",
		Description: "Send keyboard input to the page, e.g. Enter, Escape or Control+a.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"keys": {Type: "string", Description: "Key or key combination to send."},
		}, "keys"),
		Handler: handleSendKeys,
	})

	r.mustRegister(ActionDefinition{
		Name:        "open_tab",
		Description: "Open a URL in a new tab and switch to it.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"url": {Type: "string", Description: "The absolute URL to open."},
		}, "url"),
		Handler: handleOpenTab,
	})

	r.mustRegister(ActionDefinition{
		Name:        "switch_tab",
		Description: "Switch to an open tab by its id from the tab list.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"tabId": {Type: "integer", Minimum: floatPtr(0)},
		}, "tabId"),
		Handler: handleSwitchTab,
	})

	r.mustRegister(ActionDefinition{
		Name:        "close_tab",
		Description: "Close an open tab by its id.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"tabId": {Type: "integer", Minimum: floatPtr(0)},
		}, "tabId"),
		Handler: handleCloseTab,
	})

	r.mustRegister(ActionDefinition{
		Name:        "extract_content",
		Description: "Read the current page and return its text so information matching the goal can be pulled out. The text is shown once; copy what matters into memory.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"goal": {Type: "string", Description: "What to look for in the page."},
		}, "goal"),
		Handler: handleExtractContent,
	})

	r.mustRegister(ActionDefinition{
		Name:        "wait",
		Description: "Wait for the page to settle, e.g. after a navigation or a slow script.",
		Schema: objectSchema(map[string]*schemas.JSONSchema{
			"seconds": {Type: "number", Minimum: floatPtr(0), Maximum: floatPtr(maxWaitSeconds), Description: "How long to wait. Defaults to three seconds."},
		}),
		Handler: handleWait,
	})
}

// -- Built-in Handlers --

func handleDone(_ context.Context, args json.RawMessage, _ *ExecutionContext) (*schemas.ActionResult, error) {
	var a doneArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	return &schemas.ActionResult{
		IsDone:           true,
		Success:          &a.Success,
		ExtractedContent: a.Text,
		IncludeInMemory:  true,
	}, nil
}

func handleNavigate(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a navigateArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentNavigate, URL: a.URL})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, fmt.Sprintf("Navigated to %s", a.URL)), nil
}

func handleGoBack(ctx context.Context, _ json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentGoBack})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, "Went back to the previous page"), nil
}

func handleClick(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a clickArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentClick, Index: a.Index})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, fmt.Sprintf("Clicked element %d", a.Index)), nil
}

func handleInputText(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a inputTextArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	_, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentTypeText, Index: a.Index, Text: a.Text})
	if err != nil {
		return nil, err
	}
	// The typed text is deliberately left out of the result; it may hold a
	// resolved secret.
	return &schemas.ActionResult{
		ExtractedContent: fmt.Sprintf("Typed the provided text into element %d", a.Index),
		IncludeInMemory:  true,
	}, nil
}

func handleScroll(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a scrollArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	pages := a.Pages
	if pages <= 0 {
		pages = 1
	}
	delta := pages
	if a.Direction == "up" {
		delta = -pages
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentScroll, DeltaPages: delta})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, fmt.Sprintf("Scrolled %s by %.1f pages", a.Direction, pages)), nil
}

func handleSendKeys(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a sendKeysArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentSendKeys, Keys: a.Keys})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, fmt.Sprintf("Sent keys %q", a.Keys)), nil
}

func handleOpenTab(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a openTabArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentOpenTab, URL: a.URL})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, fmt.Sprintf("Opened %s in a new tab", a.URL)), nil
}

func handleSwitchTab(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a tabArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentSwitchTab, TabID: a.TabID})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, fmt.Sprintf("Switched to tab %d", a.TabID)), nil
}

func handleCloseTab(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a tabArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentCloseTab, TabID: a.TabID})
	if err != nil {
		return nil, err
	}
	return memoryResult(outcome, fmt.Sprintf("Closed tab %d", a.TabID)), nil
}

func handleExtractContent(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*schemas.ActionResult, error) {
	var a extractArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	outcome, err := dispatch(ctx, ec, schemas.ActionIntent{Kind: schemas.IntentExtractHTML})
	if err != nil {
		return nil, err
	}

	text, err := readableText(outcome.HTML)
	if err != nil {
		return nil, fmt.Errorf("could not parse page content: %w", err)
	}
	if len(text) > maxExtractedChars {
		text = text[:maxExtractedChars] + "\n... (content truncated)"
	}

	content := fmt.Sprintf("Page content for goal %q:\n%s", a.Goal, text)
	// The full dump is shown once; only a one-line marker survives in
	// history so later steps know the extraction already happened.
	return &schemas.ActionResult{
		ExtractedContent: content,
		IncludeInMemory:  false,
		LongTermMemory:   fmt.Sprintf("Extracted content from %s for goal %q.", ec.PageURL, a.Goal),
	}, nil
}

func handleWait(ctx context.Context, args json.RawMessage, _ *ExecutionContext) (*schemas.ActionResult, error) {
	var a waitArgs
	if err := jsoniter.Unmarshal(args, &a); err != nil {
		return nil, err
	}
	secs := a.Seconds
	if secs <= 0 {
		secs = 3
	}
	if secs > maxWaitSeconds {
		secs = maxWaitSeconds
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(secs * float64(time.Second))):
	}
	return &schemas.ActionResult{
		ExtractedContent: fmt.Sprintf("Waited %.1f seconds", secs),
		IncludeInMemory:  true,
	}, nil
}

// -- Handler Support --

// dispatch forwards a primitive operation to the environment collaborator.
func dispatch(ctx context.Context, ec *ExecutionContext, intent schemas.ActionIntent) (*schemas.DispatchOutcome, error) {
	if ec == nil || ec.Environment == nil {
		return nil, errors.New("no browser environment attached to this run")
	}
	return ec.Environment.Dispatch(ctx, intent)
}

// memoryResult wraps a dispatch outcome into a remembered action result.
func memoryResult(outcome *schemas.DispatchOutcome, fallback string) *schemas.ActionResult {
	msg := fallback
	if outcome != nil && outcome.Message != "" {
		msg = outcome.Message
	}
	return &schemas.ActionResult{ExtractedContent: msg, IncludeInMemory: true}
}

// blockTags are elements that end the current output line. Inline markup
// (span, a, b, em) keeps its text on the line it started.
var blockTags = map[string]bool{
	"address": true, "article": true, "aside": true, "blockquote": true,
	"br": true, "dd": true, "div": true, "dl": true, "dt": true,
	"fieldset": true, "figure": true, "footer": true, "form": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"header": true, "hr": true, "li": true, "main": true, "nav": true,
	"ol": true, "p": true, "pre": true, "section": true, "table": true,
	"td": true, "th": true, "tr": true, "ul": true,
}

// readableText strips markup down to the text a person would read, one block
// per line. goquery's Text() would run adjacent blocks together, so the text
// is collected by walking the node tree directly.
func readableText(markup string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, noscript, svg, iframe").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var sb strings.Builder
	for _, node := range root.Nodes {
		collectText(node, &sb)
	}

	lines := strings.Split(sb.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n"), nil
}

// collectText appends the visible text under n, breaking lines at block
// element boundaries.
func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		return
	}
	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		sb.WriteString("\n")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
	if block {
		sb.WriteString("\n")
	}
}

// -- Schema Literals --

func objectSchema(props map[string]*schemas.JSONSchema, required ...string) *schemas.JSONSchema {
	f := false
	return &schemas.JSONSchema{
		Type:                 "object",
		Properties:           props,
		Required:             required,
		AdditionalProperties: &f,
	}
}

func indexSchema() *schemas.JSONSchema {
	return &schemas.JSONSchema{
		Type:        "integer",
		Minimum:     floatPtr(0),
		Description: "Element index from the interactive elements list.",
	}
}

func floatPtr(v float64) *float64 { return &v }
