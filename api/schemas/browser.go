package schemas

import (
	"fmt"
	"strings"
)

// -- Browser State Schemas --

// TabInfo describes one open tab in the managed browser.
type TabInfo struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// InteractiveElement is a clickable or typable node the environment discovered
// on the current page. The Index is the stable handle the model uses to refer
// to the element for the lifetime of one snapshot.
type InteractiveElement struct {
	Index      int               `json:"index"`
	Tag        string            `json:"tag"`
	Text       string            `json:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	InViewport bool              `json:"inViewport"`
}

// BrowserStateSnapshot is the environment observation handed to the agent at
// the start of every step. Indices are only valid against this snapshot; a new
// snapshot invalidates all previous indices.
type BrowserStateSnapshot struct {
	URL      string               `json:"url"`
	Title    string               `json:"title"`
	Tabs     []TabInfo            `json:"tabs"`
	Elements []InteractiveElement `json:"elements"`
	// Screenshot is a base64 encoded PNG of the viewport. Empty when vision
	// is disabled.
	Screenshot string `json:"screenshot,omitempty"`
	// PixelsAbove and PixelsBelow describe how much of the page lies outside
	// the current viewport.
	PixelsAbove int `json:"pixelsAbove,omitempty"`
	PixelsBelow int `json:"pixelsBelow,omitempty"`
}

// ElementByIndex looks up an interactive element by its snapshot index.
func (s *BrowserStateSnapshot) ElementByIndex(index int) (*InteractiveElement, bool) {
	for i := range s.Elements {
		if s.Elements[i].Index == index {
			return &s.Elements[i], true
		}
	}
	return nil, false
}

// DescribeElements renders the interactive elements as the numbered listing
// the model sees, one element per line.
func (s *BrowserStateSnapshot) DescribeElements() string {
	if len(s.Elements) == 0 {
		return "empty page"
	}
	var sb strings.Builder
	for _, el := range s.Elements {
		sb.WriteString(fmt.Sprintf("[%d]<%s", el.Index, el.Tag))
		for _, attr := range []string{"type", "role", "aria-label", "placeholder", "href"} {
			if v, ok := el.Attributes[attr]; ok && v != "" {
				sb.WriteString(fmt.Sprintf(" %s=%q", attr, truncateAttr(v)))
			}
		}
		sb.WriteString(">")
		sb.WriteString(strings.TrimSpace(el.Text))
		sb.WriteString(fmt.Sprintf("</%s>\n", el.Tag))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func truncateAttr(v string) string {
	const maxAttrLen = 60
	if len(v) > maxAttrLen {
		return v[:maxAttrLen] + "..."
	}
	return v
}

// -- Primitive Browser Operations --

// IntentKind enumerates the primitive operations the environment can perform.
type IntentKind string

const (
	IntentNavigate    IntentKind = "navigate"
	IntentGoBack      IntentKind = "go_back"
	IntentClick       IntentKind = "click"
	IntentTypeText    IntentKind = "type_text"
	IntentScroll      IntentKind = "scroll"
	IntentSendKeys    IntentKind = "send_keys"
	IntentOpenTab     IntentKind = "open_tab"
	IntentSwitchTab   IntentKind = "switch_tab"
	IntentCloseTab    IntentKind = "close_tab"
	IntentExtractHTML IntentKind = "extract_html"
)

// ActionIntent is one primitive operation request. Only the fields relevant to
// the Kind are populated.
type ActionIntent struct {
	Kind IntentKind `json:"kind"`
	URL  string     `json:"url,omitempty"`
	// Index refers to an interactive element from the latest snapshot.
	Index int    `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`
	Keys  string `json:"keys,omitempty"`
	TabID int    `json:"tabId,omitempty"`
	// DeltaPages is the scroll distance in viewport heights. Negative scrolls up.
	DeltaPages float64 `json:"deltaPages,omitempty"`
}

// DispatchOutcome reports what a primitive operation did.
type DispatchOutcome struct {
	// Message is a short human readable summary, e.g. "Clicked element 7".
	Message string `json:"message,omitempty"`
	// HTML carries the page markup for extract_html intents.
	HTML string `json:"html,omitempty"`
}
