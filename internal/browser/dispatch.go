// internal/browser/dispatch.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
	"github.com/xkilldash9x/voyager-cli/internal/urlmatch"
)

// Dispatch performs one primitive operation against the active tab. Outcomes
// carry a short summary for the step history; errors describe what went wrong
// in terms the model can act on.
func (b *Browser) Dispatch(ctx context.Context, intent schemas.ActionIntent) (*schemas.DispatchOutcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed {
		return nil, errBrowserClosed
	}
	if err := b.ensureActive(ctx); err != nil {
		return nil, err
	}

	b.logger.Debug("Dispatching operation", zap.String("kind", string(intent.Kind)))

	switch intent.Kind {
	case schemas.IntentNavigate:
		return b.navigate(ctx, intent.URL)
	case schemas.IntentGoBack:
		return b.goBack(ctx)
	case schemas.IntentClick:
		return b.click(ctx, intent.Index)
	case schemas.IntentTypeText:
		return b.typeText(ctx, intent.Index, intent.Text)
	case schemas.IntentScroll:
		return b.scroll(ctx, intent.DeltaPages)
	case schemas.IntentSendKeys:
		return b.sendKeys(ctx, intent.Keys)
	case schemas.IntentOpenTab:
		return b.openNewTab(ctx, intent.URL)
	case schemas.IntentSwitchTab:
		return b.switchTab(ctx, intent.TabID)
	case schemas.IntentCloseTab:
		return b.closeTab(intent.TabID)
	case schemas.IntentExtractHTML:
		return b.extractHTML(ctx)
	default:
		return nil, fmt.Errorf("unsupported operation %q", intent.Kind)
	}
}

func (b *Browser) navigate(ctx context.Context, rawURL string) (*schemas.DispatchOutcome, error) {
	url, err := b.checkURL(rawURL)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := combineContext(b.active.ctx, ctx)
	defer cancel()
	navCtx, cancelNav := context.WithTimeout(opCtx, b.cfg.NavigationTimeout)
	defer cancelNav()

	if err := chromedp.Run(navCtx, chromedp.Navigate(url)); err != nil {
		if navCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("navigation to %s timed out after %s: %w", url, b.cfg.NavigationTimeout, err)
		}
		if opCtx.Err() != nil {
			return nil, fmt.Errorf("navigation canceled: %w", opCtx.Err())
		}
		return nil, fmt.Errorf("navigation to %s failed: %w", url, err)
	}

	b.settle(ctx)
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Navigated to %s", url)}, nil
}

func (b *Browser) goBack(ctx context.Context) (*schemas.DispatchOutcome, error) {
	if err := b.run(ctx, b.cfg.NavigationTimeout, chromedp.NavigateBack()); err != nil {
		return nil, fmt.Errorf("could not go back: %w", err)
	}
	b.settle(ctx)
	return &schemas.DispatchOutcome{Message: "Went back to the previous page"}, nil
}

func (b *Browser) click(ctx context.Context, index int) (*schemas.DispatchOutcome, error) {
	sel, err := b.elementSelector(ctx, index)
	if err != nil {
		return nil, err
	}

	tasks := chromedp.Tasks{
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
	}
	if err := b.run(ctx, clickTimeout, tasks); err != nil {
		return nil, fmt.Errorf("click failed for element %d: %w", index, err)
	}

	b.settle(ctx)
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Clicked element %d", index)}, nil
}

func (b *Browser) typeText(ctx context.Context, index int, text string) (*schemas.DispatchOutcome, error) {
	sel, err := b.elementSelector(ctx, index)
	if err != nil {
		return nil, err
	}

	tasks := chromedp.Tasks{
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	}
	if err := b.run(ctx, typeTimeout, tasks); err != nil {
		return nil, fmt.Errorf("typing into element %d failed: %w", index, err)
	}

	b.settle(ctx)
	// The text itself stays out of the outcome; it may be a resolved secret.
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Typed into element %d", index)}, nil
}

func (b *Browser) scroll(ctx context.Context, deltaPages float64) (*schemas.DispatchOutcome, error) {
	if deltaPages == 0 {
		deltaPages = 1
	}

	script := fmt.Sprintf(`window.scrollBy({top: window.innerHeight * %f, left: 0, behavior: 'instant'});`, deltaPages)
	if err := b.run(ctx, scrollTimeout, chromedp.Evaluate(script, nil)); err != nil {
		return nil, fmt.Errorf("scroll failed: %w", err)
	}
	_ = b.run(ctx, scrollTimeout, chromedp.Sleep(b.cfg.StabilizeWait))

	dir, pages := "down", deltaPages
	if deltaPages < 0 {
		dir, pages = "up", -deltaPages
	}
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Scrolled %s by %.1f pages", dir, pages)}, nil
}

func (b *Browser) sendKeys(ctx context.Context, keys string) (*schemas.DispatchOutcome, error) {
	key, mods, err := resolveKeys(keys)
	if err != nil {
		return nil, err
	}

	var opts []chromedp.KeyOption
	if len(mods) > 0 {
		opts = append(opts, chromedp.KeyModifiers(mods...))
	}
	if err := b.run(ctx, keysTimeout, chromedp.KeyEvent(key, opts...)); err != nil {
		return nil, fmt.Errorf("sending keys %q failed: %w", keys, err)
	}

	b.settle(ctx)
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Sent keys %q", keys)}, nil
}

func (b *Browser) openNewTab(ctx context.Context, rawURL string) (*schemas.DispatchOutcome, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		raw = "about:blank"
	}
	url, err := b.checkURL(raw)
	if err != nil {
		return nil, err
	}

	t, err := b.launchTab(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("could not open a new tab for %s: %w", url, err)
	}
	b.active = t

	b.settle(ctx)
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Opened %s in new tab %d", url, t.id)}, nil
}

func (b *Browser) switchTab(ctx context.Context, id int) (*schemas.DispatchOutcome, error) {
	t := b.tabByID(id)
	if t == nil {
		return nil, fmt.Errorf("no open tab with id %d", id)
	}
	if t.ctx.Err() != nil {
		return nil, fmt.Errorf("tab %d is no longer open", id)
	}
	b.active = t

	if t.targetID != "" {
		err := b.run(ctx, tabTimeout, chromedp.ActionFunc(func(c context.Context) error {
			return target.ActivateTarget(t.targetID).Do(c)
		}))
		if err != nil {
			b.logger.Debug("Could not bring tab to front.", zap.Error(err))
		}
	}
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Switched to tab %d", id)}, nil
}

// closeTab closes the identified tab, or the active one when id is zero. The
// last open tab stays; the agent always needs a page to observe.
func (b *Browser) closeTab(id int) (*schemas.DispatchOutcome, error) {
	t := b.active
	if id != 0 {
		t = b.tabByID(id)
	}
	if t == nil {
		return nil, fmt.Errorf("no open tab with id %d", id)
	}
	if len(b.tabs) == 1 {
		return nil, errors.New("cannot close the last open tab")
	}

	// Graceful close first so the browser drops the target, then release the
	// local handle.
	_ = chromedp.Cancel(t.ctx)
	t.cancel()

	kept := b.tabs[:0]
	for _, other := range b.tabs {
		if other != t {
			kept = append(kept, other)
		}
	}
	b.tabs = kept
	if b.active == t {
		b.active = b.tabs[0]
	}
	return &schemas.DispatchOutcome{Message: fmt.Sprintf("Closed tab %d", t.id)}, nil
}

func (b *Browser) extractHTML(ctx context.Context) (*schemas.DispatchOutcome, error) {
	var html string
	if err := b.run(ctx, extractTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("could not read the page markup: %w", err)
	}
	return &schemas.DispatchOutcome{HTML: html, Message: "Read the current page markup"}, nil
}

// checkURL normalizes a model-provided URL and applies the allowed domains
// policy. Models frequently omit the scheme; default to https.
func (b *Browser) checkURL(rawURL string) (string, error) {
	url := strings.TrimSpace(rawURL)
	if url == "" {
		return "", errors.New("no url given")
	}
	if strings.HasPrefix(url, "about:") {
		return url, nil
	}
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	if !urlmatch.MatchesAny(b.cfg.AllowedDomains, url) {
		return "", fmt.Errorf("navigation to %q is outside the allowed domains", url)
	}
	return url, nil
}

// elementSelector returns the CSS selector for an indexed element after
// checking the index still exists on the page.
func (b *Browser) elementSelector(ctx context.Context, index int) (string, error) {
	sel := indexSelector(index)

	var found bool
	probe := fmt.Sprintf(`document.querySelector(%s) !== null`, strconv.Quote(sel))
	if err := b.run(ctx, probeTimeout, chromedp.Evaluate(probe, &found)); err != nil {
		return "", fmt.Errorf("could not look up element %d: %w", index, err)
	}
	if !found {
		return "", fmt.Errorf("no element with index %d on the current page", index)
	}
	return sel, nil
}

func indexSelector(index int) string {
	return fmt.Sprintf(`[%s="%d"]`, indexAttr, index)
}

// namedKeys maps the key names models ask for to the CDP key runes chromedp
// understands.
var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"del":        kb.Delete,
	"space":      " ",
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
	"arrowup":    kb.ArrowUp,
	"up":         kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"down":       kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"left":       kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"right":      kb.ArrowRight,
}

var modifierKeys = map[string]input.Modifier{
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"shift":   input.ModifierShift,
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"command": input.ModifierMeta,
}

// resolveKeys parses a key name or a modifier chord like "Control+a" into the
// key value and modifiers for a key event. Unknown single keys pass through
// verbatim so plain characters can be sent.
func resolveKeys(keys string) (string, []input.Modifier, error) {
	trimmed := strings.TrimSpace(keys)
	if trimmed == "" {
		return "", nil, errors.New("no keys given")
	}

	parts := strings.Split(trimmed, "+")
	// A trailing empty part means the key itself was "+", e.g. "Shift++".
	if len(parts) >= 2 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
		parts[len(parts)-1] = "+"
	}

	mods := make([]input.Modifier, 0, len(parts)-1)
	for _, part := range parts[:len(parts)-1] {
		mod, ok := modifierKeys[strings.ToLower(strings.TrimSpace(part))]
		if !ok {
			return "", nil, fmt.Errorf("unknown modifier %q", part)
		}
		mods = append(mods, mod)
	}

	last := strings.TrimSpace(parts[len(parts)-1])
	if last == "" {
		return "", nil, fmt.Errorf("no key at the end of %q", keys)
	}
	if named, ok := namedKeys[strings.ToLower(last)]; ok {
		return named, mods, nil
	}
	return last, mods, nil
}
