// internal/browser/snapshot.go
package browser

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/voyager-cli/api/schemas"
)

// indexAttr marks the DOM nodes indexScript discovered; dispatch addresses
// elements through it. Must match the attribute literal inside the script.
const indexAttr = "data-voyager-index"

// indexScript walks the page for interactive elements, tags each with its
// index attribute and returns the numbered listing together with the scroll
// position. Re-running it renumbers the page from scratch, which is exactly
// the snapshot contract: indices are only valid against the latest snapshot.
const indexScript = `(() => {
  const attr = 'data-voyager-index';
  for (const el of document.querySelectorAll('[' + attr + ']')) {
    el.removeAttribute(attr);
  }

  const selector = [
    'a[href]', 'button', 'input', 'select', 'textarea', 'summary',
    '[role="button"]', '[role="link"]', '[role="tab"]', '[role="checkbox"]',
    '[role="radio"]', '[role="menuitem"]', '[role="combobox"]', '[role="option"]',
    '[onclick]', '[contenteditable="true"]'
  ].join(', ');

  const elements = [];
  let index = 0;
  for (const el of document.querySelectorAll(selector)) {
    if (el.disabled) continue;
    if (el.closest('[aria-hidden="true"]')) continue;
    const style = window.getComputedStyle(el);
    if (style.display === 'none' || style.visibility === 'hidden' || style.pointerEvents === 'none') continue;
    const rect = el.getBoundingClientRect();
    if (rect.width < 1 && rect.height < 1) continue;

    el.setAttribute(attr, String(index));

    const attrs = {};
    for (const name of ['id', 'name', 'type', 'role', 'aria-label', 'placeholder', 'title', 'href', 'value', 'alt']) {
      const v = el.getAttribute(name);
      if (v) attrs[name] = v.slice(0, 120);
    }

    let text = '';
    if (el.type !== 'password') {
      text = (el.innerText || el.value || '').replace(/\s+/g, ' ').trim().slice(0, 200);
    }

    elements.push({
      index: index,
      tag: el.tagName.toLowerCase(),
      text: text,
      attributes: attrs,
      inViewport: rect.bottom > 0 && rect.top < window.innerHeight && rect.right > 0 && rect.left < window.innerWidth
    });
    index += 1;
  }

  const doc = document.documentElement;
  return {
    url: window.location.href,
    title: document.title,
    pixelsAbove: Math.max(0, Math.round(window.scrollY || 0)),
    pixelsBelow: Math.max(0, Math.round((doc.scrollHeight || 0) - (window.scrollY || 0) - window.innerHeight)),
    elements: elements
  };
})()`

// pageIndex is the result shape of indexScript.
type pageIndex struct {
	URL         string                       `json:"url"`
	Title       string                       `json:"title"`
	PixelsAbove int                          `json:"pixelsAbove"`
	PixelsBelow int                          `json:"pixelsBelow"`
	Elements    []schemas.InteractiveElement `json:"elements"`
}

// Snapshot observes the active tab: interactive elements, open tabs, scroll
// position and, on request, a viewport screenshot.
func (b *Browser) Snapshot(ctx context.Context, includeScreenshot bool) (*schemas.BrowserStateSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed {
		return nil, errBrowserClosed
	}
	if err := b.ensureActive(ctx); err != nil {
		return nil, err
	}

	b.settle(ctx)

	var idx pageIndex
	if err := b.run(ctx, snapshotTimeout, chromedp.Evaluate(indexScript, &idx)); err != nil {
		return nil, fmt.Errorf("page observation failed: %w", err)
	}

	snap := &schemas.BrowserStateSnapshot{
		URL:         idx.URL,
		Title:       idx.Title,
		Elements:    idx.Elements,
		PixelsAbove: idx.PixelsAbove,
		PixelsBelow: idx.PixelsBelow,
	}
	snap.Tabs = b.listTabs(ctx, idx.URL, idx.Title)

	if includeScreenshot {
		var shot []byte
		if err := b.run(ctx, snapshotTimeout, chromedp.CaptureScreenshot(&shot)); err != nil {
			b.logger.Warn("Screenshot capture failed.", zap.Error(err))
		} else {
			snap.Screenshot = base64.StdEncoding.EncodeToString(shot)
		}
	}

	b.logger.Debug("Took page snapshot",
		zap.String("url", snap.URL),
		zap.Int("elements", len(snap.Elements)),
		zap.Int("tabs", len(snap.Tabs)))
	return snap, nil
}

// listTabs enumerates the browser's page targets, adopting tabs the page
// opened on its own (popups, target=_blank links) and dropping ones that
// disappeared. Falls back to the active tab alone when enumeration fails.
func (b *Browser) listTabs(ctx context.Context, activeURL, activeTitle string) []schemas.TabInfo {
	opCtx, cancel := combineContext(b.active.ctx, ctx)
	defer cancel()
	listCtx, cancelList := context.WithTimeout(opCtx, tabTimeout)
	defer cancelList()

	infos, err := chromedp.Targets(listCtx)
	if err != nil {
		b.logger.Debug("Tab enumeration failed.", zap.Error(err))
		return []schemas.TabInfo{{ID: b.active.id, URL: activeURL, Title: activeTitle}}
	}

	pages := make(map[target.ID]*target.Info, len(infos))
	for _, info := range infos {
		if info.Type == "page" {
			pages[info.TargetID] = info
		}
	}

	for id, info := range pages {
		if b.tabByTarget(id) == nil {
			b.adoptTarget(info)
		}
	}

	// The active tab just answered the observation script, so it is never
	// pruned here even if the enumeration raced its target.
	kept := b.tabs[:0]
	for _, t := range b.tabs {
		if t != b.active && t.targetID != "" && pages[t.targetID] == nil {
			t.cancel()
			continue
		}
		kept = append(kept, t)
	}
	b.tabs = kept

	out := make([]schemas.TabInfo, 0, len(b.tabs))
	for _, t := range b.tabs {
		ti := schemas.TabInfo{ID: t.id}
		if info := pages[t.targetID]; info != nil {
			ti.URL = info.URL
			ti.Title = info.Title
		} else if t == b.active {
			ti.URL = activeURL
			ti.Title = activeTitle
		}
		out = append(out, ti)
	}
	return out
}

// adoptTarget registers a page target this instance did not open itself.
func (b *Browser) adoptTarget(info *target.Info) {
	tabCtx, cancel := chromedp.NewContext(b.browserParent(), chromedp.WithTargetID(info.TargetID))
	t := &tab{id: b.nextTabID, targetID: info.TargetID, ctx: tabCtx, cancel: cancel}
	b.nextTabID++
	b.tabs = append(b.tabs, t)
	b.logger.Debug("Adopted externally opened tab",
		zap.Int("tab_id", t.id),
		zap.String("url", info.URL))
}
