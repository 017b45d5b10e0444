package cdphost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"pkt.systems/pageview/internal/contentscript"
	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/schema"
)

// ExecuteScript evaluates the bundled files in the tab, in order.
func (b *Browser) ExecuteScript(ctx context.Context, tabID schema.TabID, files []string) error {
	actions := make([]chromedp.Action, 0, len(files))
	for _, file := range files {
		src, err := contentscript.Read(file)
		if err != nil {
			return err
		}
		actions = append(actions, chromedp.Evaluate(string(src), nil))
	}
	if err := b.run(ctx, tabID, actions...); err != nil {
		return fmt.Errorf("execute script in tab %s: %w", tabID, err)
	}
	logx.WithTab(ctx, tabID).Debug("browser script executed", "files", files)
	return nil
}

// LegacyHost loads scripts by URL through a script element.
type LegacyHost struct {
	browser *Browser
}

// ExecuteScriptURL appends a script element for url and waits for it to load.
func (l *LegacyHost) ExecuteScriptURL(ctx context.Context, tabID schema.TabID, url string) error {
	expr, err := scriptURLExpr(url)
	if err != nil {
		return err
	}
	var loaded bool
	err = l.browser.run(ctx, tabID, chromedp.Evaluate(expr, &loaded, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return fmt.Errorf("load script %s in tab %s: %w", url, tabID, err)
	}
	logx.WithTab(ctx, tabID).Debug("browser script loaded", "url", url)
	return nil
}

// SendMessage delegates to the underlying browser.
func (l *LegacyHost) SendMessage(ctx context.Context, tabID schema.TabID, msg schema.Message) (json.RawMessage, error) {
	return l.browser.SendMessage(ctx, tabID, msg)
}

func scriptURLExpr(url string) (string, error) {
	src, err := json.Marshal(url)
	if err != nil {
		return "", err
	}
	return `new Promise(function (resolve, reject) {
  var s = document.createElement("script");
  s.src = ` + string(src) + `;
  s.async = false;
  s.onload = function () { resolve(true); };
  s.onerror = function () { reject(new Error("script load failed: " + s.src)); };
  (document.head || document.documentElement).appendChild(s);
})`, nil
}
