package cdphost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/schema"
)

// BindingName is the page function injected code calls to reach the router.
const BindingName = "__pageviewSend"

var errClosed = errors.New("browser host closed")

type tabConn struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func (b *Browser) goAttach(tabID schema.TabID) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		ctx := logx.ContextWithTab(b.baseCtx, tabID)
		if _, err := b.attach(ctx, tabID); err != nil && !errors.Is(err, errClosed) {
			logx.WithTab(ctx, tabID).Debug("browser tab attach failed", "err", err)
		}
	}()
}

// attach returns the session context for tabID, creating it on first use.
// New sessions get the message binding and, when enabled, the boot script.
func (b *Browser) attach(ctx context.Context, tabID schema.TabID) (context.Context, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errClosed
	}
	if conn, ok := b.tabs[tabID]; ok {
		b.mu.Unlock()
		return conn.ctx, nil
	}
	b.mu.Unlock()

	if _, err := b.Tab(ctx, tabID); err != nil {
		return nil, err
	}
	// A cancelled chromedp tab context closes its page. Sessions ignore
	// browserCtx cancellation and are torn down through release.
	tabCtx, cancel := chromedp.NewContext(context.WithoutCancel(b.browserCtx), chromedp.WithTargetID(target.ID(tabID)))
	conn := &tabConn{ctx: tabCtx, cancel: cancel}
	actions := []chromedp.Action{runtime.AddBinding(BindingName)}
	if b.cfg.BootScript {
		src, err := BootSource()
		if err != nil {
			release(conn)
			return nil, err
		}
		actions = append(actions,
			chromedp.ActionFunc(func(ctx context.Context) error {
				_, err := page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
				return err
			}),
		)
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		release(conn)
		return nil, fmt.Errorf("attach tab %s: %w", tabID, err)
	}
	chromedp.ListenTarget(tabCtx, func(ev any) {
		if e, ok := ev.(*runtime.EventBindingCalled); ok && e.Name == BindingName {
			b.goHandleBinding(tabID, e.Payload)
		}
	})

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		release(conn)
		return nil, errClosed
	}
	if existing, ok := b.tabs[tabID]; ok {
		b.mu.Unlock()
		release(conn)
		return existing.ctx, nil
	}
	b.tabs[tabID] = conn
	b.mu.Unlock()
	logx.WithTab(ctx, tabID).Debug("browser tab attached", "boot_script", b.cfg.BootScript)
	return tabCtx, nil
}

func (b *Browser) forget(tabID schema.TabID) {
	b.mu.Lock()
	conn, ok := b.tabs[tabID]
	delete(b.tabs, tabID)
	b.mu.Unlock()
	if ok {
		// The page is already gone. Cancel off the listener goroutine, which
		// must not block on browser round trips.
		go conn.cancel()
		b.logger.Debug("browser tab detached", "tab", tabID)
	}
}

// release ends a tab session and leaves the page open. The session is
// detached on the browser connection and its target handle dropped before
// the context is cancelled, so chromedp has nothing left to close.
func release(conn *tabConn) {
	if c := chromedp.FromContext(conn.ctx); c != nil && c.Target != nil {
		if c.Browser != nil && c.Target.SessionID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = target.DetachFromTarget().WithSessionID(c.Target.SessionID).Do(cdp.WithExecutor(ctx, c.Browser))
			cancel()
		}
		c.Target = nil
	}
	conn.cancel()
}

// run executes actions in tabID's session, bounded by ctx.
func (b *Browser) run(ctx context.Context, tabID schema.TabID, actions ...chromedp.Action) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errClosed
	}
	b.runs.Add(1)
	b.mu.Unlock()
	defer b.runs.Done()

	tabCtx, err := b.attach(ctx, tabID)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// attached reports the number of tab sessions.
func (b *Browser) attached() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tabs)
}
