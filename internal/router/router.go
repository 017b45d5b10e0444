package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/pageview/core"
	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

// Activation is the part of the activation controller the router drives.
type Activation interface {
	Enable(ctx context.Context, tabID schema.TabID) error
	Disable(ctx context.Context, tabID schema.TabID) error
	RemoteInstall(ctx context.Context, tab schema.Tab) (core.Outcome, error)
}

// DomainPolicy reads the stored per-domain preference.
type DomainPolicy interface {
	DomainSetting(ctx context.Context, domain schema.Domain) (schema.DomainSetting, error)
}

// CSSRewriter fetches and rewrites a stylesheet for the reading view.
type CSSRewriter interface {
	RewriteCSS(ctx context.Context, params schema.RewriteCSSParams) (string, error)
}

// OptionsOpener opens the settings surface.
type OptionsOpener interface {
	OpenOptionsPage(ctx context.Context) error
}

// Responder delivers the single asynchronous reply of a message.
type Responder func(payload any)

// Reply tells the messaging runtime whether a response is still pending.
type Reply int

const (
	// ReplyNone closes the channel when Dispatch returns.
	ReplyNone Reply = iota
	// ReplyAsync keeps the channel open until the Responder is called.
	ReplyAsync
)

type handlerFunc func(ctx context.Context, msg schema.Message, sender schema.Sender, respond Responder) error

type route struct {
	reply  Reply
	handle handlerFunc
}

// Deps captures the router's handlers.
type Deps struct {
	Activation Activation
	Rewriter   CSSRewriter
	Options    OptionsOpener
	// Domains gates requestEnhance. Without it every request is installed.
	Domains DomainPolicy
}

// ErrClosed is returned for messages that arrive after Close.
var ErrClosed = errors.New("router closed")

// Router dispatches inbound messages by event tag.
type Router struct {
	routes map[schema.EventKind]route

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New constructs a router with one route per supported event.
func New(deps Deps) (*Router, error) {
	if deps.Activation == nil {
		return nil, errors.New("activation controller is required")
	}
	if deps.Rewriter == nil {
		return nil, errors.New("css rewriter is required")
	}
	if deps.Options == nil {
		return nil, errors.New("options opener is required")
	}
	r := &Router{}
	r.routes = map[schema.EventKind]route{
		schema.EventEnablePageView: {reply: ReplyNone, handle: func(ctx context.Context, msg schema.Message, _ schema.Sender, _ Responder) error {
			if msg.TabID == "" {
				return fmt.Errorf("%s without tabId: %w", msg.Event, schema.ErrInvalidMessage)
			}
			return deps.Activation.Enable(ctx, msg.TabID)
		}},
		schema.EventDisablePageView: {reply: ReplyNone, handle: func(ctx context.Context, msg schema.Message, _ schema.Sender, _ Responder) error {
			if msg.TabID == "" {
				return fmt.Errorf("%s without tabId: %w", msg.Event, schema.ErrInvalidMessage)
			}
			return deps.Activation.Disable(ctx, msg.TabID)
		}},
		schema.EventRequestEnhance: {reply: ReplyNone, handle: func(ctx context.Context, msg schema.Message, sender schema.Sender, _ Responder) error {
			if sender.Tab == nil || sender.Tab.ID == "" {
				return schema.ErrMissingSender
			}
			ok, err := bootAllowed(ctx, deps.Domains, msg, *sender.Tab)
			if err != nil || !ok {
				return err
			}
			_, err = deps.Activation.RemoteInstall(ctx, *sender.Tab)
			return err
		}},
		schema.EventRewriteCSS: {reply: ReplyAsync, handle: func(ctx context.Context, msg schema.Message, _ schema.Sender, respond Responder) error {
			var params schema.RewriteCSSParams
			if err := json.Unmarshal(msg.Params, &params); err != nil || params.URL == "" {
				respond(schema.RewriteCSSResult{Error: schema.ErrInvalidMessage.Error()})
				return fmt.Errorf("rewriteCss params: %w", schema.ErrInvalidMessage)
			}
			css, err := deps.Rewriter.RewriteCSS(ctx, params)
			if err != nil {
				respond(schema.RewriteCSSResult{Error: err.Error()})
				return err
			}
			respond(schema.RewriteCSSResult{CSS: css})
			return nil
		}},
		schema.EventOpenOptionsPage: {reply: ReplyNone, handle: func(ctx context.Context, _ schema.Message, _ schema.Sender, _ Responder) error {
			return deps.Options.OpenOptionsPage(ctx)
		}},
	}
	return r, nil
}

// Events lists the routed event tags.
func (r *Router) Events() []schema.EventKind {
	events := make([]schema.EventKind, 0, len(r.routes))
	for event := range r.routes {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}

// Dispatch routes msg and reports whether the channel must stay open for an
// asynchronous reply. Handler failures are logged, not returned.
func (r *Router) Dispatch(ctx context.Context, msg schema.Message, sender schema.Sender, respond Responder) bool {
	keepOpen, err := r.Handle(ctx, msg, sender, respond)
	if err != nil {
		logFor(ctx, msg, sender).Warn("router handler failed", "err", err)
	}
	return keepOpen
}

// Handle is Dispatch with the synchronous handler error returned. Async
// handlers run in the background; their failures are logged and answered
// through respond.
func (r *Router) Handle(ctx context.Context, msg schema.Message, sender schema.Sender, respond Responder) (bool, error) {
	log := logFor(ctx, msg, sender)
	rt, ok := r.routes[msg.Event]
	if !ok {
		log.Debug("router event ignored", "reason", "unknown")
		return false, nil
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Debug("router event rejected", "reason", "closed")
		if rt.reply == ReplyAsync && respond != nil {
			respond(schema.RewriteCSSResult{Error: ErrClosed.Error()})
		}
		return false, ErrClosed
	}
	if rt.reply != ReplyAsync {
		r.mu.Unlock()
		log.Debug("router dispatch")
		return false, rt.handle(ctx, msg, sender, nil)
	}
	r.wg.Add(1)
	r.mu.Unlock()
	log.Debug("router dispatch")
	respond = once(respond)
	asyncCtx := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		if err := rt.handle(asyncCtx, msg, sender, respond); err != nil {
			log.Warn("router async handler failed", "err", err)
		}
	}()
	return true, nil
}

// Close stops accepting messages. Handlers already running are unaffected.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Wait blocks until in-flight asynchronous handlers have responded. Call
// Close first so no new handler can start while waiting.
func (r *Router) Wait() {
	r.wg.Wait()
}

// bootAllowed applies the stored domain preference to a boot request: deny
// drops it, allow installs regardless of the page heuristic, unset defers to
// the heuristic.
func bootAllowed(ctx context.Context, domains DomainPolicy, msg schema.Message, tab schema.Tab) (bool, error) {
	article := true
	if len(msg.Params) > 0 {
		var params schema.RequestEnhanceParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return false, fmt.Errorf("requestEnhance params: %w", schema.ErrInvalidMessage)
		}
		if params.Article != nil {
			article = *params.Article
		}
	}
	log := logx.WithTabDomain(ctx, tab.ID, tab.Domain())
	if domains == nil {
		return article, nil
	}
	setting, err := domains.DomainSetting(ctx, tab.Domain())
	if err != nil {
		return false, fmt.Errorf("read domain setting: %w", err)
	}
	switch setting {
	case schema.DomainDeny:
		log.Debug("router boot skipped", "reason", "denied")
		return false, nil
	case schema.DomainAllow:
		return true, nil
	}
	if !article {
		log.Trace("router boot skipped", "reason", "not_article")
	}
	return article, nil
}

func once(respond Responder) Responder {
	if respond == nil {
		return func(any) {}
	}
	var o sync.Once
	return func(payload any) {
		o.Do(func() { respond(payload) })
	}
}

func logFor(ctx context.Context, msg schema.Message, sender schema.Sender) pslog.Logger {
	tabID := msg.TabID
	if sender.Tab != nil {
		tabID = sender.Tab.ID
	}
	return logx.WithEvent(logx.WithTab(ctx, tabID), msg.Event)
}
