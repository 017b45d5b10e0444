package logx

import (
	"context"

	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	tabKey contextKey = iota
	domainKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithTab annotates the logger with the tab id if present.
func WithTab(ctx context.Context, tabID schema.TabID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithTabDomain annotates the logger with tab and domain identifiers.
func WithTabDomain(ctx context.Context, tabID schema.TabID, domain schema.Domain) pslog.Logger {
	log := WithTab(ctx, tabID)
	if domain != "" {
		if current, ok := ctx.Value(domainKey).(schema.Domain); ok && current == domain {
			return log
		}
		log = log.With("domain", domain)
	}
	return log
}

// WithEvent annotates the logger with a message event tag.
func WithEvent(log pslog.Logger, event schema.EventKind) pslog.Logger {
	if event != "" {
		log = log.With("event", event)
	}
	return log
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithTabDomain stores tab/domain markers on the context.
func ContextWithTabDomain(ctx context.Context, tabID schema.TabID, domain schema.Domain) context.Context {
	ctx = ContextWithTab(ctx, tabID)
	if ctx == nil || domain == "" {
		return ctx
	}
	return context.WithValue(ctx, domainKey, domain)
}

// ContextWithTabLogger attaches the logger and tab marker to the context.
func ContextWithTabLogger(ctx context.Context, log pslog.Logger, tabID schema.TabID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTab(ctx, tabID)
}

// CopyContextFields copies tab/domain markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if tab, ok := src.Value(tabKey).(schema.TabID); ok && tab != "" {
		dst = ContextWithTab(dst, tab)
	}
	if domain, ok := src.Value(domainKey).(schema.Domain); ok && domain != "" {
		dst = context.WithValue(dst, domainKey, domain)
	}
	return dst
}
