package core

import (
	"context"
	"fmt"

	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/schema"
)

// EnhanceScript is the bundled content script that implements the reading view.
const EnhanceScript = "content-script/enhance.js"

// Injector installs a bundled script into a tab.
type Injector interface {
	Inject(ctx context.Context, tabID schema.TabID, file string) error
	Mechanism() string
}

type modernInjector struct {
	host ScriptExecutor
}

func (i modernInjector) Inject(ctx context.Context, tabID schema.TabID, file string) error {
	return i.host.ExecuteScript(ctx, tabID, []string{file})
}

func (modernInjector) Mechanism() string { return "modern" }

type legacyInjector struct {
	host     LegacyScriptExecutor
	resolver ResourceResolver
}

func (i legacyInjector) Inject(ctx context.Context, tabID schema.TabID, file string) error {
	return i.host.ExecuteScriptURL(ctx, tabID, i.resolver.ResourceURL(file))
}

func (legacyInjector) Mechanism() string { return "legacy" }

// SelectInjector picks the injection strategy the host exposes, preferring the
// modern one. The legacy strategy needs a resolver for resource URLs.
func SelectInjector(host any, resolver ResourceResolver) (Injector, error) {
	if exec, ok := host.(ScriptExecutor); ok {
		return modernInjector{host: exec}, nil
	}
	if exec, ok := host.(LegacyScriptExecutor); ok {
		if resolver == nil {
			return nil, fmt.Errorf("legacy injection requires a resource resolver: %w", schema.ErrNoInjector)
		}
		return legacyInjector{host: exec, resolver: resolver}, nil
	}
	return nil, schema.ErrNoInjector
}

// IdempotentInjector skips injection when the tab already answers a liveness
// probe, so repeated calls never register the content script twice.
type IdempotentInjector struct {
	next  Injector
	probe *TabStateProbe
}

// NewIdempotentInjector wraps next with a probe taken immediately before each
// injection.
func NewIdempotentInjector(next Injector, messenger TabMessenger) *IdempotentInjector {
	return &IdempotentInjector{next: next, probe: NewTabStateProbe(messenger)}
}

// Inject installs file unless a content script is already listening.
func (i *IdempotentInjector) Inject(ctx context.Context, tabID schema.TabID, file string) error {
	if result := i.probe.Probe(ctx, tabID); result.Present {
		logx.WithTab(ctx, tabID).Debug("inject skipped", "reason", "already present", "file", file)
		return nil
	}
	return i.next.Inject(ctx, tabID, file)
}

// Mechanism reports the wrapped strategy.
func (i *IdempotentInjector) Mechanism() string { return i.next.Mechanism() }
