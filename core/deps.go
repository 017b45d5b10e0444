package core

import (
	"context"
	"encoding/json"

	"pkt.systems/pageview/schema"
)

// TabMessenger delivers a message to a tab's content script and returns its
// reply. When nothing listens in the tab the error wraps schema.ErrNotPresent.
type TabMessenger interface {
	SendMessage(ctx context.Context, tabID schema.TabID, msg schema.Message) (json.RawMessage, error)
}

// ScriptExecutor is the modern injection capability: it runs bundled script
// files inside the tab.
type ScriptExecutor interface {
	ExecuteScript(ctx context.Context, tabID schema.TabID, files []string) error
}

// LegacyScriptExecutor is the legacy injection capability: it loads a script
// from a resource URL.
type LegacyScriptExecutor interface {
	ExecuteScriptURL(ctx context.Context, tabID schema.TabID, url string) error
}

// ResourceResolver maps a bundled file path to a URL the tab can load.
type ResourceResolver interface {
	ResourceURL(path string) string
}

// Settings reads and writes per-domain preferences.
type Settings interface {
	DomainSetting(ctx context.Context, domain schema.Domain) (schema.DomainSetting, error)
	SetDomainSetting(ctx context.Context, domain schema.Domain, setting schema.DomainSetting) error
}

// FeatureFlags reads and writes persisted boolean toggles.
type FeatureFlags interface {
	FeatureFlag(ctx context.Context, name schema.FeatureFlag) (bool, error)
	SetFeatureFlag(ctx context.Context, name schema.FeatureFlag, value bool) error
}

// Telemetry receives reported events.
type Telemetry interface {
	ReportEvent(ctx context.Context, name schema.TelemetryName, props map[string]any) error
	ReportSettings(ctx context.Context, version string) error
}

// ExtensionInfoSource describes the running build.
type ExtensionInfoSource interface {
	ExtensionInfo(ctx context.Context) (schema.ExtensionInfo, error)
}

// Notifier receives passive notifications about failed actions.
type Notifier interface {
	NotifyInjectionFailed(ctx context.Context, tab schema.Tab, err error)
}

// ControllerDeps captures the collaborators of the activation controller.
type ControllerDeps struct {
	Messenger TabMessenger
	Injector  Injector
	Settings  Settings
	Flags     FeatureFlags
	Telemetry Telemetry
	Notifier  Notifier
	Locks     *TabLocks
}
