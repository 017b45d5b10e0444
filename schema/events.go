package schema

import (
	"encoding/json"
	"time"
)

// EventKind tags a message crossing between injected code, the UI and the
// router.
type EventKind string

const (
	// EventPing asks a tab's content script whether the reading view is on.
	EventPing EventKind = "ping"
	// EventTogglePageView tells a tab to switch the reading view.
	EventTogglePageView EventKind = "togglePageView"
	// EventEnablePageView asks the router to enable the view in a tab.
	EventEnablePageView EventKind = "enablePageView"
	// EventDisablePageView asks the router to disable the view in a tab.
	EventDisablePageView EventKind = "disablePageView"
	// EventRequestEnhance is sent by the boot script to request injection.
	EventRequestEnhance EventKind = "requestEnhance"
	// EventRewriteCSS asks the router to fetch and rewrite a stylesheet.
	EventRewriteCSS EventKind = "rewriteCss"
	// EventOpenOptionsPage asks the router to open the settings page.
	EventOpenOptionsPage EventKind = "openOptionsPage"
)

// Message is the tagged record exchanged with tabs and the UI.
type Message struct {
	Event  EventKind       `json:"event"`
	TabID  TabID           `json:"tabId,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Sender identifies where an inbound message came from. Tab is nil for
// messages sent by the UI.
type Sender struct {
	Tab *Tab
}

// PingReply is the content script's answer to EventPing.
type PingReply struct {
	PageViewEnabled bool `json:"pageViewEnabled"`
}

// ToggleParams optionally pins the direction of EventTogglePageView.
type ToggleParams struct {
	Enable *bool `json:"enable,omitempty"`
}

// RequestEnhanceParams carries the boot script's view of the page. A nil
// Article means the sender already decided the page qualifies.
type RequestEnhanceParams struct {
	Article *bool `json:"article,omitempty"`
}

// RewriteCSSParams describes the stylesheet to rewrite.
type RewriteCSSParams struct {
	URL     string `json:"url"`
	BaseURL string `json:"baseUrl,omitempty"`
}

// RewriteCSSResult is returned asynchronously for EventRewriteCSS.
type RewriteCSSResult struct {
	CSS   string `json:"css,omitempty"`
	Error string `json:"error,omitempty"`
}

// TelemetryName names an emitted telemetry event.
type TelemetryName string

const (
	TelemetryEnablePageview  TelemetryName = "enablePageview"
	TelemetryDisablePageview TelemetryName = "disablePageview"
	TelemetryReportSettings  TelemetryName = "reportSettings"
	TelemetryInjectionFailed TelemetryName = "injectionFailed"
)

// TelemetryEvent is a single reported event.
type TelemetryEvent struct {
	ID         string         `json:"id"`
	Name       TelemetryName  `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// SettingsReport aggregates enabled features for the periodic settings event.
type SettingsReport struct {
	Version        string               `json:"version"`
	AllowedDomains int                  `json:"allowed_domains"`
	DeniedDomains  int                  `json:"denied_domains"`
	Flags          map[FeatureFlag]bool `json:"flags"`
}
