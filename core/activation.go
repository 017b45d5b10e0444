package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/schema"
)

// Outcome reports what a single activation action did.
type Outcome struct {
	State    schema.ActivationState `json:"state"`
	Injected bool                   `json:"injected"`
	Trigger  schema.Trigger         `json:"trigger,omitempty"`
}

// Controller decides, per triggering action, whether to enable or disable the
// reading view and whether the content script must be injected first.
type Controller struct {
	messenger TabMessenger
	injector  Injector
	settings  Settings
	flags     FeatureFlags
	telemetry Telemetry
	notifier  Notifier
	locks     *TabLocks
	probe     *TabStateProbe
}

// NewController constructs an activation controller.
func NewController(deps ControllerDeps) (*Controller, error) {
	switch {
	case deps.Messenger == nil:
		return nil, errors.New("tab messenger is required")
	case deps.Injector == nil:
		return nil, errors.New("injector is required")
	case deps.Settings == nil:
		return nil, errors.New("settings store is required")
	case deps.Flags == nil:
		return nil, errors.New("feature flags are required")
	case deps.Telemetry == nil:
		return nil, errors.New("telemetry is required")
	}
	locks := deps.Locks
	if locks == nil {
		locks = NewTabLocks()
	}
	return &Controller{
		messenger: deps.Messenger,
		injector:  deps.Injector,
		settings:  deps.Settings,
		flags:     deps.Flags,
		telemetry: deps.Telemetry,
		notifier:  deps.Notifier,
		locks:     locks,
		probe:     NewTabStateProbe(deps.Messenger),
	}, nil
}

// Toggle handles the manual trigger: the first call on a tab enables the
// reading view, the next one disables it. The decision comes from a fresh
// probe taken under the tab's lock.
func (c *Controller) Toggle(ctx context.Context, tab schema.Tab) (Outcome, error) {
	log := logx.WithTabDomain(ctx, tab.ID, tab.Domain())
	if !schema.SupportsURL(tab.URL) {
		log.Info("activation toggle rejected", "reason", "unsupported url")
		return Outcome{State: schema.StateUnknown}, fmt.Errorf("%s: %w", tab.URL, schema.ErrUnsupportedURL)
	}
	release, err := c.locks.Acquire(ctx, tab.ID)
	if err != nil {
		return Outcome{State: schema.StateUnknown}, err
	}
	defer release()

	result := c.probe.Probe(ctx, tab.ID)
	if result.State == schema.StateActive {
		if err := c.signal(ctx, tab.ID, false); err != nil {
			log.Warn("activation disable failed", "err", err)
			return Outcome{State: schema.StateActive}, err
		}
		out := Outcome{State: schema.StateInactive, Trigger: schema.TriggerExtensionIcon}
		if err := c.report(ctx, schema.TelemetryDisablePageview, out.Trigger); err != nil {
			log.Warn("activation telemetry failed", "err", err)
			return out, err
		}
		log.Info("activation toggle ok", "state", out.State)
		return out, nil
	}

	out := Outcome{State: schema.StateUnknown, Trigger: schema.TriggerManual}
	if !result.Present {
		if err := c.inject(ctx, tab); err != nil {
			return out, err
		}
		out.Injected = true
	}
	if err := c.signal(ctx, tab.ID, true); err != nil {
		log.Warn("activation enable failed", "err", err)
		return out, err
	}
	out.State = schema.StateActive
	if err := c.allowlistOnManualActivation(ctx, tab.Domain()); err != nil {
		log.Warn("activation allowlist failed", "err", err)
		return out, err
	}
	if err := c.report(ctx, schema.TelemetryEnablePageview, out.Trigger); err != nil {
		log.Warn("activation telemetry failed", "err", err)
		return out, err
	}
	log.Info("activation toggle ok", "state", out.State, "injected", out.Injected)
	return out, nil
}

// RemoteInstall handles the boot script's request for the full content
// script. It injects unconditionally and never probes or writes settings.
func (c *Controller) RemoteInstall(ctx context.Context, tab schema.Tab) (Outcome, error) {
	log := logx.WithTabDomain(ctx, tab.ID, tab.Domain())
	release, err := c.locks.Acquire(ctx, tab.ID)
	if err != nil {
		return Outcome{State: schema.StateUnknown}, err
	}
	defer release()

	out := Outcome{State: schema.StateUnknown}
	if err := c.inject(ctx, tab); err != nil {
		return out, err
	}
	out.Injected = true
	out.State = schema.StateActive

	setting, err := c.settings.DomainSetting(ctx, tab.Domain())
	if err != nil {
		log.Warn("activation setting read failed", "err", err)
		return out, err
	}
	out.Trigger = schema.TriggerAutomatic
	if setting == schema.DomainAllow {
		out.Trigger = schema.TriggerAllowlisted
	}
	if err := c.report(ctx, schema.TelemetryEnablePageview, out.Trigger); err != nil {
		log.Warn("activation telemetry failed", "err", err)
		return out, err
	}
	log.Info("activation remote install ok", "trigger", out.Trigger)
	return out, nil
}

// Enable signals the tab to show the reading view. Explicit UI actions emit no
// telemetry.
func (c *Controller) Enable(ctx context.Context, tabID schema.TabID) error {
	return c.explicit(ctx, tabID, true)
}

// Disable signals the tab to hide the reading view.
func (c *Controller) Disable(ctx context.Context, tabID schema.TabID) error {
	return c.explicit(ctx, tabID, false)
}

func (c *Controller) explicit(ctx context.Context, tabID schema.TabID, enable bool) error {
	log := logx.WithTab(ctx, tabID).With("enable", enable)
	release, err := c.locks.Acquire(ctx, tabID)
	if err != nil {
		return err
	}
	defer release()
	if err := c.signal(ctx, tabID, enable); err != nil {
		log.Warn("activation explicit failed", "err", err)
		return err
	}
	log.Info("activation explicit ok")
	return nil
}

func (c *Controller) inject(ctx context.Context, tab schema.Tab) error {
	log := logx.WithTab(ctx, tab.ID).With("mechanism", c.injector.Mechanism())
	if err := c.injector.Inject(ctx, tab.ID, EnhanceScript); err != nil {
		log.Warn("activation inject failed", "err", err)
		if c.notifier != nil {
			c.notifier.NotifyInjectionFailed(ctx, tab, err)
		}
		return fmt.Errorf("inject content script: %w", err)
	}
	log.Debug("activation inject ok")
	return nil
}

func (c *Controller) signal(ctx context.Context, tabID schema.TabID, enable bool) error {
	params, err := json.Marshal(schema.ToggleParams{Enable: &enable})
	if err != nil {
		return err
	}
	_, err = c.messenger.SendMessage(ctx, tabID, schema.Message{
		Event:  schema.EventTogglePageView,
		TabID:  tabID,
		Params: params,
	})
	if err != nil {
		return fmt.Errorf("signal tab: %w", err)
	}
	return nil
}

// allowlistOnManualActivation writes Allow only over an unset domain setting.
func (c *Controller) allowlistOnManualActivation(ctx context.Context, domain schema.Domain) error {
	enabled, err := c.flags.FeatureFlag(ctx, schema.FlagAllowlistOnManualActivation)
	if err != nil {
		return err
	}
	if !enabled || domain == "" {
		return nil
	}
	current, err := c.settings.DomainSetting(ctx, domain)
	if err != nil {
		return err
	}
	if current != schema.DomainUnset {
		return nil
	}
	return c.settings.SetDomainSetting(ctx, domain, schema.DomainAllow)
}

func (c *Controller) report(ctx context.Context, name schema.TelemetryName, trigger schema.Trigger) error {
	return c.telemetry.ReportEvent(ctx, name, map[string]any{"trigger": string(trigger)})
}
