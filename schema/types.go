package schema

import (
	"net/url"
	"strings"
)

// TabID identifies a browser tab (a CDP page target).
type TabID string

// Domain is the normalized host of a page, used as the settings key.
type Domain string

// Tab is the host's view of a single open page. It is supplied per event and
// never persisted.
type Tab struct {
	ID    TabID  `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Domain derives the settings domain from the tab URL.
func (t Tab) Domain() Domain {
	return DomainFromURL(t.URL)
}

// DomainFromURL returns the lower-cased host of rawURL without a leading "www.".
func DomainFromURL(rawURL string) Domain {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(parsed.Hostname())
	return Domain(strings.TrimPrefix(host, "www."))
}

// SupportsURL reports whether the reading view can run on rawURL.
func SupportsURL(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}
	switch parsed.Scheme {
	case "http", "https":
		return parsed.Host != ""
	default:
		return false
	}
}

// ActivationState is the live reading-view state of a tab.
type ActivationState string

const (
	// StateUnknown means the tab was not probed or the action aborted.
	StateUnknown ActivationState = "unknown"
	// StateActive means the reading view is shown.
	StateActive ActivationState = "active"
	// StateInactive means the content script is loaded but the view is off.
	StateInactive ActivationState = "inactive"
)

// DomainSetting is the persisted per-domain preference.
type DomainSetting string

const (
	// DomainUnset means no preference was stored.
	DomainUnset DomainSetting = ""
	// DomainAllow enables the reading view automatically on the domain.
	DomainAllow DomainSetting = "allow"
	// DomainDeny never enables the reading view automatically on the domain.
	DomainDeny DomainSetting = "deny"
)

// ParseDomainSetting normalizes a user supplied setting value.
func ParseDomainSetting(value string) (DomainSetting, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "allow":
		return DomainAllow, nil
	case "deny":
		return DomainDeny, nil
	case "", "unset", "null":
		return DomainUnset, nil
	default:
		return "", ErrInvalidDomainSetting
	}
}

// Trigger labels the cause of an activation change in telemetry.
type Trigger string

const (
	TriggerManual        Trigger = "manual"
	TriggerAllowlisted   Trigger = "allowlisted"
	TriggerAutomatic     Trigger = "automatic"
	TriggerExtensionIcon Trigger = "extensionIcon"
)

// FeatureFlag names a persisted boolean toggle.
type FeatureFlag string

const (
	// FlagAllowlistOnManualActivation allowlists a domain the first time the user
	// enables the reading view on it by hand.
	FlagAllowlistOnManualActivation FeatureFlag = "allowlist-domain-on-manual-activation"
	// FlagCollectAnonymousMetrics gates telemetry reporting.
	FlagCollectAnonymousMetrics FeatureFlag = "collect-anonymous-metrics"
)

// DefaultFeatureFlags returns the value of every known flag before the user
// changes it.
func DefaultFeatureFlags() map[FeatureFlag]bool {
	return map[FeatureFlag]bool{
		FlagAllowlistOnManualActivation: true,
		FlagCollectAnonymousMetrics:     true,
	}
}

// KnownFeatureFlag reports whether name is a supported flag.
func KnownFeatureFlag(name FeatureFlag) bool {
	_, ok := DefaultFeatureFlags()[name]
	return ok
}

// InstallType distinguishes packaged installs from unpacked development ones.
type InstallType string

const (
	InstallNormal      InstallType = "normal"
	InstallDevelopment InstallType = "development"
)

// ExtensionInfo describes the running build.
type ExtensionInfo struct {
	Version     string      `json:"version"`
	InstallType InstallType `json:"install_type"`
}
