package appconfig

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"pkt.systems/pageview/core"
	"pkt.systems/pageview/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string          `mapstructure:"state_dir" yaml:"state_dir"`
	HTTP          HTTPConfig      `mapstructure:"http" yaml:"http"`
	Browser       BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Injection     InjectionConfig `mapstructure:"injection" yaml:"injection"`
	Extension     ExtensionConfig `mapstructure:"extension" yaml:"extension"`
	Reports       ReportsConfig   `mapstructure:"reports" yaml:"reports"`
	Telemetry     TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// Injection modes.
const (
	InjectionAuto   = "auto"
	InjectionModern = "modern"
	InjectionLegacy = "legacy"
)

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr    string `mapstructure:"addr" yaml:"addr"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// BrowserConfig configures the DevTools connection.
type BrowserConfig struct {
	RemoteURL   string   `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath    string   `mapstructure:"exec_path" yaml:"exec_path"`
	Headless    bool     `mapstructure:"headless" yaml:"headless"`
	UserDataDir string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	ExtraFlags  []string `mapstructure:"extra_flags" yaml:"extra_flags"`
	BootScript  bool     `mapstructure:"boot_script" yaml:"boot_script"`
}

// InjectionConfig selects how the content script reaches a tab.
type InjectionConfig struct {
	Mode   string `mapstructure:"mode" yaml:"mode"`
	Script string `mapstructure:"script" yaml:"script"`
	// GuardReinjection probes before every injection and skips tabs that
	// already run the content script.
	GuardReinjection bool `mapstructure:"guard_reinjection" yaml:"guard_reinjection"`
}

// ExtensionConfig describes the running build.
type ExtensionConfig struct {
	InstallType string `mapstructure:"install_type" yaml:"install_type"`
	OptionsURL  string `mapstructure:"options_url" yaml:"options_url"`
}

// ReportsConfig controls periodic reports.
type ReportsConfig struct {
	SettingsIntervalHours int `mapstructure:"settings_interval_hours" yaml:"settings_interval_hours"`
}

// TelemetryConfig controls the local telemetry log.
type TelemetryConfig struct {
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".pageview", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		HTTP: HTTPConfig{
			Addr:    "127.0.0.1:27490",
			BaseURL: "",
		},
		Browser: BrowserConfig{
			RemoteURL:   "",
			ExecPath:    "",
			Headless:    false,
			UserDataDir: filepath.Join(home, ".pageview", "browser"),
			ExtraFlags:  []string{},
			BootScript:  true,
		},
		Injection: InjectionConfig{
			Mode:             InjectionAuto,
			Script:           core.EnhanceScript,
			GuardReinjection: false,
		},
		Extension: ExtensionConfig{
			InstallType: string(schema.InstallNormal),
			OptionsURL:  "",
		},
		Reports: ReportsConfig{
			SettingsIntervalHours: 72,
		},
		Telemetry: TelemetryConfig{
			LogFile: filepath.Join(stateDir, "telemetry.jsonl"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pageview", "config.yaml"), nil
}

// PublicBaseURL returns the URL tabs and clients reach the daemon at. It
// falls back to the listen address on loopback.
func (c HTTPConfig) PublicBaseURL() string {
	if base := strings.TrimSpace(c.BaseURL); base != "" {
		return strings.TrimRight(base, "/")
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(c.Addr))
	if err != nil {
		return "http://" + strings.TrimSpace(c.Addr)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// OptionsPageURL returns the configured options URL or the daemon's own page.
func (c Config) OptionsPageURL() string {
	if u := strings.TrimSpace(c.Extension.OptionsURL); u != "" {
		return u
	}
	return c.HTTP.PublicBaseURL() + "/options"
}
