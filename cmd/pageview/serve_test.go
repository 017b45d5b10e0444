package main

import (
	"testing"
	"time"

	"pkt.systems/pageview/internal/appconfig"
	"pkt.systems/pageview/schema"
)

func TestToServerConfig(t *testing.T) {
	cfg := appconfig.Config{
		StateDir: "/tmp/state",
		HTTP:     appconfig.HTTPConfig{Addr: "0.0.0.0:9000"},
		Injection: appconfig.InjectionConfig{
			Mode:             appconfig.InjectionLegacy,
			Script:           "content-script/enhance.js",
			GuardReinjection: true,
		},
		Extension: appconfig.ExtensionConfig{InstallType: "development"},
		Reports:   appconfig.ReportsConfig{SettingsIntervalHours: 6},
		Telemetry: appconfig.TelemetryConfig{LogFile: "/tmp/state/t.jsonl"},
	}
	got := toServerConfig(cfg)
	if got.HTTP.BaseURL != "http://127.0.0.1:9000" {
		t.Fatalf("unexpected base url %q", got.HTTP.BaseURL)
	}
	if got.SettingsInterval != 6*time.Hour {
		t.Fatalf("unexpected interval %v", got.SettingsInterval)
	}
	if got.InstallType != schema.InstallDevelopment || !got.GuardReinjection || got.InjectionMode != appconfig.InjectionLegacy {
		t.Fatalf("unexpected server config %+v", got)
	}
}

func TestToBrowserConfigUsesOptionsPage(t *testing.T) {
	cfg := appconfig.Config{
		HTTP:    appconfig.HTTPConfig{Addr: "127.0.0.1:27490"},
		Browser: appconfig.BrowserConfig{RemoteURL: "ws://127.0.0.1:9222/devtools/browser/x", BootScript: true},
	}
	got := toBrowserConfig(cfg)
	if got.OptionsURL != "http://127.0.0.1:27490/options" {
		t.Fatalf("unexpected options url %q", got.OptionsURL)
	}
	if got.RemoteURL != cfg.Browser.RemoteURL || !got.BootScript {
		t.Fatalf("unexpected browser config %+v", got)
	}
}
