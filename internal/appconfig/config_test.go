package appconfig

import "testing"

func TestDefaultConfigGuardsOff(t *testing.T) {
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Injection.GuardReinjection {
		t.Fatalf("expected reinjection guard to default false")
	}
	if !cfg.Browser.BootScript {
		t.Fatalf("expected boot script on by default")
	}
}

func TestPublicBaseURL(t *testing.T) {
	tests := []struct {
		cfg  HTTPConfig
		want string
	}{
		{HTTPConfig{Addr: "127.0.0.1:27490"}, "http://127.0.0.1:27490"},
		{HTTPConfig{Addr: ":8080"}, "http://127.0.0.1:8080"},
		{HTTPConfig{Addr: "0.0.0.0:8080"}, "http://127.0.0.1:8080"},
		{HTTPConfig{Addr: ":8080", BaseURL: "https://pv.example.com/"}, "https://pv.example.com"},
	}
	for _, tc := range tests {
		if got := tc.cfg.PublicBaseURL(); got != tc.want {
			t.Fatalf("PublicBaseURL(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestOptionsPageURL(t *testing.T) {
	cfg := Config{HTTP: HTTPConfig{Addr: "127.0.0.1:1"}}
	if got := cfg.OptionsPageURL(); got != "http://127.0.0.1:1/options" {
		t.Fatalf("unexpected options url: %q", got)
	}
	cfg.Extension.OptionsURL = "https://example.com/settings"
	if got := cfg.OptionsPageURL(); got != "https://example.com/settings" {
		t.Fatalf("unexpected options url override: %q", got)
	}
}
