package version

import (
	"context"
	"runtime/debug"
	"testing"

	"pkt.systems/pageview/schema"
)

func TestCurrentPrefersLinkedVersion(t *testing.T) {
	old := buildVersion
	buildVersion = " v1.2.3 "
	t.Cleanup(func() { buildVersion = old })

	if got := Current(); got != "v1.2.3" {
		t.Fatalf("expected linked version, got %q", got)
	}
}

func TestFromBuildInfo(t *testing.T) {
	stamped := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "1234567890abcdef"},
		{Key: "vcs.time", Value: "2025-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	}
	cases := []struct {
		name string
		info *debug.BuildInfo
		want string
	}{
		{"missing", nil, unknown},
		{"module version", &debug.BuildInfo{Main: debug.Module{Version: "v1.4.0+dirty"}}, "v1.4.0"},
		{"local build", &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}, Settings: stamped}, "v0.0.0-20250102030405-1234567890ab"},
		{"short revision", &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abcdef"},
			{Key: "vcs.time", Value: "2025-01-02T03:04:05Z"},
		}}, "v0.0.0-20250102030405-abcdef"},
		{"no stamp", &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}}, unknown},
		{"bad time", &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abcdef"},
			{Key: "vcs.time", Value: "yesterday"},
		}}, unknown},
	}
	for _, tc := range cases {
		if got := fromBuildInfo(tc.info); got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestModuleFallsBackToDefault(t *testing.T) {
	if got := Module(); got == "" {
		t.Fatalf("module path must never be empty")
	}
}

func TestSourceExtensionInfo(t *testing.T) {
	info, err := Source{Version: "v2.0.0"}.ExtensionInfo(context.Background())
	if err != nil {
		t.Fatalf("extension info: %v", err)
	}
	if info.Version != "v2.0.0" || info.InstallType != schema.InstallNormal {
		t.Fatalf("unexpected info: %+v", info)
	}
	info, _ = Source{InstallType: schema.InstallDevelopment}.ExtensionInfo(context.Background())
	if info.InstallType != schema.InstallDevelopment || info.Version == "" {
		t.Fatalf("unexpected development info: %+v", info)
	}
}
