package version

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"pkt.systems/pageview/schema"
)

const (
	defaultModule = "pkt.systems/pageview"
	unknown       = "v0.0.0-unknown"
)

// buildVersion is set via -ldflags "-X pkt.systems/pageview/internal/version.buildVersion=...".
var buildVersion = ""

// Source describes the running build for install detection and reports.
type Source struct {
	InstallType schema.InstallType
	// Version overrides the build version when set.
	Version string
}

// ExtensionInfo returns the build version and install type.
func (s Source) ExtensionInfo(context.Context) (schema.ExtensionInfo, error) {
	v := strings.TrimSpace(s.Version)
	if v == "" {
		v = Current()
	}
	installType := s.InstallType
	if installType == "" {
		installType = schema.InstallNormal
	}
	return schema.ExtensionInfo{Version: v, InstallType: installType}, nil
}

// Current returns the linked release version, the module version, or a
// pseudo-version derived from the VCS stamp of a local build.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info)
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok && strings.TrimSpace(info.Main.Path) != "" {
		return info.Main.Path
	}
	return defaultModule
}

// fromBuildInfo never reports a dirty marker; local rebuilds of one revision
// share a version.
func fromBuildInfo(info *debug.BuildInfo) string {
	if info == nil {
		return unknown
	}
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return strings.TrimSuffix(v, "+dirty")
	}
	vcs := make(map[string]string, len(info.Settings))
	for _, setting := range info.Settings {
		vcs[setting.Key] = setting.Value
	}
	stamp, err := time.Parse(time.RFC3339, vcs["vcs.time"])
	if err != nil || vcs["vcs.revision"] == "" {
		return unknown
	}
	return fmt.Sprintf("v0.0.0-%s-%.12s", stamp.UTC().Format("20060102150405"), vcs["vcs.revision"])
}
