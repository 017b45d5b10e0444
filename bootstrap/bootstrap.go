package bootstrap

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"pkt.systems/pageview/internal/appconfig"
	"pkt.systems/pageview/internal/version"
)

// Files represents generated bootstrap artifacts.
type Files struct {
	ConfigYAML  []byte
	ComposeYAML []byte
}

// Options controls optional bootstrap behaviors.
type Options struct {
	// ImageTag pins the daemon image; defaults to the build version.
	ImageTag  string
	Overrides []ConfigOverride
}

// Paths reports where bootstrap wrote its outputs.
type Paths struct {
	ConfigPath  string
	ComposePath string
	StateDir    string
}

const (
	containerConfigName = "config-for-container.yaml"
	defaultServerImage  = "docker.io/pktsystems/pageview"
	defaultBrowserImage = "docker.io/chromedp/headless-shell:latest"
	containerStateDir   = "/pageview/state"
	containerRemoteURL  = "http://browser:9222"
)

// ConfigOverride sets a dotted config path, for example
// "injection.mode", to Value.
type ConfigOverride struct {
	Path  string
	Value any
}

// ParseOverride parses "path=value". Booleans and integers are decoded as
// YAML scalars, everything else stays a string.
func ParseOverride(raw string) (ConfigOverride, error) {
	path, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(path) == "" {
		return ConfigOverride{}, fmt.Errorf("config override %q: expected path=value", raw)
	}
	var decoded any
	if err := yaml.Unmarshal([]byte(value), &decoded); err != nil || decoded == nil {
		decoded = value
	}
	switch decoded.(type) {
	case bool, int, string:
	default:
		decoded = value
	}
	return ConfigOverride{Path: strings.TrimSpace(path), Value: decoded}, nil
}

//go:embed templates/*.tmpl
var templates embed.FS

type templateData struct {
	ConfigFile     string
	HostConfigPath string
	HostStateDir   string
	HTTPPort       string
	ServerImage    string
	BrowserImage   string
}

// ContainerFiles returns the config and compose file for running the daemon
// next to a headless browser container.
func ContainerFiles(outputDir string, opts Options) (Files, error) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		return Files{}, err
	}
	cfg.ConfigVersion = appconfig.CurrentConfigVersion
	cfg.StateDir = containerStateDir
	cfg.Telemetry.LogFile = containerStateDir + "/telemetry.jsonl"
	cfg.Browser.RemoteURL = containerRemoteURL
	cfg.Browser.UserDataDir = ""
	port := httpPort(cfg.HTTP.Addr)
	cfg.HTTP.BaseURL = "http://127.0.0.1:" + port
	cfg.HTTP.Addr = "0.0.0.0:" + port

	configYAML, err := yaml.Marshal(cfg)
	if err != nil {
		return Files{}, err
	}
	configYAML, err = applyOverridesToYAML(configYAML, opts.Overrides)
	if err != nil {
		return Files{}, err
	}
	composeYAML, err := renderTemplate("templates/docker-compose.yaml.tmpl", templateData{
		ConfigFile:     containerConfigName,
		HostConfigPath: filepath.Join(outputDir, containerConfigName),
		HostStateDir:   filepath.Join(outputDir, "state"),
		HTTPPort:       port,
		ServerImage:    tagImage(defaultServerImage, resolveImageTag(opts.ImageTag)),
		BrowserImage:   defaultBrowserImage,
	})
	if err != nil {
		return Files{}, err
	}
	return Files{ConfigYAML: configYAML, ComposeYAML: composeYAML}, nil
}

// HostConfigYAML returns the default host config with overrides applied.
func HostConfigYAML(overrides []ConfigOverride) ([]byte, error) {
	cfg, err := appconfig.DefaultConfig()
	if err != nil {
		return nil, err
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	return applyOverridesToYAML(raw, overrides)
}

// WriteBundle writes the container bundle into outputDir.
func WriteBundle(outputDir string, overwrite bool, opts Options) (Paths, error) {
	if strings.TrimSpace(outputDir) == "" {
		return Paths{}, fmt.Errorf("output directory is required")
	}
	outputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return Paths{}, err
	}
	files, err := ContainerFiles(outputDir, opts)
	if err != nil {
		return Paths{}, err
	}
	paths := Paths{
		ConfigPath:  filepath.Join(outputDir, containerConfigName),
		ComposePath: filepath.Join(outputDir, "docker-compose.yaml"),
		StateDir:    filepath.Join(outputDir, "state"),
	}
	for _, path := range []string{paths.ConfigPath, paths.ComposePath} {
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				return Paths{}, fmt.Errorf("file already exists: %s", path)
			}
		}
	}
	if err := os.MkdirAll(paths.StateDir, 0o700); err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(paths.ConfigPath, files.ConfigYAML, 0o644); err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(paths.ComposePath, files.ComposeYAML, 0o644); err != nil {
		return Paths{}, err
	}
	return paths, nil
}

// WriteHostConfig writes the host config with overrides to path, or the
// default config path when path is empty.
func WriteHostConfig(path string, overwrite bool, overrides []ConfigOverride) (string, error) {
	if len(overrides) == 0 {
		return appconfig.WriteDefault(path, overwrite)
	}
	if path == "" {
		defaultPath, err := appconfig.DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}
	data, err := HostConfigYAML(overrides)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func httpPort(addr string) string {
	_, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil || port == "" {
		return "27490"
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "27490"
	}
	return port
}

func renderTemplate(name string, data templateData) ([]byte, error) {
	raw, err := fs.ReadFile(templates, name)
	if err != nil {
		return nil, fmt.Errorf("read embedded %s: %w", name, err)
	}
	tpl, err := template.New(filepath.Base(name)).Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render template %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

func applyOverridesToYAML(configYAML []byte, overrides []ConfigOverride) ([]byte, error) {
	if len(overrides) == 0 {
		return configYAML, nil
	}
	var data map[string]any
	if err := yaml.Unmarshal(configYAML, &data); err != nil {
		return nil, err
	}
	for _, override := range overrides {
		if err := setOverrideValue(data, override.Path, override.Value); err != nil {
			return nil, err
		}
	}
	return yaml.Marshal(data)
}

func setOverrideValue(root map[string]any, path string, value any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("config override path is required")
	}
	parts := strings.Split(path, ".")
	node := root
	for i, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return fmt.Errorf("invalid config override path %q", path)
		}
		if i == len(parts)-1 {
			node[part] = value
			return nil
		}
		next, ok := node[part]
		if !ok || next == nil {
			child := map[string]any{}
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("config override %q: %q is not a map", path, part)
		}
		node = child
	}
	return nil
}

func resolveImageTag(override string) string {
	if value := strings.TrimSpace(override); value != "" {
		return value
	}
	value := strings.TrimSpace(version.Current())
	if value == "" {
		return "v0.0.0-unknown"
	}
	return value
}

func tagImage(base, tag string) string {
	base = stripImageTag(base)
	if base == "" {
		return ""
	}
	if strings.TrimSpace(tag) == "" {
		tag = "v0.0.0-unknown"
	}
	return base + ":" + tag
}

func stripImageTag(image string) string {
	image = strings.TrimSpace(image)
	if image == "" {
		return ""
	}
	if at := strings.LastIndex(image, "@"); at != -1 {
		image = image[:at]
	}
	lastSlash := strings.LastIndex(image, "/")
	lastColon := strings.LastIndex(image, ":")
	if lastColon > lastSlash {
		return image[:lastColon]
	}
	return image
}
