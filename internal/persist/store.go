package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

const settingsFile = "settings.json"

// Snapshot is the on-disk settings document.
type Snapshot struct {
	Domains     map[schema.Domain]schema.DomainSetting `json:"domains,omitempty"`
	Flags       map[schema.FeatureFlag]bool            `json:"flags,omitempty"`
	LastVersion string                                 `json:"last_version,omitempty"`
}

// Store persists domain settings, feature flags and the last installed
// version to a single JSON file.
type Store struct {
	path string
	log  pslog.Logger

	mu       sync.Mutex
	snapshot Snapshot
}

// NewStore constructs a persistent store in the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_dir", dir)
	}
	s := &Store{path: filepath.Join(dir, settingsFile), log: logger}
	snapshot, err := s.load()
	if err != nil {
		return nil, err
	}
	s.snapshot = snapshot
	return s, nil
}

// DomainSetting returns the stored preference, DomainUnset when none.
func (s *Store) DomainSetting(_ context.Context, domain schema.Domain) (schema.DomainSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Domains[domain], nil
}

// SetDomainSetting stores a preference. DomainUnset removes the entry.
func (s *Store) SetDomainSetting(_ context.Context, domain schema.Domain, setting schema.DomainSetting) error {
	if domain == "" {
		return schema.ErrInvalidDomain
	}
	switch setting {
	case schema.DomainAllow, schema.DomainDeny, schema.DomainUnset:
	default:
		return fmt.Errorf("%q: %w", setting, schema.ErrInvalidDomainSetting)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	if setting == schema.DomainUnset {
		delete(next.Domains, domain)
	} else {
		next.Domains[domain] = setting
	}
	if err := s.save(next); err != nil {
		return err
	}
	s.snapshot = next
	if s.log != nil {
		s.log.Debug("settings domain stored", "domain", domain, "setting", setting)
	}
	return nil
}

// Domains returns a copy of every stored domain setting.
func (s *Store) Domains(_ context.Context) (map[schema.Domain]schema.DomainSetting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cloneLocked().Domains, nil
}

// FeatureFlag returns the stored flag value or its default.
func (s *Store) FeatureFlag(_ context.Context, name schema.FeatureFlag) (bool, error) {
	defaults := schema.DefaultFeatureFlags()
	def, ok := defaults[name]
	if !ok {
		return false, fmt.Errorf("%q: %w", name, schema.ErrUnknownFlag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.snapshot.Flags[name]; ok {
		return value, nil
	}
	return def, nil
}

// SetFeatureFlag stores a flag value.
func (s *Store) SetFeatureFlag(_ context.Context, name schema.FeatureFlag, value bool) error {
	if !schema.KnownFeatureFlag(name) {
		return fmt.Errorf("%q: %w", name, schema.ErrUnknownFlag)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next.Flags[name] = value
	if err := s.save(next); err != nil {
		return err
	}
	s.snapshot = next
	if s.log != nil {
		s.log.Debug("settings flag stored", "flag", name, "value", value)
	}
	return nil
}

// FeatureFlags returns every known flag with defaults applied.
func (s *Store) FeatureFlags(_ context.Context) (map[schema.FeatureFlag]bool, error) {
	flags := schema.DefaultFeatureFlags()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, value := range s.snapshot.Flags {
		if _, ok := flags[name]; ok {
			flags[name] = value
		}
	}
	return flags, nil
}

// LastVersion returns the version that last completed the install hook.
func (s *Store) LastVersion(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.LastVersion, nil
}

// RecordVersion stores the installed version.
func (s *Store) RecordVersion(_ context.Context, version string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cloneLocked()
	next.LastVersion = version
	if err := s.save(next); err != nil {
		return err
	}
	s.snapshot = next
	return nil
}

func (s *Store) cloneLocked() Snapshot {
	out := Snapshot{
		Domains:     make(map[schema.Domain]schema.DomainSetting, len(s.snapshot.Domains)),
		Flags:       make(map[schema.FeatureFlag]bool, len(s.snapshot.Flags)),
		LastVersion: s.snapshot.LastVersion,
	}
	for k, v := range s.snapshot.Domains {
		out.Domains[k] = v
	}
	for k, v := range s.snapshot.Flags {
		out.Flags[k] = v
	}
	return out
}

func (s *Store) load() (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("settings load miss")
			}
			return Snapshot{}, nil
		}
		if s.log != nil {
			s.log.Warn("settings load failed", "err", err)
		}
		return Snapshot{}, err
	}
	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("settings load failed", "err", err)
		}
		return Snapshot{}, err
	}
	if s.log != nil {
		s.log.Debug("settings load ok", "domains", len(snapshot.Domains))
	}
	return snapshot, nil
}

func (s *Store) save(snapshot Snapshot) error {
	if err := s.writeAtomic(snapshot); err != nil {
		if s.log != nil {
			s.log.Warn("settings save failed", "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Trace("settings save ok", "domains", len(snapshot.Domains))
	}
	return nil
}

func (s *Store) writeAtomic(snapshot Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "settings-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
