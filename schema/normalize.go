package schema

import (
	"strings"
)

// NormalizeDomain validates and lower-cases a domain key.
// Allowed characters: a-z, 0-9, '.', '-'.
func NormalizeDomain(value string) (Domain, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "www.")
	if trimmed == "" {
		return "", ErrInvalidDomain
	}
	if strings.HasPrefix(trimmed, ".") || strings.HasSuffix(trimmed, ".") {
		return "", ErrInvalidDomain
	}
	for _, r := range trimmed {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '-' {
			continue
		}
		return "", ErrInvalidDomain
	}
	return Domain(trimmed), nil
}

// NormalizeFeatureFlag validates a flag name against the known set.
func NormalizeFeatureFlag(value string) (FeatureFlag, error) {
	name := FeatureFlag(strings.ToLower(strings.TrimSpace(value)))
	if !KnownFeatureFlag(name) {
		return "", ErrUnknownFlag
	}
	return name, nil
}
