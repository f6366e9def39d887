package boundary

import "strings"

func normalizeName(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func normalizeCode(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

// matches reports whether a feature matches the configured boundary.
// Code match is exact and case-insensitive; name match accepts an exact or
// substring hit, case-insensitive. An empty name with no code match never
// matches.
func matches(f rawFeature, name, code string) bool {
	if code != "" && normalizeCode(f.Properties.Code) == code {
		return true
	}
	if name == "" {
		return false
	}
	featName := normalizeName(f.Properties.Name)
	return featName == name || strings.Contains(featName, name)
}

// selectBest filters features by the match rules and returns the one with the
// highest version, or nil when nothing matches.
func selectBest(features []rawFeature, name, code string) *Feature {
	var best *Feature
	for _, raw := range features {
		if !matches(raw, name, code) {
			continue
		}
		f := raw.toFeature()
		if best == nil || f.Version > best.Version {
			best = &f
		}
	}
	return best
}
