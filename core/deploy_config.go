package core

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tuis-judge/internal/langprofile"
)

// LanguageOverheadOverrides is an optional deploy-time file letting an
// operator tune per-language startup overhead (JVM boot, interpreter
// import cost) without a code change, for hosts measurably faster or
// slower than the static defaults in internal/langprofile.
type LanguageOverheadOverrides struct {
	Overhead map[string]int `yaml:"overhead_ms"`
}

// LoadLanguageOverheadOverrides reads path (a YAML file mapping language tag
// to an overhead-ms override) and returns the parsed overrides. A missing
// file is not an error — it means no overrides are configured.
func LoadLanguageOverheadOverrides(path string) (LanguageOverheadOverrides, error) {
	if path == "" {
		return LanguageOverheadOverrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LanguageOverheadOverrides{}, nil
		}
		return LanguageOverheadOverrides{}, fmt.Errorf("deploy config: read %s: %w", path, err)
	}

	var out LanguageOverheadOverrides
	if err := yaml.Unmarshal(data, &out); err != nil {
		return LanguageOverheadOverrides{}, fmt.Errorf("deploy config: parse %s: %w", path, err)
	}
	return out, nil
}

// Apply returns p's DefaultOverheadMs as overridden by o, if present.
func (o LanguageOverheadOverrides) Apply(p langprofile.Profile) int {
	if v, ok := o.Overhead[p.Code]; ok {
		return v
	}
	return p.DefaultOverheadMs
}
