package constraint

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profiles maps a profile name to its ordered constraint definitions.
type Profiles map[string][]Def

type profileFile struct {
	Profiles Profiles `yaml:"profiles"`
}

// LoadProfiles reads a YAML profile file.
func LoadProfiles(path string) (Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}
	p, err := ParseProfiles(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseProfiles parses YAML profile data. ${VAR} references are replaced by
// environment values before parsing.
func ParseProfiles(data []byte) (Profiles, error) {
	var f profileFile
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &f); err != nil {
		return nil, &ConfigurationError{Index: -1, Reason: "parse profiles", Err: err}
	}
	if f.Profiles == nil {
		f.Profiles = Profiles{}
	}
	for name := range f.Profiles {
		if strings.TrimSpace(name) == "" {
			return nil, &ConfigurationError{Index: -1, Reason: "profile name is required"}
		}
	}
	return f.Profiles, nil
}

// Names returns the profile names, sorted.
func (p Profiles) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build validates every profile against reg. One bad profile fails the build
// so a half-applied profile file never becomes active.
func (p Profiles) Build(reg *Registry) (map[string]*Set, error) {
	sets := make(map[string]*Set, len(p))
	for _, name := range p.Names() {
		set, err := NewSet(reg, p[name]...)
		if err != nil {
			return nil, fmt.Errorf("profile %q: %w", name, err)
		}
		sets[name] = set
	}
	return sets, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func interpolateEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}
