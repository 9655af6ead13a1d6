package policy

import (
	"fmt"
	"os"

	"github.com/dagbolade/hook-gateway/internal/hook"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// seedFile is the on-disk shape of POLICY_FILE.
type seedFile struct {
	Policies []seedPolicy `yaml:"policies"`
}

type seedPolicy struct {
	Name      string `yaml:"name"`
	Priority  int    `yaml:"priority"`
	Enabled   *bool  `yaml:"enabled"`
	EventType string `yaml:"event_type"`
	Tool      string `yaml:"tool"`
	Action    string `yaml:"action"`
	Scope     string `yaml:"scope"`
}

// LoadSeedFile reads a policy seed file. Invalid entries are skipped with a
// warning so one typo does not drop the whole file.
func LoadSeedFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseSeed(data)
}

func ParseSeed(data []byte) ([]Policy, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	policies := make([]Policy, 0, len(f.Policies))
	for i, sp := range f.Policies {
		p := Policy{
			Name:            sp.Name,
			Priority:        sp.Priority,
			Enabled:         sp.Enabled == nil || *sp.Enabled,
			EventType:       hook.EventType(sp.EventType),
			ToolNamePattern: sp.Tool,
			Action:          Action(sp.Action),
			ScopeFilter:     sp.Scope,
			Source:          SourceFile,
		}
		if err := Validate(p); err != nil {
			log.Warn().Err(err).Int("index", i).Str("name", sp.Name).Msg("skipping invalid seed policy")
			continue
		}
		policies = append(policies, p)
	}

	return policies, nil
}
