package governor

import (
	"fmt"
	"os"

	yaml "go.yaml.in/yaml/v3"

	"github.com/LeventeLantos/post-scheduler/internal/model"
)

// tierFile is the on-disk layout for operator-defined tiers:
//
//	tiers:
//	  pro:
//	    post: {hour: 300, day: 3000, month: 50000}
//	    search: {hour: 600}
type tierFile struct {
	Tiers map[string]map[model.Kind]map[model.Scope]int `yaml:"tiers"`
}

var scopeOrder = []model.Scope{model.Hourly, model.Daily, model.Monthly}

// LoadTierFile reads the tier called name from a YAML file. The built-in
// tiers are not consulted.
func LoadTierFile(path, name string) (Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tier{}, fmt.Errorf("read tier file: %w", err)
	}
	return ParseTiers(data, name)
}

func ParseTiers(data []byte, name string) (Tier, error) {
	var f tierFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Tier{}, fmt.Errorf("yaml unmarshal: %w", err)
	}

	kinds, ok := f.Tiers[name]
	if !ok {
		return Tier{}, fmt.Errorf("unknown rate tier %q", name)
	}

	tier := Tier{Name: name, Limits: make(map[model.Kind][]Window, len(kinds))}
	for kind, scopes := range kinds {
		for scope := range scopes {
			if scope.Length() == 0 {
				return Tier{}, fmt.Errorf("tier %s: %s has unknown window %q", name, kind, scope)
			}
		}
		for _, scope := range scopeOrder {
			limit, ok := scopes[scope]
			if !ok {
				continue
			}
			if limit <= 0 {
				return Tier{}, fmt.Errorf("tier %s: %s %s limit must be > 0", name, kind, scope)
			}
			tier.Limits[kind] = append(tier.Limits[kind], Window{Scope: scope, Limit: limit})
		}
	}
	return tier, nil
}
