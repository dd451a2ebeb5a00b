package jobs

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/stratoform/lattice/pkg/errdefs"
	"github.com/stratoform/lattice/pkg/types"
)

// Scale presets. Every field can be overridden per job.
var defaultPresets = map[types.Scale]types.GeneratorConfig{
	types.ScaleSmall: {
		TotalCIs: 1000, Regions: 2, DCsPerRegion: 2, ServersPerDC: 50,
		Applications: 200, Databases: 20, Events: 500,
	},
	types.ScaleMedium: {
		TotalCIs: 10000, Regions: 3, DCsPerRegion: 3, ServersPerDC: 200,
		Applications: 2000, Databases: 200, Events: 2000,
	},
	types.ScaleLarge: {
		TotalCIs: 100000, Regions: 5, DCsPerRegion: 4, ServersPerDC: 1000,
		Applications: 20000, Databases: 2000, Events: 10000,
	},
	types.ScaleEnterprise: {
		TotalCIs: 500000, Regions: 8, DCsPerRegion: 5, ServersPerDC: 2500,
		Applications: 100000, Databases: 10000, Events: 50000,
	},
}

// estimatedDuration is the human-facing runtime hint per scale.
var estimatedDuration = map[types.Scale]string{
	types.ScaleSmall:      "30 seconds",
	types.ScaleMedium:     "5 minutes",
	types.ScaleLarge:      "30 minutes",
	types.ScaleEnterprise: "2-3 hours",
}

// PriorityFor maps a scale to its queue priority. Bigger runs jump the
// queue so they start before a backlog of small jobs starves them.
func PriorityFor(scale types.Scale) int {
	switch scale {
	case types.ScaleEnterprise:
		return 10
	case types.ScaleLarge:
		return 5
	default:
		return 1
	}
}

// Presets resolves scale names to generator configs, optionally
// overridden from a YAML file.
type Presets struct {
	configs map[types.Scale]types.GeneratorConfig
}

// LoadPresets returns the built-in preset table, merged with overrides
// from path when it is non-empty.
func LoadPresets(path string) (*Presets, error) {
	configs := make(map[types.Scale]types.GeneratorConfig, len(defaultPresets))
	for scale, cfg := range defaultPresets {
		configs[scale] = cfg
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading presets file: %w", err)
		}
		var overrides map[types.Scale]types.GeneratorConfig
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return nil, fmt.Errorf("parsing presets file: %w", err)
		}
		for scale, cfg := range overrides {
			if !types.ValidScale(scale) {
				return nil, errdefs.Validationf("unknown scale %q in presets file", scale)
			}
			configs[scale] = cfg
		}
	}
	return &Presets{configs: configs}, nil
}

// Resolve returns the config for a scale with non-zero override fields
// applied on top.
func (p *Presets) Resolve(scale types.Scale, override *types.GeneratorConfig) (types.GeneratorConfig, error) {
	if !types.ValidScale(scale) {
		return types.GeneratorConfig{}, errdefs.Validationf("unknown scale %q", scale)
	}
	cfg := p.configs[scale]
	if override != nil {
		if override.TotalCIs > 0 {
			cfg.TotalCIs = override.TotalCIs
		}
		if override.Regions > 0 {
			cfg.Regions = override.Regions
		}
		if override.DCsPerRegion > 0 {
			cfg.DCsPerRegion = override.DCsPerRegion
		}
		if override.ServersPerDC > 0 {
			cfg.ServersPerDC = override.ServersPerDC
		}
		if override.Applications > 0 {
			cfg.Applications = override.Applications
		}
		if override.Databases > 0 {
			cfg.Databases = override.Databases
		}
		if override.Events > 0 {
			cfg.Events = override.Events
		}
		if override.ClearFirst {
			cfg.ClearFirst = true
		}
	}
	return cfg, nil
}

// ScaleInfo describes one preset for the scales listing endpoint.
type ScaleInfo struct {
	Scale             types.Scale           `json:"scale"`
	Config            types.GeneratorConfig `json:"config"`
	Priority          int                   `json:"priority"`
	EstimatedDuration string                `json:"estimatedDuration"`
}

// Scales lists every preset in ascending size order.
func (p *Presets) Scales() []ScaleInfo {
	order := []types.Scale{types.ScaleSmall, types.ScaleMedium, types.ScaleLarge, types.ScaleEnterprise}
	infos := make([]ScaleInfo, 0, len(order))
	for _, scale := range order {
		infos = append(infos, ScaleInfo{
			Scale:             scale,
			Config:            p.configs[scale],
			Priority:          PriorityFor(scale),
			EstimatedDuration: estimatedDuration[scale],
		})
	}
	return infos
}
