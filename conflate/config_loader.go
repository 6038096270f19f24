package conflate

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads a YAML config on top of DefaultConfig. An empty path or a
// missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	d := c.Dataset
	if d.H3Resolution < 0 || d.H3Resolution > 15 {
		return fmt.Errorf("dataset.h3_resolution must be within 0..15, got %d", d.H3Resolution)
	}
	for name, r := range map[string][]float64{
		"dataset.overlap_range":    d.OverlapRange,
		"dataset.similarity_range": d.SimilarityRange,
	} {
		if r == nil {
			continue
		}
		if len(r) != 2 {
			return fmt.Errorf("%s must have exactly two values", name)
		}
		if r[0] > r[1] {
			return fmt.Errorf("%s lower bound %g exceeds upper bound %g", name, r[0], r[1])
		}
	}
	if d.MaxDistance != nil && *d.MaxDistance < 0 {
		return fmt.Errorf("dataset.max_distance must not be negative")
	}
	if d.SampleSize < 0 || d.NeighborhoodSamples < 0 {
		return fmt.Errorf("dataset sample sizes must not be negative")
	}
	if strings.TrimSpace(d.CRS) == "" {
		return fmt.Errorf("dataset.crs is required")
	}

	l := c.Labeling
	if l.AnnotationRedundancy < 0 {
		return fmt.Errorf("labeling.annotation_redundancy must not be negative")
	}
	if l.ConsensusMargin < 0 {
		return fmt.Errorf("labeling.consensus_margin must not be negative")
	}
	if l.NearRadius < 0 {
		return fmt.Errorf("labeling.near_radius must not be negative")
	}
	if l.PreviewWorkers < 0 {
		return fmt.Errorf("labeling.preview_workers must not be negative")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
