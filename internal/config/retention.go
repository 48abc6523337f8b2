package config

import (
	"fmt"
	"os"

	"github.com/alexjbarnes/workspace-sync/internal/models"
	"gopkg.in/yaml.v3"
)

// retentionFile is the YAML layout of RETENTION_FILE:
//
//	retention:
//	  note: 200
//	  message: 0
type retentionFile struct {
	Retention map[string]int `yaml:"retention"`
}

// LoadRetention reads per-type cache limits from path. An empty path
// yields no overrides. A limit of zero disables pruning for the type.
func LoadRetention(path string) (map[models.EntityType]int, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading retention file: %w", err)
	}

	return ParseRetention(data)
}

// ParseRetention decodes a retention YAML document.
func ParseRetention(data []byte) (map[models.EntityType]int, error) {
	var rf retentionFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing retention file: %w", err)
	}

	out := make(map[models.EntityType]int, len(rf.Retention))

	for name, limit := range rf.Retention {
		t, err := models.ParseEntityType(name)
		if err != nil {
			return nil, fmt.Errorf("retention: %w", err)
		}

		if limit < 0 {
			return nil, fmt.Errorf("retention for %s must not be negative, got %d", name, limit)
		}

		out[t] = limit
	}

	return out, nil
}
