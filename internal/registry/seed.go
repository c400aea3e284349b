package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"boundless-bastion/internal/model"
)

// LoadCommandFile reads a YAML list of commands:
//
//	- name: Check GPU
//	  description: Query nvidia-smi
//	  script: nvidia-smi
//	  timeout_seconds: 60
func LoadCommandFile(path string) ([]model.CommandInput, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading commands file: %w", err)
	}

	var docs []model.CommandInput
	if err := yaml.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("parsing commands file: %w", err)
	}
	return docs, nil
}

// DefaultCommands are seeded into an empty registry.
func DefaultCommands() []model.CommandInput {
	sixty := 60
	return []model.CommandInput{
		{
			Name:           "Check GPU",
			Description:    "Query GPU state with nvidia-smi",
			Script:         "nvidia-smi || echo 'nvidia-smi not available'",
			TimeoutSeconds: &sixty,
		},
		{
			Name:           "Docker ps",
			Description:    "List running containers",
			Script:         "docker ps",
			TimeoutSeconds: &sixty,
		},
	}
}

// Seed creates each input whose name is not yet registered. Invalid entries
// are logged and skipped.
func Seed(r *CommandRegistry, inputs []model.CommandInput) int {
	created := 0
	for _, in := range inputs {
		if _, err := r.Create(in); err != nil {
			if model.IsConflict(err) {
				continue
			}
			log.Warn().Err(err).Str("name", in.Name).Msg("skipping seed command")
			continue
		}
		created++
	}
	return created
}
