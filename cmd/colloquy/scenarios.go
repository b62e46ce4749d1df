package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
	"github.com/colloquy/colloquy/internal/conversation/repository"
)

// seedScenarios loads scenario documents from dir into the store. Files may
// be YAML or JSON; scenarios whose id already exists are left untouched so
// operator edits survive restarts.
func seedScenarios(ctx context.Context, repo repository.Repository, dir string, log *logger.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read seed directory %s: %w", dir, err)
	}

	var seeded, skipped int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		sc, err := loadScenarioFile(path)
		if err != nil {
			log.Warn("skipping malformed scenario seed",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		if _, err := repo.GetActiveScenario(ctx, sc.Metadata.ID); err == nil {
			skipped++
			continue
		} else if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
			return err
		}

		if err := repo.InsertScenario(ctx, sc); err != nil {
			return fmt.Errorf("failed to seed scenario %s: %w", sc.Metadata.ID, err)
		}
		seeded++
	}

	log.Info("scenario seeding finished",
		zap.Int("seeded", seeded), zap.Int("existing", skipped))
	return nil
}

func loadScenarioFile(path string) (*models.Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// YAML seeds go through a JSON round trip so the scenario model keeps a
	// single set of field tags.
	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var doc interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		if raw, err = json.Marshal(doc); err != nil {
			return nil, err
		}
	}

	var sc models.Scenario
	if err := json.Unmarshal(raw, &sc); err != nil {
		return nil, err
	}
	if sc.Metadata.ID == "" {
		return nil, fmt.Errorf("scenario seed has no metadata.id")
	}
	if len(sc.Agents) == 0 {
		return nil, fmt.Errorf("scenario %s declares no agents", sc.Metadata.ID)
	}
	return &sc, nil
}
