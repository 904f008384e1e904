package main

import (
	"context"
	"fmt"
	"os"

	"github.com/ashureev/safeops/internal/domain"
	"github.com/ashureev/safeops/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load reference data from a YAML fixtures file",
	Long: `Load incidents, classification catalogs and the responsible directory
from a YAML file. Existing records with the same id are updated.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringP("file", "f", "fixtures.yaml", "fixtures file")
}

// fixtures is the layout of a seed file.
type fixtures struct {
	Subjects        []domain.Subject             `yaml:"subjects"`
	Classifications []domain.ClassificationEntry `yaml:"classifications"`
	Responsibles    []domain.ResponsibleEntry    `yaml:"responsibles"`
}

type seedCounts struct {
	Subjects, Classifications, Responsibles int
}

func loadFixtures(path string) (*fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixtures: %w", err)
	}
	var fx fixtures
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parse fixtures %s: %w", path, err)
	}
	for i, s := range fx.Subjects {
		if s.ID == "" {
			return nil, fmt.Errorf("parse fixtures %s: subject %d has no id", path, i)
		}
	}
	return &fx, nil
}

func seed(ctx context.Context, repo store.Repository, fx *fixtures) (seedCounts, error) {
	var n seedCounts
	for _, e := range fx.Classifications {
		if err := repo.UpsertClassification(ctx, e); err != nil {
			return n, fmt.Errorf("classification %s: %w", e.ID, err)
		}
		n.Classifications++
	}
	for _, e := range fx.Responsibles {
		if err := repo.UpsertResponsible(ctx, e); err != nil {
			return n, fmt.Errorf("responsible %s: %w", e.ID, err)
		}
		n.Responsibles++
	}
	for i := range fx.Subjects {
		if err := repo.UpsertSubject(ctx, &fx.Subjects[i]); err != nil {
			return n, fmt.Errorf("subject %s: %w", fx.Subjects[i].ID, err)
		}
		n.Subjects++
	}
	return n, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	path, _ := cmd.Flags().GetString("file")
	fx, err := loadFixtures(path)
	if err != nil {
		return err
	}

	repo, err := openRepo(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := seed(cmd.Context(), repo, fx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d incidents, %d classifications, %d responsibles\n",
		n.Subjects, n.Classifications, n.Responsibles)
	return nil
}
