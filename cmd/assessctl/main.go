// assessctl seeds reference data and runs incident assessments from a terminal.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ashureev/safeops/internal/config"
	"github.com/ashureev/safeops/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "assessctl",
	Short: "Operate the safeops incident assessment store",
	Long: `assessctl works directly against the safeops database.

Available subcommands:
  seed - Load incidents, classifications and responsibles from a YAML file
  run  - Conduct an assessment interactively in the terminal`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database path or postgres:// DSN (default: DATABASE_URL)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(runCmd)
}

// loadConfig reads the environment and applies the --db override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dsn, _ := cmd.Flags().GetString("db"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	return cfg, nil
}

func openRepo(cfg *config.Config) (store.Repository, error) {
	repo, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return repo, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
