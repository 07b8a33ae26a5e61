// Command migrate manages the loan-backoffice database schema.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/cuongbtq/loan-backoffice/internal/config"
	"github.com/cuongbtq/loan-backoffice/migrations"
	"github.com/cuongbtq/loan-backoffice/shared/logger"
	"github.com/cuongbtq/loan-backoffice/shared/postgresql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	appLogger := logger.NewDefault()

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}

	var configPath string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Manage the loan-backoffice database schema",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	withMigrate := func(fn func(m *migrate.Migrate, args []string) error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			m, err := open(configPath)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := fn(m, args); err != nil {
				return err
			}
			return reportVersion(m, appLogger.Logger)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withMigrate(func(m *migrate.Migrate, _ []string) error {
				if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to run migrations: %w", err)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			Args:  cobra.NoArgs,
			RunE: withMigrate(func(m *migrate.Migrate, _ []string) error {
				if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
					return fmt.Errorf("failed to rollback migration: %w", err)
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: withMigrate(func(*migrate.Migrate, []string) error {
				return nil
			}),
		},
		&cobra.Command{
			Use:   "force VERSION",
			Short: "Set the version without running migrations, clearing the dirty flag",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrate(func(m *migrate.Migrate, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("version must be numeric: %w", err)
				}
				if err := m.Force(v); err != nil {
					return fmt.Errorf("failed to force version: %w", err)
				}
				return nil
			}),
		},
	)

	if err := root.Execute(); err != nil {
		appLogger.Error("Migration command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func open(configPath string) (*migrate.Migrate, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	dbConfig := &postgresql.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}

	return migrations.Open(dbConfig.URL())
}

func reportVersion(m *migrate.Migrate, logger *slog.Logger) error {
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		logger.Info("No migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	logger.Info("Schema version",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}
