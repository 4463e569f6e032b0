package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lognaturel/central-updater/internal/central"
	"github.com/lognaturel/central-updater/internal/checkpoint"
	"github.com/lognaturel/central-updater/internal/config"
	"github.com/lognaturel/central-updater/internal/database"
	"github.com/lognaturel/central-updater/internal/entity"
	"github.com/lognaturel/central-updater/internal/logging"
	"github.com/lognaturel/central-updater/internal/runner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "central-updater",
		Short: "Reconciles a shared entity list with form submissions on ODK Central",
		Long: "central-updater fetches submissions received since the last run from every " +
			"configured source form, collapses them into one update per entity, folds the " +
			"updates into the shared entity list, and republishes the list to every form " +
			"it is attached to. Intended to run from cron; each invocation is one sync run.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRunsCommand())

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(signalCtx); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", "", "Base URL of the Central server")
	cmd.PersistentFlags().String("server-project", "", "Central project ID")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite checkpoint database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-path", defaults.GetString("log.path"), "Optional log file path")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "server.project", "server-project")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.path", "log-path")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newRunsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent sync run history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showRuns(cmd.Context(), limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of runs to show")
	return cmd
}

func showRuns(ctx context.Context, limit int) error {
	databasePath := viper.GetString("database.path")

	db, err := database.OpenSQLite(databasePath, "", zap.NewNop())
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := checkpoint.NewStore(checkpoint.StoreConfig{Database: db})
	if err != nil {
		return err
	}

	runs, err := store.RecentRuns(ctx, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded yet")
		return nil
	}

	for _, run := range runs {
		started := time.UnixMilli(run.StartedAtMs).UTC().Format(time.RFC3339)
		line := fmt.Sprintf("%s  %-9s  fetched=%d dropped=%d rows=%d unknown=%d",
			started, run.State,
			run.SubmissionsFetched, run.SubmissionsDropped,
			run.RowsTouched, run.UnknownEntities)
		if run.Error != "" {
			line += "  error=" + run.Error
		}
		fmt.Println(line)
	}
	return nil
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runSync(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogPath)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, appConfig.LegacyCache, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := checkpoint.NewStore(checkpoint.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	client, err := central.NewClient(central.ClientConfig{
		BaseURL: appConfig.ServerURL,
		Project: appConfig.Project,
		Clock:   time.Now,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	sources := make([]entity.SourceForm, 0, len(appConfig.UpdatedBy))
	for _, source := range appConfig.UpdatedBy {
		sources = append(sources, entity.SourceForm{FormID: source.FormID, Fields: source.Fields})
	}

	syncRunner, err := runner.New(runner.Config{
		Transport:  client,
		Checkpoint: store,
		Credentials: central.Credentials{
			Email:    appConfig.Username,
			Password: appConfig.Password,
		},
		KeyField:       appConfig.EntityKey,
		EntityFilename: appConfig.EntityFilename,
		AttachedTo:     appConfig.AttachedTo,
		Sources:        sources,
		Logger:         logger,
		Clock:          time.Now,
		IDProvider:     runner.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	report, err := syncRunner.Run(ctx)
	if err != nil {
		logger.Error("sync failed", zap.Error(err))
		return fmt.Errorf("sync failed: %w", err)
	}

	logger.Info("sync complete",
		zap.String("state", report.State),
		zap.Int("submissions", report.SubmissionsFetched),
		zap.Int("rows_touched", report.RowsTouched))
	return nil
}
