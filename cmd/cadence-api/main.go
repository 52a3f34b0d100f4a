package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/MarcoPoloResearchLab/cadence/backend/internal/config"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/database"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/dispatch"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/schedule"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/server"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/store"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/trigger"
	"github.com/MarcoPoloResearchLab/cadence/backend/internal/webpush"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cadence-api",
		Short: "Cadence dose reminder backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newDispatchCommand(), newVAPIDKeysCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-url", defaults.GetString("database.url"), "PostgreSQL connection URL")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("vapid-subject", defaults.GetString("vapid.subject"), "VAPID contact (mailto: or https: URL)")
	cmd.PersistentFlags().Int("dispatch-workers", defaults.GetInt("dispatch.workers"), "Concurrent push deliveries per invocation")
	cmd.PersistentFlags().String("dispatch-cron", defaults.GetString("dispatch.cron"), "In-process dispatch schedule (cron expression, empty to disable)")
	cmd.PersistentFlags().String("timezone", defaults.GetString("schedule.timezone"), "Time zone used to attribute dose logs to calendar days")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.url", "database-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "vapid.subject", "vapid-subject")
	bindFlag(cmd, "dispatch.workers", "dispatch-workers")
	bindFlag(cmd, "dispatch.cron", "dispatch-cron")
	bindFlag(cmd, "schedule.timezone", "timezone")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type application struct {
	config     config.AppConfig
	logger     *zap.Logger
	db         *gorm.DB
	dispatcher *dispatch.Dispatcher
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		URL:    appConfig.DatabaseURL,
	}, logger)
	if err != nil {
		return nil, err
	}

	repository, err := store.NewRepository(store.RepositoryConfig{
		Database: db,
		Location: appConfig.Location,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Store: repository,
		Credentials: dispatch.Credentials{
			PublicKey:  appConfig.VAPIDPublicKey,
			PrivateKey: appConfig.VAPIDPrivateKey,
			Subject:    appConfig.VAPIDSubject,
		},
		TTL:            appConfig.PushTTL,
		Urgency:        appConfig.PushUrgency,
		RequestTimeout: appConfig.RequestTimeout,
		RatePerSecond:  appConfig.RatePerSecond,
		Workers:        appConfig.DispatchWorkers,
		OpenURL:        appConfig.NotificationURL,
		Clock:          time.Now,
		IDProvider:     dispatch.NewUUIDProvider(),
		Logger:         logger,
	})

	return &application{
		config:     appConfig,
		logger:     logger,
		db:         db,
		dispatcher: dispatcher,
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	if !app.config.VAPIDConfigured() {
		logger.Warn("vapid keys are not configured; dispatch invocations will fail until they are set")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Dispatcher:        app.dispatcher,
		Secret:            app.config.DispatchSecret,
		SecretHeader:      app.config.DispatchSecretHeader,
		InvocationTimeout: app.config.InvocationTimeout,
		VAPIDPublicKey:    app.config.VAPIDPublicKey,
		AllowedOrigins:    app.config.AllowedOrigins,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	var dailyTrigger *trigger.Trigger
	if app.config.CronSchedule != "" {
		dailyTrigger, err = trigger.New(trigger.Config{
			Schedule: app.config.CronSchedule,
			Location: app.config.Location,
			Timeout:  app.config.InvocationTimeout,
			Runner:   app.dispatcher,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		dailyTrigger.Start()
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if dailyTrigger != nil {
			if err := dailyTrigger.Stop(shutdownCtx); err != nil {
				logger.Warn("dispatch trigger did not stop cleanly", zap.Error(err))
			}
		}
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newDispatchCommand() *cobra.Command {
	var rawDate string
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Send today's dose reminders once and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			date := app.dispatcher.Today()
			if rawDate != "" {
				date, err = schedule.ParseDate(rawDate)
				if err != nil {
					return err
				}
			}

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			runCtx, cancel := context.WithTimeout(signalCtx, app.config.InvocationTimeout)
			defer cancel()

			result, err := app.dispatcher.Run(runCtx, date)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
	cmd.Flags().StringVar(&rawDate, "date", "", "Target date (YYYY-MM-DD, defaults to today in UTC)")
	return cmd
}

func newVAPIDKeysCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "vapid-keys",
		Short: "Generate a VAPID key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			publicKey, privateKey, err := webpush.GenerateVAPIDKeys(nil)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "CADENCE_VAPID_PUBLIC_KEY=%s\nCADENCE_VAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
			return err
		},
	}
}
