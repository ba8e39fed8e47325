package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/vendorcast/internal/config"
	"github.com/rewired-gh/vendorcast/internal/drift"
	"github.com/rewired-gh/vendorcast/internal/forecast"
	"github.com/rewired-gh/vendorcast/internal/logger"
	"github.com/rewired-gh/vendorcast/internal/metrics"
	"github.com/rewired-gh/vendorcast/internal/models"
	"github.com/rewired-gh/vendorcast/internal/pipeline"
	"github.com/rewired-gh/vendorcast/internal/report"
	"github.com/rewired-gh/vendorcast/internal/storage"
	"github.com/rewired-gh/vendorcast/internal/telegram"
	"github.com/rewired-gh/vendorcast/internal/tracking"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the forecasting pipeline over every vendor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Logging.Level, cfg.Logging.Format)
			logger.Info("Configuration loaded from %s", configPath)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, cmd.OutOrStdout())
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newStore(cfg *config.Config) (*storage.Store, error) {
	cols := cfg.Data.Columns
	return storage.New(storage.Options{
		OrdersPath:      cfg.Data.OrdersPath,
		VendorsPath:     cfg.Data.VendorsPath,
		GoalsPath:       cfg.Data.GoalsPath,
		ProcessedPath:   cfg.Data.ProcessedPath,
		Format:          storage.Format(cfg.Data.ProcessedFormat),
		Delimiter:       []rune(cfg.Data.Delimiter)[0],
		ActiveStatus:    cfg.Data.ActiveStatus,
		FillMissingDays: cfg.Data.FillMissingDays,
		Columns: storage.Columns{
			OrderVendor:    cols.OrderVendor,
			OrderTimestamp: cols.OrderTimestamp,
			OrderValue:     cfg.Forecasting.Target,
			VendorCode:     cols.VendorCode,
			VendorUser:     cols.VendorUser,
			VendorStatus:   cols.VendorStatus,
			GoalUser:       cols.GoalUser,
			GoalValue:      cols.GoalValue,
		},
	})
}

func newOrchestrator(cfg *config.Config, tracker *tracking.Tracker) (*pipeline.Orchestrator, error) {
	mon, err := drift.New(drift.Config{
		PValue:           cfg.Quality.PValue,
		WindowSize:       cfg.Quality.WindowSize,
		MinReferenceSize: cfg.Quality.MinReferenceSize,
		ExcludeWindow:    cfg.Quality.ReferenceMode == config.ReferencePreceding,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create drift monitor: %w", err)
	}

	fc, err := forecast.New(forecast.Config{
		MinObservations:   cfg.Forecasting.MinObservations,
		Coverage:          cfg.Quality.Coverage,
		SeasonalityMode:   cfg.Forecasting.SeasonalityMode,
		YearlySeasonality: cfg.Forecasting.YearlySeasonality,
		WeeklySeasonality: cfg.Forecasting.WeeklySeasonality,
		DailySeasonality:  cfg.Forecasting.DailySeasonality,
		YearlyOrder:       cfg.Forecasting.YearlyOrder,
		WeeklyOrder:       cfg.Forecasting.WeeklyOrder,
		Regularization:    cfg.Forecasting.Regularization,
		Metrics:           cfg.Forecasting.Metrics,
		HoldoutSize:       cfg.Forecasting.HoldoutSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create forecaster: %w", err)
	}

	var opts []pipeline.Option
	if tracker != nil {
		opts = append(opts, pipeline.WithTracker(tracker))
	}
	if cfg.Plotting.Enabled {
		plotter, err := report.New(cfg.Plotting.Dir, cfg.Plotting.MovingAveragePeriod)
		if err != nil {
			return nil, fmt.Errorf("failed to create plotter: %w", err)
		}
		opts = append(opts, pipeline.WithPlotter(plotter))
	}

	return pipeline.New(pipeline.Config{
		Horizon:                cfg.Forecasting.Horizon,
		Workers:                cfg.Pipeline.Workers,
		PlotOnFailedValidation: cfg.Plotting.OnFailedValidation,
	}, mon, fc, opts...)
}

func run(ctx context.Context, cfg *config.Config, out io.Writer) error {
	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	var tracker *tracking.Tracker
	if cfg.Tracking.Enabled {
		tracker, err = tracking.New(cfg.Tracking.Dir, cfg.Tracking.ExperimentName)
		if err != nil {
			return fmt.Errorf("failed to initialize tracker: %w", err)
		}
	}

	orch, err := newOrchestrator(cfg, tracker)
	if err != nil {
		return err
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	// Init: ingest and persist the processed dataset
	ds, err := store.LoadDataset()
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}
	logger.Info("Loaded %d entities and %d goals", len(ds.Series), len(ds.Goals))
	if err := store.Persist(ds); err != nil {
		logger.Warn("Failed to persist processed dataset: %v", err)
	} else {
		logger.Debug("Processed dataset written to %s", cfg.Data.ProcessedPath)
	}

	result := orch.RunDataset(ctx, ds)

	if tracker != nil {
		registerValidated(tracker, cfg.Tracking.RegisterModelName, result)
	}

	if cfg.Metrics.Textfile != "" {
		m := metrics.New()
		m.ObserveRun(result)
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logger.Warn("Failed to write metrics: %v", err)
		}
	}

	if telegramClient != nil {
		if err := telegramClient.SendRunSummary(result); err != nil {
			logger.Warn("Failed to send run summary to Telegram: %v", err)
		}
	}

	return printSummary(out, result)
}

// registerValidated publishes every entity whose forecast passed validation.
func registerValidated(tracker *tracking.Tracker, model string, result *models.RunResult) {
	registered := 0
	for _, key := range result.KeysWithStatus(models.StatusValidated) {
		reg, err := tracker.RegisterModel(model, key)
		if err != nil {
			logger.Warn("Failed to register model for %s: %v", key, err)
			continue
		}
		logger.Debug("Registered %s version %d for %s", reg.Model, reg.Version, key)
		registered++
	}
	logger.Info("Registered %d models under %s", registered, model)
}

func printSummary(out io.Writer, result *models.RunResult) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tSTATUS\tDRIFT\tP-VALUE\tGOAL GAP\tDETAIL")
	for _, key := range result.Keys() {
		status := result.Status(key)
		if o, ok := result.Outcome(key); ok {
			gap := "-"
			if o.Goal != nil {
				gap = fmt.Sprintf("%+.2f", o.Goal.Gap)
			}
			detail := "-"
			if len(o.Validation.FailedChecks) > 0 {
				detail = fmt.Sprintf("%v", o.Validation.FailedChecks)
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%.4g\t%s\t%s\n", key, status, o.Drift.IsDrift, o.Drift.PValue, gap, detail)
			continue
		}
		if f, ok := result.Failure(key); ok {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t%s: %v\n", key, status, f.Stage, f.Err)
		}
	}
	return w.Flush()
}
