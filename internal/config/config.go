package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/vendorcast/internal/models"
)

// Config represents the complete application configuration
type Config struct {
	Forecasting ForecastingConfig `mapstructure:"forecasting"`
	Quality     QualityConfig     `mapstructure:"quality"`
	Data        DataConfig        `mapstructure:"data"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Tracking    TrackingConfig    `mapstructure:"tracking"`
	Plotting    PlottingConfig    `mapstructure:"plotting"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ForecastingConfig holds model and horizon configuration
type ForecastingConfig struct {
	Horizon           int      `mapstructure:"horizon"`
	Target            string   `mapstructure:"target"`
	Metrics           []string `mapstructure:"metrics"`
	HoldoutSize       int      `mapstructure:"holdout_size"`
	MinObservations   int      `mapstructure:"min_observations"`
	SeasonalityMode   string   `mapstructure:"seasonality_mode"`
	YearlySeasonality bool     `mapstructure:"yearly_seasonality"`
	WeeklySeasonality bool     `mapstructure:"weekly_seasonality"`
	DailySeasonality  bool     `mapstructure:"daily_seasonality"`
	YearlyOrder       int      `mapstructure:"yearly_order"`
	WeeklyOrder       int      `mapstructure:"weekly_order"`
	Regularization    float64  `mapstructure:"regularization"`
}

// QualityConfig holds drift detection and interval configuration
type QualityConfig struct {
	Coverage         float64 `mapstructure:"coverage"`
	PValue           float64 `mapstructure:"p_val"`
	WindowSize       int     `mapstructure:"window_size"`
	MinReferenceSize int     `mapstructure:"min_reference_size"`
	ReferenceMode    string  `mapstructure:"reference_mode"`
}

// DataConfig holds raw input and processed output locations
type DataConfig struct {
	OrdersPath      string        `mapstructure:"orders_path"`
	VendorsPath     string        `mapstructure:"vendors_path"`
	GoalsPath       string        `mapstructure:"goals_path"`
	ProcessedPath   string        `mapstructure:"processed_path"`
	ProcessedFormat string        `mapstructure:"processed_format"`
	Delimiter       string        `mapstructure:"delimiter"`
	ActiveStatus    string        `mapstructure:"active_status"`
	FillMissingDays bool          `mapstructure:"fill_missing_days"`
	Columns         ColumnsConfig `mapstructure:"columns"`
}

// ColumnsConfig names the raw input columns
type ColumnsConfig struct {
	OrderVendor    string `mapstructure:"order_vendor"`
	OrderTimestamp string `mapstructure:"order_timestamp"`
	VendorCode     string `mapstructure:"vendor_code"`
	VendorUser     string `mapstructure:"vendor_user"`
	VendorStatus   string `mapstructure:"vendor_status"`
	GoalUser       string `mapstructure:"goal_user"`
	GoalValue      string `mapstructure:"goal_value"`
}

// PipelineConfig holds orchestrator concurrency configuration
type PipelineConfig struct {
	Workers int `mapstructure:"workers"`
}

// TrackingConfig holds experiment tracking configuration
type TrackingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Dir               string `mapstructure:"dir"`
	ExperimentName    string `mapstructure:"experiment_name"`
	RegisterModelName string `mapstructure:"register_model_name"`
}

// PlottingConfig holds chart rendering configuration
type PlottingConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Dir                 string `mapstructure:"dir"`
	OnFailedValidation  bool   `mapstructure:"on_failed_validation"`
	MovingAveragePeriod int    `mapstructure:"moving_average_period"`
}

// MetricsConfig holds Prometheus textfile export configuration
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Reference modes for the drift baseline.
const (
	ReferencePreceding = "preceding"
	ReferenceFull      = "full"
)

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("VENDORCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("config: unmarshal defaults: %v", err))
	}
	return &cfg
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Forecasting defaults
	v.SetDefault("forecasting.horizon", 365)
	v.SetDefault("forecasting.target", "valorVenda")
	v.SetDefault("forecasting.metrics", []string{"mae", "rmse"})
	v.SetDefault("forecasting.holdout_size", 50)
	v.SetDefault("forecasting.min_observations", 30)
	v.SetDefault("forecasting.seasonality_mode", "additive")
	v.SetDefault("forecasting.yearly_seasonality", true)
	v.SetDefault("forecasting.weekly_seasonality", true)
	v.SetDefault("forecasting.daily_seasonality", false)
	v.SetDefault("forecasting.yearly_order", 10)
	v.SetDefault("forecasting.weekly_order", 3)
	v.SetDefault("forecasting.regularization", 0.1)

	// Quality defaults
	v.SetDefault("quality.coverage", 0.95)
	v.SetDefault("quality.p_val", 0.05)
	v.SetDefault("quality.window_size", 100)
	v.SetDefault("quality.min_reference_size", 30)
	v.SetDefault("quality.reference_mode", ReferencePreceding)

	// Data defaults
	v.SetDefault("data.orders_path", "./data/raw/pedidos.csv")
	v.SetDefault("data.vendors_path", "./data/raw/vendedores.csv")
	v.SetDefault("data.goals_path", "./data/raw/meta_anual.csv")
	v.SetDefault("data.processed_path", "./data/processed/sales.parquet")
	v.SetDefault("data.processed_format", "parquet")
	v.SetDefault("data.delimiter", ",")
	v.SetDefault("data.active_status", "ATIVO")
	v.SetDefault("data.fill_missing_days", true)
	v.SetDefault("data.columns.order_vendor", "codVendedor")
	v.SetDefault("data.columns.order_timestamp", "dataHoraPrimeiroCadastro")
	v.SetDefault("data.columns.vendor_code", "idGPrint")
	v.SetDefault("data.columns.vendor_user", "idUsuarioSIG")
	v.SetDefault("data.columns.vendor_status", "status")
	v.SetDefault("data.columns.goal_user", "usuario_sig_id")
	v.SetDefault("data.columns.goal_value", "venda_valor")

	// Pipeline defaults
	v.SetDefault("pipeline.workers", 0)

	// Tracking defaults
	v.SetDefault("tracking.enabled", true)
	v.SetDefault("tracking.dir", "./mlruns")
	v.SetDefault("tracking.experiment_name", "vendor_forecasting")
	v.SetDefault("tracking.register_model_name", "sales_forecast")

	// Plotting defaults
	v.SetDefault("plotting.enabled", true)
	v.SetDefault("plotting.dir", "./artifacts")
	v.SetDefault("plotting.on_failed_validation", false)
	v.SetDefault("plotting.moving_average_period", 7)

	// Metrics defaults
	v.SetDefault("metrics.textfile", "")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func invalid(key, reason string) error {
	return &models.ConfigurationError{Key: key, Reason: reason}
}

// Validate checks that all configuration values are valid. The returned error
// is a *models.ConfigurationError naming the offending key.
func (c *Config) Validate() error {
	// Validate Forecasting config
	if c.Forecasting.Horizon < 1 {
		return invalid("forecasting.horizon", "must be at least 1")
	}
	if c.Forecasting.Target == "" {
		return invalid("forecasting.target", "is required")
	}
	validMetrics := map[string]bool{"mae": true, "rmse": true}
	for _, m := range c.Forecasting.Metrics {
		if !validMetrics[m] {
			return invalid("forecasting.metrics", fmt.Sprintf("unknown metric %q, must be one of: mae, rmse", m))
		}
	}
	if c.Forecasting.HoldoutSize < 1 {
		return invalid("forecasting.holdout_size", "must be at least 1")
	}
	if c.Forecasting.MinObservations < 2 {
		return invalid("forecasting.min_observations", "must be at least 2")
	}
	if c.Forecasting.SeasonalityMode != "additive" {
		return invalid("forecasting.seasonality_mode", "must be: additive")
	}
	if c.Forecasting.YearlySeasonality && c.Forecasting.YearlyOrder < 1 {
		return invalid("forecasting.yearly_order", "must be at least 1 when yearly seasonality is enabled")
	}
	if c.Forecasting.WeeklySeasonality && c.Forecasting.WeeklyOrder < 1 {
		return invalid("forecasting.weekly_order", "must be at least 1 when weekly seasonality is enabled")
	}
	if c.Forecasting.Regularization < 0 {
		return invalid("forecasting.regularization", "must not be negative")
	}

	// Validate Quality config
	if c.Quality.Coverage <= 0.0 || c.Quality.Coverage >= 1.0 {
		return invalid("quality.coverage", "must be between 0.0 and 1.0 (exclusive)")
	}
	if c.Quality.PValue <= 0.0 || c.Quality.PValue >= 1.0 {
		return invalid("quality.p_val", "must be between 0.0 and 1.0 (exclusive)")
	}
	if c.Quality.WindowSize < 1 {
		return invalid("quality.window_size", "must be at least 1")
	}
	if c.Quality.MinReferenceSize < 1 {
		return invalid("quality.min_reference_size", "must be at least 1")
	}
	if c.Quality.ReferenceMode != ReferencePreceding && c.Quality.ReferenceMode != ReferenceFull {
		return invalid("quality.reference_mode", "must be one of: preceding, full")
	}

	// Validate Data config
	if c.Data.OrdersPath == "" {
		return invalid("data.orders_path", "is required")
	}
	if c.Data.VendorsPath == "" {
		return invalid("data.vendors_path", "is required")
	}
	validFormats := map[string]bool{"csv": true, "parquet": true, "json": true}
	if !validFormats[c.Data.ProcessedFormat] {
		return invalid("data.processed_format", "must be one of: csv, parquet, json")
	}
	if c.Data.ProcessedPath == "" {
		return invalid("data.processed_path", "is required")
	}
	if len([]rune(c.Data.Delimiter)) != 1 {
		return invalid("data.delimiter", "must be a single character")
	}

	// Validate Pipeline config
	if c.Pipeline.Workers < 0 {
		return invalid("pipeline.workers", "must not be negative")
	}

	// Validate Tracking config
	if c.Tracking.Enabled && c.Tracking.Dir == "" {
		return invalid("tracking.dir", "is required when tracking is enabled")
	}

	// Validate Plotting config
	if c.Plotting.Enabled && c.Plotting.Dir == "" {
		return invalid("plotting.dir", "is required when plotting is enabled")
	}
	if c.Plotting.MovingAveragePeriod < 1 {
		return invalid("plotting.moving_average_period", "must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return invalid("telegram.bot_token", "is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return invalid("telegram.chat_id", "is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return invalid("logging.level", "must be one of: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return invalid("logging.format", "must be one of: json, text")
	}

	return nil
}
