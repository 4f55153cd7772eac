package config

import (
	"binance-ladder-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig 从指定路径加载配置文件（JSON 或 YAML，按扩展名判断），
// 填充默认值并读取环境变量中的密钥。
func LoadConfig(path string) (*models.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	ApplyEnv(cfg)
	return cfg, nil
}

// Defaults mirrors the settings the strategy was tuned with.
func Defaults() *models.Config {
	return &models.Config{
		DBPath:                  "data/state",
		CandleDBPath:            "data/candles.db",
		Symbol:                  "BTCUSDT",
		Timeframe:               "4h",
		CandleLimit:             200,
		RiskFraction:            0.01,
		DailyLossLimitPct:       0.03,
		MinNotionalValue:        5,
		FlattenOnNeutral:        true,
		LadderLevels:            3,
		ATRWindow:               14,
		ATRMultiple:             0.25,
		MinSpacingPct:           0.0005,
		TimeoutBars:             1,
		PostOnly:                true,
		ModelPath:               "model.json",
		Tau:                     0.6,
		StaleLockMultiple:       2,
		CallTimeoutSec:          10,
		RetryAttempts:           3,
		RetryInitialDelayMs:     500,
		RetryMaxDelayMs:         4000,
		TransientAlertThreshold: 3,
		Telegram: models.TelegramConfig{
			APIBaseURL:      "https://api.telegram.org",
			PollIntervalSec: 5,
			MaxFailures:     3,
		},
		Redis: models.RedisConfig{
			Addr:     "localhost:6379",
			QueueKey: "ladderbot:commands",
		},
		Tracing: models.TracingConfig{ServiceName: "binance-ladder-bot"},
		Paper: models.PaperConfig{
			StatePath:      "data/paper.json",
			InitialBalance: 10000,
			MakerFeeRate:   0.0002,
			TakerFeeRate:   0.0005,
			TickSize:       "0.1",
			StepSize:       "0.001",
			MinNotional:    "5",
		},
		LogConfig: models.LogConfig{Level: "info", Output: "console"},
	}
}

// ApplyEnv 从环境变量读取密钥，密钥从不写入配置文件
func ApplyEnv(cfg *models.Config) {
	cfg.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.RedisURL = url
	}
}

// Validate checks the configuration before any cycle logic runs.
// liveTrading requires exchange credentials.
func Validate(cfg *models.Config, liveTrading bool) error {
	var errs []error
	if cfg.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if _, ok := models.ParseTimeframe(cfg.Timeframe); !ok {
		errs = append(errs, fmt.Errorf("unsupported timeframe %q", cfg.Timeframe))
	}
	if cfg.RiskFraction <= 0 || cfg.RiskFraction > 1 {
		errs = append(errs, fmt.Errorf("risk_fraction must be in (0, 1], got %v", cfg.RiskFraction))
	}
	if cfg.DailyLossLimit <= 0 && cfg.DailyLossLimitPct <= 0 {
		errs = append(errs, errors.New("one of daily_loss_limit or daily_loss_limit_pct must be positive"))
	}
	if cfg.LadderLevels < 1 {
		errs = append(errs, fmt.Errorf("ladder_levels must be >= 1, got %d", cfg.LadderLevels))
	}
	if cfg.ATRWindow < 2 {
		errs = append(errs, fmt.Errorf("atr_window must be >= 2, got %d", cfg.ATRWindow))
	}
	if cfg.CandleLimit < 2*cfg.ATRWindow+1 {
		errs = append(errs, fmt.Errorf("candle_limit %d is too small for atr_window %d", cfg.CandleLimit, cfg.ATRWindow))
	}
	if cfg.ATRMultiple <= 0 {
		errs = append(errs, errors.New("atr_multiple must be positive"))
	}
	if cfg.TimeoutBars < 1 {
		errs = append(errs, errors.New("timeout_bars must be >= 1"))
	}
	if cfg.MinNotionalValue < 0 {
		errs = append(errs, errors.New("min_notional_value must not be negative"))
	}
	if cfg.FundingFreezeAnnualized < 0 {
		errs = append(errs, errors.New("funding_freeze_annualized must not be negative"))
	}
	if cfg.Tau <= 0.5 || cfg.Tau >= 1 {
		errs = append(errs, fmt.Errorf("tau must be in (0.5, 1), got %v", cfg.Tau))
	}
	if cfg.StaleLockMultiple < 1 {
		errs = append(errs, errors.New("stale_lock_multiple must be >= 1"))
	}
	if cfg.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry_attempts must be >= 1"))
	}
	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if liveTrading && (cfg.APIKey == "" || cfg.SecretKey == "") {
		errs = append(errs, errors.New("BINANCE_API_KEY and BINANCE_SECRET_KEY must be set"))
	}
	if cfg.Telegram.Enabled && (cfg.TelegramToken == "" || cfg.TelegramChatID == "") {
		errs = append(errs, errors.New("telegram enabled but TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID is empty"))
	}
	return errors.Join(errs...)
}
