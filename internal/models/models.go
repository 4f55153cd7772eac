package models

import (
	"time"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet    bool   `json:"is_testnet" yaml:"is_testnet"`         // 是否使用测试网
	DBPath       string `json:"db_path" yaml:"db_path"`               // BadgerDB 状态目录
	CandleDBPath string `json:"candle_db_path" yaml:"candle_db_path"` // K线缓存 sqlite 文件
	Symbol       string `json:"symbol" yaml:"symbol"`                 // 交易对，如 "BTCUSDT"
	Timeframe    string `json:"timeframe" yaml:"timeframe"`           // K线周期，如 "4h"
	CandleLimit  int    `json:"candle_limit" yaml:"candle_limit"`     // 每轮用于计算特征的K线数量

	// 风控
	RiskFraction      float64 `json:"risk_fraction" yaml:"risk_fraction"`               // 每个阶梯占用的权益比例
	DailyLossLimit    float64 `json:"daily_loss_limit" yaml:"daily_loss_limit"`         // 每日亏损上限 (USDT)，为0时使用百分比
	DailyLossLimitPct float64 `json:"daily_loss_limit_pct" yaml:"daily_loss_limit_pct"` // 每日亏损上限，占日初权益的比例
	MinNotionalValue  float64 `json:"min_notional_value" yaml:"min_notional_value"`     // 最小订单名义价值
	FlattenOnNeutral  bool    `json:"flatten_on_neutral" yaml:"flatten_on_neutral"`     // 信号转为中性时是否平仓
	AllowShort        bool    `json:"allow_short" yaml:"allow_short"`
	// 年化资金费率超过该值时暂停交易，0 表示不检查
	FundingFreezeAnnualized float64 `json:"funding_freeze_annualized" yaml:"funding_freeze_annualized"`

	// 阶梯挂单
	LadderLevels  int     `json:"ladder_levels" yaml:"ladder_levels"`
	ATRWindow     int     `json:"atr_window" yaml:"atr_window"`
	ATRMultiple   float64 `json:"atr_multiple" yaml:"atr_multiple"`       // 档位间距 = ATR * 倍数
	MinSpacingPct float64 `json:"min_spacing_pct" yaml:"min_spacing_pct"` // 档位最小间距，占参考价比例
	TimeoutBars   int     `json:"timeout_bars" yaml:"timeout_bars"`       // 挂单超时的K线根数
	PostOnly      bool    `json:"post_only" yaml:"post_only"`

	// 模型
	ModelPath string  `json:"model_path" yaml:"model_path"`
	Tau       float64 `json:"tau" yaml:"tau"` // 开仓概率阈值

	// 周期与重试
	CycleIntervalSec        int     `json:"cycle_interval_sec" yaml:"cycle_interval_sec"`               // 为0时等于K线周期
	StaleLockMultiple       float64 `json:"stale_lock_multiple" yaml:"stale_lock_multiple"`             // 周期锁超过多少个周期视为过期
	CallTimeoutSec          int     `json:"call_timeout_sec" yaml:"call_timeout_sec"`                   // 单次外部调用超时
	RetryAttempts           int     `json:"retry_attempts" yaml:"retry_attempts"`                       // 外部调用的重试次数
	RetryInitialDelayMs     int     `json:"retry_initial_delay_ms" yaml:"retry_initial_delay_ms"`       // 重试前的初始延迟毫秒数
	RetryMaxDelayMs         int     `json:"retry_max_delay_ms" yaml:"retry_max_delay_ms"`               // 重试的最大延迟毫秒数
	TransientAlertThreshold int     `json:"transient_alert_threshold" yaml:"transient_alert_threshold"` // 连续失败多少轮后才发通知

	Telegram  TelegramConfig `json:"telegram" yaml:"telegram"`
	Redis     RedisConfig    `json:"redis" yaml:"redis"`
	Metrics   MetricsConfig  `json:"metrics" yaml:"metrics"`
	Tracing   TracingConfig  `json:"tracing" yaml:"tracing"`
	Paper     PaperConfig    `json:"paper" yaml:"paper"`
	LogConfig LogConfig      `json:"log" yaml:"log"` // 日志配置

	// 以下字段来自环境变量，不写入配置文件
	APIKey         string `json:"-" yaml:"-"`
	SecretKey      string `json:"-" yaml:"-"`
	TelegramToken  string `json:"-" yaml:"-"`
	TelegramChatID string `json:"-" yaml:"-"`
	RedisURL       string `json:"-" yaml:"-"`
}

// TelegramConfig 定义了通知与命令通道
type TelegramConfig struct {
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	APIBaseURL       string `json:"api_base_url" yaml:"api_base_url"`
	NotifyEveryCycle bool   `json:"notify_every_cycle" yaml:"notify_every_cycle"` // 每轮结束发送摘要
	PollIntervalSec  int    `json:"poll_interval_sec" yaml:"poll_interval_sec"`   // listen 模式的轮询间隔
	MaxFailures      int    `json:"max_failures" yaml:"max_failures"`             // 连续发送失败多少次后告警
}

// RedisConfig 定义了命令队列的 Redis 后端
type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Addr     string `json:"addr" yaml:"addr"`
	DB       int    `json:"db" yaml:"db"`
	QueueKey string `json:"queue_key" yaml:"queue_key"`
}

// MetricsConfig 定义了指标导出
type MetricsConfig struct {
	TextfilePath string `json:"textfile_path" yaml:"textfile_path"` // node_exporter textfile 目录下的文件
}

// TracingConfig 定义了链路追踪
type TracingConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	ServiceName string `json:"service_name" yaml:"service_name"`
}

// PaperConfig 定义了模拟盘交易所的参数
type PaperConfig struct {
	StatePath      string  `json:"state_path" yaml:"state_path"`
	InitialBalance float64 `json:"initial_balance" yaml:"initial_balance"`
	MakerFeeRate   float64 `json:"maker_fee_rate" yaml:"maker_fee_rate"`
	TakerFeeRate   float64 `json:"taker_fee_rate" yaml:"taker_fee_rate"`
	SlippageRate   float64 `json:"slippage_rate" yaml:"slippage_rate"`
	TickSize       string  `json:"tick_size" yaml:"tick_size"`
	StepSize       string  `json:"step_size" yaml:"step_size"`
	MinNotional    string  `json:"min_notional" yaml:"min_notional"`
}

// LogConfig 定义了日志相关的配置
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`             // 日志级别, e.g., "debug", "info", "warn", "error"
	Output     string `json:"output" yaml:"output"`           // 输出模式: "console", "file", "both"
	File       string `json:"file" yaml:"file"`               // 日志文件路径
	MaxSize    int    `json:"max_size" yaml:"max_size"`       // 单个日志文件的最大大小 (MB)
	MaxBackups int    `json:"max_backups" yaml:"max_backups"` // 保留的旧日志文件最大数量
	MaxAge     int    `json:"max_age" yaml:"max_age"`         // 旧日志文件的最大保留天数
	Compress   bool   `json:"compress" yaml:"compress"`       // 是否压缩旧日志文件
}

// TimeframeDuration returns the bar length of the configured timeframe.
func (c *Config) TimeframeDuration() time.Duration {
	d, _ := ParseTimeframe(c.Timeframe)
	return d
}

// CycleDuration is the scheduler period; it defaults to one bar.
func (c *Config) CycleDuration() time.Duration {
	if c.CycleIntervalSec > 0 {
		return time.Duration(c.CycleIntervalSec) * time.Second
	}
	return c.TimeframeDuration()
}

// LadderTimeout converts TimeoutBars into a wall-clock duration.
func (c *Config) LadderTimeout() time.Duration {
	return time.Duration(c.TimeoutBars) * c.TimeframeDuration()
}

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe maps a Binance kline interval to its duration.
func ParseTimeframe(tf string) (time.Duration, bool) {
	d, ok := timeframes[tf]
	return d, ok
}
