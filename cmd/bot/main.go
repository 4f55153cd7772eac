package main

import (
	"binance-ladder-bot-go/internal/bot"
	"binance-ladder-bot-go/internal/commands"
	"binance-ladder-bot-go/internal/config"
	"binance-ladder-bot-go/internal/downloader"
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/ladder"
	"binance-ladder-bot-go/internal/logger"
	"binance-ladder-bot-go/internal/model"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/notify"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/recovery"
	"binance-ladder-bot-go/internal/retry"
	"binance-ladder-bot-go/internal/risk"
	"binance-ladder-bot-go/internal/storage"
	"binance-ladder-bot-go/internal/trace"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.yaml", "path to the config file (yaml or json)")
	mode := flag.String("mode", "once", "running mode: once, daemon, listen or backfill")
	venue := flag.String("exchange", "binance", "exchange: binance or paper")
	startDate := flag.String("start", "", "backfill start date (YYYY-MM-DD)")
	endDate := flag.String("end", "", "backfill end date (YYYY-MM-DD), defaults to now")
	exportPath := flag.String("export", "", "after backfill, write the cached candles to this CSV file")
	flag.Parse()

	os.Exit(run(*configPath, *mode, *venue, *startDate, *endDate, *exportPath))
}

// run 返回进程退出码: 0 表示周期完成或被干净地跳过
func run(configPath, mode, venue, startDate, endDate, exportPath string) int {
	// 在加载配置前先用默认配置初始化日志
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	if err := godotenv.Load(); err != nil {
		logger.S().Info("未找到 .env 文件，将从系统环境变量中读取。")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.S().Errorf("无法加载配置文件: %v", err)
		return 1
	}
	logger.InitLogger(cfg.LogConfig)
	log := logger.L()
	defer log.Sync()

	if venue != "binance" && venue != "paper" {
		log.Error("unknown exchange", zap.String("exchange", venue))
		return 1
	}
	live := venue == "binance" && (mode == "once" || mode == "daemon")
	if err := config.Validate(cfg, live); err != nil {
		log.Error("invalid configuration", zap.Error(err))
		// 配置错误也尽量通知运维
		if tg, terr := newTelegram(cfg, nil, log); terr == nil {
			_ = tg.Send(context.Background(), notify.Alert("bot not started, invalid configuration: %v", err))
		}
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := trace.Init(cfg.Tracing.ServiceName, cfg.Tracing.Enabled, nil); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else if trace.Enabled() {
		log.Info("tracing to stderr", zap.String("service", cfg.Tracing.ServiceName))
	}
	defer trace.Shutdown(context.Background())

	switch mode {
	case "listen":
		return runListener(ctx, cfg, log)
	case "backfill":
		return runBackfill(ctx, cfg, venue, startDate, endDate, exportPath, log)
	case "once", "daemon":
	default:
		log.Error("未知的运行模式", zap.String("mode", mode))
		return 1
	}

	bundle, err := build(cfg, venue, log)
	if err != nil {
		log.Error("初始化失败", zap.Error(err))
		return 1
	}
	defer bundle.close()

	if mode == "once" {
		s, err := bundle.orch.RunOnce(ctx)
		if err != nil {
			log.Error("cycle failed", zap.String("cycle", s.CycleID), zap.Error(err))
			return 1
		}
		return 0
	}

	// daemon: 没有 cron 的环境下按周期间隔循环
	interval := cfg.CycleDuration()
	log.Info("daemon started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s, err := bundle.orch.RunOnce(ctx); err != nil {
			log.Error("cycle failed", zap.String("cycle", s.CycleID), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			log.Info("daemon stopped")
			return 0
		case <-ticker.C:
		}
	}
}

// app holds everything a cycle needs plus the resources to release on exit.
type app struct {
	orch    *bot.Orchestrator
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("shutdown step failed", zap.Error(err))
		}
	}
}

func build(cfg *models.Config, venue string, log *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	store, err := persistence.NewBadgerStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("打开状态库失败: %w", err)
	}
	a.closers = append(a.closers, store.Close)

	db, err := openCandleDB(cfg.CandleDBPath)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)

	ex, err := newExchange(cfg, venue, log)
	if err != nil {
		return nil, err
	}
	if paper, ok := ex.(*exchange.PaperExchange); ok {
		a.closers = append(a.closers, func() error { return paper.Save(cfg.Paper.StatePath) })
	}

	scorer, err := model.LoadLogisticScorer(cfg.ModelPath, cfg.Tau, cfg.AllowShort)
	if err != nil {
		return nil, err
	}
	log.Info("model loaded", zap.String("path", cfg.ModelPath), zap.String("version", scorer.Version()))

	queue, closeQueue, err := newQueue(cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeQueue)

	policy := retry.NewPolicy(cfg.RetryAttempts, cfg.RetryInitialDelayMs, cfg.RetryMaxDelayMs)
	policy.Timeout = time.Duration(cfg.CallTimeoutSec) * time.Second

	machine := ladder.NewMachine(store, ex, ladder.Config{
		Symbol:      cfg.Symbol,
		PostOnly:    cfg.PostOnly,
		Timeout:     cfg.LadderTimeout(),
		MinNotional: cfg.MinNotionalValue,
		Retry:       policy,
	}, log.Named("ladder"))

	// 单次运行模式下直接拉取 Telegram 命令，offset 存在状态库中
	var (
		channel notify.Channel = notify.NewLogChannel(log.Named("notify"))
		source  notify.CommandSource
	)
	if cfg.Telegram.Enabled {
		tg, err := newTelegram(cfg, store, log)
		if err != nil {
			return nil, err
		}
		channel = tg
		if !cfg.Redis.Enabled {
			source = tg
		}
	}

	a.orch = bot.NewOrchestrator(cfg, bot.Deps{
		Store:    store,
		Exchange: ex,
		Candles:  bot.NewCandleLoader(db, ex, cfg.Symbol, cfg.Timeframe, cfg.CandleLimit, policy, log.Named("candles")),
		Scorer:   scorer,
		Engine:   risk.NewEngine(risk.ConfigFrom(cfg)),
		Machine:  machine,
		Recovery: recovery.NewManager(store, ex, machine, policy, log.Named("recovery")),
		Queue:    queue,
		Source:   source,
		Notifier: notify.NewNotifier(channel, store, cfg.Telegram.MaxFailures, log.Named("notify")),
		Logger:   log.Named("cycle"),
	})
	return a, nil
}

func openCandleDB(path string) (*sql.DB, error) {
	db, err := storage.InitDB(path)
	if err != nil {
		return nil, fmt.Errorf("打开K线缓存失败: %w", err)
	}
	return db, nil
}

// newExchange builds the venue. Paper trading still reads real market data
// through the public Binance endpoints.
func newExchange(cfg *models.Config, venue string, log *zap.Logger) (exchange.Client, error) {
	callTimeout := time.Duration(cfg.CallTimeoutSec) * time.Second
	if venue == "binance" {
		return exchange.NewLiveExchange(cfg.APIKey, cfg.SecretKey, cfg.IsTestnet, callTimeout, log.Named("binance")), nil
	}
	feed := exchange.NewLiveExchange("", "", cfg.IsTestnet, callTimeout, log.Named("binance"))
	paper, err := exchange.NewPaperExchange(cfg.Paper, feed)
	if err != nil {
		return nil, err
	}
	if err := paper.Load(cfg.Paper.StatePath); err != nil {
		return nil, fmt.Errorf("加载模拟盘状态失败: %w", err)
	}
	return paper, nil
}

func newQueue(cfg *models.Config, log *zap.Logger) (commands.Queue, func() error, error) {
	if !cfg.Redis.Enabled {
		return commands.NewMemoryQueue(), func() error { return nil }, nil
	}
	client, err := commands.NewRedisClient(cfg.Redis, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return commands.NewRedisQueue(client, cfg.Redis.QueueKey, log.Named("queue")), client.Close, nil
}

func newTelegram(cfg *models.Config, offsets notify.MetaStore, log *zap.Logger) (*notify.Telegram, error) {
	return notify.NewTelegram(notify.TelegramOptions{
		BaseURL: cfg.Telegram.APIBaseURL,
		Token:   cfg.TelegramToken,
		ChatID:  cfg.TelegramChatID,
		Timeout: time.Duration(cfg.CallTimeoutSec) * time.Second,
		Offsets: offsets,
	}, log.Named("telegram"))
}

// runListener 持续拉取 Telegram 命令写入 Redis 队列，从不触碰交易状态
func runListener(ctx context.Context, cfg *models.Config, log *zap.Logger) int {
	if !cfg.Telegram.Enabled || !cfg.Redis.Enabled {
		log.Error("listen mode needs telegram and redis enabled")
		return 1
	}
	tg, err := newTelegram(cfg, nil, log)
	if err != nil {
		log.Error("telegram unavailable", zap.Error(err))
		return 1
	}
	queue, closeQueue, err := newQueue(cfg, log)
	if err != nil {
		log.Error("redis unavailable", zap.Error(err))
		return 1
	}
	defer closeQueue()

	interval := time.Duration(cfg.Telegram.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	l := commands.NewListener(tg, queue, interval, log.Named("listener"))
	l.Start(ctx)
	<-ctx.Done()
	l.Stop()
	log.Info("listener stopped")
	return 0
}

// runBackfill 预先下载历史K线，供冷启动或离线训练使用
func runBackfill(ctx context.Context, cfg *models.Config, venue, startDate, endDate, exportPath string, log *zap.Logger) int {
	start, err := time.Parse(risk.DateLayout, startDate)
	if err != nil {
		log.Error("日期格式错误，请使用 YYYY-MM-DD 格式", zap.String("start", startDate), zap.Error(err))
		return 1
	}
	end := time.Now().UTC()
	if endDate != "" {
		if end, err = time.Parse(risk.DateLayout, endDate); err != nil {
			log.Error("日期格式错误，请使用 YYYY-MM-DD 格式", zap.String("end", endDate), zap.Error(err))
			return 1
		}
	}

	db, err := openCandleDB(cfg.CandleDBPath)
	if err != nil {
		log.Error("backfill failed", zap.Error(err))
		return 1
	}
	defer db.Close()

	// 公共接口不需要 API Key
	ex := exchange.NewLiveExchange("", "", cfg.IsTestnet, time.Duration(cfg.CallTimeoutSec)*time.Second, log.Named("binance"))
	if venue == "paper" {
		log.Info("backfill always reads from binance public endpoints")
	}
	policy := retry.NewPolicy(cfg.RetryAttempts, cfg.RetryInitialDelayMs, cfg.RetryMaxDelayMs)
	d := downloader.NewKlineDownloader(ex, db, policy, 200*time.Millisecond, log.Named("downloader"))

	n, err := d.Backfill(ctx, cfg.Symbol, cfg.Timeframe, start, end)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("backfill failed", zap.Int("inserted", n), zap.Error(err))
		return 1
	}
	log.Info("backfill finished", zap.String("symbol", cfg.Symbol), zap.Int("inserted", n))

	if exportPath != "" {
		bar, _ := models.ParseTimeframe(cfg.Timeframe)
		limit := int(end.Sub(start)/bar) + 1
		written, err := downloader.ExportCSV(db, cfg.Symbol, cfg.Timeframe, limit, exportPath)
		if err != nil {
			log.Error("export failed", zap.Error(err))
			return 1
		}
		log.Info("candles exported", zap.String("path", exportPath), zap.Int("rows", written))
	}
	return 0
}
