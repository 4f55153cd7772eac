package bot

import (
	"binance-ladder-bot-go/internal/commands"
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/features"
	"binance-ladder-bot-go/internal/ladder"
	"binance-ladder-bot-go/internal/metrics"
	"binance-ladder-bot-go/internal/model"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/notify"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/recovery"
	"binance-ladder-bot-go/internal/reporter"
	"binance-ladder-bot-go/internal/retry"
	"binance-ladder-bot-go/internal/risk"
	"binance-ladder-bot-go/internal/trace"
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const transientStreakKey = "transient_streak"

// Deps 是周期编排器依赖的组件。Queue、Source 和 Notifier 可以为空。
type Deps struct {
	Store    persistence.Store
	Exchange exchange.Client
	Candles  *CandleLoader
	Scorer   model.Scorer
	Engine   *risk.Engine
	Machine  *ladder.Machine
	Recovery *recovery.Manager
	Queue    commands.Queue
	Source   notify.CommandSource
	Notifier *notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

// Orchestrator runs one trading cycle at a time:
//
//	(a) drain commands, apply halt/resume
//	(b) reconcile in-flight orders with the exchange
//	(c) load candles; on failure skip to (f)
//	(d) features and signal
//	(e) risk decision and its execution, or a requested flatten
//	(f) cancel ladders past their timeout
//	(g) cycle log, metrics and notifications
//
// A persisted lock keeps two cycles from overlapping.
type Orchestrator struct {
	cfg      *models.Config
	store    persistence.Store
	ex       exchange.Client
	candles  *CandleLoader
	scorer   model.Scorer
	engine   *risk.Engine
	machine  *ladder.Machine
	recovery *recovery.Manager
	queue    commands.Queue
	source   notify.CommandSource
	notifier *notify.Notifier
	policy   retry.Policy
	limits   risk.LimitConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewOrchestrator wires the cycle. cfg must already be validated.
func NewOrchestrator(cfg *models.Config, d Deps) *Orchestrator {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	policy := retry.NewPolicy(cfg.RetryAttempts, cfg.RetryInitialDelayMs, cfg.RetryMaxDelayMs)
	policy.Timeout = time.Duration(cfg.CallTimeoutSec) * time.Second
	return &Orchestrator{
		cfg:      cfg,
		store:    d.Store,
		ex:       d.Exchange,
		candles:  d.Candles,
		scorer:   d.Scorer,
		engine:   d.Engine,
		machine:  d.Machine,
		recovery: d.Recovery,
		queue:    d.Queue,
		source:   d.Source,
		notifier: d.Notifier,
		policy:   policy,
		limits:   risk.LimitConfig{Absolute: cfg.DailyLossLimit, Pct: cfg.DailyLossLimitPct},
		now:      now,
		logger:   d.Logger,
	}
}

// cycle carries the per-run state between steps.
type cycle struct {
	id      string
	now     time.Time
	summary models.CycleSummary
	balance *exchange.Balance
	markPx  float64
	snap    bool
	flat    bool
	// deferred holds drained commands that have not taken effect yet. They go
	// back on the queue when the cycle stops early.
	deferred []models.Command
}

// RunOnce executes a single cycle. A cycle skipped because another one holds
// the lock returns a summary with Skipped set and a nil error. A returned
// error means the cycle stopped early; the summary is still persisted.
func (o *Orchestrator) RunOnce(ctx context.Context) (models.CycleSummary, error) {
	c := &cycle{id: uuid.NewString(), now: o.now().UTC()}
	c.summary = models.CycleSummary{CycleID: c.id, Symbol: o.cfg.Symbol, StartedAt: c.now}

	ctx, span := trace.StartSpan(ctx, "cycle.run")
	span.SetAttributes(trace.String("cycle.id", c.id), trace.String("symbol", o.cfg.Symbol))

	staleAfter := time.Duration(o.cfg.StaleLockMultiple * float64(o.cfg.CycleDuration()))
	stale, err := o.store.AcquireLock(c.id, c.now, staleAfter)
	if errors.Is(err, persistence.ErrLockHeld) {
		c.summary.Skipped = true
		c.summary.Reason = err.Error()
		c.summary.FinishedAt = o.now().UTC()
		o.logger.Info("另一个周期正在运行，跳过本轮", zap.Error(err))
		metrics.ObserveCycle(c.summary)
		o.exportMetrics()
		trace.End(span, nil)
		return c.summary, nil
	}
	if err != nil {
		trace.End(span, err)
		return c.summary, fmt.Errorf("获取周期锁失败: %w", err)
	}
	defer func() {
		if err := o.store.ReleaseLock(c.id); err != nil {
			o.logger.Error("failed to release cycle lock", zap.String("cycle", c.id), zap.Error(err))
		}
	}()
	if stale != nil {
		// 过期的锁意味着上一轮崩溃，随后的对账会处理它留下的订单
		c.summary.StaleLock = true
		o.logger.Warn("stale cycle lock taken over",
			zap.String("previousOwner", stale.Owner),
			zap.Time("acquiredAt", stale.AcquiredAt))
	}

	if seq, err := o.candles.NextCycleNumber(); err != nil {
		o.logger.Warn("failed to allocate cycle number", zap.Error(err))
	} else {
		c.summary.Seq = seq
	}

	runErr := o.run(ctx, c)
	if runErr != nil {
		o.requeue(ctx, c)
	}
	o.finish(ctx, c, runErr)
	trace.End(span, runErr)
	return c.summary, runErr
}

func (o *Orchestrator) run(ctx context.Context, c *cycle) error {
	if err := o.applyCommands(ctx, c); err != nil {
		return err
	}
	if err := o.dailyReset(ctx, c); err != nil {
		return err
	}
	if err := o.reconcile(ctx, c); err != nil {
		return err
	}
	if c.flat {
		// 收到 flat 后本轮不再开新仓
		c.summary.Action = models.ActionFlatten
		c.summary.Reason = "flat command"
		if err := o.flatten(ctx, c, "flat command"); err != nil {
			return err
		}
		c.settle(models.CommandFlat)
	} else if err := o.decide(ctx, c); err != nil {
		return err
	}

	sctx, span := trace.StartSpan(ctx, "cycle.sweep")
	rep, err := o.machine.SweepTimeouts(sctx, c.now)
	trace.End(span, err)
	o.absorb(ctx, c, rep)
	if err != nil {
		return fmt.Errorf("超时撤单失败: %w", err)
	}

	if c.snap {
		o.sendSnapshot(ctx, c)
		c.settle(models.CommandSnap)
	}
	return nil
}

// settle drops commands of type t from the deferred list.
func (c *cycle) settle(t models.CommandType) {
	kept := c.deferred[:0]
	for _, cmd := range c.deferred {
		if cmd.Type != t {
			kept = append(kept, cmd)
		}
	}
	c.deferred = kept
}

// requeue hands unapplied commands to the next cycle.
func (o *Orchestrator) requeue(ctx context.Context, c *cycle) {
	if len(c.deferred) == 0 {
		return
	}
	if o.queue == nil {
		o.logger.Error("commands lost, no queue to return them to", zap.Int("count", len(c.deferred)))
		return
	}
	if err := o.queue.Push(ctx, c.deferred...); err != nil {
		o.noteError(c, true, "requeue %d command(s): %v", len(c.deferred), err)
		return
	}
	o.logger.Warn("commands returned to the queue for the next cycle", zap.Int("count", len(c.deferred)))
}

// collectCommands drains the queue and polls the source. Failures are
// reported but never stop the cycle.
func (o *Orchestrator) collectCommands(ctx context.Context, c *cycle) []models.Command {
	var cmds []models.Command
	if o.queue != nil {
		queued, err := o.queue.Drain(ctx)
		if err != nil {
			o.noteError(c, true, "drain command queue: %v", err)
		}
		cmds = append(cmds, queued...)
	}
	if o.source != nil {
		res := retry.Do(ctx, o.policy, exchange.IsTransient, o.source.PollCommands)
		if !res.OK() {
			o.noteError(c, true, "poll commands: %v", res.Err)
		}
		cmds = append(cmds, res.Value...)
	}
	sort.SliceStable(cmds, func(i, j int) bool { return cmds[i].ReceivedAt.Before(cmds[j].ReceivedAt) })
	return cmds
}

// applyCommands applies halt and resume at once; snap and flat are remembered
// for their place later in the cycle.
func (o *Orchestrator) applyCommands(ctx context.Context, c *cycle) error {
	cmds := o.collectCommands(ctx, c)
	if len(cmds) == 0 {
		return nil
	}
	c.deferred = cmds
	rs, err := o.loadRisk()
	if err != nil {
		return err
	}

	b := persistence.NewBatch()
	var (
		messages []string
		later    []models.Command
	)
	for _, cmd := range cmds {
		c.summary.Commands = append(c.summary.Commands, cmd.Type)
		o.logger.Info("command received", zap.String("type", string(cmd.Type)), zap.String("source", cmd.Source))
		switch cmd.Type {
		case models.CommandHalt:
			if rs.HaltFlag {
				continue
			}
			rs.HaltFlag = true
			rs.HaltReason = "manual halt"
			rs.HaltedAt = c.now
			rs.UpdatedAt = c.now
			b.AppendHaltEvent(models.HaltEvent{At: c.now, Halted: true, Reason: rs.HaltReason, Source: "command"})
			messages = append(messages, "⛔ trading halted by command. Send /resume to continue.")
		case models.CommandResume:
			if !rs.HaltFlag {
				continue
			}
			prev := rs.HaltReason
			rs.HaltFlag = false
			rs.HaltReason = ""
			rs.HaltedAt = time.Time{}
			rs.UpdatedAt = c.now
			b.AppendHaltEvent(models.HaltEvent{At: c.now, Halted: false, Reason: "resumed after: " + prev, Source: "command"})
			messages = append(messages, "▶️ trading resumed (was halted: "+prev+")")
		case models.CommandSnap:
			c.snap = true
			later = append(later, cmd)
		case models.CommandFlat:
			c.flat = true
			later = append(later, cmd)
		}
	}
	if !b.Empty() {
		if err := o.store.Commit(b.PutRiskState(&rs)); err != nil {
			return fmt.Errorf("保存暂停状态失败: %w", err)
		}
	}
	c.deferred = later
	for _, m := range messages {
		o.notify(ctx, m)
	}
	return nil
}

// dailyReset starts a new UTC day. A percentage limit needs the day's
// equity; while the balance is unavailable the previous day's figures stay.
func (o *Orchestrator) dailyReset(ctx context.Context, c *cycle) error {
	res := retry.Do(ctx, o.policy, exchange.IsTransient, o.ex.FetchBalance)
	if res.OK() {
		c.balance = res.Value
	} else {
		o.noteError(c, exchange.IsTransient(res.Err), "fetch balance: %v", res.Err)
	}

	rs, err := o.loadRisk()
	if err != nil {
		return err
	}
	if o.limits.Absolute <= 0 && c.balance == nil && rs.LastResetDate != c.now.Format(risk.DateLayout) {
		o.logger.Warn("daily reset postponed, equity unavailable")
		return nil
	}
	var equity float64
	if c.balance != nil {
		equity = c.balance.Equity
	}
	next, changed := risk.ApplyDailyReset(rs, c.now, equity, o.limits)
	if !changed {
		return nil
	}
	if err := o.store.Commit(persistence.NewBatch().PutRiskState(&next)); err != nil {
		return fmt.Errorf("保存风控状态失败: %w", err)
	}
	o.logger.Info("daily risk reset",
		zap.String("date", next.LastResetDate),
		zap.Float64("dailyLossLimit", next.DailyLossLimit),
		zap.Float64("previousPnL", rs.DailyRealizedPnL))
	return nil
}

func (o *Orchestrator) reconcile(ctx context.Context, c *cycle) error {
	rctx, span := trace.StartSpan(ctx, "cycle.reconcile")
	rep, err := o.recovery.Reconcile(rctx, []string{o.cfg.Symbol}, c.now)
	trace.End(span, err)
	o.absorb(ctx, c, rep)
	if err != nil {
		return fmt.Errorf("对账失败: %w", err)
	}
	return nil
}

func (o *Orchestrator) flatten(ctx context.Context, c *cycle, reason string) error {
	fctx, span := trace.StartSpan(ctx, "cycle.flatten")
	rep, err := o.machine.Flatten(fctx, c.now)
	trace.End(span, err)
	o.absorb(ctx, c, rep)
	msg := fmt.Sprintf("🔻 flatten %s (%s): cancelled %d, filled %d", o.cfg.Symbol, reason, rep.Cancelled, rep.Filled)
	if err != nil {
		msg += "\nfailed: " + err.Error()
	} else if len(rep.Errors) > 0 {
		msg += fmt.Sprintf("\n%d step(s) pending, retried next cycle", len(rep.Errors))
	}
	o.notify(ctx, msg)
	return err
}

// decide covers steps (c) to (e). Market data problems are not errors: the
// cycle records a data failure and moves on to the sweep.
func (o *Orchestrator) decide(ctx context.Context, c *cycle) error {
	candles, err := o.candles.Load(ctx, c.now)
	if err != nil {
		o.dataFailure(c, err)
		return nil
	}
	fv, err := features.Compute(candles, o.cfg.ATRWindow)
	if err != nil {
		o.dataFailure(c, err)
		return nil
	}
	c.markPx = fv.Close
	sig, err := o.scorer.Predict(fv)
	if err != nil {
		o.dataFailure(c, fmt.Errorf("score features: %w", err))
		return nil
	}
	c.summary.Signal = &sig

	rs, err := o.loadRisk()
	if err != nil {
		return err
	}
	pos, err := o.store.LoadPosition(o.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("读取持仓失败: %w", err)
	}
	entries, err := o.machine.ActiveEntries()
	if err != nil {
		return fmt.Errorf("读取活动订单失败: %w", err)
	}
	rulesRes := retry.Do(ctx, o.policy, exchange.IsTransient, func(ctx context.Context) (*exchange.SymbolRules, error) {
		return o.ex.SymbolRules(ctx, o.cfg.Symbol)
	})
	if !rulesRes.OK() {
		o.noteError(c, exchange.IsTransient(rulesRes.Err), "symbol rules: %v", rulesRes.Err)
	}
	var equity float64
	if c.balance != nil {
		equity = c.balance.Equity
	}

	d := o.engine.Decide(risk.Input{
		Signal:            sig,
		Risk:              rs,
		Position:          pos,
		ActiveLadder:      len(entries) > 0,
		Equity:            equity,
		RefPrice:          fv.Close,
		ATR:               fv.ATR,
		Rules:             rulesRes.Value,
		FundingAnnualized: o.fundingAnnualized(ctx, c),
		NotifyDown:        o.notifier.Degraded(),
	})
	c.summary.Action = d.Action
	c.summary.Reason = d.Reason
	o.logger.Info("decision",
		zap.String("action", string(d.Action)),
		zap.String("reason", d.Reason),
		zap.String("signal", string(sig.Side)),
		zap.Float64("score", sig.Score),
		zap.Float64("atr", fv.ATR),
		zap.Float64("close", fv.Close))

	if d.Halt != nil {
		if err := o.halt(ctx, c, d.Halt.Reason, "policy"); err != nil {
			return err
		}
	}

	switch d.Action {
	case models.ActionPlaceLadder:
		pctx, span := trace.StartSpan(ctx, "cycle.place")
		ladderID, rep, err := o.machine.Place(pctx, d.Side, d.Levels, rulesRes.Value, c.now)
		trace.End(span, err)
		c.summary.LadderID = ladderID
		o.absorb(ctx, c, rep)
		if err != nil {
			return fmt.Errorf("阶梯下单失败: %w", err)
		}
	case models.ActionFlatten:
		return o.flatten(ctx, c, d.Reason)
	}
	return nil
}

// halt sets the halt flag and appends the audit event in one commit.
func (o *Orchestrator) halt(ctx context.Context, c *cycle, reason, source string) error {
	rs, err := o.loadRisk()
	if err != nil {
		return err
	}
	if rs.HaltFlag {
		return nil
	}
	rs.HaltFlag = true
	rs.HaltReason = reason
	rs.HaltedAt = c.now
	rs.UpdatedAt = c.now
	b := persistence.NewBatch().
		PutRiskState(&rs).
		AppendHaltEvent(models.HaltEvent{At: c.now, Halted: true, Reason: reason, Source: source})
	if err := o.store.Commit(b); err != nil {
		return fmt.Errorf("保存暂停状态失败: %w", err)
	}
	c.summary.Halted = true
	o.logger.Warn("trading halted", zap.String("reason", reason), zap.String("source", source))
	o.notify(ctx, fmt.Sprintf("⛔ trading halted on %s: %s\nSend /resume to continue.", o.cfg.Symbol, reason))
	return nil
}

// fundingAnnualized returns nil when the check is disabled, the venue has no
// funding or the rate could not be fetched.
func (o *Orchestrator) fundingAnnualized(ctx context.Context, c *cycle) *float64 {
	src, ok := o.ex.(exchange.FundingSource)
	if !ok || o.cfg.FundingFreezeAnnualized <= 0 {
		return nil
	}
	res := retry.Do(ctx, o.policy, exchange.IsTransient, func(ctx context.Context) (float64, error) {
		return src.FundingRate(ctx, o.cfg.Symbol)
	})
	if !res.OK() {
		o.noteError(c, exchange.IsTransient(res.Err), "funding rate: %v", res.Err)
		return nil
	}
	annualized := res.Value * exchange.FundingPeriodsPerYear
	c.summary.FundingAnnualized = &annualized
	return &annualized
}

func (o *Orchestrator) dataFailure(c *cycle, err error) {
	c.summary.DataFailure = true
	o.noteError(c, true, "market data: %v", err)
	o.logger.Warn("market data unavailable, no new orders this cycle", zap.Error(err))
}

func (o *Orchestrator) sendSnapshot(ctx context.Context, c *cycle) {
	rs, err := o.loadRisk()
	if err != nil {
		o.noteError(c, false, "snapshot: %v", err)
		return
	}
	pos, err := o.store.LoadPosition(o.cfg.Symbol)
	if err != nil {
		o.noteError(c, false, "snapshot: %v", err)
		return
	}
	orders, err := o.store.ActiveOrders(o.cfg.Symbol)
	if err != nil {
		o.noteError(c, false, "snapshot: %v", err)
		return
	}
	o.notify(ctx, reporter.RenderSnapshot(reporter.Snapshot{
		Symbol:   o.cfg.Symbol,
		At:       c.now,
		Balance:  c.balance,
		Risk:     rs,
		Position: pos,
		Orders:   orders,
		MarkPx:   c.markPx,
	}))
}

// finish persists the cycle summary and decides what to tell the operator.
func (o *Orchestrator) finish(ctx context.Context, c *cycle, runErr error) {
	if runErr != nil {
		c.summary.Errors = append(c.summary.Errors, runErr.Error())
	}
	rs, err := o.loadRisk()
	if err == nil {
		c.summary.Halted = rs.HaltFlag
		metrics.SetRisk(rs)
	}
	if c.balance != nil {
		metrics.SetEquity(c.balance.Equity)
	}
	c.summary.FinishedAt = o.now().UTC()
	if err := o.store.AppendCycleLog(c.summary); err != nil {
		o.logger.Error("failed to append cycle log", zap.Error(err))
	}
	metrics.ObserveCycle(c.summary)
	o.exportMetrics()

	streak := o.transientStreak(c)
	threshold := o.cfg.TransientAlertThreshold
	switch {
	case runErr != nil:
		o.notify(ctx, notify.Alert("cycle %s failed: %v", c.id, runErr))
	case o.cfg.Telegram.NotifyEveryCycle:
		o.notify(ctx, reporter.FormatCycle(c.summary))
	case threshold > 0 && streak >= threshold && (streak-threshold)%threshold == 0:
		o.notify(ctx, reporter.FormatCycle(c.summary)+fmt.Sprintf("\n(%d consecutive cycles with failures)", streak))
	}

	if o.notifier.Degraded() {
		o.logger.Error("notifications are failing, new entries stay halted until /resume",
			zap.Int("failureStreak", o.notifier.FailureStreak()))
	}

	fields := []zap.Field{zap.String("cycle", c.id)}
	if traceID, spanID, ok := trace.GetTraceFields(ctx); ok {
		fields = append(fields, zap.String("traceID", traceID), zap.String("spanID", spanID))
	}
	o.logger.Info("cycle finished", append(fields,
		zap.Int64("seq", c.summary.Seq),
		zap.String("action", string(c.summary.Action)),
		zap.Int("placed", c.summary.Placed),
		zap.Int("rejected", c.summary.Rejected),
		zap.Int("cancelled", c.summary.Cancelled),
		zap.Int("filled", c.summary.Filled),
		zap.Bool("halted", c.summary.Halted),
		zap.Bool("dataFailure", c.summary.DataFailure),
		zap.Int("errors", len(c.summary.Errors)),
		zap.Duration("took", c.summary.FinishedAt.Sub(c.summary.StartedAt)))...)
}

// transientStreak counts consecutive cycles with transient failures.
func (o *Orchestrator) transientStreak(c *cycle) int {
	raw, err := o.store.GetMeta(transientStreakKey)
	if err != nil {
		o.logger.Warn("failed to read transient streak", zap.Error(err))
	}
	streak, _ := strconv.Atoi(raw)
	if c.summary.Transient || c.summary.DataFailure {
		streak++
	} else {
		streak = 0
	}
	if err := o.store.SetMeta(transientStreakKey, strconv.Itoa(streak)); err != nil {
		o.logger.Warn("failed to store transient streak", zap.Error(err))
	}
	return streak
}

// absorb folds a ladder report into the summary and forwards its alerts.
func (o *Orchestrator) absorb(ctx context.Context, c *cycle, rep ladder.Report) {
	c.summary.Placed += rep.Placed
	c.summary.Rejected += rep.Rejected
	c.summary.Cancelled += rep.Cancelled
	c.summary.Filled += rep.Filled
	c.summary.Transient = c.summary.Transient || rep.Transient
	c.summary.Errors = append(c.summary.Errors, rep.Errors...)
	for _, a := range rep.Alerts {
		o.logger.Warn("alert", zap.String("text", a))
		o.notify(ctx, notify.Alert("%s", a))
	}
}

func (o *Orchestrator) noteError(c *cycle, transient bool, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	c.summary.Errors = append(c.summary.Errors, msg)
	c.summary.Transient = c.summary.Transient || transient
	o.logger.Warn(msg)
}

func (o *Orchestrator) loadRisk() (models.RiskState, error) {
	rs, err := o.store.LoadRiskState()
	if err != nil {
		return models.RiskState{}, fmt.Errorf("读取风控状态失败: %w", err)
	}
	if rs == nil {
		return models.RiskState{}, nil
	}
	return *rs, nil
}

func (o *Orchestrator) notify(ctx context.Context, text string) {
	o.notifier.Notify(ctx, text)
}

func (o *Orchestrator) exportMetrics() {
	if err := metrics.WriteTextfile(o.cfg.Metrics.TextfilePath); err != nil {
		o.logger.Warn("failed to write metrics textfile", zap.Error(err))
	}
}
