package recovery

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/ladder"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/retry"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Manager reconciles persisted in-flight orders against the exchange's view.
// It never submits a new order; an order it cannot confirm is left for the
// next pass or surfaced as an alert.
type Manager struct {
	store   persistence.Store
	ex      exchange.Client
	machine *ladder.Machine
	policy  retry.Policy
	logger  *zap.Logger
}

// NewManager creates a recovery manager. The ladder machine books fills found during reconciliation.
func NewManager(store persistence.Store, ex exchange.Client, machine *ladder.Machine, policy retry.Policy, logger *zap.Logger) *Manager {
	return &Manager{store: store, ex: ex, machine: machine, policy: policy, logger: logger}
}

// resolution is a pending change to one order, applied after all lookups so
// that fills land in the order the exchange reported them.
type resolution struct {
	order  *models.LadderOrder
	to     models.OrderState
	ref    *exchange.OrderRef
	filled float64
	avg    float64
	at     time.Time // exchange update time, orders fills
}

// Reconcile resolves every non-terminal order of the given symbols:
//
//	intended   -> placed if the exchange has it, otherwise rejected
//	placing    -> placed if open; filled or rejected per order history otherwise
//	placed     -> unchanged if open; filled or cancelled per history otherwise
//	cancelling -> left for the sweep if open; filled or cancelled otherwise
//
// A second run without exchange changes writes nothing.
func (m *Manager) Reconcile(ctx context.Context, symbols []string, now time.Time) (ladder.Report, error) {
	var rep ladder.Report
	for _, symbol := range symbols {
		if err := m.reconcileSymbol(ctx, symbol, now, &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (m *Manager) reconcileSymbol(ctx context.Context, symbol string, now time.Time, rep *ladder.Report) error {
	orders, err := m.store.ActiveOrders(symbol)
	if err != nil {
		return fmt.Errorf("读取活动订单失败: %w", err)
	}

	openRes := retry.Do(ctx, m.policy, exchange.IsTransient, func(ctx context.Context) ([]exchange.OrderRef, error) {
		return m.ex.FetchOpenOrders(ctx, symbol)
	})
	if !openRes.OK() {
		// 无法获得交易所视图时不做任何改动
		rep.Errors = append(rep.Errors, fmt.Sprintf("reconcile %s skipped: %v", symbol, openRes.Err))
		rep.Transient = rep.Transient || exchange.IsTransient(openRes.Err)
		m.logger.Warn("reconcile skipped, open orders unavailable", zap.String("symbol", symbol), zap.Error(openRes.Err))
		return nil
	}
	live := make(map[string]exchange.OrderRef, len(openRes.Value))
	for _, ref := range openRes.Value {
		live[ref.ClientOrderID] = ref
	}

	known := make(map[string]bool, len(orders))
	var pending []resolution
	for _, o := range orders {
		known[o.ClientOrderID] = true
		if o.Irreconcilable {
			continue
		}
		ref, open := live[o.ClientOrderID]
		r, ok := m.resolve(ctx, o, ref, open, now, rep)
		if ok {
			pending = append(pending, r)
		}
	}

	// 按交易所时间顺序应用，而不是本地下单顺序
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })
	for _, r := range pending {
		if err := m.apply(r, now, rep); err != nil {
			return err
		}
	}

	for _, ref := range openRes.Value {
		if known[ref.ClientOrderID] || !ladder.IsOwnClientID(ref.ClientOrderID) {
			continue
		}
		if err := m.cancelOrphan(ctx, ref, rep); err != nil {
			return err
		}
	}
	return nil
}

// resolve decides what an order should become. ok is false when nothing changes.
func (m *Manager) resolve(ctx context.Context, o *models.LadderOrder, ref exchange.OrderRef, open bool, now time.Time, rep *ladder.Report) (resolution, bool) {
	switch o.State {
	case models.StateIntended, models.StatePlacing:
		if open {
			return resolution{order: o, to: models.StatePlaced, ref: &ref, at: ref.UpdateTime}, true
		}
		hist, err := m.lookup(ctx, o)
		switch {
		case errors.Is(err, exchange.ErrNotFound):
			return resolution{order: o, to: models.StateRejected, at: now}, true
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Sprintf("order %s unresolved: %v", o.ID, err))
			rep.Transient = true
			return resolution{}, false
		case hist.Status == exchange.StatusFilled:
			return resolution{order: o, to: models.StateFilled, ref: hist, filled: hist.FilledSize, avg: hist.AvgPrice, at: hist.UpdateTime}, true
		case hist.Status.Open():
			// 快照之后才出现在挂单簿上
			return resolution{order: o, to: models.StatePlaced, ref: hist, at: hist.UpdateTime}, true
		case hist.FilledSize > 0:
			// 部分成交后被撤销：以成交部分计为 filled
			return resolution{order: o, to: models.StateFilled, ref: hist, filled: hist.FilledSize, avg: hist.AvgPrice, at: hist.UpdateTime}, true
		default:
			return resolution{order: o, to: models.StateRejected, ref: hist, at: hist.UpdateTime}, true
		}

	case models.StatePlaced, models.StateCancelling:
		if open {
			return resolution{}, false
		}
		hist, err := m.lookup(ctx, o)
		switch {
		case errors.Is(err, exchange.ErrNotFound):
			if o.State == models.StateCancelling {
				return resolution{order: o, to: models.StateCancelled, at: now}, true
			}
			// 交易所既无挂单也无历史：不做假设，标记并告警
			return resolution{order: o, to: o.State, at: now}, true
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Sprintf("order %s unresolved: %v", o.ID, err))
			rep.Transient = true
			return resolution{}, false
		case hist.Status == exchange.StatusFilled:
			return resolution{order: o, to: models.StateFilled, ref: hist, filled: hist.FilledSize, avg: hist.AvgPrice, at: hist.UpdateTime}, true
		case hist.Status.Open():
			return resolution{}, false
		default:
			return resolution{order: o, to: models.StateCancelled, ref: hist, filled: hist.FilledSize, avg: hist.AvgPrice, at: hist.UpdateTime}, true
		}
	}
	return resolution{}, false
}

func (m *Manager) apply(r resolution, now time.Time, rep *ladder.Report) error {
	o := r.order
	switch {
	case r.to == o.State:
		o.Irreconcilable = true
		o.UpdatedAt = now
		if err := m.store.Commit(persistence.NewBatch().PutOrder(o)); err != nil {
			return fmt.Errorf("保存订单状态失败: %w", err)
		}
		rep.Alerts = append(rep.Alerts, fmt.Sprintf("order %s (%s) vanished from %s with no history. New ladders on %s are blocked until /flat.", o.ID, o.ExchangeOrderID, o.Symbol, o.Symbol))
		m.logger.Error("irreconcilable order", zap.String("order", o.ID), zap.String("state", string(o.State)))
		return nil

	case r.to == models.StatePlaced:
		// placing 订单在交易所已存在：如实记录，即使当前处于暂停状态
		if err := o.Transition(models.StatePlaced, now); err != nil {
			return err
		}
		o.ExchangeOrderID = r.ref.ExchangeOrderID
		if o.PlacedAt.IsZero() {
			o.PlacedAt = now
		}
		if err := m.machine.RecordPlaced(o); err != nil {
			return err
		}
		rep.Placed++

	case r.to == models.StateRejected:
		if err := o.Transition(models.StateRejected, now); err != nil {
			return err
		}
		o.RejectReason = "not found on exchange during recovery"
		if r.ref != nil {
			o.ExchangeOrderID = r.ref.ExchangeOrderID
			o.RejectReason = "exchange status " + string(r.ref.Status)
		}
		if err := m.store.Commit(persistence.NewBatch().PutOrder(o)); err != nil {
			return fmt.Errorf("保存订单状态失败: %w", err)
		}
		rep.Rejected++

	case r.to == models.StateFilled, r.to == models.StateCancelled:
		if r.ref != nil && o.ExchangeOrderID == "" {
			o.ExchangeOrderID = r.ref.ExchangeOrderID
		}
		if o.State == models.StateIntended {
			if err := o.Transition(models.StatePlacing, now); err != nil {
				return err
			}
		}
		if r.to == models.StateFilled {
			if _, err := m.machine.Fill(o, r.filled, r.avg, now); err != nil {
				return err
			}
			rep.Filled++
		} else {
			if err := m.machine.SettleCancelled(o, r.filled, r.avg, now); err != nil {
				return err
			}
			rep.Cancelled++
		}
	}

	m.logger.Info("order reconciled",
		zap.String("order", o.ID),
		zap.String("state", string(o.State)),
		zap.Float64("filled", r.filled))
	return nil
}

func (m *Manager) lookup(ctx context.Context, o *models.LadderOrder) (*exchange.OrderRef, error) {
	res := retry.Do(ctx, m.policy, exchange.IsTransient, func(ctx context.Context) (*exchange.OrderRef, error) {
		return m.ex.FetchOrder(ctx, o.Symbol, o.ClientOrderID)
	})
	return res.Value, res.Err
}

// cancelOrphan cancels an order carrying our client id prefix that the store
// has no record of.
func (m *Manager) cancelOrphan(ctx context.Context, ref exchange.OrderRef, rep *ladder.Report) error {
	res := retry.Do(ctx, m.policy, exchange.IsTransient, func(ctx context.Context) (*exchange.OrderRef, error) {
		return m.ex.CancelOrder(ctx, ref.Symbol, ref.ExchangeOrderID)
	})
	if !res.OK() && !errors.Is(res.Err, exchange.ErrNotFound) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("cancel orphan %s: %v", ref.ClientOrderID, res.Err))
		return nil
	}
	rep.Alerts = append(rep.Alerts, fmt.Sprintf("cancelled orphan order %s (%s) on %s", ref.ClientOrderID, ref.ExchangeOrderID, ref.Symbol))
	m.logger.Warn("orphan order cancelled", zap.String("clientOrderID", ref.ClientOrderID), zap.String("symbol", ref.Symbol))
	return nil
}
