package ladder

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/retry"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SweepTimeouts cancels placed orders whose deadline has passed and retries
// cancels that failed in an earlier cycle. A cancel that keeps failing stays
// in cancelling and is reported.
func (m *Machine) SweepTimeouts(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	orders, err := m.store.ActiveOrders(m.cfg.Symbol)
	if err != nil {
		return rep, fmt.Errorf("读取活动订单失败: %w", err)
	}
	for _, o := range orders {
		if o.Irreconcilable {
			continue
		}
		expired := o.State == models.StatePlaced && !o.TimeoutAt.IsZero() && !now.Before(o.TimeoutAt)
		if !expired && o.State != models.StateCancelling {
			continue
		}
		if err := m.cancel(ctx, o, now, &rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

// cancel drives a placed or cancelling order to a terminal state. Exchange
// failures are reported in rep; only store failures are returned.
func (m *Machine) cancel(ctx context.Context, o *models.LadderOrder, now time.Time, rep *Report) error {
	if o.State == models.StatePlaced {
		if err := o.Transition(models.StateCancelling, now); err != nil {
			return err
		}
	}
	o.CancelAttempts++
	o.UpdatedAt = now
	if err := m.commit(o); err != nil {
		return err
	}

	res := retry.Do(ctx, m.cfg.Retry, exchange.IsTransient, func(ctx context.Context) (*exchange.OrderRef, error) {
		return m.ex.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)
	})
	if res.OK() {
		return m.finishCancel(o, res.Value, now, rep)
	}
	if !errors.Is(res.Err, exchange.ErrNotFound) {
		rep.fail(res.Err, "cancel %s failed after %d attempts, retrying next cycle", o.ID, res.Attempts)
		m.logger.Warn("cancel failed", zap.String("order", o.ID), zap.Int("attempts", res.Attempts), zap.Error(res.Err))
		return nil
	}

	// 撤单时订单已不在挂单簿上，查询最终状态：可能已成交
	ref, err := m.fetch(ctx, o)
	switch {
	case err == nil:
		return m.finishCancel(o, ref, now, rep)
	case errors.Is(err, exchange.ErrNotFound):
		rep.alert("order %s (%s) vanished from the exchange while cancelling; marked cancelled", o.ID, o.ExchangeOrderID)
		if _, err := m.settle(o, models.StateCancelled, 0, 0, now); err != nil {
			return err
		}
		rep.Cancelled++
		return nil
	default:
		rep.fail(err, "cancel %s unresolved", o.ID)
		return nil
	}
}

func (m *Machine) finishCancel(o *models.LadderOrder, ref *exchange.OrderRef, now time.Time, rep *Report) error {
	switch {
	case ref.Status == exchange.StatusFilled:
		// 成交先于撤单到达
		if _, err := m.Fill(o, ref.FilledSize, ref.AvgPrice, now); err != nil {
			return err
		}
		rep.Filled++
	case ref.Status.Open():
		rep.fail(nil, "order %s still open after cancel", o.ID)
	default:
		if err := m.SettleCancelled(o, ref.FilledSize, ref.AvgPrice, now); err != nil {
			return err
		}
		rep.Cancelled++
		m.logger.Info("ladder order cancelled",
			zap.String("order", o.ID),
			zap.Float64("partialFill", ref.FilledSize))
	}
	return nil
}
