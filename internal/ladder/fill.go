package ladder

import (
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OnFill books a fill reported for a stored order, e.g. from a user data
// stream. It marks the order filled, opens or updates the position and, when
// the fill reduces the position, realizes PnL into the daily risk state. It
// returns the position the fill closed, if any.
func (m *Machine) OnFill(orderID string, filledSize, avgPrice float64, at time.Time) (*models.Position, error) {
	o, err := m.store.GetOrder(orderID)
	if err != nil {
		return nil, fmt.Errorf("读取订单 %s 失败: %w", orderID, err)
	}
	if o == nil {
		return nil, fmt.Errorf("order %s not found", orderID)
	}
	return m.Fill(o, filledSize, avgPrice, at)
}

// Fill is OnFill for an order the caller already holds. Every fill the bot
// observes, at placement, in the sweep or during recovery, is booked here.
func (m *Machine) Fill(o *models.LadderOrder, filledSize, avgPrice float64, at time.Time) (*models.Position, error) {
	closed, err := m.settle(o, models.StateFilled, filledSize, avgPrice, at)
	if err != nil {
		return nil, err
	}
	if closed != nil {
		m.logger.Info("position closed",
			zap.String("symbol", closed.Symbol),
			zap.String("side", string(closed.Side)),
			zap.Float64("realizedPnL", closed.RealizedPnL))
	}
	return closed, nil
}

// SettleCancelled records a cancellation the exchange reported and books any
// partial execution that preceded it.
func (m *Machine) SettleCancelled(o *models.LadderOrder, filled, avg float64, at time.Time) error {
	_, err := m.settle(o, models.StateCancelled, filled, avg, at)
	return err
}

// settle moves an order to a terminal state and books whatever quantity it
// executed. Order, position and risk state are written in one batch.
func (m *Machine) settle(o *models.LadderOrder, to models.OrderState, filled, avg float64, at time.Time) (*models.Position, error) {
	if err := o.Transition(to, at); err != nil {
		return nil, err
	}
	b := persistence.NewBatch().PutOrder(o)
	if filled <= sizeEpsilon {
		if err := m.store.Commit(b); err != nil {
			return nil, fmt.Errorf("保存订单状态失败: %w", err)
		}
		return nil, nil
	}

	if avg <= 0 {
		avg = o.Price
	}
	o.FilledSize = filled
	o.AvgFillPrice = avg

	pos, err := m.store.LoadPosition(o.Symbol)
	if err != nil {
		return nil, fmt.Errorf("读取持仓失败: %w", err)
	}
	open, closed, realized := ApplyFill(pos, o, filled, avg, at)
	if closed != nil {
		b.ClosePosition(closed)
	}
	if open != nil {
		b.PutPosition(open)
	}
	if realized != 0 {
		rs, err := m.store.LoadRiskState()
		if err != nil {
			return nil, fmt.Errorf("读取风控状态失败: %w", err)
		}
		if rs == nil {
			rs = &models.RiskState{}
		}
		rs.DailyRealizedPnL += realized
		rs.UpdatedAt = at
		b.PutRiskState(rs)
	}
	if err := m.store.Commit(b); err != nil {
		return nil, fmt.Errorf("保存成交失败: %w", err)
	}

	fields := []zap.Field{
		zap.String("order", o.ID),
		zap.String("state", string(o.State)),
		zap.String("side", string(o.Side)),
		zap.Float64("filled", filled),
		zap.Float64("price", avg),
	}
	if realized != 0 {
		fields = append(fields, zap.Float64("realizedPnL", realized))
	}
	m.logger.Info("fill booked", fields...)
	return closed, nil
}
