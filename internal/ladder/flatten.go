package ladder

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Flatten cancels every resting entry order of the symbol and then closes the
// open position with a reduce-only market order. Terminal states are recorded
// before it returns.
func (m *Machine) Flatten(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	orders, err := m.store.ActiveOrders(m.cfg.Symbol)
	if err != nil {
		return rep, fmt.Errorf("读取活动订单失败: %w", err)
	}

	for _, o := range orders {
		if o.Kind != models.KindEntry {
			continue
		}
		switch o.State {
		case models.StateIntended:
			if err := m.reject(o, "flattened before submission", now, &rep); err != nil {
				return rep, err
			}
		case models.StatePlaced, models.StateCancelling:
			if err := m.cancel(ctx, o, now, &rep); err != nil {
				return rep, err
			}
		case models.StatePlacing:
			rep.fail(nil, "order %s still placing, left for recovery", o.ID)
		}
	}

	pos, err := m.store.LoadPosition(m.cfg.Symbol)
	if err != nil {
		return rep, fmt.Errorf("读取持仓失败: %w", err)
	}
	if pos == nil || pos.Size <= sizeEpsilon {
		m.logger.Info("flatten: no open position", zap.String("symbol", m.cfg.Symbol))
		return rep, nil
	}
	for _, o := range orders {
		if o.Kind == models.KindExit && !o.State.Terminal() {
			rep.fail(nil, "exit order %s already in flight", o.ID)
			return rep, nil
		}
	}

	ladderID := uuid.NewString()
	cid := ClientOrderID(ladderID, 0)
	exit := &models.LadderOrder{
		ID:            cid,
		LadderID:      ladderID,
		Symbol:        pos.Symbol,
		Side:          pos.Side.EntrySide().Opposite(),
		Kind:          models.KindExit,
		Size:          pos.Size,
		State:         models.StateIntended,
		ClientOrderID: cid,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.commit(exit); err != nil {
		return rep, err
	}
	m.logger.Info("closing position",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("size", pos.Size))

	req := exchange.OrderRequest{
		Symbol:        exit.Symbol,
		Side:          exit.Side,
		Type:          exchange.OrderTypeMarket,
		Size:          exit.Size,
		ReduceOnly:    true,
		ClientOrderID: exit.ClientOrderID,
	}
	before := rep.Rejected
	if err := m.execute(ctx, exit, req, now, &rep); err != nil {
		return rep, err
	}
	if rep.Rejected > before {
		rep.alert("flatten exit for %s rejected: %s", pos.Symbol, exit.RejectReason)
	}
	return rep, nil
}
