package ladder

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/retry"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Place records one intent per level in a single batch and then submits the
// levels one by one. A level that fails is rejected without aborting its
// siblings. It returns the new ladder id.
func (m *Machine) Place(ctx context.Context, side models.Side, levels []models.LadderLevel, rules *exchange.SymbolRules, now time.Time) (string, Report, error) {
	var rep Report
	if len(levels) == 0 {
		return "", rep, errors.New("no ladder levels to place")
	}

	ladderID := uuid.NewString()
	intents := make([]*models.LadderOrder, 0, len(levels))
	for _, lvl := range levels {
		cid := ClientOrderID(ladderID, lvl.Index)
		intents = append(intents, &models.LadderOrder{
			ID:            cid,
			LadderID:      ladderID,
			Symbol:        m.cfg.Symbol,
			Side:          side,
			Kind:          models.KindEntry,
			Level:         lvl.Index,
			Price:         lvl.Price,
			Size:          lvl.Size,
			State:         models.StateIntended,
			ClientOrderID: cid,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	// 所有档位的意图必须在任何网络调用之前一次性落盘
	if err := m.store.Commit(persistence.NewBatch().PutOrder(intents...)); err != nil {
		return "", rep, fmt.Errorf("写入阶梯意图失败: %w", err)
	}
	m.logger.Info("ladder intents recorded",
		zap.String("ladderID", ladderID),
		zap.String("side", string(side)),
		zap.Int("levels", len(intents)))

	for _, o := range intents {
		req := exchange.OrderRequest{
			Symbol:        o.Symbol,
			Side:          o.Side,
			Type:          exchange.OrderTypeLimit,
			Price:         o.Price,
			Size:          o.Size,
			PostOnly:      m.cfg.PostOnly,
			ClientOrderID: o.ClientOrderID,
		}
		if rules != nil {
			if err := rules.Check(o.Price, o.Size, m.cfg.MinNotional); err != nil {
				if err := m.reject(o, err.Error(), now, &rep); err != nil {
					return ladderID, rep, err
				}
				continue
			}
		}
		if err := m.execute(ctx, o, req, now, &rep); err != nil {
			return ladderID, rep, err
		}
	}
	return ladderID, rep, nil
}

// execute moves an intended order through placing and records the outcome.
// Only store failures and fatal exchange errors are returned.
func (m *Machine) execute(ctx context.Context, o *models.LadderOrder, req exchange.OrderRequest, now time.Time, rep *Report) error {
	if err := o.Transition(models.StatePlacing, now); err != nil {
		return err
	}
	if err := m.commit(o); err != nil {
		return err
	}

	ref, err := m.submit(ctx, o, req)
	switch exchange.Classify(err) {
	case exchange.ClassNone:
		return m.confirm(o, ref, now, rep)
	case exchange.ClassRejected:
		return m.reject(o, err.Error(), now, rep)
	case exchange.ClassNotFound:
		// 重试耗尽后确认交易所没有这笔订单
		return m.reject(o, "not accepted: "+err.Error(), now, rep)
	case exchange.ClassFatal:
		rep.fail(err, "order %s", o.ID)
		return fmt.Errorf("submit %s: %w", o.ID, err)
	default:
		// 结果未知，保留 placing 由下一轮对账处理
		rep.fail(err, "order %s left in placing", o.ID)
		return nil
	}
}

// submit places the order with bounded retries. Before every resubmission it
// checks whether an earlier attempt reached the exchange, so a lost response
// never turns into a second order.
func (m *Machine) submit(ctx context.Context, o *models.LadderOrder, req exchange.OrderRequest) (*exchange.OrderRef, error) {
	calls := 0
	res := retry.Do(ctx, m.cfg.Retry, exchange.IsTransient, func(ctx context.Context) (*exchange.OrderRef, error) {
		calls++
		if calls > 1 {
			ref, err := m.ex.FetchOrder(ctx, o.Symbol, o.ClientOrderID)
			if err == nil {
				return ref, nil
			}
			if !errors.Is(err, exchange.ErrNotFound) {
				return nil, err
			}
		}
		ref, err := m.ex.PlaceOrder(ctx, req)
		if errors.Is(err, exchange.ErrDuplicateOrder) {
			m.logger.Info("client order id already on exchange, adopting", zap.String("order", o.ID))
			return m.ex.FetchOrder(ctx, o.Symbol, o.ClientOrderID)
		}
		return ref, err
	})
	if res.OK() || !res.Exhausted {
		return res.Value, res.Err
	}

	final := retry.Do(ctx, retry.Policy{Attempts: 1, Timeout: m.cfg.Retry.Timeout}, exchange.IsTransient, func(ctx context.Context) (*exchange.OrderRef, error) {
		return m.ex.FetchOrder(ctx, o.Symbol, o.ClientOrderID)
	})
	switch {
	case final.OK():
		return final.Value, nil
	case errors.Is(final.Err, exchange.ErrNotFound):
		return nil, fmt.Errorf("%w after %d attempts: %v", exchange.ErrNotFound, res.Attempts, res.Err)
	}
	return nil, res.Err
}

// confirm records the exchange's answer to a placement.
func (m *Machine) confirm(o *models.LadderOrder, ref *exchange.OrderRef, now time.Time, rep *Report) error {
	o.ExchangeOrderID = ref.ExchangeOrderID
	switch {
	case ref.Status == exchange.StatusFilled:
		if _, err := m.Fill(o, ref.FilledSize, ref.AvgPrice, now); err != nil {
			return err
		}
		rep.Filled++
		return nil
	case ref.Status.Open():
		if err := o.Transition(models.StatePlaced, now); err != nil {
			return err
		}
		o.PlacedAt = now
		if err := m.RecordPlaced(o); err != nil {
			return err
		}
		rep.Placed++
		m.logger.Info("ladder order placed",
			zap.String("order", o.ID),
			zap.String("exchangeOrderID", o.ExchangeOrderID),
			zap.Float64("price", o.Price),
			zap.Float64("size", o.Size),
			zap.Time("timeoutAt", o.TimeoutAt))
		return nil
	default:
		return m.reject(o, "exchange status "+string(ref.Status), now, rep)
	}
}

// RecordPlaced persists an order that is resting on the exchange and arms its
// timeout from PlacedAt.
func (m *Machine) RecordPlaced(o *models.LadderOrder) error {
	if o.Kind == models.KindEntry && m.cfg.Timeout > 0 && o.TimeoutAt.IsZero() {
		o.TimeoutAt = o.PlacedAt.Add(m.cfg.Timeout)
	}
	return m.commit(o)
}
