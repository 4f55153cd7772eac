package ladder

import (
	"binance-ladder-bot-go/internal/exchange"
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/persistence"
	"binance-ladder-bot-go/internal/retry"
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// ClientIDPrefix marks every order this bot submits. Recovery uses it to
// recognise orphaned orders on the exchange.
const ClientIDPrefix = "lb-"

const sizeEpsilon = 1e-9

// Config 是状态机运行所需的参数
type Config struct {
	Symbol      string
	PostOnly    bool
	Timeout     time.Duration // 挂单超时时长，下单时换算成绝对时间 TimeoutAt
	MinNotional float64
	Retry       retry.Policy
}

// Report counts what happened during one operation. Errors are reported, not
// swallowed; Transient marks failures a later cycle is expected to resolve.
type Report struct {
	Placed    int
	Rejected  int
	Cancelled int
	Filled    int
	Transient bool
	Errors    []string
	Alerts    []string
}

func (r *Report) fail(err error, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
		if exchange.IsTransient(err) {
			r.Transient = true
		}
	}
	r.Errors = append(r.Errors, msg)
}

func (r *Report) alert(format string, args ...interface{}) {
	r.Alerts = append(r.Alerts, fmt.Sprintf(format, args...))
}

// Machine drives ladder orders through their lifecycle. Every transition is
// committed to the store before the exchange call it announces and again after
// the call returns, so a crash at any point leaves a state recovery can resolve.
type Machine struct {
	store  persistence.Store
	ex     exchange.Client
	cfg    Config
	logger *zap.Logger
}

// NewMachine creates a ladder state machine.
func NewMachine(store persistence.Store, ex exchange.Client, cfg Config, logger *zap.Logger) *Machine {
	return &Machine{store: store, ex: ex, cfg: cfg, logger: logger}
}

// ClientOrderID is deterministic per (ladder, level) so the same intent always
// maps to the same exchange order.
func ClientOrderID(ladderID string, level int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", ladderID, level)))
	return ClientIDPrefix + base62.EncodeToString(sum[:16])
}

// IsOwnClientID reports whether an exchange order was submitted by this bot.
func IsOwnClientID(id string) bool {
	return strings.HasPrefix(id, ClientIDPrefix)
}

// ActiveEntries returns the live entry orders of the symbol. Irreconcilable
// orders are included, so one blocks new ladders until a flatten clears it.
func (m *Machine) ActiveEntries() ([]*models.LadderOrder, error) {
	orders, err := m.store.ActiveOrders(m.cfg.Symbol)
	if err != nil {
		return nil, err
	}
	var entries []*models.LadderOrder
	for _, o := range orders {
		if o.Kind == models.KindEntry && !o.State.Terminal() {
			entries = append(entries, o)
		}
	}
	return entries, nil
}

// fetch looks an order up by client id.
func (m *Machine) fetch(ctx context.Context, o *models.LadderOrder) (*exchange.OrderRef, error) {
	res := retry.Do(ctx, m.cfg.Retry, exchange.IsTransient, func(ctx context.Context) (*exchange.OrderRef, error) {
		return m.ex.FetchOrder(ctx, o.Symbol, o.ClientOrderID)
	})
	return res.Value, res.Err
}

func (m *Machine) commit(orders ...*models.LadderOrder) error {
	if err := m.store.Commit(persistence.NewBatch().PutOrder(orders...)); err != nil {
		return fmt.Errorf("保存订单状态失败: %w", err)
	}
	return nil
}

// reject ends an order that never reached the book.
func (m *Machine) reject(o *models.LadderOrder, reason string, at time.Time, rep *Report) error {
	if err := o.Transition(models.StateRejected, at); err != nil {
		return err
	}
	o.RejectReason = reason
	if err := m.commit(o); err != nil {
		return err
	}
	rep.Rejected++
	m.logger.Warn("ladder order rejected",
		zap.String("order", o.ID),
		zap.Int("level", o.Level),
		zap.String("reason", reason))
	return nil
}
