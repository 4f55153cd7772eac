package persistence

import (
	"binance-ladder-bot-go/internal/models"
	"errors"
	"time"
)

// ErrLockHeld is returned by AcquireLock while another cycle holds a fresh lock.
var ErrLockHeld = errors.New("cycle lock held by another run")

// Store defines the durable state the trading core relies on.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
//
// Every state transition goes through Commit so that a batch of related
// records (ladder intents, a fill with its position and PnL) lands atomically.
type Store interface {
	// Commit atomically applies all writes collected in the batch.
	Commit(b *Batch) error

	// LoadRiskState returns (nil, nil) on first run.
	LoadRiskState() (*models.RiskState, error)
	LoadPosition(symbol string) (*models.Position, error)

	// ActiveOrders lists non-archived ladder orders; an empty symbol lists all.
	ActiveOrders(symbol string) ([]*models.LadderOrder, error)
	// GetOrder looks in active and archived orders. Missing orders yield (nil, nil).
	GetOrder(id string) (*models.LadderOrder, error)

	HaltEvents() ([]models.HaltEvent, error)

	AppendCycleLog(summary models.CycleSummary) error
	RecentCycleLogs(n int) ([]models.CycleSummary, error)

	// AcquireLock takes the cycle lock. A lock older than staleAfter is taken over
	// and returned as the stale lock; a fresh one yields ErrLockHeld.
	AcquireLock(owner string, now time.Time, staleAfter time.Duration) (*models.CycleLock, error)
	ReleaseLock(owner string) error

	GetMeta(key string) (string, error)
	SetMeta(key, value string) error

	// Close gracefully closes the connection to the database.
	Close() error
}

// Batch collects writes for one atomic Commit.
type Batch struct {
	orders     []*models.LadderOrder
	positions  []*models.Position
	closed     []*models.Position
	risk       *models.RiskState
	haltEvents []models.HaltEvent
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// PutOrder upserts an order. Orders in a terminal state are moved to the archive.
func (b *Batch) PutOrder(orders ...*models.LadderOrder) *Batch {
	b.orders = append(b.orders, orders...)
	return b
}

// PutPosition upserts the open position of its symbol.
func (b *Batch) PutPosition(p *models.Position) *Batch {
	b.positions = append(b.positions, p)
	return b
}

// ClosePosition archives the position and frees its symbol.
func (b *Batch) ClosePosition(p *models.Position) *Batch {
	b.closed = append(b.closed, p)
	return b
}

func (b *Batch) PutRiskState(r *models.RiskState) *Batch {
	b.risk = r
	return b
}

func (b *Batch) AppendHaltEvent(e models.HaltEvent) *Batch {
	b.haltEvents = append(b.haltEvents, e)
	return b
}

// Empty reports whether the batch carries no writes.
func (b *Batch) Empty() bool {
	return len(b.orders) == 0 && len(b.positions) == 0 && len(b.closed) == 0 &&
		b.risk == nil && len(b.haltEvents) == 0
}
