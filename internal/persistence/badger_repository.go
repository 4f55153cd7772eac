package persistence

import (
	"binance-ladder-bot-go/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v3"
)

const (
	keyRiskState       = "risk_state"
	keyCycleLock       = "lock/cycle"
	prefixOrder        = "ladder_order/"
	prefixArchiveOrder = "archive/ladder_order/"
	prefixPosition     = "position/"
	prefixArchivePos   = "archive/position/"
	prefixCycleLog     = "cycle_log/"
	prefixHaltAudit    = "halt_audit/"
	prefixMeta         = "meta/"
)

// badgerStore is the BadgerDB implementation of the Store.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the state database at dbPath.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Disable Badger's own logging to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil
	return openBadger(opts)
}

// NewInMemoryStore returns a Badger store that lives only in memory.
func NewInMemoryStore() (Store, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (Store, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

func setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// getJSON decodes key into v. It reports false when the key does not exist.
func getJSON(txn *badger.Txn, key string, v interface{}) (bool, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		if len(val) == 0 {
			return fmt.Errorf("value for %s is empty in database", key)
		}
		return json.Unmarshal(val, v)
	})
}

// timeKey orders keys chronologically under a prefix.
func timeKey(prefix string, t time.Time) string {
	return fmt.Sprintf("%s%020d", prefix, t.UnixNano())
}

// Commit applies the batch in a single read-write transaction.
func (s *badgerStore) Commit(b *Batch) error {
	if b == nil || b.Empty() {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, o := range b.orders {
			if o.State.Terminal() {
				if err := txn.Delete([]byte(prefixOrder + o.ID)); err != nil {
					return err
				}
				if err := setJSON(txn, prefixArchiveOrder+o.ID, o); err != nil {
					return err
				}
				continue
			}
			if err := setJSON(txn, prefixOrder+o.ID, o); err != nil {
				return err
			}
		}
		// closes go first so a position reopened in the same batch survives
		for _, p := range b.closed {
			if err := txn.Delete([]byte(prefixPosition + p.Symbol)); err != nil {
				return err
			}
			if err := setJSON(txn, timeKey(prefixArchivePos+p.Symbol+"/", p.ClosedAt), p); err != nil {
				return err
			}
		}
		for _, p := range b.positions {
			if err := setJSON(txn, prefixPosition+p.Symbol, p); err != nil {
				return err
			}
		}
		if b.risk != nil {
			if err := setJSON(txn, keyRiskState, b.risk); err != nil {
				return err
			}
		}
		for i, e := range b.haltEvents {
			// the index keeps two events committed at the same instant apart
			key := fmt.Sprintf("%s/%02d", timeKey(prefixHaltAudit, e.At), i)
			if err := setJSON(txn, key, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *badgerStore) LoadRiskState() (*models.RiskState, error) {
	var state models.RiskState
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, keyRiskState, &state)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

func (s *badgerStore) LoadPosition(symbol string) (*models.Position, error) {
	var pos models.Position
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, prefixPosition+symbol, &pos)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &pos, nil
}

// scan decodes every value under prefix in key order.
func (s *badgerStore) scan(prefix string, reverse bool, limit int, decode func([]byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = reverse
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := []byte(prefix)
		if reverse {
			seek = append([]byte(prefix), 0xFF)
		}
		n := 0
		for it.Seek(seek); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if limit > 0 && n >= limit {
				break
			}
			if err := it.Item().Value(decode); err != nil {
				return err
			}
			n++
		}
		return nil
	})
}

func (s *badgerStore) ActiveOrders(symbol string) ([]*models.LadderOrder, error) {
	var orders []*models.LadderOrder
	err := s.scan(prefixOrder, false, 0, func(val []byte) error {
		var o models.LadderOrder
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if symbol == "" || o.Symbol == symbol {
			orders = append(orders, &o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.Before(orders[j].CreatedAt)
		}
		return orders[i].Level < orders[j].Level
	})
	return orders, nil
}

func (s *badgerStore) GetOrder(id string) (*models.LadderOrder, error) {
	var o models.LadderOrder
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, prefixOrder+id, &o)
		if err != nil || found {
			return err
		}
		found, err = getJSON(txn, prefixArchiveOrder+id, &o)
		return err
	})
	if err != nil || !found {
		return nil, err
	}
	return &o, nil
}

func (s *badgerStore) HaltEvents() ([]models.HaltEvent, error) {
	var events []models.HaltEvent
	err := s.scan(prefixHaltAudit, false, 0, func(val []byte) error {
		var e models.HaltEvent
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		events = append(events, e)
		return nil
	})
	return events, err
}

func (s *badgerStore) AppendCycleLog(summary models.CycleSummary) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, timeKey(prefixCycleLog, summary.StartedAt), summary)
	})
}

// RecentCycleLogs returns up to n summaries, newest first.
func (s *badgerStore) RecentCycleLogs(n int) ([]models.CycleSummary, error) {
	var logs []models.CycleSummary
	err := s.scan(prefixCycleLog, true, n, func(val []byte) error {
		var c models.CycleSummary
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		logs = append(logs, c)
		return nil
	})
	return logs, err
}

func (s *badgerStore) AcquireLock(owner string, now time.Time, staleAfter time.Duration) (*models.CycleLock, error) {
	var stale *models.CycleLock
	err := s.db.Update(func(txn *badger.Txn) error {
		var current models.CycleLock
		found, err := getJSON(txn, keyCycleLock, &current)
		if err != nil {
			return err
		}
		if found {
			if now.Sub(current.AcquiredAt) < staleAfter {
				return fmt.Errorf("%w: owner %s since %s", ErrLockHeld, current.Owner, current.AcquiredAt.Format(time.RFC3339))
			}
			stale = &current
		}
		return setJSON(txn, keyCycleLock, models.CycleLock{Owner: owner, AcquiredAt: now})
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

// ReleaseLock removes the lock only if owner still holds it.
func (s *badgerStore) ReleaseLock(owner string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var current models.CycleLock
		found, err := getJSON(txn, keyCycleLock, &current)
		if err != nil || !found || current.Owner != owner {
			return err
		}
		return txn.Delete([]byte(keyCycleLock))
	})
}

func (s *badgerStore) GetMeta(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixMeta + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		value = string(raw)
		return err
	})
	return value, err
}

func (s *badgerStore) SetMeta(key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixMeta+key), []byte(value))
	})
}

// Close gracefully closes the connection to the database.
func (s *badgerStore) Close() error {
	return s.db.Close()
}
