package notify

import (
	"binance-ladder-bot-go/internal/models"
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Channel delivers a text message to the operator.
type Channel interface {
	Send(ctx context.Context, text string) error
}

// CommandSource yields operator commands that arrived since the last poll.
type CommandSource interface {
	PollCommands(ctx context.Context) ([]models.Command, error)
}

// AckSource is a CommandSource that redelivers commands until ack is called.
// A relay acks only after it has handed the commands on.
type AckSource interface {
	CommandSource
	FetchCommands(ctx context.Context) (cmds []models.Command, ack func() error, err error)
}

// MetaStore keeps small string values across runs. persistence.Store satisfies it.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

const failureStreakKey = "notify_fail_streak"

// Notifier sends through a Channel and never fails the caller. Consecutive
// send failures are counted in the meta store so the streak survives restarts.
type Notifier struct {
	ch          Channel
	meta        MetaStore
	maxFailures int
	logger      *zap.Logger
}

// NewNotifier wraps ch. maxFailures <= 0 disables the degraded warning.
func NewNotifier(ch Channel, meta MetaStore, maxFailures int, logger *zap.Logger) *Notifier {
	if meta == nil {
		meta = NewMemoryMeta()
	}
	return &Notifier{ch: ch, meta: meta, maxFailures: maxFailures, logger: logger}
}

// Notify sends text and reports whether it was delivered.
func (n *Notifier) Notify(ctx context.Context, text string) bool {
	if n == nil || n.ch == nil {
		return false
	}
	err := n.ch.Send(ctx, text)
	streak := n.FailureStreak()
	if err == nil {
		if streak > 0 {
			n.setStreak(0)
			n.logger.Info("notification channel recovered", zap.Int("previousFailures", streak))
		}
		return true
	}

	streak++
	n.setStreak(streak)
	n.logger.Warn("notification send failed", zap.Int("streak", streak), zap.Error(err))
	if n.maxFailures > 0 && streak == n.maxFailures {
		n.logger.Error("notification channel degraded, operator alerts are not being delivered",
			zap.Int("consecutiveFailures", streak))
	}
	return false
}

// FailureStreak returns the number of consecutive failed sends.
func (n *Notifier) FailureStreak() int {
	v, err := n.meta.GetMeta(failureStreakKey)
	if err != nil || v == "" {
		return 0
	}
	streak, _ := strconv.Atoi(v)
	return streak
}

// Degraded reports whether the streak has reached the configured limit.
func (n *Notifier) Degraded() bool {
	if n == nil {
		return false
	}
	return n.maxFailures > 0 && n.FailureStreak() >= n.maxFailures
}

func (n *Notifier) setStreak(v int) {
	if err := n.meta.SetMeta(failureStreakKey, strconv.Itoa(v)); err != nil {
		n.logger.Warn("failed to persist notification failure streak", zap.Error(err))
	}
}

// LogChannel writes messages to the log. It stands in when no chat is configured.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Send(ctx context.Context, text string) error {
	c.logger.Info("notification", zap.String("text", text))
	return nil
}

// memoryMeta is a process-local MetaStore.
type memoryMeta struct {
	mu   sync.Mutex
	vals map[string]string
}

// NewMemoryMeta returns a MetaStore that forgets everything on exit.
func NewMemoryMeta() MetaStore {
	return &memoryMeta{vals: make(map[string]string)}
}

func (m *memoryMeta) GetMeta(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vals[key], nil
}

func (m *memoryMeta) SetMeta(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}

// Alert formats an operator alert.
func Alert(format string, args ...interface{}) string {
	return "⚠️ " + fmt.Sprintf(format, args...)
}
