package commands

import (
	"binance-ladder-bot-go/internal/models"
	"binance-ladder-bot-go/internal/notify"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener polls a command source and pushes what it receives onto a queue.
// It never touches trading state; the next cycle applies the commands.
// A command is acknowledged to its source only once it is on the queue.
type Listener struct {
	src      notify.CommandSource
	queue    Queue
	mu       sync.Mutex
	pending  []models.Command // polled from a source without acks, not yet queued
	interval time.Duration
	stopChan chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

func NewListener(src notify.CommandSource, queue Queue, interval time.Duration, logger *zap.Logger) *Listener {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Listener{
		src:      src,
		queue:    queue,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger,
	}
}

// Start begins polling in the background.
func (l *Listener) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.loop(ctx)
	l.logger.Sugar().Infof("Command listener started, polling every %s.", l.interval)
}

// Stop ends polling and waits for the loop to exit.
func (l *Listener) Stop() {
	close(l.stopChan)
	l.wg.Wait()
	l.logger.Sugar().Info("Command listener stopped.")
}

func (l *Listener) loop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		if err := l.PollOnce(ctx); err != nil {
			l.logger.Warn("command poll failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-l.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// PollOnce moves whatever the source has onto the queue. When the push fails
// an AckSource is left unacknowledged and redelivers; commands from any other
// source are held and pushed first on the next call.
func (l *Listener) PollOnce(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) > 0 {
		if err := l.push(ctx, l.pending); err != nil {
			return err
		}
		l.pending = nil
	}

	if src, ok := l.src.(notify.AckSource); ok {
		cmds, ack, err := src.FetchCommands(ctx)
		if err != nil {
			return err
		}
		if err := l.push(ctx, cmds); err != nil {
			return err
		}
		if err := ack(); err != nil {
			// 已入队的命令会被再次投递
			l.logger.Warn("failed to acknowledge commands", zap.Error(err))
		}
		return nil
	}

	cmds, err := l.src.PollCommands(ctx)
	if err != nil {
		return err
	}
	if err := l.push(ctx, cmds); err != nil {
		l.pending = append(l.pending, cmds...)
		return err
	}
	return nil
}

func (l *Listener) push(ctx context.Context, cmds []models.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	if err := l.queue.Push(ctx, cmds...); err != nil {
		return fmt.Errorf("failed to queue %d command(s): %w", len(cmds), err)
	}
	for _, c := range cmds {
		l.logger.Info("command queued", zap.String("type", string(c.Type)), zap.String("source", c.Source))
	}
	return nil
}
