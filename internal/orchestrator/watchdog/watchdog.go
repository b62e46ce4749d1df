// Package watchdog sweeps for stalled conversations and cancels them.
package watchdog

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/colloquy/colloquy/internal/common/config"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/conversation/models"
)

// Canceller terminates a conversation, placing the closing event on the
// correct turn.
type Canceller interface {
	ListConversations(ctx context.Context, opts models.ListConversationsOptions) ([]*models.Conversation, error)
	CancelConversation(ctx context.Context, conversationID int64, reason string) (*models.Event, error)
}

// Stopper releases hosted workers for a conversation.
type Stopper interface {
	Stop(ctx context.Context, conversationID int64) error
}

// Watchdog periodically cancels active conversations with no recent events.
type Watchdog struct {
	orch      Canceller
	lifecycle Stopper
	cfg       config.WatchdogConfig
	log       *logger.Logger
}

// New creates a watchdog. lifecycle may be nil when no agents are hosted.
func New(orch Canceller, lifecycle Stopper, cfg config.WatchdogConfig, log *logger.Logger) *Watchdog {
	return &Watchdog{orch: orch, lifecycle: lifecycle, cfg: cfg, log: log}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval())
	defer ticker.Stop()

	w.log.Info("watchdog started",
		zap.Duration("interval", w.cfg.Interval()),
		zap.Duration("stall_threshold", w.cfg.StallThreshold()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep cancels every active conversation whose last activity is older than
// the stall threshold. Fresh conversations are exempt until MinAge so a
// just-created conversation is not raced before its first event.
func (w *Watchdog) Sweep(ctx context.Context) {
	conversations, err := w.orch.ListConversations(ctx, models.ListConversationsOptions{
		Status: models.StatusActive,
	})
	if err != nil {
		w.log.WithError(err).Error("watchdog sweep failed to list conversations")
		return
	}

	now := time.Now().UTC()
	for _, conv := range conversations {
		if now.Sub(conv.CreatedAt) < w.cfg.MinAge() {
			continue
		}
		if now.Sub(conv.UpdatedAt) < w.cfg.StallThreshold() {
			continue
		}

		log := w.log.WithConversationID(conv.ID)
		if _, err := w.orch.CancelConversation(ctx, conv.ID, "stalled: no activity"); err != nil {
			log.WithError(err).Error("watchdog failed to cancel stalled conversation")
			continue
		}
		log.Warn("cancelled stalled conversation",
			zap.Time("last_activity", conv.UpdatedAt))

		if w.lifecycle != nil {
			if err := w.lifecycle.Stop(ctx, conv.ID); err != nil {
				log.WithError(err).Error("watchdog failed to stop workers")
			}
		}
	}
}
