// Package agenthost runs scenario-driven agents in-process. Each hosted
// (conversation, agent) pair gets a worker goroutine that follows the event
// log, takes its turns, and writes back through the orchestrator.
package agenthost

import (
	"context"
	"sync"

	"github.com/colloquy/colloquy/internal/common/config"
	apperrors "github.com/colloquy/colloquy/internal/common/errors"
	"github.com/colloquy/colloquy/internal/common/logger"
	"github.com/colloquy/colloquy/internal/llm"
	"github.com/colloquy/colloquy/internal/orchestrator"
)

type workerKey struct {
	conversationID int64
	agentID        string
}

// Host materializes and tracks agent workers. Implements lifecycle.Materializer.
type Host struct {
	orch     *orchestrator.Service
	provider llm.Provider
	cfg      config.AgentHostConfig
	log      *logger.Logger

	rootCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	workers map[workerKey]*worker
	wg      sync.WaitGroup
}

// NewHost creates the agent host. Workers live until StopWorkers, Close, or
// conversation completion.
func NewHost(orch *orchestrator.Service, provider llm.Provider, cfg config.AgentHostConfig, log *logger.Logger) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		orch:     orch,
		provider: provider,
		cfg:      cfg,
		log:      log,
		rootCtx:  ctx,
		cancel:   cancel,
		workers:  make(map[workerKey]*worker),
	}
}

// StartWorker spawns a worker for (conversationID, agentID). Idempotent.
func (h *Host) StartWorker(ctx context.Context, conversationID int64, agentID string) error {
	snap, err := h.orch.GetSnapshot(ctx, conversationID)
	if err != nil {
		return err
	}
	if !snap.Metadata.HasAgent(agentID) {
		return apperrors.AgentNotPermitted(agentID)
	}
	if snap.Scenario == nil {
		return apperrors.Fatal("conversation has no scenario; cannot host agents", nil)
	}
	scenarioAgent := snap.Scenario.Agent(agentID)
	if scenarioAgent == nil {
		return apperrors.Fatal("agent '"+agentID+"' is not defined in the scenario", nil)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key := workerKey{conversationID: conversationID, agentID: agentID}
	if _, running := h.workers[key]; running {
		return nil
	}

	wctx, wcancel := context.WithCancel(h.rootCtx)
	w := &worker{
		host:           h,
		conversationID: conversationID,
		agentID:        agentID,
		meta:           snap.Metadata,
		scenario:       snap.Scenario,
		agent:          scenarioAgent,
		cancel:         wcancel,
		log:            h.log.WithConversationID(conversationID).WithAgentID(agentID),
	}
	h.workers[key] = w

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer h.remove(key)
		w.run(wctx)
	}()

	w.log.Info("worker started")
	return nil
}

// StopWorkers cancels every worker of a conversation.
func (h *Host) StopWorkers(conversationID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, w := range h.workers {
		if key.conversationID == conversationID {
			w.cancel()
		}
	}
}

// Running reports whether a worker exists for (conversationID, agentID).
func (h *Host) Running(conversationID int64, agentID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.workers[workerKey{conversationID: conversationID, agentID: agentID}]
	return ok
}

// Close cancels all workers and waits for them to exit.
func (h *Host) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Host) remove(key workerKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.workers[key]; ok {
		w.cancel()
		delete(h.workers, key)
	}
}
