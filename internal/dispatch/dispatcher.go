package dispatch

import (
	"time"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/dalsi-gateway/internal/continuation"
)

// Dispatcher shares one transport and persistence side channel across sessions
// while keeping continuation state per session.
type Dispatcher struct {
	transport Transport
	registry  *continuation.Registry
	side      *SideChannel
	logger    *zap.SugaredLogger
}

func NewDispatcher(transport Transport, registry *continuation.Registry, side *SideChannel, logger *zap.SugaredLogger) *Dispatcher {
	if registry == nil {
		registry = continuation.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{transport: transport, registry: registry, side: side, logger: logger}
}

// ForSession returns an orchestrator bound to the cache of sessionID.
func (d *Dispatcher) ForSession(sessionID string) *Orchestrator {
	return NewOrchestrator(d.registry.ForSession(sessionID), d.transport, d.side, d.logger.With("session", sessionID))
}

// Lookup returns an orchestrator for sessionID only when the session already
// holds continuation state. Read-only callers use it to avoid creating sessions.
func (d *Dispatcher) Lookup(sessionID string) (*Orchestrator, bool) {
	cache, ok := d.registry.Lookup(sessionID)
	if !ok {
		return nil, false
	}
	return NewOrchestrator(cache, d.transport, d.side, d.logger.With("session", sessionID)), true
}

// PruneSessions drops sessions accepted by match that were idle for longer
// than idle.
func (d *Dispatcher) PruneSessions(idle time.Duration, match func(sessionID string) bool) int {
	dropped := d.registry.Prune(idle, match)
	if dropped > 0 {
		d.logger.Debugw("pruned idle sessions", "dropped", dropped, "remaining", d.registry.Sessions())
	}
	return dropped
}

// DropSession forgets all continuation state of sessionID, as on sign-out.
func (d *Dispatcher) DropSession(sessionID string) {
	d.registry.Drop(sessionID)
}

func (d *Dispatcher) SideChannel() *SideChannel {
	return d.side
}

func (d *Dispatcher) ActiveSessions() int {
	return d.registry.Sessions()
}
