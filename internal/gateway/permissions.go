package gateway

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/pkg/protocol"
)

var (
	// ErrPermissionQueueFull means the broker hit its pending cap and the
	// request was denied immediately instead of being queued.
	ErrPermissionQueueFull = errors.New("permission queue full")
	// ErrDuplicateRequest means a request ID is already pending.
	ErrDuplicateRequest = errors.New("duplicate permission request")
)

type pendingPermission struct {
	requestID string
	agentID   string
	roomID    string
	timer     *time.Timer
}

// PermissionBroker mediates tool approval requests between agents and the
// humans watching their rooms. Every request resolves exactly once: by a
// client decision or by the expiry timer, whichever wins the race to
// delete the pending entry.
type PermissionBroker struct {
	registry   *Registry
	logger     *slog.Logger
	maxPending int
	ceiling    time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPermission
}

// NewPermissionBroker creates a broker holding at most maxPending open
// requests, each expiring after min(requested timeout, ceiling).
func NewPermissionBroker(registry *Registry, logger *slog.Logger, maxPending int, ceiling time.Duration) *PermissionBroker {
	return &PermissionBroker{
		registry:   registry,
		logger:     logger.With("component", "permissions"),
		maxPending: maxPending,
		ceiling:    ceiling,
		pending:    make(map[string]*pendingPermission),
	}
}

// Submit registers a request, arms its expiry timer, and forwards it to the
// room's clients. A full queue denies the request immediately so the agent
// is never left waiting on a decision that cannot arrive.
func (b *PermissionBroker) Submit(req protocol.GatewayPermissionRequest) error {
	timeout := b.ceiling
	if req.TimeoutSeconds > 0 {
		if d := time.Duration(req.TimeoutSeconds) * time.Second; d < timeout {
			timeout = d
		}
	}

	b.mu.Lock()
	if _, ok := b.pending[req.RequestID]; ok {
		b.mu.Unlock()
		return ErrDuplicateRequest
	}
	if len(b.pending) >= b.maxPending {
		b.mu.Unlock()
		metrics.PermissionOutcomes.WithLabelValues("queue_full").Inc()
		b.registry.SendToGateway(req.AgentID, protocol.TypeServerPermissionDecision, protocol.PermissionDecision{
			RequestID: req.RequestID,
			Approved:  false,
			Reason:    "queue_full",
		})
		return ErrPermissionQueueFull
	}
	p := &pendingPermission{
		requestID: req.RequestID,
		agentID:   req.AgentID,
		roomID:    req.RoomID,
	}
	p.timer = time.AfterFunc(timeout, func() { b.expire(req.RequestID) })
	b.pending[req.RequestID] = p
	b.mu.Unlock()

	b.registry.BroadcastToRoom(req.RoomID, protocol.TypeServerPermissionRequest, req)
	b.logger.Info("permission request pending",
		"request_id", req.RequestID, "agent_id", req.AgentID, "tool", req.Tool, "timeout", timeout)
	return nil
}

// Resolve applies a client decision. Returns false if the request is not
// pending, because it already resolved or never existed.
func (b *PermissionBroker) Resolve(requestID string, approved bool) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
		p.timer.Stop()
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	outcome := "denied"
	if approved {
		outcome = "approved"
	}
	metrics.PermissionOutcomes.WithLabelValues(outcome).Inc()

	decision := protocol.PermissionDecision{RequestID: requestID, Approved: approved}
	b.registry.SendToGateway(p.agentID, protocol.TypeServerPermissionDecision, decision)
	b.registry.BroadcastToRoom(p.roomID, protocol.TypeServerPermissionDecision, decision)
	b.logger.Info("permission resolved", "request_id", requestID, "approved", approved)
	return true
}

func (b *PermissionBroker) expire(requestID string) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	if ok {
		delete(b.pending, requestID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	metrics.PermissionOutcomes.WithLabelValues("timeout").Inc()
	b.registry.SendToGateway(p.agentID, protocol.TypeServerPermissionDecision, protocol.PermissionDecision{
		RequestID: requestID,
		Approved:  false,
		Reason:    "timeout",
	})
	b.registry.BroadcastToRoom(p.roomID, protocol.TypeServerPermissionExpired, protocol.PermissionExpired{
		RequestID: requestID,
		RoomID:    p.roomID,
	})
	b.logger.Info("permission request expired", "request_id", requestID, "agent_id", p.agentID)
}

// Lookup returns the room a pending request belongs to, so the caller can
// check the deciding client's membership before resolving.
func (b *PermissionBroker) Lookup(requestID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[requestID]
	if !ok {
		return "", false
	}
	return p.roomID, true
}

// Pending reports the number of open requests.
func (b *PermissionBroker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels all pending timers without resolving the requests. Used on
// shutdown only.
func (b *PermissionBroker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.pending {
		p.timer.Stop()
		delete(b.pending, id)
	}
}
