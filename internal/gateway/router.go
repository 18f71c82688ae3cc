package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/NoPKT/agentim/internal/cache"
	"github.com/NoPKT/agentim/internal/metrics"
	"github.com/NoPKT/agentim/internal/store"
	"github.com/NoPKT/agentim/pkg/protocol"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9][A-Za-z0-9_-]*)`)

// ErrNotRoomMember means the sending agent addressed a room it is not a
// member of. Callers drop the frame without responding.
var ErrNotRoomMember = errors.New("sender is not a room member")

// extractMentions returns the unique @names in content, in order of first
// appearance.
func extractMentions(content string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// LoopDetector tracks which agents have already spoken in a conversation.
// The shared store, when configured, is authoritative so detection holds
// across server instances; a bounded local cache shadows every write and
// answers the check when the shared store is unreachable. Only when both
// sides fail does the check return an error, and the router drops the hop.
type LoopDetector struct {
	shared store.SharedStore // nil means local-only
	local  *cache.Cache[map[string]struct{}]
	logger *slog.Logger
	ttl    time.Duration
}

// NewLoopDetector creates a detector. The local cache holds at most
// capacity conversations; both sides expire sets after ttl.
func NewLoopDetector(shared store.SharedStore, logger *slog.Logger, capacity int, ttl time.Duration) *LoopDetector {
	return &LoopDetector{
		shared: shared,
		local:  cache.New[map[string]struct{}](capacity, ttl),
		logger: logger.With("component", "loopdetect"),
		ttl:    ttl,
	}
}

func visitedKey(conversationID string) string {
	return fmt.Sprintf("visited:%s", conversationID)
}

// MarkVisited records that the agent has produced a completion in the
// conversation. The local cache is written first so a shared-store outage
// never loses the record for this instance.
func (d *LoopDetector) MarkVisited(ctx context.Context, conversationID, agentID string) {
	d.local.Upsert(conversationID, func(set map[string]struct{}, ok bool) map[string]struct{} {
		if !ok {
			set = make(map[string]struct{})
		}
		set[agentID] = struct{}{}
		return set
	})
	if d.shared == nil {
		return
	}
	key := visitedKey(conversationID)
	if err := d.shared.AddToSet(ctx, key, agentID); err != nil {
		d.logger.Warn("shared visited set unavailable, local record only",
			"conversation_id", conversationID, "error", err)
		return
	}
	if err := d.shared.Expire(ctx, key, d.ttl); err != nil {
		d.logger.Warn("visited set expiry not applied", "conversation_id", conversationID, "error", err)
	}
}

// Visited reports whether the agent has already spoken in the conversation.
// A shared-store failure falls back to the local cache; an error comes back
// only when no side can answer.
func (d *LoopDetector) Visited(ctx context.Context, conversationID, agentID string) (bool, error) {
	if d.shared != nil {
		hit, err := d.shared.IsMember(ctx, visitedKey(conversationID), agentID)
		if err == nil {
			return hit, nil
		}
		d.logger.Warn("shared visited check failed, using local fallback",
			"conversation_id", conversationID, "error", err)
	}
	if d.local == nil {
		return false, fmt.Errorf("visited set unavailable for conversation %s", conversationID)
	}
	// The membership question is answered under the cache lock: Upsert
	// mutates the same map in place on concurrent MarkVisited calls.
	hit := false
	d.local.View(conversationID, func(set map[string]struct{}) {
		_, hit = set[agentID]
	})
	return hit, nil
}

// StartSweeper starts periodic expiry of local visited sets.
func (d *LoopDetector) StartSweeper(interval time.Duration) { d.local.StartSweeper(interval) }

// Stop halts the local sweeper.
func (d *LoopDetector) Stop() { d.local.Stop() }

// Router persists completed messages, fans them out to room subscribers,
// and turns @mentions into bounded agent-to-agent hops.
//
// A completion with no conversation ID originates a new conversation; the
// originator is deliberately not inserted into the visited set, so one
// round trip back to it stays possible. Every in-conversation completion
// inserts its sender before fan-out, which is what terminates cycles.
type Router struct {
	store    store.Store
	registry *Registry
	limiter  *RateLimiter
	detector *LoopDetector
	logger   *slog.Logger
	maxDepth int
}

// NewRouter wires the routing pipeline. maxDepth is the global hop
// ceiling; a room's own ceiling can lower it, never raise it.
func NewRouter(st store.Store, registry *Registry, limiter *RateLimiter, detector *LoopDetector, logger *slog.Logger, maxDepth int) *Router {
	return &Router{
		store:    st,
		registry: registry,
		limiter:  limiter,
		detector: detector,
		logger:   logger.With("component", "router"),
		maxDepth: maxDepth,
	}
}

func (r *Router) depthLimit(room *store.Room) int {
	limit := r.maxDepth
	if room.MaxAgentDepth > 0 && room.MaxAgentDepth < limit {
		limit = room.MaxAgentDepth
	}
	return limit
}

// RouteAgentCompletion handles a completed agent message: persist,
// broadcast, then fan out mentions. The returned conversation ID is the
// one the message ended up in, freshly minted for originating completions.
func (r *Router) RouteAgentCompletion(ctx context.Context, from *store.Agent, msg protocol.GatewayMessageComplete) (string, error) {
	room, err := r.store.GetRoom(ctx, msg.RoomID)
	if err != nil {
		return "", fmt.Errorf("load room: %w", err)
	}
	member, err := r.store.IsRoomMember(ctx, msg.RoomID, from.ID)
	if err != nil {
		return "", fmt.Errorf("check room membership: %w", err)
	}
	if !member {
		metrics.FramesDropped.WithLabelValues("unauthorized").Inc()
		r.logger.Warn("completion from agent outside room dropped",
			"agent_id", from.ID, "room_id", msg.RoomID)
		return "", ErrNotRoomMember
	}

	conversationID := msg.ConversationID
	depth := msg.Depth
	originating := conversationID == ""
	if originating {
		conversationID = ulid.Make().String()
		depth = 0
	}

	record := &store.Message{
		ID:             ulid.Make().String(),
		RoomID:         msg.RoomID,
		SenderID:       from.ID,
		SenderKind:     "agent",
		Content:        msg.Content,
		ConversationID: conversationID,
		Depth:          depth,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.AppendMessage(ctx, record); err != nil {
		return "", fmt.Errorf("persist message: %w", err)
	}

	r.registry.BroadcastToRoom(msg.RoomID, protocol.TypeServerMessageComplete, protocol.GatewayMessageComplete{
		MessageID:      msg.MessageID,
		RoomID:         msg.RoomID,
		AgentID:        from.ID,
		Content:        msg.Content,
		ConversationID: conversationID,
		Depth:          depth,
	})

	mentions := extractMentions(msg.Content)
	if len(mentions) == 0 {
		return conversationID, nil
	}

	// The sender joins the visited set before any hop leaves, except at
	// the origin: leaving the originator out is what allows exactly one
	// round trip back to it.
	if !originating {
		r.detector.MarkVisited(ctx, conversationID, from.ID)
	}

	r.fanOut(ctx, room, from.ID, from.Name, msg.Content, conversationID, depth, mentions)
	return conversationID, nil
}

// RouteUserMessage handles a message sent by a human: persist, broadcast,
// then fan out mentions. User messages always originate a fresh
// conversation; the sender's rate budget gates fan-out the same way an
// agent's does, and suppression never blocks the persist or broadcast.
func (r *Router) RouteUserMessage(ctx context.Context, userID, username string, msg protocol.ClientSendMessage) error {
	room, err := r.store.GetRoom(ctx, msg.RoomID)
	if err != nil {
		return fmt.Errorf("load room: %w", err)
	}

	record := &store.Message{
		ID:         ulid.Make().String(),
		RoomID:     msg.RoomID,
		SenderID:   userID,
		SenderKind: "user",
		Content:    msg.Content,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.AppendMessage(ctx, record); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	r.registry.BroadcastToRoom(msg.RoomID, protocol.TypeServerMessageComplete, protocol.GatewayMessageComplete{
		MessageID: msg.MessageID,
		RoomID:    msg.RoomID,
		AgentID:   userID,
		Content:   msg.Content,
	})

	mentions := extractMentions(msg.Content)
	if len(mentions) == 0 {
		return nil
	}
	conversationID := ulid.Make().String()
	r.fanOut(ctx, room, userID, username, msg.Content, conversationID, 0, mentions)
	return nil
}

// fanOut routes one hop per mentioned agent, subject to the depth ceiling,
// the sender's rate budget, and the visited set. Suppression only skips
// routing; the message itself was already persisted and broadcast.
func (r *Router) fanOut(ctx context.Context, room *store.Room, fromID, fromName, content, conversationID string, depth int, mentions []string) {
	nextDepth := depth + 1
	if nextDepth > r.depthLimit(room) {
		metrics.SuppressedHops.WithLabelValues("depth").Add(float64(len(mentions)))
		r.logger.Debug("hops suppressed at depth ceiling",
			"room_id", room.ID, "conversation_id", conversationID, "depth", nextDepth)
		return
	}

	if !r.limiter.Allow(ctx, fromID) {
		metrics.SuppressedHops.WithLabelValues("rate_limited").Add(float64(len(mentions)))
		r.logger.Warn("hops suppressed by rate limit", "sender_id", fromID, "room_id", room.ID)
		return
	}

	agents, err := r.store.ListRoomAgents(ctx, room.ID)
	if err != nil {
		r.logger.Error("list room agents", "room_id", room.ID, "error", err)
		return
	}
	byName := make(map[string]*store.Agent, len(agents))
	for i := range agents {
		byName[strings.ToLower(agents[i].Name)] = &agents[i]
	}

	for _, name := range mentions {
		target, ok := byName[strings.ToLower(name)]
		if !ok {
			// Mention of a non-member is plain text, not a hop.
			continue
		}
		if target.ID == fromID {
			continue
		}
		visited, err := r.detector.Visited(ctx, conversationID, target.ID)
		if err != nil {
			metrics.SuppressedHops.WithLabelValues("detector_failed").Inc()
			r.logger.Error("loop detector unavailable, suppressing hop",
				"conversation_id", conversationID, "target", target.ID, "error", err)
			continue
		}
		if visited {
			metrics.SuppressedHops.WithLabelValues("visited").Inc()
			r.logger.Debug("hop suppressed, agent already spoke",
				"conversation_id", conversationID, "target", target.ID)
			continue
		}

		r.registry.SendToGateway(target.ID, protocol.TypeServerSendToAgent, protocol.SendToAgent{
			AgentID:        target.ID,
			RoomID:         room.ID,
			ConversationID: conversationID,
			Depth:          nextDepth,
			FromAgentID:    fromID,
			FromName:       fromName,
			Content:        content,
		})
		metrics.RoutedHops.Inc()
		r.logger.Info("routed hop",
			"room_id", room.ID, "conversation_id", conversationID,
			"from", fromID, "to", target.ID, "depth", nextDepth)
	}
}
