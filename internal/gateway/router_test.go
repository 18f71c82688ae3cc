package gateway

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/NoPKT/agentim/internal/store"
	"github.com/NoPKT/agentim/pkg/protocol"
)

func TestExtractMentions(t *testing.T) {
	cases := []struct {
		content string
		want    []string
	}{
		{"no mentions here", nil},
		{"hey @coder fix it", []string{"coder"}},
		{"@coder and @reviewer please", []string{"coder", "reviewer"}},
		{"@coder @coder @coder", []string{"coder"}},
		{"email me@example.com", []string{"example"}},
		{"@a-b_c9 works", []string{"a-b_c9"}},
		{"@-nope leading dash is plain text", nil},
	}
	for _, c := range cases {
		if got := extractMentions(c.content); !reflect.DeepEqual(got, c.want) {
			t.Errorf("extractMentions(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}

type routerHarness struct {
	t        *testing.T
	router   *Router
	store    store.Store
	registry *Registry
	socks    map[string]*fakeSock // agent ID -> serving gateway's socket
}

func setupRouterTest(t *testing.T, shared store.SharedStore, hopLimit int64, maxDepth int) *routerHarness {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := NewRegistry(testLogger(), 10, 10)
	limiter := NewRateLimiter(shared, testLogger(), hopLimit, time.Minute)
	detector := NewLoopDetector(shared, testLogger(), 100, time.Minute)
	t.Cleanup(detector.Stop)

	return &routerHarness{
		t:        t,
		router:   NewRouter(st, reg, limiter, detector, testLogger(), maxDepth),
		store:    st,
		registry: reg,
		socks:    make(map[string]*fakeSock),
	}
}

func (h *routerHarness) seedRoom(id string, maxAgentDepth int) {
	h.t.Helper()
	err := h.store.CreateRoom(context.Background(), &store.Room{
		ID: id, Name: id, MaxAgentDepth: maxAgentDepth, CreatedAt: time.Now(),
	})
	if err != nil {
		h.t.Fatalf("seed room %s: %v", id, err)
	}
}

// seedAgent persists an agent, makes it a room member, and connects it
// through its own gateway so hops to it are observable.
func (h *routerHarness) seedAgent(roomID, agentID, name string) *store.Agent {
	h.t.Helper()
	ctx := context.Background()
	a := &store.Agent{ID: agentID, GatewayID: "gw-" + agentID, Name: name, Status: "online"}
	if err := h.store.UpsertAgent(ctx, a); err != nil {
		h.t.Fatalf("seed agent %s: %v", agentID, err)
	}
	if err := h.store.AddRoomMember(ctx, roomID, agentID, "agent"); err != nil {
		h.t.Fatalf("add member %s: %v", agentID, err)
	}

	sock := &fakeSock{}
	conn := NewGatewayConn(sock)
	if err := h.registry.AddGateway(conn, "u-"+agentID, a.GatewayID, 0); err != nil {
		h.t.Fatalf("connect gateway for %s: %v", agentID, err)
	}
	h.registry.RegisterAgent(conn, agentID)
	h.socks[agentID] = sock
	return a
}

func (h *routerHarness) hopsTo(agentID string) int {
	h.t.Helper()
	n := 0
	for _, ft := range h.socks[agentID].frameTypes() {
		if ft == protocol.TypeServerSendToAgent {
			n++
		}
	}
	return n
}

func TestRouter_UserMessageFansOut(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r1", 0)
	h.seedAgent("r1", "a-coder", "Coder")
	ctx := context.Background()

	err := h.router.RouteUserMessage(ctx, "u1", "alice", protocol.ClientSendMessage{
		MessageID: "m1", RoomID: "r1", Content: "hey @coder, look at this",
	})
	if err != nil {
		t.Fatal(err)
	}

	if got := h.hopsTo("a-coder"); got != 1 {
		t.Errorf("coder got %d hops, want 1", got)
	}
	msgs, err := h.store.ListMessages(ctx, "r1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].SenderKind != "user" || msgs[0].SenderID != "u1" {
		t.Errorf("unexpected persisted messages: %+v", msgs)
	}
}

func TestRouter_MentionCaseInsensitive(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r1", 0)
	h.seedAgent("r1", "a-coder", "Coder")

	err := h.router.RouteUserMessage(context.Background(), "u1", "alice", protocol.ClientSendMessage{
		RoomID: "r1", Content: "ping @CODER",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-coder"); got != 1 {
		t.Errorf("coder got %d hops, want 1", got)
	}
}

func TestRouter_NonMemberMentionIsPlainText(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r1", 0)
	h.seedAgent("r1", "a-coder", "Coder")

	err := h.router.RouteUserMessage(context.Background(), "u1", "alice", protocol.ClientSendMessage{
		RoomID: "r1", Content: "ask @stranger about it",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-coder"); got != 0 {
		t.Errorf("coder got %d hops, want 0", got)
	}
}

func TestRouter_CompletionMintsConversation(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r1", 0)
	alice := h.seedAgent("r1", "a-alice", "Alice")

	convID, err := h.router.RouteAgentCompletion(context.Background(), alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r1", AgentID: alice.ID, Content: "done",
	})
	if err != nil {
		t.Fatal(err)
	}
	if convID == "" {
		t.Fatal("originating completion got no conversation ID")
	}

	// An in-conversation completion keeps the ID it was given.
	convID2, err := h.router.RouteAgentCompletion(context.Background(), alice, protocol.GatewayMessageComplete{
		MessageID: "m2", RoomID: "r1", AgentID: alice.ID, Content: "more",
		ConversationID: convID, Depth: 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if convID2 != convID {
		t.Errorf("conversation ID changed: %q -> %q", convID, convID2)
	}
}

// One round trip back to the originator is allowed; the second attempt to
// re-enter an agent that already spoke is suppressed.
func TestRouter_LoopSuppressedAfterRoundTrip(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r1", 0)
	alice := h.seedAgent("r1", "a-alice", "Alice")
	bob := h.seedAgent("r1", "a-bob", "Bob")
	ctx := context.Background()

	// Alice originates, mentioning Bob.
	convID, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r1", AgentID: alice.ID, Content: "@bob take a look",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-bob"); got != 1 {
		t.Fatalf("bob got %d hops, want 1", got)
	}

	// Bob answers, mentioning Alice. Alice was not inserted at the origin,
	// so the round trip goes through.
	if _, err := h.router.RouteAgentCompletion(ctx, bob, protocol.GatewayMessageComplete{
		MessageID: "m2", RoomID: "r1", AgentID: bob.ID, Content: "@alice what about this?",
		ConversationID: convID, Depth: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-alice"); got != 1 {
		t.Fatalf("alice got %d hops, want 1", got)
	}

	// Alice answers again, mentioning Bob. Bob already spoke in this
	// conversation, so the hop is suppressed.
	if _, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
		MessageID: "m3", RoomID: "r1", AgentID: alice.ID, Content: "@bob once more",
		ConversationID: convID, Depth: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-bob"); got != 1 {
		t.Errorf("bob got %d hops, want still 1", got)
	}
}

func TestRouter_LoopSuppressedWithSharedStore(t *testing.T) {
	h := setupRouterTest(t, newFakeShared(), 0, 5)
	h.seedRoom("r1", 0)
	alice := h.seedAgent("r1", "a-alice", "Alice")
	bob := h.seedAgent("r1", "a-bob", "Bob")
	ctx := context.Background()

	convID, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r1", AgentID: alice.ID, Content: "@bob go",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.router.RouteAgentCompletion(ctx, bob, protocol.GatewayMessageComplete{
		MessageID: "m2", RoomID: "r1", AgentID: bob.ID, Content: "back to @bob via self-mention",
		ConversationID: convID, Depth: 1,
	}); err != nil {
		t.Fatal(err)
	}
	// A self-mention never routes back to the sender.
	if got := h.hopsTo("a-bob"); got != 1 {
		t.Errorf("bob got %d hops, want 1", got)
	}
}

func TestRouter_DepthCeiling(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 2)
	h.seedRoom("r1", 0)
	alice := h.seedAgent("r1", "a-alice", "Alice")
	bob := h.seedAgent("r1", "a-bob", "Bob")
	ctx := context.Background()

	convID, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r1", AgentID: alice.ID, Content: "@bob hop 1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-bob"); got != 1 {
		t.Fatalf("bob got %d hops, want 1", got)
	}

	// At depth 2 the next hop would be 3, over the ceiling.
	if _, err := h.router.RouteAgentCompletion(ctx, bob, protocol.GatewayMessageComplete{
		MessageID: "m2", RoomID: "r1", AgentID: bob.ID, Content: "@alice hop 2",
		ConversationID: convID, Depth: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-alice"); got != 0 {
		t.Errorf("alice got %d hops past the ceiling, want 0", got)
	}
}

func TestRouter_RoomDepthOverrideLowers(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r1", 1)
	alice := h.seedAgent("r1", "a-alice", "Alice")
	bob := h.seedAgent("r1", "a-bob", "Bob")
	ctx := context.Background()

	convID, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r1", AgentID: alice.ID, Content: "@bob hop 1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-bob"); got != 1 {
		t.Fatalf("bob got %d hops, want 1", got)
	}

	// The room's ceiling of 1 stops the second hop even though the global
	// ceiling would allow it.
	if _, err := h.router.RouteAgentCompletion(ctx, bob, protocol.GatewayMessageComplete{
		MessageID: "m2", RoomID: "r1", AgentID: bob.ID, Content: "@alice hop 2",
		ConversationID: convID, Depth: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-alice"); got != 0 {
		t.Errorf("alice got %d hops past the room ceiling, want 0", got)
	}
}

func TestRouter_RateLimitSuppressesRouting(t *testing.T) {
	h := setupRouterTest(t, newFakeShared(), 1, 5)
	h.seedRoom("r1", 0)
	alice := h.seedAgent("r1", "a-alice", "Alice")
	h.seedAgent("r1", "a-bob", "Bob")
	ctx := context.Background()

	for i, want := range []int{1, 1} {
		if _, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
			MessageID: fmt.Sprintf("m%d", i+1), RoomID: "r1", AgentID: alice.ID,
			Content: "@bob again",
		}); err != nil {
			t.Fatal(err)
		}
		if got := h.hopsTo("a-bob"); got != want {
			t.Fatalf("after completion %d bob has %d hops, want %d", i+1, got, want)
		}
	}

	// The message itself was still persisted both times.
	msgs, err := h.store.ListMessages(ctx, "r1", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("persisted %d messages, want 2", len(msgs))
	}
}

// A shared-store outage degrades the detector to its local fallback: hops
// keep routing and visited suppression still holds on this instance.
func TestRouter_DetectorFallbackDuringOutage(t *testing.T) {
	shared := newFakeShared()
	h := setupRouterTest(t, shared, 0, 5)
	h.seedRoom("r1", 0)
	alice := h.seedAgent("r1", "a-alice", "Alice")
	bob := h.seedAgent("r1", "a-bob", "Bob")
	ctx := context.Background()

	convID, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r1", AgentID: alice.ID, Content: "@bob go",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-bob"); got != 1 {
		t.Fatalf("bob got %d hops, want 1", got)
	}

	shared.setErr(context.DeadlineExceeded)
	if _, err := h.router.RouteAgentCompletion(ctx, bob, protocol.GatewayMessageComplete{
		MessageID: "m2", RoomID: "r1", AgentID: bob.ID, Content: "@alice go",
		ConversationID: convID, Depth: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-alice"); got != 1 {
		t.Errorf("alice got %d hops during the outage, want 1", got)
	}

	// Bob recorded himself in the local fallback before the fan-out, so
	// the loop back to him is still caught.
	if _, err := h.router.RouteAgentCompletion(ctx, alice, protocol.GatewayMessageComplete{
		MessageID: "m3", RoomID: "r1", AgentID: alice.ID, Content: "@bob again",
		ConversationID: convID, Depth: 2,
	}); err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-bob"); got != 1 {
		t.Errorf("bob got %d hops, want still 1", got)
	}
}

func TestRouter_SelfMentionSkipped(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r1", 0)
	alice := h.seedAgent("r1", "a-alice", "Alice")

	if _, err := h.router.RouteAgentCompletion(context.Background(), alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r1", AgentID: alice.ID, Content: "note to @alice",
	}); err != nil {
		t.Fatal(err)
	}
	if got := h.hopsTo("a-alice"); got != 0 {
		t.Errorf("alice got %d hops from her own mention, want 0", got)
	}
}

func TestRouter_NonMemberAgentCompletionDropped(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	h.seedRoom("r-private", 0)
	h.seedAgent("r-private", "a-bob", "Bob")
	ctx := context.Background()

	// Rogue is a known agent but not a member of the room it addresses.
	rogue := &store.Agent{ID: "a-rogue", GatewayID: "gw-rogue", Name: "Rogue", Status: "online"}
	if err := h.store.UpsertAgent(ctx, rogue); err != nil {
		t.Fatal(err)
	}

	_, err := h.router.RouteAgentCompletion(ctx, rogue, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "r-private", AgentID: rogue.ID, Content: "hi @bob",
	})
	if !errors.Is(err, ErrNotRoomMember) {
		t.Fatalf("got %v, want ErrNotRoomMember", err)
	}

	// Nothing was persisted and nothing was routed.
	msgs, err := h.store.ListMessages(ctx, "r-private", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("cross-room completion persisted %d messages, want 0", len(msgs))
	}
	if got := h.hopsTo("a-bob"); got != 0 {
		t.Errorf("bob got %d hops from a non-member, want 0", got)
	}
}

func TestLoopDetector_ConcurrentMarkAndVisited(t *testing.T) {
	d := NewLoopDetector(nil, testLogger(), 100, time.Minute)
	t.Cleanup(d.Stop)
	ctx := context.Background()

	// Same-conversation completions from different gateways run
	// concurrently, so marking and checking must not race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		agentID := fmt.Sprintf("a%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.MarkVisited(ctx, "conv-1", agentID)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := d.Visited(ctx, "conv-1", agentID); err != nil {
					t.Errorf("visited check failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		hit, err := d.Visited(ctx, "conv-1", fmt.Sprintf("a%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if !hit {
			t.Errorf("agent a%d marked but not reported visited", i)
		}
	}
}

func TestRouter_RoomNotFound(t *testing.T) {
	h := setupRouterTest(t, nil, 0, 5)
	alice := &store.Agent{ID: "a-alice", Name: "Alice"}

	if _, err := h.router.RouteAgentCompletion(context.Background(), alice, protocol.GatewayMessageComplete{
		MessageID: "m1", RoomID: "no-such-room", AgentID: alice.ID, Content: "hi",
	}); err == nil {
		t.Fatal("expected error for unknown room")
	}
}
